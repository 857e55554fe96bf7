package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Local copies files into a directory, renaming on collision.
type Local struct {
	dir string
}

// NewLocal returns a Local saver rooted at dir.
func NewLocal(dir string) *Local {
	return &Local{dir: dir}
}

// Dir returns the target directory.
func (l *Local) Dir() string {
	return l.dir
}

// Save copies path into the directory as name. An existing file with the
// same name is kept and the copy gets a _N suffix.
func (l *Local) Save(ctx context.Context, path, name string) (*SaveResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		name = filepath.Base(path)
	}
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", l.dir, err)
	}

	target := filepath.Join(l.dir, filepath.Base(name))
	if _, err := os.Stat(target); err == nil {
		target = uniqueFilename(target)
	}

	size, err := copyTo(path, target)
	if err != nil {
		return nil, err
	}
	return &SaveResult{Location: target, Name: filepath.Base(target), Size: size}, nil
}

func copyTo(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return 0, err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return 0, err
	}
	return n, nil
}

// uniqueFilename returns a unique filename by adding a counter.
func uniqueFilename(basePath string) string {
	dir := filepath.Dir(basePath)
	name := filepath.Base(basePath)
	ext := filepath.Ext(name)
	nameWithoutExt := strings.TrimSuffix(name, ext)

	for counter := 1; ; counter++ {
		newPath := filepath.Join(dir, fmt.Sprintf("%s_%d%s", nameWithoutExt, counter, ext))
		if _, err := os.Stat(newPath); os.IsNotExist(err) {
			return newPath
		}
	}
}
