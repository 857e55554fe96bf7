// Package fsutil holds the file-writing helpers shared by the encoders.
package fsutil

import (
	"bytes"
	"io"
	"os"
)

// TmpSuffix is appended to dst while a write is in progress.
const TmpSuffix = ".tmp"

// WriteAtomic writes through a .tmp sibling that is renamed over dst on
// success. On failure the sibling is removed and dst is left untouched.
func WriteAtomic(dst string, write func(w io.Writer) error) error {
	tmpPath := dst + TmpSuffix
	out, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if err := write(out); err != nil {
		_ = out.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// WriteFileAtomic is WriteAtomic for an in-memory payload.
func WriteFileAtomic(dst string, data []byte) error {
	return WriteAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, bytes.NewReader(data))
		return err
	})
}
