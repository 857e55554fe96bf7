package probe

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pngoptimiser-go/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectFormat(t *testing.T) {
	tests := map[string]Format{
		"a.jpg":         FormatJPEG,
		"a.JPEG":        FormatJPEG,
		"dir/b.png":     FormatPNG,
		"B.PNG":         FormatPNG,
		"c.gif":         FormatGIF,
		"d.webp":        FormatWebP,
		"e.tif":         FormatTIFF,
		"f.bmp":         FormatBMP,
		"notes.txt":     FormatUnknown,
		"no-extension":  FormatUnknown,
		"archive.png.x": FormatUnknown,
	}
	for path, want := range tests {
		assert.Equal(t, want, DetectFormat(path), path)
	}

	assert.True(t, IsPNG("photo.PnG"))
	assert.False(t, IsPNG("photo.jpg"))
	assert.True(t, IsImage("photo.webp"))
	assert.False(t, IsImage("photo.heic"))
	assert.True(t, FormatPNG.SupportsAlpha())
	assert.False(t, FormatJPEG.SupportsAlpha())
	assert.Equal(t, "Unknown", Format(99).String())
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	png := testutil.Write(t, dir, "a.png", testutil.Gradient(40, 30))
	jpg := testutil.Write(t, dir, "b.jpg", testutil.Gradient(20, 60))

	info, err := Inspect(png)
	require.NoError(t, err)
	assert.Equal(t, FormatPNG, info.Format)
	assert.Equal(t, "png", info.Codec)
	assert.Equal(t, 40, info.Width)
	assert.Equal(t, 30, info.Height)
	assert.Equal(t, 1200, info.Pixels())
	assert.Nil(t, info.EXIF)

	st, err := os.Stat(png)
	require.NoError(t, err)
	assert.Equal(t, st.Size(), info.Size)

	info, err = Inspect(jpg)
	require.NoError(t, err)
	assert.Equal(t, FormatJPEG, info.Format)
	assert.Equal(t, 20, info.Width)
	assert.Equal(t, 60, info.Height)
}

func TestInspectFallsBackToCodec(t *testing.T) {
	dir := t.TempDir()
	src := testutil.Write(t, dir, "a.png", testutil.Gradient(8, 8))
	renamed := filepath.Join(dir, "upload.bin")
	require.NoError(t, os.Rename(src, renamed))

	info, err := Inspect(renamed)
	require.NoError(t, err)
	assert.Equal(t, FormatPNG, info.Format)
}

func TestInspectErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Inspect(filepath.Join(dir, "missing.png"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Inspect(dir)
	assert.Error(t, err)

	bad := testutil.WriteBytes(t, dir, "bad.png", []byte("garbage"))
	_, err = Inspect(bad)
	assert.Error(t, err)
}

func TestInspectorCache(t *testing.T) {
	path := testutil.Write(t, t.TempDir(), "a.png", testutil.Gradient(16, 16))
	p := NewInspector(nil)

	_, err := p.Inspect(path)
	require.NoError(t, err)
	first, err := p.Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, 16, first.Width)

	stats := p.GetCacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(2), stats.TotalQueries)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)

	// A rewrite changes the key even when the path is the same.
	testutil.Write(t, filepath.Dir(path), "a.png", testutil.Gradient(32, 8))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))
	second, err := p.Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, 32, second.Width)

	p.ClearCache()
	assert.Equal(t, CacheStats{}, p.GetCacheStats())
}

func TestInspectorClearCacheConcurrent(t *testing.T) {
	path := testutil.Write(t, t.TempDir(), "a.png", testutil.Gradient(16, 16))
	p := NewInspector(nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				info, err := p.Inspect(path)
				assert.NoError(t, err)
				assert.Equal(t, 16, info.Width)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p.ClearCache()
			}
		}()
	}
	wg.Wait()

	p.ClearCache()
	_, err := p.Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.GetCacheStats().Misses)
}
