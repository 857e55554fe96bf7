// Package probe inspects image files: container format, dimensions and the
// EXIF fields that influence compression.
package probe

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Inspector reads image headers and caches the results by path, size and
// modification time.
type Inspector struct {
	logger *logrus.Logger
	cache  *sync.Map
	stats  CacheStats
	mutex  sync.RWMutex
}

// NewInspector returns a new Inspector.
func NewInspector(logger *logrus.Logger) *Inspector {
	if logger == nil {
		logger = logrus.New()
	}
	return &Inspector{
		logger: logger,
		cache:  &sync.Map{},
	}
}

// Inspect reads the image at path without caching.
func Inspect(path string) (*ImageInfo, error) {
	return NewInspector(nil).Inspect(path)
}

// Inspect returns the dimensions, format and EXIF summary of the image at path.
func (p *Inspector) Inspect(path string) (*ImageInfo, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if fileInfo.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	key := cacheKey(path, fileInfo)
	if v, ok := p.cache.Load(key); ok {
		p.count(true)
		info := v.(ImageInfo)
		return &info, nil
	}
	p.count(false)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	cfg, codec, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image header: %w", err)
	}

	info := ImageInfo{
		Path:    path,
		Format:  DetectFormat(path),
		Codec:   codec,
		Width:   cfg.Width,
		Height:  cfg.Height,
		Size:    fileInfo.Size(),
		ModTime: fileInfo.ModTime(),
	}
	if info.Format == FormatUnknown {
		info.Format = formatFromCodec(codec)
	}

	if _, err := f.Seek(0, 0); err == nil {
		if x, err := p.readEXIF(f); err == nil {
			info.EXIF = x
		} else {
			p.logger.Debugf("No EXIF in %s: %v", path, err)
		}
	}

	p.cache.Store(key, info)
	return &info, nil
}

// GetCacheStats returns cache statistics for this inspector.
func (p *Inspector) GetCacheStats() CacheStats {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	stats := p.stats
	if stats.TotalQueries > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.TotalQueries)
	}
	return stats
}

// ClearCache removes all cached entries and resets statistics.
func (p *Inspector) ClearCache() {
	p.cache.Range(func(key, _ any) bool {
		p.cache.Delete(key)
		return true
	})
	p.mutex.Lock()
	p.stats = CacheStats{}
	p.mutex.Unlock()
}

func (p *Inspector) count(hit bool) {
	p.mutex.Lock()
	if hit {
		p.stats.Hits++
	} else {
		p.stats.Misses++
	}
	p.stats.TotalQueries++
	p.mutex.Unlock()
}

func (p *Inspector) readEXIF(f *os.File) (*EXIFInfo, error) {
	x, err := exif.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode EXIF: %w", err)
	}

	info := &EXIFInfo{
		Make:        stringTag(x, exif.Make),
		Model:       stringTag(x, exif.Model),
		Software:    stringTag(x, exif.Software),
		Orientation: 1,
	}
	if tag, err := x.Get(exif.Orientation); err == nil {
		if v, err := tag.Int(0); err == nil && v >= 1 && v <= 8 {
			info.Orientation = v
		}
	}
	if raw := stringTag(x, exif.DateTimeOriginal); raw != "" {
		if t, err := time.Parse("2006:01:02 15:04:05", raw); err == nil {
			info.DateTimeOriginal = &t
		}
	} else if t, err := x.DateTime(); err == nil {
		info.DateTimeOriginal = &t
	}
	return info, nil
}

func stringTag(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}

func formatFromCodec(codec string) Format {
	switch codec {
	case "jpeg":
		return FormatJPEG
	case "png":
		return FormatPNG
	case "gif":
		return FormatGIF
	case "webp":
		return FormatWebP
	case "tiff":
		return FormatTIFF
	case "bmp":
		return FormatBMP
	default:
		return FormatUnknown
	}
}

func cacheKey(path string, fileInfo os.FileInfo) string {
	return fmt.Sprintf("%s:%d:%d", path, fileInfo.Size(), fileInfo.ModTime().UnixNano())
}
