package probe

import (
	"path/filepath"
	"strings"
	"time"
)

// Format represents the container format of an image file.
type Format int

const (
	FormatUnknown Format = iota
	FormatJPEG
	FormatPNG
	FormatGIF
	FormatWebP
	FormatTIFF
	FormatBMP
)

var extensionFormats = map[string]Format{
	".jpg":  FormatJPEG,
	".jpeg": FormatJPEG,
	".png":  FormatPNG,
	".gif":  FormatGIF,
	".webp": FormatWebP,
	".tif":  FormatTIFF,
	".tiff": FormatTIFF,
	".bmp":  FormatBMP,
}

// String returns the string representation of the Format.
func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "JPEG"
	case FormatPNG:
		return "PNG"
	case FormatGIF:
		return "GIF"
	case FormatWebP:
		return "WebP"
	case FormatTIFF:
		return "TIFF"
	case FormatBMP:
		return "BMP"
	default:
		return "Unknown"
	}
}

// SupportsAlpha reports whether the format can carry transparency.
func (f Format) SupportsAlpha() bool {
	switch f {
	case FormatPNG, FormatGIF, FormatWebP, FormatTIFF:
		return true
	default:
		return false
	}
}

// DetectFormat returns the format implied by the file extension.
func DetectFormat(path string) Format {
	return extensionFormats[strings.ToLower(filepath.Ext(path))]
}

// IsPNG reports whether path has a .png extension, ignoring case.
func IsPNG(path string) bool {
	return DetectFormat(path) == FormatPNG
}

// IsImage reports whether path has a recognised image extension.
func IsImage(path string) bool {
	return DetectFormat(path) != FormatUnknown
}

// ImageInfo describes an image file on disk.
type ImageInfo struct {
	Path    string
	Format  Format
	Codec   string
	Width   int
	Height  int
	Size    int64
	ModTime time.Time
	EXIF    *EXIFInfo
}

// Pixels returns the pixel count.
func (i *ImageInfo) Pixels() int {
	return i.Width * i.Height
}

// EXIFInfo holds the EXIF fields that matter for compression decisions.
type EXIFInfo struct {
	Make             string
	Model            string
	Software         string
	DateTimeOriginal *time.Time
	// Orientation is the raw EXIF orientation, 1 when absent.
	Orientation int
}

// CacheStats contains statistics about cache performance.
type CacheStats struct {
	Hits         int64
	Misses       int64
	HitRate      float64
	TotalQueries int64
}
