package compressor

import (
	"fmt"
	"os"
	"strings"

	"github.com/barasher/go-exiftool"
)

const softwareTag = "PNGOptimiser"

type metadataCopier interface {
	Copy(src, dst string) error
}

// exiftoolCopier copies descriptive EXIF tags from the source onto the
// re-encoded output and stamps the Software tag.
type exiftoolCopier struct{}

var preservedTags = []string{
	"Make", "Model", "LensModel", "Artist", "Copyright", "ImageDescription",
	"DateTimeOriginal", "CreateDate", "ModifyDate", "OffsetTime",
}

func preservedTag(name string) bool {
	if strings.HasPrefix(name, "GPS") {
		return true
	}
	for _, t := range preservedTags {
		if t == name {
			return true
		}
	}
	return false
}

func (exiftoolCopier) Copy(src, dst string) error {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return fmt.Errorf("start exiftool: %w", err)
	}
	defer et.Close()

	files := et.ExtractMetadata(src)
	if len(files) != 1 {
		return fmt.Errorf("exiftool returned %d entries", len(files))
	}
	if files[0].Err != nil {
		return fmt.Errorf("read source metadata: %w", files[0].Err)
	}

	out := []exiftool.FileMetadata{{File: dst, Fields: map[string]interface{}{}}}
	for k, v := range files[0].Fields {
		if preservedTag(k) {
			out[0].Fields[k] = v
		}
	}
	out[0].SetString("Software", softwareTag)

	et.WriteMetadata(out)
	_ = os.Remove(dst + "_original")
	if out[0].Err != nil {
		return fmt.Errorf("write metadata: %w", out[0].Err)
	}
	return nil
}
