// Package luban shrinks photos the way chat apps do: downscale according to
// the aspect ratio and pixel count, then lower JPEG quality until the file
// fits a size budget. The coarse "gear" picks between the two rule sets.
package luban

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"pngoptimiser-go/internal/fsutil"

	"github.com/disintegration/imaging"
)

// Gear selects a compression rule set.
type Gear int

const (
	// FirstGear targets a fixed small resolution and a ~60KB budget.
	FirstGear Gear = 1
	// ThirdGear scales by aspect ratio and pixel count.
	ThirdGear Gear = 3
)

func (g Gear) String() string {
	switch g {
	case FirstGear:
		return "first"
	case ThirdGear:
		return "third"
	default:
		return fmt.Sprintf("gear(%d)", int(g))
	}
}

// GearForQuality maps the quality setting onto a gear: 0 selects the first
// gear, everything else the third.
func GearForQuality(quality int) Gear {
	if quality == 0 {
		return FirstGear
	}
	return ThirdGear
}

// Plan is the target size and byte budget for one image.
type Plan struct {
	Width  int
	Height int
	MaxKB  int64
	// Keep is set when the source is already small enough to leave untouched.
	Keep bool
}

// PlanFor computes the plan for an image of the given dimensions and file size.
func PlanFor(width, height int, fileSize int64, gear Gear) Plan {
	if gear == FirstGear {
		return firstGear(width, height, fileSize)
	}
	return thirdGear(width, height, fileSize)
}

func firstGear(w, h int, fileSize int64) Plan {
	const (
		minKB     = 60
		longSide  = 720
		shortSide = 1280
	)
	maxKB := max(fileSize/5/1024, 1)

	var tw, th int
	var kb int64
	if w <= h {
		if float64(w)/float64(h) > 0.5625 {
			tw = min(w, shortSide)
			th = tw * h / w
			kb = minKB
		} else {
			th = min(h, longSide)
			tw = th * w / h
			kb = maxKB
		}
	} else {
		if float64(h)/float64(w) > 0.5625 {
			th = min(h, shortSide)
			tw = th * w / h
			kb = minKB
		} else {
			tw = min(w, longSide)
			th = tw * h / w
			kb = maxKB
		}
	}
	return Plan{Width: max(tw, 1), Height: max(th, 1), MaxKB: kb}
}

func thirdGear(w, h int, fileSize int64) Plan {
	short, long := even(min(w, h)), even(max(w, h))
	scale := float64(short) / float64(long)
	kb := fileSize / 1024

	var thumbShort, thumbLong int
	var size float64
	switch {
	case scale <= 1 && scale > 0.5625:
		switch {
		case long < 1664:
			if kb < 150 {
				return Plan{Width: w, Height: h, Keep: true}
			}
			thumbShort, thumbLong = short, long
			size = math.Max(float64(thumbShort*thumbLong)/math.Pow(1664, 2)*150, 60)
		case long < 4990:
			thumbShort, thumbLong = short/2, long/2
			size = math.Max(float64(thumbShort*thumbLong)/math.Pow(2495, 2)*300, 60)
		case long < 10240:
			thumbShort, thumbLong = short/4, long/4
			size = math.Max(float64(thumbShort*thumbLong)/math.Pow(2560, 2)*300, 100)
		default:
			multiple := max(long/1280, 1)
			thumbShort, thumbLong = short/multiple, long/multiple
			size = math.Max(float64(thumbShort*thumbLong)/math.Pow(2560, 2)*300, 100)
		}
	case scale <= 0.5625 && scale > 0.5:
		if long < 1280 && kb < 200 {
			return Plan{Width: w, Height: h, Keep: true}
		}
		multiple := max(long/1280, 1)
		thumbShort, thumbLong = short/multiple, long/multiple
		size = math.Max(float64(thumbShort*thumbLong)/(1440.0*2560.0)*400, 100)
	default:
		multiple := max(int(math.Ceil(float64(long)/(1280.0/scale))), 1)
		thumbShort, thumbLong = short/multiple, long/multiple
		size = math.Max(float64(thumbShort*thumbLong)/(1280.0*(1280/scale))*500, 100)
	}

	f := math.Min(float64(thumbShort)/float64(min(w, h)), 1)
	return Plan{
		Width:  max(int(math.Round(float64(w)*f)), 1),
		Height: max(int(math.Round(float64(h)*f)), 1),
		MaxKB:  int64(size),
	}
}

func even(n int) int {
	if n%2 == 1 {
		return n + 1
	}
	return n
}

// Outcome is the single completion signal of a recompression.
type Outcome struct {
	// Path is the written JPEG, or the source itself when Unchanged.
	Path      string
	Unchanged bool
	Plan      Plan
	Quality   int
	Err       error
}

// Launch runs Compress on a background goroutine. The channel receives
// exactly one Outcome and is then closed.
func Launch(ctx context.Context, src, dstDir string, gear Gear) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		ch <- Compress(ctx, src, dstDir, gear)
	}()
	return ch
}

// Compress recompresses src into dstDir using the given gear.
func Compress(ctx context.Context, src, dstDir string, gear Gear) Outcome {
	info, err := os.Stat(src)
	if err != nil {
		return Outcome{Err: err}
	}
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return Outcome{Err: fmt.Errorf("luban: decode %s: %w", filepath.Base(src), err)}
	}

	b := img.Bounds()
	plan := PlanFor(b.Dx(), b.Dy(), info.Size(), gear)
	if plan.Keep {
		return Outcome{Path: src, Unchanged: true, Plan: plan}
	}
	if err := ctx.Err(); err != nil {
		return Outcome{Err: err, Plan: plan}
	}

	if plan.Width != b.Dx() || plan.Height != b.Dy() {
		img = imaging.Resize(img, plan.Width, plan.Height, imaging.Lanczos)
	}
	data, quality, err := encodeWithin(onWhite(img), plan.MaxKB)
	if err != nil {
		return Outcome{Err: err, Plan: plan}
	}

	base := filepath.Base(src)
	out := filepath.Join(dstDir, strings.TrimSuffix(base, filepath.Ext(base))+"_luban.jpg")
	if err := fsutil.WriteFileAtomic(out, data); err != nil {
		return Outcome{Err: err, Plan: plan}
	}
	return Outcome{Path: out, Plan: plan, Quality: quality}
}

// encodeWithin starts at quality 100 and steps down by 6 while the encoded
// size exceeds maxKB.
func encodeWithin(img image.Image, maxKB int64) ([]byte, int, error) {
	quality := 100
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, 0, fmt.Errorf("luban: encode: %w", err)
	}
	for int64(buf.Len())/1024 > maxKB && quality > 6 {
		buf.Reset()
		quality -= 6
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, 0, fmt.Errorf("luban: encode: %w", err)
		}
	}
	return buf.Bytes(), quality, nil
}

func onWhite(img image.Image) image.Image {
	b := img.Bounds()
	return imaging.Overlay(imaging.New(b.Dx(), b.Dy(), color.White), img, image.Pt(0, 0), 1.0)
}
