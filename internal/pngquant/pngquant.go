// Package pngquant reduces truecolor images to an 8-bit palette, searching
// for the smallest palette whose quality falls inside a min/max range.
//
// Quality follows the libimagequant scale: 100 is lossless, and values are
// mapped to a mean squared error budget by qualityToMSE.
package pngquant

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"pngoptimiser-go/internal/fsutil"

	"github.com/disintegration/imaging"
	"github.com/soniakeys/quant/median"
	"golang.org/x/image/draw"
)

const (
	maxColors = 256
	// maxSamplePixels bounds the image the palette search works on.
	maxSamplePixels = 256 * 256
)

var (
	ErrQualityTooLow  = errors.New("pngquant: quality too low")
	ErrOutputExists   = errors.New("pngquant: output file is not empty")
	ErrInvalidOptions = errors.New("pngquant: invalid options")
)

// Options controls the quantizer.
type Options struct {
	MinQuality int
	MaxQuality int
	// Speed is 1 (slowest, best) to 11. It sets how close the palette size
	// search gets to the optimum before stopping.
	Speed int
	// Dither is the Floyd-Steinberg amount in [0,1]; any positive value enables it.
	Dither float64
}

// DefaultOptions returns the quality range and settings used when none are given.
func DefaultOptions() Options {
	return Options{
		MinQuality: 50,
		MaxQuality: 100,
		Speed:      1,
		Dither:     1.0,
	}
}

// Validate checks the option ranges.
func (o Options) Validate() error {
	switch {
	case o.MinQuality < 0 || o.MinQuality > 100:
		return fmt.Errorf("%w: min quality %d out of range [0,100]", ErrInvalidOptions, o.MinQuality)
	case o.MaxQuality < 0 || o.MaxQuality > 100:
		return fmt.Errorf("%w: max quality %d out of range [0,100]", ErrInvalidOptions, o.MaxQuality)
	case o.MaxQuality < o.MinQuality:
		return fmt.Errorf("%w: max quality %d below min quality %d", ErrInvalidOptions, o.MaxQuality, o.MinQuality)
	case o.Speed < 1 || o.Speed > 11:
		return fmt.Errorf("%w: speed %d out of range [1,11]", ErrInvalidOptions, o.Speed)
	case o.Dither < 0 || o.Dither > 1:
		return fmt.Errorf("%w: dither %.2f out of range [0,1]", ErrInvalidOptions, o.Dither)
	}
	return nil
}

// Report describes the palette that was chosen.
type Report struct {
	Colors   int
	Quality  int
	MSE      float64
	Dithered bool
}

type trial struct {
	palette color.Palette
	mse     float64
	quality int
}

// Quantize converts img to a paletted image within the requested quality range.
func Quantize(ctx context.Context, img image.Image, opts Options) (*image.Paletted, Report, error) {
	if err := opts.Validate(); err != nil {
		return nil, Report{}, err
	}
	src := imaging.Clone(img)
	if src.Bounds().Empty() {
		return nil, Report{}, fmt.Errorf("pngquant: empty image")
	}

	if pal, ok := exactPalette(src); ok {
		return remap(src, pal, false), Report{Colors: len(pal), Quality: 100}, nil
	}

	// Palette-size trials are scored on a reduced copy; only the chosen
	// palette is applied at full resolution.
	sample := sampleFor(src)
	best, err := try(ctx, sample, maxColors)
	if err != nil {
		return nil, Report{}, err
	}
	if best.quality < opts.MinQuality {
		return nil, Report{}, fmt.Errorf("%w: best quality %d below minimum %d", ErrQualityTooLow, best.quality, opts.MinQuality)
	}

	if best.quality >= opts.MaxQuality {
		// Invariant: best holds the trial for hi, which meets MaxQuality.
		lo, hi := 2, maxColors
		for hi-lo >= opts.Speed {
			mid := (lo + hi) / 2
			t, err := try(ctx, sample, mid)
			if err != nil {
				return nil, Report{}, err
			}
			if t.quality >= opts.MaxQuality {
				hi, best = mid, t
			} else {
				lo = mid + 1
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, Report{}, err
	}

	dither := opts.Dither > 0
	return remap(src, best.palette, dither), Report{
		Colors:   len(best.palette),
		Quality:  best.quality,
		MSE:      best.mse,
		Dithered: dither,
	}, nil
}

// sampleFor returns src, or a box-filtered copy of it holding at most
// maxSamplePixels pixels.
func sampleFor(src *image.NRGBA) *image.NRGBA {
	b := src.Bounds()
	n := b.Dx() * b.Dy()
	if n <= maxSamplePixels {
		return src
	}
	scale := math.Sqrt(float64(maxSamplePixels) / float64(n))
	w := max(int(float64(b.Dx())*scale), 1)
	h := max(int(float64(b.Dy())*scale), 1)
	return imaging.Resize(src, w, h, imaging.Box)
}

// QuantizeFile reads the image at in and writes a paletted PNG to out.
// out must not exist or be empty.
func QuantizeFile(ctx context.Context, in, out string, opts Options) (Report, error) {
	if err := opts.Validate(); err != nil {
		return Report{}, err
	}
	if _, err := os.Stat(in); err != nil {
		return Report{}, err
	}
	if info, err := os.Stat(out); err == nil && info.Size() > 0 {
		return Report{}, fmt.Errorf("%w: %s", ErrOutputExists, out)
	}

	img, err := imaging.Open(in)
	if err != nil {
		return Report{}, fmt.Errorf("decode %s: %w", in, err)
	}
	pm, report, err := Quantize(ctx, img, opts)
	if err != nil {
		return Report{}, err
	}

	err = fsutil.WriteAtomic(out, func(w io.Writer) error {
		return imaging.Encode(w, pm, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	})
	if err != nil {
		return Report{}, fmt.Errorf("encode %s: %w", out, err)
	}
	return report, nil
}

func try(ctx context.Context, src *image.NRGBA, colors int) (trial, error) {
	if err := ctx.Err(); err != nil {
		return trial{}, err
	}
	var q draw.Quantizer = median.Quantizer(colors)
	pal := q.Quantize(make(color.Palette, 0, colors), src)
	if len(pal) == 0 {
		return trial{}, fmt.Errorf("pngquant: quantizer returned an empty palette")
	}
	mse := meanSquaredError(src, remap(src, pal, false))
	return trial{palette: pal, mse: mse, quality: mseToQuality(mse)}, nil
}

// exactPalette returns the image's own colors when there are few enough.
func exactPalette(src *image.NRGBA) (color.Palette, bool) {
	seen := make(map[color.NRGBA]struct{}, maxColors+1)
	pal := make(color.Palette, 0, maxColors)
	for i := 0; i+3 < len(src.Pix); i += 4 {
		c := color.NRGBA{R: src.Pix[i], G: src.Pix[i+1], B: src.Pix[i+2], A: src.Pix[i+3]}
		if _, ok := seen[c]; ok {
			continue
		}
		if len(pal) == maxColors {
			return nil, false
		}
		seen[c] = struct{}{}
		pal = append(pal, c)
	}
	return pal, true
}

func remap(src *image.NRGBA, pal color.Palette, dither bool) *image.Paletted {
	dst := image.NewPaletted(src.Bounds(), pal)
	if dither {
		draw.FloydSteinberg.Draw(dst, dst.Bounds(), src, src.Bounds().Min)
	} else {
		draw.Src.Draw(dst, dst.Bounds(), src, src.Bounds().Min)
	}
	return dst
}

// meanSquaredError is the per-pixel sum of squared RGBA differences on a
// 0..1 scale, averaged over the image.
func meanSquaredError(src *image.NRGBA, dst *image.Paletted) float64 {
	b := src.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return 0
	}
	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			a := src.NRGBAAt(x, y)
			c := color.NRGBAModel.Convert(dst.At(x, y)).(color.NRGBA)
			sum += sq(a.R, c.R) + sq(a.G, c.G) + sq(a.B, c.B) + sq(a.A, c.A)
		}
	}
	return sum / float64(n)
}

func sq(a, b uint8) float64 {
	d := (float64(a) - float64(b)) / 255
	return d * d
}

// qualityToMSE is libimagequant's mapping from a 0..100 quality to an error budget.
func qualityToMSE(quality int) float64 {
	if quality <= 0 {
		return 1e20
	}
	if quality >= 100 {
		return 0
	}
	q := float64(quality)
	lowFudge := math.Max(0, 0.016/(0.001+q)-0.001)
	return lowFudge + 2.5/math.Pow(210.0+q, 1.2)*(100.1-q)/100.0
}

// mseToQuality returns the highest quality whose budget admits mse.
func mseToQuality(mse float64) int {
	for q := 100; q > 0; q-- {
		if mse <= qualityToMSE(q)+0.000001 {
			return q
		}
	}
	return 0
}
