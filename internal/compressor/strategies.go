package compressor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"io/fs"
	"path/filepath"

	"pngoptimiser-go/internal/luban"
	"pngoptimiser-go/internal/pngquant"
	"pngoptimiser-go/internal/probe"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/jpegli"
)

// passthroughHandler produces a byte-identical copy of the source.
type passthroughHandler struct{}

func (passthroughHandler) Check(string) error { return nil }

func (passthroughHandler) Compress(_ context.Context, job Job) (string, error) {
	out := filepath.Join(job.OutputDir, stem(job.Source)+"_copy"+filepath.Ext(job.Source))
	return out, copyFile(job.Source, out)
}

// jpegHandler decodes the source and re-encodes it as JPEG.
type jpegHandler struct {
	encoder string
}

func (jpegHandler) Check(string) error { return nil }

func (h jpegHandler) Compress(ctx context.Context, job Job) (string, error) {
	img, err := decodeImage(job.Source)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	img = flatten(img)

	out := filepath.Join(job.OutputDir, stem(job.Source)+".jpg")
	err = writeAtomic(out, func(w io.Writer) error {
		return encodeJPEG(w, img, job.Quality, h.encoder)
	})
	return out, err
}

func encodeJPEG(w io.Writer, img image.Image, quality int, encoder string) error {
	if encoder == JPEGEncoderJpegli {
		return encoderError("jpegli.encode", jpegli.Encode(w, img, &jpegli.EncodingOptions{
			Quality:              max(quality, 1),
			ProgressiveLevel:     2,
			OptimizeCoding:       true,
			AdaptiveQuantization: true,
			FancyDownsampling:    true,
			ChromaSubsampling:    image.YCbCrSubsampleRatio420,
		}))
	}
	return encoderError("jpeg.encode", imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality)))
}

// flatten composites translucent images onto white, since JPEG has no alpha.
func flatten(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

// pngHandler decodes the source and re-encodes it as PNG. PNG is lossless,
// so quality selects the zlib effort.
type pngHandler struct{}

func (pngHandler) Check(string) error { return nil }

func (pngHandler) Compress(ctx context.Context, job Job) (string, error) {
	img, err := decodeImage(job.Source)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	out := filepath.Join(job.OutputDir, stem(job.Source)+".png")
	err = writeAtomic(out, func(w io.Writer) error {
		return encoderError("png.encode", imaging.Encode(w, img, imaging.PNG,
			imaging.PNGCompressionLevel(pngLevel(job.Quality))))
	})
	return out, err
}

func pngLevel(quality int) png.CompressionLevel {
	switch {
	case quality < 34:
		return png.BestSpeed
	case quality < 67:
		return png.DefaultCompression
	default:
		return png.BestCompression
	}
}

// quantHandler palette-quantizes PNG sources within a quality band.
type quantHandler struct {
	speed  int
	dither float64
}

func (quantHandler) Check(source string) error {
	if !probe.IsPNG(source) {
		return fmt.Errorf("%w: %s", ErrNotPNG, filepath.Base(source))
	}
	return nil
}

func (h quantHandler) Compress(ctx context.Context, job Job) (string, error) {
	band := QualityBand(job.Quality)
	suffix := "-or8.png"
	if h.dither > 0 {
		suffix = "-fs8.png"
	}
	out := filepath.Join(job.OutputDir, stem(job.Source)+suffix)

	_, err := pngquant.QuantizeFile(ctx, job.Source, out, pngquant.Options{
		MinQuality: band.Min,
		MaxQuality: band.Max,
		Speed:      h.speed,
		Dither:     h.dither,
	})
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) || errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", encoderError("pngquant", err)
	}
	return out, nil
}

// lubanHandler delegates to the gear-based recompressor and waits for its
// single completion signal.
type lubanHandler struct{}

func (lubanHandler) Check(string) error { return nil }

func (lubanHandler) Compress(ctx context.Context, job Job) (string, error) {
	outcome := <-luban.Launch(ctx, job.Source, job.OutputDir, luban.GearForQuality(job.Quality))
	if outcome.Err != nil {
		var pathErr *fs.PathError
		if errors.As(outcome.Err, &pathErr) || errors.Is(outcome.Err, context.Canceled) {
			return "", outcome.Err
		}
		return "", encoderError("luban", outcome.Err)
	}
	if outcome.Unchanged {
		out := filepath.Join(job.OutputDir, stem(job.Source)+"_copy"+filepath.Ext(job.Source))
		return out, copyFile(job.Source, out)
	}
	return outcome.Path, nil
}
