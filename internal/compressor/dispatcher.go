package compressor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pngoptimiser-go/internal/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	JPEGEncoderStandard = "standard"
	JPEGEncoderJpegli   = "jpegli"
)

// Options configures a Dispatcher.
type Options struct {
	// ScratchDir receives one sub-directory per request.
	ScratchDir       string
	JPEGEncoder      string
	PNGQuantSpeed    int
	PNGQuantDither   float64
	PreserveMetadata bool
}

// DefaultOptions returns Options matching the defaults of the quantizer bindings.
func DefaultOptions() Options {
	return Options{
		ScratchDir:     filepath.Join(os.TempDir(), "pngoptimiser"),
		JPEGEncoder:    JPEGEncoderStandard,
		PNGQuantSpeed:  1,
		PNGQuantDither: 1.0,
	}
}

// Job is the unit of work handed to a Handler.
type Job struct {
	Source    string
	OutputDir string
	Quality   int
}

// Handler implements one compression strategy.
type Handler interface {
	// Check validates strategy-specific preconditions before any output exists.
	Check(source string) error
	// Compress writes exactly one file into job.OutputDir and returns its path.
	Compress(ctx context.Context, job Job) (string, error)
}

// Dispatcher maps strategies to handlers and runs them uniformly.
type Dispatcher struct {
	opts     Options
	log      *logrus.Logger
	handlers map[Strategy]Handler
	meta     metadataCopier
	newID    func() string
}

// NewDispatcher creates a Dispatcher with a handler for every strategy.
func NewDispatcher(opts Options, log *logrus.Logger) *Dispatcher {
	def := DefaultOptions()
	if opts.ScratchDir == "" {
		opts.ScratchDir = def.ScratchDir
	}
	if opts.JPEGEncoder == "" {
		opts.JPEGEncoder = def.JPEGEncoder
	}
	if opts.PNGQuantSpeed == 0 {
		opts.PNGQuantSpeed = def.PNGQuantSpeed
	}
	if log == nil {
		log = logger.Discard()
	}

	d := &Dispatcher{
		opts:     opts,
		log:      log,
		handlers: make(map[Strategy]Handler, len(AllStrategies())),
		newID:    uuid.NewString,
	}
	for _, s := range AllStrategies() {
		d.handlers[s] = newHandler(s, opts)
	}
	if opts.PreserveMetadata {
		d.meta = exiftoolCopier{}
	}
	return d
}

func newHandler(s Strategy, opts Options) Handler {
	switch s {
	case StrategyPassthrough:
		return passthroughHandler{}
	case StrategyReencodeJPEG:
		return jpegHandler{encoder: opts.JPEGEncoder}
	case StrategyReencodePNG:
		return pngHandler{}
	case StrategyLossyQuantizePNG:
		return quantHandler{speed: opts.PNGQuantSpeed, dither: opts.PNGQuantDither}
	case StrategyThirdPartyRecompress:
		return lubanHandler{}
	default:
		return nil
	}
}

// ScratchDir returns the directory derived files are written under.
func (d *Dispatcher) ScratchDir() string {
	return d.opts.ScratchDir
}

// Execute resolves strategyID and compresses sourcePath with it.
func (d *Dispatcher) Execute(ctx context.Context, strategyID, sourcePath string, quality int) CompressionResult {
	s, err := ParseStrategy(strategyID)
	if err != nil {
		res := CompressionResult{
			Strategy:  Strategy(-1),
			InputPath: sourcePath,
			Quality:   quality,
			StartedAt: time.Now(),
		}
		return d.fail(logger.WithFileOperation(d.log, sourcePath, "compress"), res, err)
	}
	return d.Compress(ctx, CompressionRequest{SourcePath: sourcePath, Quality: quality, Strategy: s})
}

// Submit runs the request on a background goroutine. The returned channel
// yields exactly one result and is then closed.
func (d *Dispatcher) Submit(ctx context.Context, req CompressionRequest) <-chan CompressionResult {
	ch := make(chan CompressionResult, 1)
	go func() {
		defer close(ch)
		ch <- d.Compress(ctx, req)
	}()
	return ch
}

// Compress performs image compression according to the request.
func (d *Dispatcher) Compress(ctx context.Context, req CompressionRequest) CompressionResult {
	res := CompressionResult{
		Strategy:  req.Strategy,
		InputPath: req.SourcePath,
		Quality:   req.Quality,
		StartedAt: time.Now(),
	}
	entry := logger.WithFileOperation(d.log, req.SourcePath, "compress").
		WithField("strategy", req.Strategy.String())

	h, ok := d.handlers[req.Strategy]
	if !ok || h == nil {
		return d.fail(entry, res, fmt.Errorf("%w: %s", ErrUnknownStrategy, req.Strategy))
	}

	info, err := os.Stat(req.SourcePath)
	if err != nil {
		return d.fail(entry, res, fmt.Errorf("stat source: %w", err))
	}
	if info.IsDir() {
		return d.fail(entry, res, fmt.Errorf("source %s is a directory", req.SourcePath))
	}
	if info.Size() == 0 {
		return d.fail(entry, res, fmt.Errorf("%w: %s", ErrEmptySource, req.SourcePath))
	}
	res.OriginalSize = info.Size()

	quality := req.Quality
	if req.Strategy.UsesQuality() {
		quality = clampQuality(quality)
		if quality != req.Quality {
			entry.Debugf("Quality %d clamped to %d", req.Quality, quality)
		}
	}
	res.Quality = quality

	if err := h.Check(req.SourcePath); err != nil {
		return d.fail(entry, res, err)
	}
	if err := ctx.Err(); err != nil {
		return d.fail(entry, res, err)
	}

	baseDir := req.OutputDir
	if baseDir == "" {
		baseDir = d.opts.ScratchDir
	}
	outDir := filepath.Join(baseDir, d.newID())
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return d.fail(entry, res, fmt.Errorf("create output dir: %w", err))
	}

	outPath, err := d.run(ctx, h, Job{Source: req.SourcePath, OutputDir: outDir, Quality: quality})
	if err == nil && filepath.Dir(outPath) != outDir {
		err = fmt.Errorf("handler wrote outside its output dir: %s", outPath)
	}
	if err != nil {
		_ = os.RemoveAll(outDir)
		return d.fail(entry, res, err)
	}

	if d.meta != nil && isJPEGPath(outPath) && isJPEGPath(req.SourcePath) {
		if metaErr := d.meta.Copy(req.SourcePath, outPath); metaErr != nil {
			res.Message = fmt.Sprintf("warning: metadata not copied: %v", metaErr)
			entry.Warnf("Metadata not copied: %v", metaErr)
		}
	}

	outInfo, err := os.Stat(outPath)
	if err != nil || outInfo.Size() == 0 {
		_ = os.RemoveAll(outDir)
		if err == nil {
			err = ErrEmptyOutput
		} else {
			err = fmt.Errorf("%w: %v", ErrEmptyOutput, err)
		}
		return d.fail(entry, res, err)
	}

	res.Outcome = OutcomeSuccess
	res.OutputPath = outPath
	res.CompressedSize = outInfo.Size()
	res.PercentageSaved = float64(res.OriginalSize-res.CompressedSize) * 100 / float64(res.OriginalSize)
	if res.Message == "" {
		res.Message = "Image compressed"
	}
	res.FinishedAt = time.Now()

	entry.WithFields(logrus.Fields{
		"output":          outPath,
		"original_size":   res.OriginalSize,
		"compressed_size": res.CompressedSize,
		"duration_ms":     res.Duration().Milliseconds(),
	}).Info("Image compressed")
	return res
}

// run invokes the handler and converts a panic into an encoder failure.
func (d *Dispatcher) run(ctx context.Context, h Handler, job Job) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &EncoderError{Op: "panic", Err: fmt.Errorf("%v", r)}
		}
	}()
	return h.Compress(ctx, job)
}

func (d *Dispatcher) fail(entry *logrus.Entry, res CompressionResult, err error) CompressionResult {
	res.Outcome, res.Reason = classify(err)
	res.Error = err
	res.Message = err.Error()
	res.FinishedAt = time.Now()

	entry = entry.WithField("reason", string(res.Reason))
	if res.Outcome == OutcomeRejected {
		entry.Infof("Compression rejected: %v", err)
	} else {
		entry.Errorf("Compression failed: %v", err)
	}
	return res
}
