package compressor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"pngoptimiser-go/internal/logger"
	"pngoptimiser-go/internal/pngquant"
	"pngoptimiser-go/internal/testutil"

	"github.com/barasher/go-exiftool"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, string) {
	t.Helper()
	opts := DefaultOptions()
	opts.ScratchDir = filepath.Join(t.TempDir(), "scratch")
	return NewDispatcher(opts, logger.Discard()), opts.ScratchDir
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		name     string
		expected Strategy
	}{
		{"original", StrategyPassthrough},
		{"Original", StrategyPassthrough},
		{"jpeg", StrategyReencodeJPEG},
		{"Default JPG", StrategyReencodeJPEG},
		{"png", StrategyReencodePNG},
		{"default png", StrategyReencodePNG},
		{"PNGQUANT", StrategyLossyQuantizePNG},
		{"PNGQuant (Lossy)", StrategyLossyQuantizePNG},
		{" luban ", StrategyThirdPartyRecompress},
	}

	for _, tt := range tests {
		s, err := ParseStrategy(tt.name)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.expected, s, tt.name)
	}

	_, err := ParseStrategy("webp")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
	_, err = ParseStrategy("")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestStrategyProperties(t *testing.T) {
	assert.Len(t, AllStrategies(), 5)
	for _, s := range AllStrategies() {
		assert.True(t, s.Valid())
		parsed, err := ParseStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	assert.False(t, StrategyPassthrough.UsesQuality())
	assert.True(t, StrategyLossyQuantizePNG.UsesQuality())
	assert.False(t, Strategy(42).Valid())
	assert.Equal(t, "Unknown", Strategy(42).Label())
}

func TestQualityBand(t *testing.T) {
	tests := []struct {
		quality  int
		expected Band
	}{
		{80, Band{70, 90}},
		{50, Band{40, 60}},
		{5, Band{0, 15}},
		{0, Band{0, 10}},
		{95, Band{85, 100}},
		{100, Band{90, 100}},
		{150, Band{90, 100}},
		{-20, Band{0, 10}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, QualityBand(tt.quality), "quality %d", tt.quality)
	}

	for q := 0; q <= 100; q++ {
		b := QualityBand(q)
		assert.GreaterOrEqual(t, b.Min, 0)
		assert.LessOrEqual(t, b.Max, 100)
		assert.LessOrEqual(t, b.Min, q)
		assert.GreaterOrEqual(t, b.Max, q)
	}
}

func TestPassthroughCopiesBytes(t *testing.T) {
	d, scratch := newTestDispatcher(t)
	src := testutil.Write(t, t.TempDir(), "photo.png", testutil.Gradient(32, 32))
	before, err := os.ReadFile(src)
	require.NoError(t, err)

	res := d.Compress(context.Background(), CompressionRequest{SourcePath: src, Strategy: StrategyPassthrough, Quality: 7})

	require.True(t, res.IsSuccess(), res.Message)
	assert.Equal(t, "photo_copy.png", filepath.Base(res.OutputPath))
	assert.True(t, strings.HasPrefix(res.OutputPath, scratch))
	assert.NotEqual(t, src, res.OutputPath)

	after, err := os.ReadFile(res.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, res.OriginalSize, res.CompressedSize)
	assert.Zero(t, res.PercentageSaved)

	unchanged, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, before, unchanged)
}

func TestReencodeJPEG(t *testing.T) {
	d, _ := newTestDispatcher(t)
	src := testutil.Write(t, t.TempDir(), "photo.png", testutil.Gradient(48, 32))

	res := d.Compress(context.Background(), CompressionRequest{SourcePath: src, Strategy: StrategyReencodeJPEG, Quality: 60})

	require.True(t, res.IsSuccess(), res.Message)
	assert.Equal(t, "photo.jpg", filepath.Base(res.OutputPath))
	assert.Equal(t, 60, res.Quality)
	assert.Positive(t, res.CompressedSize)

	img, err := imaging.Open(res.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 48, 32), img.Bounds())
}

func TestReencodeJPEGFlattensAlpha(t *testing.T) {
	d, _ := newTestDispatcher(t)
	src := testutil.Write(t, t.TempDir(), "clear.png", testutil.Flat(16, 16, color.NRGBA{}))

	res := d.Compress(context.Background(), CompressionRequest{SourcePath: src, Strategy: StrategyReencodeJPEG, Quality: 90})
	require.True(t, res.IsSuccess(), res.Message)

	img, err := imaging.Open(res.OutputPath)
	require.NoError(t, err)
	r, g, b, _ := img.At(8, 8).RGBA()
	assert.Greater(t, r>>8, uint32(240))
	assert.Greater(t, g>>8, uint32(240))
	assert.Greater(t, b>>8, uint32(240))
}

func TestReencodePNG(t *testing.T) {
	d, _ := newTestDispatcher(t)
	src := testutil.Write(t, t.TempDir(), "photo.jpg", testutil.Gradient(32, 32))

	res := d.Compress(context.Background(), CompressionRequest{SourcePath: src, Strategy: StrategyReencodePNG, Quality: 90})

	require.True(t, res.IsSuccess(), res.Message)
	assert.Equal(t, "photo.png", filepath.Base(res.OutputPath))
	_, format, err := image.DecodeConfig(mustOpen(t, res.OutputPath))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
}

func TestPNGLevel(t *testing.T) {
	assert.Equal(t, pngLevel(0), pngLevel(33))
	assert.NotEqual(t, pngLevel(33), pngLevel(34))
	assert.Equal(t, pngLevel(67), pngLevel(100))
}

func TestPNGQuantRejectsNonPNG(t *testing.T) {
	d, scratch := newTestDispatcher(t)
	src := testutil.Write(t, t.TempDir(), "photo.jpg", testutil.Gradient(16, 16))

	res := d.Compress(context.Background(), CompressionRequest{SourcePath: src, Strategy: StrategyLossyQuantizePNG, Quality: 80})

	assert.True(t, res.IsRejected())
	assert.Equal(t, ReasonNotPNG, res.Reason)
	assert.ErrorIs(t, res.Error, ErrNotPNG)
	assert.Empty(t, res.OutputPath)
	assert.Equal(t, "Compressing non-PNG files is not allowed!", res.UserMessage())
	assert.Empty(t, testutil.Entries(t, scratch))
}

func TestPNGQuant(t *testing.T) {
	d, _ := newTestDispatcher(t)
	src := testutil.Write(t, t.TempDir(), "photo.PNG", testutil.Gradient(64, 64))

	res := d.Compress(context.Background(), CompressionRequest{SourcePath: src, Strategy: StrategyLossyQuantizePNG, Quality: 30})

	require.True(t, res.IsSuccess(), res.Message)
	assert.Equal(t, "photo-fs8.png", filepath.Base(res.OutputPath))

	f := mustOpen(t, res.OutputPath)
	img, _, err := image.Decode(f)
	require.NoError(t, err)
	pm, ok := img.(*image.Paletted)
	require.True(t, ok, "expected a paletted PNG, got %T", img)
	assert.LessOrEqual(t, len(pm.Palette), 256)
}

func TestPNGQuantUndithered(t *testing.T) {
	opts := DefaultOptions()
	opts.ScratchDir = filepath.Join(t.TempDir(), "scratch")
	opts.PNGQuantDither = 0
	d := NewDispatcher(opts, logger.Discard())
	src := testutil.Write(t, t.TempDir(), "photo.png", testutil.Gradient(64, 64))

	res := d.Compress(context.Background(), CompressionRequest{SourcePath: src, Strategy: StrategyLossyQuantizePNG, Quality: 30})

	require.True(t, res.IsSuccess(), res.Message)
	assert.Equal(t, "photo-or8.png", filepath.Base(res.OutputPath))
}

func TestPNGQuantQualityTooLow(t *testing.T) {
	d, scratch := newTestDispatcher(t)
	src := testutil.Write(t, t.TempDir(), "noise.png", testutil.Noise(64, 64, 1))

	res := d.Compress(context.Background(), CompressionRequest{SourcePath: src, Strategy: StrategyLossyQuantizePNG, Quality: 100})

	assert.True(t, res.IsFailed())
	assert.Equal(t, ReasonEncoderFailure, res.Reason)
	assert.ErrorIs(t, res.Error, pngquant.ErrQualityTooLow)
	assert.Contains(t, res.UserMessage(), "lower quality")
	assert.Empty(t, testutil.Entries(t, scratch))
}

func TestLubanKeepsSmallImage(t *testing.T) {
	d, _ := newTestDispatcher(t)
	src := testutil.Write(t, t.TempDir(), "small.jpg", testutil.Gradient(64, 64))

	res := d.Compress(context.Background(), CompressionRequest{SourcePath: src, Strategy: StrategyThirdPartyRecompress, Quality: 80})

	require.True(t, res.IsSuccess(), res.Message)
	assert.Equal(t, "small_copy.jpg", filepath.Base(res.OutputPath))
	assert.Equal(t, res.OriginalSize, res.CompressedSize)
}

func TestLubanFirstGear(t *testing.T) {
	d, _ := newTestDispatcher(t)
	src := testutil.Write(t, t.TempDir(), "wide.png", imaging.Resize(testutil.Gradient(64, 48), 400, 300, imaging.Linear))

	res := d.Compress(context.Background(), CompressionRequest{SourcePath: src, Strategy: StrategyThirdPartyRecompress, Quality: 0})

	require.True(t, res.IsSuccess(), res.Message)
	assert.Equal(t, "wide_luban.jpg", filepath.Base(res.OutputPath))
	img, err := imaging.Open(res.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, 400, img.Bounds().Dx())
	assert.Equal(t, 300, img.Bounds().Dy())
}

func TestMissingSource(t *testing.T) {
	d, scratch := newTestDispatcher(t)

	for _, s := range AllStrategies() {
		res := d.Compress(context.Background(), CompressionRequest{
			SourcePath: filepath.Join(t.TempDir(), "missing.png"),
			Strategy:   s,
			Quality:    80,
		})
		assert.True(t, res.IsFailed(), s.String())
		assert.Equal(t, ReasonIOError, res.Reason, s.String())
		assert.ErrorIs(t, res.Error, os.ErrNotExist, s.String())
	}
	assert.Empty(t, testutil.Entries(t, scratch))
}

func TestEmptyAndDirectorySource(t *testing.T) {
	d, _ := newTestDispatcher(t)
	dir := t.TempDir()
	empty := testutil.WriteBytes(t, dir, "empty.png", nil)

	res := d.Compress(context.Background(), CompressionRequest{SourcePath: empty, Strategy: StrategyReencodePNG, Quality: 80})
	assert.True(t, res.IsFailed())
	assert.ErrorIs(t, res.Error, ErrEmptySource)
	assert.Equal(t, ReasonIOError, res.Reason)

	res = d.Compress(context.Background(), CompressionRequest{SourcePath: dir, Strategy: StrategyPassthrough})
	assert.True(t, res.IsFailed())
	assert.Equal(t, ReasonIOError, res.Reason)
}

func TestCorruptSourceIsEncoderFailure(t *testing.T) {
	d, scratch := newTestDispatcher(t)
	src := testutil.WriteBytes(t, t.TempDir(), "broken.png", []byte("not an image at all"))

	res := d.Compress(context.Background(), CompressionRequest{SourcePath: src, Strategy: StrategyReencodeJPEG, Quality: 80})

	assert.True(t, res.IsFailed())
	assert.Equal(t, ReasonEncoderFailure, res.Reason)
	var encErr *EncoderError
	assert.True(t, errors.As(res.Error, &encErr))
	assert.Empty(t, testutil.Entries(t, scratch))
}

func TestExecuteUnknownStrategy(t *testing.T) {
	d, scratch := newTestDispatcher(t)
	src := testutil.Write(t, t.TempDir(), "photo.png", testutil.Gradient(8, 8))

	res := d.Execute(context.Background(), "webp", src, 80)

	assert.True(t, res.IsFailed())
	assert.Equal(t, ReasonUnknownStrategy, res.Reason)
	assert.ErrorIs(t, res.Error, ErrUnknownStrategy)
	assert.Equal(t, "Unknown compression method selected.", res.UserMessage())
	assert.Empty(t, testutil.Entries(t, scratch))

	res = d.Compress(context.Background(), CompressionRequest{SourcePath: src, Strategy: Strategy(99)})
	assert.Equal(t, ReasonUnknownStrategy, res.Reason)
}

func TestExecuteByLabel(t *testing.T) {
	d, _ := newTestDispatcher(t)
	src := testutil.Write(t, t.TempDir(), "photo.png", testutil.Gradient(8, 8))

	res := d.Execute(context.Background(), "Default PNG", src, 80)
	require.True(t, res.IsSuccess(), res.Message)
	assert.Equal(t, StrategyReencodePNG, res.Strategy)
}

func TestRequestsProduceIndependentFiles(t *testing.T) {
	d, _ := newTestDispatcher(t)
	src := testutil.Write(t, t.TempDir(), "photo.png", testutil.Gradient(64, 64))

	for _, s := range AllStrategies() {
		for _, quality := range []int{0, 50, 80} {
			t.Run(fmt.Sprintf("%s/q%d", s, quality), func(t *testing.T) {
				req := CompressionRequest{SourcePath: src, Strategy: s, Quality: quality}

				first := d.Compress(context.Background(), req)
				second := d.Compress(context.Background(), req)

				require.Equal(t, first.Outcome, second.Outcome)
				require.Equal(t, first.Reason, second.Reason)
				if !first.IsSuccess() {
					return
				}
				assert.NotEqual(t, first.OutputPath, second.OutputPath)
				assert.Equal(t, filepath.Base(first.OutputPath), filepath.Base(second.OutputPath))
				assert.Equal(t, first.CompressedSize, second.CompressedSize)

				a, err := os.Stat(first.OutputPath)
				require.NoError(t, err)
				b, err := os.Stat(second.OutputPath)
				require.NoError(t, err)
				assert.Equal(t, a.Size(), b.Size())
				assert.False(t, os.SameFile(a, b))
			})
		}
	}
}

func TestReencodeJPEGJpegli(t *testing.T) {
	opts := DefaultOptions()
	opts.ScratchDir = filepath.Join(t.TempDir(), "scratch")
	opts.JPEGEncoder = JPEGEncoderJpegli
	d := NewDispatcher(opts, logger.Discard())
	src := testutil.Write(t, t.TempDir(), "photo.png", testutil.Gradient(48, 32))

	for _, quality := range []int{0, 80} {
		res := d.Compress(context.Background(), CompressionRequest{SourcePath: src, Strategy: StrategyReencodeJPEG, Quality: quality})
		require.True(t, res.IsSuccess(), "quality %d: %s", quality, res.Message)
		assert.Equal(t, quality, res.Quality)
		assert.Equal(t, "photo.jpg", filepath.Base(res.OutputPath))

		img, err := imaging.Open(res.OutputPath)
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 48, 32), img.Bounds())
	}
}

func TestExiftoolCopierStampsSoftware(t *testing.T) {
	if _, err := exec.LookPath("exiftool"); err != nil {
		t.Skip("exiftool not installed")
	}
	dir := t.TempDir()
	src := testutil.Write(t, dir, "source.jpg", testutil.Gradient(16, 16))
	dst := testutil.Write(t, dir, "derived.jpg", testutil.Gradient(16, 16))

	require.NoError(t, exiftoolCopier{}.Copy(src, dst))
	assert.NoFileExists(t, dst+"_original")

	et, err := exiftool.NewExiftool()
	require.NoError(t, err)
	defer et.Close()
	files := et.ExtractMetadata(dst)
	require.Len(t, files, 1)
	require.NoError(t, files[0].Err)
	software, err := files[0].GetString("Software")
	require.NoError(t, err)
	assert.Equal(t, softwareTag, software)

	opts := DefaultOptions()
	opts.ScratchDir = filepath.Join(t.TempDir(), "scratch")
	opts.PreserveMetadata = true
	res := NewDispatcher(opts, logger.Discard()).Compress(context.Background(),
		CompressionRequest{SourcePath: src, Strategy: StrategyReencodeJPEG, Quality: 70})
	require.True(t, res.IsSuccess())
	assert.Equal(t, "Image compressed", res.Message)
	assert.NoFileExists(t, res.OutputPath+"_original")
}

func TestQualityIsClamped(t *testing.T) {
	d, _ := newTestDispatcher(t)
	src := testutil.Write(t, t.TempDir(), "photo.png", testutil.Gradient(16, 16))

	res := d.Compress(context.Background(), CompressionRequest{SourcePath: src, Strategy: StrategyReencodeJPEG, Quality: 250})
	require.True(t, res.IsSuccess())
	assert.Equal(t, 100, res.Quality)

	res = d.Compress(context.Background(), CompressionRequest{SourcePath: src, Strategy: StrategyReencodeJPEG, Quality: -3})
	require.True(t, res.IsSuccess())
	assert.Equal(t, 0, res.Quality)

	res = d.Compress(context.Background(), CompressionRequest{SourcePath: src, Strategy: StrategyPassthrough, Quality: 250})
	require.True(t, res.IsSuccess())
	assert.Equal(t, 250, res.Quality)
}

func TestCanceledContext(t *testing.T) {
	d, scratch := newTestDispatcher(t)
	src := testutil.Write(t, t.TempDir(), "photo.png", testutil.Gradient(16, 16))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := d.Compress(ctx, CompressionRequest{SourcePath: src, Strategy: StrategyReencodePNG, Quality: 80})

	assert.True(t, res.IsFailed())
	assert.Equal(t, ReasonCanceled, res.Reason)
	assert.ErrorIs(t, res.Error, context.Canceled)
	assert.Empty(t, testutil.Entries(t, scratch))
}

func TestSubmitDeliversOnce(t *testing.T) {
	d, _ := newTestDispatcher(t)
	src := testutil.Write(t, t.TempDir(), "photo.png", testutil.Gradient(16, 16))

	ch := d.Submit(context.Background(), CompressionRequest{SourcePath: src, Strategy: StrategyPassthrough})

	res, ok := <-ch
	require.True(t, ok)
	assert.True(t, res.IsSuccess())
	_, ok = <-ch
	assert.False(t, ok, "channel must be closed after the single result")
}

type panicHandler struct{}

func (panicHandler) Check(string) error { return nil }
func (panicHandler) Compress(context.Context, Job) (string, error) {
	panic("codec exploded")
}

type emptyHandler struct{}

func (emptyHandler) Check(string) error { return nil }
func (emptyHandler) Compress(_ context.Context, job Job) (string, error) {
	out := filepath.Join(job.OutputDir, "empty.png")
	return out, os.WriteFile(out, nil, 0644)
}

type strayHandler struct{ dir string }

func (strayHandler) Check(string) error { return nil }
func (h strayHandler) Compress(_ context.Context, job Job) (string, error) {
	out := filepath.Join(h.dir, "stray.png")
	return out, os.WriteFile(out, []byte("x"), 0644)
}

func TestHandlerFailuresAreContained(t *testing.T) {
	tests := []struct {
		name    string
		handler Handler
		target  error
	}{
		{"panic", panicHandler{}, nil},
		{"empty output", emptyHandler{}, ErrEmptyOutput},
		{"output outside request dir", strayHandler{dir: t.TempDir()}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, scratch := newTestDispatcher(t)
			d.handlers[StrategyReencodePNG] = tt.handler
			src := testutil.Write(t, t.TempDir(), "photo.png", testutil.Gradient(8, 8))

			res := d.Compress(context.Background(), CompressionRequest{SourcePath: src, Strategy: StrategyReencodePNG, Quality: 50})

			assert.True(t, res.IsFailed())
			assert.Empty(t, res.OutputPath)
			if tt.target != nil {
				assert.ErrorIs(t, res.Error, tt.target)
			}
			assert.Empty(t, testutil.Entries(t, scratch))
		})
	}
}

func TestPanicIsEncoderFailure(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.handlers[StrategyPassthrough] = panicHandler{}
	src := testutil.Write(t, t.TempDir(), "photo.png", testutil.Gradient(8, 8))

	res := d.Compress(context.Background(), CompressionRequest{SourcePath: src, Strategy: StrategyPassthrough})

	assert.Equal(t, ReasonEncoderFailure, res.Reason)
	assert.Contains(t, res.Message, "codec exploded")
}

type recordingCopier struct {
	calls int
	err   error
}

func (c *recordingCopier) Copy(src, dst string) error {
	c.calls++
	return c.err
}

func TestMetadataCopyWarningDoesNotFail(t *testing.T) {
	d, _ := newTestDispatcher(t)
	copier := &recordingCopier{err: fmt.Errorf("exiftool not installed")}
	d.meta = copier
	dir := t.TempDir()
	jpg := testutil.Write(t, dir, "photo.jpg", testutil.Gradient(16, 16))
	png := testutil.Write(t, dir, "photo.png", testutil.Gradient(16, 16))

	res := d.Compress(context.Background(), CompressionRequest{SourcePath: jpg, Strategy: StrategyReencodeJPEG, Quality: 70})
	require.True(t, res.IsSuccess())
	assert.Equal(t, 1, copier.calls)
	assert.Contains(t, res.Message, "metadata not copied")

	res = d.Compress(context.Background(), CompressionRequest{SourcePath: png, Strategy: StrategyReencodeJPEG, Quality: 70})
	require.True(t, res.IsSuccess())
	assert.Equal(t, 1, copier.calls, "PNG sources carry no EXIF to copy")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err     error
		outcome Outcome
		reason  Reason
	}{
		{fmt.Errorf("x: %w", ErrNotPNG), OutcomeRejected, ReasonNotPNG},
		{ErrUnknownStrategy, OutcomeFailed, ReasonUnknownStrategy},
		{context.Canceled, OutcomeFailed, ReasonCanceled},
		{context.DeadlineExceeded, OutcomeFailed, ReasonCanceled},
		{encoderError("png.encode", errors.New("boom")), OutcomeFailed, ReasonEncoderFailure},
		{ErrEmptyOutput, OutcomeFailed, ReasonEncoderFailure},
		{pngquant.ErrQualityTooLow, OutcomeFailed, ReasonEncoderFailure},
		{os.ErrPermission, OutcomeFailed, ReasonIOError},
	}

	for _, tt := range tests {
		outcome, reason := classify(tt.err)
		assert.Equal(t, tt.outcome, outcome, tt.err.Error())
		assert.Equal(t, tt.reason, reason, tt.err.Error())
	}
	assert.NoError(t, encoderError("op", nil))
}

func mustOpen(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}
