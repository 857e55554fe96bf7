package compressor

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Strategy identifies one of the fixed compression approaches.
type Strategy int

const (
	StrategyPassthrough Strategy = iota
	StrategyReencodeJPEG
	StrategyReencodePNG
	StrategyLossyQuantizePNG
	StrategyThirdPartyRecompress
)

var strategyIDs = [...]string{
	StrategyPassthrough:          "original",
	StrategyReencodeJPEG:         "jpeg",
	StrategyReencodePNG:          "png",
	StrategyLossyQuantizePNG:     "pngquant",
	StrategyThirdPartyRecompress: "luban",
}

var strategyLabels = [...]string{
	StrategyPassthrough:          "Original",
	StrategyReencodeJPEG:         "Default JPG",
	StrategyReencodePNG:          "Default PNG",
	StrategyLossyQuantizePNG:     "PNGQuant (Lossy)",
	StrategyThirdPartyRecompress: "Luban",
}

// AllStrategies returns every strategy in menu order.
func AllStrategies() []Strategy {
	return []Strategy{
		StrategyPassthrough,
		StrategyReencodeJPEG,
		StrategyReencodePNG,
		StrategyLossyQuantizePNG,
		StrategyThirdPartyRecompress,
	}
}

// Valid reports whether s is one of the known strategies.
func (s Strategy) Valid() bool {
	return s >= StrategyPassthrough && s <= StrategyThirdPartyRecompress
}

// String returns the canonical identifier of the strategy.
func (s Strategy) String() string {
	if !s.Valid() {
		return fmt.Sprintf("strategy(%d)", int(s))
	}
	return strategyIDs[s]
}

// Label returns the user-facing name of the strategy.
func (s Strategy) Label() string {
	if !s.Valid() {
		return "Unknown"
	}
	return strategyLabels[s]
}

// UsesQuality reports whether the quality parameter affects the strategy.
func (s Strategy) UsesQuality() bool {
	return s.Valid() && s != StrategyPassthrough
}

// ParseStrategy resolves a canonical id or a user-facing label, case-insensitively.
func ParseStrategy(name string) (Strategy, error) {
	name = strings.TrimSpace(name)
	for _, s := range AllStrategies() {
		if strings.EqualFold(name, strategyIDs[s]) || strings.EqualFold(name, strategyLabels[s]) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}

// CompressionRequest describes a single compression of one source file.
type CompressionRequest struct {
	SourcePath string
	Quality    int
	Strategy   Strategy
	// OutputDir overrides the dispatcher scratch directory when set.
	OutputDir string
}

// Outcome is the tag of a CompressionResult.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRejected
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reason explains a rejected or failed result.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonUnknownStrategy Reason = "unknown_strategy"
	ReasonNotPNG          Reason = "not_png"
	ReasonIOError         Reason = "io_error"
	ReasonEncoderFailure  Reason = "encoder_failure"
	ReasonCanceled        Reason = "canceled"
)

// CompressionResult describes the result of compressing a single file.
type CompressionResult struct {
	Outcome         Outcome
	Reason          Reason
	Strategy        Strategy
	Quality         int
	InputPath       string
	OutputPath      string
	OriginalSize    int64
	CompressedSize  int64
	PercentageSaved float64
	Message         string
	StartedAt       time.Time
	FinishedAt      time.Time
	Error           error
}

// IsSuccess reports whether an output file was produced.
func (r CompressionResult) IsSuccess() bool { return r.Outcome == OutcomeSuccess }

// IsRejected reports whether a strategy precondition refused the input.
func (r CompressionResult) IsRejected() bool { return r.Outcome == OutcomeRejected }

// IsFailed reports whether the compression failed unexpectedly.
func (r CompressionResult) IsFailed() bool { return r.Outcome == OutcomeFailed }

// Duration returns how long the compression took.
func (r CompressionResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// UserMessage returns the text shown to a person for this result.
func (r CompressionResult) UserMessage() string {
	switch r.Outcome {
	case OutcomeSuccess:
		return fmt.Sprintf("Compressed with %s: %d -> %d bytes", r.Strategy.Label(), r.OriginalSize, r.CompressedSize)
	case OutcomeRejected:
		if r.Reason == ReasonNotPNG {
			return "Compressing non-PNG files is not allowed!"
		}
		return r.Message
	default:
		if r.Reason == ReasonUnknownStrategy {
			return "Unknown compression method selected."
		}
		return "An error has occurred. Please retry with a lower quality setting."
	}
}

// Band is the acceptable quality range handed to the quantizer.
type Band struct {
	Min int
	Max int
}

// QualityBand widens a target quality into a ±10 search range clamped to [0,100].
func QualityBand(quality int) Band {
	quality = clampQuality(quality)
	return Band{
		Min: max(quality-10, 0),
		Max: min(quality+10, 100),
	}
}

// Compressor defines the interface for image compression.
type Compressor interface {
	// Compress runs one request to completion. It never returns an error;
	// every failure is reported through the result.
	Compress(ctx context.Context, req CompressionRequest) CompressionResult
}

func clampQuality(q int) int {
	return min(max(q, 0), 100)
}
