package statistics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pngoptimiser-go/internal/compressor"
)

// Statistics accumulates outcomes of compression requests.
type Statistics struct {
	Requests  int64
	Succeeded int64
	Rejected  int64
	Failed    int64
	Canceled  int64
	Stale     int64
	Saved     int64

	BytesIn  int64
	BytesOut int64

	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	FilesPerSecond float64

	// CompressTime is the summed wall time spent inside the compressor.
	CompressTime time.Duration

	StrategyStats map[string]int64
	ReasonStats   map[string]int64

	Errors []StatError

	mutex sync.RWMutex
}

// StatError represents an error that occurred during processing.
type StatError struct {
	FilePath  string
	Operation string
	Error     string
	Timestamp time.Time
}

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime:     time.Now(),
		StrategyStats: make(map[string]int64),
		ReasonStats:   make(map[string]int64),
		Errors:        make([]StatError, 0),
	}
}

// RecordResult counts one finished compression.
func (s *Statistics) RecordResult(res compressor.CompressionResult) {
	atomic.AddInt64(&s.Requests, 1)

	switch {
	case res.IsSuccess():
		atomic.AddInt64(&s.Succeeded, 1)
		atomic.AddInt64(&s.BytesIn, res.OriginalSize)
		atomic.AddInt64(&s.BytesOut, res.CompressedSize)
	case res.Reason == compressor.ReasonCanceled:
		atomic.AddInt64(&s.Canceled, 1)
	case res.IsRejected():
		atomic.AddInt64(&s.Rejected, 1)
	default:
		atomic.AddInt64(&s.Failed, 1)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.StrategyStats[res.Strategy.String()]++
	if res.Reason != compressor.ReasonNone {
		s.ReasonStats[string(res.Reason)]++
	}
	if !res.StartedAt.IsZero() && !res.FinishedAt.IsZero() {
		s.CompressTime += res.Duration()
	}
	if res.IsFailed() && res.Error != nil {
		s.Errors = append(s.Errors, StatError{
			FilePath:  res.InputPath,
			Operation: res.Strategy.String(),
			Error:     res.Error.Error(),
			Timestamp: time.Now(),
		})
	}
}

// RecordStale counts a result that was discarded because a newer request superseded it.
func (s *Statistics) RecordStale() {
	atomic.AddInt64(&s.Stale, 1)
}

// RecordSaved counts a derived file that was persisted.
func (s *Statistics) RecordSaved() {
	atomic.AddInt64(&s.Saved, 1)
}

// AddError records an error that occurred outside the compressor.
func (s *Statistics) AddError(filePath, operation, errorMsg string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.Errors = append(s.Errors, StatError{
		FilePath:  filePath,
		Operation: operation,
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

// SavedPercentage returns the share of input bytes removed across all successes.
func (s *Statistics) SavedPercentage() float64 {
	in := atomic.LoadInt64(&s.BytesIn)
	if in == 0 {
		return 0
	}
	return float64(in-atomic.LoadInt64(&s.BytesOut)) * 100 / float64(in)
}

// Finalize calculates duration and throughput.
func (s *Statistics) Finalize() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
	if s.Duration.Seconds() > 0 {
		s.FilesPerSecond = float64(atomic.LoadInt64(&s.Requests)) / s.Duration.Seconds()
	}
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return fmt.Sprintf(`Compression Summary:

Requests:
		Total: %d
		Succeeded: %d
		Rejected: %d
		Failed: %d
		Canceled: %d
		Superseded: %d
		Saved: %d

Size:
		Input: %s
		Output: %s
		Saved: %.1f%%

Performance:
		Duration: %v
		Compress Time: %v
		Files/Second: %.2f`,
		atomic.LoadInt64(&s.Requests),
		atomic.LoadInt64(&s.Succeeded),
		atomic.LoadInt64(&s.Rejected),
		atomic.LoadInt64(&s.Failed),
		atomic.LoadInt64(&s.Canceled),
		atomic.LoadInt64(&s.Stale),
		atomic.LoadInt64(&s.Saved),
		FormatBytes(atomic.LoadInt64(&s.BytesIn)),
		FormatBytes(atomic.LoadInt64(&s.BytesOut)),
		s.SavedPercentage(),
		s.Duration,
		s.CompressTime,
		s.FilesPerSecond)
}

// GetStrategyBreakdown returns the request count per strategy, sorted by name.
func (s *Statistics) GetStrategyBreakdown() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.StrategyStats) == 0 {
		return "No strategy statistics available"
	}

	names := make([]string, 0, len(s.StrategyStats))
	for name := range s.StrategyStats {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Strategy Breakdown:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  %s: %d\n", name, s.StrategyStats[name])
	}
	return b.String()
}

// GetErrorSummary returns a summary of errors that occurred during processing.
func (s *Statistics) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.Errors) == 0 {
		return "No errors occurred during processing"
	}

	result := fmt.Sprintf("Errors (%d total):\n", len(s.Errors))
	for i, err := range s.Errors {
		if i >= 10 {
			result += fmt.Sprintf("  ... and %d more errors\n", len(s.Errors)-10)
			break
		}
		result += fmt.Sprintf("  [%s] %s: %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.Operation,
			err.FilePath,
			err.Error)
	}
	return result
}

// Snapshot is a copy of the counters safe to serialize.
type Snapshot struct {
	Requests        int64            `json:"requests"`
	Succeeded       int64            `json:"succeeded"`
	Rejected        int64            `json:"rejected"`
	Failed          int64            `json:"failed"`
	Canceled        int64            `json:"canceled"`
	Stale           int64            `json:"superseded"`
	Saved           int64            `json:"saved"`
	BytesIn         int64            `json:"bytes_in"`
	BytesOut        int64            `json:"bytes_out"`
	SavedPercentage float64          `json:"saved_percentage"`
	Strategies      map[string]int64 `json:"strategies"`
	Errors          int              `json:"errors"`
}

// Snapshot returns the current counters.
func (s *Statistics) Snapshot() Snapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	strategies := make(map[string]int64, len(s.StrategyStats))
	for k, v := range s.StrategyStats {
		strategies[k] = v
	}
	return Snapshot{
		Requests:        atomic.LoadInt64(&s.Requests),
		Succeeded:       atomic.LoadInt64(&s.Succeeded),
		Rejected:        atomic.LoadInt64(&s.Rejected),
		Failed:          atomic.LoadInt64(&s.Failed),
		Canceled:        atomic.LoadInt64(&s.Canceled),
		Stale:           atomic.LoadInt64(&s.Stale),
		Saved:           atomic.LoadInt64(&s.Saved),
		BytesIn:         atomic.LoadInt64(&s.BytesIn),
		BytesOut:        atomic.LoadInt64(&s.BytesOut),
		SavedPercentage: s.SavedPercentage(),
		Strategies:      strategies,
		Errors:          len(s.Errors),
	}
}

// FormatBytes returns a human-readable string for a byte count.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
