// Package session holds the single "current" compressed result a user is
// looking at. Each new request supersedes the previous one: the old derived
// file is deleted, and a result that finishes after being superseded is
// dropped instead of replacing a newer one.
package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"pngoptimiser-go/internal/compressor"
	"pngoptimiser-go/internal/logger"
	"pngoptimiser-go/internal/statistics"
	"pngoptimiser-go/internal/storage"

	"github.com/sirupsen/logrus"
)

var (
	ErrClosed        = errors.New("session closed")
	ErrNothingToSave = errors.New("no compressed result to save")
)

// Update is delivered once per Submit.
type Update struct {
	Ticket uint64
	Result compressor.CompressionResult
	// Stale is set when a newer request was submitted before this one
	// finished. A stale result's output has already been deleted.
	Stale bool
}

// SubmitOptions tunes a single submission.
type SubmitOptions struct {
	// OwnsSource deletes the source file, and its directory if left empty,
	// once compression finishes. Used for uploads copied into scratch.
	OwnsSource bool
}

// Session serializes compression requests for one user.
type Session struct {
	runner compressor.Compressor
	stats  *statistics.Statistics
	log    *logrus.Logger

	mu            sync.Mutex
	generation    uint64
	running       int
	closed        bool
	current       *compressor.CompressionResult
	currentTicket uint64

	wg sync.WaitGroup
}

// New returns a Session that runs requests on runner. stats may be nil.
func New(runner compressor.Compressor, stats *statistics.Statistics, log *logrus.Logger) *Session {
	if log == nil {
		log = logger.Discard()
	}
	return &Session{runner: runner, stats: stats, log: log}
}

// Submit discards the held result and starts compressing req in the
// background. The returned channel receives exactly one Update.
func (s *Session) Submit(ctx context.Context, req compressor.CompressionRequest, opts SubmitOptions) (uint64, <-chan Update, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, nil, ErrClosed
	}
	s.discardLocked()
	s.generation++
	ticket := s.generation
	s.running++
	s.wg.Add(1)
	s.mu.Unlock()

	entry := logger.WithTicket(s.log, ticket).WithField("strategy", req.Strategy.String())
	entry.Debugf("Submitted %s", req.SourcePath)

	ch := make(chan Update, 1)
	go func() {
		defer s.wg.Done()
		defer close(ch)

		res := s.runner.Compress(ctx, req)
		if opts.OwnsSource {
			if err := os.Remove(req.SourcePath); err != nil && !os.IsNotExist(err) {
				entry.Warnf("Failed to remove source %s: %v", req.SourcePath, err)
			}
			_ = os.Remove(filepath.Dir(req.SourcePath))
		}
		if s.stats != nil {
			s.stats.RecordResult(res)
		}

		s.mu.Lock()
		s.running--
		stale := ticket != s.generation || s.closed
		if !stale && res.IsSuccess() {
			held := res
			s.current = &held
			s.currentTicket = ticket
		}
		s.mu.Unlock()

		if stale {
			if res.IsSuccess() {
				removeOutput(res.OutputPath)
			}
			if s.stats != nil {
				s.stats.RecordStale()
			}
			entry.Info("Result superseded by a newer request")
		}
		ch <- Update{Ticket: ticket, Result: res, Stale: stale}
	}()

	return ticket, ch, nil
}

// Current returns the held result, if any.
func (s *Session) Current() (compressor.CompressionResult, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return compressor.CompressionResult{}, 0, false
	}
	return *s.current, s.currentTicket, true
}

// Running reports whether any request is still in flight.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running > 0
}

// Generation returns the ticket of the most recent submission.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Discard deletes the held result.
func (s *Session) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardLocked()
}

// Save persists the held result through saver, then deletes the derived file.
func (s *Session) Save(ctx context.Context, saver storage.Saver) (*storage.SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil, ErrNothingToSave
	}
	res := *s.current

	saved, err := saver.Save(ctx, res.OutputPath, filepath.Base(res.OutputPath))
	if err != nil {
		logger.WithFileOperation(s.log, res.OutputPath, "save").Errorf("Save failed: %v", err)
		return nil, err
	}
	if s.stats != nil {
		s.stats.RecordSaved()
	}
	logger.WithFileOperation(s.log, res.OutputPath, "save").
		WithField("location", saved.Location).Info("Result saved")

	s.discardLocked()
	return saved, nil
}

// Close waits for in-flight requests and deletes every derived file.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	s.Discard()
}

func (s *Session) discardLocked() {
	if s.current == nil {
		return
	}
	removeOutput(s.current.OutputPath)
	s.current = nil
	s.currentTicket = 0
}

// removeOutput deletes a derived file and its per-request directory when
// that directory is left empty.
func removeOutput(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
	_ = os.Remove(filepath.Dir(path))
}
