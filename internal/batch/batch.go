// Package batch compresses many files with one strategy over a worker pool.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"pngoptimiser-go/internal/compressor"
	"pngoptimiser-go/internal/logger"
	"pngoptimiser-go/internal/statistics"
	"pngoptimiser-go/internal/storage"

	"github.com/sirupsen/logrus"
)

// ProgressFunc is called after each file completes. done counts finished files.
type ProgressFunc func(done, total int, res compressor.CompressionResult)

// Params describes one batch run.
type Params struct {
	// Inputs are files or directories; directories are walked recursively.
	Inputs   []string
	Strategy compressor.Strategy
	Quality  int
	// TargetDir receives successful outputs. Empty leaves them in scratch.
	TargetDir string
	// Extensions filters files found while walking directories. Files named
	// explicitly in Inputs are always included.
	Extensions []string
}

// Runner runs batches.
type Runner struct {
	compressor compressor.Compressor
	logger     *logrus.Logger
	stats      *statistics.Statistics
	workers    int
	queueSize  int
	progress   ProgressFunc
}

// NewRunner returns a Runner with the given pool size.
func NewRunner(c compressor.Compressor, log *logrus.Logger, stats *statistics.Statistics, workers, queueSize int) *Runner {
	if log == nil {
		log = logger.Discard()
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	if stats == nil {
		stats = statistics.NewStatistics()
	}
	return &Runner{
		compressor: c,
		logger:     log,
		stats:      stats,
		workers:    workers,
		queueSize:  queueSize,
	}
}

// OnProgress registers a callback invoked from worker goroutines.
func (r *Runner) OnProgress(fn ProgressFunc) {
	r.progress = fn
}

// Stats returns the statistics the runner records into.
func (r *Runner) Stats() *statistics.Statistics {
	return r.stats
}

type job struct {
	index int
	path  string
}

// Run compresses every input. Results follow the order of CollectFiles. Per-file
// failures are reported in the results; the error is only set when inputs
// cannot be collected.
func (r *Runner) Run(ctx context.Context, p Params) ([]compressor.CompressionResult, error) {
	files, err := CollectFiles(p.Inputs, p.Extensions)
	if err != nil {
		return nil, fmt.Errorf("failed to collect files: %w", err)
	}
	if len(files) == 0 {
		r.logger.Info("No image files found to compress")
		return nil, nil
	}
	logger.WithOperation(r.logger, "batch").Infof("Found %d image files to compress with %s", len(files), p.Strategy)

	var target *storage.Local
	if p.TargetDir != "" {
		target = storage.NewLocal(p.TargetDir)
	}

	results := make([]compressor.CompressionResult, len(files))
	jobs := make(chan job, min(r.queueSize, len(files)))

	var wg sync.WaitGroup
	var mu sync.Mutex
	done := 0

	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				res := r.process(ctx, j.path, p, target)
				results[j.index] = res
				r.stats.RecordResult(res)

				mu.Lock()
				done++
				n := done
				mu.Unlock()
				if r.progress != nil {
					r.progress(n, len(files), res)
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i, f := range files {
			select {
			case jobs <- job{index: i, path: f}:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()

	// Files never dispatched because ctx ended.
	for i := range results {
		if results[i].InputPath == "" {
			results[i] = compressor.CompressionResult{
				Outcome:    compressor.OutcomeFailed,
				Reason:     compressor.ReasonCanceled,
				Strategy:   p.Strategy,
				Quality:    p.Quality,
				InputPath:  files[i],
				Error:      ctx.Err(),
				Message:    "canceled",
				StartedAt:  time.Now(),
				FinishedAt: time.Now(),
			}
			r.stats.RecordResult(results[i])
		}
	}

	r.stats.Finalize()
	logger.WithOperation(r.logger, "batch").Info("Batch compression completed")
	return results, nil
}

func (r *Runner) process(ctx context.Context, path string, p Params, target *storage.Local) compressor.CompressionResult {
	res := r.compressor.Compress(ctx, compressor.CompressionRequest{
		SourcePath: path,
		Quality:    p.Quality,
		Strategy:   p.Strategy,
	})
	if !res.IsSuccess() || target == nil {
		return res
	}

	saved, err := target.Save(ctx, res.OutputPath, filepath.Base(res.OutputPath))
	if err != nil {
		logger.WithFile(r.logger, res.OutputPath).Errorf("Failed to move result into %s: %v", p.TargetDir, err)
		r.stats.AddError(res.OutputPath, "save", err.Error())
		return res
	}
	_ = os.Remove(res.OutputPath)
	_ = os.Remove(filepath.Dir(res.OutputPath))
	res.OutputPath = saved.Location
	return res
}

// CollectFiles expands inputs into a sorted, de-duplicated file list.
func CollectFiles(inputs, extensions []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	add := func(path string) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		if !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
	}

	for _, input := range inputs {
		info, err := os.Stat(input)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			add(input)
			continue
		}
		err = filepath.Walk(input, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if fi.IsDir() {
				if path != input && strings.HasPrefix(fi.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if len(extensions) == 0 || slices.Contains(extensions, strings.ToLower(filepath.Ext(path))) {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	slices.Sort(files)
	return files, nil
}
