package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pngoptimiser-go/internal/batch"
	"pngoptimiser-go/internal/compressor"
	"pngoptimiser-go/internal/config"
	"pngoptimiser-go/internal/logger"
	"pngoptimiser-go/internal/probe"
	"pngoptimiser-go/internal/session"
	"pngoptimiser-go/internal/statistics"
	"pngoptimiser-go/internal/storage"
	"pngoptimiser-go/internal/web"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	strategy  string
	quality   int
	outputDir string
	targetDir string
	save      bool
	verbose   bool
	quiet     bool
	addr      string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "pngoptimiser",
	Short: "Compress images with a choice of strategies",
	Long: `pngoptimiser compresses a single image, or many, with one of five
strategies and shows how much was saved.

Strategies:
- original   keep the bytes, make a copy
- jpeg       re-encode as JPEG at the given quality
- png        re-encode as PNG
- pngquant   lossy 8-bit palette quantization (PNG input only)
- luban      downscale and recompress the way chat apps do`,
	SilenceUsage: true,
}

// compressCmd compresses one file.
var compressCmd = &cobra.Command{
	Use:   "compress <file>",
	Short: "Compress a single image",
	Long: `Compress a single image and print a before/after summary.
With --save the result is persisted to the configured storage backend
(local pictures directory or S3) and the scratch copy is removed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(cmd, args[0])
	},
}

// batchCmd compresses files and directories.
var batchCmd = &cobra.Command{
	Use:   "batch <file|dir>...",
	Short: "Compress many images with one strategy",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(cmd, args)
	},
}

// inspectCmd prints image metadata.
var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show format, dimensions and EXIF of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := probe.Inspect(args[0])
		if err != nil {
			return err
		}
		fmt.Println(renderInfo(info))
		return nil
	},
}

// strategiesCmd lists the strategies.
var strategiesCmd = &cobra.Command{
	Use:   "strategies",
	Short: "List compression strategies",
	RunE: func(cmd *cobra.Command, args []string) error {
		def := config.DefaultConfig().Compression.Strategy
		if cfg, err := config.LoadConfig(cfgFile); err == nil {
			def = cfg.Compression.Strategy
		}
		fmt.Println(renderStrategies(def))
		return nil
	},
}

// serveCmd starts the HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Starts an HTTP API that accepts uploads or server-side paths, keeps the
latest result per server, and pushes progress over a WebSocket at /ws.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	for _, c := range []*cobra.Command{compressCmd, batchCmd} {
		c.Flags().StringVarP(&strategy, "strategy", "s", "", "compression strategy (default from config)")
		c.Flags().IntVarP(&quality, "quality", "q", -1, "quality 0-100 (default from config)")
	}
	compressCmd.Flags().StringVarP(&outputDir, "output", "o", "", "copy the result into this directory")
	compressCmd.Flags().BoolVar(&save, "save", false, "persist the result to the configured storage backend")
	batchCmd.Flags().StringVarP(&targetDir, "target", "t", "", "directory for compressed files (default: scratch directory)")
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")

	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(strategiesCmd)
	rootCmd.AddCommand(serveCmd)
}

// runCompress compresses one file through a session so that saving and
// cleanup follow the same path as the HTTP API.
func runCompress(cmd *cobra.Command, path string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cfg)

	log := setupLogger(cfg)
	stats := statistics.NewStatistics()
	sess := session.New(newDispatcher(cfg, log), stats, log)
	keep := false
	defer func() {
		if !keep {
			sess.Close()
		}
	}()

	req, err := buildRequest(cfg, path)
	if err != nil {
		return err
	}

	_, updates, err := sess.Submit(cmd.Context(), req, session.SubmitOptions{})
	if err != nil {
		return err
	}
	res := (<-updates).Result
	if !quiet {
		fmt.Println(renderResult(res))
	}
	if !res.IsSuccess() {
		return errors.New(res.UserMessage())
	}

	var saver storage.Saver
	switch {
	case outputDir != "":
		saver = storage.NewLocal(outputDir)
	case save:
		saver, err = storage.New(cmd.Context(), cfg.Storage)
		if err != nil {
			return err
		}
	default:
		// Leave the result in scratch for the caller to pick up.
		keep = true
		return nil
	}

	saved, err := sess.Save(cmd.Context(), saver)
	if err != nil {
		return fmt.Errorf("save failed: %w", err)
	}
	if !quiet {
		fmt.Printf("Saved to %s\n", saved.Location)
	}
	return nil
}

func runBatch(cmd *cobra.Command, inputs []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cfg)

	s, err := compressor.ParseStrategy(cfg.Compression.Strategy)
	if err != nil {
		return err
	}

	log := setupLogger(cfg)
	stats := statistics.NewStatistics()
	runner := batch.NewRunner(newDispatcher(cfg, log), log, stats,
		cfg.Performance.WorkerThreads, cfg.Performance.BatchSize)
	if cfg.Performance.ShowProgress && !quiet {
		runner.OnProgress(func(done, total int, res compressor.CompressionResult) {
			fmt.Fprintf(os.Stderr, "\r[%d/%d] %s", done, total, res.Outcome)
		})
	}

	results, err := runner.Run(cmd.Context(), batch.Params{
		Inputs:     inputs,
		Strategy:   s,
		Quality:    cfg.Compression.Quality,
		TargetDir:  targetDir,
		Extensions: cfg.SupportedExtensions,
	})
	if err != nil {
		return fmt.Errorf("batch failed: %w", err)
	}

	if !quiet {
		if cfg.Performance.ShowProgress {
			fmt.Fprintln(os.Stderr)
		}
		fmt.Println(renderBatch(results, stats))
		if len(stats.Errors) > 0 {
			fmt.Println(stats.GetErrorSummary())
		}
	}
	return nil
}

// runServe starts the web server and handles graceful shutdown.
func runServe(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if addr != "" {
		cfg.Server.Address = addr
	}

	log := setupLogger(cfg)
	saver, err := storage.New(cmd.Context(), cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to configure storage: %w", err)
	}

	stats := statistics.NewStatistics()
	dispatcher := newDispatcher(cfg, log)
	sess := session.New(dispatcher, stats, log)
	defer sess.Close()

	server := web.NewServer(cfg, log, web.Deps{
		Compressor: dispatcher,
		Session:    sess,
		Saver:      saver,
		Stats:      stats,
		Inspector:  probe.NewInspector(log),
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Server.Address); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	case <-sigChan:
	}
	log.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	stats.Finalize()
	log.Info(stats.GetSummary())
	return nil
}

// applyFlags overrides config with command-line flags.
func applyFlags(cfg *config.Config) {
	if strategy != "" {
		cfg.Compression.Strategy = strategy
	}
	if quality >= 0 {
		cfg.Compression.Quality = quality
	}
}

func buildRequest(cfg *config.Config, path string) (compressor.CompressionRequest, error) {
	s, err := compressor.ParseStrategy(cfg.Compression.Strategy)
	if err != nil {
		return compressor.CompressionRequest{}, err
	}
	return compressor.CompressionRequest{
		SourcePath: path,
		Quality:    cfg.Compression.Quality,
		Strategy:   s,
	}, nil
}

func newDispatcher(cfg *config.Config, log *logrus.Logger) *compressor.Dispatcher {
	return compressor.NewDispatcher(compressor.Options{
		ScratchDir:       cfg.ScratchDirectory,
		JPEGEncoder:      cfg.Compression.JPEGEncoder,
		PNGQuantSpeed:    cfg.Compression.PNGQuant.Speed,
		PNGQuantDither:   cfg.Compression.PNGQuant.Dither,
		PreserveMetadata: cfg.Compression.PreserveMetadata,
	}, log)
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.LoggerConfig{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		Console:    verbose,
	}

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
