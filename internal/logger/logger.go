// Package logger builds the logrus loggers used across pngoptimiser.
//
// Records are JSON with "timestamp", "level" and "message" keys. They go to a
// rotating file when one is configured and to stderr otherwise, or to both
// with Console set. stdout stays free for command output.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Field names attached by the helpers below.
const (
	FieldFile      = "file"
	FieldOperation = "operation"
	FieldTicket    = "ticket"
)

// LoggerConfig mirrors the logging section of the configuration file.
type LoggerConfig struct {
	Level      string
	FilePath   string // empty disables the file sink
	MaxSize    int    // MB per file before rotation
	MaxBackups int
	MaxAge     int // days
	Compress   bool
	Console    bool
}

// NewLogger returns a JSON logger for cfg.
func NewLogger(cfg LoggerConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	out, err := sinks(cfg)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetLevel(level)
	log.SetOutput(out)
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	return log, nil
}

func sinks(cfg LoggerConfig) (io.Writer, error) {
	if cfg.FilePath == "" {
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	if cfg.Console {
		return io.MultiWriter(file, os.Stderr), nil
	}
	return file, nil
}

// Discard returns a logger that drops every record. Packages fall back to it
// when handed a nil logger.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func WithFile(log *logrus.Logger, path string) *logrus.Entry {
	return log.WithField(FieldFile, path)
}

func WithOperation(log *logrus.Logger, operation string) *logrus.Entry {
	return log.WithField(FieldOperation, operation)
}

// WithFileOperation tags an entry with the file being worked on and the step.
func WithFileOperation(log *logrus.Logger, path, operation string) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		FieldFile:      path,
		FieldOperation: operation,
	})
}

// WithTicket tags an entry with the session ticket of a request, so the
// records of a superseded request can be told apart from its successor's.
func WithTicket(log *logrus.Logger, ticket uint64) *logrus.Entry {
	return log.WithField(FieldTicket, ticket)
}

// DefaultConfig matches the logging defaults of config.DefaultConfig.
func DefaultConfig() LoggerConfig {
	return LoggerConfig{
		Level:      "info",
		FilePath:   "pngoptimiser.log",
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     30,
		Compress:   true,
		Console:    true,
	}
}
