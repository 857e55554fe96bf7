package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"pngoptimiser-go/internal/compressor"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StorageBackendLocal = "local"
	StorageBackendS3    = "s3"
)

// Config represents the main configuration structure
type Config struct {
	ScratchDirectory    string            `mapstructure:"scratch_directory"`
	SupportedExtensions []string          `mapstructure:"supported_extensions"`
	Compression         CompressionConfig `mapstructure:"compression"`
	Performance         PerformanceConfig `mapstructure:"performance"`
	Storage             StorageConfig     `mapstructure:"storage"`
	Server              ServerConfig      `mapstructure:"server"`
	Logging             LoggingConfig     `mapstructure:"logging"`
}

// CompressionConfig holds the defaults applied when a request omits them
type CompressionConfig struct {
	Strategy         string         `mapstructure:"strategy"`
	Quality          int            `mapstructure:"quality"`
	JPEGEncoder      string         `mapstructure:"jpeg_encoder"`
	PreserveMetadata bool           `mapstructure:"preserve_metadata"`
	PNGQuant         PNGQuantConfig `mapstructure:"pngquant"`
}

// PNGQuantConfig contains quantizer tuning
type PNGQuantConfig struct {
	Speed  int     `mapstructure:"speed"`
	Dither float64 `mapstructure:"dither"`
}

// PerformanceConfig contains performance tuning settings
type PerformanceConfig struct {
	WorkerThreads int  `mapstructure:"worker_threads"`
	BatchSize     int  `mapstructure:"batch_size"`
	ShowProgress  bool `mapstructure:"show_progress"`
}

// StorageConfig selects where saved results go
type StorageConfig struct {
	Backend        string   `mapstructure:"backend"`
	LocalDirectory string   `mapstructure:"local_directory"`
	S3             S3Config `mapstructure:"s3"`
}

// S3Config holds S3 connection parameters
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"` // MinIO, R2, localstack
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Prefix          string `mapstructure:"prefix"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// ServerConfig contains web server settings
type ServerConfig struct {
	Address       string `mapstructure:"address"`
	MaxUploadSize int64  `mapstructure:"max_upload_size"` // bytes
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		ScratchDirectory:    filepath.Join(os.TempDir(), "pngoptimiser"),
		SupportedExtensions: []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tif", ".tiff"},
		Compression: CompressionConfig{
			Strategy:    "original",
			Quality:     80,
			JPEGEncoder: compressor.JPEGEncoderStandard,
			PNGQuant: PNGQuantConfig{
				Speed:  1,
				Dither: 1.0,
			},
		},
		Performance: PerformanceConfig{
			WorkerThreads: 4,
			BatchSize:     100,
			ShowProgress:  true,
		},
		Storage: StorageConfig{
			Backend:        StorageBackendLocal,
			LocalDirectory: "~/Pictures/pngoptimiser",
		},
		Server: ServerConfig{
			Address:       ":8080",
			MaxUploadSize: 64 << 20,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "pngoptimiser.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from a .env file, a YAML file and
// PNGOPTIMISER_* environment variables, in increasing priority.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	config := DefaultConfig()
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, config)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.pngoptimiser")
		v.AddConfigPath("/etc/pngoptimiser")
	}

	v.SetEnvPrefix("PNGOPTIMISER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// setDefaults registers every key so that environment variables can
// override settings that are absent from the config file.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("scratch_directory", c.ScratchDirectory)
	v.SetDefault("supported_extensions", c.SupportedExtensions)

	v.SetDefault("compression.strategy", c.Compression.Strategy)
	v.SetDefault("compression.quality", c.Compression.Quality)
	v.SetDefault("compression.jpeg_encoder", c.Compression.JPEGEncoder)
	v.SetDefault("compression.preserve_metadata", c.Compression.PreserveMetadata)
	v.SetDefault("compression.pngquant.speed", c.Compression.PNGQuant.Speed)
	v.SetDefault("compression.pngquant.dither", c.Compression.PNGQuant.Dither)

	v.SetDefault("performance.worker_threads", c.Performance.WorkerThreads)
	v.SetDefault("performance.batch_size", c.Performance.BatchSize)
	v.SetDefault("performance.show_progress", c.Performance.ShowProgress)

	v.SetDefault("storage.backend", c.Storage.Backend)
	v.SetDefault("storage.local_directory", c.Storage.LocalDirectory)
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.s3.use_path_style", false)

	v.SetDefault("server.address", c.Server.Address)
	v.SetDefault("server.max_upload_size", c.Server.MaxUploadSize)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.file_path", c.Logging.FilePath)
	v.SetDefault("logging.max_size", c.Logging.MaxSize)
	v.SetDefault("logging.max_backups", c.Logging.MaxBackups)
	v.SetDefault("logging.max_age", c.Logging.MaxAge)
	v.SetDefault("logging.compress", c.Logging.Compress)
}

// Validate validates and normalizes the configuration
func (c *Config) Validate() error {
	if c.ScratchDirectory == "" {
		return fmt.Errorf("scratch_directory is required")
	}
	c.ScratchDirectory = expandPath(c.ScratchDirectory)

	c.SupportedExtensions = normalizeExtensions(c.SupportedExtensions)
	if len(c.SupportedExtensions) == 0 {
		return fmt.Errorf("supported_extensions must not be empty")
	}

	strategy, err := compressor.ParseStrategy(c.Compression.Strategy)
	if err != nil {
		return fmt.Errorf("invalid compression strategy: %s (valid: original, jpeg, png, pngquant, luban)",
			c.Compression.Strategy)
	}
	c.Compression.Strategy = strategy.String()
	if c.Compression.Quality < 0 || c.Compression.Quality > 100 {
		return fmt.Errorf("compression quality %d out of range [0,100]", c.Compression.Quality)
	}

	switch c.Compression.JPEGEncoder {
	case "":
		c.Compression.JPEGEncoder = compressor.JPEGEncoderStandard
	case compressor.JPEGEncoderStandard, compressor.JPEGEncoderJpegli:
	default:
		return fmt.Errorf("invalid jpeg_encoder: %s (valid: standard, jpegli)", c.Compression.JPEGEncoder)
	}

	if c.Compression.PNGQuant.Speed < 1 || c.Compression.PNGQuant.Speed > 11 {
		return fmt.Errorf("pngquant speed %d out of range [1,11]", c.Compression.PNGQuant.Speed)
	}
	if c.Compression.PNGQuant.Dither < 0 || c.Compression.PNGQuant.Dither > 1 {
		return fmt.Errorf("pngquant dither %.2f out of range [0,1]", c.Compression.PNGQuant.Dither)
	}

	if c.Performance.WorkerThreads <= 0 {
		c.Performance.WorkerThreads = 4
	}
	if c.Performance.BatchSize <= 0 {
		c.Performance.BatchSize = 100
	}

	switch c.Storage.Backend {
	case "":
		c.Storage.Backend = StorageBackendLocal
		fallthrough
	case StorageBackendLocal:
		if c.Storage.LocalDirectory == "" {
			return fmt.Errorf("storage.local_directory is required for the local backend")
		}
		c.Storage.LocalDirectory = expandPath(c.Storage.LocalDirectory)
	case StorageBackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
		if (c.Storage.S3.AccessKeyID == "") != (c.Storage.S3.SecretAccessKey == "") {
			return fmt.Errorf("storage.s3.access_key_id and secret_access_key must be set together")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (valid: local, s3)", c.Storage.Backend)
	}

	if c.Server.MaxUploadSize <= 0 {
		c.Server.MaxUploadSize = 64 << 20
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// IsSupportedExtension checks if the extension is accepted for compression
func (c *Config) IsSupportedExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, supportedExt := range c.SupportedExtensions {
		if ext == supportedExt {
			return true
		}
	}
	return false
}

// Helper functions

func expandPath(path string) string {
	expanded := os.ExpandEnv(path)
	if strings.HasPrefix(expanded, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			expanded = filepath.Join(home, expanded[1:])
		}
	}
	return expanded
}

func normalizeExtensions(extensions []string) []string {
	normalized := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized = append(normalized, ext)
	}
	return normalized
}
