// Package config provides configuration management for loopcam using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8090
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxOpenConns    = 5
	defaultMaxIdleConns    = 2
	defaultConnMaxIdleTime = 30 * time.Minute
	defaultResolution      = 480
	defaultFramerate       = 24
	defaultBitrate         = 17000000
	defaultQuality         = 25
	defaultLoopLength      = 10
	defaultSnapCountdown   = 3 * time.Second
	defaultMinPartSize     = "5MiB"
	defaultAbortTimeout    = 30 * time.Second
	defaultKafkaTimeout    = 10 * time.Second
)

// Limits enforced by Validate.
const (
	MaxBitrate     = 25000000
	MinQuality     = 1
	MaxQuality     = 40
	MaxLoopLength  = 60
	MaxConcurrency = 16

	// S3MinPartSize is the smallest non-final part S3 accepts.
	S3MinPartSize = 5 * 1024 * 1024
)

// Config holds all configuration for the application.
type Config struct {
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	Snap     SnapConfig     `mapstructure:"snap" yaml:"snap"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Upload   UploadConfig   `mapstructure:"upload" yaml:"upload"`
	Events   EventsConfig   `mapstructure:"events" yaml:"events"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// CaptureConfig holds camera and encoder settings.
type CaptureConfig struct {
	Device      string `mapstructure:"device" yaml:"device"`
	FFmpegPath  string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"` // empty = look up on PATH
	InputFormat string `mapstructure:"input_format" yaml:"input_format"`
	Encoder     string `mapstructure:"encoder" yaml:"encoder"` // libx264, h264_v4l2m2m, h264_omx, h264_vaapi
	Resolution  int    `mapstructure:"resolution" yaml:"resolution"`
	Framerate   int    `mapstructure:"framerate" yaml:"framerate"`
	Bitrate     int    `mapstructure:"bitrate" yaml:"bitrate"`
	Quality     int    `mapstructure:"quality" yaml:"quality"`
	// LoopLength is the length of the in-memory loop in seconds.
	LoopLength int `mapstructure:"loop_length" yaml:"loop_length"`
	// ExtraArgs are appended to ffmpeg's output arguments.
	ExtraArgs string `mapstructure:"extra_args" yaml:"extra_args"`
}

// SnapConfig holds still-capture settings.
type SnapConfig struct {
	Countdown time.Duration `mapstructure:"countdown" yaml:"countdown"`
	Cron      string        `mapstructure:"cron" yaml:"cron"` // 6-field cron expression, empty = single shot
}

// StorageConfig selects and configures the object store.
type StorageConfig struct {
	Handler      string `mapstructure:"handler" yaml:"handler"` // s3, filesystem
	Endpoint     string `mapstructure:"endpoint" yaml:"endpoint"`
	Region       string `mapstructure:"region" yaml:"region"`
	Bucket       string `mapstructure:"bucket" yaml:"bucket"`
	AccessKey    string `mapstructure:"access_key" yaml:"access_key" masq:"secret"`
	SecretKey    string `mapstructure:"secret_key" yaml:"secret_key" masq:"secret"`
	SessionToken string `mapstructure:"session_token" yaml:"session_token" masq:"secret"`
	UseSSL       bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	CreateBucket bool   `mapstructure:"create_bucket" yaml:"create_bucket"`
	BaseDir      string `mapstructure:"base_dir" yaml:"base_dir"` // filesystem handler root
}

// UploadConfig holds uploader settings.
type UploadConfig struct {
	// MinPartSize is both the single-shot threshold and the multipart part size.
	// Supports human-readable values like "5MiB", "8MB", or raw byte counts.
	MinPartSize     ByteSize      `mapstructure:"min_part_size" yaml:"min_part_size"`
	Concurrency     int           `mapstructure:"concurrency" yaml:"concurrency"`
	FallbackToStart bool          `mapstructure:"fallback_to_start" yaml:"fallback_to_start"`
	AbortTimeout    time.Duration `mapstructure:"abort_timeout" yaml:"abort_timeout"`
	VideoPrefix     string        `mapstructure:"video_prefix" yaml:"video_prefix"`
	SnapPrefix      string        `mapstructure:"snap_prefix" yaml:"snap_prefix"`
}

// EventsConfig holds upload event sinks.
type EventsConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

// KafkaConfig holds the Kafka publisher configuration.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	Encoding     string        `mapstructure:"encoding" yaml:"encoding"` // json, msgpack
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// DatabaseConfig holds the upload ledger database configuration.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Driver          string        `mapstructure:"driver" yaml:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn" yaml:"dsn" masq:"secret"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"` // silent, error, warn, info
}

// ServerConfig holds the control surface HTTP configuration.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // trace, debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with LOOPCAM_ and use underscores for nesting.
// Example: LOOPCAM_STORAGE_BUCKET=pi-demo-raw.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/loopcam")
		v.AddConfigPath("$HOME/.loopcam")
	}

	v.SetEnvPrefix("LOOPCAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Capture defaults
	v.SetDefault("capture.device", "/dev/video0")
	v.SetDefault("capture.ffmpeg_path", "")
	v.SetDefault("capture.input_format", "v4l2")
	v.SetDefault("capture.encoder", "libx264")
	v.SetDefault("capture.resolution", defaultResolution)
	v.SetDefault("capture.framerate", defaultFramerate)
	v.SetDefault("capture.bitrate", defaultBitrate)
	v.SetDefault("capture.quality", defaultQuality)
	v.SetDefault("capture.loop_length", defaultLoopLength)
	v.SetDefault("capture.extra_args", "")

	// Snap defaults
	v.SetDefault("snap.countdown", defaultSnapCountdown)
	v.SetDefault("snap.cron", "")

	// Storage defaults
	v.SetDefault("storage.handler", "s3")
	v.SetDefault("storage.endpoint", "s3.amazonaws.com")
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.bucket", "pi-demo-raw")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.session_token", "")
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.create_bucket", false)
	v.SetDefault("storage.base_dir", "./data")

	// Upload defaults
	v.SetDefault("upload.min_part_size", defaultMinPartSize)
	v.SetDefault("upload.concurrency", 1)
	v.SetDefault("upload.fallback_to_start", false)
	v.SetDefault("upload.abort_timeout", defaultAbortTimeout)
	v.SetDefault("upload.video_prefix", "h264/")
	v.SetDefault("upload.snap_prefix", "jpg/")

	// Events defaults
	v.SetDefault("events.kafka.enabled", false)
	v.SetDefault("events.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("events.kafka.topic", "loopcam.uploads")
	v.SetDefault("events.kafka.encoding", "json")
	v.SetDefault("events.kafka.write_timeout", defaultKafkaTimeout)

	// Database defaults
	v.SetDefault("database.enabled", true)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "loopcam.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Server defaults
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Resolutions lists the supported capture heights.
var Resolutions = []int{360, 480, 720, 1080}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Capture validation
	if !validResolution(c.Capture.Resolution) {
		return fmt.Errorf("capture.resolution must be one of: 360, 480, 720, 1080")
	}
	if c.Capture.Framerate < 1 {
		return fmt.Errorf("capture.framerate must be at least 1")
	}
	if c.Capture.Bitrate < 1 || c.Capture.Bitrate > MaxBitrate {
		return fmt.Errorf("capture.bitrate must be between 1 and %d", MaxBitrate)
	}
	if c.Capture.Quality < MinQuality || c.Capture.Quality > MaxQuality {
		return fmt.Errorf("capture.quality must be between %d and %d", MinQuality, MaxQuality)
	}
	if c.Capture.LoopLength < 1 || c.Capture.LoopLength > MaxLoopLength {
		return fmt.Errorf("capture.loop_length must be between 1 and %d", MaxLoopLength)
	}

	// Snap validation
	if c.Snap.Countdown < 0 {
		return fmt.Errorf("snap.countdown must not be negative")
	}

	// Storage validation
	switch c.Storage.Handler {
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the s3 handler")
		}
		if c.Storage.Endpoint == "" {
			return fmt.Errorf("storage.endpoint is required for the s3 handler")
		}
	case "filesystem":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the filesystem handler")
		}
	default:
		return fmt.Errorf("storage.handler must be one of: s3, filesystem")
	}

	// Upload validation
	if c.Upload.MinPartSize < 1 {
		return fmt.Errorf("upload.min_part_size must be positive")
	}
	if c.Storage.Handler == "s3" && c.Upload.MinPartSize < S3MinPartSize {
		return fmt.Errorf("upload.min_part_size must be at least %s for the s3 handler", ByteSize(S3MinPartSize))
	}
	if c.Upload.Concurrency < 1 || c.Upload.Concurrency > MaxConcurrency {
		return fmt.Errorf("upload.concurrency must be between 1 and %d", MaxConcurrency)
	}

	// Events validation
	if c.Events.Kafka.Enabled {
		if len(c.Events.Kafka.Brokers) == 0 {
			return fmt.Errorf("events.kafka.brokers is required when kafka is enabled")
		}
		if c.Events.Kafka.Topic == "" {
			return fmt.Errorf("events.kafka.topic is required when kafka is enabled")
		}
		validEncodings := map[string]bool{"json": true, "msgpack": true}
		if !validEncodings[c.Events.Kafka.Encoding] {
			return fmt.Errorf("events.kafka.encoding must be one of: json, msgpack")
		}
	}

	// Database validation
	if c.Database.Enabled {
		validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
		if !validDrivers[c.Database.Driver] {
			return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
		}
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required")
		}
		validDBLevels := map[string]bool{"": true, "silent": true, "error": true, "warn": true, "info": true}
		if !validDBLevels[c.Database.LogLevel] {
			return fmt.Errorf("database.log_level must be one of: silent, error, warn, info")
		}
	}

	// Server validation
	const maxPort = 65535
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > maxPort) {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	// Logging validation
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

func validResolution(height int) bool {
	for _, r := range Resolutions {
		if r == height {
			return true
		}
	}
	return false
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoopBytes returns the in-memory loop capacity implied by the bitrate and
// loop length.
func (c *CaptureConfig) LoopBytes() int64 {
	return int64(c.Bitrate) / 8 * int64(c.LoopLength)
}

// VideoKey returns the object key for a recording name.
func (c *UploadConfig) VideoKey(name string) string {
	return c.VideoPrefix + name + ".h264"
}

// SnapKey returns the object key for a still image name.
func (c *UploadConfig) SnapKey(name string) string {
	return c.SnapPrefix + name + ".jpg"
}
