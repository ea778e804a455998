// Package config loads the runtime configuration from the environment.
//
// Every key is read with the RACECORE_ prefix, e.g. RACECORE_LOG_DRIVER.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment prefix of every key.
const Prefix = "RACECORE"

// Log drivers.
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverPgx    = "pgx"
	DriverNone   = "none"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the runtime configuration.
type Config struct {
	// Race log destination.
	LogDriver string `envconfig:"LOG_DRIVER" default:"none"`
	LogPath   string `envconfig:"LOG_PATH" default:"races.jsonl"`
	LogDSN    string `envconfig:"LOG_DSN"`

	// Reporter queue and deduplication.
	QueueSize int  `envconfig:"QUEUE_SIZE" default:"1024"`
	Dedup     bool `envconfig:"DEDUP" default:"true"`
	DedupSize int  `envconfig:"DEDUP_SIZE" default:"4096"`

	// HistoryStacks records a stack with every access so the racing side
	// of a report has one. Costly.
	HistoryStacks bool `envconfig:"HISTORY_STACKS" default:"false"`
	StackDepth    int  `envconfig:"STACK_DEPTH" default:"16"`
	StackCache    int  `envconfig:"STACK_CACHE" default:"4096"`

	// SampleRate checks one access in SampleRate; 1 checks all of them.
	SampleRate uint64 `envconfig:"SAMPLE_RATE" default:"1"`

	// JoinCache bounds the final snapshots kept for joins.
	JoinCache int `envconfig:"JOIN_CACHE" default:"1024"`

	// Print renders every report to stderr.
	Print    bool   `envconfig:"PRINT" default:"true"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	S3Bucket    string `envconfig:"S3_BUCKET"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3Prefix    string `envconfig:"S3_PREFIX" default:"races"`
	S3PathStyle bool   `envconfig:"S3_PATH_STYLE" default:"false"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9464"`
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process(Prefix, &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Default returns the configuration with every default applied and no
// environment consulted. It mirrors the default tags of Config.
func Default() Config {
	return Config{
		LogDriver:   DriverNone,
		LogPath:     "races.jsonl",
		QueueSize:   1024,
		Dedup:       true,
		DedupSize:   4096,
		StackDepth:  16,
		StackCache:  4096,
		SampleRate:  1,
		JoinCache:   1024,
		Print:       true,
		LogLevel:    "info",
		S3Region:    "us-east-1",
		S3Prefix:    "races",
		MetricsAddr: ":9464",
	}
}

// Validate checks value ranges and driver requirements.
func (c Config) Validate() error {
	switch c.LogDriver {
	case DriverNone:
	case DriverFile:
		if c.LogPath == "" {
			return fmt.Errorf("%w: LOG_PATH is required for the file driver", ErrInvalid)
		}
	case DriverSQLite, DriverPgx:
		if c.LogDSN == "" {
			return fmt.Errorf("%w: LOG_DSN is required for the %s driver", ErrInvalid, c.LogDriver)
		}
	default:
		return fmt.Errorf("%w: unknown LOG_DRIVER %q", ErrInvalid, c.LogDriver)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("%w: QUEUE_SIZE must be positive, got %d", ErrInvalid, c.QueueSize)
	}
	if c.Dedup && c.DedupSize <= 0 {
		return fmt.Errorf("%w: DEDUP_SIZE must be positive, got %d", ErrInvalid, c.DedupSize)
	}
	if c.StackDepth <= 0 || c.StackCache <= 0 {
		return fmt.Errorf("%w: STACK_DEPTH and STACK_CACHE must be positive", ErrInvalid)
	}
	if c.SampleRate == 0 {
		return fmt.Errorf("%w: SAMPLE_RATE must be at least 1", ErrInvalid)
	}
	if c.JoinCache <= 0 {
		return fmt.Errorf("%w: JOIN_CACHE must be positive, got %d", ErrInvalid, c.JoinCache)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Level returns the parsed log level. Validate has already rejected bad
// values, so unknown levels fall back to info.
func (c Config) Level() slog.Level {
	l, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("%w: LOG_LEVEL %q", ErrInvalid, s)
	}
	return l, nil
}
