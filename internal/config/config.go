// Package config loads daemon configuration from a YAML file and UVSIB_*
// environment variables via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete daemon configuration.
type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Blob     BlobConfig     `mapstructure:"blob"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Intake   IntakeConfig   `mapstructure:"intake"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	// Driver is one of "memory", "sqlite", "postgres".
	Driver string `mapstructure:"driver"`
	// Path is the SQLite database file (sqlite driver only).
	Path string `mapstructure:"path"`
	// DSN is the PostgreSQL connection string (postgres driver only).
	DSN string `mapstructure:"dsn"`
}

// BlobConfig selects the artifact store backend.
type BlobConfig struct {
	// Driver is one of "fs", "s3", "memory".
	Driver string `mapstructure:"driver"`
	// Root is the directory used by the fs driver.
	Root string `mapstructure:"root"`

	S3 S3Config `mapstructure:"s3"`
}

// S3Config carries settings for the s3 blob driver.
type S3Config struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	PathStyle       bool   `mapstructure:"path_style"`
}

// PipelineConfig tunes stage execution.
type PipelineConfig struct {
	// FailureRatio is the fraction of failed jobs above which a stage fails.
	FailureRatio float64 `mapstructure:"failure_ratio"`
	// DependencyTimeoutHours bounds how long a composition waits for its
	// chemical subsystems to become ready.
	DependencyTimeoutHours int `mapstructure:"dependency_timeout_hours"`
	// PollIntervalSeconds is the readiness poll cadence.
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	// EHullThreshold is the energy-above-hull cutoff in eV/atom.
	EHullThreshold float64 `mapstructure:"ehull_threshold"`
	// CSPSamples is the number of crystal structure prediction jobs fanned
	// out per composition.
	CSPSamples int `mapstructure:"csp_samples"`
	// MinimaHoppingRuns is the number of minima hopping refinements per
	// surviving candidate.
	MinimaHoppingRuns int `mapstructure:"minima_hopping_runs"`
	// BandGapMin / BandGapMax bound the band gap window (eV) a candidate
	// must fall in to qualify for surface construction.
	BandGapMin float64 `mapstructure:"band_gap_min"`
	BandGapMax float64 `mapstructure:"band_gap_max"`
}

// DependencyTimeout returns the subsystem wait bound as a Duration.
func (c *PipelineConfig) DependencyTimeout() time.Duration {
	return time.Duration(c.DependencyTimeoutHours) * time.Hour
}

// PollInterval returns the readiness poll cadence as a Duration.
func (c *PipelineConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// IntakeConfig tunes submission processing.
type IntakeConfig struct {
	// MaxConcurrent bounds how many compositions run pipelines at once.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// RequestFile is a JSON file of submission requests consumed at startup.
	RequestFile string `mapstructure:"request_file"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// Default returns a Config with the stock pipeline parameters.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "uvsib.db",
		},
		Blob: BlobConfig{
			Driver: "fs",
			Root:   "./blobdata",
			S3:     S3Config{Region: "us-east-1"},
		},
		Pipeline: PipelineConfig{
			FailureRatio:           0.5,
			DependencyTimeoutHours: 10,
			PollIntervalSeconds:    30,
			EHullThreshold:         0.05,
			CSPSamples:             20,
			MinimaHoppingRuns:      1,
			BandGapMin:             0,
			BandGapMax:             6,
		},
		Intake: IntakeConfig{
			MaxConcurrent: 4,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// SetDefaults registers default values with viper.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("store.driver", defaults.Store.Driver)
	viper.SetDefault("store.path", defaults.Store.Path)
	viper.SetDefault("store.dsn", defaults.Store.DSN)

	viper.SetDefault("blob.driver", defaults.Blob.Driver)
	viper.SetDefault("blob.root", defaults.Blob.Root)
	viper.SetDefault("blob.s3.region", defaults.Blob.S3.Region)
	viper.SetDefault("blob.s3.bucket", defaults.Blob.S3.Bucket)
	viper.SetDefault("blob.s3.endpoint", defaults.Blob.S3.Endpoint)
	viper.SetDefault("blob.s3.access_key_id", defaults.Blob.S3.AccessKeyID)
	viper.SetDefault("blob.s3.secret_access_key", defaults.Blob.S3.SecretAccessKey)
	viper.SetDefault("blob.s3.session_token", defaults.Blob.S3.SessionToken)
	viper.SetDefault("blob.s3.path_style", defaults.Blob.S3.PathStyle)

	viper.SetDefault("pipeline.failure_ratio", defaults.Pipeline.FailureRatio)
	viper.SetDefault("pipeline.dependency_timeout_hours", defaults.Pipeline.DependencyTimeoutHours)
	viper.SetDefault("pipeline.poll_interval_seconds", defaults.Pipeline.PollIntervalSeconds)
	viper.SetDefault("pipeline.ehull_threshold", defaults.Pipeline.EHullThreshold)
	viper.SetDefault("pipeline.csp_samples", defaults.Pipeline.CSPSamples)
	viper.SetDefault("pipeline.minima_hopping_runs", defaults.Pipeline.MinimaHoppingRuns)
	viper.SetDefault("pipeline.band_gap_min", defaults.Pipeline.BandGapMin)
	viper.SetDefault("pipeline.band_gap_max", defaults.Pipeline.BandGapMax)

	viper.SetDefault("intake.max_concurrent", defaults.Intake.MaxConcurrent)
	viper.SetDefault("intake.request_file", defaults.Intake.RequestFile)

	viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	viper.SetDefault("metrics.addr", defaults.Metrics.Addr)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.format", defaults.Logging.Format)
}

// Load reads configuration from the optional file path plus UVSIB_* env vars
// and validates it. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	SetDefaults()
	viper.SetEnvPrefix("UVSIB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver must be memory, sqlite or postgres, got %q", c.Store.Driver)
	}
	switch c.Blob.Driver {
	case "", "fs", "s3", "memory":
	default:
		return fmt.Errorf("blob.driver must be fs, s3 or memory, got %q", c.Blob.Driver)
	}
	if c.Pipeline.FailureRatio < 0 || c.Pipeline.FailureRatio >= 1 {
		return fmt.Errorf("pipeline.failure_ratio must be in [0,1), got %v", c.Pipeline.FailureRatio)
	}
	if c.Pipeline.DependencyTimeoutHours <= 0 {
		return fmt.Errorf("pipeline.dependency_timeout_hours must be positive")
	}
	if c.Pipeline.EHullThreshold < 0 {
		return fmt.Errorf("pipeline.ehull_threshold must not be negative")
	}
	if c.Pipeline.CSPSamples <= 0 {
		return fmt.Errorf("pipeline.csp_samples must be positive")
	}
	if c.Pipeline.BandGapMax < c.Pipeline.BandGapMin {
		return fmt.Errorf("pipeline.band_gap_max must not be below band_gap_min")
	}
	if c.Intake.MaxConcurrent <= 0 {
		return fmt.Errorf("intake.max_concurrent must be positive")
	}
	return nil
}
