package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "uvsib.yaml")
	raw := []byte(`
store:
  driver: memory
pipeline:
  csp_samples: 3
  band_gap_max: 4.5
`)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != "memory" {
		t.Fatalf("store.driver = %q", cfg.Store.Driver)
	}
	if cfg.Pipeline.CSPSamples != 3 || cfg.Pipeline.BandGapMax != 4.5 {
		t.Fatalf("pipeline overrides not applied: %+v", cfg.Pipeline)
	}
	// Untouched keys keep their defaults.
	if cfg.Intake.MaxConcurrent != 4 || cfg.Logging.Format != "json" {
		t.Fatalf("defaults lost: intake=%+v logging=%+v", cfg.Intake, cfg.Logging)
	}
}

func TestLoadHonorsEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("UVSIB_BLOB_DRIVER", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Blob.Driver != "memory" {
		t.Fatalf("blob.driver = %q", cfg.Blob.Driver)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store driver", func(c *Config) { c.Store.Driver = "etcd" }},
		{"unknown blob driver", func(c *Config) { c.Blob.Driver = "gcs" }},
		{"failure ratio one", func(c *Config) { c.Pipeline.FailureRatio = 1 }},
		{"negative failure ratio", func(c *Config) { c.Pipeline.FailureRatio = -0.1 }},
		{"zero timeout", func(c *Config) { c.Pipeline.DependencyTimeoutHours = 0 }},
		{"negative ehull threshold", func(c *Config) { c.Pipeline.EHullThreshold = -0.01 }},
		{"zero samples", func(c *Config) { c.Pipeline.CSPSamples = 0 }},
		{"inverted gap window", func(c *Config) { c.Pipeline.BandGapMin = 5; c.Pipeline.BandGapMax = 1 }},
		{"zero workers", func(c *Config) { c.Intake.MaxConcurrent = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestPipelineDurations(t *testing.T) {
	cfg := Default()
	if got := cfg.Pipeline.DependencyTimeout(); got != 10*time.Hour {
		t.Fatalf("dependency timeout = %v", got)
	}
	if got := cfg.Pipeline.PollInterval(); got != 30*time.Second {
		t.Fatalf("poll interval = %v", got)
	}
}
