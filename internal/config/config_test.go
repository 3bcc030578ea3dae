package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Engine.DefaultExpectedNodes != 1 {
		t.Errorf("DefaultExpectedNodes = %d, want 1", cfg.Engine.DefaultExpectedNodes)
	}
	if cfg.Engine.AggregationDeadline != 5*time.Minute {
		t.Errorf("AggregationDeadline = %v, want 5m", cfg.Engine.AggregationDeadline)
	}
	if cfg.Engine.PollBatchSize != 10 {
		t.Errorf("PollBatchSize = %d, want 10", cfg.Engine.PollBatchSize)
	}
	if cfg.Engine.TopK != 20 {
		t.Errorf("TopK = %d, want 20", cfg.Engine.TopK)
	}
	if cfg.Engine.MaxEventsPerIngest != 1000 {
		t.Errorf("MaxEventsPerIngest = %d, want 1000", cfg.Engine.MaxEventsPerIngest)
	}
	if cfg.Engine.DefaultSummaryHours != 24 {
		t.Errorf("DefaultSummaryHours = %d, want 24", cfg.Engine.DefaultSummaryHours)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(NewViper(), "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Default()
	if cfg.Engine != want.Engine {
		t.Errorf("Engine = %+v, want %+v", cfg.Engine, want.Engine)
	}
	if cfg.HTTPAddr != want.HTTPAddr {
		t.Errorf("HTTPAddr = %s, want %s", cfg.HTTPAddr, want.HTTPAddr)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("COORDINATOR_ENGINE_AGGREGATION_DEADLINE", "90s")
	t.Setenv("COORDINATOR_ENGINE_POLL_BATCH_SIZE", "3")
	t.Setenv("COORDINATOR_HTTP_ADDR", ":18080")

	cfg, err := Load(NewViper(), "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Engine.AggregationDeadline != 90*time.Second {
		t.Errorf("AggregationDeadline = %v, want 90s", cfg.Engine.AggregationDeadline)
	}
	if cfg.Engine.PollBatchSize != 3 {
		t.Errorf("PollBatchSize = %d, want 3", cfg.Engine.PollBatchSize)
	}
	if cfg.HTTPAddr != ":18080" {
		t.Errorf("HTTPAddr = %s, want :18080", cfg.HTTPAddr)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	content := `
database_path: /tmp/coord.db
engine:
  top_k: 5
  sweep_interval: 2s
archive:
  after: 168h
  dir: /tmp/archive
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(NewViper(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.DatabasePath != "/tmp/coord.db" {
		t.Errorf("DatabasePath = %s", cfg.DatabasePath)
	}
	if cfg.Engine.TopK != 5 {
		t.Errorf("TopK = %d, want 5", cfg.Engine.TopK)
	}
	if cfg.Engine.SweepInterval != 2*time.Second {
		t.Errorf("SweepInterval = %v, want 2s", cfg.Engine.SweepInterval)
	}
	if cfg.Engine.PollBatchSize != 10 {
		t.Errorf("PollBatchSize = %d, want default 10", cfg.Engine.PollBatchSize)
	}
	if cfg.Archive.After != 168*time.Hour {
		t.Errorf("Archive.After = %v, want 168h", cfg.Archive.After)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(NewViper(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero batch size",
			mutate:  func(c *Config) { c.Engine.PollBatchSize = 0 },
			wantErr: "engine.poll_batch_size",
		},
		{
			name:    "zero deadline",
			mutate:  func(c *Config) { c.Engine.AggregationDeadline = 0 },
			wantErr: "engine.aggregation_deadline",
		},
		{
			name:    "archive without dir",
			mutate:  func(c *Config) { c.Archive.After = time.Hour },
			wantErr: "archive.dir",
		},
		{
			name:    "default hours above max",
			mutate:  func(c *Config) { c.Engine.DefaultSummaryHours = 1000 },
			wantErr: "engine.default_summary_hours",
		},
		{
			name:    "empty database path",
			mutate:  func(c *Config) { c.DatabasePath = "" },
			wantErr: "database_path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
