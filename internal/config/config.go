// Package config holds the coordinator configuration and its documented defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// EnvPrefix is prepended to every environment override, e.g. COORDINATOR_HTTP_ADDR.
const EnvPrefix = "COORDINATOR"

// Config is the complete coordinator configuration.
type Config struct {
	HTTPAddr        string `mapstructure:"http_addr"`
	GRPCAddr        string `mapstructure:"grpc_addr"`
	MetricsAddr     string `mapstructure:"metrics_addr"`
	DatabasePath    string `mapstructure:"database_path"`
	LogLevel        string `mapstructure:"log_level"`
	TracingEndpoint string `mapstructure:"tracing_endpoint"`

	Engine    EngineConfig    `mapstructure:"engine"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

// EngineConfig tunes simulation dispatch, completion and telemetry ingestion.
type EngineConfig struct {
	// DefaultExpectedNodes is used when a cluster never reported its node count.
	DefaultExpectedNodes int `mapstructure:"default_expected_nodes"`
	// AggregationDeadline is how long a claimed simulation waits for node results.
	AggregationDeadline time.Duration `mapstructure:"aggregation_deadline"`
	// PollBatchSize caps the work items returned by one poll.
	PollBatchSize int `mapstructure:"poll_batch_size"`
	// TopK caps coverage gap and top blocked lists.
	TopK int `mapstructure:"top_k"`
	// MaxEventsPerIngest caps validation events in one ingestion call.
	MaxEventsPerIngest int `mapstructure:"max_events_per_ingest"`
	// MaxSummariesPerIngest caps hourly summaries in one ingestion call.
	MaxSummariesPerIngest int `mapstructure:"max_summaries_per_ingest"`
	// DefaultMaxDetails is the sample size used when a request leaves it unset.
	DefaultMaxDetails int `mapstructure:"default_max_details"`
	// SweepInterval is the period of the deadline sweep.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// DefaultSummaryHours is the window of the summary query when hours is omitted.
	DefaultSummaryHours int `mapstructure:"default_summary_hours"`
	MaxSummaryHours     int `mapstructure:"max_summary_hours"`
	// ConflictRetries bounds retries of store version conflicts.
	ConflictRetries int `mapstructure:"conflict_retries"`
}

// AuthConfig configures bearer credential resolution.
type AuthConfig struct {
	// JWTSecret enables HS256 user tokens when non-empty.
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTIssuer string        `mapstructure:"jwt_issuer"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	CacheSize int           `mapstructure:"cache_size"`
}

// RateLimitConfig configures per-cluster request budgets.
type RateLimitConfig struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	IdleTTL           time.Duration `mapstructure:"idle_ttl"`
	MaxClusters       int           `mapstructure:"max_clusters"`
}

// ArchiveConfig configures validation event archival to Parquet.
type ArchiveConfig struct {
	// After is the event age at which events move to Parquet. Zero disables archival.
	After    time.Duration `mapstructure:"after"`
	Dir      string        `mapstructure:"dir"`
	Interval time.Duration `mapstructure:"interval"`
}

// Default returns the configuration with every documented default applied.
func Default() Config {
	return Config{
		HTTPAddr:     ":8080",
		GRPCAddr:     ":9091",
		MetricsAddr:  ":9090",
		DatabasePath: "/var/lib/policyhub/coordinator.db",
		LogLevel:     "info",
		Engine: EngineConfig{
			DefaultExpectedNodes:  1,
			AggregationDeadline:   5 * time.Minute,
			PollBatchSize:         10,
			TopK:                  20,
			MaxEventsPerIngest:    1000,
			MaxSummariesPerIngest: 168,
			DefaultMaxDetails:     100,
			SweepInterval:         15 * time.Second,
			DefaultSummaryHours:   24,
			MaxSummaryHours:       720,
			ConflictRetries:       5,
		},
		Auth: AuthConfig{
			JWTIssuer: "policy-hub",
			CacheTTL:  30 * time.Second,
			CacheSize: 4096,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			IdleTTL:           10 * time.Minute,
			MaxClusters:       10000,
		},
		Archive: ArchiveConfig{
			Interval: time.Hour,
		},
	}
}

// SetDefaults registers every default with v so environment overrides resolve.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("http_addr", d.HTTPAddr)
	v.SetDefault("grpc_addr", d.GRPCAddr)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("database_path", d.DatabasePath)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("tracing_endpoint", d.TracingEndpoint)

	v.SetDefault("engine.default_expected_nodes", d.Engine.DefaultExpectedNodes)
	v.SetDefault("engine.aggregation_deadline", d.Engine.AggregationDeadline)
	v.SetDefault("engine.poll_batch_size", d.Engine.PollBatchSize)
	v.SetDefault("engine.top_k", d.Engine.TopK)
	v.SetDefault("engine.max_events_per_ingest", d.Engine.MaxEventsPerIngest)
	v.SetDefault("engine.max_summaries_per_ingest", d.Engine.MaxSummariesPerIngest)
	v.SetDefault("engine.default_max_details", d.Engine.DefaultMaxDetails)
	v.SetDefault("engine.sweep_interval", d.Engine.SweepInterval)
	v.SetDefault("engine.default_summary_hours", d.Engine.DefaultSummaryHours)
	v.SetDefault("engine.max_summary_hours", d.Engine.MaxSummaryHours)
	v.SetDefault("engine.conflict_retries", d.Engine.ConflictRetries)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.jwt_issuer", d.Auth.JWTIssuer)
	v.SetDefault("auth.cache_ttl", d.Auth.CacheTTL)
	v.SetDefault("auth.cache_size", d.Auth.CacheSize)

	v.SetDefault("rate_limit.requests_per_second", d.RateLimit.RequestsPerSecond)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
	v.SetDefault("rate_limit.idle_ttl", d.RateLimit.IdleTTL)
	v.SetDefault("rate_limit.max_clusters", d.RateLimit.MaxClusters)

	v.SetDefault("archive.after", d.Archive.After)
	v.SetDefault("archive.dir", d.Archive.Dir)
	v.SetDefault("archive.interval", d.Archive.Interval)
}

// NewViper returns a viper instance wired for COORDINATOR_* environment overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads an optional config file into v and decodes the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs field.ErrorList

	if c.DatabasePath == "" {
		errs = append(errs, field.Required(field.NewPath("database_path"), ""))
	}

	engine := field.NewPath("engine")
	for _, f := range []struct {
		name  string
		value int
	}{
		{"default_expected_nodes", c.Engine.DefaultExpectedNodes},
		{"poll_batch_size", c.Engine.PollBatchSize},
		{"top_k", c.Engine.TopK},
		{"max_events_per_ingest", c.Engine.MaxEventsPerIngest},
		{"max_summaries_per_ingest", c.Engine.MaxSummariesPerIngest},
		{"default_summary_hours", c.Engine.DefaultSummaryHours},
		{"max_summary_hours", c.Engine.MaxSummaryHours},
	} {
		if f.value <= 0 {
			errs = append(errs, field.Invalid(engine.Child(f.name), f.value, "must be positive"))
		}
	}
	if c.Engine.AggregationDeadline <= 0 {
		errs = append(errs, field.Invalid(engine.Child("aggregation_deadline"), c.Engine.AggregationDeadline.String(), "must be positive"))
	}
	if c.Engine.SweepInterval <= 0 {
		errs = append(errs, field.Invalid(engine.Child("sweep_interval"), c.Engine.SweepInterval.String(), "must be positive"))
	}
	if c.Engine.DefaultMaxDetails < 0 {
		errs = append(errs, field.Invalid(engine.Child("default_max_details"), c.Engine.DefaultMaxDetails, "must not be negative"))
	}
	if c.Engine.DefaultSummaryHours > c.Engine.MaxSummaryHours {
		errs = append(errs, field.Invalid(engine.Child("default_summary_hours"), c.Engine.DefaultSummaryHours, "exceeds max_summary_hours"))
	}
	if c.Engine.ConflictRetries < 0 {
		errs = append(errs, field.Invalid(engine.Child("conflict_retries"), c.Engine.ConflictRetries, "must not be negative"))
	}

	if c.Auth.CacheSize <= 0 {
		errs = append(errs, field.Invalid(field.NewPath("auth", "cache_size"), c.Auth.CacheSize, "must be positive"))
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, field.Invalid(field.NewPath("rate_limit", "requests_per_second"), c.RateLimit.RequestsPerSecond, "must not be negative"))
	}
	if c.Archive.After > 0 && c.Archive.Dir == "" {
		errs = append(errs, field.Required(field.NewPath("archive", "dir"), "required when archival is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errs.ToAggregate())
	}
	return nil
}
