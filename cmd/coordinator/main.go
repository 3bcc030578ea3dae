// Package main is the entrypoint of the Policy Hub coordinator. The coordinator
// hands policy simulations to collector nodes, merges their results and
// aggregates the validation telemetry they report.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/utils/clock"

	"github.com/policy-hub/coordinator/internal/config"
	"github.com/policy-hub/coordinator/internal/telemetry/storage"
)

// version is set at build time.
var version = "dev"

var (
	rootCmd = &cobra.Command{
		Use:           "coordinator",
		Short:         "Policy Hub simulation and validation coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configFile string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().String("database-path", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig resolves flags, environment and the config file, in that order of precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.NewViper()
	for key, flag := range map[string]string{
		"database_path": "database-path",
		"log_level":     "log-level",
		"http_addr":     "http-addr",
		"grpc_addr":     "grpc-addr",
		"metrics_addr":  "metrics-addr",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
			}
		}
	}
	return config.Load(v, configFile)
}

func initLogger(level string) (logr.Logger, error) {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zapLog, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zapLog), nil
}

// openStore loads the configuration and opens the database for admin commands.
func openStore(cmd *cobra.Command) (*storage.Store, clock.Clock, logr.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, logr.Logger{}, err
	}
	log, err := initLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, logr.Logger{}, fmt.Errorf("failed to create logger: %w", err)
	}
	store, err := storage.NewStore(storage.StoreConfig{DBPath: cfg.DatabasePath, Logger: log})
	if err != nil {
		return nil, nil, logr.Logger{}, err
	}
	return store, clock.RealClock{}, log, nil
}
