package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/woxQAQ/fp-provider-runtime/internal/config"
	"github.com/woxQAQ/fp-provider-runtime/internal/provider"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	flags := pflag.NewFlagSet("fp-host", pflag.ExitOnError)
	configPath := flags.String("config", "", "Path to configuration file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringSlice("provider-path", nil, "Directories scanned for providers")
	manifestSchema := flags.Bool("manifest-schema", false, "Print the JSON Schema of manifest.yaml and exit")

	var opts options
	flags.StringVar(&opts.Provider, "provider", "", "Provider name, or a provider directory")
	flags.StringVar(&opts.Op, "op", "capabilities", "Operation: capabilities, invoke2, query-types, config-schema, create-cells, extract-data")
	flags.StringVar(&opts.ProviderConfig, "provider-config", "", "Provider configuration as a YAML mapping")
	flags.StringVar(&opts.QueryType, "query-type", "", "Query type for invoke2 and create-cells")
	flags.StringVar(&opts.QueryData, "query-data", "", "Form encoded query data for invoke2")
	flags.StringVar(&opts.ResponseFile, "response-file", "", "Response blob for create-cells and extract-data")
	flags.StringVar(&opts.ResponseMimeType, "response-mime-type", "", "MIME type of --response-file")
	flags.StringVar(&opts.MimeType, "mime-type", "", "Target MIME type for extract-data")
	flags.StringVar(&opts.Query, "query", "", "Optional query for extract-data")
	_ = flags.Parse(os.Args[1:])

	if *manifestSchema {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(provider.ManifestSchema()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Debug("Starting fp-host",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := run(ctx, cfg, opts, logger, os.Stdout); err != nil {
		logger.Error("Command failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// newLogger builds a development logger for debug and a production logger
// at the given level otherwise.
func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
