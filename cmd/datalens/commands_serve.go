package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/datalens/internal/agent"
	"github.com/haasonsaas/datalens/internal/agent/providers"
	"github.com/haasonsaas/datalens/internal/config"
	"github.com/haasonsaas/datalens/internal/dataset"
	"github.com/haasonsaas/datalens/internal/observability"
	"github.com/haasonsaas/datalens/internal/query"
	"github.com/haasonsaas/datalens/internal/server"

	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the analysis server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the datalens analysis server",
		Long: `Start the HTTP analysis server.

The server will:
1. Load configuration from the specified file (or defaults)
2. Open the sqlite analytical store and upload staging directory
3. Initialize LLM providers (OpenAI, Anthropic)
4. Serve the dataset and analysis API with Prometheus metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with defaults
  datalens serve

  # Start with a config file
  datalens serve --config /etc/datalens/production.yaml

  # Start with debug logging
  datalens serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "datalens.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(cfg.Logging)
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	tracer, stopTracing := observability.NewTracer(cfg.Tracing, version)
	defer stopTracing(context.Background())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := dataset.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	datasets := dataset.NewRegistry(store, cfg.Storage.DatasetTTL, logger)
	if cfg.Storage.DatasetTTL > 0 {
		datasets.StartJanitor(ctx, cfg.Storage.DatasetTTL/4)
	}

	uploads, err := dataset.NewUploadStore(cfg.Storage.UploadDir, cfg.Limits.MaxUploadBytes)
	if err != nil {
		return fmt.Errorf("opening upload store: %w", err)
	}

	engine := query.NewEngine(store, datasets, query.Config{
		MaxRows: cfg.Limits.MaxRows,
		Timeout: cfg.Limits.QueryTimeout,
	}, metrics, logger)

	providerName := cfg.LLM.Provider
	if providerName == "" {
		providerName = "openai"
	}
	llmProviders, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	runner := agent.NewRunner(llmProviders, datasets, engine, uploads, agent.RunnerConfig{
		MaxSteps:          cfg.Limits.MaxSteps,
		Deadline:          cfg.Limits.Deadline,
		ToolTimeout:       cfg.Limits.QueryTimeout,
		CostCeilingUSD:    cfg.Limits.CostCeilingUSD,
		HeartbeatInterval: agent.DefaultRunnerConfig().HeartbeatInterval,
		DefaultProvider:   providerName,
		DefaultModel:      cfg.LLM.Model,
		ProviderFactory:   buildRequestProvider,
	}, metrics, logger, tracer)

	srv := server.New(runner, datasets, uploads, cfg, metrics, logger)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	logger.Info(ctx, "datalens started",
		"version", version,
		"addr", srv.Addr(),
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
	)

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down")
	return srv.Shutdown(context.Background())
}

// buildRequestProvider constructs an adapter from the credentials carried
// in the request body. The key is used for construction only.
func buildRequestProvider(opts agent.LLMOptions) (agent.Provider, error) {
	switch opts.Provider {
	case "openai", "":
		return providers.NewOpenAIProviderWithConfig(providers.OpenAIConfig{
			APIKey:  opts.APIKey,
			BaseURL: opts.BaseURL,
		}), nil
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  opts.APIKey,
			BaseURL: opts.BaseURL,
		})
	}
	return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
}

// buildProviders wires every provider with a configured credential. The
// configured default provider must be among them.
func buildProviders(cfg *config.Config) (map[string]agent.Provider, error) {
	result := make(map[string]agent.Provider)

	switch cfg.LLM.Provider {
	case "openai", "":
		result["openai"] = providers.NewOpenAIProviderWithConfig(providers.OpenAIConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
		})
	case "anthropic":
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		result["anthropic"] = p
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
	return result, nil
}
