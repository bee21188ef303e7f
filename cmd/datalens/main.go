// Package main is the CLI entry point for the datalens analysis service.
//
// Datalens answers natural-language questions about uploaded tabular data
// by driving an LLM through a whitelisted query toolchain over sqlite.
//
// Start the server:
//
//	datalens serve --config datalens.yaml
//
// Environment variables:
//
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - DATALENS_DB_PATH: sqlite database path override
//   - DATALENS_LOG_LEVEL: log level override (debug, info, warn, error)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build metadata, injected at link time:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "datalens",
		Short:   "LLM-driven analysis over tabular data",
		Long:    "Datalens hosts an analysis API that answers questions about uploaded CSV data\nthrough a tool-calling LLM loop with a whitelisted SQL compiler.",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("datalens %s (commit: %s)\n", version, commit)
		},
	}
}
