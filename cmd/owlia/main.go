// Package main provides the CLI entry point for the OwliaBot agent platform.
//
// OwliaBot connects messaging platforms (Telegram, Discord) and paired HTTP
// devices to LLM providers (Anthropic, OpenAI, command-backed agents) behind
// a policy-checked, audited tool execution pipeline.
//
// # Basic Usage
//
// Start the bot:
//
//	owlia serve --config owlia.yaml
//
// Manage paired devices:
//
//	owlia devices list
//	owlia devices approve <device-id> --tools write
//
// # Environment Variables
//
//   - OWLIA_CONFIG: Path to configuration file (default: owlia.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "owlia.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "owlia",
		Short: "OwliaBot - chat-driven agent platform",
		Long: `OwliaBot connects messaging platforms and paired devices to LLM
providers with policy-checked tool execution.

Supported channels: Telegram, Discord, HTTP devices
Supported LLM providers: Anthropic (Claude), OpenAI (GPT), CLI agents`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildDevicesCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies the OWLIA_CONFIG override when the flag was
// left at its default.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) == "" || path == defaultConfigName {
		if env := strings.TrimSpace(os.Getenv("OWLIA_CONFIG")); env != "" {
			return env
		}
		return defaultConfigName
	}
	return path
}
