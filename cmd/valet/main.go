// Package main provides the CLI entry point for the Valet assistant.
//
// Valet is a personal conversational assistant with local tools: document
// RAG, web search, plotting, scheduled digests, and project file editing.
//
// # Basic Usage
//
// Start the HTTP server:
//
//	valet serve
//
// Chat from the terminal:
//
//	valet chat
//
// # Environment Variables
//
// Configuration comes from the environment, optionally seeded from a .env
// file:
//
//   - VALET_API_KEY / OPENAI_API_KEY: chat-completion API key
//   - VALET_API_BASE: OpenAI-compatible API base URL
//   - BRAVE_API_KEY: Brave Search API key for the web tools
//   - VALET_DATA_DIR: data directory (default: ~/.valet)
//   - VALET_ADDR: serve listen address (default: 127.0.0.1:8050)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build metadata, set via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "valet",
		Short: "Valet - personal assistant with local tools",
		Long: `Valet is a conversational assistant backed by any OpenAI-compatible API.

It keeps conversations in a local SQLite database and gives the model
tools for document retrieval, web search, plotting, market data,
scheduled digests, and project file editing.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildTasksCmd(),
	)

	return rootCmd
}
