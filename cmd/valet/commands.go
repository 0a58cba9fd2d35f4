// commands.go contains the cobra command definitions and their flags.
// Each builder creates a command and wires it to its handler.
package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the HTTP API.
func buildServeCmd() *cobra.Command {
	var (
		envFile string
		addr    string
		debug   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Valet HTTP server",
		Long: `Start the HTTP server with the conversation API and the scheduler.

The server will:
1. Load settings from the environment (and an optional .env file)
2. Open the SQLite database under the data directory
3. Start the cron scheduler for digests and reminders
4. Serve the conversation API and Prometheus metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with defaults
  valet serve

  # Custom listen address and env file
  valet serve --addr 0.0.0.0:9000 --env /etc/valet/.env`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), envFile, addr, debug)
		},
	}

	cmd.Flags().StringVar(&envFile, "env", "", "Path to a .env file (default: ./.env)")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides VALET_ADDR)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// buildChatCmd creates the "chat" command, a terminal REPL against the
// same orchestrator the server uses.
func buildChatCmd() *cobra.Command {
	var (
		envFile        string
		conversationID int64
		useRAG         bool
		useWeb         bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with Valet from the terminal",
		Example: `  # New conversation
  valet chat

  # Continue conversation 3 with web search enabled
  valet chat --conversation 3 --web`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), envFile, conversationID, useRAG, useWeb)
		},
	}

	cmd.Flags().StringVar(&envFile, "env", "", "Path to a .env file (default: ./.env)")
	cmd.Flags().Int64Var(&conversationID, "conversation", 0, "Conversation to continue (default: new)")
	cmd.Flags().BoolVar(&useRAG, "rag", false, "Enable document retrieval")
	cmd.Flags().BoolVar(&useWeb, "web", false, "Enable web search tools")

	return cmd
}

// buildTasksCmd creates the "tasks" command that lists scheduled tasks.
func buildTasksCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(envFile)
		},
	}

	cmd.Flags().StringVar(&envFile, "env", "", "Path to a .env file (default: ./.env)")

	return cmd
}
