// Package cmd provides the corpusqa CLI commands.
//
// Commands:
//   - ask: answer a question against the indexed corpus
//   - history: list, show, and delete conversations
//   - quota: show remaining free-tier chats for a user
//   - migrate: apply database migrations
//   - version: show version and configuration
//
// Signal handling and graceful shutdown are implemented via context
// cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/corpusqa/corpusqa/internal/log"
)

var rootCmd = &cobra.Command{
	Use:           "corpusqa",
	Short:         "corpusqa - retrieval-augmented question answering over a document corpus",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the main entry point for the corpusqa CLI.
func Execute() error {
	// Initialize logger once at entry point.
	// Logs go to stderr; stdout is reserved for command output.
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(log.NewWithWriter(os.Stderr, log.Config{Level: level}))

	return rootCmd.Execute()
}

// checkRequiredEnv verifies that GEMINI_API_KEY is set before any
// command that talks to the model provider runs.
func checkRequiredEnv() error {
	if os.Getenv("GEMINI_API_KEY") == "" {
		fmt.Fprintln(os.Stderr, "Error: GEMINI_API_KEY environment variable not set")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "To set your API key:")
		fmt.Fprintln(os.Stderr, "  export GEMINI_API_KEY=your-api-key")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Get your API key at: https://ai.google.dev/")
		return fmt.Errorf("GEMINI_API_KEY not set")
	}
	return nil
}
