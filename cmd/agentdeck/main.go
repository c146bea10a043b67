// Package main is the entry point for the agentdeck CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configFile    string
	verbose       bool
	correlationID string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentdeck",
		Short: "Run several persona-driven LLM agents side by side",
		Long: `agentdeck hosts multiple independent chat agents, each bound to a persona,
streams their responses concurrently and keeps every conversation on disk
so it survives restarts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&correlationID, "correlation-id", "", "Set explicit correlation ID")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newAgentsCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newPersonasCmd())

	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
