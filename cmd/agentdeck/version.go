package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/szaher/agentdeck/internal/history"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentdeck version %s (history format %d)\n", version, history.FormatVersion)
		},
	}
}
