package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/szaher/agentdeck/internal/history"
)

// withStore opens the configured history store for a one-shot command.
func withStore(ctx context.Context, fn func(history.Store) error) error {
	s, err := loadSettings(slog.LevelWarn)
	if err != nil {
		return err
	}
	store, release, err := openStore(ctx, s)
	if err != nil {
		return err
	}
	defer release()
	return fn(store)
}

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents with stored history",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(store history.Store) error {
				return listAgents(ctx, store, cmd.OutOrStdout())
			})
		},
	}
}

func listAgents(ctx context.Context, store history.Store, out io.Writer) error {
	ids, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(out, "No stored agents.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPERSONA\tMESSAGES\tARCHIVES\tUPDATED")
	for _, id := range ids {
		rec, err := store.Load(ctx, id)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t-\t-\t%v\n", id, err)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", id, rec.Persona, len(rec.Messages), rec.SummarizationCount,
			rec.LastUpdated.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and manage stored conversations",
	}
	cmd.AddCommand(newHistoryShowCmd(), newHistoryDeleteCmd(), newHistoryExportCmd())
	return cmd
}

func newHistoryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Print a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(store history.Store) error {
				rec, err := store.Load(ctx, args[0])
				if err != nil {
					return err
				}
				printRecord(cmd.OutOrStdout(), rec)
				return nil
			})
		},
	}
}

func printRecord(out io.Writer, rec history.Record) {
	fmt.Fprintf(out, "%s (persona %s, %d messages, %d archives)\n\n", rec.AgentID, rec.Persona, len(rec.Messages), rec.SummarizationCount)
	for _, m := range rec.Messages {
		label := string(m.Role)
		if m.Summary {
			label = "summary"
		}
		fmt.Fprintf(out, "[%s] %s\n", label, m.Content)
		if m.Incomplete {
			fmt.Fprintf(out, "  (incomplete: %s)\n", m.Reason)
		}
	}
}

func newHistoryDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <agent-id>",
		Short: "Delete a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(store history.Store) error {
				if err := store.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted history for %s.\n", args[0])
				return nil
			})
		},
	}
}

func newHistoryExportCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <agent-id>",
		Short: "Write a stored conversation as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(store history.Store) error {
				w := cmd.OutOrStdout()
				if output != "" && output != "-" {
					f, err := os.Create(output)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				return history.Export(ctx, store, args[0], w)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")
	return cmd
}
