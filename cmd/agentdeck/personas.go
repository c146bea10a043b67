package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/szaher/agentdeck/internal/persona"
)

func newPersonasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List available personas",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(slog.LevelWarn)
			if err != nil {
				return err
			}
			cat := persona.NewCatalog(s.cfg.PersonaDir, s.logger)
			if err := cat.Load(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			return listPersonas(cat.All(), s.cfg.DefaultModel, cmd.OutOrStdout())
		},
	}
}

func listPersonas(all []*persona.Persona, defaultModel string, out io.Writer) error {
	if len(all) == 0 {
		fmt.Fprintln(out, "No personas found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMODEL\tHISTORY\tDESCRIPTION")
	for _, p := range all {
		model := p.Model
		if model == "" {
			model = defaultModel
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", p.Name, model, p.HistoryEnabled(), p.Description)
	}
	return w.Flush()
}
