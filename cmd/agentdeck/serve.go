package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/agentdeck/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		addr      string
		noAuth    bool
		rateLimit float64
		burst     int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the agent command surface over HTTP",
		Long: `Serve agent management, messaging and a server-sent event feed per agent.
Requests must carry "Authorization: Bearer $AGENTDECK_API_KEY" unless --no-auth is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEngine(ctx, slog.LevelInfo)
			if err != nil {
				return err
			}
			if e.creds.ServerKey == "" && !noAuth {
				_ = e.close(ctx)
				return errors.New("AGENTDECK_API_KEY is not set (use --no-auth to serve without authentication)")
			}

			server.Version = version
			opts := []server.Option{
				server.WithLogger(e.logger),
				server.WithMetrics(e.metrics),
				server.WithRateLimit(rateLimit, burst),
				server.WithAPIKey(e.creds.ServerKey),
			}
			if noAuth {
				opts = append(opts, server.WithoutAuth())
			}
			srv := server.New(e.coord, opts...)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe(addr) }()

			select {
			case err = <-errCh:
			case <-ctx.Done():
				e.logger.Info("shutting down")
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				err = srv.Shutdown(sctx)
				cancel()
			}
			if cerr := e.close(ctx); err == nil {
				err = cerr
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8420", "Listen address")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "Disable bearer-key authentication")
	cmd.Flags().Float64Var(&rateLimit, "rate-limit", 10, "Requests per second per client (0 disables)")
	cmd.Flags().IntVar(&burst, "rate-burst", 20, "Burst size per client")
	return cmd
}
