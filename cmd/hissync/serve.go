package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/plk-sync/hissync/internal/sinkapi"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the insert-only raw API",
		Long: `Serve the raw API that receives delivered records and stores them in
PostgreSQL (SINK_DATABASE_URL).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := sinkapi.NewPGStore(ctx, a.cfg.Sink, a.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			server := sinkapi.NewServer(store, a.logger, a.metrics, a.tracer)
			return server.ListenAndServe(ctx, a.cfg.Sink.ListenAddr)
		},
	}
	cmd.Flags().String("listen", "", "Listen address")
	return cmd
}
