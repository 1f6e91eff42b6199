package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/plk-sync/hissync/internal/trigger"
)

func newListenCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run syncs on message-bus requests",
		Long: `Listen on a message bus and run one sync per message.

A message is either {"source": "...", "sql": "..."} or the SQL text itself,
in which case the topic is used as the source label. Messages are handled one
at a time.`,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "mqtt",
		Short: "Listen on an MQTT topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listen(cmd, flags, func(a *app, d *trigger.Dispatcher) runner {
				return trigger.NewMQTTListener(a.cfg.MQTT, d, a.logger)
			}, trigger.DefaultMQTTSource)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "kafka",
		Short: "Consume a Kafka topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listen(cmd, flags, func(a *app, d *trigger.Dispatcher) runner {
				return trigger.NewKafkaListener(a.cfg.Kafka, d, a.logger)
			}, trigger.DefaultKafkaSource)
		},
	})
	return cmd
}

type runner interface {
	Run(ctx context.Context) error
}

func listen(cmd *cobra.Command, flags *rootFlags, build func(*app, *trigger.Dispatcher) runner, fallback string) error {
	a, err := newApp(cmd, flags)
	if err != nil {
		return err
	}
	defer a.close()

	coord, err := a.coordinator()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.serveMetrics(ctx)
	return build(a, trigger.NewDispatcher(coord, fallback, a.logger)).Run(ctx)
}
