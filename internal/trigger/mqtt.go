package trigger

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/plk-sync/hissync/pkg/config"
)

// MQTTListener subscribes to one topic and dispatches every message.
type MQTTListener struct {
	cfg        config.MQTTConfig
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewMQTTListener returns a listener for cfg.
func NewMQTTListener(cfg config.MQTTConfig, dispatcher *Dispatcher, logger *zap.Logger) *MQTTListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTListener{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger.With(zap.String("component", "mqtt_listener")),
	}
}

// Run connects, subscribes and blocks until ctx is cancelled. The client
// reconnects and resubscribes on its own after a dropped connection.
func (l *MQTTListener) Run(ctx context.Context) error {
	if l.cfg.BrokerURL == "" {
		return fmt.Errorf("mqtt broker url is not configured")
	}

	opts := l.clientOptions(ctx)
	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("mqtt connect to %s timed out", l.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	<-ctx.Done()
	l.logger.Info("stopping mqtt listener")
	client.Disconnect(250)
	return nil
}

func (l *MQTTListener) clientOptions(ctx context.Context) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(l.cfg.BrokerURL).
		SetClientID(l.cfg.ClientID).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(true).
		SetCleanSession(true).
		// Handlers run one at a time in arrival order.
		SetOrderMatters(true)

	if l.cfg.Username != "" {
		opts.SetUsername(l.cfg.Username)
		opts.SetPassword(l.cfg.Password)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		l.logger.Info("connected", zap.String("broker", l.cfg.BrokerURL))
		token := c.Subscribe(l.cfg.Topic, byte(l.cfg.QoS), l.handler(ctx))
		token.Wait()
		if err := token.Error(); err != nil {
			l.logger.Error("subscribe failed", zap.String("topic", l.cfg.Topic), zap.Error(err))
			return
		}
		l.logger.Info("subscribed", zap.String("topic", l.cfg.Topic))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		l.logger.Warn("connection lost", zap.Error(err))
	})
	return opts
}

func (l *MQTTListener) handler(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if ctx.Err() != nil {
			return
		}
		l.dispatcher.Dispatch(ctx, msg.Topic(), msg.Payload())
	}
}
