package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/plk-sync/hissync/pkg/config"
)

// KafkaListener consumes one topic as part of a consumer group and
// dispatches every message.
type KafkaListener struct {
	cfg        config.KafkaConfig
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewKafkaListener returns a listener for cfg.
func NewKafkaListener(cfg config.KafkaConfig, dispatcher *Dispatcher, logger *zap.Logger) *KafkaListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaListener{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger.With(zap.String("component", "kafka_listener")),
	}
}

// Run joins the consumer group and blocks until ctx is cancelled.
func (l *KafkaListener) Run(ctx context.Context) error {
	if len(l.cfg.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are not configured")
	}

	group, err := sarama.NewConsumerGroup(l.cfg.Brokers, l.cfg.Group, l.saramaConfig())
	if err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	defer group.Close()

	l.logger.Info("subscribed to Kafka topic",
		zap.String("topic", l.cfg.Topic),
		zap.String("consumer_group", l.cfg.Group))

	for {
		// Consume returns on every rebalance.
		if err := group.Consume(ctx, []string{l.cfg.Topic}, l); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			l.logger.Error("consumer group error", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			l.logger.Info("stopping kafka listener")
			return nil
		}
	}
}

func (l *KafkaListener) saramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "hissync"
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = false
	return cfg
}

// Setup implements sarama.ConsumerGroupHandler
func (l *KafkaListener) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup implements sarama.ConsumerGroupHandler
func (l *KafkaListener) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim implements sarama.ConsumerGroupHandler. A message is marked
// once its run has finished, whatever the outcome.
func (l *KafkaListener) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			l.dispatcher.Dispatch(session.Context(), message.Topic, message.Value)
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}
