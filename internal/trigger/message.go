// Package trigger listens on a message bus and starts one sync run per
// message. Messages are handled one at a time; a new run never starts
// before the previous one has finished.
package trigger

import (
	"context"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/plk-sync/hissync/internal/pipeline"
)

// Source labels used when a message does not name its source.
const (
	DefaultMQTTSource  = "mqtt_custom"
	DefaultKafkaSource = "kafka_custom"
)

// Message is a decoded sync request.
type Message struct {
	Source string `json:"source"`
	SQL    string `json:"sql"`
}

// Decode reads payload as {"source": ..., "sql": ...}. A payload that is
// not a JSON object is taken as the SQL text with topic as its source.
// An empty source becomes fallback.
func Decode(topic string, payload []byte, fallback string) Message {
	var raw map[string]any
	var msg Message
	if err := json.Unmarshal(payload, &raw); err == nil && raw != nil {
		msg.Source = strings.TrimSpace(stringField(raw["source"]))
		msg.SQL = stringField(raw["sql"])
	} else {
		msg.Source = strings.TrimSpace(topic)
		msg.SQL = string(payload)
	}
	if msg.Source == "" {
		msg.Source = fallback
	}
	return msg
}

func stringField(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Runner performs one sync run. *pipeline.Coordinator satisfies it.
type Runner interface {
	Run(ctx context.Context, source, sqlText string) pipeline.Outcome
}

// Dispatcher decodes messages and hands them to a Runner one at a time.
type Dispatcher struct {
	runner   Runner
	fallback string
	logger   *zap.Logger
	mu       sync.Mutex
}

// NewDispatcher returns a Dispatcher labelling sourceless messages with
// fallback.
func NewDispatcher(runner Runner, fallback string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		runner:   runner,
		fallback: fallback,
		logger:   logger.With(zap.String("component", "dispatcher")),
	}
}

// Dispatch runs the sync described by payload and returns its outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, topic string, payload []byte) pipeline.Outcome {
	msg := Decode(topic, payload, d.fallback)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Info("message received",
		zap.String("topic", topic),
		zap.String("source", msg.Source),
		zap.Int("sql_bytes", len(msg.SQL)))

	out := d.runner.Run(ctx, msg.Source, msg.SQL)
	d.logger.Info("message handled",
		zap.String("source", msg.Source),
		zap.String("status", out.Status),
		zap.Int("success", out.Success),
		zap.Int("failed", out.Failed))
	return out
}
