// Package pipeline sequences one sync run: extract rows with the supplied
// SQL, deliver them, and report the counts.
//
// # Overview
//
// A Coordinator never returns an error. Every path, including a failed
// extraction, yields an Outcome plus log entries, so a listener that calls
// Run for each message can keep serving after a bad run.
//
// # Basic Usage
//
//	c := pipeline.NewCoordinator(extractor, engine,
//	    pipeline.WithLogger(logger),
//	    pipeline.WithMetrics(m),
//	)
//	out := c.Run(ctx, "10_sync_opd.sql", sqlText)
//	fmt.Printf("success=%d failed=%d\n", out.Success, out.Failed)
//
// Runs are synchronous. Callers that may receive overlapping triggers must
// serialize their calls to Run.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/plk-sync/hissync/pkg/logger"
	"github.com/plk-sync/hissync/pkg/metrics"
	"github.com/plk-sync/hissync/pkg/normalize"
	"github.com/plk-sync/hissync/pkg/observability"
)

// Run statuses.
const (
	StatusSuccess = "success"
	StatusFail    = "fail"
	StatusSkipped = "skipped"
	StatusNoData  = "no_data"
	StatusError   = "error"
)

// Fetcher returns the normalized rows produced by sqlText.
type Fetcher interface {
	Fetch(ctx context.Context, sqlText string) ([]*normalize.Row, error)
}

// Deliverer sends rows to the sink and counts the outcome.
type Deliverer interface {
	Deliver(ctx context.Context, source string, rows []*normalize.Row) (success, failed int)
}

// Outcome is the aggregate result of one run. Rows skipped for a missing
// hoscode are included in Failed.
type Outcome struct {
	RunID   string `json:"run_id"`
	Success int    `json:"success"`
	Failed  int    `json:"failed"`
	// Status is one of the Status* constants
	Status string `json:"status"`
}

// OK reports whether no row failed.
func (o Outcome) OK() bool { return o.Failed == 0 }

// Coordinator runs extract then deliver.
type Coordinator struct {
	fetcher   Fetcher
	deliverer Deliverer
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	newID     func() string
	now       func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics records run outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTracer traces each run.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// WithRunIDs overrides run ID generation.
func WithRunIDs(newID func() string) Option {
	return func(c *Coordinator) { c.newID = newID }
}

// NewCoordinator returns a Coordinator using fetcher and deliverer.
func NewCoordinator(fetcher Fetcher, deliverer Deliverer, opts ...Option) *Coordinator {
	c := &Coordinator{
		fetcher:   fetcher,
		deliverer: deliverer,
		logger:    zap.NewNop(),
		newID:     uuid.NewString,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "coordinator"))
	c.tracer = observability.Tracer(c.tracer)
	return c
}

// Run performs one sync of source using sqlText.
func (c *Coordinator) Run(ctx context.Context, source, sqlText string) Outcome {
	started := c.now()
	out := Outcome{RunID: c.newID()}

	ctx = logger.WithRun(ctx, out.RunID, source)
	log := logger.WithContext(ctx, c.logger)

	ctx, span := c.tracer.Start(ctx, "sync.run", trace.WithAttributes(
		attribute.String("sync.source", source),
		attribute.String("sync.run_id", out.RunID),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("sync.status", out.Status),
			attribute.Int("sync.success", out.Success),
			attribute.Int("sync.failed", out.Failed),
		)
		span.End()
		c.metrics.ObserveRun(source, out.Status, c.now().Sub(started))
	}()

	if strings.TrimSpace(sqlText) == "" {
		log.Info("skip, empty SQL")
		out.Status = StatusSkipped
		return out
	}

	rows, err := c.extract(ctx, sqlText)
	if err != nil {
		log.Error("extraction failed", zap.Error(err))
		out.Status = StatusError
		return out
	}
	c.metrics.Extracted(source, len(rows))

	if len(rows) == 0 {
		log.Info("no data")
		out.Status = StatusNoData
		return out
	}

	out.Success, out.Failed = c.deliver(ctx, source, rows)
	out.Status = StatusSuccess
	if !out.OK() {
		out.Status = StatusFail
	}

	log.Info(fmt.Sprintf("success=%d failed=%d", out.Success, out.Failed),
		zap.Int("rows", len(rows)),
		zap.Int("success", out.Success),
		zap.Int("failed", out.Failed),
		zap.String("status", out.Status),
		zap.Duration("elapsed", c.now().Sub(started)))
	return out
}

func (c *Coordinator) extract(ctx context.Context, sqlText string) ([]*normalize.Row, error) {
	ctx, span := c.tracer.Start(ctx, "sync.extract")
	rows, err := c.fetcher.Fetch(ctx, sqlText)
	span.SetAttributes(attribute.Int("sync.rows", len(rows)))
	observability.EndSpan(span, err)
	return rows, err
}

func (c *Coordinator) deliver(ctx context.Context, source string, rows []*normalize.Row) (int, int) {
	ctx, span := c.tracer.Start(ctx, "sync.deliver", trace.WithAttributes(attribute.Int("sync.rows", len(rows))))
	defer span.End()
	success, failed := c.deliverer.Deliver(ctx, source, rows)
	span.SetAttributes(attribute.Int("sync.success", success), attribute.Int("sync.failed", failed))
	return success, failed
}
