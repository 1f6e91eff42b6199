// Package delivery pushes normalized rows to the remote sink.
//
// Rows go one per request to the API endpoint, or grouped into fixed-size
// batches to the batch endpoint when batch mode is configured. A failed row
// or batch is counted and recorded in the failure log; it never stops the
// rest of the run. Transient HTTP failures are retried underneath by the
// client's transport, so a failure counted here is one whose retries were
// exhausted.
package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/plk-sync/hissync/pkg/config"
	"github.com/plk-sync/hissync/pkg/failurelog"
	"github.com/plk-sync/hissync/pkg/logger"
	"github.com/plk-sync/hissync/pkg/metrics"
	"github.com/plk-sync/hissync/pkg/normalize"
	"github.com/plk-sync/hissync/pkg/retry"
)

// MaxLoggedBody bounds how much of a failed response is written to the
// failure log.
const MaxLoggedBody = 512

var jsonHeaders = map[string]string{"Content-Type": "application/json"}

// Poster sends one POST request. *clients.HTTPClient satisfies it.
type Poster interface {
	Post(ctx context.Context, url string, body []byte, headers map[string]string) (*http.Response, error)
}

// Engine delivers rows according to a DeliveryConfig.
type Engine struct {
	cfg      config.DeliveryConfig
	client   Poster
	failures failurelog.Recorder
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	sleep    retry.Sleeper
}

// Option configures an Engine.
type Option func(*Engine)

// WithFailureLog sets where failed rows and batches are recorded.
func WithFailureLog(r failurelog.Recorder) Option {
	return func(e *Engine) { e.failures = r }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records delivery outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the clock used for sync_datetime.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSleeper replaces the pacing sleep.
func WithSleeper(s retry.Sleeper) Option {
	return func(e *Engine) { e.sleep = s }
}

// New returns an Engine posting through client. The client should be shared
// by every request of a run so connections are reused.
func New(cfg config.DeliveryConfig, client Poster, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		client:   client,
		failures: failurelog.Nop{},
		logger:   zap.NewNop(),
		now:      time.Now,
		sleep:    retry.SleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "delivery"))
	if cfg.BatchSize > 1 && !cfg.BatchMode() {
		e.logger.Warn("batch size set without a batch url, delivering one row per request",
			zap.Int("batch_size", cfg.BatchSize))
	}
	return e
}

// Deliver sends rows labelled with source and returns how many rows the sink
// accepted and how many failed. Rows without a hoscode are never sent and
// count as failed.
func (e *Engine) Deliver(ctx context.Context, source string, rows []*normalize.Row) (success, failed int) {
	log := logger.WithContext(ctx, e.logger)
	if e.cfg.BatchMode() {
		success, failed = e.deliverBatches(ctx, log, source, rows)
	} else {
		success, failed = e.deliverRows(ctx, log, source, rows)
	}
	e.metrics.Delivered(source, metrics.OutcomeSuccess, success)
	return success, failed
}

func (e *Engine) deliverRows(ctx context.Context, log *zap.Logger, source string, rows []*normalize.Row) (success, failed int) {
	processed := 0
	for i, row := range rows {
		idx := i + 1
		hoscode := Hoscode(row)
		if hoscode == "" {
			failed++
			e.skip(log, source, idx)
			continue
		}

		record := NewRecord(source, row, e.now())
		if ok := e.postOne(ctx, log, source, idx, record); ok {
			success++
		} else {
			failed++
		}

		processed++
		if e.cfg.LogEvery > 0 && processed%e.cfg.LogEvery == 0 {
			log.Info("progress", zap.Int("posted", processed), zap.Int("total", len(rows)))
		}
		e.pace(ctx)
	}
	return success, failed
}

func (e *Engine) postOne(ctx context.Context, log *zap.Logger, source string, idx int, record SyncRecord) bool {
	body, err := json.Marshal(record)
	if err != nil {
		e.fail(log, source, 1, fmt.Sprintf("post err: idx=%d hoscode=%s error=%v", idx, record.Hoscode, err))
		return false
	}

	resp, err := e.client.Post(ctx, e.cfg.APIURL, body, jsonHeaders)
	if err != nil {
		e.fail(log, source, 1, fmt.Sprintf("post err: idx=%d hoscode=%s error=%v", idx, record.Hoscode, err))
		return false
	}
	status, text := readResponse(resp)
	if status < 300 {
		return true
	}
	e.fail(log, source, 1, fmt.Sprintf("post err: idx=%d hoscode=%s status=%d body=%s",
		idx, record.Hoscode, status, text))
	return false
}

type indexedRecord struct {
	idx    int
	record SyncRecord
}

func (e *Engine) deliverBatches(ctx context.Context, log *zap.Logger, source string, rows []*normalize.Row) (success, failed int) {
	size := e.cfg.BatchSize
	batch := make([]indexedRecord, 0, size)
	processed := 0

	flush := func() {
		ok := e.postBatch(ctx, log, source, batch)
		if ok {
			success += len(batch)
		} else {
			failed += len(batch)
		}
		before := processed
		processed += len(batch)
		if e.cfg.LogEvery > 0 && processed/e.cfg.LogEvery > before/e.cfg.LogEvery {
			log.Info("progress", zap.Int("posted", processed), zap.Int("total", len(rows)))
		}
		batch = batch[:0]
		e.pace(ctx)
	}

	for i, row := range rows {
		idx := i + 1
		if Hoscode(row) == "" {
			failed++
			e.skip(log, source, idx)
			continue
		}
		// Records are stamped when their batch is assembled.
		batch = append(batch, indexedRecord{idx: idx, record: NewRecord(source, row, e.now())})
		if len(batch) >= size {
			flush()
		}
	}
	if len(batch) > 0 {
		flush()
	}
	return success, failed
}

func (e *Engine) postBatch(ctx context.Context, log *zap.Logger, source string, batch []indexedRecord) bool {
	first, last := batch[0].idx, batch[len(batch)-1].idx
	records := make([]SyncRecord, len(batch))
	for i, b := range batch {
		records[i] = b.record
	}

	body, err := json.Marshal(records)
	if err != nil {
		e.fail(log, source, len(batch), fmt.Sprintf("post err: batch idx=%d-%d error=%v", first, last, err))
		return false
	}

	resp, err := e.client.Post(ctx, e.cfg.BatchURL, body, jsonHeaders)
	if err != nil {
		e.fail(log, source, len(batch), fmt.Sprintf("post err: batch idx=%d-%d error=%v", first, last, err))
		return false
	}
	status, text := readResponse(resp)
	if status < 300 {
		return true
	}
	e.fail(log, source, len(batch), fmt.Sprintf("post err: batch idx=%d-%d status=%d body=%s",
		first, last, status, text))
	return false
}

func (e *Engine) skip(log *zap.Logger, source string, idx int) {
	e.failures.Append(fmt.Sprintf("post err: idx=%d missing hoscode", idx))
	e.metrics.Delivered(source, metrics.OutcomeSkipped, 1)
	log.Warn("skipping row without hoscode", zap.Int("idx", idx))
}

func (e *Engine) fail(log *zap.Logger, source string, n int, message string) {
	e.failures.Append(message)
	e.metrics.Delivered(source, metrics.OutcomeFailed, n)
	log.Warn("delivery failed", zap.Int("records", n), zap.String("detail", message))
}

// pace waits the configured interval between network attempts. A cancelled
// context ends the wait early; the run still completes its accounting.
func (e *Engine) pace(ctx context.Context) {
	if e.cfg.PostSleep <= 0 {
		return
	}
	_ = e.sleep(ctx, e.cfg.PostSleep)
}

// readResponse returns the status and at most MaxLoggedBody bytes of the
// body, then drains and closes it so the connection can be reused.
func readResponse(resp *http.Response) (int, string) {
	defer resp.Body.Close()
	head, _ := io.ReadAll(io.LimitReader(resp.Body, MaxLoggedBody))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, strings.TrimSpace(string(head))
}
