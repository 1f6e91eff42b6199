// Package extract runs sync SQL against the source database and returns
// normalized rows. Each attempt uses its own connection, which is closed
// before the attempt returns; a broken connection is never reused.
package extract

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/plk-sync/hissync/pkg/config"
	"github.com/plk-sync/hissync/pkg/errors"
	"github.com/plk-sync/hissync/pkg/failurelog"
	"github.com/plk-sync/hissync/pkg/logger"
	"github.com/plk-sync/hissync/pkg/metrics"
	"github.com/plk-sync/hissync/pkg/normalize"
	"github.com/plk-sync/hissync/pkg/retry"
)

// Attempt results recorded in metrics.
const (
	resultSuccess   = "success"
	resultRetryable = "retryable"
	resultFatal     = "fatal"
)

// Extractor fetches rows with bounded, classified retries.
type Extractor struct {
	open     Opener
	policy   retry.Policy
	failures failurelog.Recorder
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithFailureLog sets where failed attempts are recorded.
func WithFailureLog(r failurelog.Recorder) Option {
	return func(e *Extractor) { e.failures = r }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// WithMetrics records attempts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Extractor) { e.metrics = m }
}

// WithSleeper replaces the backoff sleep.
func WithSleeper(s retry.Sleeper) Option {
	return func(e *Extractor) { e.policy = e.policy.WithSleeper(s) }
}

// New returns an Extractor making retryTotal+1 attempts at most, waiting
// backoff*2^i after the failed attempt i.
func New(open Opener, retryTotal int, backoff time.Duration, opts ...Option) *Extractor {
	e := &Extractor{
		open:     open,
		policy:   retry.NewPolicy(retryTotal, backoff),
		failures: failurelog.Nop{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewFromConfig builds the Opener for cfg and returns an Extractor using it.
func NewFromConfig(cfg config.DatabaseConfig, opts ...Option) (*Extractor, error) {
	open, err := NewOpener(cfg)
	if err != nil {
		return nil, err
	}
	e := New(open, cfg.RetryTotal, cfg.RetryBackoff, opts...)
	e.logger.Debug("extractor ready", zap.String("database", describe(cfg)))
	return e, nil
}

// Fetch executes sqlText verbatim and returns every result row normalized.
// When all attempts fail the returned error has type ErrorTypeExtraction and
// wraps the last attempt's error.
func (e *Extractor) Fetch(ctx context.Context, sqlText string) ([]*normalize.Row, error) {
	log := logger.WithContext(ctx, e.logger)
	attempts := e.policy.Attempts()

	var rows []*normalize.Row
	err := e.policy.Execute(ctx, func(attempt int) error {
		var err error
		rows, err = e.attempt(ctx, sqlText)
		if err == nil {
			e.metrics.Attempt(resultSuccess)
		}
		return err
	}, func(attempt int, err error) {
		class := errors.ClassOf(err)
		if class == errors.Retryable {
			e.metrics.Attempt(resultRetryable)
		} else {
			e.metrics.Attempt(resultFatal)
		}
		e.failures.Append(fmt.Sprintf("sql err: attempt=%d/%d error=%v", attempt+1, attempts, err))
		log.Warn("fetch attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", attempts),
			zap.Stringer("class", class),
			zap.Error(err))
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeExtraction, "fetch failed")
	}

	log.Debug("fetch finished", zap.Int("rows", len(rows)))
	return rows, nil
}

func (e *Extractor) attempt(ctx context.Context, sqlText string) ([]*normalize.Row, error) {
	db, err := e.open(ctx)
	if err != nil {
		return nil, classified(err, errors.ErrorTypeConnection, "open connection")
	}
	defer db.Close()

	rs, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, classified(err, errors.ErrorTypeQuery, "execute query")
	}
	defer rs.Close()

	rows, err := scan(rs)
	if err != nil {
		return nil, classified(err, errors.ErrorTypeQuery, "read result")
	}
	return rows, nil
}

// scan reads every row, tagging fixed-point and date columns so the
// normalizer can convert them.
func scan(rs *sql.Rows) ([]*normalize.Row, error) {
	types, err := rs.ColumnTypes()
	if err != nil {
		return nil, err
	}
	columns := make([]string, len(types))
	kinds := make([]columnKind, len(types))
	for i, ct := range types {
		columns[i] = ct.Name()
		kinds[i] = kindOf(ct.DatabaseTypeName())
	}

	var out []*normalize.Row
	values := make([]any, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	for rs.Next() {
		if err := rs.Scan(dest...); err != nil {
			return nil, err
		}
		row := normalize.NewRow(len(columns))
		for i, col := range columns {
			row.Set(col, normalize.Value(tag(values[i], kinds[i])))
		}
		out = append(out, row)
	}
	if err := rs.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type columnKind int

const (
	kindOther columnKind = iota
	kindDecimal
	kindDate
)

func kindOf(dbType string) columnKind {
	switch strings.ToUpper(dbType) {
	case "DECIMAL", "NUMERIC", "NEWDECIMAL":
		return kindDecimal
	case "DATE":
		return kindDate
	}
	return kindOther
}

func tag(v any, kind columnKind) any {
	switch kind {
	case kindDecimal:
		switch x := v.(type) {
		case []byte:
			return normalize.Decimal(x)
		case string:
			return normalize.Decimal(x)
		}
	case kindDate:
		if t, ok := v.(time.Time); ok {
			return normalize.Date(t)
		}
	}
	return v
}
