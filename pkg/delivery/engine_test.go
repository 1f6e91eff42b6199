package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/plk-sync/hissync/pkg/clients"
	"github.com/plk-sync/hissync/pkg/config"
	"github.com/plk-sync/hissync/pkg/failurelog"
	"github.com/plk-sync/hissync/pkg/metrics"
	"github.com/plk-sync/hissync/pkg/normalize"
)

var fixedNow = time.Date(2024, 3, 5, 14, 30, 0, 0, time.FixedZone("ICT", 7*3600))

// sink records every request body and answers with the status chosen by
// respond for the n-th call (1-based).
type sink struct {
	mu      sync.Mutex
	bodies  [][]byte
	paths   []string
	respond func(n int) (int, string)
	server  *httptest.Server
}

func newSink(t *testing.T, respond func(n int) (int, string)) *sink {
	s := &sink{respond: respond}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		s.mu.Lock()
		s.bodies = append(s.bodies, body)
		s.paths = append(s.paths, r.URL.Path)
		n := len(s.bodies)
		s.mu.Unlock()

		status, text := http.StatusOK, `{"message":"inserted"}`
		if s.respond != nil {
			status, text = s.respond(n)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(text))
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *sink) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies)
}

type pacingRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (p *pacingRecorder) Sleep(_ context.Context, d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sleeps = append(p.sleeps, d)
	return nil
}

func deliveryConfig(s *sink) config.DeliveryConfig {
	cfg := config.Default().Delivery
	cfg.APIURL = s.server.URL + "/raw"
	cfg.PostSleep = 300 * time.Millisecond
	cfg.LogEvery = 2
	return cfg
}

func noRetryClient(t *testing.T) *clients.HTTPClient {
	cfg := clients.DefaultHTTPConfig()
	cfg.Retry.Total = 0
	c := clients.NewHTTPClient(cfg, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func rowsWithHoscodes(codes ...any) []*normalize.Row {
	rows := make([]*normalize.Row, len(codes))
	for i, code := range codes {
		rows[i] = normalize.RowOf("hoscode", code, "visit", int64(i+1))
	}
	return rows
}

func newEngine(t *testing.T, cfg config.DeliveryConfig, failures failurelog.Recorder, pacing *pacingRecorder, opts ...Option) *Engine {
	base := []Option{
		WithFailureLog(failures),
		WithLogger(zaptest.NewLogger(t)),
		WithClock(func() time.Time { return fixedNow }),
		WithSleeper(pacing.Sleep),
	}
	return New(cfg, noRetryClient(t), append(base, opts...)...)
}

func TestSingleModeAllSucceed(t *testing.T) {
	s := newSink(t, nil)
	pacing := &pacingRecorder{}
	e := newEngine(t, deliveryConfig(s), &failurelog.Memory{}, pacing)

	success, failed := e.Deliver(context.Background(), "10_sync_opd.sql", rowsWithHoscodes("11111", "22222", "33333"))

	assert.Equal(t, 3, success)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 3, s.calls())
	assert.Len(t, pacing.sleeps, 3)

	var record map[string]any
	require.NoError(t, json.Unmarshal(s.bodies[0], &record))
	assert.Equal(t, "11111", record["hoscode"])
	assert.Equal(t, "10_sync_opd.sql", record["source"])
	assert.Equal(t, "2024-03-05T07:30:00Z", record["sync_datetime"])
	assert.Equal(t, map[string]any{"hoscode": "11111", "visit": float64(1)}, record["payload"])
	assert.Equal(t, "/raw", s.paths[0])
}

func TestSingleModeSkipsMissingHoscode(t *testing.T) {
	s := newSink(t, nil)
	failures := &failurelog.Memory{}
	pacing := &pacingRecorder{}
	e := newEngine(t, deliveryConfig(s), failures, pacing)

	success, failed := e.Deliver(context.Background(), "10_sync_opd.sql", rowsWithHoscodes("11111", "   "))

	assert.Equal(t, 1, success)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, s.calls())
	assert.Equal(t, []string{"post err: idx=2 missing hoscode"}, failures.Messages())
}

func TestMissingHoscodeNeverSent(t *testing.T) {
	s := newSink(t, nil)
	e := newEngine(t, deliveryConfig(s), &failurelog.Memory{}, &pacingRecorder{})

	rows := rowsWithHoscodes("", " \t", nil)
	rows = append(rows, normalize.RowOf("visit", int64(9)))

	success, failed := e.Deliver(context.Background(), "x", rows)

	assert.Equal(t, 0, success)
	assert.Equal(t, 4, failed)
	assert.Equal(t, 0, s.calls())
}

func TestSingleModeRecordsFailedStatus(t *testing.T) {
	long := strings.Repeat("e", 2*MaxLoggedBody)
	s := newSink(t, func(n int) (int, string) {
		if n == 2 {
			return http.StatusUnprocessableEntity, long
		}
		return http.StatusOK, "{}"
	})
	failures := &failurelog.Memory{}
	e := newEngine(t, deliveryConfig(s), failures, &pacingRecorder{})

	success, failed := e.Deliver(context.Background(), "x", rowsWithHoscodes("11111", "22222", "33333"))

	assert.Equal(t, 2, success)
	assert.Equal(t, 1, failed)
	messages := failures.Messages()
	require.Len(t, messages, 1)
	assert.True(t, strings.HasPrefix(messages[0], "post err: idx=2 hoscode=22222 status=422 body="))
	assert.Equal(t, len("post err: idx=2 hoscode=22222 status=422 body=")+MaxLoggedBody, len(messages[0]))
}

func TestSingleModeTransportError(t *testing.T) {
	s := newSink(t, nil)
	cfg := deliveryConfig(s)
	s.server.Close()

	failures := &failurelog.Memory{}
	e := newEngine(t, cfg, failures, &pacingRecorder{})

	success, failed := e.Deliver(context.Background(), "x", rowsWithHoscodes("11111"))

	assert.Equal(t, 0, success)
	assert.Equal(t, 1, failed)
	messages := failures.Messages()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "post err: idx=1 hoscode=11111 error=")
}

func TestTransportRetriesHideTransientFailures(t *testing.T) {
	s := newSink(t, func(n int) (int, string) {
		if n == 1 {
			return http.StatusServiceUnavailable, "busy"
		}
		return http.StatusOK, "{}"
	})
	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.Retry.Total = 3
	client := clients.NewHTTPClient(httpCfg, zaptest.NewLogger(t),
		clients.WithSleeper(func(context.Context, time.Duration) error { return nil }))

	failures := &failurelog.Memory{}
	e := New(deliveryConfig(s), client, WithFailureLog(failures), WithSleeper((&pacingRecorder{}).Sleep))

	success, failed := e.Deliver(context.Background(), "x", rowsWithHoscodes("11111"))

	assert.Equal(t, 1, success)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 2, s.calls())
	assert.Empty(t, failures.Messages())
}

func TestBatchModeCallCount(t *testing.T) {
	tests := []struct {
		name      string
		rows      int
		batchSize int
		wantSizes []int
	}{
		{"leftover batch", 7, 3, []int{3, 3, 1}},
		{"exact multiple", 6, 3, []int{3, 3}},
		{"single short batch", 2, 5, []int{2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSink(t, nil)
			cfg := deliveryConfig(s)
			cfg.BatchURL = s.server.URL + "/raw/batch"
			cfg.BatchSize = tt.batchSize
			pacing := &pacingRecorder{}
			e := newEngine(t, cfg, &failurelog.Memory{}, pacing)

			codes := make([]any, tt.rows)
			for i := range codes {
				codes[i] = "H" + string(rune('A'+i))
			}
			success, failed := e.Deliver(context.Background(), "x", rowsWithHoscodes(codes...))

			assert.Equal(t, tt.rows, success)
			assert.Equal(t, 0, failed)
			require.Equal(t, len(tt.wantSizes), s.calls())
			assert.Len(t, pacing.sleeps, len(tt.wantSizes))
			for i, want := range tt.wantSizes {
				var batch []map[string]any
				require.NoError(t, json.Unmarshal(s.bodies[i], &batch))
				assert.Len(t, batch, want)
				assert.Equal(t, "/raw/batch", s.paths[i])
			}
		})
	}
}

func TestBatchFailureIsAllOrNothing(t *testing.T) {
	s := newSink(t, func(n int) (int, string) {
		if n == 1 {
			return http.StatusInternalServerError, "db down"
		}
		return http.StatusOK, "{}"
	})
	cfg := deliveryConfig(s)
	cfg.BatchURL = s.server.URL + "/raw/batch"
	cfg.BatchSize = 3

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	failures := &failurelog.Memory{}
	e := newEngine(t, cfg, failures, &pacingRecorder{}, WithMetrics(m))

	success, failed := e.Deliver(context.Background(), "x",
		rowsWithHoscodes("A1", "", "A3", "A4", "A5"))

	assert.Equal(t, 1, success)
	assert.Equal(t, 4, failed)
	assert.Equal(t, 2, s.calls())
	assert.Equal(t, []string{
		"post err: idx=2 missing hoscode",
		"post err: batch idx=1-4 status=500 body=db down",
	}, failures.Messages())

	assert.Equal(t, 3.0, testutil.ToFloat64(m.RecordsDelivered.WithLabelValues("x", metrics.OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsDelivered.WithLabelValues("x", metrics.OutcomeSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsDelivered.WithLabelValues("x", metrics.OutcomeSuccess)))
}

func TestBatchSizeWithoutURLUsesSingleMode(t *testing.T) {
	s := newSink(t, nil)
	cfg := deliveryConfig(s)
	cfg.BatchSize = 50

	e := newEngine(t, cfg, &failurelog.Memory{}, &pacingRecorder{})
	success, failed := e.Deliver(context.Background(), "x", rowsWithHoscodes("A", "B"))

	assert.Equal(t, 2, success)
	assert.Equal(t, 0, failed)
	assert.Equal(t, []string{"/raw", "/raw"}, s.paths)
}

// progressMarks returns the "posted" count of every progress line.
func progressMarks(logs *observer.ObservedLogs) []int64 {
	var marks []int64
	for _, entry := range logs.FilterMessage("progress").All() {
		marks = append(marks, entry.ContextMap()["posted"].(int64))
	}
	return marks
}

func TestProgressMarkers(t *testing.T) {
	tests := []struct {
		name      string
		logEvery  int
		batchSize int
		codes     []any
		want      []int64
	}{
		{"single every two", 2, 1, []any{"A1", "A2", "A3", "A4", "A5"}, []int64{2, 4}},
		{"single skipped rows are not posted", 2, 1, []any{"A1", "", "A3", "A4"}, []int64{2}},
		{"single disabled", 0, 1, []any{"A1", "A2", "A3", "A4"}, nil},
		{"batch crossing thresholds", 2, 3, []any{"A1", "A2", "A3", "A4", "A5", "A6", "A7"}, []int64{3, 6}},
		{"batch disabled", 0, 3, []any{"A1", "A2", "A3", "A4"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSink(t, nil)
			cfg := deliveryConfig(s)
			cfg.LogEvery = tt.logEvery
			if tt.batchSize > 1 {
				cfg.BatchURL = s.server.URL + "/raw/batch"
				cfg.BatchSize = tt.batchSize
			}
			core, logs := observer.New(zap.InfoLevel)
			e := newEngine(t, cfg, &failurelog.Memory{}, &pacingRecorder{}, WithLogger(zap.New(core)))

			e.Deliver(context.Background(), "x", rowsWithHoscodes(tt.codes...))

			assert.Equal(t, tt.want, progressMarks(logs))
		})
	}
}

func TestHoscode(t *testing.T) {
	assert.Equal(t, "11111", Hoscode(normalize.RowOf("hoscode", " 11111 ")))
	assert.Equal(t, "10670", Hoscode(normalize.RowOf("hoscode", int64(10670))))
	assert.Equal(t, "", Hoscode(normalize.RowOf("hoscode", nil)))
	assert.Equal(t, "", Hoscode(normalize.RowOf("other", "x")))
	assert.Equal(t, "", Hoscode(nil))
}
