package pipeline

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/plk-sync/hissync/pkg/clients"
	"github.com/plk-sync/hissync/pkg/config"
	"github.com/plk-sync/hissync/pkg/delivery"
	"github.com/plk-sync/hissync/pkg/extract"
	"github.com/plk-sync/hissync/pkg/failurelog"
	"github.com/plk-sync/hissync/pkg/metrics"
	"github.com/plk-sync/hissync/pkg/normalize"
)

const syncSQL = "SELECT hoscode, hn FROM patients"

type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

// harness wires a real extractor and delivery engine against sqlmock
// connections and an httptest sink.
type harness struct {
	t        *testing.T
	attempts []func(sqlmock.Sqlmock)
	opened   int32
	posts    int32
	status   int
	failures *failurelog.Memory
	dbSleeps *sleeps
	reg      *prometheus.Registry
	metrics  *metrics.Metrics
	spans    *tracetest.SpanRecorder
	logs     *observer.ObservedLogs
	coord    *Coordinator
}

func newHarness(t *testing.T, attempts ...func(sqlmock.Sqlmock)) *harness {
	h := &harness{
		t:        t,
		attempts: attempts,
		status:   http.StatusOK,
		failures: &failurelog.Memory{},
		dbSleeps: &sleeps{},
		reg:      prometheus.NewRegistry(),
		spans:    tracetest.NewSpanRecorder(),
	}
	h.metrics = metrics.New(h.reg)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		atomic.AddInt32(&h.posts, 1)
		w.WriteHeader(h.status)
	}))
	t.Cleanup(srv.Close)

	core, logs := observer.New(zap.InfoLevel)
	h.logs = logs
	log := zap.New(core)

	dbCfg := config.Default().Database
	extractor := extract.New(h.open, dbCfg.RetryTotal, dbCfg.RetryBackoff,
		extract.WithSleeper(h.dbSleeps.Sleep),
		extract.WithFailureLog(h.failures),
		extract.WithLogger(log))

	deliveryCfg := config.Default().Delivery
	deliveryCfg.APIURL = srv.URL + "/raw"
	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.Retry.Total = 0
	client := clients.NewHTTPClient(httpCfg, log)
	t.Cleanup(func() { _ = client.Close() })

	engine := delivery.New(deliveryCfg, client,
		delivery.WithFailureLog(h.failures),
		delivery.WithSleeper((&sleeps{}).Sleep),
		delivery.WithLogger(log))

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans))
	h.coord = NewCoordinator(extractor, engine,
		WithLogger(log),
		WithMetrics(h.metrics),
		WithTracer(tp.Tracer("test")),
		WithRunIDs(func() string { return "run-1" }))
	return h
}

func (h *harness) open(context.Context) (*sql.DB, error) {
	n := int(atomic.AddInt32(&h.opened, 1))
	require.LessOrEqual(h.t, n, len(h.attempts), "unexpected connection attempt")
	db, mock, err := sqlmock.New()
	require.NoError(h.t, err)
	h.attempts[n-1](mock)
	return db, nil
}

func returnsRows(codes ...string) func(sqlmock.Sqlmock) {
	return func(mock sqlmock.Sqlmock) {
		rows := sqlmock.NewRows([]string{"hoscode", "hn"})
		for i, code := range codes {
			rows.AddRow(code, int64(i+1))
		}
		mock.ExpectQuery("SELECT hoscode").WillReturnRows(rows)
	}
}

func lostConnection(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT hoscode").WillReturnError(&mysql.MySQLError{
		Number:  2013,
		Message: "Lost connection to MySQL server during query",
	})
}

func TestRunEmptySQLSkips(t *testing.T) {
	h := newHarness(t)

	out := h.coord.Run(context.Background(), "10_sync_opd.sql", "  \n ")

	assert.Equal(t, 0, out.Success)
	assert.Equal(t, 0, out.Failed)
	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.opened))
	assert.Equal(t, 1, h.logs.FilterMessage("skip, empty SQL").Len())
}

func TestRunAllRowsDelivered(t *testing.T) {
	h := newHarness(t, returnsRows("11111", "22222", "33333"))

	out := h.coord.Run(context.Background(), "10_sync_opd.sql", syncSQL)

	assert.Equal(t, 3, out.Success)
	assert.Equal(t, 0, out.Failed)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.True(t, out.OK())
	assert.Equal(t, "run-1", out.RunID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&h.posts))

	summary := h.logs.FilterMessage("success=3 failed=0").All()
	require.Len(t, summary, 1)
	assert.Equal(t, "10_sync_opd.sql", summary[0].ContextMap()["source"])
	assert.Equal(t, "run-1", summary[0].ContextMap()["run_id"])

	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.RowsExtracted.WithLabelValues("10_sync_opd.sql")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues(StatusSuccess)))

	names := map[string]bool{}
	for _, s := range h.spans.Ended() {
		names[s.Name()] = true
	}
	assert.Equal(t, map[string]bool{"sync.run": true, "sync.extract": true, "sync.deliver": true}, names)
}

func TestRunBlankHoscodeCountsAsFailed(t *testing.T) {
	h := newHarness(t, returnsRows("11111", " "))

	out := h.coord.Run(context.Background(), "10_sync_opd.sql", syncSQL)

	assert.Equal(t, 1, out.Success)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, StatusFail, out.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.posts))
	assert.Equal(t, []string{"post err: idx=2 missing hoscode"}, h.failures.Messages())
}

func TestRunRecoversFromTransientExtractionErrors(t *testing.T) {
	h := newHarness(t, lostConnection, lostConnection, returnsRows("11111"))

	out := h.coord.Run(context.Background(), "10_sync_opd.sql", syncSQL)

	assert.Equal(t, 1, out.Success)
	assert.Equal(t, 0, out.Failed)
	assert.Equal(t, int32(3), atomic.LoadInt32(&h.opened))

	base := config.Default().Database.RetryBackoff
	assert.Equal(t, []time.Duration{base, 2 * base}, h.dbSleeps.delays)

	messages := h.failures.Messages()
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0], "sql err: attempt=1/3")
	assert.Contains(t, messages[1], "sql err: attempt=2/3")
}

func TestRunExtractionErrorYieldsZeroOutcome(t *testing.T) {
	h := newHarness(t, lostConnection, lostConnection, lostConnection)

	out := h.coord.Run(context.Background(), "10_sync_opd.sql", syncSQL)

	assert.Equal(t, 0, out.Success)
	assert.Equal(t, 0, out.Failed)
	assert.Equal(t, StatusError, out.Status)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.posts))
	assert.Equal(t, 1, h.logs.FilterMessage("extraction failed").Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues(StatusError)))
}

func TestRunNoData(t *testing.T) {
	h := newHarness(t, returnsRows())

	out := h.coord.Run(context.Background(), "10_sync_opd.sql", syncSQL)

	assert.Equal(t, Outcome{RunID: "run-1", Status: StatusNoData}, out)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.posts))
}

type stubDeliverer struct{ calls int }

func (s *stubDeliverer) Deliver(context.Context, string, []*normalize.Row) (int, int) {
	s.calls++
	return 0, 0
}

type stubFetcher struct{ calls int }

func (s *stubFetcher) Fetch(context.Context, string) ([]*normalize.Row, error) {
	s.calls++
	return nil, nil
}

func TestRunDefaultsWithoutOptions(t *testing.T) {
	f, d := &stubFetcher{}, &stubDeliverer{}
	c := NewCoordinator(f, d)

	out := c.Run(context.Background(), "x", "SELECT 1")

	assert.Equal(t, StatusNoData, out.Status)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, 0, d.calls)
}
