// Package sinkapi is the insert-only HTTP service that receives delivered
// records and writes them to the raw table.
package sinkapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/plk-sync/hissync/pkg/metrics"
	"github.com/plk-sync/hissync/pkg/observability"
)

// Request limits.
const (
	MaxHoscodeLen = 20
	MaxSourceLen  = 255
	maxBodyBytes  = 32 << 20
)

// Server serves the sink endpoints.
type Server struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	handler http.Handler
}

// NewServer builds the routes. m and tracer may be nil.
func NewServer(store Store, logger *zap.Logger, m *metrics.Metrics, tracer trace.Tracer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:   store,
		logger:  logger.With(zap.String("component", "sink_api")),
		metrics: m,
		tracer:  tracer,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("POST /raw", s.insert)
	mux.HandleFunc("POST /raw/batch", s.insertBatch)
	mux.HandleFunc("GET /check_last", s.checkLast)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	s.handler = observability.TracingMiddleware(tracer, "hissync-sink")(decompress(mux))
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("sink api listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down sink api")
		return srv.Shutdown(shutdownCtx)
	}
}

// inRecord is the request body of one record.
type inRecord struct {
	Hoscode      string          `json:"hoscode"`
	Source       string          `json:"source"`
	Payload      json.RawMessage `json:"payload"`
	SyncDatetime *time.Time      `json:"sync_datetime"`
}

// fieldError mirrors the shape of validation errors clients already parse.
type fieldError struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

func (r inRecord) validate(loc ...any) []fieldError {
	var errs []fieldError
	at := func(field string) []any { return append(append([]any{"body"}, loc...), field) }

	if n := utf8.RuneCountInString(r.Hoscode); n < 1 || n > MaxHoscodeLen {
		errs = append(errs, fieldError{at("hoscode"), fmt.Sprintf("length must be between 1 and %d", MaxHoscodeLen), "string_length"})
	}
	if n := utf8.RuneCountInString(r.Source); n < 1 || n > MaxSourceLen {
		errs = append(errs, fieldError{at("source"), fmt.Sprintf("length must be between 1 and %d", MaxSourceLen), "string_length"})
	}
	if !isObject(r.Payload) {
		errs = append(errs, fieldError{at("payload"), "input should be a valid dictionary", "dict_type"})
	}
	return errs
}

func (r inRecord) record() Record {
	return Record{Hoscode: r.Hoscode, Source: r.Source, Payload: r.Payload, SyncDatetime: r.SyncDatetime}
}

func isObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{") && json.Valid(raw)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) insert(w http.ResponseWriter, r *http.Request) {
	var in inRecord
	if err := decodeBody(r, &in); err != nil {
		writeUnprocessable(w, []fieldError{{[]any{"body"}, err.Error(), "json_invalid"}})
		return
	}
	if errs := in.validate(); len(errs) > 0 {
		writeUnprocessable(w, errs)
		return
	}

	created, err := s.store.Insert(r.Context(), in.record())
	if err != nil {
		s.logger.Error("insert failed", zap.String("hoscode", in.Hoscode), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Database insert failed: " + err.Error()})
		return
	}
	s.metrics.Delivered(in.Source, metrics.OutcomeSuccess, 1)
	writeJSON(w, http.StatusOK, map[string]any{"message": "inserted", "data": created})
}

func (s *Server) insertBatch(w http.ResponseWriter, r *http.Request) {
	var in []inRecord
	if err := decodeBody(r, &in); err != nil {
		writeUnprocessable(w, []fieldError{{[]any{"body"}, err.Error(), "json_invalid"}})
		return
	}

	var errs []fieldError
	recs := make([]Record, len(in))
	for i, rec := range in {
		errs = append(errs, rec.validate(i)...)
		recs[i] = rec.record()
	}
	if len(errs) > 0 {
		writeUnprocessable(w, errs)
		return
	}

	n, err := s.store.InsertBatch(r.Context(), recs)
	if err != nil {
		s.logger.Error("batch insert failed", zap.Int("records", len(recs)), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Database insert failed: " + err.Error()})
		return
	}
	for _, rec := range recs {
		s.metrics.Delivered(rec.Source, metrics.OutcomeSuccess, 1)
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "inserted", "count": n})
}

func (s *Server) checkLast(w http.ResponseWriter, r *http.Request) {
	last, err := s.store.Last(r.Context())
	if err != nil {
		s.logger.Error("query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Database query failed: " + err.Error()})
		return
	}
	if last == nil {
		writeJSON(w, http.StatusOK, map[string]any{"message": "No records found", "data": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Last record found", "data": last})
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeUnprocessable(w http.ResponseWriter, errs []fieldError) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": errs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decompress unwraps gzip request bodies.
func decompress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid gzip body"})
			return
		}
		defer zr.Close()
		r.Body = zr
		r.Header.Del("Content-Encoding")
		r.ContentLength = -1
		next.ServeHTTP(w, r)
	})
}
