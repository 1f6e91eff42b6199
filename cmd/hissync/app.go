package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/plk-sync/hissync/internal/pipeline"
	"github.com/plk-sync/hissync/pkg/clients"
	"github.com/plk-sync/hissync/pkg/config"
	"github.com/plk-sync/hissync/pkg/delivery"
	"github.com/plk-sync/hissync/pkg/extract"
	"github.com/plk-sync/hissync/pkg/failurelog"
	"github.com/plk-sync/hissync/pkg/logger"
	"github.com/plk-sync/hissync/pkg/metrics"
	"github.com/plk-sync/hissync/pkg/observability"
)

// app holds the components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	shutdown observability.Shutdown
	http     *clients.HTTPClient
	failures *failurelog.Log
}

func loadConfig(cmd *cobra.Command, flags *rootFlags) (*config.Config, error) {
	return config.Load(config.LoadOptions{
		ConfigFile: flags.configFile,
		EnvFile:    flags.envFile,
		Flags:      cmd.Flags(),
	})
}

// newApp loads configuration and builds logging, metrics, tracing, the
// failure log and the shared HTTP client.
func newApp(cmd *cobra.Command, flags *rootFlags) (*app, error) {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Encoding:    cfg.Logging.Encoding,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return nil, err
	}

	tracer, shutdown, err := observability.NewTracer(observability.TracingConfig{
		ServiceName:    "hissync",
		ServiceVersion: version,
		Exporter:       cfg.Observability.TracingExporter,
	})
	if err != nil {
		return nil, err
	}

	failures, err := failurelog.Open(cfg.Logging.ErrorLogPath, failurelog.WithLogger(log))
	if err != nil {
		return nil, err
	}

	m := metrics.New(prometheus.NewRegistry())

	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.RequestTimeout = cfg.Delivery.RequestTimeout
	httpCfg.EnableHTTP2 = cfg.Delivery.EnableHTTP2
	httpCfg.Compression = cfg.Delivery.Compression
	httpCfg.UserAgent = "hissync/" + version
	httpCfg.Retry = clients.RetryConfig{
		Total:    cfg.Delivery.RetryTotal,
		Backoff:  cfg.Delivery.RetryBackoff,
		Statuses: cfg.Delivery.RetryStatuses,
		Methods:  cfg.Delivery.RetryMethods,
	}

	return &app{
		cfg:      cfg,
		logger:   log,
		metrics:  m,
		tracer:   tracer,
		shutdown: shutdown,
		http:     clients.NewHTTPClient(httpCfg, log, clients.WithMetrics(m)),
		failures: failures,
	}, nil
}

func (a *app) extractor() (*extract.Extractor, error) {
	return extract.NewFromConfig(a.cfg.Database,
		extract.WithFailureLog(a.failures),
		extract.WithLogger(a.logger.With(zap.String("component", "extractor"))),
		extract.WithMetrics(a.metrics))
}

func (a *app) coordinator() (*pipeline.Coordinator, error) {
	ex, err := a.extractor()
	if err != nil {
		return nil, err
	}
	engine := delivery.New(a.cfg.Delivery, a.http,
		delivery.WithFailureLog(a.failures),
		delivery.WithLogger(a.logger),
		delivery.WithMetrics(a.metrics))
	return pipeline.NewCoordinator(ex, engine,
		pipeline.WithLogger(a.logger),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithTracer(a.tracer)), nil
}

// serveMetrics exposes /metrics until ctx is done when an address is set.
func (a *app) serveMetrics(ctx context.Context) {
	addr := a.cfg.Observability.MetricsAddr
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.logger.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	_ = a.http.Close()
	_ = a.logger.Sync()
}
