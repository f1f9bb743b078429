package main

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"labflow/docs/schema/openapi"
	"labflow/internal/adapters/httpapi"
	"labflow/internal/blob"
	"labflow/internal/config"
	"labflow/internal/core"
	"labflow/internal/infra/blob/minio"
	"labflow/internal/infra/blob/s3"
	"labflow/internal/infra/events/amqp"
	"labflow/internal/infra/logging"
	"labflow/pkg/domain"
)

// app holds the wired server and everything that must be released with it.
type app struct {
	Handler http.Handler
	Service *core.Service
	Logger  core.Logger
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func openStore(cfg *config.Config) (domain.PersistentStore, error) {
	return core.OpenPersistentStore(core.StorageOptions{
		Driver:      core.StorageDriver(cfg.Storage.Driver),
		SQLitePath:  cfg.Storage.SQLitePath,
		PostgresDSN: cfg.Storage.PostgresDSN,
	}, core.NewDefaultRulesEngine())
}

func blobOptions(cfg *config.Config) blob.Options {
	return blob.Options{
		Driver: blob.Driver(cfg.Blob.Driver),
		FSRoot: cfg.Blob.FSRoot,
		S3: s3.Config{
			Region:          cfg.Blob.S3.Region,
			Bucket:          cfg.Blob.S3.Bucket,
			Endpoint:        cfg.Blob.S3.Endpoint,
			AccessKeyID:     cfg.Blob.S3.AccessKeyID,
			SecretAccessKey: cfg.Blob.S3.SecretAccessKey,
			PathStyle:       cfg.Blob.S3.PathStyle,
		},
		MinIO: minio.Config{
			Endpoint:  cfg.Blob.MinIO.Endpoint,
			AccessKey: cfg.Blob.MinIO.AccessKey,
			SecretKey: cfg.Blob.MinIO.SecretKey,
			UseSSL:    cfg.Blob.MinIO.UseSSL,
			Bucket:    cfg.Blob.MinIO.Bucket,
			Region:    cfg.Blob.MinIO.Region,
		},
	}
}

// buildApp wires config -> logger -> store -> blobs -> service -> gateway.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	zl, err := logging.New(logging.Config{Level: cfg.Log.Level, Env: cfg.Log.Env, OutputPath: cfg.Log.OutputPath})
	if err != nil {
		return nil, err
	}
	logger := logging.NewAdapter(zl)
	a := &app{Logger: logger}
	a.closers = append(a.closers, func() error { _ = zl.Sync(); return nil })

	store, err := openStore(cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open request store: %w", err)
	}
	a.closers = append(a.closers, store.Close)

	blobs, err := blob.Open(ctx, blobOptions(cfg))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	metrics, metricsHandler, err := openMetrics(cfg.Observability.Metrics)
	if err != nil {
		a.Close()
		return nil, err
	}
	tracer, err := a.openTracer(cfg.Observability)
	if err != nil {
		a.Close()
		return nil, err
	}

	audit := core.MultiAuditRecorder{core.LogAuditRecorder{Logger: logger}}
	if cfg.Events.AMQPURL != "" {
		publisher, conn, err := amqp.Dial(cfg.Events.AMQPURL, cfg.Events.Exchange, amqp.WithLogger(logger))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		audit = append(audit, publisher)
	}

	policy := core.DefaultReportPolicy()
	policy.MinSize = cfg.Reports.MinSize
	if cfg.Reports.MaxSize > 0 {
		policy.MaxSize = cfg.Reports.MaxSize
	}
	if len(cfg.Reports.AllowedTypes) > 0 {
		policy.AllowedTypes = cfg.Reports.AllowedTypes
	}

	svc := core.NewService(store, blobs,
		core.WithLogger(logger),
		core.WithAuditRecorder(audit),
		core.WithMetricsRecorder(metrics),
		core.WithTracer(tracer),
		core.WithReportPolicy(policy),
	)
	a.Service = svc

	var auth httpapi.Authenticator = httpapi.HeaderAuthenticator{}
	if cfg.Auth.Mode == config.AuthModeJWT {
		auth = httpapi.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	} else {
		logger.Warn("header authentication enabled; X-Actor-* headers are trusted", "mode", cfg.Auth.Mode)
	}
	a.Handler = httpapi.NewHandler(svc, auth,
		httpapi.WithLogger(logger),
		httpapi.WithOpenAPI(openapi.Spec()),
		httpapi.WithMetricsHandler(metricsHandler),
		httpapi.WithRateLimit(cfg.Server.RateLimit),
		httpapi.WithMaxReportBytes(int64(policy.MaxSize)+1),
	).Routes()
	zl.Debug("labflow wired", zap.String("storage", cfg.Storage.Driver), zap.String("blob", cfg.Blob.Driver),
		zap.String("metrics", cfg.Observability.Metrics), zap.String("tracing", cfg.Observability.Tracing))
	return a, nil
}

// openMetrics builds the recorder and the handler served on /metrics.
func openMetrics(kind string) (core.MetricsRecorder, http.Handler, error) {
	if kind == config.MetricsExpvar {
		return core.NewExpvarMetricsRecorder(""), expvar.Handler(), nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec, err := core.NewPrometheusMetricsRecorder(reg)
	if err != nil {
		return nil, nil, err
	}
	return rec, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}), nil
}

func (a *app) openTracer(cfg config.ObservabilityConfig) (core.Tracer, error) {
	switch cfg.Tracing {
	case config.TracingNone:
		return nil, nil
	case config.TracingJSON:
		var w io.Writer = os.Stderr
		if cfg.TraceOutput != "" {
			f, err := os.OpenFile(cfg.TraceOutput, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
			if err != nil {
				return nil, fmt.Errorf("open trace output: %w", err)
			}
			a.closers = append(a.closers, f.Close)
			w = f
		}
		return core.NewJSONTracer(w), nil
	default:
		tp := sdktrace.NewTracerProvider()
		a.closers = append(a.closers, func() error { return tp.Shutdown(context.Background()) })
		return core.NewOTelTracer(tp), nil
	}
}
