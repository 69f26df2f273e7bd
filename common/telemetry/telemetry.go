package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/lyzr/lineage/common/config"
	"github.com/lyzr/lineage/common/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds observability components
type Telemetry struct {
	log         *logger.Logger
	cfg         config.TelemetryConfig
	serviceName string
	pprofAddr   string
	metricsAddr string

	gatherer prometheus.Gatherer
	provider *sdktrace.TracerProvider
	servers  []*http.Server
}

// New creates telemetry components. gatherer may be nil when metrics are off.
func New(serviceName string, cfg config.TelemetryConfig, gatherer prometheus.Gatherer, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log:         log,
		cfg:         cfg,
		serviceName: serviceName,
		pprofAddr:   fmt.Sprintf("localhost:%d", cfg.PprofPort),
		metricsAddr: fmt.Sprintf(":%d", cfg.MetricsPort),
		gatherer:    gatherer,
	}
}

// Start starts the pprof and metrics endpoints and installs the tracer provider
func (t *Telemetry) Start(ctx context.Context) error {
	if t.cfg.EnablePprof {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		t.serve("pprof", t.pprofAddr, mux)
	}

	if t.cfg.EnableMetrics && t.gatherer != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(t.gatherer, promhttp.HandlerOpts{}))
		t.serve("metrics", t.metricsAddr, mux)
	}

	if t.cfg.EnableTracing && t.cfg.TracingBackend == "otlp" {
		tp, err := newTracerProvider(ctx, t.serviceName, t.cfg.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("failed to create tracer provider: %w", err)
		}
		t.provider = tp
		otel.SetTracerProvider(tp)
		t.log.Info("tracing enabled", "backend", "otlp", "endpoint", t.cfg.OTLPEndpoint)
	}

	return nil
}

func (t *Telemetry) serve(name, addr string, handler http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	t.servers = append(t.servers, srv)

	go func() {
		t.log.Info(name+" server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error(name+" server error", "error", err)
		}
	}()
}

// Tracer returns a named tracer. Without a configured backend the
// tracer is a no-op.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	if t == nil || t.provider == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return t.provider.Tracer(name)
}

// Shutdown flushes spans and stops the endpoints
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, srv := range t.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if t.provider != nil {
		if err := t.provider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newTracerProvider(ctx context.Context, serviceName, endpoint string) (*sdktrace.TracerProvider, error) {
	client := otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	), nil
}
