// Package telemetry provides OpenTelemetry initialization and the counters
// gossipmesh emits for frame handling, handshakes, peer-set churn, and
// dissemination outcomes.
//
// When OTEL_EXPORTER_OTLP_ENDPOINT is set, Init configures TracerProvider,
// MeterProvider, and LoggerProvider with gRPC OTLP exporters. When the env
// var is unset, noop providers are used with zero overhead — Metrics'
// counters are always safe to call.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otellog "go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Init initializes OpenTelemetry providers based on environment variables
// and returns the process's Metrics instrument set. If
// OTEL_EXPORTER_OTLP_ENDPOINT is set, it configures gRPC OTLP exporters for
// traces, metrics, and logs; otherwise the global providers remain noop and
// Metrics records against them at zero cost.
//
// The returned shutdown function must be called on process exit to flush
// pending telemetry. It is safe to call even when no exporter was
// configured.
func Init(ctx context.Context, serviceName, serviceVersion string) (*Metrics, func(context.Context), error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		m, err := newMetrics(otel.GetMeterProvider())
		return m, func(context.Context) {}, err
	}

	res, err := buildResource(ctx, serviceName, serviceVersion)
	if err != nil {
		return nil, func(context.Context) {}, fmt.Errorf("telemetry resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, func(context.Context) {}, fmt.Errorf("telemetry trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	metricExporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		return nil, shutdownFunc(tp, nil, nil), fmt.Errorf("telemetry metric exporter: %w", err)
	}
	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(metricExporter, metric.WithInterval(30*time.Second))),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, shutdownFunc(tp, mp, nil), fmt.Errorf("telemetry log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)
	otellog.SetLoggerProvider(lp)

	InstallLogBridge(lp)

	m, err := newMetrics(mp)
	if err != nil {
		return nil, shutdownFunc(tp, mp, lp), fmt.Errorf("telemetry metrics: %w", err)
	}

	log.Printf("telemetry: initialized endpoint=%s service=%s", endpoint, serviceName)
	return m, shutdownFunc(tp, mp, lp), nil
}

// instanceID identifies this process among any others reporting the same
// service.name; minted once per process, not persisted.
var instanceID = uuid.NewString()

func buildResource(ctx context.Context, serviceName, serviceVersion string) (*resource.Resource, error) {
	hostname, _ := os.Hostname()
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
			semconv.ServiceInstanceID(instanceID),
			semconv.HostName(hostname),
		),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
}

type shutdownable interface {
	Shutdown(context.Context) error
}

func shutdownFunc(providers ...shutdownable) func(context.Context) {
	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		for _, p := range providers {
			if p != nil {
				if err := p.Shutdown(ctx); err != nil {
					log.Printf("telemetry: shutdown error: %v", err)
				}
			}
		}
	}
}
