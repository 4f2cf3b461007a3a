// Package telemetry provides OpenTelemetry instrumentation for continuityd.
//
// Telemetry is disabled by default; services obtain tracers and meters
// through the global otel API, so a disabled or degraded setup degrades to
// no-ops without touching service code.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/fyrsmithlabs/continuityd/internal/config"
)

// Telemetry manages the TracerProvider, MeterProvider and their shutdown.
type Telemetry struct {
	cfg *config.TelemetryConfig

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logProvider    otellog.LoggerProvider
}

// New initializes providers and installs them as otel globals.
//
// With telemetry disabled in config it returns a no-op instance. Provider
// initialization errors fail construction; continuityd treats an explicitly
// configured but unreachable collector as an operator error.
func New(ctx context.Context, cfg *config.TelemetryConfig, serviceName, serviceVersion string) (*Telemetry, error) {
	t := &Telemetry{cfg: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	res, err := newResource(serviceName, serviceVersion)
	if err != nil {
		return nil, fmt.Errorf("creating telemetry resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, fmt.Errorf("creating tracer provider: %w", err)
	}
	t.tracerProvider = tp
	otel.SetTracerProvider(tp)

	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		return nil, fmt.Errorf("creating meter provider: %w", err)
	}
	t.meterProvider = mp
	otel.SetMeterProvider(mp)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return t, nil
}

// LoggerProvider returns the provider for the OTel log bridge; may be nil.
func (t *Telemetry) LoggerProvider() otellog.LoggerProvider {
	if t == nil {
		return nil
	}
	return t.logProvider
}

// SetLoggerProvider sets the provider used by the OTel log bridge.
func (t *Telemetry) SetLoggerProvider(lp otellog.LoggerProvider) {
	if t != nil {
		t.logProvider = lp
	}
}

// Shutdown flushes and stops all providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok && t.cfg != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ShutdownTimeout.Duration())
		defer cancel()
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
