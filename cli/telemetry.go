package cli

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/relaykit/sessionbus/otelobs"
)

// setupTelemetry wires an OTLP-over-HTTP trace exporter when
// OTEL_EXPORTER_OTLP_ENDPOINT is set, mirroring how the teacher's serve
// command reaches for the global providers rather than owning exporter
// setup itself. Metrics use an in-process meter provider: the transport
// exposes writer.Stats and hub.SessionCount for host scraping, so an
// export pipeline is optional here.
func setupTelemetry(ctx context.Context) (otelobs.Hook, func(context.Context) error, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return nil, func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("creating otlp trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider()
	otel.SetMeterProvider(mp)

	tracer := tp.Tracer("sessionbus")
	meter := mp.Meter("sessionbus")

	tracingHandler := otelobs.NewTracingHandler(tracer)
	metricsHandler, err := otelobs.NewMetricsHandler(meter)
	if err != nil {
		return nil, nil, fmt.Errorf("creating metrics instruments: %w", err)
	}

	hook := otelobs.MultiHook(tracingHandler.Hook(), metricsHandler.Hook())

	shutdown := func(shutdownCtx context.Context) error {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return mp.Shutdown(shutdownCtx)
	}
	return hook, shutdown, nil
}
