package otel

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Options configures the ledger tracer provider.
type Options struct {
	ServiceName string
	// NodeID is reported as service.instance.id so spans from different
	// replicas can be told apart.
	NodeID   string
	Endpoint string
	// SampleRatio is the fraction of root traces kept. Values >= 1 keep all,
	// values <= 0 keep none. Child spans follow their parent's decision.
	SampleRatio float64
}

// Setup initialises OpenTelemetry tracing. An empty endpoint returns a no-op
// shutdown function and leaves the global provider untouched.
func Setup(ctx context.Context, opts Options) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(opts)...))
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opts.SampleRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func resourceAttributes(opts Options) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(opts.ServiceName)}
	if id := strings.TrimSpace(opts.NodeID); id != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(id))
	}
	return attrs
}
