package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"orderhooks/internal/config"
)

type TracerProvider struct {
	tp *sdktrace.TracerProvider
}

func (tp *TracerProvider) Tracer(name string) trace.Tracer {
	return tp.tp.Tracer(name)
}

func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

const serviceNamespace = "orderhooks"

// Span attribute keys shared by the order and webhook spans.
const (
	AttrMessageID      = attribute.Key("orderhooks.message_id")
	AttrEventID        = attribute.Key("orderhooks.event_id")
	AttrEventType      = attribute.Key("orderhooks.event_type")
	AttrSubscriptionID = attribute.Key("orderhooks.subscription_id")
	AttrAttempt        = attribute.Key("orderhooks.attempt")
	AttrOrderID        = attribute.Key("orderhooks.order_id")
)

// Resource attribute keys describing how a service is deployed.
const (
	AttrBroker        = attribute.Key("orderhooks.broker")
	AttrEventStore    = attribute.Key("orderhooks.event_store")
	AttrLedgerBackend = attribute.Key("orderhooks.ledger_backend")
)

// Init installs the global tracer provider. attrs are added to the resource,
// e.g. the broker type or the event store a service runs with.
func Init(cfg config.TracingConfig, serviceName string, attrs ...attribute.KeyValue) (*TracerProvider, error) {
	if !cfg.Enabled {
		tp := sdktrace.NewTracerProvider()
		return &TracerProvider{tp: tp}, nil
	}

	res, err := newResource(cfg, serviceName, attrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLP.Endpoint),
	}
	if cfg.OTLP.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	sampler := createSampler(cfg.Sampler)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

func newResource(cfg config.TracingConfig, serviceName string, attrs ...attribute.KeyValue) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = cfg.ServiceName
	}
	if serviceName == "" {
		serviceName = serviceNamespace
	}

	all := append([]attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceNamespaceKey.String(serviceNamespace),
	}, attrs...)
	return resource.New(context.Background(), resource.WithAttributes(all...))
}

func createSampler(cfg config.SamplerConfig) sdktrace.Sampler {
	switch cfg.Type {
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(cfg.Param)
	case "parentbased_always_on":
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case "parentbased_traceidratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Param))
	case "always_on":
		fallthrough
	default:
		return sdktrace.AlwaysSample()
	}
}

func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartDeliverySpan starts the span of one webhook attempt.
func StartDeliverySpan(ctx context.Context, tracerName, eventID, subscriptionID string, attempt int) (context.Context, trace.Span) {
	return GetTracer(tracerName).Start(ctx, "webhook.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrEventID.String(eventID),
			AttrSubscriptionID.String(subscriptionID),
			AttrAttempt.Int(attempt),
		),
	)
}

// RecordOutcome marks span failed when err is set.
func RecordOutcome(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
