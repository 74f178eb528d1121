// Package observability configures OpenTelemetry tracing for agents and
// broker clients and carries trace context across the exchange in message
// headers.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// DefaultServiceName is used when Config.ServiceName is empty.
const DefaultServiceName = "sentinel"

// ErrUnknownExporter is returned by Init for an unsupported exporter name.
var ErrUnknownExporter = errors.New("unknown exporter type")

// Config holds tracing configuration
type Config struct {
	ServiceName string

	// Exporter is "otlp", "stdout" or "none". Empty means "none".
	Exporter string

	// OTLPEndpoint is the host:port of an OTLP/HTTP collector
	OTLPEndpoint string

	// OTLPHeaders are sent with every OTLP request
	OTLPHeaders map[string]string

	// Insecure disables TLS towards the collector
	Insecure bool

	// SampleRatio is the fraction of root traces recorded. 0 means 1.
	SampleRatio float64
}

type state struct {
	mu       sync.RWMutex
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

var (
	global     state
	propagator = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
)

// Init installs a tracer provider for the configured exporter. Calling it
// again replaces the previous provider after flushing it.
func Init(cfg Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return err
	}
	if exporter == nil {
		logger.Debug("tracing disabled")
		global.swap(nil, nil)
		return nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)
	global.swap(tp, tp.Tracer(cfg.ServiceName))

	logger.Info("tracing initialized", "exporter", cfg.Exporter, "endpoint", cfg.OTLPEndpoint, "sample_ratio", ratio)
	return nil
}

func newExporter(cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "none":
		return nil, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exp, nil
	case "otlp":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}
		exp, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.Exporter)
	}
}

// swap installs a new provider and flushes the old one in the background.
func (s *state) swap(tp *sdktrace.TracerProvider, tr trace.Tracer) {
	s.mu.Lock()
	old := s.provider
	s.provider, s.tracer = tp, tr
	s.mu.Unlock()

	if old != nil && old != tp {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = old.Shutdown(ctx)
		}()
	}
}

// Shutdown flushes and stops the provider installed by Init.
func Shutdown(ctx context.Context) error {
	global.mu.Lock()
	tp := global.provider
	global.provider, global.tracer = nil, nil
	global.mu.Unlock()
	if tp == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span from ctx with the tracer installed by Init, or
// with the global provider when tracing is disabled.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	global.mu.RLock()
	tr := global.tracer
	global.mu.RUnlock()
	if tr == nil {
		tr = otel.GetTracerProvider().Tracer(DefaultServiceName)
	}
	return tr.Start(ctx, name, opts...)
}

// headerCarrier adapts AMQP header tables to the propagation API. Values
// the broker turned into byte slices are read back as strings.
type headerCarrier map[string]any

func (c headerCarrier) Get(key string) string {
	switch v := c[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func (c headerCarrier) Set(key, value string) { c[key] = value }

func (c headerCarrier) Keys() []string { return slices.Collect(maps.Keys(c)) }

// InjectHeaders writes the trace context of ctx into headers.
func InjectHeaders(ctx context.Context, headers map[string]any) {
	if headers == nil {
		return
	}
	propagator.Inject(ctx, headerCarrier(headers))
}

// ExtractHeaders returns ctx carrying the remote span context found in
// headers, if any.
func ExtractHeaders(ctx context.Context, headers map[string]any) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, headerCarrier(headers))
}

// ParseHeaders parses "key1=value1,key2=value2" into a header map.
func ParseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	headers := make(map[string]string)
	for pair := range strings.SplitSeq(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && key != "" {
			headers[key] = value
		}
	}
	return headers
}
