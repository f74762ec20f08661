package middleware

import (
	"context"

	"github.com/vango-dev/uxcore/pkg/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultTracerName = "uxcore"

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "uxcore").
	TracerName string

	// TracerProvider supplies the tracer.
	// Default: the global provider.
	TracerProvider trace.TracerProvider

	// IncludeClientIP adds the client address to start spans.
	// May contain personal data - disabled by default.
	IncludeClientIP bool

	// Filter determines which invocations to trace.
	// If nil, all invocations are traced.
	Filter func(inv *server.Invocation) bool

	// AttributeExtractor adds custom attributes to each span.
	AttributeExtractor func(inv *server.Invocation) []attribute.KeyValue
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(c *OTelConfig) {
		c.TracerProvider = tp
	}
}

// WithIncludeClientIP enables the client address attribute.
func WithIncludeClientIP(include bool) OTelOption {
	return func(c *OTelConfig) {
		c.IncludeClientIP = include
	}
}

// WithFilter sets a filter function for invocations.
func WithFilter(filter func(inv *server.Invocation) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(inv *server.Invocation) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

// OpenTelemetry returns a gate interceptor that opens a span for every
// session start, refresh and event.
//
// Spans are named "uxcore.<op>" and carry the session id, and for events the
// target component and event name. Handlers receive the span in their
// context, so outbound calls made with that context join the trace:
//
//	gate.Use(middleware.OpenTelemetry())
//
//	btn.OnClick(func(ctx context.Context) error {
//	    req, _ := http.NewRequestWithContext(ctx, "GET", url, nil)
//	    ...
//	})
//
// The tracer uses the global OpenTelemetry tracer provider unless
// WithTracerProvider is given. Configure it before starting the server:
//
//	otel.SetTracerProvider(tp)
func OpenTelemetry(opts ...OTelOption) server.Interceptor {
	config := OTelConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}
	if config.TracerProvider == nil {
		config.TracerProvider = otel.GetTracerProvider()
	}
	tracer := config.TracerProvider.Tracer(config.TracerName)

	return func(next server.Handler) server.Handler {
		return func(ctx context.Context, inv *server.Invocation) error {
			if config.Filter != nil && !config.Filter(inv) {
				return next(ctx, inv)
			}

			attrs := []attribute.KeyValue{
				attribute.String("uxcore.op", string(inv.Op)),
			}
			if s := inv.Session; s != nil {
				attrs = append(attrs, attribute.String("uxcore.session_id", s.ID().String()))
				if inv.Op != server.OpEvent {
					info := s.ClientInfo()
					attrs = append(attrs, attribute.Bool("uxcore.mobile", info.IsMobileDevice()))
					if config.IncludeClientIP && info.IP() != "" {
						attrs = append(attrs, attribute.String("uxcore.client_ip", info.IP()))
					}
				}
			}
			if e := inv.Event; e != nil {
				attrs = append(attrs,
					attribute.String("uxcore.component_id", e.ComponentID),
					attribute.String("uxcore.event", e.Name),
				)
			}
			if config.AttributeExtractor != nil {
				attrs = append(attrs, config.AttributeExtractor(inv)...)
			}

			ctx, span := tracer.Start(ctx, "uxcore."+string(inv.Op),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			panicked := true
			defer func() {
				if panicked {
					span.SetStatus(codes.Error, "panic")
				}
			}()

			err := next(ctx, inv)
			panicked = false
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			if inv.Session != nil && inv.Op != server.OpEvent {
				span.SetAttributes(attribute.Int("uxcore.components", inv.Session.ComponentCount()))
			}
			return err
		}
	}
}
