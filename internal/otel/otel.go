// Package otel turns telemetry events into OpenTelemetry spans.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanpama/graphqlipc/internal/eventbus"
	"github.com/hanpama/graphqlipc/internal/events"
	"github.com/hanpama/graphqlipc/internal/reqid"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	off := Attach(otel.Tracer("graphql-ipc"))
	return func(ctx context.Context) error {
		off()
		return tp.Shutdown(ctx)
	}, nil
}

// Attach subscribes span handlers using tracer and returns a function that
// detaches them.
func Attach(tracer trace.Tracer) (detach func()) {
	s := &subscriber{tracer: tracer}
	return s.register()
}

type requestKey struct {
	rid  int64
	name string
}

type subscriber struct {
	tracer       trace.Tracer
	invokeSpans  sync.Map // rid -> trace.Span
	subSpans     sync.Map // correlation id -> trace.Span
	gqlSpans     sync.Map // requestKey -> trace.Span
	clientSpans  sync.Map // requestKey -> trace.Span
	upstreamSpan sync.Map // requestKey -> trace.Span
	httpSpans    sync.Map // rid -> trace.Span
}

// parent returns ctx carrying the invoke span of the same request, if any.
func (s *subscriber) parent(ctx context.Context) context.Context {
	rid, _ := reqid.FromContext(ctx)
	if v, ok := s.invokeSpans.Load(rid); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	return ctx
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *subscriber) register() func() {
	var offs []func()
	on := func(off func()) { offs = append(offs, off) }

	on(eventbus.Subscribe(func(ctx context.Context, e events.InvokeStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "ipc.invoke", trace.WithSpanKind(trace.SpanKindClient))
		span.SetAttributes(
			attribute.String("ipc.command", e.Command),
			attribute.Int64("graphql.operation.key", int64(e.Key)),
		)
		s.invokeSpans.Store(rid, span)
	}))

	on(eventbus.Subscribe(func(ctx context.Context, e events.InvokeFinish) {
		rid, _ := reqid.FromContext(ctx)
		v, ok := s.invokeSpans.LoadAndDelete(rid)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.Bool("ipc.ok", e.OK))
		end(span, e.Err)
	}))

	on(eventbus.Subscribe(func(ctx context.Context, e events.OperationTeardown) {
		trace.SpanFromContext(s.parent(ctx)).AddEvent("teardown",
			trace.WithAttributes(attribute.Int64("graphql.operation.key", int64(e.Key))))
	}))

	on(eventbus.Subscribe(func(ctx context.Context, e events.SubscriptionStart) {
		_, span := s.tracer.Start(ctx, "ipc.subscription")
		span.SetAttributes(
			attribute.String("ipc.event", e.Event),
			attribute.Int64("graphql.operation.key", int64(e.Key)),
		)
		s.subSpans.Store(e.ID, span)
	}))

	on(eventbus.Subscribe(func(ctx context.Context, e events.SubscriptionFinish) {
		v, ok := s.subSpans.LoadAndDelete(e.ID)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.Int("ipc.updates", e.Updates))
		end(span, e.Err)
	}))

	on(eventbus.Subscribe(func(ctx context.Context, e events.GraphQLStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "graphql.operation", trace.WithSpanKind(trace.SpanKindServer))
		span.SetAttributes(
			attribute.String("graphql.operation.name", e.OperationName),
			attribute.String("graphql.operation.type", e.OperationType),
		)
		s.gqlSpans.Store(requestKey{rid, e.OperationName + "\x00" + e.Query}, span)
	}))

	on(eventbus.Subscribe(func(ctx context.Context, e events.GraphQLFinish) {
		rid, _ := reqid.FromContext(ctx)
		v, ok := s.gqlSpans.LoadAndDelete(requestKey{rid, e.OperationName + "\x00" + e.Query})
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(
			attribute.Int("graphql.error_count", len(e.Errors)),
			attribute.Int("graphql.updates", e.Updates),
		)
		span.End()
	}))

	on(eventbus.Subscribe(func(ctx context.Context, e events.GRPCClientStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(s.parent(ctx), "grpc.client", trace.WithSpanKind(trace.SpanKindClient))
		span.SetAttributes(
			semconv.RPCSystemGRPC,
			semconv.RPCMethodKey.String(e.Method),
			attribute.String("net.peer.name", e.Target),
			attribute.String("ipc.command", e.Command),
		)
		s.clientSpans.Store(requestKey{rid, "grpc\x00" + e.Method + "\x00" + e.Command}, span)
	}))

	on(eventbus.Subscribe(func(ctx context.Context, e events.GRPCClientFinish) {
		rid, _ := reqid.FromContext(ctx)
		v, ok := s.clientSpans.LoadAndDelete(requestKey{rid, "grpc\x00" + e.Method + "\x00" + e.Command})
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.String("grpc.code", e.Code.String()))
		end(span, e.Err)
	}))

	on(eventbus.Subscribe(func(ctx context.Context, e events.NATSRequestStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(s.parent(ctx), "nats.request", trace.WithSpanKind(trace.SpanKindClient))
		span.SetAttributes(
			semconv.MessagingSystemKey.String("nats"),
			attribute.String("messaging.destination.name", e.Subject),
			attribute.String("ipc.command", e.Command),
		)
		s.clientSpans.Store(requestKey{rid, "nats\x00" + e.Subject + "\x00" + e.Command}, span)
	}))

	on(eventbus.Subscribe(func(ctx context.Context, e events.NATSRequestFinish) {
		rid, _ := reqid.FromContext(ctx)
		v, ok := s.clientSpans.LoadAndDelete(requestKey{rid, "nats\x00" + e.Subject + "\x00" + e.Command})
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.String("nats.code", e.Code))
		end(span, e.Err)
	}))

	on(eventbus.Subscribe(func(ctx context.Context, e events.UpstreamStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "graphql.upstream", trace.WithSpanKind(trace.SpanKindClient))
		span.SetAttributes(attribute.String("http.url", e.Endpoint))
		s.upstreamSpan.Store(requestKey{rid, e.Endpoint}, span)
	}))

	on(eventbus.Subscribe(func(ctx context.Context, e events.UpstreamFinish) {
		rid, _ := reqid.FromContext(ctx)
		v, ok := s.upstreamSpan.LoadAndDelete(requestKey{rid, e.Endpoint})
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
		end(span, e.Err)
	}))

	on(eventbus.Subscribe(func(ctx context.Context, e events.HTTPStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "http.server", trace.WithSpanKind(trace.SpanKindServer))
		span.SetAttributes(
			semconv.HTTPMethodKey.String(e.Method),
			semconv.HTTPTargetKey.String(e.Path),
		)
		s.httpSpans.Store(rid, span)
	}))

	on(eventbus.Subscribe(func(ctx context.Context, e events.HTTPFinish) {
		rid, _ := reqid.FromContext(ctx)
		v, ok := s.httpSpans.LoadAndDelete(rid)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
		if e.Status >= 500 {
			span.SetStatus(codes.Error, "")
		}
		span.End()
	}))

	return func() {
		for _, off := range offs {
			off()
		}
	}
}
