package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	grpccodes "google.golang.org/grpc/codes"

	"github.com/hanpama/graphqlipc/internal/eventbus"
	"github.com/hanpama/graphqlipc/internal/events"
	"github.com/hanpama/graphqlipc/internal/reqid"
)

func setup(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	eventbus.Use(eventbus.New())
	t.Cleanup(func() { eventbus.Use(nil) })
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	detach := Attach(tp.Tracer("test"))
	t.Cleanup(detach)
	return rec
}

func attr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup("", "svc")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInvokeSpanParentsTransportSpan(t *testing.T) {
	rec := setup(t)
	ctx := reqid.WithID(context.Background(), 11)

	eventbus.Publish(ctx, events.InvokeStart{Key: 3, Command: "plugin:graphql-ipc|graphql"})
	eventbus.Publish(ctx, events.GRPCClientStart{Method: "/graphqlipc.Host/Invoke", Target: "t", Command: "plugin:graphql-ipc|graphql"})
	eventbus.Publish(ctx, events.GRPCClientFinish{Method: "/graphqlipc.Host/Invoke", Target: "t", Command: "plugin:graphql-ipc|graphql", Code: grpccodes.OK})
	eventbus.Publish(ctx, events.InvokeFinish{Key: 3, Command: "plugin:graphql-ipc|graphql", OK: true})

	spans := rec.Ended()
	require.Len(t, spans, 2)
	client, invoke := spans[0], spans[1]
	require.Equal(t, "grpc.client", client.Name())
	require.Equal(t, "ipc.invoke", invoke.Name())
	require.Equal(t, invoke.SpanContext().SpanID(), client.Parent().SpanID())
	v, ok := attr(invoke, "ipc.command")
	require.True(t, ok)
	require.Equal(t, "plugin:graphql-ipc|graphql", v.AsString())
	v, _ = attr(client, "grpc.code")
	require.Equal(t, "OK", v.AsString())
}

func TestFailedInvokeRecordsError(t *testing.T) {
	rec := setup(t)
	ctx := reqid.WithID(context.Background(), 12)

	eventbus.Publish(ctx, events.InvokeStart{Key: 1, Command: "c"})
	eventbus.Publish(ctx, events.InvokeFinish{Key: 1, Command: "c", Err: errors.New("down")})

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Equal(t, "down", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
}

func TestSubscriptionSpan(t *testing.T) {
	rec := setup(t)
	ctx := context.Background()

	eventbus.Publish(ctx, events.SubscriptionStart{Key: 2, ID: 5, Event: "graphql://5"})
	require.Empty(t, rec.Ended())
	eventbus.Publish(ctx, events.SubscriptionFinish{Key: 2, ID: 5, Event: "graphql://5", Updates: 3})

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "ipc.subscription", spans[0].Name())
	v, _ := attr(spans[0], "ipc.updates")
	require.Equal(t, int64(3), v.AsInt64())
}

func TestBatchedGraphQLSpans(t *testing.T) {
	rec := setup(t)
	ctx := reqid.WithID(context.Background(), 13)

	eventbus.Publish(ctx, events.GraphQLStart{Query: "{a}", OperationType: "query"})
	eventbus.Publish(ctx, events.GraphQLStart{Query: "{b}", OperationType: "query"})
	eventbus.Publish(ctx, events.GraphQLFinish{Query: "{b}", OperationType: "query", Errors: []error{errors.New("x")}})
	eventbus.Publish(ctx, events.GraphQLFinish{Query: "{a}", OperationType: "query"})

	spans := rec.Ended()
	require.Len(t, spans, 2)
	v, _ := attr(spans[0], "graphql.error_count")
	require.Equal(t, int64(1), v.AsInt64())
	v, _ = attr(spans[1], "graphql.error_count")
	require.Equal(t, int64(0), v.AsInt64())
}

func TestNATSAndUpstreamSpans(t *testing.T) {
	rec := setup(t)
	ctx := reqid.WithID(context.Background(), 14)

	eventbus.Publish(ctx, events.NATSRequestStart{Subject: "graphqlipc.invoke", Command: "c"})
	eventbus.Publish(ctx, events.NATSRequestFinish{Subject: "graphqlipc.invoke", Command: "c", Code: "no_responders", Err: errors.New("no responders")})
	eventbus.Publish(ctx, events.UpstreamStart{Endpoint: "http://x/graphql"})
	eventbus.Publish(ctx, events.UpstreamFinish{Endpoint: "http://x/graphql", Status: 200})

	spans := rec.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "nats.request", spans[0].Name())
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Equal(t, "graphql.upstream", spans[1].Name())
	v, _ := attr(spans[1], "http.status_code")
	require.Equal(t, int64(200), v.AsInt64())
}

func TestDetach(t *testing.T) {
	eventbus.Use(eventbus.New())
	t.Cleanup(func() { eventbus.Use(nil) })
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	Attach(tp.Tracer("test"))()

	ctx := reqid.WithID(context.Background(), 15)
	eventbus.Publish(ctx, events.InvokeStart{Key: 1, Command: "c"})
	eventbus.Publish(ctx, events.InvokeFinish{Key: 1, Command: "c", OK: true})
	require.Empty(t, rec.Ended())
	require.Empty(t, rec.Started())
}

func TestHTTPServerSpan(t *testing.T) {
	rec := setup(t)
	ctx := reqid.WithID(context.Background(), 21)

	eventbus.Publish(ctx, events.HTTPStart{Method: "POST", Path: "/graphql"})
	eventbus.Publish(ctx, events.HTTPFinish{Method: "POST", Path: "/graphql", Status: 502})

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "http.server", spans[0].Name())
	v, ok := attr(spans[0], "http.status_code")
	require.True(t, ok)
	require.Equal(t, int64(502), v.AsInt64())
	require.Equal(t, codes.Error, spans[0].Status().Code)
}
