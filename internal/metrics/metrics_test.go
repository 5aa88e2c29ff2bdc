package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/hanpama/graphqlipc/internal/eventbus"
	"github.com/hanpama/graphqlipc/internal/events"
)

func attach(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	eventbus.Use(eventbus.New())
	t.Cleanup(func() { eventbus.Use(nil) })
	m := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	t.Cleanup(m.Attach())
	return m, reg
}

func TestInvokeMetrics(t *testing.T) {
	m, _ := attach(t)
	ctx := context.Background()

	eventbus.Publish(ctx, events.InvokeFinish{Command: "c", OK: true, Duration: time.Millisecond})
	eventbus.Publish(ctx, events.InvokeFinish{Command: "c", OK: false, Err: errors.New("x")})
	eventbus.Publish(ctx, events.OperationTeardown{Key: 1})

	require.Equal(t, 1.0, testutil.ToFloat64(m.Invocations.WithLabelValues("c", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Invocations.WithLabelValues("c", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Teardowns))
	require.Equal(t, 1, testutil.CollectAndCount(m.InvokeDuration))
}

func TestSubscriptionMetrics(t *testing.T) {
	m, _ := attach(t)
	ctx := context.Background()

	eventbus.Publish(ctx, events.SubscriptionStart{ID: 1})
	eventbus.Publish(ctx, events.SubscriptionStart{ID: 2})
	require.Equal(t, 2.0, testutil.ToFloat64(m.SubscriptionsActive))

	eventbus.Publish(ctx, events.SubscriptionFinish{ID: 1, Updates: 4})
	eventbus.Publish(ctx, events.SubscriptionFinish{ID: 3, Err: errors.New("listen failed")})
	require.Equal(t, 1.0, testutil.ToFloat64(m.SubscriptionsActive))
	require.Equal(t, 4.0, testutil.ToFloat64(m.SubscriptionUpdates))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Subscriptions.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Subscriptions.WithLabelValues("error")))
}

func TestTransportAndHostMetrics(t *testing.T) {
	m, _ := attach(t)
	ctx := context.Background()

	eventbus.Publish(ctx, events.GRPCClientFinish{Code: codes.Unavailable})
	eventbus.Publish(ctx, events.NATSRequestFinish{Code: "no_responders"})
	eventbus.Publish(ctx, events.GraphQLFinish{OperationType: "query"})
	eventbus.Publish(ctx, events.GraphQLFinish{OperationType: "mutation", Errors: []error{errors.New("x")}})
	eventbus.Publish(ctx, events.UpstreamFinish{Status: 502, Err: errors.New("bad gateway")})

	require.Equal(t, 1.0, testutil.ToFloat64(m.TransportRequests.WithLabelValues("grpc", "Unavailable")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.TransportRequests.WithLabelValues("nats", "no_responders")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.GraphQLRequests.WithLabelValues("query", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.GraphQLRequests.WithLabelValues("mutation", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("error")))
}

func TestDoubleRegisterFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, New().Register(reg))
	require.Error(t, New().Register(reg))
}

func TestHandler(t *testing.T) {
	m, reg := attach(t)
	m.Teardowns.Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "graphqlipc_invoke_teardowns_total 1"))
}

func TestHTTPMetrics(t *testing.T) {
	m, _ := attach(t)
	ctx := context.Background()

	eventbus.Publish(ctx, events.HTTPFinish{Method: "POST", Path: "/graphql", Status: 200, Duration: time.Millisecond})
	eventbus.Publish(ctx, events.HTTPFinish{Method: "POST", Path: "/graphql", Status: 200})
	eventbus.Publish(ctx, events.HTTPFinish{Method: "GET", Path: "/graphql", Status: 400})

	require.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "200")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "400")))
	require.Equal(t, 1, testutil.CollectAndCount(m.HTTPDuration))
}
