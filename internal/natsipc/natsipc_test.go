package natsipc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/graphqlipc/internal/client"
	"github.com/hanpama/graphqlipc/internal/exchange"
	"github.com/hanpama/graphqlipc/internal/ipc"
	"github.com/hanpama/graphqlipc/internal/language"
	"github.com/hanpama/graphqlipc/internal/operation"
	"github.com/hanpama/graphqlipc/internal/plugin"
	"github.com/hanpama/graphqlipc/internal/stream"
)

func TestSubjects(t *testing.T) {
	s := NewSubjects("")
	require.Equal(t, "graphqlipc.invoke", s.Invoke)
	require.Equal(t, "graphqlipc.cancel", s.Cancel)
	require.Equal(t, "graphqlipc.listen", s.Listen)
	require.Equal(t, "graphqlipc.unlisten", s.Unlisten)

	ev := NewSubjects("app").Event("graphql://42")
	require.True(t, strings.HasPrefix(ev, "app.event."))
	token := strings.TrimPrefix(ev, "app.event.")
	require.NotContains(t, token, ".")
	require.NotContains(t, token, "*")
	require.NotContains(t, token, ">")
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)
	require.Equal(t, "graphql://42", string(decoded))
}

func TestRemoteErrorUnwrapsSentinels(t *testing.T) {
	err := remoteError(codeHost, fmt.Errorf("wrap: %w", ipc.ErrUnknownPlugin))
	require.Equal(t, codeUnknownPlugin, err.Code)
	require.ErrorIs(t, err, ipc.ErrUnknownPlugin)

	err = remoteError(codeHost, fmt.Errorf("wrap: %w", ipc.ErrInvalidCommand))
	require.ErrorIs(t, err, ipc.ErrInvalidCommand)

	err = remoteError(codeHost, errors.New("boom"))
	require.Equal(t, codeHost, err.Code)
	require.Equal(t, "boom", err.Error())
	require.Nil(t, err.Unwrap())

	err = remoteError(codeBadRequest, ipc.ErrUnknownPlugin)
	require.Equal(t, codeBadRequest, err.Code)
}

func TestDecodeReply(t *testing.T) {
	r, err := decodeReply([]byte(`{"response":["{\"data\":null}",true]}`))
	require.NoError(t, err)
	require.Equal(t, ipc.Response{Body: `{"data":null}`, IsOk: true}, *r.Response)

	_, err = decodeReply([]byte(`{"error":{"code":"unknown_plugin","message":"no such plugin"}}`))
	require.ErrorIs(t, err, ipc.ErrUnknownPlugin)
	require.EqualError(t, err, "no such plugin")

	_, err = decodeReply([]byte(`not json`))
	require.ErrorContains(t, err, "malformed reply")
}

func TestNATSCode(t *testing.T) {
	require.Equal(t, "OK", natsCode(nil))
	require.Equal(t, "no_responders", natsCode(nats.ErrNoResponders))
	require.Equal(t, "timeout", natsCode(nats.ErrTimeout))
	require.Equal(t, "timeout", natsCode(context.DeadlineExceeded))
	require.Equal(t, "canceled", natsCode(context.Canceled))
	require.Equal(t, codeHost, natsCode(&RemoteError{Code: codeHost}))
	require.Equal(t, "error", natsCode(errors.New("x")))
}

func TestOptionDefaults(t *testing.T) {
	op := buildOptions(nil)
	require.Equal(t, 5*time.Second, op.ListenTimeout)
	require.Equal(t, -1, op.MaxReconnects)
	require.NotNil(t, op.Logger)

	op = buildOptions([]Option{WithPrefix("p"), WithListenTimeout(time.Second), WithName("n")})
	require.Equal(t, "p", op.Prefix)
	require.Equal(t, time.Second, op.ListenTimeout)
	require.Equal(t, "n", op.Name)
}

var natsURL string

// TestMain runs the package against an in-process NATS server.
func TestMain(m *testing.M) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	srv := natsserver.RunServer(&opts)
	natsURL = srv.ClientURL()
	code := m.Run()
	srv.Shutdown()
	os.Exit(code)
}

func connect(t *testing.T) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(natsURL)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func startPair(t *testing.T, host ipc.Host) (*Server, *Client) {
	t.Helper()
	nc := connect(t)
	prefix := "test" + strings.ReplaceAll(nats.NewInbox(), "_INBOX.", "")
	srv := NewServer(nc, host, WithServerPrefix(prefix))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Close() })
	return srv, NewClient(nc, WithPrefix(prefix))
}

func TestInvokeRoundTrip(t *testing.T) {
	host := ipc.NewMockHost().Handle("plugin:graphql-ipc|graphql", func(_ context.Context, args json.RawMessage) (ipc.Response, error) {
		return ipc.Response{Body: string(args), IsOk: true}, nil
	})
	_, c := startPair(t, host)

	resp, err := c.Invoke(context.Background(), "plugin:graphql-ipc|graphql", map[string]any{"a": 1})
	require.NoError(t, err)
	require.True(t, resp.IsOk)
	require.JSONEq(t, `{"a":1}`, resp.Body)
}

func TestInvokeHostError(t *testing.T) {
	host := ipc.NewMockHost().Fail("plugin:x|y", fmt.Errorf("load: %w", ipc.ErrUnknownPlugin))
	_, c := startPair(t, host)

	_, err := c.Invoke(context.Background(), "plugin:x|y", nil)
	require.ErrorIs(t, err, ipc.ErrUnknownPlugin)
}

func TestInvokeCancelReachesHost(t *testing.T) {
	cancelled := make(chan struct{})
	host := ipc.NewMockHost().Handle("plugin:x|slow", func(ctx context.Context, _ json.RawMessage) (ipc.Response, error) {
		<-ctx.Done()
		close(cancelled)
		return ipc.Response{}, ctx.Err()
	})
	_, c := startPair(t, host)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Invoke(ctx, "plugin:x|slow", nil)
	require.Error(t, err)
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("host invocation was not cancelled")
	}
}

func TestListenDeliversPayloadsThenEnd(t *testing.T) {
	host := ipc.NewMockHost()
	srv, c := startPair(t, host)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	off, err := c.Listen(context.Background(), "graphql://7", func(p *string) {
		mu.Lock()
		defer mu.Unlock()
		if p == nil {
			close(done)
			return
		}
		got = append(got, *p)
	})
	require.NoError(t, err)
	require.Equal(t, 1, host.Listeners("graphql://7"))
	require.Equal(t, 1, srv.Listeners())

	a, b := `{"data":1}`, `{"data":2}`
	host.Emit("graphql://7", &a)
	host.Emit("graphql://7", &b)
	host.Emit("graphql://7", nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("end sentinel not delivered")
	}
	mu.Lock()
	require.Equal(t, []string{a, b}, got)
	mu.Unlock()

	off()
	off()
	require.Eventually(t, func() bool { return host.Listeners("graphql://7") == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, host.Unlistens())
}

func TestListenFailure(t *testing.T) {
	host := ipc.NewMockHost().FailListen(errors.New("denied"))
	_, c := startPair(t, host)

	_, err := c.Listen(context.Background(), "graphql://1", func(*string) {})
	require.EqualError(t, err, "denied")
}

func TestClosedClient(t *testing.T) {
	nc := connect(t)
	c := NewClient(nc)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err := c.Invoke(context.Background(), "plugin:x|y", nil)
	require.ErrorIs(t, err, ErrClosed)
	_, err = c.Listen(context.Background(), "e", func(*string) {})
	require.ErrorIs(t, err, ErrClosed)
	require.True(t, nc.IsConnected())
}

func TestListenWithoutDeadline(t *testing.T) {
	host := ipc.NewMockHost()
	_, c := startPair(t, host)

	off, err := c.Listen(context.Background(), "graphql://3", func(*string) {})
	require.NoError(t, err)
	defer off()
	require.Equal(t, 1, host.Listeners("graphql://3"))
}

func newPluginHost(exec plugin.Executor) *ipc.Local {
	host := ipc.NewLocal()
	plugin.Register(host, exec)
	return host
}

func TestPluginQueryRoundTrip(t *testing.T) {
	exec := plugin.NewMockExecutor().SetData("hello", `{"hello":"world"}`)
	_, c := startPair(t, newPluginHost(exec))

	resp, err := c.Invoke(context.Background(), ipc.Command(plugin.Name, plugin.CommandGraphQL), map[string]any{
		"query": "{ hello }",
	})
	require.NoError(t, err)
	require.True(t, resp.IsOk)
	require.JSONEq(t, `{"data":{"hello":"world"}}`, resp.Body)
}

func TestPluginSubscriptionEndsWithSentinel(t *testing.T) {
	exec := plugin.NewMockExecutor().SetStream("tick",
		operation.ExecutionResult{Data: json.RawMessage(`{"tick":1}`)},
		operation.ExecutionResult{Data: json.RawMessage(`{"tick":2}`)},
	)
	_, c := startPair(t, newPluginHost(exec))

	var mu sync.Mutex
	var got []*string
	done := make(chan struct{})
	off, err := c.Listen(context.Background(), "graphql://5", func(p *string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, p)
		if p == nil {
			close(done)
		}
	})
	require.NoError(t, err)
	defer off()

	resp, err := c.Invoke(context.Background(), ipc.Command(plugin.Name, plugin.CommandSubscription), map[string]any{
		"query": "subscription { tick }",
		"id":    5,
	})
	require.NoError(t, err)
	require.True(t, resp.IsOk)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("end sentinel not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	require.JSONEq(t, `{"data":{"tick":1}}`, *got[0])
	require.JSONEq(t, `{"data":{"tick":2}}`, *got[1])
	require.Nil(t, got[2])
}

type chanSink struct {
	nexts chan operation.ExecutionResult
	done  chan error
}

func newChanSink() *chanSink {
	return &chanSink{nexts: make(chan operation.ExecutionResult, 16), done: make(chan error, 1)}
}

func (s *chanSink) Next(r operation.ExecutionResult) { s.nexts <- r }
func (s *chanSink) Error(err error)                  { s.done <- err }
func (s *chanSink) Complete()                        { s.done <- nil }

func TestForwardSubscriptionOverNATS(t *testing.T) {
	exec := plugin.NewMockExecutor().SetStream("tick",
		operation.ExecutionResult{Data: json.RawMessage(`{"tick":1}`)},
		operation.ExecutionResult{Data: json.RawMessage(`{"tick":2}`)},
	)
	_, c := startPair(t, newPluginHost(exec))

	doc, err := language.ParseQuery(`subscription { tick }`)
	require.NoError(t, err)
	op := operation.Operation{
		Kind:    operation.Subscription,
		Key:     1,
		Query:   doc,
		Context: operation.Context{URL: exchange.DefaultURL},
	}
	sink := newChanSink()
	sub := exchange.ForwardSubscription(c)(op).Subscribe(sink)
	defer sub.Unsubscribe()

	select {
	case err := <-sink.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not complete")
	}
	close(sink.nexts)
	var data []string
	for r := range sink.nexts {
		data = append(data, string(r.Data))
	}
	require.Len(t, data, 2)
	require.JSONEq(t, `{"tick":1}`, data[0])
	require.JSONEq(t, `{"tick":2}`, data[1])
}

func TestClientOverNATS(t *testing.T) {
	exec := plugin.NewMockExecutor().
		SetData("hello", `{"hello":"nats"}`).
		SetStream("tick", operation.ExecutionResult{Data: json.RawMessage(`{"tick":1}`)})
	_, c := startPair(t, newPluginHost(exec))
	cl := client.ForHost(c, nil)
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := cl.Query(ctx, `{ hello }`, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"hello":"nats"}`, string(res.Data))

	ch, err := cl.Subscribe(ctx, `subscription { tick }`, nil)
	require.NoError(t, err)
	updates := stream.Collect(ch)
	require.Len(t, updates, 1)
	require.NoError(t, updates[0].Error)
	require.JSONEq(t, `{"tick":1}`, string(updates[0].Data))
}
