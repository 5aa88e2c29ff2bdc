package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/graphqlipc/internal/eventbus"
	"github.com/hanpama/graphqlipc/internal/events"
	"github.com/hanpama/graphqlipc/internal/plugin"
)

func TestExecute(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"hello":"world"}}`))
	}))
	defer srv.Close()

	exec, err := New(srv.URL, WithHeader("Authorization", "Bearer t"))
	require.NoError(t, err)
	res, err := exec.Execute(context.Background(), plugin.Request{
		Query:     "query Q($n: Int) { hello }",
		Variables: map[string]any{"n": 1},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"hello":"world"}`, string(res.Data))
	require.Empty(t, res.Errors)
	require.Equal(t, "Bearer t", auth)
	require.Equal(t, "query Q($n: Int) { hello }", got["query"])
	require.Equal(t, map[string]any{"n": float64(1)}, got["variables"])
}

func TestExecuteGraphQLErrorsOnBadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"message":"syntax"}]}`))
	}))
	defer srv.Close()

	exec, err := New(srv.URL)
	require.NoError(t, err)
	res, err := exec.Execute(context.Background(), plugin.Request{Query: "{"})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	require.Equal(t, "syntax", res.Errors[0].Message)
}

func TestExecuteUnexpectedStatus(t *testing.T) {
	eventbus.Use(eventbus.New())
	defer eventbus.Use(nil)
	var finish events.UpstreamFinish
	eventbus.Subscribe(func(_ context.Context, e events.UpstreamFinish) { finish = e })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer srv.Close()

	exec, err := New(srv.URL)
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), plugin.Request{Query: "{ hello }"})
	require.ErrorIs(t, err, errStatus)
	require.Equal(t, http.StatusBadGateway, finish.Status)
	require.Error(t, finish.Err)
}

func TestExecuteTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	exec, err := New(srv.URL, WithTimeout(20*time.Millisecond))
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), plugin.Request{Query: "{ hello }"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New("")
	require.ErrorIs(t, err, ErrNoEndpoint)
}

func TestWebsocketURL(t *testing.T) {
	require.Equal(t, "ws://localhost:8080/graphql", websocketURL("http://localhost:8080/graphql"))
	require.Equal(t, "wss://api.example.com/graphql", websocketURL("https://api.example.com/graphql"))
	require.Equal(t, "ws://already", websocketURL("ws://already"))
}

// wsServer speaks the server side of graphql-transport-ws for one
// subscription and hands each connection to script.
func wsServer(t *testing.T, script func(conn *websocket.Conn, sub message)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var init message
		if err := conn.ReadJSON(&init); err != nil || init.Type != msgConnectionInit {
			return
		}
		if err := conn.WriteJSON(message{Type: msgConnectionAck}); err != nil {
			return
		}
		var sub message
		if err := conn.ReadJSON(&sub); err != nil || sub.Type != msgSubscribe {
			return
		}
		script(conn, sub)
	}))
}

func TestSubscribe(t *testing.T) {
	var subscribed plugin.Request
	srv := wsServer(t, func(conn *websocket.Conn, sub message) {
		_ = json.Unmarshal(sub.Payload, &subscribed)
		_ = conn.WriteJSON(message{Type: msgPing})
		var pong message
		_ = conn.ReadJSON(&pong)
		_ = conn.WriteJSON(message{ID: sub.ID, Type: msgNext, Payload: json.RawMessage(`{"data":{"tick":1}}`)})
		_ = conn.WriteJSON(message{ID: sub.ID, Type: msgNext, Payload: json.RawMessage(`{"data":{"tick":2}}`)})
		_ = conn.WriteJSON(message{ID: sub.ID, Type: msgComplete})
	})
	defer srv.Close()

	exec, err := New(srv.URL)
	require.NoError(t, err)
	updates, err := exec.Subscribe(context.Background(), plugin.Request{Query: "subscription { tick }"})
	require.NoError(t, err)

	var ticks []string
	for res := range updates {
		ticks = append(ticks, string(res.Data))
	}
	require.Equal(t, []string{`{"tick":1}`, `{"tick":2}`}, ticks)
	require.Equal(t, "subscription { tick }", subscribed.Query)
}

func TestSubscribeErrorMessage(t *testing.T) {
	srv := wsServer(t, func(conn *websocket.Conn, sub message) {
		_ = conn.WriteJSON(message{ID: sub.ID, Type: msgError, Payload: json.RawMessage(`[{"message":"unknown field"}]`)})
		time.Sleep(50 * time.Millisecond)
	})
	defer srv.Close()

	exec, err := New(srv.URL)
	require.NoError(t, err)
	updates, err := exec.Subscribe(context.Background(), plugin.Request{Query: "subscription { nope }"})
	require.NoError(t, err)

	res, ok := <-updates
	require.True(t, ok)
	require.Len(t, res.Errors, 1)
	require.Equal(t, "unknown field", res.Errors[0].Message)
	_, ok = <-updates
	require.False(t, ok)
}

func TestSubscribeCancelSendsComplete(t *testing.T) {
	completed := make(chan message, 1)
	srv := wsServer(t, func(conn *websocket.Conn, sub message) {
		_ = conn.WriteJSON(message{ID: sub.ID, Type: msgNext, Payload: json.RawMessage(`{"data":{"tick":1}}`)})
		var m message
		if err := conn.ReadJSON(&m); err == nil {
			completed <- m
		}
	})
	defer srv.Close()

	exec, err := New(srv.URL)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	updates, err := exec.Subscribe(ctx, plugin.Request{Query: "subscription { tick }"})
	require.NoError(t, err)
	<-updates
	cancel()

	select {
	case m := <-completed:
		require.Equal(t, msgComplete, m.Type)
		require.Equal(t, subscriptionID, m.ID)
	case <-time.After(time.Second):
		t.Fatal("server did not receive complete")
	}
	for range updates {
	}
}

func TestSubscribeDialFailure(t *testing.T) {
	exec, err := New("http://127.0.0.1:1/graphql")
	require.NoError(t, err)
	_, err = exec.Subscribe(context.Background(), plugin.Request{Query: "subscription { tick }"})
	require.Error(t, err)
	require.False(t, errors.Is(err, errNoAck))
}
