package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanpama/graphqlipc/internal/exchange"
	"github.com/hanpama/graphqlipc/internal/language"
	"github.com/hanpama/graphqlipc/internal/operation"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writes of a running
// command and the reads of a test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func capture(t *testing.T) (out, errOut *syncBuffer) {
	t.Helper()
	out, errOut = &syncBuffer{}, &syncBuffer{}
	prevOut, prevErr := stdout, stderr
	stdout, stderr = out, errOut
	t.Cleanup(func() { stdout, stderr = prevOut, prevErr })
	return out, errOut
}

func TestHelp(t *testing.T) {
	out, _ := capture(t)
	require.NoError(t, run(context.Background(), []string{"help"}))
	require.Contains(t, out.String(), "COMMANDS:")

	for _, topic := range []string{"serve", "query", "subscribe", "gateway", "proto"} {
		require.NoError(t, run(context.Background(), []string{"help", topic}))
		require.Contains(t, out.String(), topic+" FLAGS")
	}
	require.EqualError(t, run(context.Background(), []string{"help", "nope"}), `unknown help topic "nope"`)
}

func TestUnknownCommand(t *testing.T) {
	_, errOut := capture(t)
	require.EqualError(t, run(context.Background(), []string{"frobnicate"}), `unknown command "frobnicate"`)
	require.Contains(t, errOut.String(), "USAGE:")
	require.EqualError(t, run(context.Background(), nil), "missing command")
}

func TestProto(t *testing.T) {
	out, _ := capture(t)
	require.NoError(t, run(context.Background(), []string{"proto"}))
	require.Contains(t, out.String(), "service Host")

	path := filepath.Join(t.TempDir(), "host.proto")
	require.NoError(t, run(context.Background(), []string{"proto", "-out", path}))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), "package graphqlipc;")
}

func TestConfigPath(t *testing.T) {
	require.Equal(t, "a.yaml", configPath([]string{"-config", "a.yaml"}))
	require.Equal(t, "b.yaml", configPath([]string{"-x", "1", "--config=b.yaml"}))
	require.Equal(t, "", configPath([]string{"config", "c.yaml"}))
	require.Equal(t, "", configPath([]string{"-config"}))
}

func TestHeaderFlag(t *testing.T) {
	h := headerFlag{}
	require.NoError(t, h.Set("Authorization = Bearer x"))
	require.Equal(t, "Bearer x", h["Authorization"])
	require.Error(t, h.Set("novalue"))
	require.Error(t, h.Set("=x"))
}

func TestServeRequiresUpstream(t *testing.T) {
	t.Setenv("GRAPHQLIPC_UPSTREAM_ENDPOINT", "")
	_, errOut := capture(t)
	err := run(context.Background(), []string{"serve"})
	require.ErrorContains(t, err, "upstream.endpoint")
	require.Contains(t, errOut.String(), "serve FLAGS")
}

func TestQueryRequiresDocument(t *testing.T) {
	capture(t)
	err := run(context.Background(), []string{"query"})
	require.EqualError(t, err, "a GraphQL document is required")
}

func TestQueryRejectsBadVariables(t *testing.T) {
	capture(t)
	err := run(context.Background(), []string{"query", "-variables", "[1,", "{ a }"})
	require.ErrorContains(t, err, "-variables")
}

func TestPrintResult(t *testing.T) {
	op := operation.Operation{Kind: operation.Query, Key: 1}
	var buf bytes.Buffer

	require.NoError(t, printResult(&buf, operation.MakeResult(op, operation.ExecutionResult{Data: []byte(`{"a":1}`)})))
	require.JSONEq(t, `{"data":{"a":1}}`, buf.String())

	buf.Reset()
	gqlErr := &exchange.AsyncGraphQLError{Errors: language.ErrorList{{Message: "denied"}}}
	require.NoError(t, printResult(&buf, operation.MakeErrorResult(op, gqlErr, nil)))
	require.JSONEq(t, `{"errors":[{"message":"denied"}]}`, buf.String())

	buf.Reset()
	require.NoError(t, printResult(&buf, operation.MakeErrorResult(op, &exchange.IPCError{Cause: errors.New("down")}, nil)))
	require.Contains(t, buf.String(), "down")
}

func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func TestServeAndQueryOverGRPC(t *testing.T) {
	t.Setenv("GRAPHQLIPC_TRANSPORT", "")
	t.Setenv("GRAPHQLIPC_GRPC_TARGET", "")
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"hello":"world"}}`))
	}))
	defer up.Close()

	out, _ := capture(t)
	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- run(ctx, []string{"serve", "-upstream.endpoint", up.URL, "-serve.grpc-addr", addr})
	}()

	require.Eventually(t, func() bool {
		err := run(context.Background(), []string{"query", "-transport.grpc.target", addr, "{ hello }"})
		return err == nil && strings.Contains(out.String(), `"hello":"world"`)
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestGatewayOverGRPC(t *testing.T) {
	t.Setenv("GRAPHQLIPC_TRANSPORT", "")
	t.Setenv("GRAPHQLIPC_GRPC_TARGET", "")
	t.Setenv("GRAPHQLIPC_GATEWAY_ADDR", "")
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"hello":"gateway"}}`))
	}))
	defer up.Close()

	capture(t)
	hostAddr, httpAddr := freeAddr(t), freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 2)
	go func() {
		done <- run(ctx, []string{"serve", "-upstream.endpoint", up.URL, "-serve.grpc-addr", hostAddr})
	}()
	go func() {
		done <- run(ctx, []string{"gateway", "-transport.grpc.target", hostAddr, "-gateway.addr", httpAddr})
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Post("http://"+httpAddr+"/graphql", "application/json", strings.NewReader(`{"query":"{ hello }"}`))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && strings.Contains(string(body), `"hello":"gateway"`)
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("commands did not stop")
		}
	}
}
