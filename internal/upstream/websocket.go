package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	language "github.com/hanpama/graphqlipc/internal/language"
	"github.com/hanpama/graphqlipc/internal/operation"
	"github.com/hanpama/graphqlipc/internal/plugin"
)

// Subprotocol is the websocket subprotocol spoken to the upstream server.
const Subprotocol = "graphql-transport-ws"

type messageType string

const (
	msgConnectionInit messageType = "connection_init"
	msgConnectionAck  messageType = "connection_ack"
	msgPing           messageType = "ping"
	msgPong           messageType = "pong"
	msgSubscribe      messageType = "subscribe"
	msgNext           messageType = "next"
	msgError          messageType = "error"
	msgComplete       messageType = "complete"
)

type message struct {
	ID      string          `json:"id,omitempty"`
	Type    messageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// subscriptionID is the only operation id used on a connection; every
// subscription gets its own connection.
const subscriptionID = "1"

const ackTimeout = 10 * time.Second

var errNoAck = errors.New("upstream: connection not acknowledged")

// Subscribe opens a connection, waits for the server to acknowledge it and
// starts req. The returned channel closes when the server completes the
// operation, the connection drops or ctx is done.
func (e *Executor) Subscribe(ctx context.Context, req plugin.Request) (<-chan operation.ExecutionResult, error) {
	conn, _, err := e.opt.Dialer.DialContext(ctx, e.opt.WSEndpoint, e.opt.Headers)
	if err != nil {
		return nil, fmt.Errorf("upstream: dial %s: %w", e.opt.WSEndpoint, err)
	}
	ws := &wsConn{conn: conn}
	if err := ws.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	payload, err := codec.Marshal(req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream: encode request: %w", err)
	}
	if err := ws.send(message{ID: subscriptionID, Type: msgSubscribe, Payload: payload}); err != nil {
		conn.Close()
		return nil, err
	}

	out := make(chan operation.ExecutionResult)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.send(message{ID: subscriptionID, Type: msgComplete})
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(out)
		defer close(done)
		defer conn.Close()
		if err := ws.readLoop(ctx, out); err != nil && ctx.Err() == nil {
			e.opt.Logger.Warn("upstream: subscription ended", "endpoint", e.opt.WSEndpoint, "error", err)
		}
	}()
	return out, nil
}

type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *wsConn) send(m message) error {
	b, err := codec.Marshal(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("upstream: write %s: %w", m.Type, err)
	}
	return nil
}

func (c *wsConn) read() (message, error) {
	var m message
	_, b, err := c.conn.ReadMessage()
	if err != nil {
		return m, err
	}
	if err := codec.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("upstream: invalid message: %w", err)
	}
	return m, nil
}

func (c *wsConn) handshake(ctx context.Context) error {
	if err := c.send(message{Type: msgConnectionInit}); err != nil {
		return err
	}
	deadline := time.Now().Add(ackTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		m, err := c.read()
		if err != nil {
			return fmt.Errorf("%w: %v", errNoAck, err)
		}
		switch m.Type {
		case msgConnectionAck:
			return nil
		case msgPing:
			if err := c.send(message{Type: msgPong}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: got %q", errNoAck, m.Type)
		}
	}
}

func (c *wsConn) readLoop(ctx context.Context, out chan<- operation.ExecutionResult) error {
	deliver := func(res operation.ExecutionResult) bool {
		select {
		case out <- res:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for {
		m, err := c.read()
		if err != nil {
			return err
		}
		switch m.Type {
		case msgPing:
			if err := c.send(message{Type: msgPong}); err != nil {
				return err
			}
		case msgNext:
			var res operation.ExecutionResult
			if err := codec.Unmarshal(m.Payload, &res); err != nil {
				return fmt.Errorf("upstream: invalid next payload: %w", err)
			}
			if !deliver(res) {
				return nil
			}
		case msgError:
			var errs language.ErrorList
			if err := codec.Unmarshal(m.Payload, &errs); err != nil {
				return fmt.Errorf("upstream: invalid error payload: %w", err)
			}
			deliver(operation.ExecutionResult{Errors: errs})
			return nil
		case msgComplete:
			return nil
		}
	}
}
