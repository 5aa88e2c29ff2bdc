package grpcipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/hanpama/graphqlipc/internal/eventbus"
	"github.com/hanpama/graphqlipc/internal/events"
	"github.com/hanpama/graphqlipc/internal/ipc"
	"github.com/hanpama/graphqlipc/internal/reqid"
)

// requestIDHeader carries the caller's request id to the host.
const requestIDHeader = "graphql-request-id"

var listenStreamDesc = &grpc.StreamDesc{StreamName: "Listen", ServerStreams: true}

// Transport is an ipc.Host backed by a remote host Server. Connections are
// pooled per endpoint.
type Transport struct {
	opts *Options

	mu     sync.RWMutex
	pools  map[string]*connPool // key: endpoint
	closed atomic.Bool
}

var _ ipc.Host = (*Transport)(nil)

func New(opts ...Option) *Transport {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if len(o.DialOptions) == 0 {
		o.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Transport{
		opts:  o,
		pools: make(map[string]*connPool),
	}
}

func (t *Transport) Invoke(ctx context.Context, cmd string, args any) (resp ipc.Response, err error) {
	raw, err := ipc.EncodeArgs(args)
	if err != nil {
		return ipc.Response{}, err
	}
	if _, ok := ctx.Deadline(); !ok && t.opts.RPCTimeout > 0 && !t.opts.Untimed[cmd] {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.RPCTimeout)
		defer cancel()
	}
	ctx = withRequestID(ctx)

	endpoint, cc, err := t.acquire(ctx)
	if err != nil {
		return ipc.Response{}, err
	}
	defer t.returnConn(endpoint, cc)

	start := time.Now()
	eventbus.Publish(ctx, events.GRPCClientStart{Method: "Invoke", Target: endpoint, Command: cmd})
	out := dynamicpb.NewMessage(hostSchema.invoke.Output())
	err = cc.Invoke(ctx, invokeMethod, newInvokeRequest(cmd, raw), out)
	eventbus.Publish(ctx, events.GRPCClientFinish{
		Method:   "Invoke",
		Target:   endpoint,
		Command:  cmd,
		Code:     status.Code(err),
		Err:      err,
		Duration: time.Since(start),
	})
	if err != nil {
		return ipc.Response{}, err
	}
	return readInvokeResponse(out), nil
}

// Listen opens a Listen stream and returns once the server acknowledged that
// its listener is attached. The stream lives until Unlisten, the end
// sentinel or a transport failure; a failure is reported to h as the end
// sentinel.
func (t *Transport) Listen(ctx context.Context, event string, h ipc.Handler) (ipc.Unlisten, error) {
	ctx = withRequestID(ctx)
	endpoint, cc, err := t.acquire(ctx)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	fail := func(err error) (ipc.Unlisten, error) {
		stop()
		cancel()
		t.returnConn(endpoint, cc)
		return nil, err
	}

	start := time.Now()
	eventbus.Publish(ctx, events.GRPCClientStart{Method: "Listen", Target: endpoint, Command: event})
	cs, err := cc.NewStream(streamCtx, listenStreamDesc, listenMethod)
	if err != nil {
		return fail(err)
	}
	if err := cs.SendMsg(newListenRequest(event)); err != nil {
		return fail(err)
	}
	if err := cs.CloseSend(); err != nil {
		return fail(err)
	}
	if err := awaitAck(cs); err != nil {
		return fail(err)
	}
	if !stop() {
		return fail(ctx.Err())
	}

	go func() {
		defer t.returnConn(endpoint, cc)
		defer cancel()
		err := t.receive(streamCtx, cs, event, h)
		eventbus.Publish(streamCtx, events.GRPCClientFinish{
			Method:   "Listen",
			Target:   endpoint,
			Command:  event,
			Code:     status.Code(err),
			Err:      err,
			Duration: time.Since(start),
		})
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

// awaitAck blocks until the server sent its response headers. A stream that
// ends without them carries the server's error.
func awaitAck(cs grpc.ClientStream) error {
	md, err := cs.Header()
	if err != nil {
		return err
	}
	if len(md.Get(ackHeader)) > 0 {
		return nil
	}
	if err := cs.RecvMsg(dynamicpb.NewMessage(hostSchema.listen.Output())); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return errNotAttached
}

func (t *Transport) receive(ctx context.Context, cs grpc.ClientStream, event string, h ipc.Handler) error {
	for {
		msg := dynamicpb.NewMessage(hostSchema.listen.Output())
		if err := cs.RecvMsg(msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.opts.Logger.Warn("grpcipc: event stream lost", "event", event, "error", err)
			h(nil)
			return err
		}
		payload := readEvent(msg)
		h(payload)
		if payload == nil {
			return nil
		}
	}
}

func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pools {
		p.close()
	}
	t.pools = map[string]*connPool{}
	return nil
}

func withRequestID(ctx context.Context) context.Context {
	rid, ok := reqid.FromContext(ctx)
	if !ok {
		ctx, rid = reqid.NewContext(ctx)
	}
	return metadata.AppendToOutgoingContext(ctx, requestIDHeader, strconv.FormatInt(rid, 10))
}

// ---------------- internals ----------------

func (t *Transport) acquire(ctx context.Context) (string, *grpc.ClientConn, error) {
	if t.closed.Load() {
		return "", nil, ErrClosed
	}
	if t.opts.Provider == nil {
		return "", nil, errNoProvider
	}
	endpoints, err := t.opts.Provider.Endpoints(ctx, ServiceName)
	if err != nil {
		return "", nil, err
	}
	endpoint := endpoints[rand.IntN(len(endpoints))]
	cc, err := t.getConn(endpoint)
	if err != nil {
		return "", nil, err
	}
	return endpoint, cc, nil
}

type connPool struct {
	endpoint string
	opts     *Options

	mu     sync.Mutex // guards conns against close
	conns  chan *grpc.ClientConn
	closed bool
}

func newConnPool(endpoint string, opts *Options) *connPool {
	n := opts.MaxConnsPerEndpoint
	if n <= 0 {
		n = 2
	}
	return &connPool{
		endpoint: endpoint,
		opts:     opts,
		conns:    make(chan *grpc.ClientConn, n),
	}
}

func (p *connPool) get() (*grpc.ClientConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	select {
	case cc := <-p.conns:
		p.mu.Unlock()
		return cc, nil
	default:
	}
	p.mu.Unlock()
	cc, err := grpc.NewClient(p.endpoint, p.opts.DialOptions...)
	if err != nil {
		return nil, fmt.Errorf("grpcipc: dial %s: %w", p.endpoint, err)
	}
	return cc, nil
}

func (p *connPool) put(cc *grpc.ClientConn) {
	if cc == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = cc.Close()
		return
	}
	select {
	case p.conns <- cc:
	default:
		_ = cc.Close()
	}
}

func (p *connPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.conns)
	for cc := range p.conns {
		_ = cc.Close()
	}
}

func (t *Transport) getConn(endpoint string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	pool := t.pools[endpoint]
	t.mu.RUnlock()
	if pool == nil {
		t.mu.Lock()
		if t.closed.Load() {
			t.mu.Unlock()
			return nil, ErrClosed
		}
		pool = t.pools[endpoint]
		if pool == nil {
			pool = newConnPool(endpoint, t.opts)
			t.pools[endpoint] = pool
		}
		t.mu.Unlock()
	}
	return pool.get()
}

func (t *Transport) returnConn(endpoint string, cc *grpc.ClientConn) {
	t.mu.RLock()
	pool := t.pools[endpoint]
	t.mu.RUnlock()
	if pool != nil {
		pool.put(cc)
		return
	}
	_ = cc.Close()
}
