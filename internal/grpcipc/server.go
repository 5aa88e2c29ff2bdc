package grpcipc

import (
	"context"
	"encoding/json"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/hanpama/graphqlipc/internal/ipc"
	"github.com/hanpama/graphqlipc/internal/reqid"
)

// ackHeader is sent in the Listen response headers once the listener is
// attached.
const ackHeader = "graphqlipc-listening"

// hostServer is the handler type of the host service.
type hostServer interface {
	invoke(ctx context.Context, in *dynamicpb.Message) (*dynamicpb.Message, error)
	listen(in *dynamicpb.Message, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*hostServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Listen", Handler: listenHandler, ServerStreams: true},
	},
	Metadata: protoPath,
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := dynamicpb.NewMessage(hostSchema.invoke.Input())
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(hostServer).invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: invokeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(hostServer).invoke(ctx, req.(*dynamicpb.Message))
	}
	return interceptor(ctx, in, info, handler)
}

func listenHandler(srv any, stream grpc.ServerStream) error {
	in := dynamicpb.NewMessage(hostSchema.listen.Input())
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(hostServer).listen(in, stream)
}

type ServerOptions struct {
	// Buffer is the number of events queued per listener before the emitting
	// side blocks. Default 16.
	Buffer int
	Logger *slog.Logger
}

type ServerOption func(*ServerOptions)

func WithBuffer(n int) ServerOption                { return func(o *ServerOptions) { o.Buffer = n } }
func WithServerLogger(l *slog.Logger) ServerOption { return func(o *ServerOptions) { o.Logger = l } }

// Server exposes an ipc.Host to remote Transports.
type Server struct {
	host ipc.Host
	opt  ServerOptions
}

func NewServer(host ipc.Host, opts ...ServerOption) *Server {
	op := ServerOptions{Buffer: 16}
	for _, f := range opts {
		f(&op)
	}
	if op.Logger == nil {
		op.Logger = slog.Default()
	}
	return &Server{host: host, opt: op}
}

// Register installs the host service on gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

func (s *Server) invoke(ctx context.Context, in *dynamicpb.Message) (*dynamicpb.Message, error) {
	cmd, args := readInvokeRequest(in)
	ctx = reqid.Parse(ctx, requestID(ctx))
	if len(args) == 0 {
		args = []byte("null")
	}
	resp, err := s.host.Invoke(ctx, cmd, json.RawMessage(args))
	if err != nil {
		s.opt.Logger.Debug("grpcipc: invoke failed", "command", cmd, "request_id", requestID(ctx), "error", err)
		return nil, toStatus(err)
	}
	return newInvokeResponse(resp), nil
}

func (s *Server) listen(in *dynamicpb.Message, stream grpc.ServerStream) error {
	ctx := stream.Context()
	event := in.Get(hostSchema.event).String()

	payloads := make(chan *string, s.opt.Buffer)
	unlisten, err := s.host.Listen(ctx, event, func(p *string) {
		select {
		case payloads <- p:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return toStatus(err)
	}
	defer unlisten()

	if err := stream.SendHeader(metadata.Pairs(ackHeader, event)); err != nil {
		return err
	}
	s.opt.Logger.Debug("grpcipc: listener attached", "event", event, "request_id", requestID(ctx))
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-payloads:
			if err := stream.SendMsg(newEvent(p)); err != nil {
				return err
			}
			if p == nil {
				return nil
			}
		}
	}
}

func requestID(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if v := md.Get(requestIDHeader); len(v) > 0 {
		return v[0]
	}
	return ""
}
