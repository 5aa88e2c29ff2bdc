package grpcipc

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"

	"github.com/hanpama/graphqlipc/internal/exchange"
)

// Options configures the gRPC client transport.
//
// Defaults:
// - MaxConnsPerEndpoint: 2
// - RPCTimeout:          3s (Invoke only, used if the context has no deadline)
// - Untimed:             the subscription command, which runs for the whole stream
// - DialOptions:         insecure credentials
//
// Provider must be set, directly or through WithTarget.
type Options struct {
	Provider EndpointProvider

	MaxConnsPerEndpoint int
	RPCTimeout          time.Duration
	Untimed             map[string]bool

	DialOptions []grpc.DialOption
	Logger      *slog.Logger
}

type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		MaxConnsPerEndpoint: 2,
		RPCTimeout:          3 * time.Second,
		Untimed:             map[string]bool{exchange.SubscriptionCommand: true},
	}
}

func WithProvider(p EndpointProvider) Option { return func(o *Options) { o.Provider = p } }
func WithMaxConnsPerEndpoint(n int) Option   { return func(o *Options) { o.MaxConnsPerEndpoint = n } }
func WithRPCTimeout(d time.Duration) Option  { return func(o *Options) { o.RPCTimeout = d } }
func WithLogger(l *slog.Logger) Option       { return func(o *Options) { o.Logger = l } }
// WithUntimed exempts cmds from RPCTimeout.
func WithUntimed(cmds ...string) Option {
	return func(o *Options) {
		for _, c := range cmds {
			o.Untimed[c] = true
		}
	}
}

func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *Options) { o.DialOptions = opts }
}

// WithTarget serves every call from a single host address.
func WithTarget(target string) Option {
	return WithProvider(NewStaticEndpoints(map[string][]string{ServiceName: {target}}))
}
