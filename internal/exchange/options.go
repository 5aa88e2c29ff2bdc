package exchange

import (
	"log/slog"
	"time"

	"github.com/hanpama/graphqlipc/internal/reqid"
)

// Options configures InvokeExchange and ForwardSubscription.
type Options struct {
	// Logger receives lifecycle logs. Defaults to slog.Default().
	Logger *slog.Logger

	// InvokeTimeout bounds each query or mutation host call. 0 means no
	// timeout; an expired call surfaces as IPCError.
	InvokeTimeout time.Duration

	// IDSource mints subscription correlation IDs. Defaults to reqid.Random.
	IDSource reqid.Source
}

type Option func(*Options)

func WithLogger(l *slog.Logger) Option         { return func(o *Options) { o.Logger = l } }
func WithInvokeTimeout(d time.Duration) Option { return func(o *Options) { o.InvokeTimeout = d } }
func WithIDSource(src reqid.Source) Option     { return func(o *Options) { o.IDSource = src } }

func newOptions(opts []Option) *Options {
	o := &Options{}
	for _, f := range opts {
		f(o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.IDSource == nil {
		o.IDSource = reqid.Random
	}
	return o
}
