package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/hanpama/graphqlipc/internal/client"
	"github.com/hanpama/graphqlipc/internal/config"
	"github.com/hanpama/graphqlipc/internal/eventbus"
	"github.com/hanpama/graphqlipc/internal/exchange"
	"github.com/hanpama/graphqlipc/internal/grpcipc"
	"github.com/hanpama/graphqlipc/internal/ipc"
	"github.com/hanpama/graphqlipc/internal/logging"
	"github.com/hanpama/graphqlipc/internal/metrics"
	"github.com/hanpama/graphqlipc/internal/natsipc"
	"github.com/hanpama/graphqlipc/internal/operation"
	"github.com/hanpama/graphqlipc/internal/otel"
	"github.com/hanpama/graphqlipc/internal/plugin"
	"github.com/hanpama/graphqlipc/internal/reqid"
	"github.com/hanpama/graphqlipc/internal/server"
	"github.com/hanpama/graphqlipc/internal/upstream"
)

const rootUsage = `graphql-ipc: GraphQL operations over a host command channel

USAGE:
  graphql-ipc <command> [flags]

COMMANDS:
  serve            Run the host: graphql-ipc plugin over an upstream GraphQL endpoint
  query            Run a query or mutation through a remote host
  subscribe        Run a subscription through a remote host, one JSON line per update
  gateway          Serve GraphQL over HTTP, answered by a remote host
  proto            Print the host service definition as .proto
  help             Show help for any command
`

const configUsage = `  -config <file>                      YAML configuration file
  -log.level <level>                  debug, info, warn or error (default: info)
  -log.format <text|json>             Log format (default: text)
  -otel.endpoint <addr>               OTLP collector endpoint
  -otel.service <name>                OpenTelemetry service name (default: graphql-ipc)
`

const serveUsage = `serve FLAGS:
  -upstream.endpoint <url>            Upstream GraphQL HTTP endpoint (required)
  -upstream.ws-endpoint <url>         Upstream graphql-transport-ws endpoint (default: derived)
  -upstream.timeout <duration>        Upstream request timeout (default: 10s)
  -upstream.header <Name=Value>       Header sent upstream. Repeatable
  -serve.grpc-addr <addr>             gRPC listen address, empty to disable (default: :7070)
  -serve.nats                         Also serve the host over NATS
  -serve.metrics-addr <addr>          Prometheus /metrics listen address
  -transport.nats.url <url>           NATS server URL
  -transport.nats.prefix <prefix>     NATS subject prefix (default: graphqlipc)
` + configUsage

const queryUsage = `query FLAGS:
  -query <document>                   GraphQL document, or pass it as the first argument
  -query-file <file>                  Read the document from a file
  -operation <name>                   Operation to run in a multi-operation document
  -variables <json>                   Variables as a JSON object
  -transport.kind <grpc|nats>         Remote host transport (default: grpc)
  -transport.grpc.target <addr>       gRPC host address (default: localhost:7070)
  -transport.grpc.rpc-timeout <dur>   gRPC invoke timeout (default: 3s)
  -transport.nats.url <url>           NATS server URL
  -transport.nats.prefix <prefix>     NATS subject prefix (default: graphqlipc)
  -exchange.invoke-timeout <duration> Bound each host invocation (default: none)
  -exchange.correlation <mode>        Subscription ids: random or sequential (default: random)
` + configUsage

const subscribeUsage = `subscribe FLAGS:
  (same as query; the document must be a subscription)
`

const gatewayUsage = `gateway FLAGS:
  -gateway.addr <addr>                HTTP listen address (default: :8080)
  -gateway.path <path>                GraphQL endpoint path (default: /graphql)
  -gateway.timeout <duration>         Default query and mutation timeout (default: 10s)
  -gateway.cors-origin <origin>       Allowed CORS origin. Repeatable
  -gateway.metrics-addr <addr>        Prometheus /metrics listen address
  -transport.kind <grpc|nats>         Remote host transport (default: grpc)
  -transport.grpc.target <addr>       gRPC host address (default: localhost:7070)
  -transport.grpc.rpc-timeout <dur>   gRPC invoke timeout (default: 3s)
  -transport.nats.url <url>           NATS server URL
  -transport.nats.prefix <prefix>     NATS subject prefix (default: graphqlipc)
  -exchange.invoke-timeout <duration> Bound each host invocation (default: none)
  -exchange.correlation <mode>        Subscription ids: random or sequential (default: random)
` + configUsage

const protoUsage = `proto FLAGS:
  -out <file>                         Write the .proto file (default: stdout)
`

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string) error {
	global := flag.NewFlagSet("graphql-ipc", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer)) // silence automatic output
	if err := global.Parse(args); err != nil {
		fmt.Fprint(stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "serve":
		return cmdServe(ctx, cmdArgs)
	case "query":
		return cmdQuery(ctx, cmdArgs)
	case "subscribe":
		return cmdSubscribe(ctx, cmdArgs)
	case "gateway":
		return cmdGateway(ctx, cmdArgs)
	case "proto":
		return cmdProto(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Fprint(stdout, serveUsage)
	case "query":
		fmt.Fprint(stdout, queryUsage)
	case "subscribe":
		fmt.Fprint(stdout, subscribeUsage)
	case "gateway":
		fmt.Fprint(stdout, gatewayUsage)
	case "proto":
		fmt.Fprint(stdout, protoUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

type headerFlag map[string]string

func (h headerFlag) String() string { return "" }

func (h headerFlag) Set(v string) error {
	name, value, ok := strings.Cut(v, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("invalid header %q", v)
	}
	h[name] = strings.TrimSpace(value)
	return nil
}

// configPath finds -config in args before the flag set is built, so file
// values can serve as flag defaults.
func configPath(args []string) string {
	for i, a := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// commandFlags loads the configuration and binds the flags shared by every
// command to it.
func commandFlags(name string, args []string) (*flag.FlagSet, *config.Config, error) {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		return nil, nil, err
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.String("config", "", "YAML configuration file")
	fs.StringVar(&cfg.Log.Level, "log.level", cfg.Log.Level, "Log level")
	fs.StringVar(&cfg.Log.Format, "log.format", cfg.Log.Format, "Log format")
	fs.StringVar(&cfg.Telemetry.OTelEndpoint, "otel.endpoint", cfg.Telemetry.OTelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&cfg.Telemetry.Service, "otel.service", cfg.Telemetry.Service, "OpenTelemetry service name")
	fs.StringVar(&cfg.Transport.NATS.URL, "transport.nats.url", cfg.Transport.NATS.URL, "NATS server URL")
	fs.StringVar(&cfg.Transport.NATS.Prefix, "transport.nats.prefix", cfg.Transport.NATS.Prefix, "NATS subject prefix")
	return fs, cfg, nil
}

// telemetry installs the event bus, logging and tracing for one command run.
func telemetry(cfg *config.Config) (*slog.Logger, func(), error) {
	logger := logging.Configure(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: stderr})
	eventbus.Use(eventbus.New())
	shutdown, err := otel.Setup(cfg.Telemetry.OTelEndpoint, cfg.Telemetry.Service)
	if err != nil {
		return nil, nil, fmt.Errorf("otel setup: %w", err)
	}
	return logger, func() { _ = shutdown(context.Background()) }, nil
}

func natsConnect(cfg *config.Config, logger *slog.Logger) (*nats.Conn, error) {
	return nats.Connect(cfg.Transport.NATS.URL,
		nats.Name("graphql-ipc"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
}

func cmdServe(ctx context.Context, args []string) error {
	fs, cfg, err := commandFlags("serve", args)
	if err != nil {
		fmt.Fprint(stderr, serveUsage)
		return err
	}
	headers := headerFlag{}
	for k, v := range cfg.Upstream.Headers {
		headers[k] = v
	}
	fs.StringVar(&cfg.Upstream.Endpoint, "upstream.endpoint", cfg.Upstream.Endpoint, "Upstream GraphQL endpoint")
	fs.StringVar(&cfg.Upstream.WSEndpoint, "upstream.ws-endpoint", cfg.Upstream.WSEndpoint, "Upstream websocket endpoint")
	fs.DurationVar(&cfg.Upstream.Timeout, "upstream.timeout", cfg.Upstream.Timeout, "Upstream request timeout")
	fs.Var(headers, "upstream.header", "Header sent upstream")
	fs.StringVar(&cfg.Serve.GRPCAddr, "serve.grpc-addr", cfg.Serve.GRPCAddr, "gRPC listen address")
	fs.BoolVar(&cfg.Serve.NATS, "serve.nats", cfg.Serve.NATS, "Serve over NATS")
	fs.StringVar(&cfg.Serve.MetricsAddr, "serve.metrics-addr", cfg.Serve.MetricsAddr, "Metrics listen address")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, serveUsage)
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		fmt.Fprint(stderr, serveUsage)
		return err
	}

	logger, shutdown, err := telemetry(cfg)
	if err != nil {
		return err
	}
	defer shutdown()

	upOpts := []upstream.Option{upstream.WithTimeout(cfg.Upstream.Timeout), upstream.WithLogger(logger)}
	if cfg.Upstream.WSEndpoint != "" {
		upOpts = append(upOpts, upstream.WithWSEndpoint(cfg.Upstream.WSEndpoint))
	}
	for k, v := range headers {
		upOpts = append(upOpts, upstream.WithHeader(k, v))
	}
	exec, err := upstream.New(cfg.Upstream.Endpoint, upOpts...)
	if err != nil {
		return fmt.Errorf("upstream: %w", err)
	}
	host := ipc.NewLocal()
	plugin.Register(host, exec, plugin.WithLogger(logger))

	errc := make(chan error, 3)
	if cfg.Serve.MetricsAddr != "" {
		stop, err := serveMetrics(cfg.Serve.MetricsAddr, logger, errc)
		if err != nil {
			return err
		}
		defer stop()
	}

	if cfg.Serve.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Serve.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Serve.GRPCAddr, err)
		}
		gs := grpc.NewServer()
		grpcipc.NewServer(host, grpcipc.WithServerLogger(logger)).Register(gs)
		defer gs.Stop()
		go func() {
			if err := gs.Serve(lis); err != nil {
				errc <- fmt.Errorf("grpc server: %w", err)
			}
		}()
		logger.Info("host listening", "transport", "grpc", "addr", lis.Addr().String())
	}

	if cfg.Serve.NATS {
		nc, err := natsConnect(cfg, logger)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		srv := natsipc.NewServer(nc, host, natsipc.WithServerPrefix(cfg.Transport.NATS.Prefix), natsipc.WithServerLogger(logger))
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Close()
		logger.Info("host listening", "transport", "nats", "url", nc.ConnectedUrl(), "prefix", cfg.Transport.NATS.Prefix)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errc:
		return err
	}
}

// serveMetrics exposes /metrics on addr until stop is called. Listener
// failures are sent to errc.
func serveMetrics(addr string, logger *slog.Logger, errc chan<- error) (stop func(), err error) {
	m := metrics.New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	detach := m.Attach()
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	logger.Info("metrics listening", "addr", addr)
	return func() {
		_ = srv.Close()
		detach()
	}, nil
}

// remoteHost connects to the host named by the transport configuration.
func remoteHost(cfg *config.Config, logger *slog.Logger) (ipc.Host, func(), error) {
	switch cfg.Transport.Kind {
	case config.TransportNATS:
		c, err := natsipc.Connect(cfg.Transport.NATS.URL,
			natsipc.WithPrefix(cfg.Transport.NATS.Prefix),
			natsipc.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	default:
		tp := grpcipc.New(
			grpcipc.WithTarget(cfg.Transport.GRPC.Target),
			grpcipc.WithMaxConnsPerEndpoint(cfg.Transport.GRPC.MaxConns),
			grpcipc.WithRPCTimeout(cfg.Transport.GRPC.RPCTimeout),
			grpcipc.WithLogger(logger))
		return tp, func() { _ = tp.Close() }, nil
	}
}

type operationFlags struct {
	query     string
	queryFile string
	operation string
	variables string
}

func clientFlags(name string, args []string) (*flag.FlagSet, *config.Config, *operationFlags, error) {
	fs, cfg, err := commandFlags(name, args)
	if err != nil {
		return nil, nil, nil, err
	}
	of := &operationFlags{}
	fs.StringVar(&of.query, "query", "", "GraphQL document")
	fs.StringVar(&of.queryFile, "query-file", "", "GraphQL document file")
	fs.StringVar(&of.operation, "operation", "", "Operation name")
	fs.StringVar(&of.variables, "variables", "", "Variables as JSON")
	fs.StringVar(&cfg.Transport.Kind, "transport.kind", cfg.Transport.Kind, "Remote host transport")
	fs.StringVar(&cfg.Transport.GRPC.Target, "transport.grpc.target", cfg.Transport.GRPC.Target, "gRPC host address")
	fs.DurationVar(&cfg.Transport.GRPC.RPCTimeout, "transport.grpc.rpc-timeout", cfg.Transport.GRPC.RPCTimeout, "gRPC invoke timeout")
	fs.DurationVar(&cfg.Exchange.InvokeTimeout, "exchange.invoke-timeout", cfg.Exchange.InvokeTimeout, "Invocation timeout")
	fs.StringVar(&cfg.Exchange.Correlation, "exchange.correlation", cfg.Exchange.Correlation, "Subscription id source")
	return fs, cfg, of, nil
}

func (of *operationFlags) request(fs *flag.FlagSet) (client.Request, error) {
	doc := of.query
	if doc == "" && of.queryFile != "" {
		b, err := os.ReadFile(of.queryFile)
		if err != nil {
			return client.Request{}, err
		}
		doc = string(b)
	}
	if doc == "" && fs.NArg() > 0 {
		doc = fs.Arg(0)
	}
	if doc == "" {
		return client.Request{}, fmt.Errorf("a GraphQL document is required")
	}
	req := client.Request{Query: doc, OperationName: of.operation}
	if of.variables != "" {
		if err := codec.UnmarshalFromString(of.variables, &req.Variables); err != nil {
			return client.Request{}, fmt.Errorf("-variables: %w", err)
		}
	}
	return req, nil
}

// openClient parses the flags of a client command and connects it.
func openClient(name, usage string, args []string) (*client.Client, client.Request, func(), error) {
	fs, cfg, of, err := clientFlags(name, args)
	if err != nil {
		fmt.Fprint(stderr, usage)
		return nil, client.Request{}, nil, err
	}
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, usage)
		return nil, client.Request{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, client.Request{}, nil, err
	}
	req, err := of.request(fs)
	if err != nil {
		fmt.Fprint(stderr, usage)
		return nil, client.Request{}, nil, err
	}

	logger, shutdown, err := telemetry(cfg)
	if err != nil {
		return nil, client.Request{}, nil, err
	}
	c, closeClient, err := dial(cfg, logger)
	if err != nil {
		shutdown()
		return nil, client.Request{}, nil, err
	}
	return c, req, func() {
		closeClient()
		shutdown()
	}, nil
}

// dial builds a client whose pipeline ends at the remote host.
func dial(cfg *config.Config, logger *slog.Logger) (*client.Client, func(), error) {
	host, closeHost, err := remoteHost(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	exOpts := []exchange.Option{exchange.WithLogger(logger), exchange.WithInvokeTimeout(cfg.Exchange.InvokeTimeout)}
	if cfg.Exchange.Correlation == config.CorrelationSequential {
		exOpts = append(exOpts, exchange.WithIDSource(reqid.Sequential(reqid.Random())))
	}
	c := client.ForHost(host, exOpts, client.WithURL(cfg.Exchange.URL), client.WithLogger(logger))
	return c, func() {
		c.Close()
		closeHost()
	}, nil
}

type printedResult struct {
	Data       json.RawMessage `json:"data,omitempty"`
	Errors     any             `json:"errors,omitempty"`
	Extensions map[string]any  `json:"extensions,omitempty"`
}

// printResult writes res as one JSON line. Failures without GraphQL errors
// are printed as a single error entry.
func printResult(w io.Writer, res operation.Result) error {
	out := printedResult{Data: res.Data, Extensions: res.Extensions}
	switch {
	case len(res.Errors) > 0:
		out.Errors = res.Errors
	case res.Error != nil:
		var gqlErr *exchange.AsyncGraphQLError
		if errors.As(res.Error, &gqlErr) && len(gqlErr.Errors) > 0 {
			out.Errors = gqlErr.Errors
		} else {
			out.Errors = []map[string]string{{"message": res.Error.Error()}}
		}
	}
	b, err := codec.Marshal(out)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func cmdQuery(ctx context.Context, args []string) error {
	c, req, closeAll, err := openClient("query", queryUsage, args)
	if err != nil {
		return err
	}
	defer closeAll()

	op, err := c.Operation(req)
	if err != nil {
		return err
	}
	res, err := c.Execute(ctx, op)
	if res.Operation.Key == 0 && err != nil {
		return err
	}
	if perr := printResult(stdout, res); perr != nil {
		return perr
	}
	return err
}

func cmdSubscribe(ctx context.Context, args []string) error {
	c, req, closeAll, err := openClient("subscribe", subscribeUsage+queryUsage, args)
	if err != nil {
		return err
	}
	defer closeAll()

	updates, err := c.SubscribeRequest(ctx, req)
	if err != nil {
		return err
	}
	var last error
	for res := range updates {
		if err := printResult(stdout, res); err != nil {
			return err
		}
		if !res.HasNext {
			last = res.Error
		}
	}
	return last
}

func cmdGateway(ctx context.Context, args []string) error {
	fs, cfg, _, err := clientFlags("gateway", args)
	if err != nil {
		fmt.Fprint(stderr, gatewayUsage)
		return err
	}
	origins := listFlag(cfg.Gateway.CORSOrigins)
	fs.StringVar(&cfg.Gateway.Addr, "gateway.addr", cfg.Gateway.Addr, "HTTP listen address")
	fs.StringVar(&cfg.Gateway.Path, "gateway.path", cfg.Gateway.Path, "GraphQL endpoint path")
	fs.DurationVar(&cfg.Gateway.Timeout, "gateway.timeout", cfg.Gateway.Timeout, "Default request timeout")
	fs.Var(&origins, "gateway.cors-origin", "Allowed CORS origin")
	fs.StringVar(&cfg.Gateway.MetricsAddr, "gateway.metrics-addr", cfg.Gateway.MetricsAddr, "Metrics listen address")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, gatewayUsage)
		return err
	}
	cfg.Gateway.CORSOrigins = origins
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, shutdown, err := telemetry(cfg)
	if err != nil {
		return err
	}
	defer shutdown()
	c, closeClient, err := dial(cfg, logger)
	if err != nil {
		return err
	}
	defer closeClient()

	errc := make(chan error, 2)
	if cfg.Gateway.MetricsAddr != "" {
		stop, err := serveMetrics(cfg.Gateway.MetricsAddr, logger, errc)
		if err != nil {
			return err
		}
		defer stop()
	}

	h := server.New(c,
		server.WithTimeout(cfg.Gateway.Timeout),
		server.WithMaxBodyBytes(cfg.Gateway.MaxBodyBytes),
		server.WithCORS(cfg.Gateway.CORSOrigins...),
		server.WithLogger(logger))
	mux := http.NewServeMux()
	mux.Handle(cfg.Gateway.Path, h)
	lis, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Gateway.Addr, err)
	}
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("gateway server: %w", err)
		}
	}()
	logger.Info("gateway listening", "addr", lis.Addr().String(), "path", cfg.Gateway.Path, "transport", cfg.Transport.Kind)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	case err := <-errc:
		_ = srv.Close()
		return err
	}
}

func cmdProto(args []string) error {
	outFile := ""
	fs := flag.NewFlagSet("proto", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&outFile, "out", outFile, "Write the .proto file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, protoUsage)
		return err
	}
	if outFile == "" {
		return grpcipc.Render(stdout)
	}
	var buf bytes.Buffer
	if err := grpcipc.Render(&buf); err != nil {
		return fmt.Errorf("render proto: %w", err)
	}
	return os.WriteFile(outFile, buf.Bytes(), 0644)
}
