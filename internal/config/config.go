// Package config loads the graphql-ipc YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Transport TransportConfig `yaml:"transport"`
	Serve     ServeConfig     `yaml:"serve"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ExchangeConfig struct {
	// URL is the operation context URL selecting the host command.
	URL           string        `yaml:"url"`
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`
	// Correlation is "random" or "sequential".
	Correlation string `yaml:"correlation"`
}

type TransportConfig struct {
	// Kind is "grpc" or "nats".
	Kind string     `yaml:"kind"`
	GRPC GRPCConfig `yaml:"grpc"`
	NATS NATSConfig `yaml:"nats"`
}

type GRPCConfig struct {
	Target     string        `yaml:"target"`
	MaxConns   int           `yaml:"max_conns"`
	RPCTimeout time.Duration `yaml:"rpc_timeout"`
}

type NATSConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

type ServeConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	// NATS also serves the host on transport.nats.
	NATS        bool   `yaml:"nats"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// GatewayConfig configures the HTTP front door of the gateway subcommand.
type GatewayConfig struct {
	Addr         string        `yaml:"addr"`
	Path         string        `yaml:"path"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	CORSOrigins  []string      `yaml:"cors_origins"`
	MetricsAddr  string        `yaml:"metrics_addr"`
}

type UpstreamConfig struct {
	Endpoint   string            `yaml:"endpoint"`
	WSEndpoint string            `yaml:"ws_endpoint"`
	Timeout    time.Duration     `yaml:"timeout"`
	Headers    map[string]string `yaml:"headers"`
}

type TelemetryConfig struct {
	OTelEndpoint string `yaml:"otel_endpoint"`
	Service      string `yaml:"service"`
}

const (
	TransportGRPC = "grpc"
	TransportNATS = "nats"

	CorrelationRandom     = "random"
	CorrelationSequential = "sequential"
)

// Defaults returns the configuration used when no file is given.
func Defaults() *Config {
	return &Config{
		Log:      LogConfig{Level: "info", Format: "text"},
		Exchange: ExchangeConfig{URL: "graphql", Correlation: CorrelationRandom},
		Transport: TransportConfig{
			Kind: TransportGRPC,
			GRPC: GRPCConfig{Target: "localhost:7070", MaxConns: 2, RPCTimeout: 3 * time.Second},
			NATS: NATSConfig{URL: "nats://127.0.0.1:4222", Prefix: "graphqlipc"},
		},
		Serve:     ServeConfig{GRPCAddr: ":7070"},
		Gateway: GatewayConfig{
			Addr:         ":8080",
			Path:         "/graphql",
			Timeout:      10 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Upstream:  UpstreamConfig{Timeout: 10 * time.Second},
		Telemetry: TelemetryConfig{Service: "graphql-ipc"},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings every subcommand relies on.
func (c *Config) Validate() error {
	var errs []string
	switch c.Transport.Kind {
	case TransportGRPC, TransportNATS:
	default:
		errs = append(errs, fmt.Sprintf("transport.kind %q must be grpc or nats", c.Transport.Kind))
	}
	switch c.Exchange.Correlation {
	case CorrelationRandom, CorrelationSequential:
	default:
		errs = append(errs, fmt.Sprintf("exchange.correlation %q must be random or sequential", c.Exchange.Correlation))
	}
	if c.Exchange.InvokeTimeout < 0 {
		errs = append(errs, "exchange.invoke_timeout must not be negative")
	}
	if c.Transport.GRPC.MaxConns < 1 {
		errs = append(errs, "transport.grpc.max_conns must be at least 1")
	}
	if c.Gateway.Timeout < 0 {
		errs = append(errs, "gateway.timeout must not be negative")
	}
	if c.Gateway.Path != "" && !strings.HasPrefix(c.Gateway.Path, "/") {
		errs = append(errs, fmt.Sprintf("gateway.path %q must start with /", c.Gateway.Path))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateServe checks the settings needed to run the host.
func (c *Config) ValidateServe() error {
	if c.Upstream.Endpoint == "" {
		return fmt.Errorf("config: upstream.endpoint is required to serve")
	}
	if c.Serve.GRPCAddr == "" && !c.Serve.NATS {
		return fmt.Errorf("config: serve needs serve.grpc_addr or serve.nats")
	}
	return nil
}

// applyEnvOverrides reads GRAPHQLIPC_* variables for the values most often
// set per deployment.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRAPHQLIPC_TRANSPORT"); v != "" {
		cfg.Transport.Kind = v
	}
	if v := os.Getenv("GRAPHQLIPC_GRPC_TARGET"); v != "" {
		cfg.Transport.GRPC.Target = v
	}
	if v := os.Getenv("GRAPHQLIPC_NATS_URL"); v != "" {
		cfg.Transport.NATS.URL = v
	}
	if v := os.Getenv("GRAPHQLIPC_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("GRAPHQLIPC_UPSTREAM_ENDPOINT"); v != "" {
		cfg.Upstream.Endpoint = v
	}
	if v := os.Getenv("GRAPHQLIPC_OTEL_ENDPOINT"); v != "" {
		cfg.Telemetry.OTelEndpoint = v
	}
}
