// Package h2session provides a small public surface for reusing this
// repository as a library. The implementation lives in internal/ and may
// change without notice.
package h2session

import (
	"context"

	"go.uber.org/zap"

	"github.com/baranov-labs/h2session/internal/config"
	"github.com/baranov-labs/h2session/internal/h2core"
	"github.com/baranov-labs/h2session/internal/logging"
	"github.com/baranov-labs/h2session/internal/metrics"
)

// --- Config ---

type Config = config.Config

type ServerConfig = config.ServerConfig

type ClientConfig = config.ClientConfig

// LoadConfig loads YAML configuration file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// --- HTTP/2 semantic core ---

type ServerOptions = h2core.ServerOptions

type ServerCore = h2core.ServerCore

// NewServer constructs a TLS-by-default ServerCore. Requires Key and Cert.
func NewServer(opts ServerOptions) (*ServerCore, error) { return h2core.NewServer(opts) }

// NewRawServer constructs a plaintext-TCP ServerCore.
func NewRawServer(opts ServerOptions) (*ServerCore, error) { return h2core.NewRawServer(opts) }

type ClientOptions = h2core.ClientOptions

type ClientAgent = h2core.ClientAgent

// NewClientAgent constructs a ClientAgent with its own endpoint registry.
func NewClientAgent(opts ClientOptions) *ClientAgent { return h2core.NewClientAgent(opts) }

// DefaultAgent returns the process-global client agent.
func DefaultAgent() *ClientAgent { return h2core.DefaultAgent() }

type RequestOptions = h2core.RequestOptions

type OutgoingRequest = h2core.OutgoingRequest

type OutgoingResponse = h2core.OutgoingResponse

type IncomingRequest = h2core.IncomingRequest

type IncomingResponse = h2core.IncomingResponse

type IncomingPromise = h2core.IncomingPromise

// --- Logging ---

// NewLogger builds the zap logger used across a ServerCore/ClientAgent pair.
func NewLogger(cfg config.LoggingConfig) (*Logger, error) { return logging.New(cfg) }

type Logger = zap.Logger

// EnableMetrics registers and enables the /metrics counters.
func EnableMetrics() { metrics.Enable() }

// ServeMetrics serves /metrics on addr until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string) error { return metrics.Serve(ctx, addr) }
