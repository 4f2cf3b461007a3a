package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuityd/internal/similarity"
	"github.com/fyrsmithlabs/continuityd/internal/state"
)

// Server exposes the state store's operations as MCP tools on stdio.
type Server struct {
	mcp     *mcp.Server
	store   state.Service
	metrics *Metrics
	logger  *zap.Logger

	defaultThreshold float64
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "continuityd")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	// DefaultThreshold is the similarity threshold used when a tool call
	// omits one.
	DefaultThreshold float64

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:             "continuityd",
		Version:          "1.0.0",
		DefaultThreshold: similarity.DefaultThreshold,
		Logger:           zap.NewNop(),
	}
}

// NewServer creates a new MCP server backed by the given state store.
func NewServer(cfg *Config, store state.Service) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if store == nil {
		return nil, fmt.Errorf("state service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DefaultThreshold == 0 {
		cfg.DefaultThreshold = similarity.DefaultThreshold
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:              mcpServer,
		store:            store,
		metrics:          NewMetrics(cfg.Logger),
		logger:           cfg.Logger,
		defaultThreshold: cfg.DefaultThreshold,
	}

	s.registerTools()

	return s, nil
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Close closes the server and the underlying store.
func (s *Server) Close() error {
	s.logger.Info("closing MCP server")
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("state service close: %w", err)
	}
	return nil
}
