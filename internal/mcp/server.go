package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixplan/internal/engine"
	"github.com/fyrsmithlabs/fixplan/internal/knowledge"
	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

// Service is the part of the engine the tools call.
type Service interface {
	Submit(ctx context.Context, sub *plan.Submission, actor string, opts engine.SubmitOptions) (*plan.Plan, error)
	Get(ctx context.Context, id string) (*plan.Plan, error)
	Pending(ctx context.Context, limit int) ([]*plan.Plan, error)
	Search(ctx context.Context, query string, k int) ([]knowledge.Match, error)
}

type Config struct {
	Name    string
	Version string
	// Author is recorded as the submitting actor when a call names none.
	Author string
}

func DefaultConfig() Config {
	return Config{Name: "fixplan", Version: "dev", Author: "mcp"}
}

// Server is an MCP server over one Service.
type Server struct {
	mcp     *mcp.Server
	svc     Service
	cfg     Config
	metrics *Metrics
	logger  *logging.Logger
}

func NewServer(cfg Config, svc Service, logger *logging.Logger) (*Server, error) {
	if svc == nil {
		return nil, errors.New("mcp: service is required")
	}
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if cfg.Author == "" {
		cfg.Author = def.Author
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("mcp")

	s := &Server{
		mcp:     mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, nil),
		svc:     svc,
		cfg:     cfg,
		metrics: NewMetrics(logger),
		logger:  logger,
	}
	s.registerTools()
	return s, nil
}

// Run serves on stdin/stdout until the client disconnects or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

// Connect serves one session over t.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}

// addTool registers h with call metrics and error logging around it.
func addTool[In, Out any](s *Server, tool *mcp.Tool, h func(ctx context.Context, in In) (Out, error)) {
	mcp.AddTool(s.mcp, tool, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		s.metrics.track(ctx, tool.Name, 1)
		defer s.metrics.track(ctx, tool.Name, -1)

		start := timeNow()
		out, err := h(ctx, in)
		s.metrics.RecordInvocation(ctx, tool.Name, timeNow().Sub(start), err)
		if err != nil {
			s.logger.Warn(ctx, "tool call failed", zap.String("tool", tool.Name),
				zap.String("code", string(plan.CodeOf(err))), zap.Error(err))
			var zero Out
			return nil, zero, err
		}
		return nil, out, nil
	})
}
