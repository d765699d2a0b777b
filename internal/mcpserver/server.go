// Package mcpserver exposes the routeforge operations as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"routeforge/internal/api"
)

// Server is an MCP server backed by an api.Service.
type Server struct {
	mcp    *mcp.Server
	svc    *api.Service
	logger *zap.Logger
}

// New registers one tool per operation.
func New(svc *api.Service, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if version == "" {
		version = "dev"
	}
	s := &Server{
		mcp:    mcp.NewServer(&mcp.Implementation{Name: "routeforge", Version: version}, nil),
		svc:    svc,
		logger: logger,
	}
	for _, op := range api.Operations() {
		mcp.AddTool(s.mcp, &mcp.Tool{Name: op.Name, Description: op.Description}, s.handler(op.Name))
	}
	return s
}

// handler forwards tool arguments to the operation and returns its Response as
// JSON text. A failed operation is a tool error, not a protocol error.
func (s *Server) handler(name string) mcp.ToolHandlerFor[map[string]any, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, nil, fmt.Errorf("encode %s arguments: %w", name, err)
		}
		resp := s.svc.Dispatch(ctx, name, raw)
		body, err := json.Marshal(resp)
		if err != nil {
			return nil, nil, fmt.Errorf("encode %s response: %w", name, err)
		}
		if !resp.OK {
			s.logger.Debug("tool call failed", zap.String("tool", name), zap.String("code", resp.Error.Code))
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
			IsError: !resp.OK,
		}, nil, nil
	}
}

// Run serves on stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
