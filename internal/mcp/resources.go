package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that LLM clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {

	// -------------------------------------------------------------------
	// audit://recent — the most recent audit events
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			"audit://recent",
			"Recent Audit Events",
			mcp.WithResourceDescription(
				"The most recent audit events recorded by Warden: tool "+
					"invocations, authorization decisions, Telegram operations, "+
					"and system events.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleRecentAuditResource,
	)

	// -------------------------------------------------------------------
	// warden://tools — the tool permission table
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			"warden://tools",
			"Tool Permission Table",
			mcp.WithResourceDescription(
				"The permission each MCP tool requires. Tools with an empty "+
					"list are governed by the server's fail mode.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleToolTableResource,
	)
}

// handleRecentAuditResource returns the buffer's recent events as JSON. The
// read is gated by the same permission as the audit_query tool.
func (s *MCPServer) handleRecentAuditResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	if check := s.guard.CheckTool(s.apiKey, "audit_query"); !check.Granted {
		return nil, fmt.Errorf("audit resource denied: %s", check.Reason)
	}

	events, err := s.guard.Trail().GetRecentEvents(ctx, 50)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent events: %w", err)
	}

	b, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal events: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "audit://recent",
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

// handleToolTableResource returns the registry's tool permission table.
func (s *MCPServer) handleToolTableResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	b, err := json.MarshalIndent(s.guard.Engine().Registry().Tools(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool table: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "warden://tools",
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
