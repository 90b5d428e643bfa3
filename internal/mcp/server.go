package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/wardenmcp/warden/internal/service"
	"github.com/wardenmcp/warden/internal/telegram"
)

// MCPServer wraps the mcp-go server with Warden's tool and resource
// registrations. Every tool call is funneled through the authorization
// guard using the API key the MCP client was launched with, so the LLM
// never handles credentials directly.
type MCPServer struct {
	guard  *service.Guard
	bridge telegram.Bridge
	apiKey string
	logger *slog.Logger
	server *server.MCPServer
}

// NewMCPServer creates an MCPServer pre-loaded with the Telegram, audit, and
// key management tools. apiKey is the raw credential presented on every tool
// invocation.
func NewMCPServer(guard *service.Guard, bridge telegram.Bridge, apiKey string, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		guard:  guard,
		bridge: bridge,
		apiKey: apiKey,
		logger: logger,
	}

	mcpServer := server.NewMCPServer(
		"Warden Telegram Control",
		"0.1.0",
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance. Useful for
// advanced configuration or testing.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio starts the MCP server in stdio mode. This is the primary
// integration path for MCP clients that launch the server as a subprocess.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// ServeHTTP starts the MCP server in Streamable HTTP mode, listening on
// the given address (e.g. ":3001").
func (s *MCPServer) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", "addr", addr)
	return httpServer.Start(addr)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func mutatingAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(false),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
