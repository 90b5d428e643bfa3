package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenmcp/warden/internal/audit"
	"github.com/wardenmcp/warden/internal/mcp"
	"github.com/wardenmcp/warden/internal/rbac"
	"github.com/wardenmcp/warden/internal/service"
	"github.com/wardenmcp/warden/internal/telegram"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		addr      string
		apiKey    string
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that exposes Telegram
operations as tools for AI agents. Supports stdio (default) and HTTP transports.

Every tool call is authorized with the API key given via --api-key or the
WARDEN_API_KEY environment variable, and recorded in the audit trail. The
agent never sees the key's permissions; denied calls return a tool error.

In stdio mode the server communicates over stdin/stdout using JSON-RPC,
suitable for direct integration with Claude Desktop or other MCP clients.`,
		Example: `  WARDEN_API_KEY=wdn_... warden mcp               # stdio mode
  warden mcp --transport http --addr :3001        # streamable HTTP mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(transport, addr, apiKey)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "", "Transport mode: stdio or http (overrides config)")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (only used with --transport http)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key authorizing this MCP session (or WARDEN_API_KEY)")

	return cmd
}

func runMCP(transport, addr, apiKey string) error {
	cfg := loadConfig()
	if transport == "" {
		transport = cfg.MCP.Transport
	}
	if addr == "" {
		addr = cfg.MCP.HTTPAddr
	}
	if apiKey == "" {
		apiKey = os.Getenv("WARDEN_API_KEY")
	}
	if apiKey == "" {
		return fmt.Errorf("no API key given; set --api-key or WARDEN_API_KEY")
	}

	// Logs go to stderr so they never corrupt the stdio transport.
	logger := newLogger(cfg.Logging)
	ctx := context.Background()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	keys := rbac.NewKeys(store, logger)
	if err := keys.Start(ctx); err != nil {
		return fmt.Errorf("load api keys: %w", err)
	}

	trail := audit.NewTrail(store, logger, cfg.Audit.BufferSize, cfg.Audit.LogFile)
	if err := trail.Start(ctx); err != nil {
		return fmt.Errorf("start audit trail: %w", err)
	}
	defer trail.Stop()

	registry := rbac.NewRegistry()
	if err := registry.ApplyOverrides(cfg.Tools); err != nil {
		return fmt.Errorf("apply tool permission overrides: %w", err)
	}
	engine := rbac.NewEngine(keys, registry, rbac.FailMode(cfg.Auth.FailMode), trail, logger)
	guard := service.NewGuard(keys, engine, trail, logger)

	var bridge telegram.Bridge
	if cfg.Bridge.Socket != "" {
		bridge = telegram.NewSocketBridge(cfg.Bridge.Socket, parseDurationOr(cfg.Bridge.Timeout, 30*time.Second), logger)
	}

	mcpSrv := mcp.NewMCPServer(guard, bridge, apiKey, logger)

	trail.LogSystemEvent("mcp_start", map[string]any{"transport": transport})
	defer trail.LogSystemEvent("mcp_stop", nil)

	switch transport {
	case "stdio":
		return mcpSrv.ServeStdio()
	case "http":
		logger.Info("starting MCP HTTP server", "addr", addr)
		return mcpSrv.ServeHTTP(addr)
	default:
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}
}
