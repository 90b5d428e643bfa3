package cli

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wardenmcp/warden/internal/audit"
	"github.com/wardenmcp/warden/internal/config"
	"github.com/wardenmcp/warden/internal/rbac"
	"github.com/wardenmcp/warden/internal/server"
	"github.com/wardenmcp/warden/internal/service"
	"github.com/wardenmcp/warden/internal/telegram"
	"github.com/wardenmcp/warden/internal/telemetry"
)

const banner = `
__      ___   ___ ___  ___ _  _
\ \    / /_\ | _ \   \| __| \| |
 \ \/\/ / _ \|   / |) | _|| .' |
  \_/\_/_/ \_\_|_\___/|___|_|\_|
`

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Warden admin API server",
		Long:  "Start the HTTP server that exposes API key management, the tool permission table, and audit trail queries.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP listen port (overrides config)")
	cmd.Flags().StringVar(&host, "host", "", "HTTP listen host (overrides config)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(host string, port int) error {
	fmt.Print(banner)
	fmt.Println()

	cfg := loadConfig()
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	logger := newLogger(cfg.Logging)
	ctx := context.Background()

	// 1. Durable store
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	logger.Info("store initialized", "driver", store.Driver())

	// 2. Key manager
	keys := rbac.NewKeys(store, logger)
	if err := keys.Start(ctx); err != nil {
		return fmt.Errorf("load api keys: %w", err)
	}

	// 3. Audit trail
	trail := audit.NewTrail(store, logger, cfg.Audit.BufferSize, cfg.Audit.LogFile)
	if err := trail.Start(ctx); err != nil {
		return fmt.Errorf("start audit trail: %w", err)
	}
	defer trail.Stop()

	// 4. Permission engine with configured tool overrides
	registry := rbac.NewRegistry()
	if err := registry.ApplyOverrides(cfg.Tools); err != nil {
		return fmt.Errorf("apply tool permission overrides: %w", err)
	}
	engine := rbac.NewEngine(keys, registry, rbac.FailMode(cfg.Auth.FailMode), trail, logger)
	guard := service.NewGuard(keys, engine, trail, logger)

	// 5. Admin auth
	authSvc := service.NewAuthService(store, jwtSecret(cfg), parseDurationOr(cfg.Auth.JWTExpiry, time.Hour))

	hasAdmin, err := store.HasAnyAdmin(ctx)
	if err != nil {
		logger.Warn("failed to check for admin", "error", err)
	}
	if !hasAdmin {
		logger.Warn("no admin account found - run: warden admin create")
	}

	// 6. Telegram client bridge (optional; the admin API works without it)
	var bridge telegram.Bridge
	if cfg.Bridge.Socket != "" {
		bridge = telegram.NewSocketBridge(cfg.Bridge.Socket, parseDurationOr(cfg.Bridge.Timeout, 30*time.Second), logger)
		logger.Info("telegram bridge configured", "socket", cfg.Bridge.Socket)
	} else {
		logger.Warn("no bridge socket configured, telegram tools will be unavailable")
	}

	// 7. Anonymous telemetry
	tracker := telemetry.New(ctx, store, func() telemetry.Properties {
		return gatherTelemetry(store, cfg)
	})
	if tracker != nil {
		telemetry.PrintNotice()
		tracker.Start()
		defer tracker.Shutdown()
	}

	// 8. HTTP server
	srvCfg := server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: parseDurationOr(cfg.Server.ShutdownTimeout, 30*time.Second),
		CORSOrigins:     cfg.Server.CORS.Origins,
		RateLimit:       cfg.Server.RateLimit,
		APIKeyHeader:    cfg.Auth.APIKeyHeader,
	}
	srv := server.New(srvCfg, guard, store, authSvc, bridge, logger)

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write pid file", "error", err)
	}
	defer removePID()

	fmt.Printf("→ Warden %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Health:  http://%s:%d/healthz\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Fail mode: %s\n", cfg.Auth.FailMode)
	fmt.Println()

	trail.LogSystemEvent("server_start", map[string]any{
		"version": versionString(),
		"host":    cfg.Server.Host,
		"port":    cfg.Server.Port,
	})

	err = srv.ListenAndServe()

	trail.LogSystemEvent("server_stop", nil)
	return err
}

// gatherTelemetry collects anonymous aggregate counts. No key material,
// message content, or chat identifiers leave the process.
func gatherTelemetry(store *config.Store, cfg *config.YAMLConfig) telemetry.Properties {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	props := telemetry.Properties{
		Version:     versionString(),
		GoVersion:   runtime.Version(),
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		StoreDriver: store.Driver(),
		MCPEnabled:  cfg.MCP.Enabled,
	}
	if keys, err := store.ListAPIKeys(ctx, true); err == nil {
		props.APIKeys = len(keys)
	}
	if admins, err := store.ListAdmins(ctx); err == nil {
		props.Admins = len(admins)
	}
	if n, err := store.CountAuditEvents(ctx); err == nil {
		props.AuditEvents = n
	}
	return props
}
