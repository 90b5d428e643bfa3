package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wardenmcp/warden/internal/config"
	"github.com/wardenmcp/warden/internal/rbac"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// WARDEN_DATA_DIR env var, or ~/.warden as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("WARDEN_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return home + "/.warden"
}

// loadConfig returns the effective YAML configuration: the file named by
// --config, else warden.yaml next to the binary or under the data dir, else
// built-in defaults.
func loadConfig() *config.YAMLConfig {
	candidates := []string{cfgFile}
	if cfgFile == "" {
		candidates = []string{"warden.yaml", filepath.Join(resolveDataDir(), "warden.yaml")}
	}
	for _, path := range candidates {
		if path == "" {
			continue
		}
		if cfg, err := config.LoadYAMLConfig(path); err == nil {
			return cfg
		}
	}
	return config.DefaultYAMLConfig()
}

// openStore opens the durable store per configuration: an explicit DSN wins,
// otherwise SQLite under the data dir.
func openStore(cfg *config.YAMLConfig) (*config.Store, error) {
	if cfg != nil && cfg.Store.DSN != "" {
		return config.Open(cfg.Store.Driver, cfg.Store.DSN)
	}
	return config.NewStore(resolveDataDir())
}

// openKeys opens the store and a started key manager over it. Callers own
// closing the returned store.
func openKeys(ctx context.Context, logger *slog.Logger) (*config.Store, *rbac.Keys, error) {
	store, err := openStore(loadConfig())
	if err != nil {
		return nil, nil, err
	}
	keys := rbac.NewKeys(store, logger)
	if err := keys.Start(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, keys, nil
}

// quietLogger discards log output, for CLI subcommands where slog noise
// would pollute the table output.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newLogger builds the process logger from the logging config section.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// jwtSecret resolves the admin session signing secret: config file, then
// WARDEN_AUTH_JWT_SECRET via viper, then a dev fallback.
func jwtSecret(cfg *config.YAMLConfig) string {
	if cfg.Auth.JWTSecret != "" {
		return cfg.Auth.JWTSecret
	}
	if s := viper.GetString("auth.jwt_secret"); s != "" {
		return s
	}
	return "warden-dev-secret-change-me"
}

// parseDurationOr parses s as a duration, returning fallback when s is empty
// or malformed.
func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// --- PID file management ---

func pidFilePath() string {
	return filepath.Join(resolveDataDir(), "warden.pid")
}

func writePID(pid int) error {
	dir := resolveDataDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0644)
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePID() {
	os.Remove(pidFilePath())
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
