package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the top-level warden configuration file.
type YAMLConfig struct {
	Server  ServerConfig        `yaml:"server"`
	Store   StoreConfig         `yaml:"store"`
	Auth    AuthConfig          `yaml:"auth"`
	Audit   AuditConfig         `yaml:"audit"`
	Bridge  BridgeConfig        `yaml:"bridge"`
	MCP     MCPConfig           `yaml:"mcp"`
	Logging LoggingConfig       `yaml:"logging"`
	Tools   map[string][]string `yaml:"tools"` // tool name -> required permissions (overrides defaults)
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	RateLimit       int        `yaml:"rate_limit"` // requests per minute per IP, 0 disables
	CORS            CORSConfig `yaml:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
}

// StoreConfig selects the durable store backend. Driver is one of
// "sqlite", "pgx", or "mysql". An empty DSN means SQLite under the data dir.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// AuthConfig controls authentication and authorization behavior.
type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	JWTExpiry    string `yaml:"jwt_expiry"`
	APIKeyHeader string `yaml:"api_key_header"`
	// FailMode decides what happens when a tool has no registered
	// permissions: "open" grants unconditionally (historical behavior),
	// "closed" denies.
	FailMode string `yaml:"fail_mode"`
}

// AuditConfig controls the audit trail.
type AuditConfig struct {
	BufferSize    int    `yaml:"buffer_size"`    // in-memory ring buffer capacity
	LogFile       string `yaml:"log_file"`       // optional NDJSON sink, empty disables
	RetentionDays int    `yaml:"retention_days"` // used by scheduled purges, 0 keeps forever
}

// BridgeConfig locates the Telegram client IPC socket.
type BridgeConfig struct {
	Socket  string `yaml:"socket"`
	Timeout string `yaml:"timeout"`
}

// MCPConfig controls the MCP (Model Context Protocol) server.
type MCPConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Transport string `yaml:"transport"` // "stdio" or "http"
	HTTPAddr  string `yaml:"http_addr"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file. Environment
// variables referenced as ${VAR_NAME} in the file are expanded before parsing.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	var cfg YAMLConfig
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: "30s",
			RateLimit:       300,
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "POST", "PUT", "DELETE"},
			},
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Auth: AuthConfig{
			JWTExpiry:    "1h",
			APIKeyHeader: "X-API-Key",
			FailMode:     "open",
		},
		Audit: AuditConfig{
			BufferSize:    1000,
			RetentionDays: 90,
		},
		Bridge: BridgeConfig{
			Timeout: "30s",
		},
		MCP: MCPConfig{
			Enabled:   true,
			Transport: "stdio",
			HTTPAddr:  ":3001",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
