package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aeolun/chatrelay/pkg/relay"
)

// Message backends
const (
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Auth    AuthSection    `toml:"auth"`
	Limits  LimitsSection  `toml:"limits"`
	Storage StorageSection `toml:"storage"`
	Redis   RedisSection   `toml:"redis"`
	Logging LoggingSection `toml:"logging"`
}

type ServerSection struct {
	HTTPPort     int    `toml:"http_port"`
	// MetricsPort 0 disables the metrics listener; omitted keeps the default
	MetricsPort  *int   `toml:"metrics_port"`
	DatabasePath string `toml:"database_path"`
	ClientURL    string `toml:"client_url"`
}

type AuthSection struct {
	JWTSecret               string `toml:"jwt_secret"`
	TokenTTLMinutes         int    `toml:"token_ttl_minutes"`
	RejectInvalidTokens     *bool  `toml:"reject_invalid_tokens"`
	HandshakeTimeoutSeconds int    `toml:"handshake_timeout_seconds"`
}

type LimitsSection struct {
	MaxMessageLength      int `toml:"max_message_length"`
	SendQueueSize         int `toml:"send_queue_size"`
	MaxFrameBytes         int `toml:"max_frame_bytes"`
	WriteTimeoutSeconds   int `toml:"write_timeout_seconds"`
	PongWaitSeconds       int `toml:"pong_wait_seconds"`
	PersistTimeoutSeconds int `toml:"persist_timeout_seconds"`
}

type StorageSection struct {
	MessageBackend string `toml:"message_backend"`
	MongoURL       string `toml:"mongo_url"`
	MongoDatabase  string `toml:"mongo_database"`
}

type RedisSection struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type LoggingSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	reject := true
	metricsPort := 9090
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:     3003,
			MetricsPort:  &metricsPort,
			DatabasePath: "~/.chatrelay/chatrelay.db",
		},
		Auth: AuthSection{
			TokenTTLMinutes:         60,
			RejectInvalidTokens:     &reject,
			HandshakeTimeoutSeconds: 5,
		},
		Limits: LimitsSection{
			MaxMessageLength:      4096,
			SendQueueSize:         256,
			MaxFrameBytes:         64 * 1024,
			WriteTimeoutSeconds:   10,
			PongWaitSeconds:       60,
			PersistTimeoutSeconds: 5,
		},
		Storage: StorageSection{
			MessageBackend: BackendSQLite,
			MongoDatabase:  "chatrelay",
		},
		Logging: LoggingSection{
			Level:  "info",
			Format: "json",
		},
	}
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Not being able to write the file is not fatal, defaults still apply
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	// Start from defaults so omitted keys keep their default values
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# chatrelay server configuration
# This file was auto-generated with default values
# Secrets can also come from JWT_SECRET, MONGO_URL, CLIENT_URL and REDIS_ADDR

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ApplyEnv overrides secrets and service URLs from the environment.
// getenv is usually os.Getenv.
func (c *TOMLConfig) ApplyEnv(getenv func(string) string) {
	if v := getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := getenv("MONGO_URL"); v != "" {
		c.Storage.MongoURL = v
	}
	if v := getenv("CLIENT_URL"); v != "" {
		c.Server.ClientURL = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ToServerConfig converts TOMLConfig to Config. Zero values fall back to defaults.
func (c *TOMLConfig) ToServerConfig() Config {
	cfg := DefaultConfig()

	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.MetricsPort != nil {
		cfg.MetricsPort = *c.Server.MetricsPort
	}
	cfg.ClientURL = strings.TrimRight(strings.TrimSpace(c.Server.ClientURL), "/")

	cfg.JWTSecret = c.Auth.JWTSecret
	if c.Auth.TokenTTLMinutes > 0 {
		cfg.TokenTTL = time.Duration(c.Auth.TokenTTLMinutes) * time.Minute
	}

	if c.Storage.MessageBackend != "" {
		cfg.MessageBackend = strings.ToLower(c.Storage.MessageBackend)
	}
	cfg.MongoURL = c.Storage.MongoURL
	if c.Storage.MongoDatabase != "" {
		cfg.MongoDatabase = c.Storage.MongoDatabase
	}

	cfg.RedisAddr = c.Redis.Addr
	cfg.RedisPassword = c.Redis.Password
	cfg.RedisDB = c.Redis.DB

	cfg.Relay = c.ToRelayConfig()
	return cfg
}

// ToRelayConfig extracts the per-connection limits
func (c *TOMLConfig) ToRelayConfig() relay.Config {
	cfg := relay.DefaultConfig()

	if c.Auth.RejectInvalidTokens != nil {
		cfg.RejectInvalidTokens = *c.Auth.RejectInvalidTokens
	}
	if c.Auth.HandshakeTimeoutSeconds > 0 {
		cfg.HandshakeTimeout = seconds(c.Auth.HandshakeTimeoutSeconds)
	}
	if c.Limits.MaxMessageLength > 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.SendQueueSize > 0 {
		cfg.SendQueueSize = c.Limits.SendQueueSize
	}
	if c.Limits.MaxFrameBytes > 0 {
		cfg.MaxFrameBytes = int64(c.Limits.MaxFrameBytes)
	}
	if c.Limits.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeout = seconds(c.Limits.WriteTimeoutSeconds)
	}
	if c.Limits.PongWaitSeconds > 0 {
		cfg.PongWait = seconds(c.Limits.PongWaitSeconds)
	}
	if c.Limits.PersistTimeoutSeconds > 0 {
		cfg.PersistTimeout = seconds(c.Limits.PersistTimeoutSeconds)
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}
