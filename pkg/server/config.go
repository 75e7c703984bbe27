package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aeolun/supportline/pkg/database"
	"github.com/aeolun/supportline/pkg/protocol"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Storage StorageSection `toml:"storage"`
	Auth    AuthSection    `toml:"auth"`
	Limits  LimitsSection  `toml:"limits"`
	Events  EventsSection  `toml:"events"`
	Logging LoggingSection `toml:"logging"`
	Users   []SeedUser     `toml:"users"`
}

type ServerSection struct {
	HTTPPort       int      `toml:"http_port"`
	MetricsPort    int      `toml:"metrics_port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type StorageSection struct {
	Backend       string `toml:"backend"`
	SQLitePath    string `toml:"sqlite_path"`
	MongoURI      string `toml:"mongo_uri"`
	MongoDatabase string `toml:"mongo_database"`
}

type AuthSection struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTAlgorithm string `toml:"jwt_algorithm"`
}

type LimitsSection struct {
	MaxMessageLength    int `toml:"max_message_length"`
	OutboundQueue       int `toml:"outbound_queue"`
	PingIntervalSeconds int `toml:"ping_interval_seconds"`
	HistoryLimit        int `toml:"history_limit"`
}

type EventsSection struct {
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

type LoggingSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// SeedUser is an account created or updated at startup.
type SeedUser struct {
	Username string `toml:"username"`
	Role     string `toml:"role"`
}

// Storage backends
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendMongo  = "mongo"
)

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:    8080,
			MetricsPort: 9090,
		},
		Storage: StorageSection{
			Backend:       BackendSQLite,
			SQLitePath:    "~/.supportline/supportline.db",
			MongoDatabase: "supportline",
		},
		Auth: AuthSection{
			JWTAlgorithm: "HS256",
		},
		Limits: LimitsSection{
			MaxMessageLength:    DefaultMaxMessageLength,
			OutboundQueue:       DefaultOutboundQueue,
			PingIntervalSeconds: 30,
		},
		Events: EventsSection{
			SubjectPrefix: "supportline.messages",
		},
		Logging: LoggingSection{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Can't write (permissions)? Still run on defaults.
		if err := writeDefaultConfig(path); err != nil {
			log.Sugar().Warnf("could not write default config to %s: %v", path, err)
		}
	} else if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	config = applyEnvOverrides(config)
	if err := config.Validate(); err != nil {
		return TOMLConfig{}, err
	}
	return config, nil
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: SUPPORTLINE_SECTION_KEY
// Example: SUPPORTLINE_SERVER_HTTP_PORT=8081
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envInt := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			}
		}
	}
	envString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}

	// Server section
	envInt("SUPPORTLINE_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("SUPPORTLINE_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	if val := os.Getenv("SUPPORTLINE_SERVER_ALLOWED_ORIGINS"); val != "" {
		config.Server.AllowedOrigins = splitList(val)
	}

	// Storage section
	envString("SUPPORTLINE_STORAGE_BACKEND", &config.Storage.Backend)
	envString("SUPPORTLINE_STORAGE_SQLITE_PATH", &config.Storage.SQLitePath)
	envString("SUPPORTLINE_STORAGE_MONGO_URI", &config.Storage.MongoURI)
	envString("SUPPORTLINE_STORAGE_MONGO_DATABASE", &config.Storage.MongoDatabase)

	// Auth section
	envString("SUPPORTLINE_AUTH_JWT_SECRET", &config.Auth.JWTSecret)
	envString("SUPPORTLINE_AUTH_JWT_ALGORITHM", &config.Auth.JWTAlgorithm)

	// Limits section
	envInt("SUPPORTLINE_LIMITS_MAX_MESSAGE_LENGTH", &config.Limits.MaxMessageLength)
	envInt("SUPPORTLINE_LIMITS_OUTBOUND_QUEUE", &config.Limits.OutboundQueue)
	envInt("SUPPORTLINE_LIMITS_PING_INTERVAL_SECONDS", &config.Limits.PingIntervalSeconds)
	envInt("SUPPORTLINE_LIMITS_HISTORY_LIMIT", &config.Limits.HistoryLimit)

	// Events section
	envString("SUPPORTLINE_EVENTS_NATS_URL", &config.Events.NATSURL)
	envString("SUPPORTLINE_EVENTS_SUBJECT_PREFIX", &config.Events.SubjectPrefix)

	// Logging section
	envString("SUPPORTLINE_LOGGING_LEVEL", &config.Logging.Level)
	envString("SUPPORTLINE_LOGGING_FORMAT", &config.Logging.Format)

	// Seed users: "alice:user,helpdesk:admin"
	if val := os.Getenv("SUPPORTLINE_USERS"); val != "" {
		var users []SeedUser
		for _, item := range splitList(val) {
			name, role, _ := strings.Cut(item, ":")
			users = append(users, SeedUser{Username: strings.TrimSpace(name), Role: strings.TrimSpace(role)})
		}
		config.Users = users
	}

	return config
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects settings the server cannot start with.
func (c *TOMLConfig) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendMemory:
	case BackendMongo:
		if c.Storage.MongoURI == "" {
			return fmt.Errorf("storage.mongo_uri is required for the mongo backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (use sqlite, memory or mongo)", c.Storage.Backend)
	}

	if c.Limits.MaxMessageLength < 0 || c.Limits.MaxMessageLength >= protocol.MaxStringLength {
		return fmt.Errorf("limits.max_message_length must be below %d", protocol.MaxStringLength)
	}

	seen := make(map[string]bool)
	for _, u := range c.Users {
		if strings.TrimSpace(u.Username) == "" {
			return fmt.Errorf("seed user with empty username")
		}
		if seen[u.Username] {
			return fmt.Errorf("seed user %q listed twice", u.Username)
		}
		seen[u.Username] = true
		if _, err := database.ParseRole(u.Role); err != nil {
			return fmt.Errorf("seed user %q: %w", u.Username, err)
		}
	}
	return nil
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# Supportline Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# SUPPORTLINE_SECTION_KEY (e.g., SUPPORTLINE_SERVER_HTTP_PORT=8081)

[server]
# Public HTTP port (REST API and /ws live transport)
http_port = 8080

# Internal port for /metrics and /health (never expose publicly)
# Set to 0 to disable
metrics_port = 9090

# Origins allowed to open /ws from a browser. Empty allows same-origin only.
# allowed_origins = ["https://app.example.com"]

[storage]
# sqlite, memory (nothing persists across restarts) or mongo
backend = "sqlite"
sqlite_path = "~/.supportline/supportline.db"

# mongo_uri = "mongodb://localhost:27017"
mongo_database = "supportline"

[auth]
# HMAC secret shared with the account service. Empty disables authentication
# (development only: any client can act as any user).
# jwt_secret = "change-me"
jwt_algorithm = "HS256"

[limits]
# Maximum message length in bytes
max_message_length = 4096

# Frames buffered per connection before pushes are dropped
outbound_queue = 64

# Websocket keepalive; a missed pong closes the connection
ping_interval_seconds = 30

# Upper bound for the history "limit" query parameter (0 = unbounded)
# history_limit = 500

[events]
# Publish every persisted message to NATS as <subject_prefix>.<recipient>
# nats_url = "nats://localhost:4222"
subject_prefix = "supportline.messages"

[logging]
# debug, info, warn or error
level = "info"
# console or json
format = "console"

# Accounts created or updated at startup. Roles: admin or user.
# [[users]]
# username = "helpdesk"
# role = "admin"
`

	return os.WriteFile(path, []byte(content), 0644)
}

// ServerConfig holds runtime server configuration
type ServerConfig struct {
	HTTPPort         int
	MetricsPort      int
	AllowedOrigins   []string
	JWTSecret        string
	JWTAlgorithm     string
	MaxMessageLength int
	OutboundQueue    int
	PingInterval     time.Duration
	HistoryLimit     int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:         8080,
		MetricsPort:      9090,
		JWTAlgorithm:     "HS256",
		MaxMessageLength: DefaultMaxMessageLength,
		OutboundQueue:    DefaultOutboundQueue,
		PingInterval:     30 * time.Second,
	}
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	cfg.MetricsPort = c.Server.MetricsPort
	cfg.AllowedOrigins = c.Server.AllowedOrigins

	cfg.JWTSecret = c.Auth.JWTSecret
	if strings.TrimSpace(c.Auth.JWTAlgorithm) != "" {
		cfg.JWTAlgorithm = c.Auth.JWTAlgorithm
	}

	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.OutboundQueue != 0 {
		cfg.OutboundQueue = c.Limits.OutboundQueue
	}
	if c.Limits.PingIntervalSeconds != 0 {
		cfg.PingInterval = time.Duration(c.Limits.PingIntervalSeconds) * time.Second
	}
	cfg.HistoryLimit = c.Limits.HistoryLimit

	return cfg
}

// GetDatabasePath returns the SQLite path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Storage.SQLitePath)
}

// SeedUsers returns the configured accounts with parsed roles.
func (c *TOMLConfig) SeedUsers() ([]database.User, error) {
	users := make([]database.User, 0, len(c.Users))
	for _, u := range c.Users {
		role, err := database.ParseRole(u.Role)
		if err != nil {
			return nil, fmt.Errorf("seed user %q: %w", u.Username, err)
		}
		users = append(users, database.User{Username: u.Username, Role: role})
	}
	return users, nil
}
