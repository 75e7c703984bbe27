package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/supportline/pkg/database"
)

func TestLoadConfigWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "supportline.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config file should be written")

	// The written file must parse back to the same defaults
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supportline.toml")
	content := `
[server]
http_port = 9999

[storage]
backend = "memory"

[limits]
max_message_length = 200
history_limit = 50

[[users]]
username = "helpdesk"
role = "admin"

[[users]]
username = "alice"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	// Unset keys keep their defaults
	assert.Equal(t, 9090, cfg.Server.MetricsPort)

	users, err := cfg.SeedUsers()
	require.NoError(t, err)
	assert.Equal(t, []database.User{
		{Username: "helpdesk", Role: database.RoleAdmin},
		{Username: "alice", Role: database.RoleUser},
	}, users)

	sc := cfg.ToServerConfig()
	assert.Equal(t, 200, sc.MaxMessageLength)
	assert.Equal(t, 50, sc.HistoryLimit)
	assert.Equal(t, 30*time.Second, sc.PingInterval)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supportline.toml")
	t.Setenv("SUPPORTLINE_SERVER_HTTP_PORT", "8181")
	t.Setenv("SUPPORTLINE_STORAGE_BACKEND", "memory")
	t.Setenv("SUPPORTLINE_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("SUPPORTLINE_SERVER_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("SUPPORTLINE_USERS", "helpdesk:admin, alice:user")
	t.Setenv("SUPPORTLINE_LIMITS_OUTBOUND_QUEUE", "not-a-number")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.Server.HTTPPort)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, []SeedUser{{"helpdesk", "admin"}, {"alice", "user"}}, cfg.Users)
	// Unparseable numbers are ignored
	assert.Equal(t, DefaultOutboundQueue, cfg.Limits.OutboundQueue)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TOMLConfig)
	}{
		{"unknown backend", func(c *TOMLConfig) { c.Storage.Backend = "redis" }},
		{"mongo without uri", func(c *TOMLConfig) { c.Storage.Backend = BackendMongo }},
		{"message length too large", func(c *TOMLConfig) { c.Limits.MaxMessageLength = 1 << 20 }},
		{"empty seed username", func(c *TOMLConfig) { c.Users = []SeedUser{{Username: " "}} }},
		{"duplicate seed user", func(c *TOMLConfig) { c.Users = []SeedUser{{Username: "a"}, {Username: "a"}} }},
		{"bad role", func(c *TOMLConfig) { c.Users = []SeedUser{{Username: "a", Role: "root"}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTOMLConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultTOMLConfig()
	assert.NoError(t, cfg.Validate())
}

func TestOpenStoreMemory(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Storage.Backend = BackendMemory

	store, err := OpenStore(context.Background(), cfg)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, SeedUsers(context.Background(), store, []database.User{{Username: "helpdesk", Role: database.RoleAdmin}}))
	u, err := store.ResolveUser(context.Background(), "helpdesk")
	require.NoError(t, err)
	assert.Equal(t, database.RoleAdmin, u.Role)
}

func TestOpenStoreSQLite(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "test.db")

	store, err := OpenStore(context.Background(), cfg)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.ResolveUser(context.Background(), "nobody")
	assert.ErrorIs(t, err, database.ErrUserNotFound)
}
