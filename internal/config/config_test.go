package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: test-bridge
server:
  url: wss://chat.example.com/ws
  origin: https://chat.example.com
  token: tok-123
database:
  postgres:
    host: localhost
    port: 5432
    name: test_db
    user: testuser
    password: testpass
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "test-bridge" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "test-bridge")
	}
	if cfg.Server.URL != "wss://chat.example.com/ws" {
		t.Errorf("Server.URL = %q, want %q", cfg.Server.URL, "wss://chat.example.com/ws")
	}
	if cfg.Server.Token != "tok-123" {
		t.Errorf("Server.Token = %q, want %q", cfg.Server.Token, "tok-123")
	}
	if cfg.Database.Postgres.Host != "localhost" {
		t.Errorf("Database.Postgres.Host = %q, want %q", cfg.Database.Postgres.Host, "localhost")
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_CHAT_TOKEN", "secret123")

	yaml := `
instance:
  id: test-bridge
server:
  url: wss://chat.example.com/ws
  token: ${TEST_CHAT_TOKEN}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Token != "secret123" {
		t.Errorf("Server.Token = %q, want %q", cfg.Server.Token, "secret123")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
instance:
  id: test-bridge
server:
  url: wss://chat.example.com/ws
database:
  postgres:
    host: localhost
    name: test_db
    user: testuser
    password: testpass
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	// Check defaults were applied
	if cfg.Connection.AuthTimeout != DefaultAuthTimeout {
		t.Errorf("Connection.AuthTimeout = %v, want default %v", cfg.Connection.AuthTimeout, DefaultAuthTimeout)
	}
	if cfg.Connection.PingInterval != DefaultPingInterval {
		t.Errorf("Connection.PingInterval = %v, want default %v", cfg.Connection.PingInterval, DefaultPingInterval)
	}
	if cfg.Database.Postgres.Port != DefaultDBPort {
		t.Errorf("Database.Postgres.Port = %d, want default %d", cfg.Database.Postgres.Port, DefaultDBPort)
	}
	if cfg.Database.Postgres.MaxConns != DefaultMaxConns {
		t.Errorf("Database.Postgres.MaxConns = %d, want default %d", cfg.Database.Postgres.MaxConns, DefaultMaxConns)
	}
	if cfg.Archive.BatchSize != DefaultBatchSize {
		t.Errorf("Archive.BatchSize = %d, want default %d", cfg.Archive.BatchSize, DefaultBatchSize)
	}
	if cfg.Health.Port != DefaultHealthPort {
		t.Errorf("Health.Port = %d, want default %d", cfg.Health.Port, DefaultHealthPort)
	}
	if cfg.Health.Path != DefaultHealthPath {
		t.Errorf("Health.Path = %q, want default %q", cfg.Health.Path, DefaultHealthPath)
	}
}

func TestValidate(t *testing.T) {
	valid := func() BridgeConfig {
		return BridgeConfig{
			Instance: InstanceConfig{ID: "test"},
			Server:   ServerConfig{URL: "wss://chat.example.com/ws"},
			Connection: ConnectionConfig{
				AuthTimeout: 5 * time.Second,
				RecvBuffer:  1000,
			},
			Health: HealthConfig{Port: 8080},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*BridgeConfig)
		wantErr string
	}{
		{
			name:    "missing instance id",
			mutate:  func(c *BridgeConfig) { c.Instance.ID = "" },
			wantErr: "instance.id is required",
		},
		{
			name:    "missing server url",
			mutate:  func(c *BridgeConfig) { c.Server.URL = "" },
			wantErr: "server.url is required",
		},
		{
			name:    "non-websocket server url",
			mutate:  func(c *BridgeConfig) { c.Server.URL = "https://chat.example.com" },
			wantErr: `server.url must be a ws:// or wss:// URL, got "https://chat.example.com"`,
		},
		{
			name: "archive enabled without postgres host",
			mutate: func(c *BridgeConfig) {
				c.Archive = ArchiveConfig{Enabled: true, BatchSize: 10, BufferSize: 10}
			},
			wantErr: "database.postgres.host is required",
		},
		{
			name: "min_conns exceeds max_conns",
			mutate: func(c *BridgeConfig) {
				c.Archive = ArchiveConfig{Enabled: true, BatchSize: 10, BufferSize: 10}
				c.Database.Postgres = DBConfig{
					Host: "localhost", Name: "db", User: "user", Password: "pass",
					MaxConns: 5, MinConns: 10,
				}
			},
			wantErr: "database.postgres.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name:    "bad health port",
			mutate:  func(c *BridgeConfig) { c.Health.Port = 70000 },
			wantErr: "health.port must be between 1 and 65535, got 70000",
		},
		{
			name:    "valid config",
			mutate:  func(c *BridgeConfig) {},
			wantErr: "",
		},
		{
			name: "valid config with archive",
			mutate: func(c *BridgeConfig) {
				c.Archive = ArchiveConfig{Enabled: true, BatchSize: 100, FlushInterval: time.Second, BufferSize: 1000}
				c.Database.Postgres = DBConfig{
					Host: "localhost", Name: "db", User: "user", Password: "pass",
					MaxConns: 10, MinConns: 2,
				}
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
