package config

import "time"

// BridgeConfig is the root configuration for a bridge instance.
type BridgeConfig struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	Auth       AuthConfig       `yaml:"auth"`
	Database   DatabaseConfig   `yaml:"database"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Health     HealthConfig     `yaml:"health"`
}

// InstanceConfig identifies this bridge.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds chat endpoint settings.
type ServerConfig struct {
	URL       string `yaml:"url"`        // WebSocket URL (e.g., wss://chat.example.com/ws)
	Origin    string `yaml:"origin"`     // Optional Origin header
	Token     string `yaml:"token"`      // Bearer token (usually ${CHAT_TOKEN})
	TokenFile string `yaml:"token_file"` // Optional file re-read on token refresh
}

// ConnectionConfig holds transport and handshake settings.
type ConnectionConfig struct {
	AuthTimeout      time.Duration `yaml:"auth_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	RecvBuffer       int           `yaml:"recv_buffer"`
}

// AuthConfig holds proactive token refresh settings.
type AuthConfig struct {
	// RefreshLead is how long before token expiry a refresh is attempted.
	// Zero disables proactive refresh.
	RefreshLead time.Duration `yaml:"refresh_lead"`
}

// DatabaseConfig holds the PostgreSQL connection for the archive.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// ArchiveConfig holds batch writer settings.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
