package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration for the RTMP ingest server
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server" yaml:"server"`

	// RTMP protocol configuration
	RTMP RTMPConfig `json:"rtmp" yaml:"rtmp"`

	// Registry configuration (distributed stream-key leasing)
	Registry RegistryConfig `json:"registry" yaml:"registry"`

	// Audit configuration (publish-session event archival)
	Audit AuditConfig `json:"audit" yaml:"audit"`

	// Control configuration (operator-facing stats feed)
	Control ControlConfig `json:"control" yaml:"control"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ServerConfig holds accept-loop related configuration
type ServerConfig struct {
	// Host is the server host address
	Host string `json:"host" yaml:"host"`

	// Port is the server port
	Port int `json:"port" yaml:"port"`

	// MaxConnections is read from the config file; the accept loop does
	// not apply it, and the number of concurrent connections is not limited
	MaxConnections int `json:"max_connections" yaml:"max_connections"`

	// DevMode enables development mode (verbose logging)
	DevMode bool `json:"dev_mode" yaml:"dev_mode"`
}

// RTMPConfig holds RTMP protocol-engine configuration
type RTMPConfig struct {
	// HandshakeTimeout bounds how long the C0/C1/C2 exchange may take
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`

	// IdleTimeout bounds the wait for each inbound message once the
	// handshake has completed, in every session state
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// InboundChunkSizeDefault is the chunk size assumed before any
	// Set Chunk Size message is received (default 128)
	InboundChunkSizeDefault uint32 `json:"inbound_chunk_size_default" yaml:"inbound_chunk_size_default"`

	// OutboundChunkSize is the chunk size the server announces to the
	// peer right after the handshake (default 4096)
	OutboundChunkSize uint32 `json:"outbound_chunk_size" yaml:"outbound_chunk_size"`

	// WindowAckSize is the window acknowledgement size the server
	// advertises on connect (default 4096)
	WindowAckSize uint32 `json:"window_ack_size" yaml:"window_ack_size"`

	// PeerBandwidth is the value sent in Set Peer Bandwidth
	PeerBandwidth uint32 `json:"peer_bandwidth" yaml:"peer_bandwidth"`

	// MaxTrackedChunkStreams caps the number of distinct csids a single
	// session will track state for
	MaxTrackedChunkStreams int `json:"max_tracked_chunk_streams" yaml:"max_tracked_chunk_streams"`

	// SinkQueueCapacity bounds the per-stream media-frame channel; on
	// overflow the oldest queued frame is dropped
	SinkQueueCapacity int `json:"sink_queue_capacity" yaml:"sink_queue_capacity"`
}

// RegistryConfig configures the Redis-backed distributed stream-key lease
type RegistryConfig struct {
	// Enabled turns on cross-node stream-key leasing. When false, stream
	// keys are not leased at all, and two sessions (even in this process)
	// may publish under the same key at once.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Address is the Redis server address (host:port)
	Address string `json:"address" yaml:"address"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// LeaseTTL is how long a stream-key lease survives without renewal
	LeaseTTL time.Duration `json:"lease_ttl" yaml:"lease_ttl"`
}

// AuditConfig configures archival of publish-session lifecycle events to S3
type AuditConfig struct {
	// Enabled turns on event archival
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Endpoint is the S3(-compatible) endpoint URL; empty uses AWS defaults
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Bucket is the destination bucket for archived events
	Bucket string `json:"bucket" yaml:"bucket"`

	// AccessKeyID is the S3 access key (empty uses the default credential chain)
	AccessKeyID string `json:"access_key_id" yaml:"access_key_id"`

	// SecretAccessKey is the S3 secret key
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
}

// ControlConfig configures the operator-facing WebSocket stats feed
type ControlConfig struct {
	// Enabled turns on the control-plane listener
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Host is the control-plane bind address
	Host string `json:"host" yaml:"host"`

	// Port is the control-plane bind port
	Port int `json:"port" yaml:"port"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error)
	Level string `json:"level" yaml:"level"`

	// Format is the log format (json, text)
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           1935,
			MaxConnections: 10000,
			DevMode:        false,
		},
		RTMP: RTMPConfig{
			HandshakeTimeout:        10 * time.Second,
			IdleTimeout:             30 * time.Second,
			InboundChunkSizeDefault: 128,
			OutboundChunkSize:       4096,
			WindowAckSize:           4096,
			PeerBandwidth:           4096,
			MaxTrackedChunkStreams:  16,
			SinkQueueCapacity:       64,
		},
		Registry: RegistryConfig{
			Enabled:  false,
			Address:  "localhost:6379",
			DB:       0,
			LeaseTTL: 30 * time.Second,
		},
		Audit: AuditConfig{
			Enabled: false,
			Region:  "us-east-1",
		},
		Control: ControlConfig{
			Enabled: false,
			Host:    "0.0.0.0",
			Port:    9935,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.loadFromEnv()

	return cfg, nil
}

// loadFromEnv overrides config from environment variables
func (c *Config) loadFromEnv() {
	if host := os.Getenv("RTMP_INGEST_HOST"); host != "" {
		c.Server.Host = host
	}
	if redisAddr := os.Getenv("REDIS_URL"); redisAddr != "" {
		c.Registry.Address = redisAddr
	}
	if redisPass := os.Getenv("REDIS_PASSWORD"); redisPass != "" {
		c.Registry.Password = redisPass
	}
}
