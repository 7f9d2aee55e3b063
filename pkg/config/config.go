package config

import (
	"time"

	"github.com/getmockd/lime/pkg/channel"
	"github.com/getmockd/lime/pkg/multiplexer"
	"github.com/getmockd/lime/pkg/resend"
)

// Config is the root of a configuration file.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Channel     ChannelConfig     `yaml:"channel"`
	Resend      ResendConfig      `yaml:"resend"`
	Multiplexer MultiplexerConfig `yaml:"multiplexer"`
	Client      ClientConfig      `yaml:"client"`
	Server      ServerConfig      `yaml:"server"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"addSource"`
}

// ChannelConfig configures every channel.
type ChannelConfig struct {
	SendTimeout        Duration `yaml:"sendTimeout"`
	CommandTimeout     Duration `yaml:"commandTimeout"`
	RemotePingInterval Duration `yaml:"remotePingInterval"`
	RemoteIdleTimeout  Duration `yaml:"remoteIdleTimeout"`
	BufferSize         int      `yaml:"bufferSize"`
	AutoReplyPings     bool     `yaml:"autoReplyPings"`
}

// Resend storage kinds.
const (
	StorageMemory = "memory"
	StorageNATS   = "nats"
)

// ResendConfig configures the resend module.
type ResendConfig struct {
	Enabled             bool       `yaml:"enabled"`
	Window              Duration   `yaml:"window"`
	MaxResendCount      int        `yaml:"maxResendCount"`
	FilterByDestination bool       `yaml:"filterByDestination"`
	Storage             string     `yaml:"storage"`
	NATS                NATSConfig `yaml:"nats"`
}

// NATSConfig locates the JetStream key-value buckets of the nats storage.
type NATSConfig struct {
	URL      string   `yaml:"url"`
	Bucket   string   `yaml:"bucket"`
	Replicas int      `yaml:"replicas"`
	DeadTTL  Duration `yaml:"deadTTL"`
}

// MultiplexerConfig configures client-side pooling. A size of one
// disables it.
type MultiplexerConfig struct {
	Size           int      `yaml:"size"`
	Strategy       string   `yaml:"strategy"`
	BufferSize     int      `yaml:"bufferSize"`
	CommandTimeout Duration `yaml:"commandTimeout"`
}

// ClientConfig describes the session a client opens.
type ClientConfig struct {
	URI      string `yaml:"uri"`
	Identity string `yaml:"identity"`
	Instance string `yaml:"instance"`

	// Password selects plain authentication and Token external
	// authentication. Without either the client is a guest.
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
	Issuer   string `yaml:"issuer"`

	// CACertFile trusts an extra certificate for TLS.
	CACertFile       string   `yaml:"caCertFile"`
	EstablishTimeout Duration `yaml:"establishTimeout"`
}

// ServerConfig configures a server node.
type ServerConfig struct {
	Node             string          `yaml:"node"`
	HandshakeTimeout Duration        `yaml:"handshakeTimeout"`
	TCP              TCPConfig       `yaml:"tcp"`
	WebSocket        WebSocketConfig `yaml:"websocket"`
	QUIC             QUICConfig      `yaml:"quic"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	TLS              TLSConfig       `yaml:"tls"`
	Auth             AuthConfig      `yaml:"auth"`
}

// TCPConfig configures the TCP listener.
type TCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// WebSocketConfig configures the WebSocket listener.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// QUICConfig configures the QUIC listener. It needs TLS.
type QUICConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// MQTTConfig configures the MQTT listener and, optionally, an embedded
// broker for it.
type MQTTConfig struct {
	Enabled bool   `yaml:"enabled"`
	Broker  string `yaml:"broker"`
	Embed   string `yaml:"embed"`
}

// TLSConfig locates the server certificate. A missing pair is generated
// for Hosts and saved.
type TLSConfig struct {
	Enabled  bool     `yaml:"enabled"`
	CertFile string   `yaml:"certFile"`
	KeyFile  string   `yaml:"keyFile"`
	Hosts    []string `yaml:"hosts"`
}

// Authentication modes.
const (
	AuthGuest = "guest"
	AuthPlain = "plain"
	AuthJWT   = "jwt"
)

// AuthConfig selects the server authenticators.
type AuthConfig struct {
	Schemes   []string          `yaml:"schemes"`
	Users     map[string]string `yaml:"users,omitempty"`
	JWTSecret string            `yaml:"jwtSecret"`
	JWTIssuer string            `yaml:"jwtIssuer"`
}

// MetricsConfig exposes Prometheus metrics on Address when set.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Channel: ChannelConfig{
			SendTimeout:    Duration(channel.DefaultSendTimeout),
			CommandTimeout: Duration(channel.DefaultCommandTimeout),
			BufferSize:     channel.DefaultBufferSize,
			AutoReplyPings: true,
		},
		Resend: ResendConfig{
			Window:         Duration(resend.DefaultWindow),
			MaxResendCount: resend.DefaultMaxResendCount,
			Storage:        StorageMemory,
			NATS:           NATSConfig{URL: "nats://127.0.0.1:4222", Bucket: "lime_resend"},
		},
		Multiplexer: MultiplexerConfig{
			Size:           1,
			Strategy:       multiplexer.RoundRobin.String(),
			BufferSize:     multiplexer.DefaultBufferSize,
			CommandTimeout: Duration(channel.DefaultCommandTimeout),
		},
		Client: ClientConfig{
			URI:              "net.tcp://localhost:55321",
			EstablishTimeout: Duration(30 * time.Second),
		},
		Server: ServerConfig{
			Node:             "postmaster@localhost/server",
			HandshakeTimeout: Duration(30 * time.Second),
			TCP:              TCPConfig{Enabled: true, Address: ":55321"},
			WebSocket:        WebSocketConfig{Address: ":8080", Path: "/"},
			QUIC:             QUICConfig{Address: ":55321"},
			MQTT:             MQTTConfig{Broker: "mqtt://127.0.0.1:1883/lime"},
			TLS:              TLSConfig{CertFile: "lime.crt", KeyFile: "lime.key", Hosts: []string{"localhost", "127.0.0.1"}},
			Auth:             AuthConfig{Schemes: []string{AuthGuest}},
		},
	}
}
