package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/getmockd/lime/pkg/envelope"
)

// ValidationError is a single invalid value.
type ValidationError struct {
	Path    string // e.g. "server.tcp.address"
	Message string
}

func (e ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationResult collects every invalid value of a Config.
type ValidationResult struct {
	Errors []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// Error returns one line per validation error.
func (r *ValidationResult) Error() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "\n")
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(path, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Validate checks every section. It returns a *ValidationResult holding
// all problems, or nil.
func (c *Config) Validate() error {
	r := &ValidationResult{}

	if c.Channel.SendTimeout < 0 {
		r.AddError("channel.sendTimeout", "must not be negative")
	}
	if c.Channel.CommandTimeout < 0 {
		r.AddError("channel.commandTimeout", "must not be negative")
	}
	if c.Channel.RemotePingInterval < 0 {
		r.AddError("channel.remotePingInterval", "must not be negative")
	}
	if c.Channel.RemoteIdleTimeout < 0 {
		r.AddError("channel.remoteIdleTimeout", "must not be negative")
	}
	if c.Channel.BufferSize < 0 {
		r.AddError("channel.bufferSize", "must not be negative")
	}

	validateResend(&c.Resend, r)
	validateMultiplexer(&c.Multiplexer, r)
	validateClient(&c.Client, r)
	validateServer(&c.Server, r)

	if r.IsValid() {
		return nil
	}
	return r
}

func validateResend(c *ResendConfig, r *ValidationResult) {
	if c.Window < 0 {
		r.AddError("resend.window", "must not be negative")
	}
	if c.MaxResendCount < 0 {
		r.AddError("resend.maxResendCount", "must not be negative")
	}
	switch c.Storage {
	case "", StorageMemory:
	case StorageNATS:
		if c.NATS.URL == "" {
			r.AddError("resend.nats.url", "required for nats storage")
		}
		if c.NATS.Bucket == "" {
			r.AddError("resend.nats.bucket", "required for nats storage")
		}
	default:
		r.AddError("resend.storage", "unknown storage %q, expected %q or %q", c.Storage, StorageMemory, StorageNATS)
	}
}

func validateMultiplexer(c *MultiplexerConfig, r *ValidationResult) {
	if c.Size < 1 {
		r.AddError("multiplexer.size", "must be at least 1")
	}
	if _, err := parseStrategy(c.Strategy); err != nil {
		r.AddError("multiplexer.strategy", "%v", err)
	}
	if c.BufferSize < 0 {
		r.AddError("multiplexer.bufferSize", "must not be negative")
	}
}

func validateClient(c *ClientConfig, r *ValidationResult) {
	if c.URI != "" {
		if u, err := url.Parse(c.URI); err != nil || u.Scheme == "" {
			r.AddError("client.uri", "invalid uri %q", c.URI)
		}
	}
	if c.Identity != "" {
		if _, err := envelope.ParseIdentity(c.Identity); err != nil {
			r.AddError("client.identity", "%v", err)
		}
	}
	if c.Password != "" && c.Token != "" {
		r.AddError("client", "password and token are mutually exclusive")
	}
}

func validateServer(c *ServerConfig, r *ValidationResult) {
	if c.Node != "" {
		if _, err := envelope.ParseNode(c.Node); err != nil {
			r.AddError("server.node", "%v", err)
		}
	}
	if c.TCP.Enabled && c.TCP.Address == "" {
		r.AddError("server.tcp.address", "required")
	}
	if c.WebSocket.Enabled {
		if c.WebSocket.Address == "" {
			r.AddError("server.websocket.address", "required")
		}
		if c.WebSocket.Path != "" && !strings.HasPrefix(c.WebSocket.Path, "/") {
			r.AddError("server.websocket.path", "must start with /")
		}
	}
	if c.QUIC.Enabled {
		if c.QUIC.Address == "" {
			r.AddError("server.quic.address", "required")
		}
		if !c.TLS.Enabled {
			r.AddError("server.quic", "requires tls.enabled")
		}
	}
	if c.MQTT.Enabled {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil || (u.Scheme != "mqtt" && u.Scheme != "mqtts") {
			r.AddError("server.mqtt.broker", "expected an mqtt:// or mqtts:// uri, got %q", c.MQTT.Broker)
		}
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		r.AddError("server.tls", "certFile and keyFile are required")
	}

	known := []string{AuthGuest, AuthPlain, AuthJWT}
	for i, scheme := range c.Auth.Schemes {
		path := fmt.Sprintf("server.auth.schemes[%d]", i)
		switch {
		case !slices.Contains(known, scheme):
			r.AddError(path, "unknown scheme %q", scheme)
		case scheme == AuthPlain && len(c.Auth.Users) == 0:
			r.AddError("server.auth.users", "required for plain authentication")
		case scheme == AuthJWT && c.Auth.JWTSecret == "":
			r.AddError("server.auth.jwtSecret", "required for jwt authentication")
		}
	}
}
