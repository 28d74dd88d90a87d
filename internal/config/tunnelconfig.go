// Package config holds the TunnelConfig contract the core accepts (spec.md
// §3) plus the daemon-level loader that resolves one from disk/env for the
// standalone cmd/vlesstund binary.
package config

import (
	"fmt"

	"github.com/google/uuid"
)

// Security selects the WebSocket transport's TLS posture.
type Security string

const (
	SecurityNone Security = "none"
	SecurityTLS  Security = "tls"
)

// TunnelConfig is the core's only configuration input. It is immutable
// after Supervisor.Start (spec.md §3) — nothing in the core mutates it.
type TunnelConfig struct {
	// Server is the hostname or IP of the relay.
	Server string
	// Port is the relay's WebSocket port, 1-65535.
	Port int
	// UUID is the VLESS user identity.
	UUID uuid.UUID
	// WSPath is the absolute URL path beginning with "/".
	WSPath string
	// WSHost is the HTTP Host header value, which may differ from Server.
	WSHost string
	// Security selects ws:// (none) vs wss:// (tls).
	Security Security
	// SNI is the TLS server-name indication, required when Security is tls.
	SNI string
	// VerifyTLS disables certificate verification and hostname matching
	// when false. Load defaults it to true; a TunnelConfig built in code
	// has the zero value false unless the field is set.
	VerifyTLS bool
	// MTU bounds the size of a single TUN read/write. Defaults to 1500.
	MTU int
}

// Validate checks the Configuration-invalid error class from spec.md §7:
// empty server, port outside 1-65535, nil UUID, a ws_path not starting
// with "/", empty ws_host, an unknown security value, empty SNI with TLS,
// and a negative MTU. Destination addresses are not part of TunnelConfig
// and are not checked here. It fails before any I/O is attempted.
func (c *TunnelConfig) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("config: server is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port must be between 1 and 65535, got %d", c.Port)
	}
	if c.UUID == uuid.Nil {
		return fmt.Errorf("config: uuid is required")
	}
	if c.WSPath == "" || c.WSPath[0] != '/' {
		return fmt.Errorf("config: ws_path must be an absolute path beginning with '/'")
	}
	if c.WSHost == "" {
		return fmt.Errorf("config: ws_host is required")
	}
	switch c.Security {
	case SecurityNone:
	case SecurityTLS:
		if c.SNI == "" {
			return fmt.Errorf("config: sni is required when security=tls")
		}
	default:
		return fmt.Errorf("config: security must be 'none' or 'tls', got %q", c.Security)
	}
	if c.MTU < 0 {
		return fmt.Errorf("config: mtu must be non-negative")
	}
	return nil
}

// EffectiveMTU returns the configured MTU or the spec.md default of 1500.
func (c *TunnelConfig) EffectiveMTU() int {
	if c.MTU == 0 {
		return 1500
	}
	return c.MTU
}

// WebSocketURL builds the ws:// or wss:// URL for the relay's upgrade
// endpoint.
func (c *TunnelConfig) WebSocketURL() string {
	scheme := "ws"
	if c.Security == SecurityTLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, c.Server, c.Port, c.WSPath)
}
