package config

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() TunnelConfig {
	return TunnelConfig{
		Server:   "relay.example.com",
		Port:     443,
		UUID:     uuid.New(),
		WSPath:   "/ws",
		WSHost:   "relay.example.com",
		Security: SecurityTLS,
		SNI:      "relay.example.com",
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())
}

func TestValidateRejectsMissingServer(t *testing.T) {
	c := validConfig()
	c.Server = ""
	assert.Error(t, c.Validate())
}

func TestValidateRejectsOutOfRangePort(t *testing.T) {
	c := validConfig()
	c.Port = 70000
	assert.Error(t, c.Validate())
}

func TestValidateRejectsNilUUID(t *testing.T) {
	c := validConfig()
	c.UUID = uuid.Nil
	assert.Error(t, c.Validate())
}

func TestValidateRejectsRelativeWSPath(t *testing.T) {
	c := validConfig()
	c.WSPath = "ws"
	assert.Error(t, c.Validate())
}

func TestValidateRequiresSNIWithTLS(t *testing.T) {
	c := validConfig()
	c.SNI = ""
	assert.Error(t, c.Validate())
}

func TestValidateAllowsNoSNIWithoutTLS(t *testing.T) {
	c := validConfig()
	c.Security = SecurityNone
	c.SNI = ""
	require.NoError(t, c.Validate())
}

func TestEffectiveMTUDefaultsTo1500(t *testing.T) {
	c := validConfig()
	assert.Equal(t, 1500, c.EffectiveMTU())
	c.MTU = 1280
	assert.Equal(t, 1280, c.EffectiveMTU())
}

func TestWebSocketURLSchemeFollowsSecurity(t *testing.T) {
	c := validConfig()
	assert.Equal(t, "wss://relay.example.com:443/ws", c.WebSocketURL())
	c.Security = SecurityNone
	assert.Equal(t, "ws://relay.example.com:443/ws", c.WebSocketURL())
}
