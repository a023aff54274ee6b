package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns a Config that passes all validation checks.
func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:     "localhost",
			Password: "secret",
			DBName:   "relaymta",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Receiver: ReceiverConfig{
			Listeners:  []ReceiverListenerConfig{{Kind: "relay", Addr: ":25"}},
			ServerName: "mx.relaymta.test",
		},
		Delivery: DeliveryConfig{
			HELODomain: "mail.example.com",
			TLSPolicy:  "opportunistic",
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	err := cfg.Validate()
	assert.NoError(t, err)
}

func TestValidate_MissingDatabaseHost(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Host = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Database.Host")
}

func TestValidate_MissingDatabasePassword(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Password = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Database.Password")
}

func TestValidate_MissingDatabaseName(t *testing.T) {
	cfg := validConfig()
	cfg.Database.DBName = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Database.DBName")
}

func TestValidate_MissingRedisAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Redis.Addr = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Redis.Addr")
}

func TestValidate_MissingReceiverServerName(t *testing.T) {
	cfg := validConfig()
	cfg.Receiver.ServerName = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Receiver.ServerName")
}

func TestValidate_NoListeners(t *testing.T) {
	cfg := validConfig()
	cfg.Receiver.Listeners = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "receiver.listeners must have at least one entry")
}

func TestValidate_InvalidListenerKind(t *testing.T) {
	cfg := validConfig()
	cfg.Receiver.Listeners = []ReceiverListenerConfig{{Kind: "bogus", Addr: ":25"}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oneof")
}

func TestValidate_MissingDeliveryHELODomain(t *testing.T) {
	cfg := validConfig()
	cfg.Delivery.HELODomain = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Delivery.HELODomain")
}

func TestValidate_InvalidDKIMHex(t *testing.T) {
	cfg := validConfig()
	cfg.DKIM.MasterEncryptionKey = "not-valid-hex"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dkim.master_encryption_key must be valid hex")
}

func TestValidate_ShortDKIMKey(t *testing.T) {
	cfg := validConfig()
	cfg.DKIM.MasterEncryptionKey = "0123456789abcdef" // 8 bytes, need 32
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dkim.master_encryption_key must be at least 32 bytes")
}

func TestValidate_ValidDKIMKey(t *testing.T) {
	cfg := validConfig()
	cfg.DKIM.MasterEncryptionKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef" // 32 bytes
	err := cfg.Validate()
	assert.NoError(t, err)
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := &Config{} // All required fields missing
	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "Database.Host")
	assert.Contains(t, msg, "Database.Password")
	assert.Contains(t, msg, "Database.DBName")
	assert.Contains(t, msg, "Redis.Addr")
	assert.Contains(t, msg, "Receiver.ServerName")
	assert.Contains(t, msg, "Delivery.HELODomain")
	assert.Contains(t, msg, "receiver.listeners must have at least one entry")

	assert.True(t, strings.Count(msg, "\n  - ") >= 7)
}
