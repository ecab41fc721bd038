package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Jobs.MaxRetries)
	assert.Equal(t, 2*time.Minute, cfg.RateLimits.Auth.BlockDuration)

	ibkr, ok := cfg.Broker("IBKR")
	require.True(t, ok)
	require.NotNil(t, ibkr.Session)
	assert.Equal(t, 30*time.Second, ibkr.Session.KeepAliveInterval)
}

func TestLoadYAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
orders:
  submission_mode: sync
  max_quantity: 500
rate_limits:
  store: memory
  auth:
    max_requests: 3
    window: 30s
  api:
    max_requests: 100
    window: 1m
  orders:
    max_requests: 10
    window: 1m
    block_duration: 5m
`), 0o600))

	t.Setenv("ALPACA_CLIENT_ID", "alpaca-id")
	t.Setenv("ALPACA_CLIENT_SECRET", "alpaca-secret")
	t.Setenv("PORT", "9090")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeSync, cfg.Orders.SubmissionMode)
	assert.Equal(t, 500.0, cfg.Orders.MaxQuantity)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.RateLimits.Auth.BlockDuration)
	assert.Equal(t, 5*time.Minute, cfg.RateLimits.Orders.BlockDuration)

	alpaca, ok := cfg.Broker("alpaca")
	require.True(t, ok)
	assert.True(t, alpaca.HasOAuth2())
	assert.True(t, alpaca.HasClientCredentials())
}

func TestValidateFailsFast(t *testing.T) {
	cfg := Default()
	cfg.Security.EncryptionKey = ""
	cfg.Database.Driver = "mysql"
	cfg.Orders.SubmissionMode = "later"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encryption_key")
	assert.Contains(t, err.Error(), "mysql")
	assert.Contains(t, err.Error(), "later")
}

func TestValidateRejectsDevSecretsInProduction(t *testing.T) {
	cfg := Default()
	cfg.Env = "production"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "development secrets")
}

func TestValidateBrokerWithoutStrategy(t *testing.T) {
	cfg := Default()
	cfg.Brokers["empty"] = BrokerConfig{ID: "empty"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker empty")
}

func TestBrokerCloneIsIndependent(t *testing.T) {
	cfg := Default()

	paper, ok := cfg.Broker("paper")
	require.True(t, ok)
	paper.Paper.Prices["AAPL"] = 1

	again, _ := cfg.Broker("paper")
	assert.Equal(t, 190.50, again.Paper.Prices["AAPL"])
}

func TestRefreshBufferDefault(t *testing.T) {
	assert.Equal(t, 5*time.Minute, BrokerConfig{}.RefreshBuffer())
	assert.Equal(t, 30*time.Second, BrokerConfig{RefreshBufferSeconds: 30}.RefreshBuffer())
}
