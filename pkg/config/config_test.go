package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultBrokerURI, cfg.Broker.URI)
	assert.Equal(t, DefaultExchange, cfg.Broker.Exchange)
	assert.True(t, cfg.Broker.AutoDelete)
	assert.False(t, cfg.Broker.Durable)
	assert.Equal(t, DefaultInnerTimeout, cfg.Consumer.InnerTimeout)
	assert.Zero(t, cfg.Consumer.Heartbeat)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultBrokerURI, cfg.Broker.URI)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.yaml")
	content := `
broker:
  uri: amqp://prod:5672/
  exchange: services
  durable: true
service:
  name: worker
  sysname: deploy1
consumer:
  inner_timeout: 500ms
  heartbeat: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "amqp://prod:5672/", cfg.Broker.URI)
	assert.Equal(t, "services", cfg.Broker.Exchange)
	assert.True(t, cfg.Broker.Durable)
	assert.Equal(t, "worker", cfg.Service.Name)
	assert.Equal(t, "deploy1", cfg.Service.Sysname)
	assert.Equal(t, 500*time.Millisecond, cfg.Consumer.InnerTimeout)
	assert.Equal(t, 30*time.Second, cfg.Consumer.Heartbeat)
}

func TestLoadEnvOverridesURI(t *testing.T) {
	t.Setenv(EnvBrokerURI, "nats://elsewhere:4222")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "nats://elsewhere:4222", cfg.Broker.URI)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"empty uri", func(c *Config) { c.Broker.URI = "" }, true},
		{"empty exchange", func(c *Config) { c.Broker.Exchange = "" }, true},
		{"zero inner timeout", func(c *Config) { c.Consumer.InnerTimeout = 0 }, true},
		{"negative heartbeat", func(c *Config) { c.Consumer.Heartbeat = -time.Second }, true},
		{
			"inner timeout above half heartbeat",
			func(c *Config) {
				c.Consumer.InnerTimeout = 600 * time.Millisecond
				c.Consumer.Heartbeat = time.Second
			},
			true,
		},
		{
			"inner timeout at half heartbeat",
			func(c *Config) {
				c.Consumer.InnerTimeout = 500 * time.Millisecond
				c.Consumer.Heartbeat = time.Second
			},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
