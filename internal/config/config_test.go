package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("CUSTODY_API_URL", "https://custody.example.com")
	t.Setenv("CUSTODY_API_KEY", "key")
	t.Setenv("WEBHOOK_SECRET", "secret")
	t.Setenv("PUBLIC_BASE_URL", "https://pay.example.com")
	t.Setenv("DATABASE_URI", "postgres://localhost/orders")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.Equal(t, ":8080", cfg.HTTPAddress)
	assert.Equal(t, 30*time.Minute, cfg.OrderTTL)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 3, cfg.ProviderMaxAttempts)
	assert.Equal(t, SinkPrometheus, cfg.MetricsSink)
	assert.False(t, cfg.AddressReuse)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("STORE_BACKEND", "dynamodb")
	t.Setenv("ORDER_TTL", "45m")
	t.Setenv("ADDRESS_REUSE", "true")
	t.Setenv("WEBHOOK_RATE_LIMIT", "2.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendDynamoDB, cfg.StoreBackend)
	assert.Equal(t, 45*time.Minute, cfg.OrderTTL)
	assert.True(t, cfg.AddressReuse)
	assert.Equal(t, 2.5, cfg.WebhookRateLimit)
}

func TestLoadFailsFastOnMissingSecrets(t *testing.T) {
	t.Setenv("CUSTODY_API_URL", "")
	t.Setenv("CUSTODY_API_KEY", "")
	t.Setenv("WEBHOOK_SECRET", "")
	t.Setenv("PUBLIC_BASE_URL", "")
	t.Setenv("DATABASE_URI", "")

	_, err := Load()
	require.Error(t, err)
	for _, name := range []string{"CUSTODY_API_URL", "CUSTODY_API_KEY", "WEBHOOK_SECRET", "PUBLIC_BASE_URL", "DATABASE_URI"} {
		assert.Contains(t, err.Error(), name)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			StoreBackend:        BackendPostgres,
			DatabaseURI:         "postgres://x",
			CustodyAPIURL:       "https://c",
			CustodyAPIKey:       "k",
			WebhookSecret:       "s",
			PublicBaseURL:       "https://pay.example.com",
			MetricsSink:         SinkNone,
			OrderTTL:            time.Minute,
			SweepInterval:       time.Minute,
			ProviderMaxAttempts: 1,
		}
	}
	cases := map[string]func(*Config){
		"unknown backend":   func(c *Config) { c.StoreBackend = "mysql" },
		"relative base url": func(c *Config) { c.PublicBaseURL = "/pay" },
		"unknown sink":      func(c *Config) { c.MetricsSink = "statsd" },
		"zero ttl":          func(c *Config) { c.OrderTTL = 0 },
		"zero attempts":     func(c *Config) { c.ProviderMaxAttempts = 0 },
		"node id":           func(c *Config) { c.NodeID = 4096 },
		"dynamo tables":     func(c *Config) { c.StoreBackend = BackendDynamoDB; c.OrdersTable = "" },
	}

	ok := base()
	require.NoError(t, ok.Validate())

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
