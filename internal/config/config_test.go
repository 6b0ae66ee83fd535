package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GATEWAY_SECRET_KEY", "sk_test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, "postgres", cfg.Store)
	assert.Equal(t, "USD", cfg.Currency)
	assert.Equal(t, int64(599), cfg.ShippingMinor)
	assert.True(t, decimal.RequireFromString("0.08").Equal(cfg.TaxRate))
	assert.Equal(t, 10*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 3, cfg.GatewayMaxAttempts)
	assert.Equal(t, "sk_test", cfg.WebhookSecret, "webhook secret falls back to the gateway key")
	assert.Equal(t, "MKT", cfg.ReferencePrefix)
	assert.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE", "Memory")
	t.Setenv("CURRENCY", "ngn")
	t.Setenv("TAX_RATE", "0.075")
	t.Setenv("SHIPPING_FLAT_MINOR", "1500")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,,")
	t.Setenv("WEBHOOK_SECRET", "whsec")
	t.Setenv("RETRY_DELAY", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, "NGN", cfg.Currency)
	assert.True(t, decimal.RequireFromString("0.075").Equal(cfg.TaxRate))
	assert.Equal(t, int64(1500), cfg.ShippingMinor)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "whsec", cfg.WebhookSecret)
	assert.Equal(t, 5*time.Second, cfg.RetryDelay)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string][2]string{
		"bad int":      {"GATEWAY_MAX_ATTEMPTS", "three"},
		"bad duration": {"SWEEP_INTERVAL", "soon"},
		"bad decimal":  {"TAX_RATE", "8%"},
		"bad store":    {"STORE", "sqlite"},
		"bad currency": {"CURRENCY", "DOLLAR"},
		"negative tax": {"TAX_RATE", "-0.1"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			require.Error(t, err)
		})
	}
}
