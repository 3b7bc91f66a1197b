package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg, err := LoadArgs(nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.AuthSecret, "no weak default secret is injected")
	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, "main-store", cfg.StoreID)
	assert.True(t, decimal.NewFromInt(11).Equal(cfg.TaxRatePercent))
	assert.Equal(t, 24*time.Hour, cfg.ParkedTTL)
	assert.Equal(t, 50*time.Millisecond, cfg.LedgerRetryBackoff)
	assert.Equal(t, 8*time.Hour, cfg.AccessTokenTTL())
}

func TestLoadAddress(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
		want string
	}{
		{name: "port only", env: map[string]string{"PORT": "9090"}, want: ":9090"},
		{name: "flag", args: []string{"-a", "localhost:7777"}, want: "localhost:7777"},
		{name: "env overrides flag", env: map[string]string{"LISTEN_ADDRESS": "0.0.0.0:9000"}, args: []string{"-a", "localhost:7777"}, want: "0.0.0.0:9000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := LoadArgs(tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Address())
		})
	}
}

func TestLoadParsesTypedValues(t *testing.T) {
	t.Setenv("TAX_RATE_PERCENT", "12.5")
	t.Setenv("PARKED_TTL", "2h")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("AUTH_SECRET", "  padded-secret  ")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "0")

	cfg, err := LoadArgs(nil)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("12.5").Equal(cfg.TaxRatePercent))
	assert.Equal(t, 2*time.Hour, cfg.ParkedTTL)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, "padded-secret", cfg.AuthSecret)
	assert.Equal(t, 480, cfg.AccessTokenTTLMinutes)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "tax too high", key: "TAX_RATE_PERCENT", val: "100"},
		{name: "negative tax", key: "TAX_RATE_PERCENT", val: "-1"},
		{name: "zero ttl", key: "PARKED_TTL", val: "0s"},
		{name: "not a duration", key: "CHECKOUT_TIMEOUT", val: "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := LoadArgs(nil)
			assert.Error(t, err)
		})
	}
}
