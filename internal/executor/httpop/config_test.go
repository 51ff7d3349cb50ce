package httpop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty url", func(c *Config) { c.BaseURL = "" }},
		{"bad scheme", func(c *Config) { c.BaseURL = "ftp://host/ops" }},
		{"no host", func(c *Config) { c.BaseURL = "http:///ops" }},
		{"negative rate", func(c *Config) { c.RequestsPerSecond = -1 }},
		{"zero burst", func(c *Config) { c.Burst = 0 }},
		{"negative open timeout", func(c *Config) { c.BreakerOpenTimeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestConfig_ZeroBurstAllowedWithoutRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestsPerSecond = 0
	cfg.Burst = 0
	require.NoError(t, cfg.Validate())
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
