package httpop

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid http executor config")

// Config configures the HTTP operation client.
type Config struct {
	// BaseURL is the root every operation ref is appended to.
	BaseURL string `mapstructure:"base_url"`

	// RequestsPerSecond shapes outbound calls across all operations.
	// 0 disables rate limiting.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`

	// BreakerMaxFailures is the number of consecutive retryable failures
	// that opens an operation's circuit. 0 disables the breaker.
	BreakerMaxFailures uint32 `mapstructure:"breaker_max_failures"`

	// BreakerOpenTimeout is how long an open circuit rejects calls before
	// letting a probe through.
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout"`

	// Headers are added to every request, e.g. Authorization.
	Headers map[string]string `mapstructure:"headers"`
}

// DefaultConfig returns settings for a local operation gateway.
func DefaultConfig() Config {
	return Config{
		BaseURL:            "http://127.0.0.1:8700/v1/operations",
		RequestsPerSecond:  10,
		Burst:              10,
		BreakerMaxFailures: 5,
		BreakerOpenTimeout: 30 * time.Second,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("%w: base_url: %w", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: base_url must be http or https, got %q", ErrInvalidConfig, c.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: base_url has no host", ErrInvalidConfig)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: requests_per_second cannot be negative", ErrInvalidConfig)
	}
	if c.RequestsPerSecond > 0 && c.Burst < 1 {
		return fmt.Errorf("%w: burst must be at least 1 when rate limiting", ErrInvalidConfig)
	}
	if c.BreakerOpenTimeout < 0 {
		return fmt.Errorf("%w: breaker_open_timeout cannot be negative", ErrInvalidConfig)
	}
	return nil
}
