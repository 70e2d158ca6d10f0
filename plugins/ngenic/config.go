package ngenic

import (
	"fmt"
	"strings"
	"time"

	"github.com/joshp123/ngenic-bridge/internal/config"
)

// Config defines runtime configuration for the Ngenic client.
type Config struct {
	BaseURL              string
	RequestTimeout       time.Duration
	RetryAttempts        int
	RetryDelay           time.Duration
	RateLimitBackoff     time.Duration
	RateLimitBackoffMax  time.Duration
	MaxRequestsPerMinute int
	Location             *time.Location
	Tunes                []string
}

func ConfigFromConfig(cfg config.NgenicConfig) (Config, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = config.DefaultBaseURL
	}
	zone := cfg.TimeZone
	if zone == "" {
		zone = config.DefaultTimeZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Config{}, fmt.Errorf("ngenic time_zone: %w", err)
	}
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return Config{
		BaseURL:              baseURL,
		RequestTimeout:       timeout,
		RetryAttempts:        attempts,
		RetryDelay:           cfg.RetryDelay,
		RateLimitBackoff:     cfg.RateLimitBackoff,
		RateLimitBackoffMax:  cfg.RateLimitBackoffMax,
		MaxRequestsPerMinute: cfg.MaxRequestsPerMinute,
		Location:             loc,
		Tunes:                cfg.Tunes,
	}, nil
}
