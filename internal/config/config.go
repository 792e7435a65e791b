// Package config loads the publisher core's environment-variable
// configuration. Invalid values abort startup; callers should treat a
// non-nil error from Load as fatal.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Config is the full set of recognized environment options.
type Config struct {
	PublisherConcurrency int `validate:"min=1"`
	PublisherMaxAttempts int `validate:"min=1"`
	PublisherJobTimeoutMS int `validate:"min=1"`

	RateLimiterEnabled               bool
	RateLimiterBaseDelayMS           int     `validate:"min=0"`
	RateLimiterMaxDelayMS            int     `validate:"min=0"`
	RateLimiterJitterPercent         float64 `validate:"min=0,max=1"`
	RateLimiterSuccessDecreaseFactor float64 `validate:"gt=0,lt=1"`
	RateLimiterFailureIncreaseFactor float64 `validate:"gt=1"`

	CircuitBreakerEnabled        bool
	CircuitBreakerThreshold      int `validate:"min=1"`
	CircuitBreakerOpenDurationMS int `validate:"min=0"`
	CircuitBreakerPersistToRedis bool

	CacheEnabled    bool
	CacheDefaultTTL int `validate:"min=0"`
	CacheStaleTTL   int `validate:"min=0"`

	MetricsEnabled        bool
	MetricsFlushIntervalMS int `validate:"min=0"`

	RefreshTokenExpiryDays int    `validate:"min=1"`
	LogLevel               string `validate:"oneof=debug info warn error"`
}

// Default returns the documented production defaults.
func Default() Config {
	return Config{
		PublisherConcurrency:  2,
		PublisherMaxAttempts:  7,
		PublisherJobTimeoutMS: 1_200_000,

		RateLimiterEnabled:               true,
		RateLimiterBaseDelayMS:           3000,
		RateLimiterMaxDelayMS:            60_000,
		RateLimiterJitterPercent:         0.2,
		RateLimiterSuccessDecreaseFactor: 0.9,
		RateLimiterFailureIncreaseFactor: 2.0,

		CircuitBreakerEnabled:        true,
		CircuitBreakerThreshold:      3,
		CircuitBreakerOpenDurationMS: 300_000,
		CircuitBreakerPersistToRedis: false,

		CacheEnabled:    true,
		CacheDefaultTTL: 300,
		CacheStaleTTL:   7200,

		MetricsEnabled:         true,
		MetricsFlushIntervalMS: 60_000,

		RefreshTokenExpiryDays: 60,
		LogLevel:               "info",
	}
}

// Load reads environment variables over the defaults and validates the
// result. A non-zero-value env var always overrides the default; absent
// env vars keep the default.
func Load(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()

	var err error
	if err = setInt(getenv, "PUBLISHER_CONCURRENCY", &cfg.PublisherConcurrency); err != nil {
		return cfg, err
	}
	if err = setInt(getenv, "PUBLISHER_MAX_ATTEMPTS", &cfg.PublisherMaxAttempts); err != nil {
		return cfg, err
	}
	if err = setInt(getenv, "PUBLISHER_JOB_TIMEOUT_MS", &cfg.PublisherJobTimeoutMS); err != nil {
		return cfg, err
	}

	if err = setBool(getenv, "RATE_LIMITER_ENABLED", &cfg.RateLimiterEnabled); err != nil {
		return cfg, err
	}
	if err = setInt(getenv, "RATE_LIMITER_BASE_DELAY_MS", &cfg.RateLimiterBaseDelayMS); err != nil {
		return cfg, err
	}
	if err = setInt(getenv, "RATE_LIMITER_MAX_DELAY_MS", &cfg.RateLimiterMaxDelayMS); err != nil {
		return cfg, err
	}
	if err = setFloat(getenv, "RATE_LIMITER_JITTER_PERCENT", &cfg.RateLimiterJitterPercent); err != nil {
		return cfg, err
	}
	if err = setFloat(getenv, "RATE_LIMITER_SUCCESS_DECREASE_FACTOR", &cfg.RateLimiterSuccessDecreaseFactor); err != nil {
		return cfg, err
	}
	if err = setFloat(getenv, "RATE_LIMITER_FAILURE_INCREASE_FACTOR", &cfg.RateLimiterFailureIncreaseFactor); err != nil {
		return cfg, err
	}

	if err = setBool(getenv, "CIRCUIT_BREAKER_ENABLED", &cfg.CircuitBreakerEnabled); err != nil {
		return cfg, err
	}
	if err = setInt(getenv, "CIRCUIT_BREAKER_THRESHOLD", &cfg.CircuitBreakerThreshold); err != nil {
		return cfg, err
	}
	if err = setInt(getenv, "CIRCUIT_BREAKER_OPEN_DURATION_MS", &cfg.CircuitBreakerOpenDurationMS); err != nil {
		return cfg, err
	}
	if err = setBool(getenv, "CIRCUIT_BREAKER_PERSIST_TO_REDIS", &cfg.CircuitBreakerPersistToRedis); err != nil {
		return cfg, err
	}

	if err = setBool(getenv, "CACHE_ENABLED", &cfg.CacheEnabled); err != nil {
		return cfg, err
	}
	if err = setInt(getenv, "CACHE_DEFAULT_TTL", &cfg.CacheDefaultTTL); err != nil {
		return cfg, err
	}
	if err = setInt(getenv, "CACHE_STALE_TTL", &cfg.CacheStaleTTL); err != nil {
		return cfg, err
	}

	if err = setBool(getenv, "METRICS_ENABLED", &cfg.MetricsEnabled); err != nil {
		return cfg, err
	}
	if err = setInt(getenv, "METRICS_FLUSH_INTERVAL_MS", &cfg.MetricsFlushIntervalMS); err != nil {
		return cfg, err
	}

	if err = setInt(getenv, "REFRESH_TOKEN_EXPIRY_DAYS", &cfg.RefreshTokenExpiryDays); err != nil {
		return cfg, err
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setInt(getenv func(string) string, key string, dst *int) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid int %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setFloat(getenv func(string) string, key string, dst *float64) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid float %q: %w", key, v, err)
	}
	*dst = f
	return nil
}

func setBool(getenv func(string) string, key string, dst *bool) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: invalid bool %q: %w", key, v, err)
	}
	*dst = b
	return nil
}
