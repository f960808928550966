package cost

import (
	"errors"
	"fmt"
)

// AuthError means credentials are bad or missing. Fatal for that provider;
// other providers continue.
type AuthError struct {
	Provider string
	Message  string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Provider, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConfigError means required configuration is absent or invalid. Not retried.
type ConfigError struct {
	Provider string
	Message  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: configuration error: %s", e.Provider, e.Message)
}

// RateLimitError means the provider signaled throttling. Retryable.
type RateLimitError struct {
	Provider string
	Message  string
	Err      error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited: %s", e.Provider, e.Message)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// APIError is a generic provider failure carrying diagnostics.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: API error: %s", e.Provider, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsConfig reports whether err is a configuration failure.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsRateLimit reports whether err is retryable throttling.
func IsRateLimit(err error) bool {
	var re *RateLimitError
	return errors.As(err, &re)
}
