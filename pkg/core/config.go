package core

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config contains the policy knobs of a reconnection engine.
type Config struct {
	// BaseDelay is the first backoff delay after a transient failure.
	BaseDelay time.Duration `json:"base_delay" koanf:"base_delay" validate:"min=1ms"`
	// MaxDelay caps the backoff delay. Zero leaves it unbounded.
	MaxDelay time.Duration `json:"max_delay" koanf:"max_delay" validate:"min=0"`

	// CredentialPattern is matched against error text to detect expired client
	// credentials. Empty uses DefaultCredentialPattern.
	CredentialPattern string `json:"credential_pattern,omitempty" koanf:"credential_pattern"`

	// SendRate limits outbound messages per SendPeriod. Zero disables limiting.
	SendRate   int           `json:"send_rate" koanf:"send_rate" validate:"min=0"`
	SendPeriod time.Duration `json:"send_period" koanf:"send_period" validate:"min=0"`

	LogLevel string `json:"log_level" koanf:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// DefaultConfig returns a Config with a 300ms base delay capped at 30s,
// no send limit and info logging.
func DefaultConfig() *Config {
	return &Config{
		BaseDelay:  300 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		SendPeriod: time.Second,
		LogLevel:   "info",
	}
}

var validate = validator.New()

// Validate checks field ranges and cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.MaxDelay != 0 && c.MaxDelay < c.BaseDelay {
		return errors.New("MaxDelay must not be lower than BaseDelay")
	}
	if c.SendRate > 0 && c.SendPeriod <= 0 {
		return errors.New("SendPeriod must be positive when SendRate is set")
	}
	if c.CredentialPattern != "" {
		if _, err := regexp.Compile(c.CredentialPattern); err != nil {
			return fmt.Errorf("CredentialPattern: %w", err)
		}
	}
	return nil
}

// Credentials returns the compiled credential pattern, falling back to the default.
func (c *Config) Credentials() *regexp.Regexp {
	if c.CredentialPattern == "" {
		return DefaultCredentialPattern
	}
	re, err := regexp.Compile(c.CredentialPattern)
	if err != nil {
		return DefaultCredentialPattern
	}
	return re
}

// WithBackoff sets the backoff bounds and returns the config for chaining.
func (c *Config) WithBackoff(base, max time.Duration) *Config {
	c.BaseDelay = base
	c.MaxDelay = max
	return c
}

// WithSendLimit sets the outbound rate limit and returns the config for chaining.
func (c *Config) WithSendLimit(rate int, period time.Duration) *Config {
	c.SendRate = rate
	c.SendPeriod = period
	return c
}

// WithCredentialPattern sets the credential error pattern and returns the config for chaining.
func (c *Config) WithCredentialPattern(pattern string) *Config {
	c.CredentialPattern = pattern
	return c
}
