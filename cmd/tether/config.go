package main

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"tether/internal/keyring"
	"tether/pkg/core"
	"tether/pkg/session"
)

// EnvPrefix is the prefix of environment variables overriding the config file.
// A single underscore separates nesting levels; a double underscore stands for
// a literal underscore, so TETHER_ENGINE_BASE__DELAY sets engine.base_delay.
const EnvPrefix = "TETHER_"

// Config is the CLI configuration.
type Config struct {
	URL         string            `koanf:"url" validate:"required,url"`
	EventsURL   string            `koanf:"events_url" validate:"omitempty,url"`
	Header      map[string]string `koanf:"header"`
	MetricsAddr string            `koanf:"metrics_addr" validate:"omitempty,hostname_port"`
	Engine      core.Config       `koanf:"engine"`
	KeyPairs    []KeyPairConfig   `koanf:"key_pairs" validate:"dive"`
}

// KeyPairConfig names a client certificate and key on disk. A disabled pair
// stays configured but is never presented.
type KeyPairConfig struct {
	ID       string `koanf:"id" validate:"required"`
	CertFile string `koanf:"cert_file" validate:"required,file"`
	KeyFile  string `koanf:"key_file" validate:"required,file"`
	Disabled bool   `koanf:"disabled"`
}

var validate = validator.New()

// Validate checks field ranges and the engine policy.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	return c.Engine.Validate()
}

func defaultConfig() *Config {
	return &Config{
		Engine: *core.DefaultConfig(),
	}
}

// LoadConfig merges defaults, the TOML file at path (if any), TETHER_
// environment variables and overrides, in increasing priority. Override keys
// use the koanf path, for example "engine.log_level".
func LoadConfig(path string, overrides map[string]any) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)

		s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
		s = strings.ReplaceAll(s, "_", ".")
		s = strings.ReplaceAll(s, "%UNDERSCORE%", "_")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	for key, value := range overrides {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", key, err)
		}
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) sessionConfig() *session.Config {
	return &session.Config{
		WebSocketURL: c.URL,
		EventsURL:    c.EventsURL,
		Header:       c.Header,
		Engine:       &c.Engine,
	}
}

func (c *Config) keyPairs() []*keyring.KeyPair {
	pairs := make([]*keyring.KeyPair, 0, len(c.KeyPairs))
	for _, p := range c.KeyPairs {
		pairs = append(pairs, &keyring.KeyPair{
			ID:       p.ID,
			CertFile: p.CertFile,
			KeyFile:  p.KeyFile,
			Disabled: p.Disabled,
		})
	}
	return pairs
}
