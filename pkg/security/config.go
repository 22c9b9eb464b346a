package security

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/mrjerryjohns/openweave-core/pkg/crypto"
	casesession "github.com/mrjerryjohns/openweave-core/pkg/security/case"
	"github.com/mrjerryjohns/openweave-core/pkg/security/keyexport"
	"github.com/mrjerryjohns/openweave-core/pkg/security/pase"
	"github.com/mrjerryjohns/openweave-core/pkg/security/take"
	"github.com/mrjerryjohns/openweave-core/pkg/session"
)

// Defaults.
const (
	DefaultSessionEstablishTimeout = 30 * time.Second
	DefaultIdleSessionTimeout      = session.DefaultIdleTimeout
	DefaultRateLimitAttempts       = 3
	DefaultRateLimitCooldown       = 15 * time.Second
	DefaultAuthKeyCacheSize        = 16
)

// Config holds the Manager tunables. Durations are Go duration strings in
// YAML, for example "30s".
type Config struct {
	SessionEstablishTimeout time.Duration `yaml:"session_establish_timeout"`
	IdleSessionTimeout      time.Duration `yaml:"idle_session_timeout"`
	MaxSessionKeys          int           `yaml:"max_session_keys"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	PASE      PASEConfig      `yaml:"pase"`
	CASE      CASEConfig      `yaml:"case"`
	TAKE      TAKEConfig      `yaml:"take"`
	KeyExport KeyExportConfig `yaml:"key_export"`
}

// RateLimitConfig bounds failed PASE attempts.
type RateLimitConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

// PASEConfig lists the accepted PASE configurations.
type PASEConfig struct {
	AllowedConfigs []pase.Config `yaml:"allowed_configs"`
}

// CASEConfig lists the accepted CASE configurations and curves.
type CASEConfig struct {
	AllowedConfigs    []casesession.Config `yaml:"allowed_configs"`
	AllowedCurves     []crypto.Curve       `yaml:"allowed_curves"`
	PerformKeyConfirm bool                 `yaml:"perform_key_confirm"`
	RequireKeyConfirm bool                 `yaml:"require_key_confirm"`
}

// TAKEConfig lists the accepted TAKE configurations.
type TAKEConfig struct {
	AllowedConfigs   []take.Config `yaml:"allowed_configs"`
	AuthKeyCacheSize int           `yaml:"auth_key_cache_size"`
}

// KeyExportConfig lists the accepted key export configurations.
type KeyExportConfig struct {
	AllowedConfigs []keyexport.Config `yaml:"allowed_configs"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		SessionEstablishTimeout: DefaultSessionEstablishTimeout,
		IdleSessionTimeout:      DefaultIdleSessionTimeout,
		MaxSessionKeys:          session.DefaultMaxKeys,
		RateLimit: RateLimitConfig{
			MaxAttempts: DefaultRateLimitAttempts,
			Cooldown:    DefaultRateLimitCooldown,
		},
		PASE: PASEConfig{AllowedConfigs: pase.DefaultAllowedConfigs},
		CASE: CASEConfig{
			AllowedConfigs:    casesession.DefaultAllowedConfigs,
			AllowedCurves:     casesession.DefaultAllowedCurves,
			PerformKeyConfirm: true,
		},
		TAKE: TAKEConfig{
			AllowedConfigs:   take.DefaultAllowedConfigs,
			AuthKeyCacheSize: DefaultAuthKeyCacheSize,
		},
		KeyExport: KeyExportConfig{AllowedConfigs: keyexport.DefaultAllowedConfigs},
	}
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var err error
	if c.SessionEstablishTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("session_establish_timeout must be positive, got %v", c.SessionEstablishTimeout))
	}
	if c.IdleSessionTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("idle_session_timeout must be positive, got %v", c.IdleSessionTimeout))
	}
	if c.MaxSessionKeys <= 0 {
		err = multierr.Append(err, fmt.Errorf("max_session_keys must be positive, got %d", c.MaxSessionKeys))
	}
	if c.RateLimit.MaxAttempts <= 0 {
		err = multierr.Append(err, fmt.Errorf("rate_limit.max_attempts must be positive, got %d", c.RateLimit.MaxAttempts))
	}
	if c.RateLimit.Cooldown <= 0 {
		err = multierr.Append(err, fmt.Errorf("rate_limit.cooldown must be positive, got %v", c.RateLimit.Cooldown))
	}
	if c.TAKE.AuthKeyCacheSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("take.auth_key_cache_size must be positive, got %d", c.TAKE.AuthKeyCacheSize))
	}
	for _, pc := range c.PASE.AllowedConfigs {
		if !pc.IsValid() {
			err = multierr.Append(err, fmt.Errorf("pase.allowed_configs: unknown config %d", uint32(pc)))
		}
	}
	for _, cc := range c.CASE.AllowedConfigs {
		if !cc.IsValid() {
			err = multierr.Append(err, fmt.Errorf("case.allowed_configs: unknown config %d", uint32(cc)))
		}
	}
	for _, curve := range c.CASE.AllowedCurves {
		if !curve.IsValid() {
			err = multierr.Append(err, fmt.Errorf("case.allowed_curves: %v", curve))
		}
	}
	for _, tc := range c.TAKE.AllowedConfigs {
		if !tc.IsValid() {
			err = multierr.Append(err, fmt.Errorf("take.allowed_configs: unknown config %d", uint32(tc)))
		}
	}
	for _, kc := range c.KeyExport.AllowedConfigs {
		if !kc.IsValid() {
			err = multierr.Append(err, fmt.Errorf("key_export.allowed_configs: unknown config %d", uint32(kc)))
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// ParseConfig decodes YAML over DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}
