package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/llmule/broker/pkg/model"
	"github.com/llmule/broker/pkg/tokenomics"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Database
	if cfg.Database.PostgresDSN == "" && !cfg.Database.DevMode {
		errs = append(errs, errors.New("database.postgres_dsn is required unless database.dev_mode is set"))
	}
	if cfg.Database.DevMode && cfg.Database.PostgresDSN != "" {
		slog.Warn("database.dev_mode is set; postgres_dsn will be ignored")
	}

	// Routing
	if cfg.Routing.LoadThreshold < 1 {
		errs = append(errs, fmt.Errorf("routing.load_threshold %d must be at least 1", cfg.Routing.LoadThreshold))
	}
	if cfg.Routing.RequestTimeout.Std() <= 0 {
		errs = append(errs, errors.New("routing.request_timeout must be positive"))
	}
	if cfg.Routing.MaxRequestTimeout.Std() > DefaultMaxRequestTimeout {
		errs = append(errs, fmt.Errorf("routing.max_request_timeout %s exceeds the hard cap %s",
			cfg.Routing.MaxRequestTimeout.Std(), DefaultMaxRequestTimeout))
	}
	if cfg.Routing.RequestTimeout.Std() > cfg.Routing.MaxRequestTimeout.Std() {
		errs = append(errs, errors.New("routing.request_timeout exceeds routing.max_request_timeout"))
	}
	if cfg.Routing.PingInterval.Std() <= 0 || cfg.Routing.HeartbeatTimeout.Std() <= 0 {
		errs = append(errs, errors.New("routing.ping_interval and routing.heartbeat_timeout must be positive"))
	}
	if cfg.Routing.HeartbeatTimeout.Std() <= cfg.Routing.PingInterval.Std() {
		errs = append(errs, errors.New("routing.heartbeat_timeout must exceed routing.ping_interval"))
	}

	// Tokenomics: build an engine so the same validation applies here and
	// at runtime.
	if _, err := cfg.TokenomicsEngine(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// TokenomicsEngine builds the pricing engine described by cfg.
func (cfg *Config) TokenomicsEngine() (*tokenomics.Engine, error) {
	ecfg := tokenomics.Config{}

	if cfg.Tokenomics.WelcomeAmount != "" {
		amount, err := decimal.NewFromString(cfg.Tokenomics.WelcomeAmount)
		if err != nil {
			return nil, fmt.Errorf("tokenomics.welcome_amount %q is not a decimal", cfg.Tokenomics.WelcomeAmount)
		}
		ecfg.WelcomeAmount = amount
	}
	if cfg.Tokenomics.PlatformFeeRate != "" {
		rate, err := decimal.NewFromString(cfg.Tokenomics.PlatformFeeRate)
		if err != nil {
			return nil, fmt.Errorf("tokenomics.platform_fee_rate %q is not a decimal", cfg.Tokenomics.PlatformFeeRate)
		}
		ecfg.PlatformFeeRate = rate
	}
	if len(cfg.Tokenomics.ConversionRates) > 0 {
		rates := make(map[model.Tier]int64, len(cfg.Tokenomics.ConversionRates))
		// Start from defaults so partial overrides stay coherent.
		for tier, rate := range tokenomics.DefaultConversionRates {
			rates[tier] = rate
		}
		for name, rate := range cfg.Tokenomics.ConversionRates {
			tier := model.Tier(name)
			if !tier.IsValid() {
				return nil, fmt.Errorf("tokenomics.conversion_rates: unknown tier %q", name)
			}
			rates[tier] = rate
		}
		ecfg.ConversionRates = rates
	}

	return tokenomics.NewEngine(ecfg)
}
