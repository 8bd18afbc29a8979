// Package tokenomics implements the broker's deterministic pricing rules:
// conversion between raw token counts and MULE (the internal unit of account)
// and the platform fee split.
//
// All MULE values are fixed-point with six decimal places, rounded half away
// from zero, represented as [decimal.Decimal]. Every operation is pure; the
// [Engine] is configured once at startup and treated as constant thereafter.
package tokenomics

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/llmule/broker/pkg/model"
)

// Decimals is the fixed-point precision of all MULE amounts.
const Decimals = 6

// Default economic constants.
const (
	DefaultWelcomeAmount   = "1.0"
	DefaultPlatformFeeRate = "0.10"
)

// DefaultConversionRates lists tokens-per-MULE by tier.
var DefaultConversionRates = map[model.Tier]int64{
	model.TierSmall:  1_000_000,
	model.TierMedium: 500_000,
	model.TierLarge:  250_000,
	model.TierXL:     125_000,
}

// Engine converts token usage into MULE amounts and applies the platform fee
// split. The zero value is not usable; construct with [NewEngine] or
// [DefaultEngine]. All methods are safe for concurrent use.
type Engine struct {
	rates   map[model.Tier]decimal.Decimal
	feeRate decimal.Decimal
	welcome decimal.Decimal
}

// Config overrides the default economic constants. Zero-valued fields keep
// their defaults.
type Config struct {
	// WelcomeAmount is the MULE balance granted on first sight of an account.
	WelcomeAmount decimal.Decimal

	// PlatformFeeRate is the fraction of every consumption amount retained
	// by the broker. Must be in [0, 1).
	PlatformFeeRate decimal.Decimal

	// ConversionRates maps tier to tokens per MULE. Every rate must be > 0.
	ConversionRates map[model.Tier]int64
}

// DefaultEngine returns an Engine with the default constants.
func DefaultEngine() *Engine {
	e, err := NewEngine(Config{})
	if err != nil {
		// Defaults are compile-time constants; this cannot happen.
		panic(err)
	}
	return e
}

// NewEngine validates cfg and returns a configured Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.WelcomeAmount.IsZero() {
		cfg.WelcomeAmount = decimal.RequireFromString(DefaultWelcomeAmount)
	}
	if cfg.PlatformFeeRate.IsZero() {
		cfg.PlatformFeeRate = decimal.RequireFromString(DefaultPlatformFeeRate)
	}
	if cfg.ConversionRates == nil {
		cfg.ConversionRates = DefaultConversionRates
	}

	if cfg.WelcomeAmount.IsNegative() {
		return nil, fmt.Errorf("tokenomics: welcome amount %s is negative", cfg.WelcomeAmount)
	}
	if cfg.PlatformFeeRate.IsNegative() || cfg.PlatformFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("tokenomics: platform fee rate %s is out of range [0, 1)", cfg.PlatformFeeRate)
	}

	rates := make(map[model.Tier]decimal.Decimal, len(cfg.ConversionRates))
	for tier, rate := range cfg.ConversionRates {
		if rate <= 0 {
			return nil, fmt.Errorf("tokenomics: conversion rate for tier %q must be positive, got %d", tier, rate)
		}
		rates[tier] = decimal.NewFromInt(rate)
	}
	for _, tier := range []model.Tier{model.TierSmall, model.TierMedium, model.TierLarge, model.TierXL} {
		if _, ok := rates[tier]; !ok {
			return nil, fmt.Errorf("tokenomics: missing conversion rate for tier %q", tier)
		}
	}

	return &Engine{
		rates:   rates,
		feeRate: cfg.PlatformFeeRate,
		welcome: cfg.WelcomeAmount.Round(Decimals),
	}, nil
}

// WelcomeAmount returns the MULE amount deposited on account creation.
func (e *Engine) WelcomeAmount() decimal.Decimal { return e.welcome }

// FeeRate returns the platform fee rate.
func (e *Engine) FeeRate() decimal.Decimal { return e.feeRate }

// Rate returns the tokens-per-MULE conversion rate for tier. Unknown tiers
// fall back to the medium rate so the engine stays total.
func (e *Engine) Rate(tier model.Tier) decimal.Decimal {
	if r, ok := e.rates[tier]; ok {
		return r
	}
	return e.rates[model.TierMedium]
}

// TokensToMules converts a raw token count to MULE at the tier's rate,
// rounded half away from zero to six decimals. Negative counts clamp to 0.
func (e *Engine) TokensToMules(tokens int64, tier model.Tier) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(tokens).DivRound(e.Rate(tier), Decimals)
}

// TokensToMulesFloat is [Engine.TokensToMules] for float-reported counts;
// non-finite and negative values clamp to 0.
func (e *Engine) TokensToMulesFloat(tokens float64, tier model.Tier) decimal.Decimal {
	if math.IsNaN(tokens) || math.IsInf(tokens, 0) || tokens <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(tokens).DivRound(e.Rate(tier), Decimals)
}

// MulesToTokens converts a MULE amount into the whole number of tokens it
// buys at the tier's rate (floor).
func (e *Engine) MulesToTokens(mules decimal.Decimal, tier model.Tier) int64 {
	if mules.IsNegative() {
		return 0
	}
	return mules.Mul(e.Rate(tier)).Floor().IntPart()
}

// PlatformFee returns the broker's cut of a consumption amount.
func (e *Engine) PlatformFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(e.feeRate).Round(Decimals)
}

// ProviderEarnings returns what the provider keeps of a consumption amount.
func (e *Engine) ProviderEarnings(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(1).Sub(e.feeRate)).Round(Decimals)
}
