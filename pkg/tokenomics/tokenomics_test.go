package tokenomics_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/llmule/broker/pkg/model"
	"github.com/llmule/broker/pkg/tokenomics"
)

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return d
}

func TestTokensToMules(t *testing.T) {
	t.Parallel()
	e := tokenomics.DefaultEngine()

	tests := []struct {
		tokens int64
		tier   model.Tier
		want   string
	}{
		{500_000, model.TierMedium, "1"},
		{1, model.TierSmall, "0.000001"},
		{1_000_000, model.TierSmall, "1"},
		{250_000, model.TierLarge, "1"},
		{125_000, model.TierXL, "1"},
		{300, model.TierMedium, "0.0006"},
		{0, model.TierMedium, "0"},
		{-50, model.TierMedium, "0"},
	}
	for _, tt := range tests {
		got := e.TokensToMules(tt.tokens, tt.tier)
		if !got.Equal(mustDec(t, tt.want)) {
			t.Errorf("TokensToMules(%d, %s) = %s; want %s", tt.tokens, tt.tier, got, tt.want)
		}
	}
}

func TestFeeSplit(t *testing.T) {
	t.Parallel()
	e := tokenomics.DefaultEngine()

	one := decimal.NewFromInt(1)
	if got := e.PlatformFee(one); !got.Equal(mustDec(t, "0.1")) {
		t.Errorf("PlatformFee(1.0) = %s; want 0.100000", got)
	}
	if got := e.ProviderEarnings(one); !got.Equal(mustDec(t, "0.9")) {
		t.Errorf("ProviderEarnings(1.0) = %s; want 0.900000", got)
	}

	// Scenario: 300 tokens on medium.
	m := e.TokensToMules(300, model.TierMedium)
	if !m.Equal(mustDec(t, "0.0006")) {
		t.Fatalf("TokensToMules(300, medium) = %s; want 0.000600", m)
	}
	if got := e.PlatformFee(m); !got.Equal(mustDec(t, "0.00006")) {
		t.Errorf("PlatformFee(0.0006) = %s; want 0.000060", got)
	}
	if got := e.ProviderEarnings(m); !got.Equal(mustDec(t, "0.00054")) {
		t.Errorf("ProviderEarnings(0.0006) = %s; want 0.000540", got)
	}
}

// TestFeeSplit_NeverExceedsAmount checks provider share + fee ≤ amount
// (within half an ulp at six decimals) over a spread of amounts.
func TestFeeSplit_NeverExceedsAmount(t *testing.T) {
	t.Parallel()
	e := tokenomics.DefaultEngine()

	halfUlp := mustDec(t, "0.0000005")
	for _, s := range []string{
		"0.000001", "0.000003", "0.000600", "0.5", "1", "1.999999",
		"3.141592", "1000000",
	} {
		amount := mustDec(t, s)
		sum := e.PlatformFee(amount).Add(e.ProviderEarnings(amount))
		if sum.Sub(amount).GreaterThan(halfUlp) {
			t.Errorf("fee + earnings = %s exceeds amount %s by more than half an ulp", sum, amount)
		}
	}
}

// TestRoundTrip verifies mules_to_tokens(tokens_to_mules(n)) ≤ n for all
// tiers over representative token counts.
func TestRoundTrip(t *testing.T) {
	t.Parallel()
	e := tokenomics.DefaultEngine()

	tiers := []model.Tier{model.TierSmall, model.TierMedium, model.TierLarge, model.TierXL}
	counts := []int64{0, 1, 2, 3, 7, 123, 499_999, 500_000, 500_001, 999_999, 1_000_000, 7_777_777}

	for _, tier := range tiers {
		for _, n := range counts {
			back := e.MulesToTokens(e.TokensToMules(n, tier), tier)
			if back > n {
				t.Errorf("round trip for tier %s: %d tokens came back as %d", tier, n, back)
			}
		}
	}
}

func TestNewEngine_Validation(t *testing.T) {
	t.Parallel()

	_, err := tokenomics.NewEngine(tokenomics.Config{
		ConversionRates: map[model.Tier]int64{model.TierSmall: 0},
	})
	if err == nil {
		t.Error("NewEngine accepted a zero conversion rate")
	}

	_, err = tokenomics.NewEngine(tokenomics.Config{
		PlatformFeeRate: decimal.NewFromInt(1),
	})
	if err == nil {
		t.Error("NewEngine accepted a 100% platform fee")
	}

	_, err = tokenomics.NewEngine(tokenomics.Config{
		ConversionRates: map[model.Tier]int64{
			model.TierSmall:  1_000_000,
			model.TierMedium: 500_000,
			model.TierLarge:  250_000,
			// xl missing
		},
	})
	if err == nil {
		t.Error("NewEngine accepted a rate table with a missing tier")
	}
}

func TestMulesToTokens(t *testing.T) {
	t.Parallel()
	e := tokenomics.DefaultEngine()

	if got := e.MulesToTokens(decimal.NewFromInt(1), model.TierMedium); got != 500_000 {
		t.Errorf("MulesToTokens(1, medium) = %d; want 500000", got)
	}
	if got := e.MulesToTokens(mustDec(t, "0.5"), model.TierXL); got != 62_500 {
		t.Errorf("MulesToTokens(0.5, xl) = %d; want 62500", got)
	}
	if got := e.MulesToTokens(mustDec(t, "-1"), model.TierSmall); got != 0 {
		t.Errorf("MulesToTokens(-1, small) = %d; want 0", got)
	}
}
