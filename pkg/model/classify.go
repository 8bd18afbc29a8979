// Package model implements the broker's model classifier: the single source
// of truth that maps an arbitrary model identifier to a capability record
// (tier, context window, model type).
//
// Identifiers arrive from heterogeneous provider runtimes (Ollama, LM Studio,
// raw GGUF paths) and from client requests, so the classifier treats its
// input as adversarial free-form text. [Classify] is total and deterministic:
// it never fails and always returns a record with a valid tier.
package model

import (
	"regexp"
	"strings"
)

// Tier is the capability bucket a model belongs to. Tier is determined solely
// by this package; no other component reinterprets model names.
type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
	TierXL     Tier = "xl"
)

// IsValid reports whether t is a recognised tier.
func (t Tier) IsValid() bool {
	switch t {
	case TierSmall, TierMedium, TierLarge, TierXL:
		return true
	}
	return false
}

// Rank orders tiers for catalog sorting: xl > large > medium > small.
// Unknown tiers rank below small.
func (t Tier) Rank() int {
	switch t {
	case TierXL:
		return 4
	case TierLarge:
		return 3
	case TierMedium:
		return 2
	case TierSmall:
		return 1
	}
	return 0
}

// Type describes what kind of workload a model serves.
type Type string

const (
	TypeLLM        Type = "llm"
	TypeImage      Type = "image"
	TypeWhisper    Type = "whisper"
	TypeMultimodal Type = "multimodal"
)

// Capability is the normalized record derived from a model identifier.
type Capability struct {
	// Tier is the capability bucket.
	Tier Tier

	// Context is the assumed context window size in tokens.
	Context int64

	// Type is the model workload type. Defaults to [TypeLLM].
	Type Type
}

// DefaultContext returns the default context window for a tier.
func DefaultContext(t Tier) int64 {
	switch t {
	case TierSmall:
		return 4096
	case TierLarge, TierXL:
		return 32768
	default:
		return 8192
	}
}

// defaults returns the default capability record for a tier.
func defaults(t Tier) Capability {
	return Capability{Tier: t, Context: DefaultContext(t), Type: TypeLLM}
}

// sizePattern maps a size-suffix regular expression to the tier it implies.
// Patterns are evaluated in order; the first match wins.
type sizePattern struct {
	re   *regexp.Regexp
	tier Tier
}

var sizePatterns = []sizePattern{
	{regexp.MustCompile(`\b[1-3]\.?\d?b\b`), TierSmall},
	{regexp.MustCompile(`\b7b\b|mistral`), TierMedium},
	{regexp.MustCompile(`mixtral|\b14b\b|\b20b\b`), TierLarge},
	{regexp.MustCompile(`\b(6[5-9]|70)b\b`), TierXL},
}

// versionRe extracts the first version-looking number after a family token,
// e.g. "phi-4" → 4, "llama2:70b" → 70.
var versionRe = regexp.MustCompile(`\d+(\.\d+)?`)

// Classify maps an arbitrary model identifier to a [Capability]. Resolution
// order, first match wins:
//
//  1. direct tier selector ("small", "medium", "large", "xl")
//  2. combined selector "<tier>|<substring>": tier defaults; the substring
//     constraint resolves during dispatch
//  3. addressed selector "<model>@<handle>": the model part is classified
//  4. "mini"/"tiny"/"small" substring → small
//  5. family table on the leading token (phi, mistral, mixtral, llama2, …)
//  6. size-pattern table (1-3b, 7b, 14b/20b, 65-70b)
//  7. default: medium
//
// Classify never fails; malformed selectors fall through to the default.
func Classify(identifier string) Capability {
	sel := ParseSelector(identifier)
	switch sel.Kind {
	case SelectorTier:
		return defaults(sel.Tier)
	case SelectorCombined:
		return defaults(sel.Tier)
	case SelectorAddressed:
		return classifyName(sel.Model)
	case SelectorInvalid:
		// Unresolvable combined selector; dispatch rejects it, but the
		// classifier itself stays total.
		return defaults(TierMedium)
	}
	return classifyName(sel.Model)
}

// classifyName applies rules 4-7 to a concrete (non-selector) model name.
// The path prefix is stripped but the version tag is kept: Ollama-style tags
// like ":70b" often carry the only size information the name has.
func classifyName(name string) Capability {
	lower := name
	if i := strings.LastIndex(lower, "/"); i >= 0 {
		lower = lower[i+1:]
	}
	lower = strings.ToLower(strings.TrimSpace(lower))
	typ := detectType(lower)

	// Rule 4: explicit smallness markers.
	for _, marker := range []string{"mini", "tiny", "small"} {
		if strings.Contains(lower, marker) {
			cap := defaults(TierSmall)
			cap.Type = typ
			return cap
		}
	}

	// Rule 5: family table on the leading token.
	if cap, ok := classifyFamily(lower); ok {
		cap.Type = typ
		return cap
	}

	// Rule 6: size-pattern table.
	for _, p := range sizePatterns {
		if p.re.MatchString(lower) {
			cap := defaults(p.tier)
			cap.Type = typ
			return cap
		}
	}

	// Rule 7: unknown models are assumed medium.
	cap := defaults(TierMedium)
	cap.Type = typ
	return cap
}

// classifyFamily looks up the leading token (text before the first of
// '-', ':' or '/') in the family table. Version-dependent families (phi,
// llama2) consult the first number that follows the token.
func classifyFamily(lower string) (Capability, bool) {
	token := lower
	if i := strings.IndexAny(lower, "-:/"); i >= 0 {
		token = lower[:i]
	}

	switch token {
	case "mistral":
		return defaults(TierMedium), true
	case "mixtral":
		return defaults(TierLarge), true
	case "phi":
		// phi-1/phi-2 are small, phi-3 medium, phi-4 is a 14B-class model.
		switch v := familyVersion(lower, token); {
		case v >= 4:
			cap := defaults(TierLarge)
			cap.Context = 16384
			return cap, true
		case v >= 3:
			return defaults(TierMedium), true
		default:
			return defaults(TierSmall), true
		}
	case "llama2":
		switch v := familyVersion(lower, token); {
		case v >= 65:
			return defaults(TierXL), true
		case v >= 13:
			return defaults(TierLarge), true
		default:
			return defaults(TierMedium), true
		}
	}
	return Capability{}, false
}

// familyVersion returns the first number after the family token, or 0.
func familyVersion(lower, token string) float64 {
	rest := lower[len(token):]
	m := versionRe.FindString(rest)
	if m == "" {
		return 0
	}
	var v float64
	for _, r := range m {
		if r == '.' {
			break
		}
		v = v*10 + float64(r-'0')
	}
	return v
}

// detectType infers the model workload type from the lower-cased name.
func detectType(lower string) Type {
	switch {
	case strings.Contains(lower, "whisper"):
		return TypeWhisper
	case strings.Contains(lower, "llava") || strings.Contains(lower, "vision"):
		return TypeMultimodal
	case strings.Contains(lower, "stable-diffusion") || strings.Contains(lower, "sdxl") || strings.Contains(lower, "flux"):
		return TypeImage
	}
	return TypeLLM
}

// Normalize canonicalises a model name for equality comparison: it strips
// any path prefix ('/' segments), drops the version tag (':' suffix), and
// lowercases the remainder. "vanilj/Phi-4:latest" → "phi-4".
func Normalize(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, ":"); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(strings.TrimSpace(name))
}
