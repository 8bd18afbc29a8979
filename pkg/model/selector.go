package model

import "strings"

// SelectorKind enumerates the ways a client may address models.
type SelectorKind int

const (
	// SelectorExact is a concrete model name ("mistral:7b-instruct-q4").
	SelectorExact SelectorKind = iota

	// SelectorTier requests any model of a tier ("medium").
	SelectorTier

	// SelectorCombined requests a tier plus a name substring ("large|mixtral").
	SelectorCombined

	// SelectorAddressed targets a specific provider ("phi-4@user_1234").
	SelectorAddressed

	// SelectorInvalid marks a combined selector whose tier token is not a
	// recognised tier. It is the only unresolvable form.
	SelectorInvalid
)

// Selector is the parsed form of a requested model identifier.
type Selector struct {
	Kind SelectorKind

	// Raw is the original identifier as requested.
	Raw string

	// Tier is set for [SelectorTier] and [SelectorCombined].
	Tier Tier

	// Substring is the lower-cased name constraint of a combined selector.
	Substring string

	// Model is the concrete model part for exact and addressed selectors.
	Model string

	// Handle is the provider handle of an addressed selector ("user_1234").
	Handle string
}

// ParseSelector decomposes a requested model identifier into its selector
// form. It is total: every input maps to exactly one selector kind, with
// [SelectorInvalid] reserved for combined selectors naming an unknown tier.
func ParseSelector(identifier string) Selector {
	id := strings.TrimSpace(identifier)
	sel := Selector{Raw: id, Model: id}

	if t := Tier(strings.ToLower(id)); t.IsValid() {
		sel.Kind = SelectorTier
		sel.Tier = t
		return sel
	}

	if tierPart, sub, ok := strings.Cut(id, "|"); ok {
		t := Tier(strings.ToLower(strings.TrimSpace(tierPart)))
		if !t.IsValid() || strings.TrimSpace(sub) == "" {
			sel.Kind = SelectorInvalid
			return sel
		}
		sel.Kind = SelectorCombined
		sel.Tier = t
		sel.Substring = strings.ToLower(strings.TrimSpace(sub))
		return sel
	}

	// "@" may legitimately appear inside a model path, so only the last one
	// is treated as the provider address separator.
	if i := strings.LastIndex(id, "@"); i > 0 && i < len(id)-1 {
		sel.Kind = SelectorAddressed
		sel.Model = id[:i]
		sel.Handle = id[i+1:]
		return sel
	}

	sel.Kind = SelectorExact
	return sel
}
