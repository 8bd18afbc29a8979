package dispatch

import (
	"strings"

	"github.com/llmule/broker/internal/registry"
	"github.com/llmule/broker/pkg/model"
)

// resolveModel applies the compatibility rules between a parsed selector and
// one provider's advertised list. It returns the provider-local model
// identifier to forward and whether the provider is compatible at all.
//
// Tier and combined selectors resolve to the first advertised model that
// satisfies them; addressed and exact selectors keep the requested identifier
// but must find a normalized match. There is no tier fallback for specific
// model requests.
func resolveModel(sel model.Selector, v registry.View) (string, bool) {
	switch sel.Kind {
	case model.SelectorTier:
		for _, m := range v.Models {
			if model.Classify(m).Tier == sel.Tier {
				return m, true
			}
		}

	case model.SelectorCombined:
		for _, m := range v.Models {
			if model.Classify(m).Tier == sel.Tier && strings.Contains(strings.ToLower(m), sel.Substring) {
				return m, true
			}
		}

	case model.SelectorAddressed:
		if v.Handle != sel.Handle {
			return "", false
		}
		want := model.Normalize(sel.Model)
		for _, m := range v.Models {
			if model.Normalize(m) == want {
				return m, true
			}
		}

	case model.SelectorExact:
		want := model.Normalize(sel.Model)
		for _, m := range v.Models {
			if model.Normalize(m) == want {
				return m, true
			}
		}
	}
	return "", false
}

// score ranks a candidate: lighter load weighs 60 %, throughput 40 %. The
// throughput term saturates at 100 tokens/sec.
func score(v registry.View, loadThreshold int) float64 {
	load := 1 - float64(v.InFlight)/float64(loadThreshold)
	tps := v.AvgTPS / 100
	if tps > 1 {
		tps = 1
	}
	return 0.6*load + 0.4*tps
}
