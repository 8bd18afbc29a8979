package model_test

import (
	"testing"

	"github.com/llmule/broker/pkg/model"
)

func TestClassify_KnownIdentifiers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		identifier  string
		wantTier    model.Tier
		wantContext int64
		wantType    model.Type
	}{
		{"tinyllama", model.TierSmall, 4096, model.TypeLLM},
		{"mistral:7b-instruct-q4", model.TierMedium, 8192, model.TypeLLM},
		{"vanilj/Phi-4:latest", model.TierLarge, 16384, model.TypeLLM},
		{"llama2-70b", model.TierXL, 32768, model.TypeLLM},
		{"llama2:70b", model.TierXL, 32768, model.TypeLLM},
		{"llama2-13b", model.TierLarge, 32768, model.TypeLLM},
		{"llama2", model.TierMedium, 8192, model.TypeLLM},
		{"unknown-xyz", model.TierMedium, 8192, model.TypeLLM},
		{"mixtral-8x7b", model.TierLarge, 32768, model.TypeLLM},
		{"gemma-2b", model.TierSmall, 4096, model.TypeLLM},
		{"qwen-1.5b-chat", model.TierSmall, 4096, model.TypeLLM},
		{"deepseek-7b", model.TierMedium, 8192, model.TypeLLM},
		{"yi-20b", model.TierLarge, 32768, model.TypeLLM},
		{"wizardlm-65b", model.TierXL, 32768, model.TypeLLM},
		{"gpt-4o-mini", model.TierSmall, 4096, model.TypeLLM},
		{"whisper-large-v3", model.TierMedium, 8192, model.TypeWhisper},
		{"llava:7b", model.TierMedium, 8192, model.TypeMultimodal},
	}

	for _, tt := range tests {
		t.Run(tt.identifier, func(t *testing.T) {
			t.Parallel()
			got := model.Classify(tt.identifier)
			if got.Tier != tt.wantTier {
				t.Errorf("Classify(%q).Tier = %q; want %q", tt.identifier, got.Tier, tt.wantTier)
			}
			if got.Context != tt.wantContext {
				t.Errorf("Classify(%q).Context = %d; want %d", tt.identifier, got.Context, tt.wantContext)
			}
			if got.Type != tt.wantType {
				t.Errorf("Classify(%q).Type = %q; want %q", tt.identifier, got.Type, tt.wantType)
			}
		})
	}
}

func TestClassify_TierSelectors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		identifier  string
		wantTier    model.Tier
		wantContext int64
	}{
		{"small", model.TierSmall, 4096},
		{"medium", model.TierMedium, 8192},
		{"large", model.TierLarge, 32768},
		{"xl", model.TierXL, 32768},
		{"medium|mistral", model.TierMedium, 8192},
		{"xl|llama", model.TierXL, 32768},
	}

	for _, tt := range tests {
		t.Run(tt.identifier, func(t *testing.T) {
			t.Parallel()
			got := model.Classify(tt.identifier)
			if got.Tier != tt.wantTier || got.Context != tt.wantContext {
				t.Errorf("Classify(%q) = {%s %d}; want {%s %d}",
					tt.identifier, got.Tier, got.Context, tt.wantTier, tt.wantContext)
			}
		})
	}
}

// TestClassify_IsTotal throws hostile inputs at the classifier and checks it
// always produces a valid tier without panicking.
func TestClassify_IsTotal(t *testing.T) {
	t.Parallel()

	hostile := []string{
		"", " ", "|", "||", "@", "@@", "a|", "|b", "weird|tier|extra",
		"🤖", "../../etc/passwd", "model@", "@handle",
		"/models/ggml/llama-2-7b.Q4_K_M.gguf", "UPPER/Case:Tag",
		"nonsense|mistral", "small|", "a\x00b",
	}
	for _, id := range hostile {
		got := model.Classify(id)
		if !got.Tier.IsValid() {
			t.Errorf("Classify(%q).Tier = %q is not a valid tier", id, got.Tier)
		}
		if got.Context <= 0 {
			t.Errorf("Classify(%q).Context = %d; want > 0", id, got.Context)
		}
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"vanilj/Phi-4:latest", "phi-4"},
		{"Mistral:7b", "mistral"},
		{"library/llama2:70b", "llama2"},
		{"plain-model", "plain-model"},
		{"  padded  ", "padded"},
	}
	for _, tt := range tests {
		if got := model.Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestTier_Rank(t *testing.T) {
	t.Parallel()

	order := []model.Tier{model.TierSmall, model.TierMedium, model.TierLarge, model.TierXL}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("Rank(%s) = %d not greater than Rank(%s) = %d",
				order[i], order[i].Rank(), order[i-1], order[i-1].Rank())
		}
	}
	if model.Tier("bogus").Rank() != 0 {
		t.Errorf("Rank of unknown tier = %d; want 0", model.Tier("bogus").Rank())
	}
}
