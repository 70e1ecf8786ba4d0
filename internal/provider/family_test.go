package provider

import (
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		model string
		want  Family
	}{
		{"o1", FamilyResponses},
		{"o1-mini", FamilyResponses},
		{"O3-MINI", FamilyResponses},
		{"o4-mini-2025-04-16", FamilyResponses},
		{"gpt-4o", FamilyResponses},
		{"GPT-4o-mini", FamilyResponses},
		{"gpt-5", FamilyResponses},
		{"codex-mini-latest", FamilyResponses},
		{"  gpt-4o  ", FamilyResponses},
		{"gpt-3.5", FamilyChatCompletions},
		{"gpt-3.5-turbo", FamilyChatCompletions},
		{"gpt-4.1", FamilyChatCompletions},
		{"claude-3-5-sonnet", FamilyChatCompletions},
		{"deepseek-reasoner", FamilyChatCompletions},
		{"", FamilyChatCompletions},
		{"unknown-model", FamilyChatCompletions},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got := Classify(tt.model)
			if got.Family != tt.want {
				t.Fatalf("Classify(%q).Family = %q, want %q", tt.model, got.Family, tt.want)
			}

			switch got.Family {
			case FamilyResponses:
				if got.SupportsTemperature || got.SupportsUsageInStream {
					t.Errorf("Classify(%q) = %+v, responses family supports neither temperature nor stream usage", tt.model, got)
				}
			case FamilyChatCompletions:
				if !got.SupportsTemperature || !got.SupportsUsageInStream {
					t.Errorf("Classify(%q) = %+v, chat family supports temperature and stream usage", tt.model, got)
				}
			}
		})
	}
}

func TestResolver_ExtraRules(t *testing.T) {
	r := NewResolver(ResponsesRules([]string{"My-Reasoner", "  "})...)

	if got := r.Classify("my-reasoner-v2").Family; got != FamilyResponses {
		t.Errorf("configured prefix: Family = %q, want responses", got)
	}
	if got := r.Classify("gpt-4o").Family; got != FamilyResponses {
		t.Errorf("default rules must still apply: Family = %q", got)
	}
	// An empty prefix must not match everything.
	if got := r.Classify("gpt-3.5").Family; got != FamilyChatCompletions {
		t.Errorf("blank prefix matched: Family = %q", got)
	}

	// The default table is not modified by extra rules.
	if got := Classify("my-reasoner-v2").Family; got != FamilyChatCompletions {
		t.Errorf("default resolver picked up extra rules: Family = %q", got)
	}
}

func TestClassify_Pure(t *testing.T) {
	for i := 0; i < 3; i++ {
		if Classify("gpt-4o") != Classify("gpt-4o") {
			t.Fatal("Classify is not deterministic")
		}
	}
}
