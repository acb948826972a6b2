package proxy

import (
	"bytes"
	"testing"

	"github.com/lkarlslund/codexhelper/pkg/config"
)

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern string
		text    string
		want    bool
	}{
		{"claude-*", "claude-3.5", true},
		{"claude-*", "gpt-x", false},
		{"gpt-?", "gpt-4", true},
		{"gpt-?", "gpt-4o", false},
		{"*", "anything", true},
		{"gpt-4", "gpt-4", true},
		{"gpt-4", "GPT-4", false},
		{"*-mini-*", "o4-mini-high", true},
	}
	for _, tc := range cases {
		if got := matchGlob(tc.pattern, tc.text); got != tc.want {
			t.Fatalf("matchGlob(%q, %q) = %v, want %v", tc.pattern, tc.text, got, tc.want)
		}
	}
}

func TestEffectiveModelExactBeatsGlob(t *testing.T) {
	mapping := []config.ModelMapping{
		{Match: "gpt-*", Target: "claude-generic"},
		{Match: "gpt-x", Target: "claude-3.5"},
	}
	if got := effectiveModel(mapping, "gpt-x"); got != "claude-3.5" {
		t.Fatalf("exact mapping should win, got %q", got)
	}
	if got := effectiveModel(mapping, "gpt-y"); got != "claude-generic" {
		t.Fatalf("glob mapping should apply, got %q", got)
	}
	if got := effectiveModel(mapping, "o3"); got != "o3" {
		t.Fatalf("unmapped model should pass through, got %q", got)
	}
}

func TestEffectiveModelPrefersMoreSpecificGlob(t *testing.T) {
	mapping := []config.ModelMapping{
		{Match: "gpt-*", Target: "generic"},
		{Match: "gpt-4*", Target: "specific"},
	}
	if got := effectiveModel(mapping, "gpt-4o"); got != "specific" {
		t.Fatalf("more specific glob should win, got %q", got)
	}
}

func TestApplyGlobMappingSplicesWildcard(t *testing.T) {
	if got := applyGlobMapping("gpt-*", "claude-*", "gpt-4o"); got != "claude-4o" {
		t.Fatalf("wildcard splice failed: %q", got)
	}
	if got := applyGlobMapping("gpt-*", "claude-3.5", "gpt-4o"); got != "claude-3.5" {
		t.Fatalf("literal replacement expected: %q", got)
	}
}

func TestRewriteModelPassesThroughBodyWithoutModel(t *testing.T) {
	body := []byte(`{"input":"hi","stream":true}`)
	out := rewriteModel(body, "claude-3.5")
	if !bytes.Equal(out, body) {
		t.Fatalf("body without model must be unchanged byte-for-byte")
	}
	raw := []byte("not json at all")
	if !bytes.Equal(rewriteModel(raw, "x"), raw) {
		t.Fatalf("non-json body must be unchanged")
	}
}

func TestRewriteModelIsIdempotent(t *testing.T) {
	body := []byte(`{"model":"gpt-x","input":"hi"}`)
	once := rewriteModel(body, "claude-3.5")
	twice := rewriteModel(once, "claude-3.5")
	if !bytes.Equal(once, twice) {
		t.Fatalf("rewrite must be idempotent: %q vs %q", once, twice)
	}
	if got := extractModel(once); got != "claude-3.5" {
		t.Fatalf("unexpected model after rewrite: %q", got)
	}
}

func TestUpstreamSupportsModelViaMappingTarget(t *testing.T) {
	up := config.UpstreamConfig{
		SupportedModels: []string{"claude-*"},
		ModelMapping:    []config.ModelMapping{{Match: "gpt-x", Target: "claude-3.5"}},
	}
	if !upstreamSupportsModel(up, "gpt-x") {
		t.Fatalf("mapping into the allowlist should admit the model")
	}
	if upstreamSupportsModel(up, "o3") {
		t.Fatalf("unmapped non-matching model should be rejected")
	}
	if !upstreamSupportsModel(up, "claude-3.7") {
		t.Fatalf("direct allowlist match should admit")
	}
	open := config.UpstreamConfig{}
	if !upstreamSupportsModel(open, "anything") {
		t.Fatalf("absent allowlist admits any model")
	}
}

func TestRewriteReasoningEffort(t *testing.T) {
	body := []byte(`{"model":"gpt-x","reasoning":{"effort":"low"}}`)
	out := rewriteReasoningEffort(body, "high")
	if got := extractReasoningEffort(out); got != "high" {
		t.Fatalf("unexpected effort: %q", got)
	}
	noReasoning := []byte(`{"model":"gpt-x"}`)
	out = rewriteReasoningEffort(noReasoning, "medium")
	if got := extractReasoningEffort(out); got != "medium" {
		t.Fatalf("reasoning object should be created, got %q", got)
	}
}
