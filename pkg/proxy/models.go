package proxy

import (
	"encoding/json"

	"github.com/lkarlslund/codexhelper/pkg/config"
)

// matchGlob matches pattern against text with `*` (any run) and `?`
// (one character). Case-sensitive, no character classes.
func matchGlob(pattern, text string) bool {
	p, t := 0, 0
	starP, starT := -1, 0
	for t < len(text) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == text[t]):
			p++
			t++
		case p < len(pattern) && pattern[p] == '*':
			starP = p
			starT = t
			p++
		case starP >= 0:
			starT++
			p = starP + 1
			t = starT
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// globSpecificity ranks single-star patterns by literal length so a
// more specific mapping wins over a catch-all.
func globSpecificity(pattern string) int {
	n := 0
	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '*' && pattern[i] != '?' {
			n++
		}
	}
	return n
}

// applyGlobMapping splices the wildcard-matched segment of input into
// the replacement's `*`, for single-star pattern/replacement pairs.
// Anything else falls back to the literal replacement.
func applyGlobMapping(pattern, replacement, input string) string {
	pi := indexSingleStar(pattern)
	ri := indexSingleStar(replacement)
	if pi < 0 || ri < 0 {
		return replacement
	}
	prefix, suffix := pattern[:pi], pattern[pi+1:]
	if len(input) < len(prefix)+len(suffix) {
		return replacement
	}
	if input[:len(prefix)] != prefix || input[len(input)-len(suffix):] != suffix {
		return replacement
	}
	wild := input[len(prefix) : len(input)-len(suffix)]
	return replacement[:ri] + wild + replacement[ri+1:]
}

func indexSingleStar(s string) int {
	idx := -1
	for i := 0; i < len(s); i++ {
		if s[i] == '*' {
			if idx >= 0 {
				return -1
			}
			idx = i
		}
	}
	return idx
}

// effectiveModel resolves the upstream-facing model name: an exact
// mapping wins, then the most specific matching glob mapping. Entry
// order breaks specificity ties.
func effectiveModel(mapping []config.ModelMapping, requested string) string {
	if len(mapping) == 0 || requested == "" {
		return requested
	}
	for _, m := range mapping {
		if m.Match == requested {
			return m.Target
		}
	}
	bestIdx := -1
	bestScore := -1
	for i, m := range mapping {
		if !matchGlob(m.Match, requested) {
			continue
		}
		if score := globSpecificity(m.Match); score > bestScore {
			bestIdx = i
			bestScore = score
		}
	}
	if bestIdx < 0 {
		return requested
	}
	return applyGlobMapping(mapping[bestIdx].Match, mapping[bestIdx].Target, requested)
}

// upstreamSupportsModel implements the C4 admission check: an absent
// allowlist admits everything; otherwise the requested model or its
// mapped form must match an allowlist pattern.
func upstreamSupportsModel(up config.UpstreamConfig, requested string) bool {
	if requested == "" {
		return true
	}
	if len(up.SupportedModels) == 0 {
		return true
	}
	for _, pat := range up.SupportedModels {
		if matchGlob(pat, requested) {
			return true
		}
	}
	// The mapping may translate into the allowlist (or out of it).
	if mapped := effectiveModel(up.ModelMapping, requested); mapped != requested {
		for _, pat := range up.SupportedModels {
			if matchGlob(pat, mapped) {
				return true
			}
		}
	}
	return false
}

// extractModel pulls the top-level "model" string from a JSON body.
func extractModel(body []byte) string {
	var payload struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Model
}

// rewriteModel replaces the top-level "model" field. A non-JSON body or
// a body without "model" passes through byte-for-byte.
func rewriteModel(body []byte, model string) []byte {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return body
	}
	if _, ok := payload["model"]; !ok {
		return body
	}
	enc, err := json.Marshal(model)
	if err != nil {
		return body
	}
	payload["model"] = enc
	out, err := json.Marshal(payload)
	if err != nil {
		return body
	}
	return out
}

func extractReasoningEffort(body []byte) string {
	var payload struct {
		Reasoning struct {
			Effort string `json:"effort"`
		} `json:"reasoning"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Reasoning.Effort
}

// rewriteReasoningEffort sets reasoning.effort, creating the reasoning
// object when absent. Non-JSON bodies pass through.
func rewriteReasoningEffort(body []byte, effort string) []byte {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return body
	}
	var reasoning map[string]json.RawMessage
	if raw, ok := payload["reasoning"]; ok {
		if err := json.Unmarshal(raw, &reasoning); err != nil {
			return body
		}
	}
	if reasoning == nil {
		reasoning = map[string]json.RawMessage{}
	}
	enc, err := json.Marshal(effort)
	if err != nil {
		return body
	}
	reasoning["effort"] = enc
	rawReasoning, err := json.Marshal(reasoning)
	if err != nil {
		return body
	}
	payload["reasoning"] = rawReasoning
	out, err := json.Marshal(payload)
	if err != nil {
		return body
	}
	return out
}
