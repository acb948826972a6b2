// Package usage extracts token accounting from upstream response
// payloads, both buffered JSON bodies and SSE streams.
package usage

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

type Metrics struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens"`
	TotalTokens     int64 `json:"total_tokens"`
}

func (m *Metrics) Add(other Metrics) {
	m.InputTokens += other.InputTokens
	m.OutputTokens += other.OutputTokens
	m.ReasoningTokens += other.ReasoningTokens
	m.TotalTokens += other.TotalTokens
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f)
		}
	}
	return 0
}

func usageObject(payload map[string]any) (map[string]any, bool) {
	if u, ok := payload["usage"].(map[string]any); ok {
		return u, true
	}
	if resp, ok := payload["response"].(map[string]any); ok {
		if u, ok := resp["usage"].(map[string]any); ok {
			return u, true
		}
	}
	return nil, false
}

func fromObject(obj map[string]any) Metrics {
	var m Metrics
	if v, ok := obj["input_tokens"]; ok {
		m.InputTokens = toInt64(v)
	}
	if v, ok := obj["output_tokens"]; ok {
		m.OutputTokens = toInt64(v)
	}
	if v, ok := obj["total_tokens"]; ok {
		m.TotalTokens = toInt64(v)
	} else {
		m.TotalTokens = m.InputTokens + m.OutputTokens
	}
	if details, ok := obj["output_tokens_details"].(map[string]any); ok {
		if v, ok := details["reasoning_tokens"]; ok {
			m.ReasoningTokens = toInt64(v)
		}
	}
	return m
}

// FromBytes parses a JSON body and returns its usage object, looking at
// top-level "usage" and "response.usage".
func FromBytes(data []byte) *Metrics {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil
	}
	obj, ok := usageObject(payload)
	if !ok {
		return nil
	}
	m := fromObject(obj)
	return &m
}

// SSEScanner consumes an SSE byte stream chunk by chunk, tracking the
// most recent usage payload and whether a terminal event was seen.
// Feeding it is best-effort: the relay never waits on the scanner.
type SSEScanner struct {
	pending     []byte
	last        *Metrics
	sawTerminal bool
}

// maxPendingBytes caps the scanner's buffer of not-yet-terminated line
// data.
const maxPendingBytes = 1 << 20

func NewSSEScanner() *SSEScanner {
	return &SSEScanner{pending: make([]byte, 0, 1024)}
}

func (s *SSEScanner) Consume(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.pending = append(s.pending, chunk...)
	for {
		idx := bytes.IndexByte(s.pending, '\n')
		if idx < 0 {
			// Best-effort observer: an unterminated line past the cap is
			// dropped rather than buffered without bound.
			if len(s.pending) > maxPendingBytes {
				s.pending = s.pending[:0]
			}
			return
		}
		line := strings.TrimSpace(string(s.pending[:idx]))
		s.pending = s.pending[idx+1:]
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			s.sawTerminal = true
			continue
		}
		s.consumePayload(data)
	}
}

func (s *SSEScanner) consumePayload(data string) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return
	}
	if t, ok := payload["type"].(string); ok {
		// Responses API ends with "response.completed"; Anthropic
		// message streams end with "message_stop".
		if strings.HasSuffix(t, ".completed") || t == "message_stop" {
			s.sawTerminal = true
		}
	}
	if obj, ok := usageObject(payload); ok {
		m := fromObject(obj)
		s.last = &m
	}
}

// Usage returns the most recently seen usage payload, or nil.
func (s *SSEScanner) Usage() *Metrics {
	return s.last
}

// SawTerminal reports whether the stream carried a terminal marker
// ([DONE], *.completed, message_stop). EOF without one is treated as a
// stream disconnect by the caller.
func (s *SSEScanner) SawTerminal() bool {
	return s.sawTerminal
}
