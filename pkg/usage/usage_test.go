package usage

import "testing"

func TestFromBytesTopLevelUsage(t *testing.T) {
	m := FromBytes([]byte(`{"id":"x","usage":{"input_tokens":10,"output_tokens":5,"total_tokens":15}}`))
	if m == nil {
		t.Fatalf("expected usage")
	}
	if m.InputTokens != 10 || m.OutputTokens != 5 || m.TotalTokens != 15 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestFromBytesResponseNestedUsage(t *testing.T) {
	m := FromBytes([]byte(`{"response":{"usage":{"input_tokens":7,"output_tokens":3,"output_tokens_details":{"reasoning_tokens":2}}}}`))
	if m == nil {
		t.Fatalf("expected usage")
	}
	if m.TotalTokens != 10 {
		t.Fatalf("total should default to input+output, got %d", m.TotalTokens)
	}
	if m.ReasoningTokens != 2 {
		t.Fatalf("unexpected reasoning tokens: %d", m.ReasoningTokens)
	}
}

func TestFromBytesNonJSONOrMissingUsage(t *testing.T) {
	if m := FromBytes([]byte("not json")); m != nil {
		t.Fatalf("expected nil for non-json, got %+v", m)
	}
	if m := FromBytes([]byte(`{"id":"x"}`)); m != nil {
		t.Fatalf("expected nil without usage, got %+v", m)
	}
	if m := FromBytes(nil); m != nil {
		t.Fatalf("expected nil for empty body")
	}
}

func TestSSEScannerTracksLastUsageAcrossChunks(t *testing.T) {
	s := NewSSEScanner()
	s.Consume([]byte("data: {\"usage\":{\"input_tokens\":1,\"output_tokens\":1}}\n\n"))
	s.Consume([]byte("data: {\"usa"))
	s.Consume([]byte("ge\":{\"input_tokens\":10,\"output_tokens\":20,\"total_tokens\":30}}\n\n"))
	m := s.Usage()
	if m == nil || m.TotalTokens != 30 {
		t.Fatalf("expected last usage to win, got %+v", m)
	}
	if s.SawTerminal() {
		t.Fatalf("no terminal event was sent")
	}
}

func TestSSEScannerTerminalMarkers(t *testing.T) {
	done := NewSSEScanner()
	done.Consume([]byte("data: [DONE]\n\n"))
	if !done.SawTerminal() {
		t.Fatalf("[DONE] should mark terminal")
	}

	completed := NewSSEScanner()
	completed.Consume([]byte("data: {\"type\":\"response.completed\",\"response\":{\"usage\":{\"input_tokens\":4,\"output_tokens\":6}}}\n\n"))
	if !completed.SawTerminal() {
		t.Fatalf("response.completed should mark terminal")
	}
	if m := completed.Usage(); m == nil || m.TotalTokens != 10 {
		t.Fatalf("usage from terminal event not captured: %+v", m)
	}

	stop := NewSSEScanner()
	stop.Consume([]byte("data: {\"type\":\"message_stop\"}\n\n"))
	if !stop.SawTerminal() {
		t.Fatalf("message_stop should mark terminal")
	}
}
