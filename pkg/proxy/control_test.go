package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lkarlslund/codexhelper/pkg/config"
)

func TestControlSessionOverrideRoundTrip(t *testing.T) {
	cfg := singleUpstreamConfig("A", "https://up.example/v1", "sk-t")
	env := newTestEnv(t, cfg)

	resp, err := http.Post(env.ts.URL+"/__codex_helper/override/session", "application/json",
		strings.NewReader(`{"session_id":"sess-1","reasoning_effort":"high","config":"A"}`))
	if err != nil {
		t.Fatalf("override request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	getResp, err := http.Get(env.ts.URL + "/__codex_helper/override/session")
	if err != nil {
		t.Fatalf("list request failed: %v", err)
	}
	defer getResp.Body.Close()
	var overrides SessionOverrides
	if err := json.NewDecoder(getResp.Body).Decode(&overrides); err != nil {
		t.Fatalf("decode overrides: %v", err)
	}
	if overrides.ReasoningEffort["sess-1"] != "high" {
		t.Fatalf("effort override missing: %+v", overrides)
	}
	if overrides.Config["sess-1"] != "A" {
		t.Fatalf("config override missing: %+v", overrides)
	}

	// clear removes the override.
	resp, err = http.Post(env.ts.URL+"/__codex_helper/override/session", "application/json",
		strings.NewReader(`{"session_id":"sess-1","reasoning_effort":"clear","config":"clear"}`))
	if err != nil {
		t.Fatalf("clear request failed: %v", err)
	}
	resp.Body.Close()
	if env.srv.state.SessionEffort("sess-1") != "" || env.srv.state.SessionConfig("sess-1") != "" {
		t.Fatalf("clear did not remove overrides")
	}
	env.logs.Close()
}

func TestControlSessionOverrideValidation(t *testing.T) {
	env := newTestEnv(t, singleUpstreamConfig("A", "https://up.example/v1", "sk-t"))

	cases := []string{
		`{"reasoning_effort":"high"}`,
		`{"session_id":"s","reasoning_effort":"extreme"}`,
		`{"session_id":"s","config":"nope"}`,
	}
	for _, body := range cases {
		resp, err := http.Post(env.ts.URL+"/__codex_helper/override/session", "application/json",
			strings.NewReader(body))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, resp.StatusCode)
		}
	}
	env.logs.Close()
}

func TestControlStatusActiveAndRecent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	env := newTestEnv(t, singleUpstreamConfig("A", upstream.URL, "sk-t"))

	resp, err := http.Post(env.ts.URL+"/v1/responses", "application/json",
		strings.NewReader(`{"model":"gpt-x"}`))
	if err != nil {
		t.Fatalf("proxy request failed: %v", err)
	}
	resp.Body.Close()

	activeResp, err := http.Get(env.ts.URL + "/__codex_helper/status/active")
	if err != nil {
		t.Fatalf("status/active failed: %v", err)
	}
	defer activeResp.Body.Close()
	var active []ActiveRequest
	if err := json.NewDecoder(activeResp.Body).Decode(&active); err != nil {
		t.Fatalf("decode active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("finished request should not stay active: %+v", active)
	}

	recentResp, err := http.Get(env.ts.URL + "/__codex_helper/status/recent?limit=10")
	if err != nil {
		t.Fatalf("status/recent failed: %v", err)
	}
	defer recentResp.Body.Close()
	var recent []FinishedRequest
	if err := json.NewDecoder(recentResp.Body).Decode(&recent); err != nil {
		t.Fatalf("decode recent: %v", err)
	}
	if len(recent) != 1 || recent[0].StatusCode != 200 || recent[0].ConfigName != "A" {
		t.Fatalf("unexpected recent list: %+v", recent)
	}
	env.logs.Close()
}

func TestControlStatusUsageReportsDropCounter(t *testing.T) {
	env := newTestEnv(t, singleUpstreamConfig("A", "https://up.example/v1", "sk-t"))
	resp, err := http.Get(env.ts.URL + "/__codex_helper/status/usage")
	if err != nil {
		t.Fatalf("status/usage failed: %v", err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if _, ok := payload["log_records_dropped"]; !ok {
		t.Fatalf("drop counter missing: %+v", payload)
	}
	env.logs.Close()
}

func TestSessionOverridePruning(t *testing.T) {
	s := NewProxyState()
	now := time.Now().UnixMilli()
	s.SetSessionEffort("old", "high", now-sessionOverrideTTL.Milliseconds()-1)
	s.SetSessionEffort("fresh", "low", now)
	s.pruneOverrides(now)
	if s.SessionEffort("old") != "" {
		t.Fatalf("idle override should be pruned")
	}
	if s.SessionEffort("fresh") != "low" {
		t.Fatalf("fresh override should survive")
	}
}

func TestRecentRingIsBounded(t *testing.T) {
	s := NewProxyState()
	for i := 0; i < defaultRecentCap+50; i++ {
		id := s.BeginRequest(ActiveRequest{Service: config.ServiceCodex, Method: "POST", Path: "/v1/x"})
		s.FinishRequest(id, FinishedRequest{StatusCode: 200})
	}
	recent := s.ListRecent(defaultRecentCap)
	if len(recent) != defaultRecentCap {
		t.Fatalf("ring should cap at %d, got %d", defaultRecentCap, len(recent))
	}
	if recent[0].ID <= recent[len(recent)-1].ID {
		t.Fatalf("recent list should be newest first")
	}
}
