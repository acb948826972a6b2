package proxy

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lkarlslund/codexhelper/pkg/requestlog"
	"github.com/lkarlslund/codexhelper/pkg/usage"
)

const (
	defaultRecentCap    = 200
	sessionOverrideTTL  = 12 * time.Hour
	overrideCleanupTick = 10 * time.Minute
)

type ActiveRequest struct {
	ID              uint64 `json:"id"`
	Service         string `json:"service"`
	Method          string `json:"method"`
	Path            string `json:"path"`
	StartedAtMS     int64  `json:"started_at_ms"`
	SessionID       string `json:"session_id,omitempty"`
	Cwd             string `json:"cwd,omitempty"`
	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
	ConfigName      string `json:"config_name,omitempty"`
	ProviderID      string `json:"provider_id,omitempty"`
	UpstreamBaseURL string `json:"upstream_base_url,omitempty"`
}

type FinishedRequest struct {
	ID               uint64                 `json:"id"`
	Service          string                 `json:"service"`
	Method           string                 `json:"method"`
	Path             string                 `json:"path"`
	StatusCode       int                    `json:"status_code"`
	DurationMS       int64                  `json:"duration_ms"`
	EndedAtMS        int64                  `json:"ended_at_ms"`
	SessionID        string                 `json:"session_id,omitempty"`
	Cwd              string                 `json:"cwd,omitempty"`
	Model            string                 `json:"model,omitempty"`
	ReasoningEffort  string                 `json:"reasoning_effort,omitempty"`
	ConfigName       string                 `json:"config_name,omitempty"`
	ProviderID       string                 `json:"provider_id,omitempty"`
	UpstreamBaseURL  string                 `json:"upstream_base_url,omitempty"`
	Usage            *usage.Metrics         `json:"usage,omitempty"`
	Retry            *requestlog.RetryInfo  `json:"retry,omitempty"`
	StreamDisconnect bool                   `json:"stream_disconnect,omitempty"`
}

type sessionOverride struct {
	value       string
	touchedAtMS int64
}

// ProxyState tracks in-flight requests, a ring of recent finishes and
// per-session overrides. All maps are guarded by one mutex held only
// for O(1) bookkeeping.
type ProxyState struct {
	mu     sync.Mutex
	nextID uint64
	active map[uint64]*ActiveRequest
	recent []FinishedRequest

	effortOverrides map[string]sessionOverride
	configOverrides map[string]sessionOverride
	sessionCwd      map[string]string
}

func NewProxyState() *ProxyState {
	return &ProxyState{
		active:          map[uint64]*ActiveRequest{},
		effortOverrides: map[string]sessionOverride{},
		configOverrides: map[string]sessionOverride{},
		sessionCwd:      map[string]string{},
	}
}

func (s *ProxyState) BeginRequest(req ActiveRequest) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	req.ID = s.nextID
	s.active[req.ID] = &req
	return req.ID
}

func (s *ProxyState) UpdateRoute(id uint64, configName, providerID, baseURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.active[id]; ok {
		req.ConfigName = configName
		req.ProviderID = providerID
		req.UpstreamBaseURL = baseURL
	}
}

// FinishRequest removes the active entry and records the finish in the
// recent ring. Safe to call exactly once per request on any exit path.
func (s *ProxyState) FinishRequest(id uint64, fin FinishedRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.active[id]; ok {
		fin.ID = req.ID
		fin.Service = req.Service
		fin.Method = req.Method
		fin.Path = req.Path
		fin.SessionID = req.SessionID
		fin.Cwd = req.Cwd
		fin.Model = req.Model
		if fin.ReasoningEffort == "" {
			fin.ReasoningEffort = req.ReasoningEffort
		}
		if fin.ConfigName == "" {
			fin.ConfigName = req.ConfigName
		}
		if fin.ProviderID == "" {
			fin.ProviderID = req.ProviderID
		}
		if fin.UpstreamBaseURL == "" {
			fin.UpstreamBaseURL = req.UpstreamBaseURL
		}
		delete(s.active, id)
	}
	s.recent = append(s.recent, fin)
	if len(s.recent) > defaultRecentCap {
		s.recent = append(s.recent[:0:0], s.recent[len(s.recent)-defaultRecentCap:]...)
	}
}

func (s *ProxyState) ListActive() []ActiveRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActiveRequest, 0, len(s.active))
	for _, req := range s.active {
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *ProxyState) ListRecent(limit int) []FinishedRequest {
	if limit <= 0 {
		limit = 50
	}
	if limit > defaultRecentCap {
		limit = defaultRecentCap
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.recent)
	if limit > n {
		limit = n
	}
	out := make([]FinishedRequest, limit)
	// Newest first.
	for i := 0; i < limit; i++ {
		out[i] = s.recent[n-1-i]
	}
	return out
}

func (s *ProxyState) SetSessionEffort(sessionID, effort string, nowMS int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.effortOverrides[sessionID] = sessionOverride{value: effort, touchedAtMS: nowMS}
}

func (s *ProxyState) ClearSessionEffort(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.effortOverrides, sessionID)
}

func (s *ProxyState) SessionEffort(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effortOverrides[sessionID].value
}

func (s *ProxyState) SetSessionConfig(sessionID, configName string, nowMS int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configOverrides[sessionID] = sessionOverride{value: configName, touchedAtMS: nowMS}
}

func (s *ProxyState) ClearSessionConfig(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configOverrides, sessionID)
}

func (s *ProxyState) SessionConfig(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configOverrides[sessionID].value
}

type SessionOverrides struct {
	ReasoningEffort map[string]string `json:"reasoning_effort"`
	Config          map[string]string `json:"config"`
}

func (s *ProxyState) ListSessionOverrides() SessionOverrides {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := SessionOverrides{
		ReasoningEffort: make(map[string]string, len(s.effortOverrides)),
		Config:          make(map[string]string, len(s.configOverrides)),
	}
	for id, ov := range s.effortOverrides {
		out.ReasoningEffort[id] = ov.value
	}
	for id, ov := range s.configOverrides {
		out.Config[id] = ov.value
	}
	return out
}

// TouchSession refreshes override TTLs and records the session's cwd
// when the client advertises one.
func (s *ProxyState) TouchSession(sessionID, cwd string, nowMS int64) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ov, ok := s.effortOverrides[sessionID]; ok {
		ov.touchedAtMS = nowMS
		s.effortOverrides[sessionID] = ov
	}
	if ov, ok := s.configOverrides[sessionID]; ok {
		ov.touchedAtMS = nowMS
		s.configOverrides[sessionID] = ov
	}
	if cwd = strings.TrimSpace(cwd); cwd != "" {
		s.sessionCwd[sessionID] = cwd
	}
}

func (s *ProxyState) SessionCwd(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionCwd[sessionID]
}

// RunCleanup prunes overrides idle beyond their TTL until ctx ends.
func (s *ProxyState) RunCleanup(ctx context.Context) {
	t := time.NewTicker(overrideCleanupTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.pruneOverrides(time.Now().UnixMilli())
		}
	}
}

func (s *ProxyState) pruneOverrides(nowMS int64) {
	cutoff := nowMS - sessionOverrideTTL.Milliseconds()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ov := range s.effortOverrides {
		if ov.touchedAtMS < cutoff {
			delete(s.effortOverrides, id)
		}
	}
	for id, ov := range s.configOverrides {
		if ov.touchedAtMS < cutoff {
			delete(s.configOverrides, id)
			delete(s.sessionCwd, id)
		}
	}
}
