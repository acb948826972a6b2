package proxy

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

var validEfforts = map[string]struct{}{
	"low":    {},
	"medium": {},
	"high":   {},
	"xhigh":  {},
}

func (s *Server) registerControlRoutes(r chi.Router) {
	r.Route("/__codex_helper", func(r chi.Router) {
		r.Get("/status/active", s.handleStatusActive)
		r.Get("/status/recent", s.handleStatusRecent)
		r.Get("/status/usage", s.handleStatusUsage)
		r.Get("/status/stream", s.handleStatusStream)
		r.Get("/override/session", s.handleListOverrides)
		r.Post("/override/session", s.handleSetOverride)
	})
}

func (s *Server) handleStatusActive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.state.ListActive())
}

func (s *Server) handleStatusRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.state.ListRecent(limit))
}

func (s *Server) handleStatusUsage(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"log_records_dropped": s.logs.Dropped(),
	}
	if s.usageDB != nil {
		out["today"] = s.usageDB.Rollup()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListOverrides(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.state.ListSessionOverrides())
}

type sessionOverrideRequest struct {
	SessionID       string `json:"session_id"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
	Config          string `json:"config,omitempty"`
}

// handleSetOverride applies per-session overrides. "clear" removes an
// override. Overrides affect subsequent requests only; in-flight
// streams are never interrupted, and nothing persists across restarts.
func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 2<<20)
	var payload sessionOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	payload.SessionID = strings.TrimSpace(payload.SessionID)
	if payload.SessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_session_id", "session_id is required")
		return
	}
	nowMS := time.Now().UnixMilli()
	if effort := strings.TrimSpace(payload.ReasoningEffort); effort != "" {
		if effort == "clear" {
			s.state.ClearSessionEffort(payload.SessionID)
		} else {
			if _, ok := validEfforts[effort]; !ok {
				writeJSONError(w, http.StatusBadRequest, "invalid_effort",
					"reasoning_effort must be one of low, medium, high, xhigh, clear")
				return
			}
			s.state.SetSessionEffort(payload.SessionID, effort, nowMS)
		}
	}
	if name := strings.TrimSpace(payload.Config); name != "" {
		if name == "clear" {
			s.state.ClearSessionConfig(payload.SessionID)
		} else {
			mgr := s.store.Snapshot().Config.Service(s.service)
			if _, ok := mgr.Config(name); !ok {
				writeJSONError(w, http.StatusBadRequest, "unknown_config",
					"config "+name+" not found for service "+s.service)
				return
			}
			s.state.SetSessionConfig(payload.SessionID, name, nowMS)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusStreamPayload struct {
	Active []ActiveRequest   `json:"active"`
	Recent []FinishedRequest `json:"recent"`
}

// handleStatusStream pushes active/recent snapshots over a websocket so
// the dashboard can watch without polling.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			origin := strings.TrimSpace(req.Header.Get("Origin"))
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return strings.EqualFold(u.Host, req.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func() bool {
		payload := statusStreamPayload{
			Active: s.state.ListActive(),
			Recent: s.state.ListRecent(20),
		}
		msg, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		return conn.WriteMessage(websocket.TextMessage, msg) == nil
	}
	if !send() {
		return
	}
	refresh := time.NewTicker(time.Second)
	defer refresh.Stop()
	ping := time.NewTicker(25 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-refresh.C:
			if !send() {
				return
			}
		}
	}
}
