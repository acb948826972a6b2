// Package lbstate tracks per-upstream failure state shared by the load
// balancer, the retry engine and the usage-provider pollers.
package lbstate

import (
	"sync"
	"time"
)

// FailureThreshold is the consecutive-failure count at which an
// upstream enters cooldown even without an explicit penalty class.
const FailureThreshold = 3

// UpstreamID identifies one upstream row: (service, config, index).
// Identity is stable across hot reloads as long as the config keeps the
// upstream at the same position.
type UpstreamID struct {
	Service    string
	ConfigName string
	Index      int
}

// Row is a point-in-time copy of one upstream's state.
type Row struct {
	ConsecutiveFailures int
	CooldownUntil       time.Time
	UsageExhausted      bool
	LastOutcome         string
}

func (r Row) InCooldown(now time.Time) bool {
	return !r.CooldownUntil.IsZero() && now.Before(r.CooldownUntil)
}

type row struct {
	mu sync.Mutex
	Row
}

type lastGoodKey struct {
	service    string
	configName string
}

type Store struct {
	mu       sync.RWMutex
	rows     map[UpstreamID]*row
	lastGood map[lastGoodKey]int

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		rows:     map[UpstreamID]*row{},
		lastGood: map[lastGoodKey]int{},
		now:      time.Now,
	}
}

func (s *Store) rowFor(id UpstreamID) *row {
	s.mu.RLock()
	r, ok := s.rows[id]
	s.mu.RUnlock()
	if ok {
		return r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[id]; ok {
		return r
	}
	r = &row{}
	s.rows[id] = r
	return r
}

// RecordSuccess resets the failure count, clears any cooldown and marks
// the upstream as the config's most recent good pick.
func (s *Store) RecordSuccess(id UpstreamID) {
	r := s.rowFor(id)
	r.mu.Lock()
	r.ConsecutiveFailures = 0
	r.CooldownUntil = time.Time{}
	r.LastOutcome = "success"
	r.mu.Unlock()

	s.mu.Lock()
	s.lastGood[lastGoodKey{id.Service, id.ConfigName}] = id.Index
	s.mu.Unlock()
}

// RecordFailure increments the consecutive-failure count. When the
// count reaches FailureThreshold the upstream enters cooldown for
// defaultCooldown. The class string is kept for observability only.
func (s *Store) RecordFailure(id UpstreamID, class string, defaultCooldown time.Duration) {
	r := s.rowFor(id)
	r.mu.Lock()
	r.ConsecutiveFailures++
	r.LastOutcome = class
	tripped := r.ConsecutiveFailures >= FailureThreshold
	if tripped && defaultCooldown > 0 {
		r.CooldownUntil = s.now().Add(defaultCooldown)
	}
	r.mu.Unlock()
	if tripped {
		s.clearLastGood(id)
	}
}

// Penalize forces the upstream straight into cooldown regardless of the
// current failure count. Used for retry-worthy classes (transport
// errors, Cloudflare challenge/timeout) where one hit is enough.
func (s *Store) Penalize(id UpstreamID, class string, cooldown time.Duration) {
	r := s.rowFor(id)
	r.mu.Lock()
	if r.ConsecutiveFailures < FailureThreshold {
		r.ConsecutiveFailures = FailureThreshold
	}
	r.CooldownUntil = s.now().Add(cooldown)
	r.LastOutcome = class
	r.mu.Unlock()
	s.clearLastGood(id)
}

// SetUsageExhausted toggles the quota flag. Idempotent.
func (s *Store) SetUsageExhausted(id UpstreamID, exhausted bool) {
	r := s.rowFor(id)
	r.mu.Lock()
	r.UsageExhausted = exhausted
	r.mu.Unlock()
}

// Snapshot returns a copy of the row, expiring a lapsed cooldown on the
// way out so callers never observe a stale deadline.
func (s *Store) Snapshot(id UpstreamID) Row {
	r := s.rowFor(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.CooldownUntil.IsZero() && !s.now().Before(r.CooldownUntil) {
		r.ConsecutiveFailures = 0
		r.CooldownUntil = time.Time{}
	}
	return r.Row
}

// LastGood returns the index of the most recent successful upstream of
// a config, if any.
func (s *Store) LastGood(service, configName string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.lastGood[lastGoodKey{service, configName}]
	return idx, ok
}

func (s *Store) clearLastGood(id UpstreamID) {
	key := lastGoodKey{id.Service, id.ConfigName}
	s.mu.Lock()
	if idx, ok := s.lastGood[key]; ok && idx == id.Index {
		delete(s.lastGood, key)
	}
	s.mu.Unlock()
}
