// Package usagedb persists token usage rollups: the current day lives
// as plain JSON for cheap rewrites, closed days are archived as
// zstd-compressed JSONL events.
package usagedb

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/lkarlslund/codexhelper/pkg/cache"
	"github.com/lkarlslund/codexhelper/pkg/usage"
)

const currentDayFileName = "current.json"

// Event is one finished request's usage contribution.
type Event struct {
	TimestampMS int64         `json:"timestamp_ms"`
	Service     string        `json:"service"`
	ConfigName  string        `json:"config_name,omitempty"`
	ProviderID  string        `json:"provider_id,omitempty"`
	Usage       usage.Metrics `json:"usage"`
}

// Bucket aggregates one day's usage for one (service, config,
// provider) tuple.
type Bucket struct {
	Day        string        `json:"day"`
	Service    string        `json:"service"`
	ConfigName string        `json:"config_name,omitempty"`
	ProviderID string        `json:"provider_id,omitempty"`
	Requests   int64         `json:"requests"`
	Usage      usage.Metrics `json:"usage"`
}

type bucketKey struct {
	service    string
	configName string
	providerID string
}

type persistedDay struct {
	Version int      `json:"version"`
	Day     string   `json:"day"`
	Buckets []Bucket `json:"buckets"`
	Events  []Event  `json:"events"`
}

type Store struct {
	mu      sync.Mutex
	dir     string
	day     string
	buckets map[bucketKey]*Bucket
	events  []Event

	dirty    bool
	lastSave time.Time
	now      func() time.Time
}

const saveInterval = 2 * time.Second

func NewStore(dir string) *Store {
	return newStoreAt(dir, time.Now)
}

func newStoreAt(dir string, now func() time.Time) *Store {
	s := &Store{
		dir:     strings.TrimSpace(dir),
		buckets: map[bucketKey]*Bucket{},
		now:     now,
	}
	s.day = dayOf(s.now())
	if s.dir != "" {
		s.load()
	}
	return s
}

func dayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (s *Store) currentPath() string {
	return filepath.Join(s.dir, currentDayFileName)
}

func (s *Store) load() {
	var p persistedDay
	if err := cache.LoadJSON(s.currentPath(), &p); err != nil {
		return
	}
	if p.Day != s.day {
		// Yesterday's file survived a shutdown; archive it now.
		if len(p.Events) > 0 {
			_ = s.archiveDay(p.Day, p.Events)
		}
		_ = os.Remove(s.currentPath())
		return
	}
	for i := range p.Buckets {
		b := p.Buckets[i]
		s.buckets[bucketKey{b.Service, b.ConfigName, b.ProviderID}] = &b
	}
	s.events = p.Events
}

// Add folds one event into today's buckets, rolling the day over (and
// archiving the closed one) when the UTC date changed.
func (s *Store) Add(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := dayOf(s.now())
	if day != s.day {
		s.rolloverLocked(day)
	}
	key := bucketKey{ev.Service, ev.ConfigName, ev.ProviderID}
	b, ok := s.buckets[key]
	if !ok {
		b = &Bucket{
			Day:        s.day,
			Service:    ev.Service,
			ConfigName: ev.ConfigName,
			ProviderID: ev.ProviderID,
		}
		s.buckets[key] = b
	}
	b.Requests++
	b.Usage.Add(ev.Usage)
	s.events = append(s.events, ev)
	s.dirty = true
	s.saveLocked(false)
}

// Rollup returns today's buckets, largest total first.
func (s *Store) Rollup() []Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Usage.TotalTokens != out[j].Usage.TotalTokens {
			return out[i].Usage.TotalTokens > out[j].Usage.TotalTokens
		}
		return out[i].ConfigName < out[j].ConfigName
	})
	return out
}

// Flush forces the current day to disk.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked(true)
}

func (s *Store) rolloverLocked(newDay string) {
	if len(s.events) > 0 {
		if err := s.archiveDay(s.day, s.events); err == nil {
			_ = os.Remove(s.currentPath())
		}
	}
	s.day = newDay
	s.buckets = map[bucketKey]*Bucket{}
	s.events = nil
	s.dirty = true
}

func (s *Store) saveLocked(force bool) {
	if s.dir == "" || !s.dirty {
		return
	}
	now := s.now().UTC()
	if !force && !s.lastSave.IsZero() && now.Sub(s.lastSave) < saveInterval {
		return
	}
	buckets := make([]Bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		buckets = append(buckets, *b)
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Service != buckets[j].Service {
			return buckets[i].Service < buckets[j].Service
		}
		return buckets[i].ConfigName < buckets[j].ConfigName
	})
	if err := cache.SaveJSON(s.currentPath(), persistedDay{
		Version: 1,
		Day:     s.day,
		Buckets: buckets,
		Events:  s.events,
	}); err != nil {
		return
	}
	s.lastSave = now
	s.dirty = false
}

// archiveDay writes one closed day's events as zstd-compressed JSONL at
// usage-<day>.jsonl.zst.
func (s *Store) archiveDay(day string, events []Event) error {
	if s.dir == "" || day == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("mkdir usagedb dir: %w", err)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("usage-%s.jsonl.zst", day))
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("zstd writer: %w", err)
	}
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := enc.Write(append(line, '\n')); err != nil {
			_ = enc.Close()
			_ = f.Close()
			return fmt.Errorf("write archive: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadArchive streams one archived day's events back, oldest first.
func (s *Store) ReadArchive(day string) ([]Event, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("usage-%s.jsonl.zst", day))
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()
	var out []Event
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan archive: %w", err)
	}
	return out, nil
}

// ArchivedDays lists the days with an archive present, ascending.
func (s *Store) ArchivedDays() []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var days []string
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasPrefix(name, "usage-") || !strings.HasSuffix(name, ".jsonl.zst") {
			continue
		}
		days = append(days, strings.TrimSuffix(strings.TrimPrefix(name, "usage-"), ".jsonl.zst"))
	}
	sort.Strings(days)
	return days
}
