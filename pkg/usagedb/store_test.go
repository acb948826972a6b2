package usagedb

import (
	"testing"
	"time"

	"github.com/lkarlslund/codexhelper/pkg/usage"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAddAggregatesIntoDailyBuckets(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s := newStoreAt(t.TempDir(), fixedClock(base))

	s.Add(Event{
		TimestampMS: base.UnixMilli(),
		Service:     "codex",
		ConfigName:  "main",
		ProviderID:  "openai",
		Usage:       usage.Metrics{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	})
	s.Add(Event{
		TimestampMS: base.Add(time.Minute).UnixMilli(),
		Service:     "codex",
		ConfigName:  "main",
		ProviderID:  "openai",
		Usage:       usage.Metrics{InputTokens: 20, OutputTokens: 10, TotalTokens: 30},
	})

	rollup := s.Rollup()
	if len(rollup) != 1 {
		t.Fatalf("expected one bucket, got %d", len(rollup))
	}
	b := rollup[0]
	if b.Requests != 2 || b.Usage.TotalTokens != 45 {
		t.Fatalf("unexpected bucket: %+v", b)
	}
	if b.Day != "2026-03-02" || b.ConfigName != "main" {
		t.Fatalf("unexpected bucket identity: %+v", b)
	}
}

func TestStorePersistsCurrentDayAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	s := newStoreAt(dir, fixedClock(base))
	s.Add(Event{TimestampMS: base.UnixMilli(), Service: "codex", ConfigName: "main",
		Usage: usage.Metrics{TotalTokens: 9}})
	s.Flush()

	reloaded := newStoreAt(dir, fixedClock(base))
	rollup := reloaded.Rollup()
	if len(rollup) != 1 || rollup[0].Usage.TotalTokens != 9 {
		t.Fatalf("current day not reloaded: %+v", rollup)
	}
}

func TestLoadArchivesStaleCurrentDay(t *testing.T) {
	dir := t.TempDir()
	day1 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	s := newStoreAt(dir, fixedClock(day1))
	s.Add(Event{TimestampMS: day1.UnixMilli(), Service: "codex", ConfigName: "main",
		Usage: usage.Metrics{TotalTokens: 4}})
	s.Flush()

	// Restart the next day: the stale current file becomes an archive.
	reloaded := newStoreAt(dir, fixedClock(day1.Add(24*time.Hour)))
	if got := reloaded.Rollup(); len(got) != 0 {
		t.Fatalf("new day should start empty, got %+v", got)
	}
	days := reloaded.ArchivedDays()
	if len(days) != 1 || days[0] != "2026-03-02" {
		t.Fatalf("stale day should be archived, got %v", days)
	}
}

func TestRolloverArchivesClosedDay(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC)
	s := newStoreAt(dir, func() time.Time { return now })

	s.Add(Event{TimestampMS: now.UnixMilli(), Service: "codex", ConfigName: "main",
		Usage: usage.Metrics{TotalTokens: 5}})

	now = now.Add(2 * time.Minute) // crosses midnight UTC
	s.Add(Event{TimestampMS: now.UnixMilli(), Service: "codex", ConfigName: "main",
		Usage: usage.Metrics{TotalTokens: 7}})

	days := s.ArchivedDays()
	if len(days) != 1 || days[0] != "2026-03-02" {
		t.Fatalf("expected archived day, got %v", days)
	}
	events, err := s.ReadArchive("2026-03-02")
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if len(events) != 1 || events[0].Usage.TotalTokens != 5 {
		t.Fatalf("unexpected archived events: %+v", events)
	}

	rollup := s.Rollup()
	if len(rollup) != 1 || rollup[0].Usage.TotalTokens != 7 {
		t.Fatalf("new day should start fresh: %+v", rollup)
	}
}
