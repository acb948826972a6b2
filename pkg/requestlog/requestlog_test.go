package requestlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func TestWriterAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.jsonl")
	w := NewWriter(path, Options{})
	w.Enqueue(Record{TimestampMS: 1, Service: "codex", Method: "POST", Path: "/v1/responses", StatusCode: 200, ConfigName: "A", UpstreamBaseURL: "https://x"})
	w.Enqueue(Record{TimestampMS: 2, Service: "codex", Method: "POST", Path: "/v1/responses", StatusCode: 502, ConfigName: "A", UpstreamBaseURL: "https://x"})
	w.Close()

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var rec Record
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if rec.TimestampMS != 1 || rec.StatusCode != 200 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestWriterOnlyErrorsDropsSuccesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.jsonl")
	w := NewWriter(path, Options{OnlyErrors: true})
	w.Enqueue(Record{TimestampMS: 1, StatusCode: 200})
	w.Enqueue(Record{TimestampMS: 2, StatusCode: 299})
	w.Enqueue(Record{TimestampMS: 3, StatusCode: 502})
	w.Close()

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("expected only the error record, got %d lines", len(lines))
	}
	if !strings.Contains(lines[0], `"status_code":502`) {
		t.Fatalf("unexpected surviving record: %s", lines[0])
	}
}

func TestWriterRotatesAtMaxBytesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "requests.jsonl")
	w := NewWriter(path, Options{MaxBytes: 200, MaxFiles: 2})
	for i := 0; i < 20; i++ {
		w.Enqueue(Record{TimestampMS: int64(i), Service: "codex", Method: "POST", Path: "/v1/responses", StatusCode: 200, ConfigName: "config-name", UpstreamBaseURL: "https://upstream.example/v1"})
	}
	w.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	rotated := 0
	for _, ent := range entries {
		name := ent.Name()
		if name == "requests.jsonl" {
			continue
		}
		if !strings.HasPrefix(name, "requests.") || !strings.HasSuffix(name, ".jsonl") {
			t.Fatalf("unexpected file in log dir: %s", name)
		}
		rotated++
	}
	if rotated == 0 {
		t.Fatalf("expected at least one rotated file")
	}
	if rotated > 2 {
		t.Fatalf("retention should keep at most 2 rotated files, got %d", rotated)
	}
}

func TestWriterSplitsDebugBlobs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "requests.jsonl")
	w := NewWriter(path, Options{SplitDebug: true})
	w.Enqueue(Record{
		TimestampMS: 1,
		StatusCode:  502,
		HTTPDebug:   map[string]any{"target_url": "https://x", "upstream_error": "boom"},
	})
	w.Close()

	main := readLines(t, path)
	if len(main) != 1 {
		t.Fatalf("expected one main record, got %d", len(main))
	}
	var rec Record
	if err := json.Unmarshal([]byte(main[0]), &rec); err != nil {
		t.Fatalf("decode main record: %v", err)
	}
	if rec.HTTPDebug != nil {
		t.Fatalf("debug blob should have moved to the sidecar")
	}
	if rec.HTTPDebugRef == nil || rec.HTTPDebugRef.ID == "" || rec.HTTPDebugRef.File != "requests_debug.jsonl" {
		t.Fatalf("missing debug reference: %+v", rec.HTTPDebugRef)
	}

	debugLines := readLines(t, filepath.Join(dir, "requests_debug.jsonl"))
	if len(debugLines) != 1 {
		t.Fatalf("expected one debug entry, got %d", len(debugLines))
	}
	if !strings.Contains(debugLines[0], rec.HTTPDebugRef.ID) {
		t.Fatalf("debug entry should carry the referenced id")
	}
}

func TestWriterDropsOldestUnderBackpressure(t *testing.T) {
	// An unstarted consumer cannot drain, so a tiny channel must drop.
	w := &Writer{
		path: filepath.Join(t.TempDir(), "requests.jsonl"),
		opts: Options{ChannelCap: 2}.normalized(),
		done: make(chan struct{}),
	}
	w.ch = make(chan Record, 2)
	for i := 0; i < 5; i++ {
		w.Enqueue(Record{TimestampMS: int64(i)})
	}
	if got := w.Dropped(); got != 3 {
		t.Fatalf("expected 3 dropped records, got %d", got)
	}
	// The two newest remain queued.
	first := <-w.ch
	second := <-w.ch
	if first.TimestampMS != 3 || second.TimestampMS != 4 {
		t.Fatalf("drop-oldest violated: got %d, %d", first.TimestampMS, second.TimestampMS)
	}
}
