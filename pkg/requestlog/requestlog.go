// Package requestlog writes the append-only JSONL request records that
// form the proxy's stable telemetry contract.
package requestlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/lkarlslund/codexhelper/pkg/usage"
)

type RetryInfo struct {
	Attempts      int      `json:"attempts"`
	UpstreamChain []string `json:"upstream_chain"`
}

type DebugRef struct {
	ID   string `json:"id"`
	File string `json:"file"`
}

// Record is one request log entry. The field set is additive-only.
type Record struct {
	TimestampMS      int64          `json:"timestamp_ms"`
	Service          string         `json:"service"`
	Method           string         `json:"method"`
	Path             string         `json:"path"`
	StatusCode       int            `json:"status_code"`
	DurationMS       int64          `json:"duration_ms"`
	ConfigName       string         `json:"config_name"`
	UpstreamBaseURL  string         `json:"upstream_base_url"`
	ProviderID       string         `json:"provider_id,omitempty"`
	SessionID        string         `json:"session_id,omitempty"`
	Cwd              string         `json:"cwd,omitempty"`
	ReasoningEffort  string         `json:"reasoning_effort,omitempty"`
	Usage            *usage.Metrics `json:"usage,omitempty"`
	StreamDisconnect bool           `json:"stream_disconnect,omitempty"`
	Retry            *RetryInfo     `json:"retry,omitempty"`
	HTTPDebug        map[string]any `json:"http_debug,omitempty"`
	HTTPDebugRef     *DebugRef      `json:"http_debug_ref,omitempty"`
}

type Options struct {
	MaxBytes   int64
	MaxFiles   int
	OnlyErrors bool
	// SplitDebug moves http_debug blobs to a sidecar file and leaves a
	// reference in the main record.
	SplitDebug bool
	// ChannelCap bounds the enqueue buffer; when full the oldest
	// pending record is dropped and the drop counter incremented.
	ChannelCap int
}

func (o Options) normalized() Options {
	if o.MaxBytes <= 0 {
		o.MaxBytes = 50 << 20
	}
	if o.MaxFiles <= 0 {
		o.MaxFiles = 10
	}
	if o.ChannelCap <= 0 {
		o.ChannelCap = 1024
	}
	return o
}

// Writer appends records from a bounded channel on a single consumer
// goroutine. Enqueue never blocks the request path.
type Writer struct {
	path    string
	opts    Options
	mu      sync.Mutex
	ch      chan Record
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

func NewWriter(path string, opts Options) *Writer {
	w := &Writer{
		path: strings.TrimSpace(path),
		opts: opts.normalized(),
		done: make(chan struct{}),
	}
	w.ch = make(chan Record, w.opts.ChannelCap)
	go w.run()
	return w
}

func (w *Writer) run() {
	defer close(w.done)
	for rec := range w.ch {
		w.write(rec)
	}
}

// Enqueue hands a record to the writer. If the buffer is full the
// oldest pending record is dropped so the newest survives.
func (w *Writer) Enqueue(rec Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case w.ch <- rec:
			return
		default:
		}
		select {
		case <-w.ch:
			w.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns how many records were discarded under backpressure.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Close drains and stops the writer.
func (w *Writer) Close() {
	w.once.Do(func() {
		w.mu.Lock()
		close(w.ch)
		w.mu.Unlock()
		<-w.done
	})
}

func (w *Writer) debugPath() string {
	dir := filepath.Dir(w.path)
	return filepath.Join(dir, "requests_debug.jsonl")
}

func (w *Writer) write(rec Record) {
	if w.path == "" {
		return
	}
	if w.opts.OnlyErrors && rec.StatusCode >= 200 && rec.StatusCode < 300 {
		return
	}
	if rec.HTTPDebug != nil && w.opts.SplitDebug {
		ref := w.writeDebugBlob(rec)
		rec.HTTPDebug = nil
		rec.HTTPDebugRef = ref
	}
	if err := appendJSONLine(w.path, w.opts, rec); err != nil {
		log.Warn("request log write failed", "err", err)
	}
}

type debugEntry struct {
	ID          string         `json:"id"`
	TimestampMS int64          `json:"timestamp_ms"`
	Service     string         `json:"service"`
	Method      string         `json:"method"`
	Path        string         `json:"path"`
	StatusCode  int            `json:"status_code"`
	HTTPDebug   map[string]any `json:"http_debug"`
}

func (w *Writer) writeDebugBlob(rec Record) *DebugRef {
	id := uuid.NewString()
	path := w.debugPath()
	entry := debugEntry{
		ID:          id,
		TimestampMS: rec.TimestampMS,
		Service:     rec.Service,
		Method:      rec.Method,
		Path:        rec.Path,
		StatusCode:  rec.StatusCode,
		HTTPDebug:   rec.HTTPDebug,
	}
	if err := appendJSONLine(path, w.opts, entry); err != nil {
		log.Warn("request debug log write failed", "err", err)
		return nil
	}
	return &DebugRef{ID: id, File: filepath.Base(path)}
}

func appendJSONLine(path string, opts Options, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	rotateAndPrune(path, opts)
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// rotateAndPrune renames the file to <name>.<timestamp_ms>.jsonl once
// it reaches MaxBytes and keeps at most MaxFiles rotated files.
func rotateAndPrune(path string, opts Options) {
	if opts.MaxBytes <= 0 {
		return
	}
	meta, err := os.Stat(path)
	if err != nil || meta.Size() < opts.MaxBytes {
		return
	}
	base := filepath.Base(path)
	prefix := strings.TrimSuffix(base, ".jsonl")
	ts := time.Now().UnixMilli()
	rotated := filepath.Join(filepath.Dir(path), fmt.Sprintf("%s.%d.jsonl", prefix, ts))
	_ = os.Rename(path, rotated)

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		return
	}
	var old []string
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || name == base {
			continue
		}
		if strings.HasPrefix(name, prefix+".") && strings.HasSuffix(name, ".jsonl") {
			old = append(old, name)
		}
	}
	if len(old) <= opts.MaxFiles {
		return
	}
	// Timestamps embed the ordering; lexical sort removes the oldest.
	sort.Strings(old)
	for _, name := range old[:len(old)-opts.MaxFiles] {
		_ = os.Remove(filepath.Join(filepath.Dir(path), name))
	}
}
