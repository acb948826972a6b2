package proxy

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lkarlslund/codexhelper/pkg/config"
	"github.com/lkarlslund/codexhelper/pkg/requestlog"
)

type statusRange struct {
	lo, hi int
}

// statusSet holds the retryable status codes, parsed from a string like
// "429,502,503,504,524" with optional ranges ("500-599").
type statusSet struct {
	ranges []statusRange
}

func parseStatusSet(raw string) statusSet {
	var set statusSet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			a, errA := strconv.Atoi(strings.TrimSpace(lo))
			b, errB := strconv.Atoi(strings.TrimSpace(hi))
			if errA == nil && errB == nil && a <= b {
				set.ranges = append(set.ranges, statusRange{a, b})
			}
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			set.ranges = append(set.ranges, statusRange{n, n})
		}
	}
	return set
}

func (s statusSet) contains(code int) bool {
	for _, r := range s.ranges {
		if code >= r.lo && code <= r.hi {
			return true
		}
	}
	return false
}

type retryOptions struct {
	maxAttempts        int
	backoff            time.Duration
	backoffMax         time.Duration
	jitter             time.Duration
	onStatus           statusSet
	onClass            map[string]struct{}
	challengeCooldown  time.Duration
	cfTimeoutCooldown  time.Duration
	transportCooldown  time.Duration
}

func newRetryOptions(cfg config.RetryConfig) retryOptions {
	classes := make(map[string]struct{}, len(cfg.OnClass))
	for _, c := range cfg.OnClass {
		if c = strings.TrimSpace(c); c != "" {
			classes[c] = struct{}{}
		}
	}
	return retryOptions{
		maxAttempts:       cfg.MaxAttempts,
		backoff:           time.Duration(cfg.BackoffMS) * time.Millisecond,
		backoffMax:        time.Duration(cfg.BackoffMaxMS) * time.Millisecond,
		jitter:            time.Duration(cfg.JitterMS) * time.Millisecond,
		onStatus:          parseStatusSet(cfg.OnStatus),
		onClass:           classes,
		challengeCooldown: time.Duration(cfg.CloudflareChallengeCooldownSecs) * time.Second,
		cfTimeoutCooldown: time.Duration(cfg.CloudflareTimeoutCooldownSecs) * time.Second,
		transportCooldown: time.Duration(cfg.TransportCooldownSecs) * time.Second,
	}
}

func (o retryOptions) shouldRetryStatus(code int) bool {
	return o.onStatus.contains(code)
}

func (o retryOptions) shouldRetryClass(class string) bool {
	if class == "" {
		return false
	}
	_, ok := o.onClass[class]
	return ok
}

func (o retryOptions) cooldownFor(class string) time.Duration {
	switch class {
	case classCloudflareChallenge:
		return o.challengeCooldown
	case classCloudflareTimeout:
		return o.cfTimeoutCooldown
	default:
		return o.transportCooldown
	}
}

// backoffSleep waits min(backoff * 2^(attempt), backoffMax) + jitter,
// or returns early when the request context is cancelled.
func (o retryOptions) backoffSleep(ctx context.Context, attemptIndex int) {
	d := o.backoff << attemptIndex
	if d > o.backoffMax || d <= 0 {
		d = o.backoffMax
	}
	if o.jitter > 0 {
		d += time.Duration(rand.Int63n(int64(o.jitter)))
	}
	sleepCtx(ctx, d)
}

// retrySleep honors an upstream Retry-After (seconds form) before
// falling back to exponential backoff.
func (o retryOptions) retrySleep(ctx context.Context, attemptIndex int, header http.Header) {
	if ra := strings.TrimSpace(header.Get("Retry-After")); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			sleepCtx(ctx, time.Duration(secs)*time.Second)
			return
		}
	}
	o.backoffSleep(ctx, attemptIndex)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Sentinel and non-attempt chain markers. Only entries that carry an
// HTTP classification count toward retry.attempts.
const (
	chainSentinelAllAvoided = "all_upstreams_avoided"
	chainSkippedModel       = "skipped_unsupported_model"
	chainTargetBuildError   = "target_build_error"
)

func chainEntryIsAttempt(entry string) bool {
	if strings.HasPrefix(entry, chainSentinelAllAvoided) {
		return false
	}
	if strings.Contains(entry, chainSkippedModel) {
		return false
	}
	if strings.Contains(entry, chainTargetBuildError) {
		return false
	}
	return true
}

// retryInfoForChain converts an upstream chain into the log's retry
// block. A single clean attempt produces no retry block at all.
func retryInfoForChain(chain []string) *requestlog.RetryInfo {
	if len(chain) == 0 {
		return nil
	}
	attempts := 0
	for _, entry := range chain {
		if chainEntryIsAttempt(entry) {
			attempts++
		}
	}
	if attempts <= 1 && len(chain) == attempts {
		return nil
	}
	return &requestlog.RetryInfo{
		Attempts:      attempts,
		UpstreamChain: append([]string(nil), chain...),
	}
}
