package proxy

import (
	"testing"

	"github.com/lkarlslund/codexhelper/pkg/config"
)

func TestParseStatusSetWithRanges(t *testing.T) {
	set := parseStatusSet("429, 502,503-504, 524")
	for _, code := range []int{429, 502, 503, 504, 524} {
		if !set.contains(code) {
			t.Fatalf("expected %d to be retryable", code)
		}
	}
	for _, code := range []int{200, 400, 500, 505} {
		if set.contains(code) {
			t.Fatalf("did not expect %d to be retryable", code)
		}
	}
}

func TestRetryOptionsFromDefaults(t *testing.T) {
	opts := newRetryOptions(config.DefaultRetryConfig())
	if opts.maxAttempts != 2 {
		t.Fatalf("unexpected max attempts: %d", opts.maxAttempts)
	}
	if !opts.shouldRetryStatus(502) || opts.shouldRetryStatus(500) {
		t.Fatalf("default on_status should retry 502 but not 500")
	}
	if !opts.shouldRetryClass(classTransportError) {
		t.Fatalf("transport errors should be retryable by default")
	}
	if opts.shouldRetryClass("") {
		t.Fatalf("empty class must never be retryable")
	}
	if opts.cooldownFor(classCloudflareChallenge).Seconds() != 300 {
		t.Fatalf("unexpected challenge cooldown: %v", opts.cooldownFor(classCloudflareChallenge))
	}
}

func TestRetryInfoForChainCountsOnlyAttempts(t *testing.T) {
	chain := []string{
		"https://a.example/v1 (idx=0) status=502 class=- model=gpt-x",
		"main:https://b.example/v1 (idx=1) transport_error=dial tcp: refused model=gpt-x",
		"all_upstreams_avoided total=2",
	}
	info := retryInfoForChain(chain)
	if info == nil {
		t.Fatalf("expected retry info")
	}
	if info.Attempts != 2 {
		t.Fatalf("sentinel must not count: got %d attempts", info.Attempts)
	}
	if len(info.UpstreamChain) != 3 {
		t.Fatalf("sentinel must stay in the chain: %v", info.UpstreamChain)
	}
}

func TestRetryInfoForChainSkipsModelAndBuildEntries(t *testing.T) {
	chain := []string{
		"main:https://a.example (idx=0) skipped_unsupported_model=gpt-x",
		"main:https://b.example (idx=1) target_build_error=bad url model=-",
		"https://c.example (idx=2) status=200 class=- model=gpt-x",
	}
	info := retryInfoForChain(chain)
	if info == nil {
		t.Fatalf("expected retry info for mixed chain")
	}
	if info.Attempts != 1 {
		t.Fatalf("only the status entry is an attempt, got %d", info.Attempts)
	}
}

func TestRetryInfoForChainOmittedForSingleCleanAttempt(t *testing.T) {
	chain := []string{"https://a.example/v1 (idx=0) status=200 class=- model=gpt-x"}
	if info := retryInfoForChain(chain); info != nil {
		t.Fatalf("single clean attempt should not produce a retry block, got %+v", info)
	}
	if info := retryInfoForChain(nil); info != nil {
		t.Fatalf("empty chain should not produce a retry block")
	}
}
