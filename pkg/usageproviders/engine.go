// Package usageproviders polls provider budget APIs and flags
// upstreams whose monthly budget is spent, so the load balancer can
// route around them before they start failing.
package usageproviders

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/lkarlslund/codexhelper/pkg/cache"
	"github.com/lkarlslund/codexhelper/pkg/config"
	"github.com/lkarlslund/codexhelper/pkg/lbstate"
)

const (
	// MinPollIntervalSecs floors every provider's interval so a typo in
	// the config cannot hammer a budget API.
	MinPollIntervalSecs = 20
	defaultPollSecs     = 60
	engineTick          = 5 * time.Second
)

type providersFile struct {
	Providers []config.UsageProviderConfig `json:"providers"`
}

// BudgetResult is what one poll of a budget_http_json endpoint yields.
type BudgetResult struct {
	Exhausted        bool
	MonthlyBudgetUSD float64
	MonthlySpentUSD  float64
}

// pollBudgetFn is swapped in tests.
var pollBudgetFn = pollBudgetHTTPJSON

type Engine struct {
	store  *config.Store
	states *lbstate.Store
	client *http.Client

	// lastPoll entries expire after each provider's interval; a fresh
	// entry means the provider is not due yet.
	lastPoll *cache.TTLMap[string, struct{}]
	now      func() time.Time
}

func NewEngine(store *config.Store, states *lbstate.Store) *Engine {
	return &Engine{
		store:    store,
		states:   states,
		client:   &http.Client{Timeout: 15 * time.Second},
		lastPoll: cache.NewTTLMap[string, struct{}](),
		now:      time.Now,
	}
}

// Run polls every configured provider on its own interval until the
// context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.pollDue(ctx)
	t := time.NewTicker(engineTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.pollDue(ctx)
		}
	}
}

// providers merges the snapshot's provider list with the standalone
// usage_providers.json file; a default file is written on first run so
// users have something to edit.
func (e *Engine) providers() []config.UsageProviderConfig {
	snap := e.store.Snapshot()
	out := append([]config.UsageProviderConfig(nil), snap.Config.UsageProviders...)
	seen := map[string]struct{}{}
	for _, p := range out {
		seen[p.ID] = struct{}{}
	}

	path := config.DefaultUsageProvidersPath()
	var file providersFile
	if err := cache.LoadJSON(path, &file); err != nil {
		if err == cache.ErrNotFound {
			file = defaultProvidersFile()
			_ = cache.SaveJSON(path, file)
		}
	}
	for _, p := range file.Providers {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		out = append(out, p)
	}
	return out
}

func defaultProvidersFile() providersFile {
	return providersFile{
		Providers: []config.UsageProviderConfig{{
			ID:               "packycode",
			Kind:             "budget_http_json",
			Domains:          []string{"packycode.com"},
			Endpoint:         "https://www.packycode.com/api/backend/users/info",
			PollIntervalSecs: defaultPollSecs,
		}},
	}
}

func (e *Engine) pollDue(ctx context.Context) {
	snap := e.store.Snapshot()
	now := e.now()
	for _, p := range e.providers() {
		interval := p.PollIntervalSecs
		if interval <= 0 {
			interval = defaultPollSecs
		}
		if interval < MinPollIntervalSecs {
			interval = MinPollIntervalSecs
		}
		if _, fresh := e.lastPoll.GetFresh(p.ID, now); fresh {
			continue
		}
		e.lastPoll.SetWithTTL(p.ID, struct{}{}, now, time.Duration(interval)*time.Second)
		e.pollOne(ctx, snap.Config, p)
	}
}

// PollForUpstream refreshes providers whose domains cover the given
// upstream, still honoring the per-provider interval gate. Called after
// a user turn finishes so exhaustion flips promptly instead of waiting
// for the next scheduled poll.
func (e *Engine) PollForUpstream(ctx context.Context, baseURL string) {
	snap := e.store.Snapshot()
	now := e.now()
	for _, p := range e.providers() {
		if !domainMatches(baseURL, p.Domains) {
			continue
		}
		interval := p.PollIntervalSecs
		if interval <= 0 {
			interval = defaultPollSecs
		}
		if interval < MinPollIntervalSecs {
			interval = MinPollIntervalSecs
		}
		if _, fresh := e.lastPoll.GetFresh(p.ID, now); fresh {
			continue
		}
		e.lastPoll.SetWithTTL(p.ID, struct{}{}, now, time.Duration(interval)*time.Second)
		e.pollOne(ctx, snap.Config, p)
	}
}

func (e *Engine) pollOne(ctx context.Context, cfg *config.ServerConfig, p config.UsageProviderConfig) {
	matches := matchingUpstreams(cfg, p.Domains)
	if len(matches) == 0 {
		return
	}
	token := resolveToken(p, matches)
	if token == "" {
		log.Warn("usage provider has no usable token; skipping poll",
			"provider", p.ID, "checked", "token_env and matching upstream auth")
		return
	}
	result, err := pollBudgetFn(ctx, e.client, p.Endpoint, token)
	if err != nil {
		// Stale state beats false exhaustion: flags stay as they are.
		log.Warn("usage provider poll failed", "provider", p.ID, "err", err)
		return
	}
	for _, m := range matches {
		e.states.SetUsageExhausted(m.id, result.Exhausted)
	}
	log.Info("usage provider polled", "provider", p.ID,
		"exhausted", result.Exhausted,
		"monthly_spent_usd", fmt.Sprintf("%.2f", result.MonthlySpentUSD),
		"monthly_budget_usd", fmt.Sprintf("%.2f", result.MonthlyBudgetUSD))
}

type matchedUpstream struct {
	id       lbstate.UpstreamID
	upstream config.UpstreamConfig
}

func matchingUpstreams(cfg *config.ServerConfig, domains []string) []matchedUpstream {
	var out []matchedUpstream
	for _, service := range []string{config.ServiceCodex, config.ServiceClaude} {
		mgr := cfg.Service(service)
		for _, sc := range mgr.Configs {
			for i, up := range sc.Upstreams {
				if !domainMatches(up.BaseURL, domains) {
					continue
				}
				out = append(out, matchedUpstream{
					id:       lbstate.UpstreamID{Service: service, ConfigName: sc.Name, Index: i},
					upstream: up,
				})
			}
		}
	}
	return out
}

func domainMatches(baseURL string, domains []string) bool {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// resolveToken picks the provider's credential: token_env first, then
// the first non-empty token of any matching upstream.
func resolveToken(p config.UsageProviderConfig, matches []matchedUpstream) string {
	if p.TokenEnv != "" {
		if v := strings.TrimSpace(os.Getenv(p.TokenEnv)); v != "" {
			return v
		}
	}
	for _, m := range matches {
		if m.upstream.Auth.AuthToken != "" {
			return m.upstream.Auth.AuthToken
		}
		if m.upstream.Auth.AuthTokenEnv != "" {
			if v := strings.TrimSpace(os.Getenv(m.upstream.Auth.AuthTokenEnv)); v != "" {
				return v
			}
		}
	}
	return ""
}

func pollBudgetHTTPJSON(ctx context.Context, client *http.Client, endpoint, token string) (BudgetResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return BudgetResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return BudgetResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return BudgetResult{}, fmt.Errorf("usage provider HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return BudgetResult{}, err
	}
	var payload struct {
		MonthlyBudgetUSD float64 `json:"monthly_budget_usd"`
		MonthlySpentUSD  float64 `json:"monthly_spent_usd"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return BudgetResult{}, fmt.Errorf("decode usage payload: %w", err)
	}
	return BudgetResult{
		Exhausted:        payload.MonthlyBudgetUSD > 0 && payload.MonthlySpentUSD >= payload.MonthlyBudgetUSD,
		MonthlyBudgetUSD: payload.MonthlyBudgetUSD,
		MonthlySpentUSD:  payload.MonthlySpentUSD,
	}, nil
}
