package proxy

import (
	"sort"
	"time"

	"github.com/lkarlslund/codexhelper/pkg/config"
	"github.com/lkarlslund/codexhelper/pkg/lbstate"
)

// selectedUpstream is one concrete pick from the candidate list.
type selectedUpstream struct {
	ConfigName string
	Index      int
	Upstream   config.UpstreamConfig
}

func (s selectedUpstream) id(service string) lbstate.UpstreamID {
	return lbstate.UpstreamID{Service: service, ConfigName: s.ConfigName, Index: s.Index}
}

type avoidKey struct {
	configName string
	index      int
}

// balancer picks an upstream for one request against one snapshot.
type balancer struct {
	service string
	mgr     *config.ServiceConfigManager
	states  *lbstate.Store
	now     func() time.Time
}

func newBalancer(service string, mgr *config.ServiceConfigManager, states *lbstate.Store) *balancer {
	return &balancer{service: service, mgr: mgr, states: states, now: time.Now}
}

// candidateConfigs returns the configs to walk, in selection order:
// with a single level only the active config is walked; when multiple
// levels exist among enabled configs the walk covers them by ascending
// level, active first within its level, then name. A pinned config
// restricts the list to that config alone.
func (b *balancer) candidateConfigs(pinned string) []config.ServiceConfig {
	if pinned != "" {
		if cfg, ok := b.mgr.Config(pinned); ok && len(cfg.Upstreams) > 0 {
			return []config.ServiceConfig{cfg}
		}
		// Pin target vanished (hot reload); fall through to normal routing.
	}
	active, hasActive := b.mgr.ActiveConfig()
	if !b.mgr.HasMultipleLevels() {
		if hasActive && len(active.Upstreams) > 0 {
			return []config.ServiceConfig{active}
		}
		return nil
	}
	configs := make([]config.ServiceConfig, 0, len(b.mgr.Configs))
	for _, cfg := range b.mgr.Configs {
		if len(cfg.Upstreams) == 0 {
			continue
		}
		if !cfg.IsEnabled() && cfg.Name != b.mgr.Active {
			continue
		}
		configs = append(configs, cfg)
	}
	activeName := ""
	if hasActive {
		activeName = active.Name
	}
	sort.SliceStable(configs, func(i, j int) bool {
		a, c := configs[i], configs[j]
		al, cl := a.Level, c.Level
		if al != cl {
			return al < cl
		}
		aActive := a.Name == activeName
		cActive := c.Name == activeName
		if aActive != cActive {
			return aActive
		}
		return a.Name < c.Name
	})
	return configs
}

// selectAvoiding runs the three eligibility rounds over the candidate
// list: normal (cooldown + quota respected), quota-ignored, then
// cooldown-ignored. The model filter and the avoid set hold in every
// round. Returns ok=false when nothing is selectable.
func (b *balancer) selectAvoiding(pinned string, avoid map[avoidKey]struct{}, model string) (selectedUpstream, bool) {
	configs := b.candidateConfigs(pinned)
	if len(configs) == 0 {
		return selectedUpstream{}, false
	}
	now := b.now()

	type candidate struct {
		sel selectedUpstream
		row lbstate.Row
	}
	candidates := make([]candidate, 0, 4)
	for _, cfg := range configs {
		lastGood, hasLastGood := b.states.LastGood(b.service, cfg.Name)
		ordered := make([]int, 0, len(cfg.Upstreams))
		// Sticky routing: once a backup proved good, keep using it
		// instead of re-probing the primary on every request.
		if hasLastGood && lastGood >= 0 && lastGood < len(cfg.Upstreams) {
			ordered = append(ordered, lastGood)
		}
		for i := range cfg.Upstreams {
			if hasLastGood && i == lastGood {
				continue
			}
			ordered = append(ordered, i)
		}
		for _, i := range ordered {
			up := cfg.Upstreams[i]
			if _, skip := avoid[avoidKey{cfg.Name, i}]; skip {
				continue
			}
			if !upstreamSupportsModel(up, model) {
				continue
			}
			sel := selectedUpstream{ConfigName: cfg.Name, Index: i, Upstream: up}
			candidates = append(candidates, candidate{
				sel: sel,
				row: b.states.Snapshot(sel.id(b.service)),
			})
		}
	}
	if len(candidates) == 0 {
		return selectedUpstream{}, false
	}
	for _, c := range candidates {
		if !c.row.InCooldown(now) && !c.row.UsageExhausted {
			return c.sel, true
		}
	}
	for _, c := range candidates {
		if !c.row.InCooldown(now) {
			return c.sel, true
		}
	}
	return candidates[0].sel, true
}

// hasModelCandidates reports whether any upstream at all admits the
// model, independent of state. Lets the 503 error path say whether "no
// upstream supports the model" or "no upstreams available".
func (b *balancer) hasModelCandidates(pinned, model string) bool {
	for _, cfg := range b.candidateConfigs(pinned) {
		for _, up := range cfg.Upstreams {
			if upstreamSupportsModel(up, model) {
				return true
			}
		}
	}
	return false
}

// totalUpstreams counts the candidate pool so the attempt loop can
// detect exhaustion of the avoid set.
func (b *balancer) totalUpstreams(pinned string) int {
	n := 0
	for _, cfg := range b.candidateConfigs(pinned) {
		n += len(cfg.Upstreams)
	}
	return n
}
