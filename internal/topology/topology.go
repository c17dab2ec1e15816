// Package topology supplies the targets probed each round.
package topology

import (
	"context"
	"time"

	"github.com/NodePath81/fbping/internal/config"
	"github.com/NodePath81/fbping/internal/pinger"
	"github.com/NodePath81/fbping/internal/util"
)

// Provider returns the current target list.
type Provider interface {
	Targets(ctx context.Context) ([]pinger.Target, error)
}

// Static serves a fixed target list.
type Static struct {
	targets []pinger.Target
}

func NewStatic(targets []config.TargetConfig) *Static {
	out := make([]pinger.Target, 0, len(targets))
	for _, t := range targets {
		out = append(out, pinger.Target{
			IP:      t.IP,
			MAC:     t.MAC,
			Name:    t.Name,
			Site:    t.Site,
			Network: t.Network,
			IsCN:    t.IsCN,
			IsPop:   t.IsPop,
		})
	}
	return &Static{targets: out}
}

func (s *Static) Targets(context.Context) ([]pinger.Target, error) {
	out := make([]pinger.Target, len(s.targets))
	copy(out, s.targets)
	return out, nil
}

type namedProvider struct {
	name     string
	provider Provider
}

// Multi concatenates the targets of several providers. A failing provider
// is logged and skipped; Multi only fails when every provider fails.
type Multi struct {
	providers []namedProvider
	logger    util.Logger
}

func NewMulti(logger util.Logger) *Multi {
	return &Multi{logger: logger}
}

func (m *Multi) Add(name string, p Provider) {
	m.providers = append(m.providers, namedProvider{name: name, provider: p})
}

func (m *Multi) Len() int {
	return len(m.providers)
}

func (m *Multi) Targets(ctx context.Context) ([]pinger.Target, error) {
	var out []pinger.Target
	var lastErr error
	failed := 0
	for _, np := range m.providers {
		targets, err := np.provider.Targets(ctx)
		if err != nil {
			failed++
			lastErr = err
			m.logger.Warn("topology fetch failed", "provider", np.name, "error", err)
			continue
		}
		m.logger.Debug("topology fetched", "provider", np.name, "targets", len(targets))
		out = append(out, targets...)
	}
	if failed > 0 && failed == len(m.providers) {
		return nil, lastErr
	}
	return out, nil
}

// FromConfig builds the provider described by cfg: the static targets
// first, then one Controller per configured controller.
func FromConfig(cfg config.TopologyConfig, logger util.Logger) *Multi {
	m := NewMulti(logger)
	if len(cfg.Targets) > 0 {
		m.Add("static", NewStatic(cfg.Targets))
	}
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	for _, c := range cfg.Controllers {
		m.Add(c.Name, NewController(c, timeout, logger))
	}
	return m
}
