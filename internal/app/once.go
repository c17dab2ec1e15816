package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/NodePath81/fbping/internal/config"
	"github.com/NodePath81/fbping/internal/iface"
	"github.com/NodePath81/fbping/internal/pinger"
	"github.com/NodePath81/fbping/internal/topology"
	"github.com/NodePath81/fbping/internal/util"
)

var ErrNoTargets = errors.New("topology returned no targets")

// RunOnce fetches the targets once and runs one round per QoS value,
// without sinks or the control server. An empty qos list uses the
// configured values.
func RunOnce(ctx context.Context, cfg config.Config, logger util.Logger, qos []uint8) ([]*pinger.Results, error) {
	return runOnce(ctx, cfg, logger, qos, pinger.NewSocketTransport(logger), topology.FromConfig(cfg.Topology, logger))
}

func runOnce(ctx context.Context, cfg config.Config, logger util.Logger, qos []uint8, transport pinger.Transport, provider topology.Provider) ([]*pinger.Results, error) {
	targets, err := provider.Targets(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch targets: %w", err)
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	if len(qos) == 0 {
		qos = cfg.Pinger.QoSValues()
	}
	src := iface.Resolve(cfg.Pinger.SrcIP, cfg.Pinger.SrcIf, logger)
	p := pinger.New(PingerConfig(cfg.Pinger), src, transport, logger)

	out := make([]*pinger.Results, 0, len(qos))
	for _, q := range qos {
		res, err := p.Run(ctx, pinger.NewTestPlans(targets, cfg.Pinger.NumPackets), q)
		if err != nil {
			return out, fmt.Errorf("round qos %d: %w", q, err)
		}
		out = append(out, res)
	}
	return out, nil
}
