package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NodePath81/fbping/internal/config"
	"github.com/NodePath81/fbping/internal/control"
	"github.com/NodePath81/fbping/internal/histogram"
	"github.com/NodePath81/fbping/internal/iface"
	"github.com/NodePath81/fbping/internal/metrics"
	"github.com/NodePath81/fbping/internal/pinger"
	"github.com/NodePath81/fbping/internal/store"
	"github.com/NodePath81/fbping/internal/topology"
	"github.com/NodePath81/fbping/internal/util"
)

const pruneInterval = time.Hour

// ResultSink consumes the results of every successful round.
type ResultSink interface {
	Write(ctx context.Context, res *pinger.Results) error
}

type namedSink struct {
	name string
	sink ResultSink
}

type Runtime struct {
	cfg        config.Config
	ctx        context.Context
	cancel     context.CancelFunc
	logger     util.Logger
	provider   topology.Provider
	pinger     *pinger.Pinger
	metrics    *metrics.Metrics
	aggregator *metrics.Aggregator
	store      *store.Store
	status     *control.StatusStore
	control    *control.ControlServer
	sinks      []namedSink
	trigger    chan struct{}
	wg         sync.WaitGroup

	mu      sync.RWMutex
	targets []pinger.Target
}

func NewRuntime(cfg config.Config, logger util.Logger, restartFn func() error) (*Runtime, error) {
	return newRuntime(cfg, logger, restartFn, pinger.NewSocketTransport(logger), topology.FromConfig(cfg.Topology, logger))
}

func newRuntime(cfg config.Config, logger util.Logger, restartFn func() error, transport pinger.Transport, provider topology.Provider) (*Runtime, error) {
	ctx, cancel := context.WithCancel(context.Background())
	src := iface.Resolve(cfg.Pinger.SrcIP, cfg.Pinger.SrcIf, logger)

	rt := &Runtime{
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
		provider:   provider,
		pinger:     pinger.New(PingerConfig(cfg.Pinger), src, transport, logger),
		metrics:    metrics.NewMetrics(),
		aggregator: metrics.NewAggregator(),
		trigger:    make(chan struct{}, 1),
	}
	rt.status = control.NewStatusStore(control.NewStatusHub(ctx.Done()))
	rt.sinks = []namedSink{
		{name: "status", sink: rt.status},
		{name: "metrics", sink: rt.metrics},
		{name: "aggregate", sink: rt.aggregator},
	}

	if cfg.Store.Path != "" {
		st, err := store.Open(ctx, cfg.Store.Path)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("open store: %w", err)
		}
		rt.store = st
		rt.sinks = append(rt.sinks, namedSink{name: "store", sink: st})
	}

	if cfg.Control.IsEnabled() {
		rt.control = control.NewControlServer(cfg, rt, rt.metrics, rt.status, restartFn, logger)
		if rt.store != nil {
			rt.control.SetHistory(rt.store)
		}
	}
	logger.Info("pinger configured", "source", src, "senders", cfg.Pinger.NumSenders, "receivers", cfg.Pinger.NumReceivers)
	return rt, nil
}

// PingerConfig converts the pinger section of the configuration.
func PingerConfig(p config.PingerConfig) pinger.Config {
	return pinger.Config{
		TargetPort:       p.TargetPort,
		NumSenders:       p.NumSenders,
		NumReceivers:     p.NumReceivers,
		Cooldown:         p.Cooldown.Duration(),
		BasePort:         p.BasePort,
		PortCount:        p.PortCount,
		Rate:             uint64(p.RatePPS),
		SocketBufferSize: int(p.SocketBufferSize),
		QueueSize:        p.QueueSize,
		Histogram: histogram.Config{
			BucketSize: p.Histogram.BucketSize,
			Min:        p.Histogram.Min,
			Max:        p.Histogram.Max,
		},
	}
}

func (r *Runtime) Start() error {
	if r.control != nil {
		if err := r.control.Start(r.ctx); err != nil {
			return err
		}
	}

	r.refreshTargets(r.ctx)
	r.startLoop("topology", r.cfg.Schedule.TopologyRefresh.Duration(), nil, r.refreshTargets)
	r.startLoop("ping", r.cfg.Schedule.PingInterval.Duration(), r.trigger, r.runRounds)
	r.startLoop("aggregate", r.cfg.Schedule.AggregateInterval.Duration(), nil, r.flushAggregates)
	if r.store != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.pruneLoop()
		}()
	}
	return nil
}

func (r *Runtime) Stop() {
	r.cancel()
	if r.control != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = r.control.Shutdown(ctx)
		cancel()
	}
	r.wg.Wait()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("store close failed", "error", err)
		}
	}
}

// Targets returns the current target list.
func (r *Runtime) Targets() []pinger.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]pinger.Target, len(r.targets))
	copy(out, r.targets)
	return out
}

func (r *Runtime) Source() string {
	return r.pinger.Source().String()
}

// RunNow asks the ping loop for an extra round. Requests made while one is
// already pending are merged.
func (r *Runtime) RunNow() bool {
	select {
	case r.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// startLoop runs fn on every multiple of interval, and whenever trigger
// fires.
func (r *Runtime) startLoop(name string, interval time.Duration, trigger <-chan struct{}, fn func(context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			timer := time.NewTimer(time.Until(util.NextAligned(time.Now(), interval)))
			select {
			case <-r.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			case <-trigger:
				timer.Stop()
				r.logger.Debug("loop triggered", "loop", name)
			}
			fn(r.ctx)
		}
	}()
}

// refreshTargets keeps the previous list when the providers fail or come
// back empty.
func (r *Runtime) refreshTargets(ctx context.Context) {
	targets, err := r.provider.Targets(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("topology refresh failed, keeping previous targets", "error", err)
		}
		return
	}
	if len(targets) == 0 {
		r.logger.Warn("topology refresh returned no targets, keeping previous targets")
		return
	}
	r.mu.Lock()
	changed := len(targets) != len(r.targets)
	r.targets = targets
	r.mu.Unlock()
	r.metrics.SetTargets(len(targets))
	if changed {
		r.logger.Info("targets updated", "count", len(targets))
	}
}

func (r *Runtime) runRounds(ctx context.Context) {
	targets := r.Targets()
	if len(targets) == 0 {
		r.logger.Debug("no targets, skipping round")
		return
	}
	for _, qos := range r.cfg.Pinger.QoSValues() {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.RunRound(ctx, targets, qos); err != nil && ctx.Err() == nil {
			r.logger.Error("round failed", "qos", qos, "error", err)
		}
	}
}

// RunRound runs one round against targets and hands the results to every
// sink. A sink failure is logged and does not fail the round.
func (r *Runtime) RunRound(ctx context.Context, targets []pinger.Target, qos uint8) (*pinger.Results, error) {
	res, err := r.pinger.Run(ctx, pinger.NewTestPlans(targets, r.cfg.Pinger.NumPackets), qos)
	if err != nil {
		r.metrics.RoundFailed()
		return nil, err
	}
	for _, s := range r.sinks {
		if err := s.sink.Write(ctx, res); err != nil {
			r.logger.Warn("result sink failed", "sink", s.name, "run_id", res.RunID, "error", err)
		}
	}
	return res, nil
}

func (r *Runtime) flushAggregates(context.Context) {
	aggs := r.aggregator.Flush()
	if len(aggs) == 0 {
		return
	}
	r.metrics.ObserveAggregates(aggs, int(r.cfg.Schedule.AggregateInterval.Duration().Seconds()))
}

func (r *Runtime) pruneLoop() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		r.prune()
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runtime) prune() {
	before := time.Now().Add(-r.cfg.Store.Retention.Duration())
	n, err := r.store.Prune(r.ctx, before)
	if err != nil {
		if r.ctx.Err() == nil {
			r.logger.Warn("store prune failed", "error", err)
		}
		return
	}
	if n > 0 {
		r.logger.Info("store pruned", "results", n)
	}
}
