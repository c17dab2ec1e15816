// Package pinger runs distributed UDP ping rounds over raw IPv6 sockets.
package pinger

import (
	"context"
	"fmt"
	"math/rand"
	"net/netip"
	"sort"
	"time"

	"github.com/NodePath81/fbping/internal/histogram"
	"github.com/NodePath81/fbping/internal/util"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Pinger runs probing rounds. A Pinger may be reused for any number of
// rounds, but rounds must not overlap since they share the port range.
type Pinger struct {
	cfg       Config
	src       netip.Addr
	transport Transport
	logger    util.Logger
	now       func() time.Time
}

func New(cfg Config, src netip.Addr, transport Transport, logger util.Logger) *Pinger {
	if cfg.NumSenders < 1 {
		cfg.NumSenders = 1
	}
	if cfg.NumReceivers < 1 {
		cfg.NumReceivers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	return &Pinger{
		cfg:       cfg,
		src:       src,
		transport: transport,
		logger:    logger,
		now:       time.Now,
	}
}

func (p *Pinger) Source() netip.Addr {
	return p.src
}

// Run probes every plan's target with traffic class qos and returns one
// host result per valid target. Targets with unparsable or non-IPv6
// addresses are dropped. Any sender or receiver setup failure fails the
// whole round.
func (p *Pinger) Run(ctx context.Context, plans []TestPlan, qos uint8) (*Results, error) {
	started := p.now()
	runID := uuid.NewString()
	signature := rand.Uint32()
	logger := p.logger.With("run_id", runID, "qos", qos)

	missing := p.discoverMissingPorts()

	valid, dups, targets := p.buildTargets(plans, logger)
	logger.Info("round starting", "targets", len(valid), "missing_ports", len(missing))

	queues := make([]chan ReceivedProbe, p.cfg.NumReceivers)
	for i := range queues {
		queues[i] = make(chan ReceivedProbe, p.cfg.QueueSize)
	}

	rg, rctx := errgroup.WithContext(ctx)
	receivers := make([]*Receiver, p.cfg.NumReceivers)
	for i := range receivers {
		r := newReceiver(i, p.cfg, signature, p.transport, targets, queues, missing, logger)
		r.now = p.now
		receivers[i] = r
		rg.Go(func() error { return r.run(rctx) })
	}
	stopReceivers := func() {
		for _, r := range receivers {
			r.stop()
		}
	}

	for _, r := range receivers {
		select {
		case <-r.Bound():
		case <-rctx.Done():
			stopReceivers()
			if err := rg.Wait(); err != nil {
				return nil, fmt.Errorf("receiver setup: %w", err)
			}
			return nil, rctx.Err()
		}
	}
	for _, r := range receivers {
		for _, port := range r.MissingPorts() {
			missing[port] = struct{}{}
		}
	}

	perSender := make([]int, p.cfg.NumSenders)
	for i := range valid {
		perSender[senderIndex(valid[i].addr, p.cfg.NumSenders)]++
	}

	sg, sctx := errgroup.WithContext(rctx)
	senders := make([]*Sender, p.cfg.NumSenders)
	for i := range senders {
		s := newSender(i, p.cfg, qos, signature, p.src, missing, p.transport, perSender[i]+1, logger)
		s.now = p.now
		senders[i] = s
		sg.Go(func() error { return s.run(sctx) })
	}
	for i := range valid {
		s := senders[senderIndex(valid[i].addr, p.cfg.NumSenders)]
		if !s.enqueue(valid[i]) {
			logger.Warn("sender queue full, dropping plan", "sender_id", s.id, "target", valid[i].Target.IP)
		}
	}
	for _, s := range senders {
		if !s.enqueue(stopPlan) {
			logger.Warn("sender queue full, dropping stop plan", "sender_id", s.id)
		}
	}

	sendErr := sg.Wait()
	stopReceivers()
	recvErr := rg.Wait()
	// Forwards that landed after their owner stopped are still queued.
	for _, r := range receivers {
		r.drainQueue()
	}
	if recvErr != nil {
		return nil, fmt.Errorf("receiver: %w", recvErr)
	}
	if sendErr != nil {
		return nil, fmt.Errorf("sender: %w", sendErr)
	}

	res := &Results{
		RunID:   runID,
		QoS:     qos,
		Started: started,
	}
	res.Stats.Targets = len(valid)
	res.Stats.MissingPorts = len(missing)
	for _, s := range senders {
		res.Stats.add(s.stats)
	}
	var summaries []hostSummary
	for _, r := range receivers {
		res.Stats.add(r.stats)
		summaries = append(summaries, r.summarize(qos)...)
	}
	p.merge(res, valid, dups, summaries, logger)
	res.Duration = p.now().Sub(started)

	logger.Info("round finished",
		"hosts", len(res.Hosts),
		"networks", len(res.Networks),
		"sent", res.Stats.Sent,
		"accepted", res.Stats.Accepted,
		"duration", res.Duration)
	return res, nil
}

// discoverMissingPorts binds every source port once to find ports held
// exclusively elsewhere. The sockets are closed right away.
func (p *Pinger) discoverMissingPorts() map[int]struct{} {
	missing := make(map[int]struct{})
	for port := p.cfg.BasePort; port < p.cfg.BasePort+p.cfg.PortCount; port++ {
		conn, err := p.transport.BindPort(port, p.cfg.SocketBufferSize)
		if err != nil {
			p.logger.Debug("source port unavailable", "port", port, "error", err)
			missing[port] = struct{}{}
			continue
		}
		_ = conn.Close()
	}
	return missing
}

// buildTargets keeps the plans that can be probed. A plan whose address is
// already taken by an earlier plan is returned in dups and is not probed.
func (p *Pinger) buildTargets(plans []TestPlan, logger util.Logger) (valid, dups []TestPlan, targets map[netip.Addr]Target) {
	valid = make([]TestPlan, 0, len(plans))
	targets = make(map[netip.Addr]Target, len(plans))
	for _, plan := range plans {
		if plan.NumPackets <= 0 {
			continue
		}
		addr, err := netip.ParseAddr(plan.Target.IP)
		if err != nil {
			logger.Warn("skipping target with invalid address", "ip", plan.Target.IP, "name", plan.Target.Name, "error", err)
			continue
		}
		if !addr.Is6() || addr.Is4In6() {
			logger.Warn("skipping non-IPv6 target", "ip", plan.Target.IP, "name", plan.Target.Name)
			continue
		}
		addr = addr.WithZone("")
		if first, dup := targets[addr]; dup {
			logger.Warn("duplicate target shares results of an earlier entry", "ip", plan.Target.IP, "name", plan.Target.Name, "shared_with", first.Name)
			plan.addr = addr
			dups = append(dups, plan)
			continue
		}
		plan.addr = addr
		plan.PacketsSent = 0
		targets[addr] = plan.Target
		valid = append(valid, plan)
	}
	return valid, dups, targets
}

func senderIndex(addr netip.Addr, n int) int {
	if n <= 1 {
		return 0
	}
	return int(hash32(addr.String()) % uint32(n))
}

// merge fills res.Hosts with one entry per valid plan and res.Networks with
// one entry per network seen among the valid plans. Each duplicate gets a
// copy of the host entry for its address under its own target; duplicates
// do not count toward networks.
func (p *Pinger) merge(res *Results, valid, dups []TestPlan, summaries []hostSummary, logger util.Logger) {
	ts := p.now().Unix()
	byAddr := make(map[netip.Addr]hostSummary, len(summaries))
	for _, s := range summaries {
		byAddr[s.addr] = s
	}

	type networkAcc struct {
		xmit uint64
		hist *histogram.Histogram
	}
	networks := make(map[string]*networkAcc)

	res.Hosts = make([]TestResult, 0, len(valid)+len(dups))
	hostIdx := make(map[netip.Addr]int, len(valid))
	for _, plan := range valid {
		hostIdx[plan.addr] = len(res.Hosts)
		xmit := uint64(plan.NumPackets)
		acc := networks[plan.Target.Network]
		if acc == nil {
			acc = &networkAcc{}
			networks[plan.Target.Network] = acc
		}
		acc.xmit += xmit

		s, ok := byAddr[plan.addr]
		if !ok || s.result.NumRecv == 0 {
			res.Hosts = append(res.Hosts, deadResult(plan.Target, res.QoS, ts, xmit))
			continue
		}
		result := s.result
		result.NumXmit = xmit
		result.LossRatio = lossRatio(result.NumRecv, xmit)
		res.Hosts = append(res.Hosts, result)

		if acc.hist == nil {
			acc.hist = histogram.New(p.cfg.Histogram)
		}
		if err := acc.hist.Merge(s.hist); err != nil {
			logger.Warn("network histogram merge failed", "network", plan.Target.Network, "error", err)
		}
	}

	for _, plan := range dups {
		shared := res.Hosts[hostIdx[plan.addr]]
		shared.Target = plan.Target
		res.Hosts = append(res.Hosts, shared)
	}

	names := make([]string, 0, len(networks))
	for name := range networks {
		names = append(names, name)
	}
	sort.Strings(names)
	res.Networks = make([]TestResult, 0, len(names))
	for _, name := range names {
		acc := networks[name]
		target := Target{Network: name}
		if acc.hist == nil || acc.hist.Count() == 0 {
			res.Networks = append(res.Networks, deadResult(target, res.QoS, ts, acc.xmit))
			continue
		}
		result := resultFromHistogram(acc.hist, target, res.QoS, ts)
		result.NumXmit = acc.xmit
		result.LossRatio = lossRatio(result.NumRecv, acc.xmit)
		res.Networks = append(res.Networks, result)
	}
}

func deadResult(target Target, qos uint8, ts int64, xmit uint64) TestResult {
	return TestResult{
		Timestamp: ts,
		QoS:       qos,
		Target:    target,
		NumXmit:   xmit,
		LossRatio: 1,
		Dead:      true,
	}
}

// lossRatio is 1 - recv/xmit, floored at 0 when duplicates push recv past
// xmit.
func lossRatio(recv, xmit uint64) float64 {
	if xmit == 0 {
		return 1
	}
	loss := 1 - float64(recv)/float64(xmit)
	if loss < 0 {
		return 0
	}
	return loss
}
