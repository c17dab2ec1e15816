package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/NodePath81/fbping/internal/config"
	"github.com/NodePath81/fbping/internal/histogram"
	"github.com/NodePath81/fbping/internal/pinger"
	"github.com/NodePath81/fbping/internal/topology"
	"github.com/google/go-cmp/cmp"
)

// silentTransport accepts every probe and never answers.
type silentTransport struct {
	mu   sync.Mutex
	sent int
}

func (t *silentTransport) OpenSender(uint8, int) (pinger.PacketWriter, error) {
	return &silentWriter{t: t}, nil
}

func (t *silentTransport) BindPort(int, int) (pinger.PacketReader, error) {
	return &silentReader{closed: make(chan struct{})}, nil
}

func (t *silentTransport) Sent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}

type silentWriter struct{ t *silentTransport }

func (w *silentWriter) WriteTo([]byte, netip.Addr) error {
	w.t.mu.Lock()
	w.t.sent++
	w.t.mu.Unlock()
	return nil
}

func (w *silentWriter) Close() error { return nil }

type silentReader struct {
	once   sync.Once
	closed chan struct{}
}

func (r *silentReader) ReadDatagram([]byte) (pinger.Datagram, error) {
	<-r.closed
	return pinger.Datagram{}, net.ErrClosed
}

func (r *silentReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

type scriptedProvider struct {
	mu    sync.Mutex
	steps []providerStep
}

type providerStep struct {
	targets []pinger.Target
	err     error
}

func (p *scriptedProvider) Targets(context.Context) ([]pinger.Target, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.steps) == 0 {
		return nil, errors.New("script exhausted")
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	return step.targets, step.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, storePath string) config.Config {
	t.Helper()
	raw := fmt.Sprintf(`
pinger:
  src_ip: "2001:db8::1"
  cooldown: 50ms
  port_count: 4
  num_packets: 3
  rate_pps: 100k
  qos: [0, 32]
topology:
  targets:
    - ip: "2001:db8::10"
      name: node-a
      site: fra1
      network: net-a
store:
  path: %q
control:
  enabled: false
`, storePath)
	cfg, err := config.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

func TestRunRoundFeedsSinks(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "history.db"))
	transport := &silentTransport{}
	rt, err := newRuntime(cfg, testLogger(), nil, transport, topology.NewStatic(cfg.Topology.Targets))
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	defer rt.Stop()

	ctx := context.Background()
	rt.refreshTargets(ctx)
	if got := len(rt.Targets()); got != 1 {
		t.Fatalf("targets = %d, want 1", got)
	}
	res, err := rt.RunRound(ctx, rt.Targets(), 32)
	if err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	if len(res.Hosts) != 1 || !res.Hosts[0].Dead || res.Hosts[0].LossRatio != 1 {
		t.Fatalf("hosts = %+v, want one dead host", res.Hosts)
	}
	if transport.Sent() != 3 || res.Stats.Sent != 3 {
		t.Fatalf("sent = %d (stats %d), want 3", transport.Sent(), res.Stats.Sent)
	}

	snap := rt.status.Snapshot()
	if len(snap.Hosts) != 1 || snap.LastRound == nil || snap.LastRound.RunID != res.RunID {
		t.Fatalf("status snapshot = %+v", snap)
	}

	records, err := rt.store.History(ctx, "node-a", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(records) != 1 || records[0].RunID != res.RunID {
		t.Fatalf("history = %+v, want the round just run", records)
	}

	aggs := rt.aggregator.Flush()
	if len(aggs) != 2 {
		t.Fatalf("aggregates = %d, want host and network", len(aggs))
	}
	if aggs[0].Target.Name != "node-a" || aggs[1].Target.Network != "net-a" {
		t.Fatalf("aggregate order = %s, %s", aggs[0].Target.Name, aggs[1].Target.Network)
	}
}

func TestRefreshKeepsStaleTargets(t *testing.T) {
	cfg := testConfig(t, "")
	first := []pinger.Target{{IP: "2001:db8::10", Name: "node-a"}}
	provider := &scriptedProvider{steps: []providerStep{
		{targets: first},
		{err: errors.New("controller down")},
		{targets: nil},
		{targets: []pinger.Target{{IP: "2001:db8::11", Name: "node-b"}}},
	}}
	rt, err := newRuntime(cfg, testLogger(), nil, &silentTransport{}, provider)
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	defer rt.Stop()

	ctx := context.Background()
	want := [][]pinger.Target{first, first, first, {{IP: "2001:db8::11", Name: "node-b"}}}
	for i, w := range want {
		rt.refreshTargets(ctx)
		if diff := cmp.Diff(w, rt.Targets()); diff != "" {
			t.Fatalf("refresh %d targets mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestRunNowCoalesces(t *testing.T) {
	cfg := testConfig(t, "")
	rt, err := newRuntime(cfg, testLogger(), nil, &silentTransport{}, topology.NewStatic(nil))
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	defer rt.Stop()
	if !rt.RunNow() {
		t.Fatalf("first RunNow not queued")
	}
	if rt.RunNow() {
		t.Fatalf("second RunNow queued while one is pending")
	}
}

func TestRuntimeStartStop(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "history.db"))
	rt, err := newRuntime(cfg, testLogger(), nil, &silentTransport{}, topology.NewStatic(cfg.Topology.Targets))
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := len(rt.Targets()); got != 1 {
		t.Fatalf("targets after Start = %d, want 1", got)
	}
	done := make(chan struct{})
	go func() {
		rt.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop did not return")
	}
}

func TestRunOnceUsesConfiguredQoS(t *testing.T) {
	cfg := testConfig(t, "")
	results, err := runOnce(context.Background(), cfg, testLogger(), nil, &silentTransport{}, topology.NewStatic(cfg.Topology.Targets))
	if err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	var got []uint8
	for _, res := range results {
		got = append(got, res.QoS)
	}
	if diff := cmp.Diff([]uint8{0, 32}, got); diff != "" {
		t.Fatalf("qos mismatch (-want +got):\n%s", diff)
	}
}

func TestRunOnceNoTargets(t *testing.T) {
	cfg := testConfig(t, "")
	_, err := runOnce(context.Background(), cfg, testLogger(), []uint8{0}, &silentTransport{}, topology.NewStatic(nil))
	if !errors.Is(err, ErrNoTargets) {
		t.Fatalf("err = %v, want ErrNoTargets", err)
	}
}

func TestPingerConfig(t *testing.T) {
	cfg := testConfig(t, "")
	want := pinger.Config{
		TargetPort:       31338,
		NumSenders:       1,
		NumReceivers:     1,
		Cooldown:         50 * time.Millisecond,
		BasePort:         25000,
		PortCount:        4,
		Rate:             100000,
		SocketBufferSize: 425984,
		QueueSize:        4096,
		Histogram:        histogram.Config{BucketSize: 5000, Min: 1000, Max: 300000},
	}
	if diff := cmp.Diff(want, PingerConfig(cfg.Pinger)); diff != "" {
		t.Fatalf("PingerConfig mismatch (-want +got):\n%s", diff)
	}
}

func TestSupervisorStartMissingConfig(t *testing.T) {
	s := NewSupervisor(filepath.Join(t.TempDir(), "missing.yaml"), testLogger())
	if err := s.Start(); err == nil {
		t.Fatalf("Start with missing config succeeded")
	}
	s.Stop()
}
