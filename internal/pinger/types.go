package pinger

import (
	"hash/fnv"
	"net/netip"
	"time"

	"github.com/NodePath81/fbping/internal/histogram"
)

// Target identifies one probed host. It is supplied by the topology
// provider and never modified during a round.
type Target struct {
	IP      string `json:"ip"`
	MAC     string `json:"mac,omitempty"`
	Name    string `json:"name,omitempty"`
	Site    string `json:"site,omitempty"`
	Network string `json:"network,omitempty"`
	IsCN    bool   `json:"is_cn,omitempty"`
	IsPop   bool   `json:"is_pop,omitempty"`
}

// TestPlan is the per-target packet budget for one round. PacketsSent is
// only touched by the sender that owns the plan.
type TestPlan struct {
	Target      Target
	NumPackets  int
	PacketsSent int

	addr netip.Addr
}

// NewTestPlans builds one plan per target with the same packet budget.
func NewTestPlans(targets []Target, numPackets int) []TestPlan {
	plans := make([]TestPlan, 0, len(targets))
	for _, t := range targets {
		plans = append(plans, TestPlan{Target: t, NumPackets: numPackets})
	}
	return plans
}

// stopPlan tells a sender to stop accumulating and start sending.
var stopPlan = TestPlan{}

func (p *TestPlan) isStop() bool {
	return p.NumPackets == 0
}

// TestResult is the outcome for one host (or one network) in one round.
// RTT fields are milliseconds.
type TestResult struct {
	Timestamp       int64   `json:"timestamp"`
	QoS             uint8   `json:"qos"`
	Target          Target  `json:"target"`
	NumRecv         uint64  `json:"num_recv"`
	NumXmit         uint64  `json:"num_xmit"`
	RTTP75          float64 `json:"rtt_p75"`
	RTTP90          float64 `json:"rtt_p90"`
	RTTAvg          float64 `json:"rtt_avg"`
	RTTMax          float64 `json:"rtt_max"`
	LossRatio       float64 `json:"loss_ratio"`
	FractionClipped float64 `json:"fraction_clipped"`
	Dead            bool    `json:"dead"`
}

// Results is everything one round produced. Hosts holds one entry per valid
// target, in input order, followed by one entry per duplicate address.
type Results struct {
	RunID    string        `json:"run_id"`
	QoS      uint8         `json:"qos"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Hosts    []TestResult  `json:"hosts"`
	Networks []TestResult  `json:"networks"`
	Stats    Stats         `json:"stats"`
}

// Stats are the per-round counters of senders and receivers.
type Stats struct {
	Targets        int    `json:"targets"`
	MissingPorts   int    `json:"missing_ports"`
	Sweeps         uint64 `json:"sweeps"`
	Sent           uint64 `json:"sent"`
	SendFailed     uint64 `json:"send_failed"`
	WouldBlock     uint64 `json:"would_block"`
	Accepted       uint64 `json:"accepted"`
	Truncated      uint64 `json:"truncated"`
	BadSignature   uint64 `json:"bad_signature"`
	UnknownPeer    uint64 `json:"unknown_peer"`
	Forwarded      uint64 `json:"forwarded"`
	ForwardDropped uint64 `json:"forward_dropped"`
	NegativeRTT    uint64 `json:"negative_rtt"`
}

func (s *Stats) add(o Stats) {
	s.Sweeps += o.Sweeps
	s.Sent += o.Sent
	s.SendFailed += o.SendFailed
	s.WouldBlock += o.WouldBlock
	s.Accepted += o.Accepted
	s.Truncated += o.Truncated
	s.BadSignature += o.BadSignature
	s.UnknownPeer += o.UnknownPeer
	s.Forwarded += o.Forwarded
	s.ForwardDropped += o.ForwardDropped
	s.NegativeRTT += o.NegativeRTT
}

// Config is the run-level configuration shared by senders and receivers.
type Config struct {
	TargetPort       int
	NumSenders       int
	NumReceivers     int
	Cooldown         time.Duration
	BasePort         int
	PortCount        int
	Rate             uint64
	SocketBufferSize int
	QueueSize        int
	Histogram        histogram.Config
}

// ShardID maps a site name onto one of n receivers.
func ShardID(site string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(hash32(site) % uint32(n))
}

func hash32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// microStamp is the low 32 bits of t in microseconds since the epoch.
func microStamp(t time.Time) uint32 {
	return uint32(t.UnixMicro())
}

func resultFromHistogram(h *histogram.Histogram, target Target, qos uint8, ts int64) TestResult {
	avg, count := h.AverageAndCount()
	p75, _ := h.Percentile(0.75)
	p90, _ := h.Percentile(0.9)
	return TestResult{
		Timestamp:       ts,
		QoS:             qos,
		Target:          target,
		NumRecv:         count,
		RTTP75:          float64(p75) / 1000,
		RTTP90:          float64(p90) / 1000,
		RTTAvg:          avg / 1000,
		RTTMax:          float64(h.MaxSample()) / 1000,
		FractionClipped: h.FractionClipped(),
	}
}
