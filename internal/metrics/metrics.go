// Package metrics exports ping results and run counters to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/NodePath81/fbping/internal/pinger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RoundInterval is the data_interval label of per-round results.
const RoundInterval = 1

var resultLabels = []string{
	"network",
	"data_interval",
	"qos",
	"node_mac",
	"node_name",
	"node_is_pop",
	"node_is_cn",
	"site_name",
}

var keyNameReplacer = strings.NewReplacer(".", "_", "-", "_", "/", "_", "[", "_", "]", "_")

type Metrics struct {
	registry *prometheus.Registry

	lossRatio *prometheus.GaugeVec
	rttAvg    *prometheus.GaugeVec
	rttP90    *prometheus.GaugeVec
	rttP75    *prometheus.GaugeVec
	rttMax    *prometheus.GaugeVec

	probesSent    prometheus.Counter
	replies       prometheus.Counter
	dropped       *prometheus.CounterVec
	rounds        *prometheus.CounterVec
	roundDuration prometheus.Histogram
	targets       prometheus.Gauge
	missingPorts  prometheus.Gauge

	mu   sync.Mutex
	live map[seriesGroup]map[string][]string
}

// seriesGroup is the set of result series one write replaces.
type seriesGroup struct {
	interval int
	qos      uint8
}

func NewMetrics() *Metrics {
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, resultLabels)
	}
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		live:      make(map[seriesGroup]map[string][]string),
		lossRatio: gauge("udp_pinger_loss_ratio", "Fraction of probes without a reply."),
		rttAvg:    gauge("udp_pinger_rtt_avg", "Mean round trip time in milliseconds."),
		rttP90:    gauge("udp_pinger_rtt_p90", "90th percentile round trip time in milliseconds."),
		rttP75:    gauge("udp_pinger_rtt_p75", "75th percentile round trip time in milliseconds."),
		rttMax:    gauge("udp_pinger_rtt_max", "Largest round trip time in milliseconds."),
		probesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udp_pinger_probes_sent_total",
			Help: "Probes handed to the kernel.",
		}),
		replies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udp_pinger_replies_total",
			Help: "Replies accepted into a histogram.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "udp_pinger_dropped_total",
			Help: "Probes or replies discarded, by reason.",
		}, []string{"reason"}),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "udp_pinger_rounds_total",
			Help: "Ping rounds run, by outcome.",
		}, []string{"outcome"}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "udp_pinger_round_duration_seconds",
			Help:    "Wall time of one ping round.",
			Buckets: []float64{0.5, 1, 2, 3, 5, 8, 13, 21, 34},
		}),
		targets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "udp_pinger_targets",
			Help: "Targets in the current topology.",
		}),
		missingPorts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "udp_pinger_missing_ports",
			Help: "Source ports that could not be bound in the last round.",
		}),
	}
	m.registry.MustRegister(
		m.lossRatio, m.rttAvg, m.rttP90, m.rttP75, m.rttMax,
		m.probesSent, m.replies, m.dropped, m.rounds, m.roundDuration,
		m.targets, m.missingPorts,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Write records one round: the per-round gauges and the run counters.
func (m *Metrics) Write(_ context.Context, res *pinger.Results) error {
	m.rounds.WithLabelValues("ok").Inc()
	m.roundDuration.Observe(res.Duration.Seconds())
	m.missingPorts.Set(float64(res.Stats.MissingPorts))

	s := res.Stats
	m.probesSent.Add(float64(s.Sent))
	m.replies.Add(float64(s.Accepted))
	m.dropped.WithLabelValues("send_failed").Add(float64(s.SendFailed))
	m.dropped.WithLabelValues("truncated").Add(float64(s.Truncated))
	m.dropped.WithLabelValues("bad_signature").Add(float64(s.BadSignature))
	m.dropped.WithLabelValues("unknown_peer").Add(float64(s.UnknownPeer))
	m.dropped.WithLabelValues("queue_full").Add(float64(s.ForwardDropped))

	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string][]string, len(res.Hosts)+len(res.Networks))
	for _, r := range append(append([]pinger.TestResult(nil), res.Hosts...), res.Networks...) {
		labels := m.observe(r.Target, r.QoS, RoundInterval, r.NumRecv > 0, r.LossRatio, r.RTTAvg, r.RTTP90, r.RTTP75, r.RTTMax)
		seen[seriesKey(labels)] = labels
	}
	m.forget(seriesGroup{interval: RoundInterval, qos: res.QoS}, seen)
	return nil
}

// RoundFailed counts a round that returned an error.
func (m *Metrics) RoundFailed() {
	m.rounds.WithLabelValues("failed").Inc()
}

func (m *Metrics) SetTargets(n int) {
	m.targets.Set(float64(n))
}

// ObserveAggregates exports aggregated results under data_interval seconds.
// Series of that interval missing from aggs are removed.
func (m *Metrics) ObserveAggregates(aggs []Aggregate, interval int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[uint8]map[string][]string)
	for _, a := range aggs {
		labels := m.observe(a.Target, a.QoS, interval, a.Replied > 0, a.LossRatio, a.RTTAvg, a.RTTP90, a.RTTP75, a.RTTMax)
		if seen[a.QoS] == nil {
			seen[a.QoS] = make(map[string][]string)
		}
		seen[a.QoS][seriesKey(labels)] = labels
	}
	for g := range m.live {
		if g.interval == interval {
			if _, ok := seen[g.qos]; !ok {
				m.forget(g, nil)
			}
		}
	}
	for qos, keys := range seen {
		m.forget(seriesGroup{interval: interval, qos: qos}, keys)
	}
}

// observe sets the result gauges and returns their labels. Without replies
// there is no RTT, so the RTT series are removed.
func (m *Metrics) observe(t pinger.Target, qos uint8, interval int, replied bool, loss, avg, p90, p75, max float64) []string {
	labels := labelValues(t, qos, interval)
	m.lossRatio.WithLabelValues(labels...).Set(loss)
	if !replied {
		m.deleteRTT(labels)
		return labels
	}
	m.rttAvg.WithLabelValues(labels...).Set(avg)
	m.rttP90.WithLabelValues(labels...).Set(p90)
	m.rttP75.WithLabelValues(labels...).Set(p75)
	m.rttMax.WithLabelValues(labels...).Set(max)
	return labels
}

func (m *Metrics) deleteRTT(labels []string) {
	m.rttAvg.DeleteLabelValues(labels...)
	m.rttP90.DeleteLabelValues(labels...)
	m.rttP75.DeleteLabelValues(labels...)
	m.rttMax.DeleteLabelValues(labels...)
}

// forget removes the series of g that are not in keep and records keep as
// the live set. Callers hold m.mu.
func (m *Metrics) forget(g seriesGroup, keep map[string][]string) {
	for key, labels := range m.live[g] {
		if _, ok := keep[key]; ok {
			continue
		}
		m.lossRatio.DeleteLabelValues(labels...)
		m.deleteRTT(labels)
	}
	if len(keep) == 0 {
		delete(m.live, g)
		return
	}
	m.live[g] = keep
}

func seriesKey(labels []string) string {
	return strings.Join(labels, "\x00")
}

// labelValues follows resultLabels. Network results carry no node name and
// leave the node labels empty.
func labelValues(t pinger.Target, qos uint8, interval int) []string {
	values := []string{t.Network, strconv.Itoa(interval), strconv.Itoa(int(qos)), "", "", "", "", ""}
	if t.Name == "" {
		return values
	}
	values[3] = t.MAC
	values[4] = FormatKeyName(t.Name)
	values[5] = strconv.FormatBool(t.IsPop)
	values[6] = strconv.FormatBool(t.IsCN)
	values[7] = FormatKeyName(t.Site)
	return values
}

// FormatKeyName replaces characters that dashboards keyed on node and site
// names do not accept.
func FormatKeyName(name string) string {
	return keyNameReplacer.Replace(name)
}
