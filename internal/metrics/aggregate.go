package metrics

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/NodePath81/fbping/internal/pinger"
)

// Aggregate summarizes one host or network over several rounds.
type Aggregate struct {
	Target    pinger.Target `json:"target"`
	QoS       uint8         `json:"qos"`
	Rounds    int           `json:"rounds"`
	Replied   int           `json:"replied"`
	LossRatio float64       `json:"loss_ratio"`
	RTTAvg    float64       `json:"rtt_avg"`
	RTTP90    float64       `json:"rtt_p90"`
	RTTP75    float64       `json:"rtt_p75"`
	RTTMax    float64       `json:"rtt_max"`
}

// Aggregator buffers round results until Flush. Loss is averaged over every
// round, RTT fields only over rounds with at least one reply.
type Aggregator struct {
	mu     sync.Mutex
	rounds []*pinger.Results
}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

func (a *Aggregator) Write(_ context.Context, res *pinger.Results) error {
	a.mu.Lock()
	a.rounds = append(a.rounds, res)
	a.mu.Unlock()
	return nil
}

type aggregateAcc struct {
	agg     Aggregate
	lossSum float64
	avgSum  float64
	p90Sum  float64
	p75Sum  float64
}

// Flush drains the buffered rounds and returns their aggregates, hosts
// first, each group ordered by key.
func (a *Aggregator) Flush() []Aggregate {
	a.mu.Lock()
	rounds := a.rounds
	a.rounds = nil
	a.mu.Unlock()

	accs := make(map[string]*aggregateAcc)
	var hostKeys, networkKeys []string
	add := func(key string, r pinger.TestResult, keys *[]string) {
		acc, ok := accs[key]
		if !ok {
			acc = &aggregateAcc{}
			accs[key] = acc
			*keys = append(*keys, key)
		}
		acc.agg.Target = r.Target
		acc.agg.QoS = r.QoS
		acc.agg.Rounds++
		acc.lossSum += r.LossRatio
		if r.NumRecv == 0 {
			return
		}
		acc.agg.Replied++
		acc.avgSum += r.RTTAvg
		acc.p90Sum += r.RTTP90
		acc.p75Sum += r.RTTP75
		if r.RTTMax > acc.agg.RTTMax {
			acc.agg.RTTMax = r.RTTMax
		}
	}
	for _, res := range rounds {
		for _, r := range res.Hosts {
			name := r.Target.Name
			if name == "" {
				name = r.Target.IP
			}
			add("host/"+strconv.Itoa(int(r.QoS))+"/"+name, r, &hostKeys)
		}
		for _, r := range res.Networks {
			add("network/"+strconv.Itoa(int(r.QoS))+"/"+r.Target.Network, r, &networkKeys)
		}
	}
	sort.Strings(hostKeys)
	sort.Strings(networkKeys)

	out := make([]Aggregate, 0, len(accs))
	for _, key := range append(hostKeys, networkKeys...) {
		acc := accs[key]
		agg := acc.agg
		agg.LossRatio = acc.lossSum / float64(agg.Rounds)
		if agg.Replied > 0 {
			agg.RTTAvg = acc.avgSum / float64(agg.Replied)
			agg.RTTP90 = acc.p90Sum / float64(agg.Replied)
			agg.RTTP75 = acc.p75Sum / float64(agg.Replied)
		}
		out = append(out, agg)
	}
	return out
}
