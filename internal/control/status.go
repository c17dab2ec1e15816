package control

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/NodePath81/fbping/internal/pinger"
	"github.com/VividCortex/ewma"
)

const statusSchemaVersion = 1

// HostStatus is the latest view of one host at one QoS. The EWMA fields
// smooth over rounds; RTTEWMA only moves on rounds with replies.
type HostStatus struct {
	Target     pinger.Target `json:"target"`
	QoS        uint8         `json:"qos"`
	LossRatio  float64       `json:"loss_ratio"`
	RTTAvg     float64       `json:"rtt_avg"`
	LossEWMA   float64       `json:"loss_ewma"`
	RTTEWMA    float64       `json:"rtt_ewma"`
	Dead       bool          `json:"dead"`
	Rounds     uint64        `json:"rounds"`
	LastUpdate int64         `json:"last_update"`
}

type RoundSummary struct {
	RunID      string       `json:"run_id"`
	QoS        uint8        `json:"qos"`
	Started    int64        `json:"started"`
	DurationMs int64        `json:"duration_ms"`
	Hosts      int          `json:"hosts"`
	Dead       int          `json:"dead"`
	Stats      pinger.Stats `json:"stats"`
}

type StatusSnapshot struct {
	Rounds    uint64        `json:"rounds"`
	LastRound *RoundSummary `json:"last_round,omitempty"`
	Hosts     []HostStatus  `json:"hosts"`
}

type hostKey struct {
	ip  string
	qos uint8
}

type hostState struct {
	status HostStatus
	rtt    ewma.MovingAverage
	loss   ewma.MovingAverage
}

// StatusStore keeps the latest round and smoothed per-host values, and
// pushes each round to websocket subscribers.
type StatusStore struct {
	mu        sync.Mutex
	hosts     map[hostKey]*hostState
	lastRound *RoundSummary
	rounds    uint64
	hub       *StatusHub
}

func NewStatusStore(hub *StatusHub) *StatusStore {
	return &StatusStore{
		hosts: make(map[hostKey]*hostState),
		hub:   hub,
	}
}

// Write folds one round into the store. Hosts of the same QoS that are no
// longer in the round are forgotten.
func (s *StatusStore) Write(_ context.Context, res *pinger.Results) error {
	now := time.Now().UnixMilli()
	summary := RoundSummary{
		RunID:      res.RunID,
		QoS:        res.QoS,
		Started:    res.Started.UnixMilli(),
		DurationMs: res.Duration.Milliseconds(),
		Hosts:      len(res.Hosts),
		Stats:      res.Stats,
	}

	s.mu.Lock()
	seen := make(map[hostKey]struct{}, len(res.Hosts))
	for _, r := range res.Hosts {
		key := hostKey{ip: r.Target.IP, qos: r.QoS}
		seen[key] = struct{}{}
		st := s.hosts[key]
		if st == nil {
			st = &hostState{rtt: ewma.NewMovingAverage(), loss: ewma.NewMovingAverage()}
			s.hosts[key] = st
		}
		st.loss.Add(r.LossRatio)
		if r.NumRecv > 0 {
			st.rtt.Add(r.RTTAvg)
		}
		if r.Dead {
			summary.Dead++
		}
		st.status = HostStatus{
			Target:     r.Target,
			QoS:        r.QoS,
			LossRatio:  r.LossRatio,
			RTTAvg:     r.RTTAvg,
			LossEWMA:   st.loss.Value(),
			RTTEWMA:    st.rtt.Value(),
			Dead:       r.Dead,
			Rounds:     st.status.Rounds + 1,
			LastUpdate: now,
		}
	}
	for key := range s.hosts {
		if _, ok := seen[key]; !ok && key.qos == res.QoS {
			delete(s.hosts, key)
		}
	}
	s.rounds++
	s.lastRound = &summary
	s.mu.Unlock()

	if s.hub != nil {
		s.hub.Broadcast(statusMessage{
			SchemaVersion: statusSchemaVersion,
			Type:          "round",
			Timestamp:     now,
			Round:         &summary,
		})
	}
	return nil
}

// Snapshot returns hosts ordered by name, IP and QoS.
func (s *StatusStore) Snapshot() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatusSnapshot{
		Rounds: s.rounds,
		Hosts:  make([]HostStatus, 0, len(s.hosts)),
	}
	if s.lastRound != nil {
		last := *s.lastRound
		snap.LastRound = &last
	}
	for _, st := range s.hosts {
		snap.Hosts = append(snap.Hosts, st.status)
	}
	sort.Slice(snap.Hosts, func(i, j int) bool {
		a, b := snap.Hosts[i], snap.Hosts[j]
		if a.Target.Name != b.Target.Name {
			return a.Target.Name < b.Target.Name
		}
		if a.Target.IP != b.Target.IP {
			return a.Target.IP < b.Target.IP
		}
		return a.QoS < b.QoS
	})
	return snap
}

type statusMessage struct {
	SchemaVersion int             `json:"schema_version"`
	Type          string          `json:"type"`
	Timestamp     int64           `json:"timestamp"`
	Snapshot      *StatusSnapshot `json:"snapshot,omitempty"`
	Round         *RoundSummary   `json:"round,omitempty"`
}

type StatusHub struct {
	mu        sync.Mutex
	clients   map[*statusClient]struct{}
	broadcast chan statusMessage
	ctxDone   <-chan struct{}
}

type statusClient struct {
	send      chan []byte
	closeOnce sync.Once
}

func NewStatusHub(ctxDone <-chan struct{}) *StatusHub {
	h := &StatusHub{
		clients:   make(map[*statusClient]struct{}),
		broadcast: make(chan statusMessage, 128),
		ctxDone:   ctxDone,
	}
	go h.run()
	return h
}

func (h *StatusHub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*statusClient]struct{})
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *StatusHub) Register(client *statusClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *StatusHub) Unregister(client *statusClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

// Broadcast drops the message when the hub is backed up.
func (h *StatusHub) Broadcast(msg statusMessage) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

func (c *statusClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
