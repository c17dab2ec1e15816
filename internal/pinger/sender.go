package pinger

import (
	"context"
	"errors"
	"math"
	"net/netip"
	"time"

	"github.com/NodePath81/fbping/internal/probe"
	"github.com/NodePath81/fbping/internal/util"
	"golang.org/x/time/rate"
)

// wouldBlockPause is slept after a sweep in which every send hit a full
// socket buffer.
const wouldBlockPause = time.Millisecond

type senderState int

const (
	senderAccumulating senderState = iota
	senderSending
	senderDraining
	senderDone
)

func (s senderState) String() string {
	switch s {
	case senderAccumulating:
		return "accumulating"
	case senderSending:
		return "sending"
	case senderDraining:
		return "draining"
	case senderDone:
		return "done"
	default:
		return "unknown"
	}
}

// Sender owns one raw socket and transmits the plans queued to it.
type Sender struct {
	id        int
	cfg       Config
	qos       uint8
	signature uint32
	src       netip.Addr
	ports     []uint16
	transport Transport
	plans     chan TestPlan
	logger    util.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	state   senderState
	stats   Stats
	failLog rate.Sometimes
}

func newSender(id int, cfg Config, qos uint8, signature uint32, src netip.Addr, missing map[int]struct{}, transport Transport, queueSize int, logger util.Logger) *Sender {
	ports := make([]uint16, 0, cfg.PortCount)
	for port := cfg.BasePort; port < cfg.BasePort+cfg.PortCount; port++ {
		if _, skip := missing[port]; skip {
			continue
		}
		ports = append(ports, uint16(port))
	}
	return &Sender{
		id:        id,
		cfg:       cfg,
		qos:       qos,
		signature: signature,
		src:       src,
		ports:     ports,
		transport: transport,
		plans:     make(chan TestPlan, queueSize),
		logger:    logger.With("sender_id", id),
		now:       time.Now,
		sleep:     sleepContext,
		failLog:   rate.Sometimes{Interval: time.Second},
	}
}

// enqueue hands a plan to the sender without blocking.
func (s *Sender) enqueue(plan TestPlan) bool {
	select {
	case s.plans <- plan:
		return true
	default:
		return false
	}
}

func (s *Sender) run(ctx context.Context) error {
	conn, err := s.transport.OpenSender(s.qos, s.cfg.SocketBufferSize)
	if err != nil {
		return err
	}
	defer conn.Close()

	plans, err := s.accumulate(ctx)
	if err != nil {
		return err
	}

	s.state = senderSending
	if err := s.sendAll(ctx, conn, plans); err != nil {
		return err
	}

	s.state = senderDraining
	if err := s.sleep(ctx, s.cfg.Cooldown); err != nil {
		return err
	}
	s.state = senderDone
	s.logger.Debug("sender finished", "sent", s.stats.Sent, "failed", s.stats.SendFailed, "sweeps", s.stats.Sweeps)
	return nil
}

// accumulate collects plans until the stop plan arrives.
func (s *Sender) accumulate(ctx context.Context) ([]*TestPlan, error) {
	s.state = senderAccumulating
	var plans []*TestPlan
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case plan, ok := <-s.plans:
			if !ok || plan.isStop() {
				return plans, nil
			}
			p := plan
			plans = append(plans, &p)
		}
	}
}

func (s *Sender) sendAll(ctx context.Context, conn PacketWriter, plans []*TestPlan) error {
	if len(plans) == 0 {
		return nil
	}
	if s.src.IsLoopback() {
		s.logger.Error("source address is loopback, not sending", "src", s.src)
		return nil
	}
	if len(s.ports) == 0 {
		s.logger.Error("no usable source ports, not sending", "base_port", s.cfg.BasePort, "port_count", s.cfg.PortCount)
		return nil
	}

	buf := make([]byte, probe.PacketSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := s.now()
		var sent, failed, blocked int
		pending := false
		for _, plan := range plans {
			if plan.PacketsSent >= plan.NumPackets {
				continue
			}
			pending = true
			port := s.ports[plan.PacketsSent%len(s.ports)]
			plan.PacketsSent++
			err := s.sendProbe(conn, buf, plan, port)
			switch {
			case err == nil:
				sent++
			case errors.Is(err, ErrWouldBlock):
				plan.PacketsSent--
				blocked++
			default:
				failed++
				s.failLog.Do(func() {
					s.logger.Warn("probe send failed", "dst", plan.addr, "src_port", port, "error", err)
				})
			}
		}
		if !pending {
			return nil
		}

		s.stats.Sweeps++
		s.stats.Sent += uint64(sent)
		s.stats.SendFailed += uint64(failed)
		s.stats.WouldBlock += uint64(blocked)
		if failed > 0 {
			s.logger.Debug("sweep had send failures", "failed", failed, "sent", sent)
		}

		delay := throttleDelay(s.now().Sub(start), sent, s.cfg.Rate, s.cfg.NumSenders)
		if sent == 0 && blocked > 0 && delay < wouldBlockPause {
			delay = wouldBlockPause
		}
		if delay > 0 {
			if err := s.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
}

func (s *Sender) sendProbe(conn PacketWriter, buf []byte, plan *TestPlan, port uint16) error {
	hdr := probe.Header{SrcPort: port, DstPort: uint16(s.cfg.TargetPort)}
	body := probe.Body{
		Signature:      s.signature,
		PingerSentTime: microStamp(s.now()),
		TClass:         s.qos,
	}
	if err := probe.EncodeTo(buf, hdr, body, s.src, plan.addr); err != nil {
		return err
	}
	return conn.WriteTo(buf, plan.addr)
}

// throttleDelay returns how long a sender should pause after a sweep that
// sent `sent` packets in `elapsed` so that it stays at its share
// (rate/numSenders) of the global rate.
func throttleDelay(elapsed time.Duration, sent int, globalRate uint64, numSenders int) time.Duration {
	if sent <= 0 || globalRate == 0 {
		return 0
	}
	if numSenders < 1 {
		numSenders = 1
	}
	elapsedUs := elapsed.Microseconds()
	if elapsedUs < 1 {
		elapsedUs = 1
	}
	pps := math.Ceil(1e6 / float64(elapsedUs) * float64(sent))
	share := float64(globalRate) / float64(numSenders)
	if pps <= share {
		return 0
	}
	targetUs := int64(math.Ceil(float64(numSenders) * float64(sent) * 1e6 / float64(globalRate)))
	if wait := targetUs - elapsedUs; wait > 0 {
		return time.Duration(wait) * time.Microsecond
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
