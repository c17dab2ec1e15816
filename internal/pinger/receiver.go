package pinger

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/NodePath81/fbping/internal/histogram"
	"github.com/NodePath81/fbping/internal/probe"
	"github.com/NodePath81/fbping/internal/util"
	"golang.org/x/time/rate"
)

// readBufferSize leaves room to notice replies longer than a probe body.
const readBufferSize = 2 * probe.BodySize

// ReceivedProbe is one accepted reply, handed to the receiver that owns the
// peer's site.
type ReceivedProbe struct {
	RTT  uint32
	Peer netip.Addr
}

type datagram struct {
	data      []byte
	peer      netip.AddrPort
	received  time.Time
	truncated bool
}

// Receiver binds the shared source port range and accounts replies for the
// sites that shard onto it. onMessage, consume and stop handling all run on
// the goroutine executing run.
type Receiver struct {
	id        int
	cfg       Config
	signature uint32
	transport Transport
	targets   map[netip.Addr]Target
	queues    []chan ReceivedProbe
	skipPorts map[int]struct{}
	logger    util.Logger
	now       func() time.Time

	bound    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	missing  []int

	hosts      map[netip.Addr]*histogram.Histogram
	shardCache map[string]int
	stats      Stats

	badSigLog  rate.Sometimes
	unknownLog rate.Sometimes
	dropLog    rate.Sometimes
	skewLog    rate.Sometimes
	readLog    rate.Sometimes
}

func newReceiver(id int, cfg Config, signature uint32, transport Transport, targets map[netip.Addr]Target, queues []chan ReceivedProbe, skipPorts map[int]struct{}, logger util.Logger) *Receiver {
	return &Receiver{
		id:         id,
		cfg:        cfg,
		signature:  signature,
		transport:  transport,
		targets:    targets,
		queues:     queues,
		skipPorts:  skipPorts,
		logger:     logger.With("receiver_id", id),
		now:        time.Now,
		bound:      make(chan struct{}),
		stopCh:     make(chan struct{}),
		hosts:      make(map[netip.Addr]*histogram.Histogram),
		shardCache: make(map[string]int),
		badSigLog:  rate.Sometimes{Interval: time.Second},
		unknownLog: rate.Sometimes{Interval: time.Second},
		dropLog:    rate.Sometimes{Interval: time.Second},
		skewLog:    rate.Sometimes{Interval: time.Second},
		readLog:    rate.Sometimes{Interval: time.Second},
	}
}

// Bound is closed once the receiver's sockets are bound.
func (r *Receiver) Bound() <-chan struct{} {
	return r.bound
}

// MissingPorts lists the ports this receiver failed to bind. Valid after
// Bound is closed.
func (r *Receiver) MissingPorts() []int {
	return r.missing
}

// stop ends the receive loop. Extra calls are no-ops.
func (r *Receiver) stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

func (r *Receiver) bind() []PacketReader {
	conns := make([]PacketReader, 0, r.cfg.PortCount)
	for port := r.cfg.BasePort; port < r.cfg.BasePort+r.cfg.PortCount; port++ {
		if _, skip := r.skipPorts[port]; skip {
			continue
		}
		conn, err := r.transport.BindPort(port, r.cfg.SocketBufferSize)
		if err != nil {
			r.logger.Debug("port bind failed", "port", port, "error", err)
			r.missing = append(r.missing, port)
			continue
		}
		conns = append(conns, conn)
	}
	return conns
}

func (r *Receiver) run(ctx context.Context) error {
	conns := r.bind()
	if len(conns) == 0 {
		r.logger.Warn("receiver has no bound ports")
	}
	close(r.bound)

	inbox := make(chan datagram, r.cfg.QueueSize)
	done := make(chan struct{})
	var readers sync.WaitGroup
	for _, conn := range conns {
		readers.Add(1)
		go func(c PacketReader) {
			defer readers.Done()
			r.readLoop(c, inbox, done)
		}(conn)
	}

	own := r.queues[r.id]
	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case <-r.stopCh:
			break loop
		case dg := <-inbox:
			r.onMessage(dg)
		case p := <-own:
			r.consume(p)
		}
	}

	close(done)
	for _, conn := range conns {
		_ = conn.Close()
	}
	readers.Wait()

	for {
		select {
		case dg := <-inbox:
			r.onMessage(dg)
		case p := <-own:
			r.consume(p)
		default:
			return runErr
		}
	}
}

func (r *Receiver) readLoop(conn PacketReader, inbox chan<- datagram, done <-chan struct{}) {
	for {
		buf := make([]byte, readBufferSize)
		d, err := conn.ReadDatagram(buf)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.readLog.Do(func() {
				r.logger.Warn("socket read failed", "error", err)
			})
			continue
		}
		received := d.Received
		if received.IsZero() {
			received = r.now()
		}
		n := d.N
		if n > len(buf) {
			n = len(buf)
		}
		select {
		case inbox <- datagram{data: buf[:n], peer: d.Peer, received: received, truncated: d.Truncated}:
		case <-done:
			return
		}
	}
}

func (r *Receiver) onMessage(dg datagram) {
	if dg.truncated || len(dg.data) < probe.BodySize {
		r.stats.Truncated++
		return
	}
	body, err := probe.Decode(dg.data)
	if err != nil {
		r.stats.Truncated++
		return
	}
	peer := dg.peer.Addr().Unmap().WithZone("")
	if body.Signature != r.signature {
		r.stats.BadSignature++
		r.badSigLog.Do(func() {
			r.logger.Debug("dropping reply with foreign signature", "peer", peer, "signature", body.Signature)
		})
		return
	}

	rtt, ok := correctedRTT(microStamp(dg.received), body)
	if !ok {
		r.stats.NegativeRTT++
		r.skewLog.Do(func() {
			r.logger.Warn("negative rtt clamped to zero", "peer", peer,
				"target_rcvd", body.TargetRcvdTime, "target_resp", body.TargetRespTime)
		})
	}

	target, found := r.targets[peer]
	if !found {
		r.stats.UnknownPeer++
		r.unknownLog.Do(func() {
			r.logger.Warn("reply from unexpected source", "peer", peer)
		})
		return
	}

	msg := ReceivedProbe{RTT: rtt, Peer: peer}
	shard := r.shardFor(target.Site)
	if shard == r.id {
		r.consume(msg)
		return
	}
	select {
	case r.queues[shard] <- msg:
		r.stats.Forwarded++
	default:
		r.stats.ForwardDropped++
		r.dropLog.Do(func() {
			r.logger.Warn("receiver queue full, dropping sample", "shard", shard, "peer", peer)
		})
	}
}

func (r *Receiver) shardFor(site string) int {
	if id, ok := r.shardCache[site]; ok {
		return id
	}
	id := ShardID(site, len(r.queues))
	r.shardCache[site] = id
	return id
}

func (r *Receiver) consume(p ReceivedProbe) {
	h, ok := r.hosts[p.Peer]
	if !ok {
		h = histogram.New(r.cfg.Histogram)
		r.hosts[p.Peer] = h
	}
	h.AddValue(p.RTT)
	r.stats.Accepted++
}

// drainQueue accounts samples forwarded to this receiver after run returned.
// Call once every receiver of the round has stopped.
func (r *Receiver) drainQueue() {
	own := r.queues[r.id]
	for {
		select {
		case p := <-own:
			r.consume(p)
		default:
			return
		}
	}
}

// correctedRTT returns the network round trip in microseconds: the time
// from send to kernel receipt minus the time the target held the probe.
// ok is false when the result is negative; the RTT is then clamped to 0.
func correctedRTT(recv uint32, body probe.Body) (uint32, bool) {
	total := int64(int32(recv - body.PingerSentTime))
	held := int64(int32(body.TargetRespTime - body.TargetRcvdTime))
	rtt := total - held
	if rtt < 0 {
		return 0, false
	}
	return uint32(rtt), true
}

type hostSummary struct {
	addr   netip.Addr
	result TestResult
	hist   *histogram.Histogram
}

// summarize turns the receiver's histograms into results. Call after run
// has returned.
func (r *Receiver) summarize(qos uint8) []hostSummary {
	ts := r.now().Unix()
	out := make([]hostSummary, 0, len(r.hosts))
	for addr, h := range r.hosts {
		target, ok := r.targets[addr]
		if !ok {
			r.logger.Warn("skipping samples for unknown host", "peer", addr)
			continue
		}
		out = append(out, hostSummary{
			addr:   addr,
			result: resultFromHistogram(h, target, qos, ts),
			hist:   h,
		})
	}
	r.hosts = make(map[netip.Addr]*histogram.Histogram)
	return out
}
