package lib

import (
	"context"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Jia040223/UCAS-Computer-Network/config"
)

// Transport carries serialized TCP segments to a peer IP address.
type Transport interface {
	SendPacket(dst net.IP, b []byte) error
}

// DropFunc decides whether an outbound segment is lost on purpose.
type DropFunc func(seg *Segment) bool

// Option customizes a Stack.
type Option func(*Stack)

// WithDropFunc installs a loss simulator on the outbound path.
func WithDropFunc(f DropFunc) Option {
	return func(s *Stack) {
		s.drop = f
	}
}

// WithManualTimers keeps the sweeper goroutines from starting. The caller
// drives time through Stack.Tick.
func WithManualTimers() Option {
	return func(s *Stack) {
		s.manualTimers = true
	}
}

type outPacket struct {
	seg *Segment
	b   []byte
}

// Stack is one instance of the transport engine: its socket table, timers,
// payload pool and the goroutine that hands segments to the Transport.
type Stack struct {
	cfg       *config.Config
	transport Transport

	table        *sockTable
	pool         *payloadPool
	ports        *PortPool
	retransList  *timerList
	timeWaitList *timerList

	drop         DropFunc
	manualTimers bool

	outMu     sync.Mutex
	outQueue  []outPacket
	outSignal chan struct{}

	closeSignal chan struct{}
	closeOnce   sync.Once
	closed      bool
	closedMu    sync.RWMutex
	wg          sync.WaitGroup
}

// NewStack starts an engine that writes segments through tr.
func NewStack(cfg *config.Config, tr Transport, opts ...Option) (*Stack, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "new stack")
	}
	if tr == nil {
		return nil, errors.New("new stack: nil transport")
	}

	s := &Stack{
		cfg:          cfg,
		transport:    tr,
		table:        newSockTable(),
		pool:         newPayloadPool(cfg.PayloadPoolSize, cfg.MSS),
		ports:        newPortPool(cfg.ClientPortLower, cfg.ClientPortUpper),
		retransList:  newTimerList(),
		timeWaitList: newTimerList(),
		outSignal:    make(chan struct{}, 1),
		closeSignal:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.drop == nil && cfg.PacketLostSimulation {
		s.drop = newLossSimulator()
	}

	s.wg.Add(1)
	go s.handleOutgoingPackets()

	if !s.manualTimers {
		s.wg.Add(2)
		go s.runSweeper(cfg.RetransScanInterval, s.sweepRetransmissions)
		go s.runSweeper(cfg.TimeWaitScanInterval, s.sweepTimeWait)
	}

	log.Info().Int("mss", cfg.MSS).Dur("rto", cfg.InitialRTO).Msg("TCP stack started")
	return s, nil
}

// Config returns the configuration the stack runs with.
func (s *Stack) Config() *config.Config {
	return s.cfg
}

// newLossSimulator drops one randomly chosen segment out of every ten.
func newLossSimulator() DropFunc {
	var (
		mu        sync.Mutex
		count     int
		lostCount int
	)
	return func(seg *Segment) bool {
		mu.Lock()
		defer mu.Unlock()

		if count == 0 {
			lostCount = rand.Intn(10)
		}
		lost := count == lostCount
		count = (count + 1) % 10
		return lost
	}
}

// output queues seg for transmission. It never blocks and may be called with
// connection locks held. The segment is serialized immediately so its payload
// chunk can be recycled before the packet leaves.
func (s *Stack) output(seg *Segment) {
	b, err := seg.Marshal()
	if err != nil {
		log.Error().Err(err).Stringer("seg", seg).Msg("marshal segment")
		return
	}
	seg.Payload = b[TcpHeaderLength:]

	s.outMu.Lock()
	s.outQueue = append(s.outQueue, outPacket{seg: seg, b: b})
	s.outMu.Unlock()

	select {
	case s.outSignal <- struct{}{}:
	default:
	}
}

func (s *Stack) popOutput() (outPacket, bool) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if len(s.outQueue) == 0 {
		return outPacket{}, false
	}
	p := s.outQueue[0]
	s.outQueue[0] = outPacket{}
	s.outQueue = s.outQueue[1:]
	return p, true
}

func (s *Stack) flushOutput() {
	for {
		p, ok := s.popOutput()
		if !ok {
			return
		}
		if s.drop != nil && s.drop(p.seg) {
			log.Debug().Stringer("seg", p.seg).Msg("segment dropped by loss simulation")
			continue
		}
		if err := s.transport.SendPacket(p.seg.DstIP, p.b); err != nil {
			log.Warn().Err(err).Stringer("seg", p.seg).Msg("send packet, skipping")
		}
	}
}

func (s *Stack) handleOutgoingPackets() {
	defer s.wg.Done()

	for {
		select {
		case <-s.closeSignal:
			s.flushOutput()
			return
		case <-s.outSignal:
			s.flushOutput()
		}
	}
}

// replyReset answers seg, which matched no usable connection, with a reset.
func (s *Stack) replyReset(seg *Segment) {
	if seg.has(RSTFlag) {
		return
	}
	rst := &Segment{
		SrcIP:   seg.DstIP,
		DstIP:   seg.SrcIP,
		SrcPort: seg.DstPort,
		DstPort: seg.SrcPort,
	}
	if seg.has(ACKFlag) {
		rst.Seq = seg.Ack
		rst.Flags = RSTFlag
	} else {
		rst.Ack = seg.End()
		rst.Flags = RSTFlag | ACKFlag
	}
	s.output(rst)
}

func (s *Stack) isClosed() bool {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	return s.closed
}

// DeliverSegment runs an inbound segment through the engine.
func (s *Stack) DeliverSegment(seg *Segment) {
	if s.isClosed() {
		return
	}
	local := addrPort(seg.DstIP, seg.DstPort)
	remote := addrPort(seg.SrcIP, seg.SrcPort)

	c := s.table.lookup(local, remote)
	if c == nil {
		log.Debug().Stringer("seg", seg).Msg("no connection for segment, sending reset")
		s.replyReset(seg)
		return
	}

	c.mu.Lock()
	c.process(seg)
	c.mu.Unlock()
}

// DeliverPacket parses a raw TCP segment received from src to dst and delivers it.
// Segments failing the checksum are dropped.
func (s *Stack) DeliverPacket(src, dst net.IP, b []byte) {
	seg, err := ParseSegment(src, dst, b)
	if err != nil {
		log.Debug().Err(err).Stringer("src", src).Msg("dropping inbound segment")
		return
	}
	s.DeliverSegment(seg)
}

// OwnsPort reports whether any listener or connection uses the local port.
func (s *Stack) OwnsPort(port uint16) bool {
	return s.table.portInUse(port)
}

// Tick advances both timer lists by the configured scan intervals.
func (s *Stack) Tick() {
	s.sweepRetransmissions(s.cfg.RetransScanInterval)
	s.sweepTimeWait(s.cfg.TimeWaitScanInterval)
}

// ConnCount returns the number of hashed connections and listeners.
func (s *Stack) ConnCount() int {
	return s.table.len()
}

func (s *Stack) allocatePort() (uint16, error) {
	for tries := s.ports.available(); tries > 0; tries-- {
		port, err := s.ports.allocatePort()
		if err != nil {
			return 0, err
		}
		if !s.table.portInUse(uint16(port)) {
			return uint16(port), nil
		}
		// a listener owns it; put it back at the tail and try the next one
		if err := s.ports.returnPort(port); err != nil {
			return 0, err
		}
	}
	return 0, ErrNoPortAvailable
}

// Listen opens a listener on addr accepting up to backlog pending connections.
func (s *Stack) Listen(addr netip.AddrPort, backlog int) (*Listener, error) {
	if s.isClosed() {
		return nil, ErrStackClosed
	}
	if backlog <= 0 {
		backlog = 1
	}

	c := s.newConn(FourTuple{Local: addr}, 0)
	c.listening = true
	c.backlog = backlog

	c.mu.Lock()
	defer c.mu.Unlock()
	if !s.table.hashListener(c) {
		return nil, errors.Wrapf(ErrAddrInUse, "listen %s", addr)
	}
	c.hold(ownerTable)
	c.hold(ownerApp)
	c.setStateLocked(StateListen)

	log.Info().Stringer("addr", addr).Int("backlog", backlog).Msg("listening")
	return &Listener{c: c}, nil
}

// Dial performs an active open from local to remote and blocks until the
// connection is established, reset, or ctx is done.
func (s *Stack) Dial(ctx context.Context, local netip.Addr, remote netip.AddrPort) (*Conn, error) {
	if s.isClosed() {
		return nil, ErrStackClosed
	}
	port, err := s.allocatePort()
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}
	iss, err := GenerateISN()
	if err != nil {
		_ = s.ports.returnPort(int(port))
		return nil, errors.Wrap(err, "dial")
	}

	c := s.newConn(FourTuple{Local: netip.AddrPortFrom(local, port), Remote: remote}, iss)
	c.ephemeral = true

	c.mu.Lock()
	defer c.mu.Unlock()

	if !s.table.hashEstablished(c) {
		_ = s.ports.returnPort(int(port))
		return nil, errors.Wrapf(ErrAddrInUse, "dial %s", c.id)
	}
	c.hold(ownerTable)
	c.hold(ownerApp)
	c.setStateLocked(StateSynSent)
	c.sendControlLocked(SYNFlag)

	for c.state == StateSynSent || c.state == StateSynRecv {
		if err := c.waitLocked(ctx, time.Time{}); err != nil {
			c.abortLocked(err, true)
			c.release(ownerApp)
			return nil, errors.Wrapf(err, "dial %s", remote)
		}
	}

	if c.state != StateEstablished && c.state != StateCloseWait {
		err := c.err
		if err == nil {
			err = ErrConnClosed
		}
		c.release(ownerApp)
		return nil, errors.Wrapf(err, "dial %s", remote)
	}

	log.Info().Stringer("conn", c.id).Msg("connection established")
	return c, nil
}

// Close aborts every connection and listener and stops the stack's goroutines.
func (s *Stack) Close() error {
	s.closeOnce.Do(func() {
		for _, c := range s.table.snapshot() {
			c.mu.Lock()
			c.abortLocked(ErrStackClosed, true)
			c.mu.Unlock()
		}

		s.closedMu.Lock()
		s.closed = true
		s.closedMu.Unlock()

		close(s.closeSignal)
		s.wg.Wait()
		log.Info().Msg("TCP stack closed")
	})
	return nil
}
