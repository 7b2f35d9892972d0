package lib

import (
	"context"
	"math/bits"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/smallnest/ringbuffer"
)

// owner names a structure holding a reference to a connection record.
type owner uint8

const (
	ownerApp      owner = 1 << iota // the application handle returned by Dial/Accept/Listen
	ownerTable                      // the socket table
	ownerParent                     // a listener's SYN or accept queue
	ownerRetrans                    // the retransmission timer list
	ownerTimeWait                   // the time-wait timer list
)

type retransTimer struct {
	armed     bool
	remaining time.Duration
	timeout   time.Duration
	retries   int
}

type timeWaitTimer struct {
	armed     bool
	fired     bool
	remaining time.Duration
}

// Conn is a connection record. All fields below mu are guarded by it.
type Conn struct {
	stack *Stack
	mu    sync.Mutex

	id        FourTuple
	state     State
	listening bool
	ephemeral bool  // local port came from the stack's port pool
	parent    *Conn // non-owning back reference while queued on a listener

	// listener side
	backlog     int
	synQueue    []*Conn
	acceptQueue []*Conn

	// send side
	iss       uint32
	sndUna    uint32
	sndNxt    uint32
	advWnd    uint32 // window advertised by the peer
	sndWnd    uint32 // effective window: min(advWnd, cwnd*mss)
	sendQueue []*sendSegment

	// receive side
	rcvNxt      uint32
	rcvBuf      *ringbuffer.RingBuffer
	staged      map[uint32][]byte
	stagedBytes int
	finPending  bool
	finSeq      uint32
	peerClosed  bool
	lastAdvWnd  uint32

	cc       congestion
	retrans  retransTimer
	timeWait timeWaitTimer

	owners    owner
	freed     bool
	appClosed bool
	err       error
	waitCh    chan struct{}

	readDeadline  time.Time
	writeDeadline time.Time
}

func (s *Stack) newConn(id FourTuple, iss uint32) *Conn {
	c := &Conn{
		stack:  s,
		id:     id,
		state:  StateClosed,
		iss:    iss,
		sndUna: iss,
		sndNxt: iss,
		rcvBuf: ringbuffer.New(s.cfg.RecvBufferSize),
		staged: make(map[uint32][]byte),
		cc:     newCongestion(s.cfg.InitialCwnd, s.cfg.InitialSsthresh),
		waitCh: make(chan struct{}),
	}
	c.retrans.timeout = s.cfg.InitialRTO
	c.lastAdvWnd = c.rcvWindowLocked()
	return c
}

func (c *Conn) hold(o owner) {
	c.owners |= o
}

// release drops one owner. Releasing an owner that is not held does nothing,
// so a second close never double-decrements.
func (c *Conn) release(o owner) {
	c.owners &^= o
	c.maybeFreeLocked()
}

func (c *Conn) maybeFreeLocked() {
	if c.freed || c.owners != 0 || c.state != StateClosed {
		return
	}
	c.freed = true
	for _, seg := range c.sendQueue {
		c.stack.pool.put(seg.chunk)
	}
	c.sendQueue = nil
	c.staged = nil
	c.stagedBytes = 0
	if c.ephemeral {
		if err := c.stack.ports.returnPort(int(c.id.Local.Port())); err != nil {
			log.Warn().Err(err).Stringer("conn", c.id).Msg("return ephemeral port")
		}
	}
	log.Debug().Stringer("conn", c.id).Msg("connection released")
}

// wakeLocked resolves every pending wait on the connection.
func (c *Conn) wakeLocked() {
	close(c.waitCh)
	c.waitCh = make(chan struct{})
}

// waitLocked sleeps until the next wake, ctx cancellation or the deadline.
// It is entered and left with c.mu held.
func (c *Conn) waitLocked(ctx context.Context, deadline time.Time) error {
	ch := c.waitCh
	var expired <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return &TimeoutError{msg: "i/o timeout"}
		}
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}

	c.mu.Unlock()
	defer c.mu.Lock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		return &TimeoutError{msg: "i/o timeout"}
	}
}

func (c *Conn) setStateLocked(state State) {
	if c.state == state {
		return
	}
	log.Debug().Stringer("conn", c.id).Stringer("from", c.state).Stringer("to", state).Msg("state transition")
	c.state = state
	if state == StateClosed {
		c.teardownLocked()
	}
	c.wakeLocked()
}

// teardownLocked removes a closed connection from every structure that references it.
func (c *Conn) teardownLocked() {
	c.disarmRetransLocked()
	c.disarmTimeWaitLocked()
	if c.listening {
		c.stack.table.unhashListener(c)
	} else {
		c.stack.table.unhashEstablished(c)
	}
	c.detachFromParentLocked()
	c.release(ownerTable)
}

// abortLocked forces the connection to CLOSED. Every pending and future
// blocking call observes err.
func (c *Conn) abortLocked(err error, sendRST bool) {
	if c.state == StateClosed {
		return
	}
	if sendRST && !c.listening {
		c.sendResetLocked()
	}
	if c.err == nil {
		c.err = err
	}
	log.Info().Stringer("conn", c.id).Stringer("state", c.state).Err(err).Msg("connection aborted")
	c.setStateLocked(StateClosed)
}

func (c *Conn) detachFromParentLocked() {
	p := c.parent
	if p == nil {
		return
	}
	c.parent = nil

	p.mu.Lock()
	found := p.removeChildLocked(c)
	p.mu.Unlock()

	if found {
		c.release(ownerParent)
	}
}

func (c *Conn) removeChildLocked(child *Conn) bool {
	for i, q := range c.synQueue {
		if q == child {
			c.synQueue = append(c.synQueue[:i], c.synQueue[i+1:]...)
			return true
		}
	}
	for i, q := range c.acceptQueue {
		if q == child {
			c.acceptQueue = append(c.acceptQueue[:i], c.acceptQueue[i+1:]...)
			return true
		}
	}
	return false
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Refs returns how many structures currently hold the record.
func (c *Conn) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bits.OnesCount8(uint8(c.owners))
}

// CongestionWindow returns cwnd in segments.
func (c *Conn) CongestionWindow() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cc.cwnd
}

func (c *Conn) RcvNxt() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rcvNxt
}

func (c *Conn) SndWnd() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sndWnd
}

// RetransTimeout returns the timeout the retransmission timer is armed with.
func (c *Conn) RetransTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retrans.timeout
}

func (c *Conn) ID() FourTuple {
	return c.id
}
