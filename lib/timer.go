package lib

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// timerList is the set of connections a sweeper scans.
type timerList struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
}

func newTimerList() *timerList {
	return &timerList{conns: make(map[*Conn]struct{})}
}

func (l *timerList) add(c *Conn) {
	l.mu.Lock()
	l.conns[c] = struct{}{}
	l.mu.Unlock()
}

func (l *timerList) remove(c *Conn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

func (l *timerList) snapshot() []*Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	conns := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	return conns
}

func (l *timerList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

func (c *Conn) armRetransLocked() {
	if c.retrans.armed {
		return
	}
	c.retrans.armed = true
	c.retrans.remaining = c.retrans.timeout
	c.stack.retransList.add(c)
	c.hold(ownerRetrans)
}

func (c *Conn) disarmRetransLocked() {
	if !c.retrans.armed {
		return
	}
	c.retrans.armed = false
	c.stack.retransList.remove(c)
	c.release(ownerRetrans)
}

// retransTimeoutLocked fires when the retransmission timer expires.
func (c *Conn) retransTimeoutLocked() {
	if c.retrans.retries >= c.stack.cfg.MaxRetransmissions {
		log.Warn().Stringer("conn", c.id).Int("retries", c.retrans.retries).Msg("retransmission limit reached, resetting")
		c.abortLocked(ErrRetransmitExhausted, true)
		return
	}

	c.cc.onTimeout(c.sndNxt)
	c.refreshWindowLocked()
	c.retrans.retries++
	c.retrans.timeout = c.stack.cfg.InitialRTO << c.retrans.retries
	c.retrans.remaining = c.retrans.timeout
	log.Debug().Stringer("conn", c.id).Int("retries", c.retrans.retries).Dur("rto", c.retrans.timeout).Msg("retransmission timeout")
	c.retransmitQueueLocked()
}

func (c *Conn) enterTimeWaitLocked() {
	c.setStateLocked(StateTimeWait)
	c.disarmRetransLocked()
	if c.timeWait.armed || c.timeWait.fired {
		return
	}
	c.timeWait.armed = true
	c.timeWait.remaining = c.stack.cfg.TimeWaitTimeout
	c.stack.timeWaitList.add(c)
	c.hold(ownerTimeWait)
}

func (c *Conn) disarmTimeWaitLocked() {
	if !c.timeWait.armed {
		return
	}
	c.timeWait.armed = false
	c.stack.timeWaitList.remove(c)
	c.release(ownerTimeWait)
}

// sweepRetransmissions advances every armed retransmission timer by elapsed.
func (s *Stack) sweepRetransmissions(elapsed time.Duration) {
	for _, c := range s.retransList.snapshot() {
		c.mu.Lock()
		if c.retrans.armed {
			c.retrans.remaining -= elapsed
			if c.retrans.remaining <= 0 {
				c.retransTimeoutLocked()
			}
		}
		c.mu.Unlock()
	}
}

// sweepTimeWait advances every TIME_WAIT timer by elapsed, closing expired connections.
func (s *Stack) sweepTimeWait(elapsed time.Duration) {
	for _, c := range s.timeWaitList.snapshot() {
		c.mu.Lock()
		if c.timeWait.armed {
			c.timeWait.remaining -= elapsed
			if c.timeWait.remaining <= 0 {
				c.timeWait.fired = true
				log.Debug().Stringer("conn", c.id).Msg("TIME_WAIT expired")
				c.setStateLocked(StateClosed)
			}
		}
		c.mu.Unlock()
	}
}

func (s *Stack) runSweeper(interval time.Duration, sweep func(time.Duration)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeSignal:
			return
		case <-ticker.C:
			sweep(interval)
		}
	}
}
