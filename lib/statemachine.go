package lib

import (
	"github.com/rs/zerolog/log"
)

// process runs one inbound segment through the state machine. c.mu is held.
func (c *Conn) process(seg *Segment) {
	if c.state == StateListen {
		c.processListen(seg)
		return
	}

	if seg.has(RSTFlag) {
		switch c.state {
		case StateClosed:
		case StateSynSent:
			log.Info().Stringer("conn", c.id).Msg("connection refused by peer")
			c.abortLocked(ErrConnRefused, false)
		default:
			log.Info().Stringer("conn", c.id).Stringer("state", c.state).Msg("connection reset by peer")
			c.abortLocked(ErrConnReset, false)
		}
		return
	}

	switch c.state {
	case StateClosed:
		c.stack.replyReset(seg)
	case StateSynSent:
		c.processSynSent(seg)
	case StateSynRecv:
		c.processSynRecv(seg)
	case StateTimeWait:
		log.Debug().Stringer("conn", c.id).Stringer("seg", seg).Msg("segment ignored in TIME_WAIT")
	default:
		c.processSynchronized(seg)
	}
}

// processListen handles a segment addressed to a listener. Only a SYN
// creates state; a stray ACK is answered with a reset.
func (c *Conn) processListen(seg *Segment) {
	switch {
	case seg.has(RSTFlag):
		return
	case seg.has(ACKFlag):
		c.stack.replyReset(seg)
		return
	case !seg.has(SYNFlag):
		return
	}

	if len(c.synQueue)+len(c.acceptQueue) >= c.backlog {
		log.Warn().Stringer("listener", c.id.Local).Int("backlog", c.backlog).Msg("backlog full, refusing connection")
		c.stack.replyReset(seg)
		return
	}

	iss, err := GenerateISN()
	if err != nil {
		log.Error().Err(err).Msg("generate ISN")
		return
	}

	id := FourTuple{Local: addrPort(seg.DstIP, seg.DstPort), Remote: addrPort(seg.SrcIP, seg.SrcPort)}
	child := c.stack.newConn(id, iss)
	// The child is not yet visible to anyone, so taking its lock under the
	// listener's cannot deadlock.
	child.mu.Lock()
	defer child.mu.Unlock()

	if !c.stack.table.hashEstablished(child) {
		log.Warn().Stringer("conn", id).Msg("duplicate connection on SYN")
		return
	}
	child.hold(ownerTable)
	child.hold(ownerParent)
	child.parent = c
	c.synQueue = append(c.synQueue, child)

	child.rcvNxt = SeqIncrement(seg.Seq)
	child.updateWindowLocked(seg.Window)
	child.setStateLocked(StateSynRecv)
	child.sendControlLocked(SYNFlag | ACKFlag)
}

func (c *Conn) processSynSent(seg *Segment) {
	switch {
	case seg.has(SYNFlag) && seg.has(ACKFlag):
		if !c.ackAcceptableLocked(seg.Ack) {
			c.stack.replyReset(seg)
			return
		}
		c.rcvNxt = SeqIncrement(seg.Seq)
		c.ackSendQueueLocked(seg.Ack)
		c.updateWindowLocked(seg.Window)
		c.setStateLocked(StateEstablished)
		c.sendAckLocked()

	case seg.has(SYNFlag):
		// simultaneous open: answer with our own SYN plus an ACK
		c.rcvNxt = SeqIncrement(seg.Seq)
		c.updateWindowLocked(seg.Window)
		if len(c.sendQueue) > 0 {
			c.sendQueue[0].flags = SYNFlag | ACKFlag
		}
		c.setStateLocked(StateSynRecv)
		c.retransmitQueueLocked()

	default:
		log.Debug().Stringer("conn", c.id).Stringer("seg", seg).Msg("unexpected segment in SYN_SENT")
	}
}

func (c *Conn) processSynRecv(seg *Segment) {
	if seg.has(SYNFlag) && !seg.has(ACKFlag) {
		// the peer did not see our SYN+ACK
		c.retransmitQueueLocked()
		return
	}
	if !seg.has(ACKFlag) {
		return
	}
	if !c.seqAcceptableLocked(seg) {
		c.sendAckLocked()
		return
	}
	if !c.ackAcceptableLocked(seg.Ack) {
		c.stack.replyReset(seg)
		return
	}

	c.ackSendQueueLocked(seg.Ack)
	c.updateWindowLocked(seg.Window)

	if p := c.parent; p != nil {
		p.mu.Lock()
		if p.state != StateListen || len(p.acceptQueue) >= p.backlog {
			p.mu.Unlock()
			log.Warn().Stringer("conn", c.id).Msg("accept queue full, resetting connection")
			c.abortLocked(ErrBacklogFull, true)
			return
		}
		p.removeChildLocked(c)
		p.acceptQueue = append(p.acceptQueue, c)
		c.setStateLocked(StateEstablished)
		p.wakeLocked()
		p.mu.Unlock()
	} else {
		c.setStateLocked(StateEstablished)
		if seg.has(SYNFlag) {
			c.sendAckLocked()
		}
	}

	if len(seg.Payload) > 0 || seg.has(FINFlag) {
		c.processSynchronized(seg)
	}
}

// processSynchronized handles segments once both sides have exchanged SYNs.
func (c *Conn) processSynchronized(seg *Segment) {
	if seg.has(SYNFlag) {
		// our ACK of the peer's SYN was lost
		c.sendAckLocked()
		return
	}
	if seg.Len() > 0 && SeqLessOrEqual(seg.End(), c.rcvNxt) {
		c.sendAckLocked()
		return
	}
	if !c.seqAcceptableLocked(seg) {
		c.sendAckLocked()
		return
	}
	if !seg.has(ACKFlag) {
		return
	}
	if SeqGreater(seg.Ack, c.sndNxt) {
		c.sendAckLocked()
		return
	}

	outstanding := c.sndUna != c.sndNxt
	dup := seg.Ack == c.sndUna && outstanding && seg.Len() == 0 && uint32(seg.Window) == c.advWnd
	newAck := c.ackSendQueueLocked(seg.Ack)
	c.updateWindowLocked(seg.Window)

	if seg.Len() == 0 {
		v := c.cc.onAck(seg.Ack, newAck, dup, c.sndNxt)
		c.refreshWindowLocked()
		if v.retransmit {
			c.retransmitQueueLocked()
		}
		if v.wake {
			c.wakeLocked()
		}
	}

	if c.sndUna == c.sndNxt {
		switch c.state {
		case StateFinWait1:
			c.setStateLocked(StateFinWait2)
		case StateClosing:
			c.enterTimeWaitLocked()
			return
		case StateLastAck:
			c.setStateLocked(StateClosed)
			return
		}
	}

	if seg.Len() == 0 {
		return
	}
	switch c.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
		c.receiveLocked(seg)
		c.drainStagedLocked()
		c.consumeFinLocked()
	}
	c.sendAckLocked()
}

// consumeFinLocked accepts the peer's FIN once every byte before it has been
// delivered to the receive buffer.
func (c *Conn) consumeFinLocked() bool {
	if !c.finPending || c.rcvNxt != c.finSeq {
		return false
	}
	c.finPending = false
	c.peerClosed = true
	c.rcvNxt = SeqIncrement(c.rcvNxt)

	switch c.state {
	case StateEstablished:
		c.setStateLocked(StateCloseWait)
	case StateFinWait1:
		if c.sndUna == c.sndNxt {
			c.enterTimeWaitLocked()
		} else {
			c.setStateLocked(StateClosing)
		}
	case StateFinWait2:
		c.enterTimeWaitLocked()
	}
	c.wakeLocked()
	return true
}

// closeLocked starts the graceful close for the application.
func (c *Conn) closeLocked() {
	switch c.state {
	case StateEstablished:
		c.setStateLocked(StateFinWait1)
		c.sendControlLocked(FINFlag | ACKFlag)
	case StateCloseWait:
		c.setStateLocked(StateLastAck)
		c.sendControlLocked(FINFlag | ACKFlag)
	case StateSynSent, StateSynRecv:
		c.abortLocked(ErrConnClosed, true)
	}
}
