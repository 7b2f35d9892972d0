package lib

import (
	"context"
	"io"

	"github.com/rs/zerolog/log"
)

// rcvWindowLocked is the free space of the in-order receive buffer, capped
// to what the 16-bit window field can carry.
func (c *Conn) rcvWindowLocked() uint32 {
	return uint32(min(c.rcvBuf.Free(), MaxWindow))
}

// seqAcceptableLocked reports whether seg overlaps the receive window.
// A closed window still admits the segment starting exactly at rcv_nxt.
func (c *Conn) seqAcceptableLocked(seg *Segment) bool {
	wnd := max(c.rcvWindowLocked(), 1)
	return SeqLess(seg.Seq, SeqIncrementBy(c.rcvNxt, wnd)) && SeqLessOrEqual(c.rcvNxt, seg.End())
}

// stageLocked keeps the longer of two runs starting at the same sequence number.
func (c *Conn) stageLocked(seq uint32, data []byte) {
	old, ok := c.staged[seq]
	if ok && len(old) >= len(data) {
		return
	}
	c.staged[seq] = data
	c.stagedBytes += len(data) - len(old)
}

// receiveLocked stages the payload of seg and notes its FIN. Data already
// delivered is trimmed. It reports false when the segment had to be dropped
// because buffered plus staged bytes would exceed the receive capacity.
func (c *Conn) receiveLocked(seg *Segment) bool {
	payload, seq := seg.Payload, seg.Seq
	if SeqLess(seq, c.rcvNxt) {
		trim := int(seqDiff(c.rcvNxt, seq))
		payload = payload[min(trim, len(payload)):]
		seq = c.rcvNxt
	}

	if len(payload) > 0 {
		limit := c.stack.cfg.RecvBufferSize + c.stack.cfg.StagingSize
		if c.rcvBuf.Length()+c.stagedBytes+len(payload) > limit {
			log.Debug().Stringer("conn", c.id).Uint32("seq", seq).Int("len", len(payload)).Msg("receive capacity exceeded, dropping segment")
			return false
		}
		c.stageLocked(seq, payload)
	}

	if seg.has(FINFlag) && !c.finPending && !c.peerClosed {
		c.finPending = true
		c.finSeq = SeqIncrementBy(seg.Seq, uint32(len(seg.Payload)))
	}
	return true
}

// nextStagedLocked finds a staged run that starts at or before rcv_nxt.
func (c *Conn) nextStagedLocked() (uint32, []byte, bool) {
	for seq, data := range c.staged {
		if SeqLessOrEqual(seq, c.rcvNxt) {
			return seq, data, true
		}
	}
	return 0, nil, false
}

// drainStagedLocked moves contiguous staged data into the receive buffer,
// advancing rcv_nxt only by what fit. It reports whether anything moved.
func (c *Conn) drainStagedLocked() bool {
	moved := false
	for c.rcvBuf.Free() > 0 {
		seq, data, ok := c.nextStagedLocked()
		if !ok {
			break
		}
		delete(c.staged, seq)
		c.stagedBytes -= len(data)

		skip := int(seqDiff(c.rcvNxt, seq))
		if skip >= len(data) {
			continue
		}
		data = data[skip:]

		n, err := c.rcvBuf.Write(data[:min(len(data), c.rcvBuf.Free())])
		if err != nil {
			log.Error().Err(err).Stringer("conn", c.id).Msg("receive buffer write")
		}
		c.rcvNxt = SeqIncrementBy(c.rcvNxt, uint32(n))
		if n > 0 {
			moved = true
		}
		if n < len(data) {
			c.stageLocked(c.rcvNxt, data[n:])
		}
	}
	if moved {
		c.wakeLocked()
	}
	return moved
}

// read copies buffered in-order bytes into b, blocking until data, EOF or an error.
func (c *Conn) read(ctx context.Context, b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(b) == 0 {
		return 0, nil
	}

	for {
		if c.appClosed {
			return 0, ErrConnClosed
		}

		if c.rcvBuf.Length() > 0 {
			n, err := c.rcvBuf.Read(b)
			if err != nil {
				return n, err
			}
			c.afterReadLocked()
			return n, nil
		}

		if c.err != nil {
			return 0, c.err
		}
		if c.peerClosed {
			return 0, io.EOF
		}
		if c.state == StateClosed {
			return 0, ErrConnClosed
		}

		if err := c.waitLocked(ctx, c.readDeadline); err != nil {
			return 0, err
		}
	}
}

// afterReadLocked refills the receive buffer from staging and tells the peer
// when the window has grown by at least one MSS or rcv_nxt moved.
func (c *Conn) afterReadLocked() {
	moved := c.drainStagedLocked()
	finConsumed := c.consumeFinLocked()

	switch c.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
	default:
		if !finConsumed {
			return
		}
	}

	grown := c.rcvWindowLocked() >= c.lastAdvWnd+uint32(c.stack.cfg.MSS)
	if moved || finConsumed || grown || c.lastAdvWnd == 0 {
		c.sendAckLocked()
	}
}
