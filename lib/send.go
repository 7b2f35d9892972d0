package lib

import (
	"context"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// sendSegment is one unacknowledged entry of the send queue. SYN and FIN
// occupy one unit of sequence space and carry no payload.
type sendSegment struct {
	seq    uint32
	flags  uint8
	length uint32 // sequence space consumed
	chunk  *rp.Element // nil for SYN and FIN
}

func (s *sendSegment) payload() []byte {
	return chunkBytes(s.chunk)
}

func (s *sendSegment) end() uint32 {
	return SeqIncrementBy(s.seq, s.length)
}

// newSegmentLocked builds an outbound segment for this connection, stamping
// the current rcv_nxt and receive window.
func (c *Conn) newSegmentLocked(seq uint32, flags uint8, payload []byte) *Segment {
	seg := &Segment{
		SrcIP:   c.id.Local.Addr().AsSlice(),
		DstIP:   c.id.Remote.Addr().AsSlice(),
		SrcPort: c.id.Local.Port(),
		DstPort: c.id.Remote.Port(),
		Seq:     seq,
		Flags:   flags,
		Payload: payload,
	}
	if flags&ACKFlag != 0 {
		seg.Ack = c.rcvNxt
	}
	wnd := c.rcvWindowLocked()
	seg.Window = uint16(wnd)
	c.lastAdvWnd = wnd
	return seg
}

// sendControlLocked queues and transmits a SYN or FIN carrying flags.
func (c *Conn) sendControlLocked(flags uint8) {
	seg := &sendSegment{seq: c.sndNxt, flags: flags, length: 1}
	c.sendQueue = append(c.sendQueue, seg)
	c.sndNxt = SeqIncrement(c.sndNxt)
	c.armRetransLocked()
	c.stack.output(c.newSegmentLocked(seg.seq, flags, nil))
}

func (c *Conn) sendAckLocked() {
	c.stack.output(c.newSegmentLocked(c.sndNxt, ACKFlag, nil))
}

func (c *Conn) sendResetLocked() {
	c.stack.output(c.newSegmentLocked(c.sndNxt, RSTFlag|ACKFlag, nil))
}

// sendDataLocked queues b, at most one MSS, as one data segment and transmits it.
func (c *Conn) sendDataLocked(b []byte) error {
	chunk, err := c.stack.pool.get(b)
	if err != nil {
		return errors.Wrapf(err, "send %s", c.id)
	}
	seg := &sendSegment{seq: c.sndNxt, flags: ACKFlag | PSHFlag, length: uint32(len(b)), chunk: chunk}
	c.sendQueue = append(c.sendQueue, seg)
	c.sndNxt = SeqIncrementBy(c.sndNxt, seg.length)
	c.armRetransLocked()
	c.stack.output(c.newSegmentLocked(seg.seq, seg.flags, seg.payload()))
	return nil
}

// retransmitQueueLocked resends every unacknowledged segment.
func (c *Conn) retransmitQueueLocked() {
	for _, seg := range c.sendQueue {
		c.stack.output(c.newSegmentLocked(seg.seq, seg.flags, seg.payload()))
	}
	log.Debug().Stringer("conn", c.id).Int("segments", len(c.sendQueue)).Msg("retransmitted send queue")
}

// ackAcceptableLocked reports whether ack covers new data: sndUna < ack <= sndNxt.
func (c *Conn) ackAcceptableLocked(ack uint32) bool {
	return seqInWindow(ack, SeqIncrement(c.sndUna), seqDiff(c.sndNxt, c.sndUna))
}

// ackSendQueueLocked releases every queued segment fully covered by ack and
// reports whether ack acknowledged anything new.
func (c *Conn) ackSendQueueLocked(ack uint32) bool {
	if !c.ackAcceptableLocked(ack) {
		return false
	}
	c.sndUna = ack

	i := 0
	for ; i < len(c.sendQueue); i++ {
		seg := c.sendQueue[i]
		if SeqGreater(seg.end(), ack) {
			break
		}
		c.stack.pool.put(seg.chunk)
	}
	c.sendQueue = c.sendQueue[i:]

	c.retrans.retries = 0
	c.retrans.timeout = c.stack.cfg.InitialRTO
	c.retrans.remaining = c.retrans.timeout
	if len(c.sendQueue) == 0 {
		c.disarmRetransLocked()
	}
	c.wakeLocked()
	return true
}

// updateWindowLocked records the peer's advertised window.
func (c *Conn) updateWindowLocked(window uint16) {
	c.advWnd = uint32(window)
	c.refreshWindowLocked()
}

// refreshWindowLocked recomputes snd_wnd from the advertised window and cwnd.
// Writers blocked on a closed window are woken when it reopens.
func (c *Conn) refreshWindowLocked() {
	old := c.sndWnd
	c.sndWnd = min(c.advWnd, uint32(c.cc.cwnd*float64(c.stack.cfg.MSS)))
	if old == 0 && c.sndWnd > 0 {
		c.wakeLocked()
	}
}

func (c *Conn) inFlightLocked() uint32 {
	return seqDiff(c.sndNxt, c.sndUna)
}

func (c *Conn) writableLocked() error {
	if c.appClosed {
		return ErrConnClosed
	}
	if c.err != nil {
		return c.err
	}
	switch c.state {
	case StateEstablished, StateCloseWait:
		return nil
	case StateSynSent, StateSynRecv:
		return ErrNotConnected
	default:
		return ErrConnClosed
	}
}

// write splits b into segments of at most one MSS, sending as much as the
// effective window allows and blocking while it is full.
func (c *Conn) write(ctx context.Context, b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	written := 0
	for written < len(b) {
		if err := c.writableLocked(); err != nil {
			return written, err
		}

		usable := int(c.sndWnd) - int(c.inFlightLocked())
		if usable <= 0 {
			if err := c.waitLocked(ctx, c.writeDeadline); err != nil {
				return written, err
			}
			continue
		}

		n := min(len(b)-written, c.stack.cfg.MSS, usable)
		if err := c.sendDataLocked(b[written : written+n]); err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}
