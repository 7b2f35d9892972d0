package lib

import "math"

// congestion is the per-connection congestion controller. cwnd and ssthresh
// are measured in segments.
type congestion struct {
	state    CongState
	cwnd     float64
	ssthresh float64
	dupAcks  int

	recoveryPoint  uint32
	recoveryHalved bool
	lossPoint      uint32
}

// ccVerdict tells the caller what the controller wants done after an ACK.
type ccVerdict struct {
	retransmit bool
	wake       bool
}

const fastRetransmitThreshold = 3

func newCongestion(cwnd, ssthresh float64) congestion {
	return congestion{
		state:    CongOpen,
		cwnd:     cwnd,
		ssthresh: ssthresh,
	}
}

// grow applies slow start below ssthresh and congestion avoidance above it.
func (cc *congestion) grow() {
	if cc.cwnd < cc.ssthresh {
		cc.cwnd++
	} else {
		cc.cwnd += 1 / cc.cwnd
	}
}

func halve(v float64) float64 {
	return math.Max(math.Floor(v/2), 1)
}

// onAck updates the controller for one pure acknowledgment. newAck is set
// when the ACK advanced snd_una; dup when it repeated snd_una with data
// still outstanding and an unchanged window. OPEN, DISORDER and LOSS grow
// cwnd on every pure ACK, duplicates included.
func (cc *congestion) onAck(ack uint32, newAck, dup bool, sndNxt uint32) ccVerdict {
	var v ccVerdict

	switch cc.state {
	case CongOpen:
		cc.grow()
		if dup {
			cc.dupAcks++
			cc.state = CongDisorder
		}

	case CongDisorder:
		// DISORDER is left only into RECOVERY
		cc.grow()
		if dup {
			cc.dupAcks++
			if cc.dupAcks >= fastRetransmitThreshold {
				cc.ssthresh = halve(cc.cwnd)
				cc.cwnd = math.Max(cc.cwnd-0.5, 1)
				cc.recoveryPoint = sndNxt
				cc.recoveryHalved = false
				cc.state = CongRecovery
				v.retransmit = true
			}
		}

	case CongRecovery:
		if !cc.recoveryHalved {
			if cc.cwnd > cc.ssthresh {
				cc.cwnd = math.Max(cc.cwnd/2, 1)
			}
			cc.recoveryHalved = true
		}
		if newAck {
			if SeqGreaterOrEqual(ack, cc.recoveryPoint) {
				cc.dupAcks = 0
				cc.state = CongOpen
			} else {
				// partial ack: the next hole is still missing
				v.retransmit = true
			}
		} else if dup {
			cc.dupAcks++
			v.wake = true
		}

	case CongLoss:
		cc.grow()
		if newAck {
			if SeqGreaterOrEqual(ack, cc.lossPoint) {
				cc.dupAcks = 0
				cc.state = CongOpen
			}
		} else if dup {
			cc.dupAcks++
		}
	}

	return v
}

// onTimeout reacts to a retransmission timeout.
func (cc *congestion) onTimeout(sndNxt uint32) {
	cc.ssthresh = halve(cc.cwnd)
	cc.cwnd = math.Max(cc.cwnd/2, 1)
	cc.lossPoint = sndNxt
	cc.dupAcks = 0
	cc.state = CongLoss
}
