package lib

// Flag constants
const (
	URGFlag uint8 = 1 << 5
	ACKFlag uint8 = 1 << 4
	PSHFlag uint8 = 1 << 3
	RSTFlag uint8 = 1 << 2
	SYNFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 0
)

const (
	TcpHeaderLength       = 20 //options not included
	TcpPseudoHeaderLength = 12
	MaxWindow             = 65535
)

// State is the TCP connection state.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRecv
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynRecv:     "SYN_RECV",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN_WAIT_1",
	StateFinWait2:    "FIN_WAIT_2",
	StateClosing:     "CLOSING",
	StateTimeWait:    "TIME_WAIT",
	StateCloseWait:   "CLOSE_WAIT",
	StateLastAck:     "LAST_ACK",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// CongState is the congestion controller state.
type CongState int

const (
	CongOpen CongState = iota
	CongDisorder
	CongRecovery
	CongLoss
)

func (s CongState) String() string {
	switch s {
	case CongOpen:
		return "OPEN"
	case CongDisorder:
		return "DISORDER"
	case CongRecovery:
		return "RECOVERY"
	case CongLoss:
		return "LOSS"
	}
	return "UNKNOWN"
}

// flagString renders flags the way tcpdump does, e.g. "SA" for SYN+ACK.
func flagString(flags uint8) string {
	b := make([]byte, 0, 6)
	if flags&SYNFlag != 0 {
		b = append(b, 'S')
	}
	if flags&FINFlag != 0 {
		b = append(b, 'F')
	}
	if flags&RSTFlag != 0 {
		b = append(b, 'R')
	}
	if flags&PSHFlag != 0 {
		b = append(b, 'P')
	}
	if flags&ACKFlag != 0 {
		b = append(b, 'A')
	}
	if flags&URGFlag != 0 {
		b = append(b, 'U')
	}
	if len(b) == 0 {
		return "."
	}
	return string(b)
}
