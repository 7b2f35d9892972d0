package lib

import "github.com/pkg/errors"

var (
	ErrConnReset           = errors.New("connection reset by peer")
	ErrConnRefused         = errors.New("connection refused")
	ErrRetransmitExhausted = errors.New("connection reset: retransmission limit reached")
	ErrConnClosed          = errors.New("use of closed connection")
	ErrListenerClosed      = errors.New("listener closed")
	ErrAddrInUse           = errors.New("address already in use")
	ErrBacklogFull         = errors.New("backlog full")
	ErrBadChecksum         = errors.New("segment checksum mismatch")
	ErrNoPortAvailable     = errors.New("no ephemeral port available")
	ErrNotConnected        = errors.New("connection not established")
	ErrStackClosed         = errors.New("stack closed")
)

// IsReset reports whether err means the connection was torn down by a reset,
// either received from the peer or forced by retransmission exhaustion.
func IsReset(err error) bool {
	cause := errors.Cause(err)
	return cause == ErrConnReset || cause == ErrRetransmitExhausted
}
