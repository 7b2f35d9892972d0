package lib

import (
	"net"
	"net/netip"
	"time"
)

// TimeoutError is returned by blocking calls whose deadline passed.
// It satisfies net.Error.
type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return false
}

func (c *Conn) LocalAddr() net.Addr {
	return tcpAddr(c.id.Local)
}

func (c *Conn) RemoteAddr() net.Addr {
	return tcpAddr(c.id.Remote)
}

func tcpAddr(ap netip.AddrPort) *net.TCPAddr {
	return net.TCPAddrFromAddrPort(ap)
}

func addrPort(ip net.IP, port uint16) netip.AddrPort {
	addr, _ := netip.AddrFromSlice(ip.To4())
	return netip.AddrPortFrom(addr, port)
}

func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	c.writeDeadline = t
	c.wakeLocked()
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	c.wakeLocked()
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline = t
	c.wakeLocked()
	return nil
}

var _ net.Conn = (*Conn)(nil)
var _ net.Listener = (*netListener)(nil)

// netListener adapts a Listener to net.Listener.
type netListener struct {
	*Listener
}

func (l netListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NetListener exposes l through the net.Listener interface.
func (l *Listener) NetListener() net.Listener {
	return &netListener{l}
}
