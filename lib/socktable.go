package lib

import (
	"fmt"
	"net/netip"
	"sync"
)

// FourTuple identifies a connection from the local side.
type FourTuple struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

func (ft FourTuple) String() string {
	return fmt.Sprintf("%s-%s", ft.Local, ft.Remote)
}

// reverse is the tuple as seen by the peer.
func (ft FourTuple) reverse() FourTuple {
	return FourTuple{Local: ft.Remote, Remote: ft.Local}
}

// sockTable indexes live connections by 4-tuple and listeners by local port.
type sockTable struct {
	mu          sync.RWMutex
	established map[FourTuple]*Conn
	listeners   map[uint16]*Conn
}

func newSockTable() *sockTable {
	return &sockTable{
		established: make(map[FourTuple]*Conn),
		listeners:   make(map[uint16]*Conn),
	}
}

// lookup finds the connection a segment addressed to local from remote belongs to.
// An exact 4-tuple match wins over a listener on the local port.
func (t *sockTable) lookup(local, remote netip.AddrPort) *Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.established[FourTuple{Local: local, Remote: remote}]; ok {
		return c
	}
	if l, ok := t.listeners[local.Port()]; ok {
		if !l.id.Local.Addr().IsValid() || l.id.Local.Addr().IsUnspecified() || l.id.Local.Addr() == local.Addr() {
			return l
		}
	}
	return nil
}

func (t *sockTable) hashEstablished(c *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.established[c.id]; ok {
		return false
	}
	t.established[c.id] = c
	return true
}

func (t *sockTable) unhashEstablished(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.established[c.id] == c {
		delete(t.established, c.id)
	}
}

func (t *sockTable) hashListener(c *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	port := c.id.Local.Port()
	if _, ok := t.listeners[port]; ok {
		return false
	}
	t.listeners[port] = c
	return true
}

func (t *sockTable) unhashListener(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	port := c.id.Local.Port()
	if t.listeners[port] == c {
		delete(t.listeners, port)
	}
}

// portInUse reports whether a listener or any connection uses the local port.
func (t *sockTable) portInUse(port uint16) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.listeners[port]; ok {
		return true
	}
	for id := range t.established {
		if id.Local.Port() == port {
			return true
		}
	}
	return false
}

// snapshot returns every hashed connection and listener.
func (t *sockTable) snapshot() []*Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conns := make([]*Conn, 0, len(t.established)+len(t.listeners))
	for _, c := range t.established {
		conns = append(conns, c)
	}
	for _, l := range t.listeners {
		conns = append(conns, l)
	}
	return conns
}

func (t *sockTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.established) + len(t.listeners)
}
