package lib

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"
)

// Listener is a passive-open endpoint. Connections completing the handshake
// wait in its accept queue until Accept hands them out.
type Listener struct {
	c *Conn
}

// Accept waits for the next established connection.
func (l *Listener) Accept() (*Conn, error) {
	return l.AcceptContext(context.Background())
}

// AcceptContext waits for the next established connection or ctx cancellation.
func (l *Listener) AcceptContext(ctx context.Context) (*Conn, error) {
	c := l.c

	c.mu.Lock()
	for len(c.acceptQueue) == 0 {
		if c.state != StateListen {
			c.mu.Unlock()
			return nil, ErrListenerClosed
		}
		if err := c.waitLocked(ctx, time.Time{}); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	child := c.acceptQueue[0]
	c.acceptQueue = c.acceptQueue[1:]
	c.mu.Unlock()

	child.mu.Lock()
	child.hold(ownerApp)
	child.parent = nil
	child.release(ownerParent)
	child.mu.Unlock()

	log.Debug().Stringer("conn", child.id).Msg("connection accepted")
	return child, nil
}

// Close stops listening and resets every connection still queued on the listener.
func (l *Listener) Close() error {
	c := l.c

	c.mu.Lock()
	if c.owners&ownerApp == 0 {
		c.mu.Unlock()
		return nil
	}
	children := make([]*Conn, 0, len(c.synQueue)+len(c.acceptQueue))
	children = append(children, c.synQueue...)
	children = append(children, c.acceptQueue...)
	c.setStateLocked(StateClosed)
	c.release(ownerApp)
	c.mu.Unlock()

	for _, child := range children {
		child.mu.Lock()
		child.abortLocked(ErrListenerClosed, true)
		child.mu.Unlock()
	}

	log.Info().Stringer("addr", c.id.Local).Int("reset", len(children)).Msg("listener closed")
	return nil
}

func (l *Listener) Addr() net.Addr {
	return tcpAddr(l.c.id.Local)
}

func (l *Listener) AddrPort() netip.AddrPort {
	return l.c.id.Local
}

// AcceptQueueLen returns the number of established connections waiting for Accept.
func (l *Listener) AcceptQueueLen() int {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	return len(l.c.acceptQueue)
}

// SynQueueLen returns the number of connections still in the handshake.
func (l *Listener) SynQueueLen() int {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	return len(l.c.synQueue)
}

func (l *Listener) State() State {
	return l.c.State()
}

// Read reads in-order bytes, returning io.EOF once the peer's FIN has been consumed.
func (c *Conn) Read(b []byte) (int, error) {
	return c.read(context.Background(), b)
}

func (c *Conn) ReadContext(ctx context.Context, b []byte) (int, error) {
	return c.read(ctx, b)
}

// Write blocks until all of b has been queued for sending or an error occurs.
func (c *Conn) Write(b []byte) (int, error) {
	return c.write(context.Background(), b)
}

func (c *Conn) WriteContext(ctx context.Context, b []byte) (int, error) {
	return c.write(ctx, b)
}

// Close starts the graceful close and releases the application's handle.
// It does not wait for the FIN exchange; closing twice does nothing.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.owners&ownerApp == 0 {
		return nil
	}
	c.closeLocked()
	c.appClosed = true
	c.wakeLocked()
	c.release(ownerApp)
	return nil
}

// Abort resets the connection immediately.
func (c *Conn) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.abortLocked(ErrConnClosed, true)
	c.appClosed = true
	c.release(ownerApp)
	return nil
}
