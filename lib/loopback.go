package lib

import (
	"net"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Jia040223/UCAS-Computer-Network/config"
)

// Loopback is an in-memory network joining several stacks by IPv4 address.
// Packets are delivered asynchronously and in order by one goroutine.
type Loopback struct {
	mu     sync.RWMutex
	stacks map[netip.Addr]*Stack
	drop   func(src, dst net.IP, b []byte) bool

	queue       chan loopbackPacket
	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

type loopbackPacket struct {
	src, dst net.IP
	b        []byte
}

func NewLoopback() *Loopback {
	l := &Loopback{
		stacks:      make(map[netip.Addr]*Stack),
		queue:       make(chan loopbackPacket, 4096),
		closeSignal: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.deliver()
	return l
}

// SetDropFunc installs a filter that loses packets in flight.
func (l *Loopback) SetDropFunc(f func(src, dst net.IP, b []byte) bool) {
	l.mu.Lock()
	l.drop = f
	l.mu.Unlock()
}

// NewStack creates a stack reachable at ip on this network.
func (l *Loopback) NewStack(ip netip.Addr, cfg *config.Config, opts ...Option) (*Stack, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.stacks[ip]; ok {
		return nil, errors.Errorf("loopback: address %s already attached", ip)
	}
	s, err := NewStack(cfg, &loopbackEndpoint{lb: l, src: net.IP(ip.AsSlice())}, opts...)
	if err != nil {
		return nil, err
	}
	l.stacks[ip] = s
	return s, nil
}

func (l *Loopback) deliver() {
	defer l.wg.Done()
	for {
		select {
		case <-l.closeSignal:
			return
		case p := <-l.queue:
			l.mu.RLock()
			drop := l.drop
			addr, _ := netip.AddrFromSlice(p.dst.To4())
			s := l.stacks[addr]
			l.mu.RUnlock()

			if drop != nil && drop(p.src, p.dst, p.b) {
				continue
			}
			if s == nil {
				log.Debug().Stringer("dst", p.dst).Msg("loopback: no stack for destination")
				continue
			}
			s.DeliverPacket(p.src, p.dst, p.b)
		}
	}
}

// Close stops delivery. Attached stacks are not closed.
func (l *Loopback) Close() {
	l.closeOnce.Do(func() {
		close(l.closeSignal)
		l.wg.Wait()
	})
}

type loopbackEndpoint struct {
	lb  *Loopback
	src net.IP
}

func (e *loopbackEndpoint) SendPacket(dst net.IP, b []byte) error {
	p := loopbackPacket{src: e.src, dst: dst, b: append([]byte(nil), b...)}
	select {
	case e.lb.queue <- p:
		return nil
	case <-e.lb.closeSignal:
		return errors.New("loopback closed")
	}
}
