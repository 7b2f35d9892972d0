// Package rawip carries segments of a lib.Stack over raw IPv4. Linux uses a
// raw socket for both directions, macOS captures inbound packets with
// libpcap and Windows goes through WinDivert. All of them need root,
// CAP_NET_RAW or Administrator.
package rawip

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/Jia040223/UCAS-Computer-Network/filter"
	"github.com/Jia040223/UCAS-Computer-Network/lib"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
)

const (
	maxPacketSize = 65535
	readTimeout   = 500 * time.Millisecond
	defaultTTL    = 64
)

type rule struct {
	server bool
	addr   string
	port   int
}

// Endpoint is a raw IPv4 socket bound to one local address. It implements
// lib.Transport.
type Endpoint struct {
	link       packetLink
	localIP    net.IP
	protocolID int

	filter  filter.Filter
	rulesMu sync.Mutex
	rules   map[rule]struct{}

	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// Listen opens the platform packet link for protocolID on localIP. f may be
// nil, in which case kernel RSTs are left alone.
func Listen(localIP string, protocolID int, f filter.Filter) (*Endpoint, error) {
	ip := net.ParseIP(localIP).To4()
	if ip == nil {
		return nil, errors.Errorf("invalid IPv4 address %q", localIP)
	}

	l, err := openLink(ip, protocolID)
	if err != nil {
		return nil, err
	}

	log.Info().Str("addr", localIP).Int("protocol", protocolID).Msg("raw endpoint listening")
	return newEndpoint(l, ip, protocolID, f), nil
}

func newEndpoint(l packetLink, ip net.IP, protocolID int, f filter.Filter) *Endpoint {
	return &Endpoint{
		link:        l,
		localIP:     ip,
		protocolID:  protocolID,
		filter:      f,
		rules:       make(map[rule]struct{}),
		closeSignal: make(chan struct{}),
	}
}

// LocalIP returns the address the endpoint is bound to.
func (e *Endpoint) LocalIP() net.IP {
	return e.localIP
}

// SendPacket writes one TCP segment to dst behind a fresh IPv4 header.
func (e *Endpoint) SendPacket(dst net.IP, b []byte) error {
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(b),
		Flags:    ipv4.DontFragment,
		TTL:      defaultTTL,
		Protocol: e.protocolID,
		Src:      e.localIP,
		Dst:      dst.To4(),
	}
	if err := e.link.writePacket(h, b); err != nil {
		return errors.Wrapf(err, "write to %s", dst)
	}
	return nil
}

// deliverer is the part of lib.Stack the serve loop feeds.
type deliverer interface {
	OwnsPort(port uint16) bool
	DeliverPacket(src, dst net.IP, b []byte)
}

// Start feeds inbound packets addressed to ports owned by s into the stack
// until Close is called.
func (e *Endpoint) Start(s *lib.Stack) {
	e.start(s)
}

func (e *Endpoint) start(d deliverer) {
	e.wg.Add(1)
	go e.serve(d)
}

func (e *Endpoint) serve(d deliverer) {
	defer e.wg.Done()

	buf := make([]byte, maxPacketSize)
	for {
		select {
		case <-e.closeSignal:
			return
		default:
		}

		src, dst, payload, err := e.link.readPacket(buf)
		if err == errNoPacket {
			continue
		}
		if err != nil {
			select {
			case <-e.closeSignal:
				return
			default:
			}
			log.Warn().Err(err).Msg("raw endpoint read")
			continue
		}

		port, ok := destinationPort(payload)
		if !dst.Equal(e.localIP) || !ok || !d.OwnsPort(port) {
			e.pass()
			continue
		}
		d.DeliverPacket(src, dst, payload)
	}
}

// pass returns an unowned packet to the host stack on links that captured it.
func (e *Endpoint) pass() {
	p, ok := e.link.(passer)
	if !ok {
		return
	}
	if err := p.passLast(); err != nil {
		log.Warn().Err(err).Msg("pass packet to host stack")
	}
}

// destinationPort extracts the destination port of a TCP header.
func destinationPort(b []byte) (uint16, bool) {
	if len(b) < lib.TcpHeaderLength {
		return 0, false
	}
	return binary.BigEndian.Uint16(b[2:4]), true
}

func (e *Endpoint) protect(r rule) error {
	if e.filter == nil {
		return nil
	}
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	if _, ok := e.rules[r]; ok {
		return nil
	}

	var err error
	if r.server {
		err = e.filter.AddTcpServerFiltering(r.addr, r.port)
	} else {
		err = e.filter.AddTcpClientFiltering(r.addr, r.port)
	}
	if err != nil {
		return errors.Wrapf(err, "install RST filter for %s:%d", r.addr, r.port)
	}
	e.rules[r] = struct{}{}
	return nil
}

// ProtectServer keeps the kernel from resetting connections to a local
// listening port it does not know about.
func (e *Endpoint) ProtectServer(port uint16) error {
	return e.protect(rule{server: true, addr: e.localIP.String(), port: int(port)})
}

// ProtectClient keeps the kernel from resetting segments arriving from a
// remote server this endpoint dials.
func (e *Endpoint) ProtectClient(remote net.IP, port uint16) error {
	return e.protect(rule{addr: remote.String(), port: int(port)})
}

// Close stops Serve, removes the installed filter rules and closes the socket.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closeSignal)
		err = e.link.close()
		e.wg.Wait()

		if e.filter == nil {
			return
		}
		e.rulesMu.Lock()
		for r := range e.rules {
			var rerr error
			if r.server {
				rerr = e.filter.RemoveTcpServerFiltering(r.addr, r.port)
			} else {
				rerr = e.filter.RemoveTcpClientFiltering(r.addr, r.port)
			}
			if rerr != nil {
				log.Warn().Err(rerr).Str("addr", r.addr).Int("port", r.port).Msg("remove RST filter")
			}
		}
		e.rules = make(map[rule]struct{})
		e.rulesMu.Unlock()

		if ferr := e.filter.FinishFiltering(); ferr != nil {
			log.Warn().Err(ferr).Msg("finish RST filtering")
		}
	})
	return err
}

var _ lib.Transport = (*Endpoint)(nil)
