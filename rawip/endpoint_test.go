package rawip

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"

	"github.com/Jia040223/UCAS-Computer-Network/lib"
)

func TestDestinationPort(t *testing.T) {
	tests := []struct {
		name string
		b    []byte
		port uint16
		ok   bool
	}{
		{"short", []byte{0x1f, 0x90, 0x00, 0x50}, 0, false},
		{"http", append([]byte{0x1f, 0x90, 0x00, 0x50}, make([]byte, 16)...), 80, true},
		{"high port", append([]byte{0x00, 0x50, 0xea, 0x60}, make([]byte, 16)...), 60000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port, ok := destinationPort(tt.b)
			if ok != tt.ok || port != tt.port {
				t.Errorf("destinationPort = %d, %v; want %d, %v", port, ok, tt.port, tt.ok)
			}
		})
	}
}

type fakePacket struct {
	src, dst net.IP
	payload  []byte
}

// fakeLink replays queued packets and records what was sent and passed back.
type fakeLink struct {
	in     chan fakePacket
	mu     sync.Mutex
	sent   [][]byte
	passed int
	last   *fakePacket
	closed bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{in: make(chan fakePacket, 16)}
}

func (l *fakeLink) writePacket(h *ipv4.Header, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h.TotalLen != ipv4.HeaderLen+len(payload) {
		return errors.Errorf("total length %d for %d payload bytes", h.TotalLen, len(payload))
	}
	l.sent = append(l.sent, append([]byte(nil), payload...))
	return nil
}

func (l *fakeLink) readPacket(buf []byte) (net.IP, net.IP, []byte, error) {
	select {
	case p := <-l.in:
		l.mu.Lock()
		l.last = &p
		l.mu.Unlock()
		n := copy(buf, p.payload)
		return p.src, p.dst, buf[:n], nil
	case <-time.After(5 * time.Millisecond):
		return nil, nil, nil, errNoPacket
	}
}

func (l *fakeLink) passLast() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last != nil {
		l.passed++
		l.last = nil
	}
	return nil
}

func (l *fakeLink) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

type fakeStack struct {
	owned     map[uint16]bool
	delivered chan uint16
}

func (s *fakeStack) OwnsPort(port uint16) bool {
	return s.owned[port]
}

func (s *fakeStack) DeliverPacket(src, dst net.IP, b []byte) {
	port, _ := destinationPort(b)
	s.delivered <- port
}

func tcpHeaderTo(port uint16) []byte {
	b := make([]byte, lib.TcpHeaderLength)
	binary.BigEndian.PutUint16(b[2:4], port)
	return b
}

func TestServeDeliversOwnedPortsOnly(t *testing.T) {
	local := net.IPv4(10, 0, 0, 2).To4()
	remote := net.IPv4(10, 0, 0, 1).To4()
	link := newFakeLink()
	e := newEndpoint(link, local, 6, nil)
	st := &fakeStack{owned: map[uint16]bool{80: true}, delivered: make(chan uint16, 4)}
	e.start(st)

	link.in <- fakePacket{remote, local, tcpHeaderTo(22)}
	link.in <- fakePacket{remote, net.IPv4(10, 0, 0, 3).To4(), tcpHeaderTo(80)}
	link.in <- fakePacket{remote, local, []byte{0, 1}}
	link.in <- fakePacket{remote, local, tcpHeaderTo(80)}

	select {
	case port := <-st.delivered:
		if port != 80 {
			t.Fatalf("delivered port %d, want 80", port)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("owned packet was not delivered")
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(st.delivered) != 0 {
		t.Errorf("%d unowned packets delivered", len(st.delivered))
	}
	link.mu.Lock()
	defer link.mu.Unlock()
	if link.passed != 3 {
		t.Errorf("passed %d packets back to the host, want 3", link.passed)
	}
	if !link.closed {
		t.Error("link not closed")
	}
}

func TestSendPacketBuildsHeader(t *testing.T) {
	link := newFakeLink()
	e := newEndpoint(link, net.IPv4(10, 0, 0, 2).To4(), 6, nil)
	defer e.Close()

	seg := tcpHeaderTo(80)
	if err := e.SendPacket(net.IPv4(10, 0, 0, 1), seg); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	link.mu.Lock()
	defer link.mu.Unlock()
	if len(link.sent) != 1 || len(link.sent[0]) != len(seg) {
		t.Fatalf("sent %d packets, want one of %d bytes", len(link.sent), len(seg))
	}
}
