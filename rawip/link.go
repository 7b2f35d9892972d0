package rawip

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// errNoPacket is returned by readPacket when nothing usable arrived before
// the read timeout. The serve loop polls its close signal and reads again.
var errNoPacket = errors.New("no packet")

// packetLink moves IPv4 packets of one protocol between an Endpoint and the
// network. Each platform provides openLink.
type packetLink interface {
	writePacket(h *ipv4.Header, payload []byte) error
	// readPacket fills buf and returns the addresses and transport payload of
	// one inbound packet. payload aliases buf.
	readPacket(buf []byte) (src, dst net.IP, payload []byte, err error)
	close() error
}

// passer is implemented by links that take packets away from the host
// stack. passLast hands the packet last read back to it.
type passer interface {
	passLast() error
}
