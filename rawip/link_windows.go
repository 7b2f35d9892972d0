//go:build windows

package rawip

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	divert "github.com/imgk/divert-go"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// WINDIVERT_ADDRESS.Outbound
const divertOutbound = 0x02

// divertLink moves packets through a WinDivert handle. Windows raw sockets
// can neither send nor receive TCP, so the handle captures inbound packets
// away from the host stack and injects outbound ones.
type divertLink struct {
	handle     *divert.Handle
	protocolID int

	last    divert.Address
	lastPkt []byte
}

func openLink(localIP net.IP, protocolID int) (packetLink, error) {
	filter := fmt.Sprintf("inbound and ip.DstAddr == %s and ip.Protocol == %d", localIP, protocolID)
	h, err := divert.Open(filter, divert.LayerNetwork, 0, divert.FlagDefault)
	if err != nil {
		return nil, errors.Wrapf(err, "open WinDivert handle %q", filter)
	}
	return &divertLink{handle: h, protocolID: protocolID}, nil
}

func (l *divertLink) writePacket(h *ipv4.Header, payload []byte) error {
	hb, err := h.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal ip header")
	}
	pkt := append(hb, payload...)

	var addr divert.Address
	addr.SetLayer(divert.LayerNetwork)
	addr.Flags |= divertOutbound
	divert.CalcChecksums(pkt, &addr, 0)
	if _, err := l.handle.Send(pkt, &addr); err != nil {
		return errors.Wrap(err, "inject packet")
	}
	return nil
}

// readPacket blocks until a packet arrives; closing the handle unblocks it.
func (l *divertLink) readPacket(buf []byte) (net.IP, net.IP, []byte, error) {
	n, err := l.handle.Recv(buf, &l.last)
	if err != nil {
		return nil, nil, nil, err
	}
	l.lastPkt = buf[:n]

	packet := gopacket.NewPacket(l.lastPkt, layers.LayerTypeIPv4, gopacket.NoCopy)
	ip, _ := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ip == nil || int(ip.Protocol) != l.protocolID {
		l.passLast()
		return nil, nil, nil, errNoPacket
	}
	return ip.SrcIP, ip.DstIP, ip.Payload, nil
}

// passLast reinjects a captured packet the engine does not own.
func (l *divertLink) passLast() error {
	if l.lastPkt == nil {
		return nil
	}
	pkt := l.lastPkt
	l.lastPkt = nil
	if _, err := l.handle.Send(pkt, &l.last); err != nil {
		return errors.Wrap(err, "reinject packet")
	}
	return nil
}

func (l *divertLink) close() error {
	return l.handle.Close()
}
