//go:build darwin

package rawip

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// pcapLink sends through a raw socket and captures inbound packets with
// libpcap. BSD raw sockets never see TCP or UDP the kernel handles itself.
type pcapLink struct {
	*rawLink
	handle *pcap.Handle
}

func openLink(localIP net.IP, protocolID int) (packetLink, error) {
	raw, err := openRawLink(localIP, protocolID)
	if err != nil {
		return nil, err
	}

	dev, err := captureDevice(localIP)
	if err != nil {
		raw.close()
		return nil, err
	}
	handle, err := pcap.OpenLive(dev, maxPacketSize, false, readTimeout)
	if err != nil {
		raw.close()
		return nil, errors.Wrapf(err, "open capture on %s", dev)
	}
	bpf := fmt.Sprintf("ip proto %d and dst host %s", protocolID, localIP)
	if err := handle.SetBPFFilter(bpf); err != nil {
		handle.Close()
		raw.close()
		return nil, errors.Wrapf(err, "set capture filter %q", bpf)
	}

	log.Debug().Str("device", dev).Str("filter", bpf).Msg("capturing inbound packets")
	return &pcapLink{rawLink: raw, handle: handle}, nil
}

// captureDevice finds the interface carrying ip.
func captureDevice(ip net.IP) (string, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return "", errors.Wrap(err, "list capture devices")
	}
	for _, d := range devs {
		for _, a := range d.Addresses {
			if a.IP.Equal(ip) {
				return d.Name, nil
			}
		}
	}
	return "", errors.Errorf("no capture device carries %s", ip)
}

func (l *pcapLink) readPacket(buf []byte) (net.IP, net.IP, []byte, error) {
	data, _, err := l.handle.ReadPacketData()
	if err == pcap.NextErrorTimeoutExpired {
		return nil, nil, nil, errNoPacket
	}
	if err != nil {
		return nil, nil, nil, err
	}

	packet := gopacket.NewPacket(data, l.handle.LinkType(), gopacket.NoCopy)
	ip, _ := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ip == nil || int(ip.Protocol) != l.protocolID {
		return nil, nil, nil, errNoPacket
	}
	n := copy(buf, ip.Payload)
	return ip.SrcIP, ip.DstIP, buf[:n], nil
}

func (l *pcapLink) close() error {
	l.handle.Close()
	return l.rawLink.close()
}
