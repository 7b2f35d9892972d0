package lib

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

// Segment is one parsed TCP segment together with the IPv4 addresses it travelled between.
type Segment struct {
	SrcIP, DstIP net.IP
	SrcPort      uint16
	DstPort      uint16
	Seq          uint32
	Ack          uint32
	Flags        uint8
	Window       uint16
	Payload      []byte
}

func (s *Segment) has(flag uint8) bool {
	return s.Flags&flag != 0
}

// Len is the amount of sequence space the segment occupies.
func (s *Segment) Len() uint32 {
	n := uint32(len(s.Payload))
	if s.has(SYNFlag) {
		n++
	}
	if s.has(FINFlag) {
		n++
	}
	return n
}

// End is the sequence number following the segment.
func (s *Segment) End() uint32 {
	return SeqIncrementBy(s.Seq, s.Len())
}

func (s *Segment) String() string {
	return fmt.Sprintf("%s:%d > %s:%d [%s] seq %d ack %d win %d len %d",
		s.SrcIP, s.SrcPort, s.DstIP, s.DstPort, flagString(s.Flags), s.Seq, s.Ack, s.Window, len(s.Payload))
}

// Marshal encodes the segment with a checksum computed over the IPv4 pseudo header.
func (s *Segment) Marshal() ([]byte, error) {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.SrcPort),
		DstPort: layers.TCPPort(s.DstPort),
		Seq:     s.Seq,
		Ack:     s.Ack,
		Window:  s.Window,
		FIN:     s.has(FINFlag),
		SYN:     s.has(SYNFlag),
		RST:     s.has(RSTFlag),
		PSH:     s.has(PSHFlag),
		ACK:     s.has(ACKFlag),
		URG:     s.has(URGFlag),
	}
	ip := &layers.IPv4{
		SrcIP:    s.SrcIP.To4(),
		DstIP:    s.DstIP.To4(),
		Protocol: layers.IPProtocolTCP,
	}
	if ip.SrcIP == nil || ip.DstIP == nil {
		return nil, errors.Errorf("segment %s: addresses must be IPv4", s)
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, errors.Wrap(err, "set checksum layer")
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, tcp, gopacket.Payload(s.Payload)); err != nil {
		return nil, errors.Wrap(err, "serialize segment")
	}
	return buf.Bytes(), nil
}

// ParseSegment decodes a TCP segment received from src for dst and verifies its checksum.
// The returned payload does not alias data.
func ParseSegment(src, dst net.IP, data []byte) (*Segment, error) {
	if !VerifyChecksum(data, src, dst) {
		return nil, ErrBadChecksum
	}

	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, errors.Wrap(err, "decode segment")
	}

	seg := &Segment{
		SrcIP:   src,
		DstIP:   dst,
		SrcPort: uint16(tcp.SrcPort),
		DstPort: uint16(tcp.DstPort),
		Seq:     tcp.Seq,
		Ack:     tcp.Ack,
		Window:  tcp.Window,
	}
	for _, f := range []struct {
		set  bool
		flag uint8
	}{
		{tcp.FIN, FINFlag}, {tcp.SYN, SYNFlag}, {tcp.RST, RSTFlag},
		{tcp.PSH, PSHFlag}, {tcp.ACK, ACKFlag}, {tcp.URG, URGFlag},
	} {
		if f.set {
			seg.Flags |= f.flag
		}
	}
	if len(tcp.Payload) > 0 {
		seg.Payload = append([]byte(nil), tcp.Payload...)
	}
	return seg, nil
}

func CalculateChecksum(buffer []byte) uint16 {
	var cksum uint32 = 0

	// Process 16-bit words (2 bytes each)
	for i := 0; i < len(buffer)-1; i += 2 {
		cksum += uint32(binary.BigEndian.Uint16(buffer[i : i+2]))
	}

	// Handle remaining odd byte, if any
	if len(buffer)%2 != 0 {
		cksum += uint32(buffer[len(buffer)-1]) << 8
	}

	// Fold 32-bit sum to 16 bits
	cksum = (cksum >> 16) + (cksum & 0xffff)
	cksum += (cksum >> 16)

	return ^uint16(cksum)
}

// VerifyChecksum checks the checksum of a raw TCP segment (header and payload).
func VerifyChecksum(data []byte, src, dst net.IP) bool {
	if len(data) < TcpHeaderLength {
		return false
	}
	buffer := make([]byte, TcpPseudoHeaderLength+len(data))
	if err := assemblePseudoHeader(buffer[:TcpPseudoHeaderLength], src, dst, uint16(len(data))); err != nil {
		return false
	}
	copy(buffer[TcpPseudoHeaderLength:], data)

	frame := buffer[TcpPseudoHeaderLength:]
	received := binary.BigEndian.Uint16(frame[16:18])
	binary.BigEndian.PutUint16(frame[16:18], 0)

	return CalculateChecksum(buffer) == received
}

// assemblePseudoHeader assembles the pseudo-header for checksum calculation
func assemblePseudoHeader(buffer []byte, src, dst net.IP, length uint16) error {
	if len(buffer) != TcpPseudoHeaderLength {
		return errors.Errorf("tcp pseudo header buffer length(%d) is not %d", len(buffer), TcpPseudoHeaderLength)
	}
	srcIP, dstIP := src.To4(), dst.To4()
	if srcIP == nil || dstIP == nil {
		return errors.New("pseudo header needs IPv4 addresses")
	}
	copy(buffer[0:4], srcIP)
	copy(buffer[4:8], dstIP)
	buffer[8] = 0
	buffer[9] = uint8(layers.IPProtocolTCP)
	binary.BigEndian.PutUint16(buffer[10:12], length)
	return nil
}
