//go:build !windows

package rawip

import (
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// rawLink is a raw ip4 socket for one protocol number.
type rawLink struct {
	conn       *ipv4.RawConn
	protocolID int
}

func openRawLink(localIP net.IP, protocolID int) (*rawLink, error) {
	pc, err := net.ListenPacket("ip4:"+strconv.Itoa(protocolID), localIP.String())
	if err != nil {
		return nil, errors.Wrapf(err, "listen raw ip4:%d on %s", protocolID, localIP)
	}
	rc, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, errors.Wrap(err, "open raw conn")
	}
	return &rawLink{conn: rc, protocolID: protocolID}, nil
}

func (l *rawLink) writePacket(h *ipv4.Header, payload []byte) error {
	return l.conn.WriteTo(h, payload, nil)
}

func (l *rawLink) readPacket(buf []byte) (net.IP, net.IP, []byte, error) {
	l.conn.SetReadDeadline(time.Now().Add(readTimeout))
	h, payload, _, err := l.conn.ReadFrom(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, nil, nil, errNoPacket
		}
		return nil, nil, nil, err
	}
	if h.Protocol != l.protocolID {
		return nil, nil, nil, errNoPacket
	}
	return h.Src, h.Dst, payload, nil
}

func (l *rawLink) close() error {
	return l.conn.Close()
}
