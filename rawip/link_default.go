//go:build !darwin && !windows

package rawip

import "net"

// openLink uses the raw socket for both directions. Linux delivers a copy of
// every inbound TCP segment to ip4:tcp sockets.
func openLink(localIP net.IP, protocolID int) (packetLink, error) {
	return openRawLink(localIP, protocolID)
}
