//go:build windows
// +build windows

package filter

import (
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	divert "github.com/imgk/divert-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// filterImpl diverts outbound RSTs through WinDivert and drops the ones
// matching a rule. Everything else is reinjected unchanged.
type filterImpl struct {
	handle    *divert.Handle
	stopChan  chan struct{}
	isRunning bool
	clients   map[string]bool // keyed by destination ip:port
	servers   map[string]bool // keyed by source ip:port
	mutex     sync.Mutex
}

func NewFilter(identifier string) (Filter, error) {
	return &filterImpl{
		clients: make(map[string]bool),
		servers: make(map[string]bool),
	}, nil
}

// startLocked opens the divert handle on first use.
func (f *filterImpl) startLocked() error {
	if f.isRunning {
		return nil
	}
	h, err := divert.Open("outbound and tcp.Rst", divert.LayerNetwork, 0, 0)
	if err != nil {
		return errors.Wrap(err, "open WinDivert handle")
	}
	f.handle = h
	f.stopChan = make(chan struct{})
	f.isRunning = true
	go f.runFilteringLoop(h, f.stopChan)
	return nil
}

func (f *filterImpl) add(rules map[string]bool, addr string, port int) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if err := f.startLocked(); err != nil {
		return err
	}
	rules[ruleKey(addr, port)] = true
	return nil
}

func (f *filterImpl) remove(rules map[string]bool, addr string, port int) error {
	f.mutex.Lock()
	key := ruleKey(addr, port)
	if !rules[key] {
		f.mutex.Unlock()
		return errors.Errorf("rule not found: %s", key)
	}
	delete(rules, key)
	empty := len(f.clients) == 0 && len(f.servers) == 0
	f.mutex.Unlock()

	if empty {
		return f.FinishFiltering()
	}
	return nil
}

func (f *filterImpl) AddTcpClientFiltering(dstAddr string, dstPort int) error {
	return f.add(f.clients, dstAddr, dstPort)
}

func (f *filterImpl) RemoveTcpClientFiltering(dstAddr string, dstPort int) error {
	return f.remove(f.clients, dstAddr, dstPort)
}

func (f *filterImpl) AddTcpServerFiltering(srcAddr string, srcPort int) error {
	return f.add(f.servers, srcAddr, srcPort)
}

func (f *filterImpl) RemoveTcpServerFiltering(srcAddr string, srcPort int) error {
	return f.remove(f.servers, srcAddr, srcPort)
}

// FinishFiltering drops every rule and closes the divert handle.
func (f *filterImpl) FinishFiltering() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if !f.isRunning {
		return nil
	}
	close(f.stopChan)
	// Close unblocks the pending Recv in the filtering loop
	f.handle.Close()
	f.isRunning = false
	f.clients = make(map[string]bool)
	f.servers = make(map[string]bool)
	return nil
}

func (f *filterImpl) matches(dst, src string) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.clients[dst] || f.servers[src]
}

func (f *filterImpl) runFilteringLoop(h *divert.Handle, stop chan struct{}) {
	buf := make([]byte, 1500)
	addr := divert.Address{}

	for {
		n, err := h.Recv(buf, &addr)
		if err != nil {
			select {
			case <-stop:
				log.Debug().Msg("stopping RST filter")
				return
			default:
			}
			log.Warn().Err(err).Msg("receive diverted packet")
			continue
		}

		packet := gopacket.NewPacket(buf[:n], layers.LayerTypeIPv4, gopacket.Default)
		ip, _ := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		tcp, _ := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if ip != nil && tcp != nil {
			dst := ruleKey(ip.DstIP.String(), int(tcp.DstPort))
			src := ruleKey(ip.SrcIP.String(), int(tcp.SrcPort))
			if f.matches(dst, src) {
				log.Debug().Str("src", src).Str("dst", dst).Msg("dropping kernel RST")
				continue
			}
		}

		if _, err := h.Send(buf[:n], &addr); err != nil {
			log.Warn().Err(err).Msg("reinject packet")
		}
	}
}
