//go:build !linux && !darwin && !windows
// +build !linux,!darwin,!windows

package filter

import "github.com/rs/zerolog/log"

// filterImpl does nothing; kernel RSTs are not suppressed on this platform.
type filterImpl struct{}

func NewFilter(identifier string) (Filter, error) {
	log.Warn().Msg("kernel RST filtering is not supported on this platform")
	return filterImpl{}, nil
}

func (filterImpl) AddTcpClientFiltering(dstAddr string, dstPort int) error    { return nil }
func (filterImpl) RemoveTcpClientFiltering(dstAddr string, dstPort int) error { return nil }
func (filterImpl) AddTcpServerFiltering(srcAddr string, srcPort int) error    { return nil }
func (filterImpl) RemoveTcpServerFiltering(srcAddr string, srcPort int) error { return nil }
func (filterImpl) FinishFiltering() error                                     { return nil }
