package rawip

import (
	"github.com/Jia040223/UCAS-Computer-Network/config"
	"github.com/Jia040223/UCAS-Computer-Network/filter"
	"github.com/Jia040223/UCAS-Computer-Network/lib"
	"github.com/rs/zerolog/log"
)

// Open binds a raw endpoint to localIP and starts a stack on top of it.
// Kernel RST filtering is best effort: when the platform filter cannot be
// created the endpoint runs without one.
func Open(cfg *config.Config, localIP string, opts ...lib.Option) (*Endpoint, *lib.Stack, error) {
	f, err := filter.NewFilter(cfg.FilterIdentifier)
	if err != nil {
		log.Warn().Err(err).Msg("kernel RST filtering disabled")
		f = nil
	}

	e, err := Listen(localIP, cfg.ProtocolID, f)
	if err != nil {
		return nil, nil, err
	}
	s, err := lib.NewStack(cfg, e, opts...)
	if err != nil {
		e.Close()
		return nil, nil, err
	}
	e.Start(s)
	return e, s, nil
}
