// droptestgw relays connections to a target server while dropping a share
// of the outbound segments on both legs, to exercise retransmission and
// congestion control end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Jia040223/UCAS-Computer-Network/config"
	"github.com/Jia040223/UCAS-Computer-Network/lib"
	"github.com/Jia040223/UCAS-Computer-Network/logging"
	"github.com/Jia040223/UCAS-Computer-Network/rawip"
	"github.com/rs/zerolog/log"
)

// randomDrop loses each segment with probability rate. SYNs and RSTs are
// spared so that connection setup stays deterministic.
func randomDrop(rate float64, rng *rand.Rand) lib.DropFunc {
	var mu sync.Mutex
	return func(seg *lib.Segment) bool {
		if seg.Flags&(lib.SYNFlag|lib.RSTFlag) != 0 {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if rng.Float64() < rate {
			log.Debug().Stringer("seg", seg).Msg("gateway dropped segment")
			return true
		}
		return false
	}
}

func main() {
	gatewayIP := flag.String("ip", "127.0.0.2", "Gateway IP address")
	gatewayPort := flag.Int("port", 8901, "Gateway port number")
	targetAddr := flag.String("target", "127.0.0.3:8901", "Target server address")
	dropRate := flag.Float64("droprate", 0.1, "Segment drop rate (0.0-1.0)")
	configPath := flag.String("config", "config.yaml", "Configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Configuration file error:", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	listenAddr, err := netip.ParseAddrPort(fmt.Sprintf("%s:%d", *gatewayIP, *gatewayPort))
	if err != nil {
		log.Fatal().Err(err).Msg("bad gateway address")
	}
	target, err := netip.ParseAddrPort(*targetAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("bad target address")
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	endpoint, stack, err := rawip.Open(cfg, *gatewayIP, lib.WithDropFunc(randomDrop(*dropRate, rng)))
	if err != nil {
		log.Fatal().Err(err).Msg("open raw endpoint")
	}
	defer endpoint.Close()
	defer stack.Close()

	if err := endpoint.ProtectServer(listenAddr.Port()); err != nil {
		log.Warn().Err(err).Msg("kernel may reset incoming connections")
	}
	if err := endpoint.ProtectClient(target.Addr().AsSlice(), target.Port()); err != nil {
		log.Warn().Err(err).Msg("kernel may reset upstream connections")
	}

	srv, err := stack.Listen(listenAddr, 16)
	if err != nil {
		log.Fatal().Err(err).Msg("listen")
	}
	log.Info().Stringer("addr", listenAddr).Stringer("target", target).Float64("droprate", *dropRate).Msg("gateway started")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := srv.Accept()
		if err != nil {
			log.Info().Err(err).Msg("gateway shutting down")
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay(ctx, stack, conn, listenAddr.Addr(), target)
		}()
	}
	wg.Wait()
}

func relay(ctx context.Context, s *lib.Stack, client *lib.Conn, local netip.Addr, target netip.AddrPort) {
	defer client.Close()

	upstream, err := s.Dial(ctx, local, target)
	if err != nil {
		log.Warn().Err(err).Stringer("target", target).Msg("dial target")
		return
	}
	defer upstream.Close()
	log.Info().Stringer("client", client.RemoteAddr()).Stringer("upstream", upstream.LocalAddr()).Msg("relaying")

	done := make(chan struct{}, 2)
	pipe := func(dst, src *lib.Conn) {
		if _, err := io.Copy(dst, src); err != nil {
			log.Debug().Err(err).Msg("relay leg ended")
		}
		done <- struct{}{}
	}
	go pipe(upstream, client)
	go pipe(client, upstream)

	select {
	case <-done:
	case <-ctx.Done():
	}
}
