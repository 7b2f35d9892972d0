package main

import (
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Jia040223/UCAS-Computer-Network/config"
	"github.com/Jia040223/UCAS-Computer-Network/logging"
	"github.com/Jia040223/UCAS-Computer-Network/rawip"
	"github.com/rs/zerolog/log"
)

func main() {
	serviceIP := flag.String("serviceIP", "127.0.0.2", "Service IP address to listen on")
	port := flag.Int("port", 8902, "Service port")
	outPath := flag.String("out", "server-output.dat", "File receiving the transferred bytes")
	configPath := flag.String("config", "config.yaml", "Configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Configuration file error:", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	addr, err := netip.ParseAddrPort(fmt.Sprintf("%s:%d", *serviceIP, *port))
	if err != nil {
		log.Fatal().Err(err).Msg("bad service address")
	}

	endpoint, stack, err := rawip.Open(cfg, *serviceIP)
	if err != nil {
		log.Fatal().Err(err).Msg("open raw endpoint")
	}
	defer endpoint.Close()
	defer stack.Close()

	if err := endpoint.ProtectServer(addr.Port()); err != nil {
		log.Warn().Err(err).Msg("kernel may reset incoming connections")
	}

	srv, err := stack.Listen(addr, 3)
	if err != nil {
		log.Fatal().Err(err).Msg("listen")
	}
	defer srv.Close()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		srv.Close()
	}()

	log.Info().Stringer("addr", addr).Str("out", *outPath).Msg("file server waiting for a client")
	conn, err := srv.Accept()
	if err != nil {
		log.Error().Err(err).Msg("accept")
		return
	}
	defer conn.Close()

	f, err := os.Create(*outPath)
	if err != nil {
		log.Error().Err(err).Msg("create output file")
		return
	}
	defer f.Close()

	start := time.Now()
	n, err := io.Copy(f, conn)
	if err != nil {
		log.Error().Err(err).Int64("bytes", n).Msg("transfer aborted")
		return
	}
	elapsed := time.Since(start)
	fmt.Printf("Received %d bytes in %v\n", n, elapsed)
}
