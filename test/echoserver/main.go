package main

import (
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/Jia040223/UCAS-Computer-Network/config"
	"github.com/Jia040223/UCAS-Computer-Network/lib"
	"github.com/Jia040223/UCAS-Computer-Network/logging"
	"github.com/Jia040223/UCAS-Computer-Network/rawip"
	"github.com/rs/zerolog/log"
)

func main() {
	serviceIP := flag.String("serviceIP", "127.0.0.2", "Service IP address to listen on")
	port := flag.Int("port", 8901, "Service port")
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
	log.Info().Stringer("addr", addr).Msg("echo server listening")

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		srv.Close()
	}()

	for {
		conn, err := srv.Accept()
		if err != nil {
			log.Info().Err(err).Msg("echo server stopped")
			return
		}
		log.Info().Stringer("remote", conn.RemoteAddr()).Msg("new connection")
		go handleConn(conn, cfg.MSS)
	}
}

func handleConn(c *lib.Conn, mss int) {
	defer c.Close()
	buf := make([]byte, mss)
	for {
		n, err := c.Read(buf)
		if err != nil {
			if err == io.EOF {
				log.Info().Stringer("remote", c.RemoteAddr()).Msg("connection closed by client")
				return
			}
			log.Warn().Err(err).Msg("read")
			return
		}
		log.Info().Str("data", string(buf[:n])).Msg("echo server got")
		if _, err := c.Write([]byte("server echoes: " + string(buf[:n]))); err != nil {
			log.Warn().Err(err).Msg("write")
			return
		}
	}
}
