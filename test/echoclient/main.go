package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Jia040223/UCAS-Computer-Network/config"
	"github.com/Jia040223/UCAS-Computer-Network/lib"
	"github.com/Jia040223/UCAS-Computer-Network/logging"
	"github.com/Jia040223/UCAS-Computer-Network/rawip"
	"github.com/rs/zerolog/log"
)

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// message returns the alphabet rotated left by i.
func message(i int) string {
	i %= len(alphabet)
	return alphabet[i:] + alphabet[:i]
}

func main() {
	sourceIP := flag.String("sourceIP", "127.0.0.4", "Source IP address")
	serverIP := flag.String("serverIP", "127.0.0.2", "Server IP address")
	serverPort := flag.Int("serverPort", 8901, "Server port")
	count := flag.Int("count", 10, "Number of messages to send")
	interval := flag.Duration("interval", time.Second, "Interval between messages (e.g., 500ms, 1s)")
	configPath := flag.String("config", "config.yaml", "Configuration file")
	aggressive := flag.Bool("aggressive", false, "Reconnect with short backoffs after a reset")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Configuration file error:", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	local, err := netip.ParseAddr(*sourceIP)
	if err != nil {
		log.Fatal().Err(err).Msg("bad source address")
	}
	remote, err := netip.ParseAddrPort(fmt.Sprintf("%s:%d", *serverIP, *serverPort))
	if err != nil {
		log.Fatal().Err(err).Msg("bad server address")
	}

	endpoint, stack, err := rawip.Open(cfg, *sourceIP)
	if err != nil {
		log.Fatal().Err(err).Msg("open raw endpoint")
	}
	defer endpoint.Close()
	defer stack.Close()

	if err := endpoint.ProtectClient(remote.Addr().AsSlice(), remote.Port()); err != nil {
		log.Warn().Err(err).Msg("kernel may reset the connection")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reconnectCfg := lib.DefaultClientReconnectConfig()
	if *aggressive {
		reconnectCfg = lib.AggressiveClientReconnectConfig()
	}
	reconnectCfg.OnReconnect = func() {
		log.Info().Msg("reconnected to echo server")
	}
	reconnectCfg.OnFinalFailure = func(err error) {
		log.Error().Err(err).Msg("giving up on echo server")
	}
	helper := lib.NewClientReconnectHelper(stack, local, remote, reconnectCfg)

	conn, err := stack.Dial(ctx, local, remote)
	if err != nil {
		log.Error().Err(err).Msg("connect")
		return
	}
	helper.SetConnection(conn)
	fmt.Println("Echo client connected to server!")

	buf := make([]byte, cfg.MSS)
	success := 0
	for i := 0; i < *count; i++ {
		msg := message(i)
		reply, err := exchange(ctx, helper.GetConnection(), msg, buf)
		if err != nil && helper.HandleError(ctx, err) {
			reply, err = exchange(ctx, helper.GetConnection(), msg, buf)
		}
		if err != nil {
			if err == io.EOF {
				log.Info().Msg("server closed the connection")
			} else {
				log.Error().Err(err).Int("message", i).Msg("echo failed")
			}
			break
		}
		fmt.Println(reply)
		success++

		select {
		case <-ctx.Done():
			i = *count
		case <-time.After(*interval):
		}
	}

	fmt.Printf("Echoed %d of %d messages\n", success, *count)
	if c := helper.GetConnection(); c != nil {
		c.Close()
	}
}

func exchange(ctx context.Context, c *lib.Conn, msg string, buf []byte) (string, error) {
	if _, err := c.WriteContext(ctx, []byte(msg)); err != nil {
		return "", err
	}
	n, err := c.ReadContext(ctx, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}
