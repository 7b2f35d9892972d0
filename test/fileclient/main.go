package main

import (
	"bufio"
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

const (
	chunkSize      = 20024
	sampleInterval = 500 * time.Microsecond
	sampleDuration = time.Second
)

func main() {
	sourceIP := flag.String("sourceIP", "127.0.0.4", "Source IP address")
	serverIP := flag.String("serverIP", "127.0.0.2", "Server IP address")
	serverPort := flag.Int("serverPort", 8902, "Server port")
	inPath := flag.String("in", "client-input.dat", "File to transfer")
	cwndPath := flag.String("cwnd", "", "Record congestion window samples to this file")
	configPath := flag.String("config", "config.yaml", "Configuration file")
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

	in, err := os.Open(*inPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open input file")
	}
	defer in.Close()

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

	conn, err := stack.Dial(ctx, local, remote)
	if err != nil {
		log.Error().Err(err).Msg("connect")
		return
	}
	defer conn.Close()

	samplerDone := make(chan struct{})
	if *cwndPath != "" {
		go func() {
			defer close(samplerDone)
			if err := recordCwnd(ctx, conn, *cwndPath, cfg.MSS); err != nil {
				log.Warn().Err(err).Msg("cwnd recorder")
			}
		}()
	} else {
		close(samplerDone)
	}

	start := time.Now()
	sent, err := send(ctx, conn, in)
	if err != nil {
		log.Error().Err(err).Int64("bytes", sent).Msg("transfer aborted")
	} else {
		fmt.Printf("Sent %d bytes in %v\n", sent, time.Since(start))
	}
	<-samplerDone
}

func send(ctx context.Context, c *lib.Conn, r io.Reader) (int64, error) {
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := c.WriteContext(ctx, buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// recordCwnd samples the congestion window while the connection is
// established, writing "<µs> <cwnd> <cwnd*mss>" lines.
func recordCwnd(ctx context.Context, c *lib.Conn, path string, mss int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	start := time.Now()
	for c.State() == lib.StateEstablished {
		elapsed := time.Since(start)
		if elapsed > sampleDuration {
			return nil
		}
		cwnd := c.CongestionWindow()
		fmt.Fprintf(w, "%d %f %f\n", elapsed.Microseconds(), cwnd, cwnd*float64(mss))

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
