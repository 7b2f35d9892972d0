package lib

import (
	"context"
	"math"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ClientReconnectConfig holds configuration for client-side automatic reconnection.
type ClientReconnectConfig struct {
	MaxRetries        int           // Maximum reconnection attempts (-1 for infinite)
	InitialBackoff    time.Duration // Initial backoff delay
	MaxBackoff        time.Duration // Maximum backoff cap
	BackoffMultiplier float64       // Exponential backoff multiplier (e.g., 2.0)
	OnReconnect       func()        // Called on successful reconnection
	OnFinalFailure    func(error)   // Called when all retries are exhausted
}

// DefaultClientReconnectConfig returns a conservative reconnection configuration.
func DefaultClientReconnectConfig() *ClientReconnectConfig {
	return &ClientReconnectConfig{
		MaxRetries:        10,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 1.5,
	}
}

// AggressiveClientReconnectConfig retries quickly; meant for testing and development.
func AggressiveClientReconnectConfig() *ClientReconnectConfig {
	return &ClientReconnectConfig{
		MaxRetries:        5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

type dialFunc func(ctx context.Context) (*Conn, error)

// ClientReconnectHelper redials a client connection after it was reset.
type ClientReconnectHelper struct {
	dial         dialFunc
	reconnectCfg *ClientReconnectConfig

	connMutex   sync.RWMutex
	currentConn *Conn
	retryCount  int
	lastBackoff time.Duration
}

// NewClientReconnectHelper creates a helper that redials remote from local on s.
func NewClientReconnectHelper(s *Stack, local netip.Addr, remote netip.AddrPort, reconnectCfg *ClientReconnectConfig) *ClientReconnectHelper {
	return newClientReconnectHelper(func(ctx context.Context) (*Conn, error) {
		return s.Dial(ctx, local, remote)
	}, reconnectCfg)
}

func newClientReconnectHelper(dial dialFunc, reconnectCfg *ClientReconnectConfig) *ClientReconnectHelper {
	if reconnectCfg == nil {
		reconnectCfg = DefaultClientReconnectConfig()
	}
	return &ClientReconnectHelper{
		dial:         dial,
		reconnectCfg: reconnectCfg,
		lastBackoff:  reconnectCfg.InitialBackoff,
	}
}

// SetConnection sets the initial connection.
func (helper *ClientReconnectHelper) SetConnection(conn *Conn) {
	helper.connMutex.Lock()
	defer helper.connMutex.Unlock()
	helper.currentConn = conn
	helper.retryCount = 0
	helper.lastBackoff = helper.reconnectCfg.InitialBackoff
}

// GetConnection returns the current connection.
func (helper *ClientReconnectHelper) GetConnection() *Conn {
	helper.connMutex.RLock()
	defer helper.connMutex.RUnlock()
	return helper.currentConn
}

// HandleError redials when err means the connection was reset. It returns
// true once a fresh connection is in place and false when err does not
// warrant reconnecting or every retry failed.
func (helper *ClientReconnectHelper) HandleError(ctx context.Context, err error) bool {
	if err == nil {
		return true
	}
	if !IsReset(err) {
		return false
	}

	log.Warn().Err(err).Msg("connection reset, attempting reconnection")

	var lastErr error
	for helper.reconnectCfg.MaxRetries == -1 || helper.retryCount < helper.reconnectCfg.MaxRetries {
		helper.retryCount++

		log.Info().Int("attempt", helper.retryCount).Dur("backoff", helper.lastBackoff).Msg("waiting before reconnect")
		select {
		case <-ctx.Done():
			return false
		case <-time.After(helper.lastBackoff):
		}

		newConn, err := helper.dial(ctx)
		if err == nil {
			log.Info().Int("attempt", helper.retryCount).Stringer("conn", newConn.ID()).Msg("reconnected")

			helper.connMutex.Lock()
			oldConn := helper.currentConn
			helper.currentConn = newConn
			helper.connMutex.Unlock()

			// the old record is CLOSED already; this only drops the app handle
			if oldConn != nil {
				_ = oldConn.Close()
			}

			helper.retryCount = 0
			helper.lastBackoff = helper.reconnectCfg.InitialBackoff

			if helper.reconnectCfg.OnReconnect != nil {
				helper.reconnectCfg.OnReconnect()
			}
			return true
		}

		lastErr = err
		log.Warn().Err(err).Int("attempt", helper.retryCount).Msg("reconnection attempt failed")
		helper.lastBackoff = min(time.Duration(float64(helper.lastBackoff)*helper.reconnectCfg.BackoffMultiplier), helper.reconnectCfg.MaxBackoff)
	}

	log.Error().Int("attempts", helper.retryCount).Msg("reconnection failed")
	if helper.reconnectCfg.OnFinalFailure != nil {
		helper.reconnectCfg.OnFinalFailure(errors.Wrapf(lastErr, "reconnect failed after %d attempts", helper.retryCount))
	}
	return false
}

// CalculateBackoffDuration returns the backoff before retry number retryCount.
func CalculateBackoffDuration(retryCount int, initialBackoff time.Duration, maxBackoff time.Duration, multiplier float64) time.Duration {
	backoff := time.Duration(float64(initialBackoff) * math.Pow(multiplier, float64(retryCount)))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
