package lib

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestCalculateBackoffDuration(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		got := CalculateBackoffDuration(tt.retry, 100*time.Millisecond, 5*time.Second, 2.0)
		if got != tt.want {
			t.Errorf("retry %d: backoff = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestAggressiveReconnectBackoffs(t *testing.T) {
	cfg := AggressiveClientReconnectConfig()
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3200 * time.Millisecond,
		5 * time.Second,
	}
	for retry, w := range want {
		got := CalculateBackoffDuration(retry, cfg.InitialBackoff, cfg.MaxBackoff, cfg.BackoffMultiplier)
		if got != w {
			t.Errorf("retry %d: backoff = %v, want %v", retry, got, w)
		}
	}
	if cfg.MaxBackoff >= DefaultClientReconnectConfig().MaxBackoff {
		t.Errorf("aggressive max backoff %v not below the default", cfg.MaxBackoff)
	}
}

func quickReconnectConfig(retries int) *ClientReconnectConfig {
	return &ClientReconnectConfig{
		MaxRetries:        retries,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        4 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestHandleErrorIgnoresNonReset(t *testing.T) {
	dials := 0
	helper := newClientReconnectHelper(func(ctx context.Context) (*Conn, error) {
		dials++
		return &Conn{}, nil
	}, quickReconnectConfig(3))

	if helper.HandleError(context.Background(), ErrConnRefused) {
		t.Error("HandleError reconnected after a refused dial")
	}
	if dials != 0 {
		t.Errorf("dials = %d, want 0", dials)
	}
}

func TestHandleErrorReconnectsAfterReset(t *testing.T) {
	fresh := &Conn{}
	dials := 0
	reconnected := false

	cfg := quickReconnectConfig(5)
	cfg.OnReconnect = func() { reconnected = true }
	helper := newClientReconnectHelper(func(ctx context.Context) (*Conn, error) {
		dials++
		if dials < 3 {
			return nil, ErrConnRefused
		}
		return fresh, nil
	}, cfg)

	if !helper.HandleError(context.Background(), errors.Wrap(ErrConnReset, "read")) {
		t.Fatal("HandleError gave up")
	}
	if dials != 3 {
		t.Errorf("dials = %d, want 3", dials)
	}
	if helper.GetConnection() != fresh {
		t.Error("current connection was not replaced")
	}
	if !reconnected {
		t.Error("OnReconnect not called")
	}
	if helper.retryCount != 0 || helper.lastBackoff != cfg.InitialBackoff {
		t.Errorf("retry state not reset: count %d backoff %v", helper.retryCount, helper.lastBackoff)
	}
}

func TestHandleErrorFinalFailure(t *testing.T) {
	var final error
	cfg := quickReconnectConfig(3)
	cfg.OnFinalFailure = func(err error) { final = err }

	dials := 0
	helper := newClientReconnectHelper(func(ctx context.Context) (*Conn, error) {
		dials++
		return nil, ErrConnRefused
	}, cfg)

	if helper.HandleError(context.Background(), ErrRetransmitExhausted) {
		t.Fatal("HandleError reported success")
	}
	if dials != 3 {
		t.Errorf("dials = %d, want 3", dials)
	}
	if errors.Cause(final) != ErrConnRefused {
		t.Errorf("final error = %v, want cause %v", final, ErrConnRefused)
	}
	if helper.lastBackoff != cfg.MaxBackoff {
		t.Errorf("backoff = %v, want cap %v", helper.lastBackoff, cfg.MaxBackoff)
	}
}

func TestHandleErrorHonorsContext(t *testing.T) {
	cfg := quickReconnectConfig(-1)
	cfg.InitialBackoff = time.Hour
	helper := newClientReconnectHelper(func(ctx context.Context) (*Conn, error) {
		t.Error("dial called after cancellation")
		return nil, ErrConnRefused
	}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if helper.HandleError(ctx, ErrConnReset) {
		t.Error("HandleError reported success on a cancelled context")
	}
}
