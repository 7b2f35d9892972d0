package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
mss: 1000
initial_rto: 50ms
max_retransmissions: 3
time_wait_timeout: 1s
log_level: debug
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MSS != 1000 {
		t.Errorf("MSS = %d, want 1000", cfg.MSS)
	}
	if cfg.InitialRTO != 50*time.Millisecond {
		t.Errorf("InitialRTO = %v, want 50ms", cfg.InitialRTO)
	}
	if cfg.MaxRetransmissions != 3 {
		t.Errorf("MaxRetransmissions = %d, want 3", cfg.MaxRetransmissions)
	}
	if cfg.TimeWaitTimeout != time.Second {
		t.Errorf("TimeWaitTimeout = %v, want 1s", cfg.TimeWaitTimeout)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	// untouched fields keep their defaults
	if cfg.RecvBufferSize != Default().RecvBufferSize {
		t.Errorf("RecvBufferSize = %d, want default", cfg.RecvBufferSize)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero mss", "mss: 0"},
		{"bad port range", "client_port_lower: 5000\nclient_port_upper: 4000"},
		{"negative rto", "initial_rto: -1s"},
		{"cwnd below one", "initial_cwnd: 0.5"},
		{"negative retransmissions", "max_retransmissions: -1"},
		{"retransmissions beyond limit", "max_retransmissions: 64"},
		{"rto overflows when doubled", "initial_rto: 1000000h\nmax_retransmissions: 16"},
		{"not yaml", "mss: [1, 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Errorf("Parse(%q) succeeded, want error", tt.yaml)
			}
		})
	}
}

func TestRetransmissionLimitBoundary(t *testing.T) {
	cfg := Default()
	cfg.MaxRetransmissions = MaxRetransmissionsLimit
	if err := cfg.Validate(); err != nil {
		t.Fatalf("limit rejected: %v", err)
	}
	if last := cfg.InitialRTO << cfg.MaxRetransmissions; last <= cfg.InitialRTO {
		t.Errorf("final timeout %v did not grow past %v", last, cfg.InitialRTO)
	}
	cfg.MaxRetransmissions++
	if err := cfg.Validate(); err == nil {
		t.Error("limit+1 accepted")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
