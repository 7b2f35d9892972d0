package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the transport engine and of the tools built on it.
type Config struct {
	ProtocolID           int           `yaml:"protocol_id"`      // IP protocol number, 6 for TCP
	MSS                  int           `yaml:"mss"`              // largest payload carried by one segment
	RecvBufferSize       int           `yaml:"recv_buffer_size"` // ordered receive buffer capacity in bytes
	StagingSize          int           `yaml:"staging_size"`     // out-of-order staging capacity in bytes
	PayloadPoolSize      int           `yaml:"payload_pool_size"`
	InitialRTO           time.Duration `yaml:"initial_rto"`
	MaxRetransmissions   int           `yaml:"max_retransmissions"`
	RetransScanInterval  time.Duration `yaml:"retrans_scan_interval"`
	TimeWaitTimeout      time.Duration `yaml:"time_wait_timeout"`
	TimeWaitScanInterval time.Duration `yaml:"time_wait_scan_interval"`
	InitialCwnd          float64       `yaml:"initial_cwnd"`     // in segments
	InitialSsthresh      float64       `yaml:"initial_ssthresh"` // in segments
	ClientPortLower      int           `yaml:"client_port_lower"`
	ClientPortUpper      int           `yaml:"client_port_upper"`
	PacketLostSimulation bool          `yaml:"packet_lost_simulation"`
	FilterIdentifier     string        `yaml:"filter_identifier"` // comment/anchor used by kernel RST filtering rules
	LogLevel             string        `yaml:"log_level"`
	LogFormat            string        `yaml:"log_format"` // console or json
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ProtocolID:           6,
		MSS:                  1460,
		RecvBufferSize:       65535,
		StagingSize:          65535,
		PayloadPoolSize:      2000,
		InitialRTO:           200 * time.Millisecond,
		MaxRetransmissions:   5,
		RetransScanInterval:  10 * time.Millisecond,
		TimeWaitTimeout:      2 * time.Second,
		TimeWaitScanInterval: 100 * time.Millisecond,
		InitialCwnd:          1,
		InitialSsthresh:      64,
		ClientPortLower:      32768,
		ClientPortUpper:      60999,
		PacketLostSimulation: false,
		FilterIdentifier:     "UCAS_TCP",
		LogLevel:             "info",
		LogFormat:            "console",
	}
}

// LoadConfig reads a YAML file on top of Default. Fields absent from the file keep their default value.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Parse decodes YAML bytes on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MaxRetransmissionsLimit bounds max_retransmissions. The retransmission
// timeout doubles on every retry, so the last one waits InitialRTO<<limit.
const MaxRetransmissionsLimit = 16

const maxDuration = time.Duration(1<<63 - 1)

func (c *Config) Validate() error {
	switch {
	case c.ProtocolID <= 0 || c.ProtocolID > 255:
		return errors.Errorf("protocol_id %d out of range", c.ProtocolID)
	case c.MSS <= 0 || c.MSS > 65495:
		return errors.Errorf("mss %d out of range", c.MSS)
	case c.RecvBufferSize <= 0:
		return errors.New("recv_buffer_size must be positive")
	case c.StagingSize < 0:
		return errors.New("staging_size must not be negative")
	case c.PayloadPoolSize <= 0:
		return errors.New("payload_pool_size must be positive")
	case c.InitialRTO <= 0:
		return errors.New("initial_rto must be positive")
	case c.MaxRetransmissions < 0 || c.MaxRetransmissions > MaxRetransmissionsLimit:
		return errors.Errorf("max_retransmissions %d out of range 0-%d", c.MaxRetransmissions, MaxRetransmissionsLimit)
	case c.InitialRTO > maxDuration>>c.MaxRetransmissions:
		return errors.Errorf("initial_rto %v overflows after %d doublings", c.InitialRTO, c.MaxRetransmissions)
	case c.RetransScanInterval <= 0 || c.TimeWaitScanInterval <= 0:
		return errors.New("scan intervals must be positive")
	case c.TimeWaitTimeout < 0:
		return errors.New("time_wait_timeout must not be negative")
	case c.InitialCwnd < 1:
		return errors.New("initial_cwnd must be at least 1")
	case c.InitialSsthresh < 1:
		return errors.New("initial_ssthresh must be at least 1")
	case c.ClientPortLower <= 0 || c.ClientPortUpper > 65535 || c.ClientPortLower > c.ClientPortUpper:
		return errors.Errorf("client port range %d-%d is invalid", c.ClientPortLower, c.ClientPortUpper)
	}
	return nil
}
