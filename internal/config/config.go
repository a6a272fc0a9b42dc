package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every variable name, e.g. WHISPER_LISTEN_ADDR.
const EnvPrefix = "WHISPER"

// PendingPolicy decides what happens to undecided decrypt requests when
// the session closes.
type PendingPolicy string

const (
	// PendingCancel drops undecided requests with the history.
	PendingCancel PendingPolicy = "cancel"

	// PendingRetain keeps undecided requests answerable after close.
	PendingRetain PendingPolicy = "retain"
)

// Config holds node configuration
type Config struct {
	ServiceName string `envconfig:"SERVICE_NAME" default:"whisperlink"`

	// QUIC listen address for inbound peers
	ListenAddr string `envconfig:"LISTEN_ADDR" default:"0.0.0.0:4433"`

	// Address announced to the directory; empty means the bound address
	AdvertiseAddr string `envconfig:"ADVERTISE_ADDR"`

	// Directory service base URL; empty disables registration
	DirectoryURL string `envconfig:"DIRECTORY_URL" default:"http://127.0.0.1:8081"`

	// Metrics and health HTTP address; empty disables it
	MetricsAddr string `envconfig:"METRICS_ADDR" default:"127.0.0.1:9464"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Per-session inbound event queue depth
	EventQueueSize int `envconfig:"EVENT_QUEUE_SIZE" default:"256"`

	// Per-session outbound envelope queue depth
	OutboxSize int `envconfig:"OUTBOX_SIZE" default:"64"`

	PendingPolicy PendingPolicy `envconfig:"PENDING_POLICY" default:"cancel"`

	// Zero keeps pending decrypt requests until decided
	PendingTTL time.Duration `envconfig:"PENDING_TTL" default:"0"`

	DialTimeout time.Duration `envconfig:"DIAL_TIMEOUT" default:"10s"`

	// Directory registration TTL, refreshed at half this interval
	RegistrationTTL time.Duration `envconfig:"REGISTRATION_TTL" default:"5m"`
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		ServiceName:     "whisperlink",
		ListenAddr:      "0.0.0.0:4433",
		DirectoryURL:    "http://127.0.0.1:8081",
		MetricsAddr:     "127.0.0.1:9464",
		LogLevel:        "info",
		EventQueueSize:  256,
		OutboxSize:      64,
		PendingPolicy:   PendingCancel,
		DialTimeout:     10 * time.Second,
		RegistrationTTL: 5 * time.Minute,
	}
}

// Load reads configuration from WHISPER_* environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ErrInvalidAddr is returned by Validate for a malformed host:port.
var ErrInvalidAddr = errors.New("invalid address")

// Validate checks value ranges that envconfig cannot express.
func (c *Config) Validate() error {
	if err := validateAddr("listen", c.ListenAddr, false); err != nil {
		return err
	}
	if err := validateAddr("advertise", c.AdvertiseAddr, true); err != nil {
		return err
	}
	if err := validateAddr("metrics", c.MetricsAddr, true); err != nil {
		return err
	}
	switch c.PendingPolicy {
	case PendingCancel, PendingRetain:
	default:
		return fmt.Errorf("invalid pending policy %q (want %q or %q)", c.PendingPolicy, PendingCancel, PendingRetain)
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("event queue size must be positive, got %d", c.EventQueueSize)
	}
	if c.OutboxSize <= 0 {
		return fmt.Errorf("outbox size must be positive, got %d", c.OutboxSize)
	}
	if c.PendingTTL < 0 {
		return fmt.Errorf("pending TTL must not be negative, got %s", c.PendingTTL)
	}
	return nil
}

func validateAddr(name, addr string, optional bool) error {
	if addr == "" {
		if optional {
			return nil
		}
		return fmt.Errorf("%w: %s address is empty", ErrInvalidAddr, name)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%w: %s address %q: %v", ErrInvalidAddr, name, addr, err)
	}
	return nil
}
