// Package config holds the settings of a notesync server process.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	DefaultListen          = ":8080"
	DefaultMetricsListen   = ""
	DefaultStore           = "mem://"
	DefaultFanoutPrefix    = "notesync:note:"
	DefaultFanoutQueue     = 256
	DefaultDebounce        = 2 * time.Second
	DefaultRoomIdleTTL     = 30 * time.Second
	DefaultLoadTimeout     = 10 * time.Second
	DefaultSaveTimeout     = 10 * time.Second
	DefaultMaxFrameSize    = 4 << 20
	DefaultOutboundQueue   = 256
	DefaultPingInterval    = 30 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"

	minFrameSize = 1 << 10
)

type Config struct {
	Listen        string
	MetricsListen string
	// Store holds sessions, note access records and, unless SnapshotStore
	// is set, snapshots.
	Store         string
	SnapshotStore string

	// Fanout is empty (single instance), mem:// or a redis URL.
	Fanout       string
	FanoutPrefix string
	FanoutQueue  int
	ProcessID    string
	// Replicas runs several sync servers in one binary on consecutive
	// ports. They share the store and need a fan-out.
	Replicas int

	Debounce    time.Duration
	RoomIdleTTL time.Duration
	LoadTimeout time.Duration
	SaveTimeout time.Duration

	MaxFrameSize    int64
	OutboundQueue   int
	PingInterval    time.Duration
	ShutdownTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// Default returns a config with every default applied.
func Default() Config {
	return Config{
		Listen:          DefaultListen,
		MetricsListen:   DefaultMetricsListen,
		Store:           DefaultStore,
		FanoutPrefix:    DefaultFanoutPrefix,
		FanoutQueue:     DefaultFanoutQueue,
		Replicas:        1,
		Debounce:        DefaultDebounce,
		RoomIdleTTL:     DefaultRoomIdleTTL,
		LoadTimeout:     DefaultLoadTimeout,
		SaveTimeout:     DefaultSaveTimeout,
		MaxFrameSize:    DefaultMaxFrameSize,
		OutboundQueue:   DefaultOutboundQueue,
		PingInterval:    DefaultPingInterval,
		ShutdownTimeout: DefaultShutdownTimeout,
		LogLevel:        DefaultLogLevel,
		LogFormat:       DefaultLogFormat,
	}
}

// Validate fills zero values with defaults and rejects inconsistent
// settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if c.FanoutPrefix == "" {
		c.FanoutPrefix = DefaultFanoutPrefix
	}
	if c.FanoutQueue == 0 {
		c.FanoutQueue = DefaultFanoutQueue
	} else if c.FanoutQueue < 0 {
		return fmt.Errorf("config: fanout-queue must be > 0")
	}
	if c.Replicas == 0 {
		c.Replicas = 1
	} else if c.Replicas < 0 {
		return fmt.Errorf("config: replicas must be > 0")
	}

	c.Fanout = strings.TrimSpace(c.Fanout)
	if c.Fanout != "" {
		u, err := url.Parse(c.Fanout)
		if err != nil {
			return fmt.Errorf("config: fanout: %w", err)
		}
		switch u.Scheme {
		case "mem", "redis", "rediss":
		default:
			return fmt.Errorf("config: unsupported fanout scheme %q", u.Scheme)
		}
	}
	if c.Replicas > 1 {
		if c.Fanout == "" {
			return fmt.Errorf("config: replicas > 1 requires a fanout")
		}
		if _, err := c.ReplicaListen(c.Replicas - 1); err != nil {
			return err
		}
	}

	if c.Debounce == 0 {
		c.Debounce = DefaultDebounce
	} else if c.Debounce < 0 {
		return fmt.Errorf("config: debounce must be > 0")
	}
	if c.RoomIdleTTL < 0 {
		return fmt.Errorf("config: room-idle-ttl must be >= 0")
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = DefaultLoadTimeout
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = DefaultSaveTimeout
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	} else if c.MaxFrameSize < minFrameSize {
		return fmt.Errorf("config: max-frame-size must be at least %s", HumanizeBytes(minFrameSize))
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = DefaultOutboundQueue
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	switch c.LogFormat {
	case "":
		c.LogFormat = DefaultLogFormat
	case "text", "json":
	default:
		return fmt.Errorf("config: log-format must be %q or %q", "text", "json")
	}
	return nil
}

// ReplicaListen returns the listen address of replica i: the configured
// port plus i.
func (c *Config) ReplicaListen(i int) (string, error) {
	if i == 0 {
		return c.Listen, nil
	}
	host, port, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return "", fmt.Errorf("config: listen: %w", err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p == 0 {
		return "", fmt.Errorf("config: replicas need a fixed listen port, got %q", port)
	}
	if p+i > 65535 {
		return "", fmt.Errorf("config: replica %d port out of range", i)
	}
	return net.JoinHostPort(host, strconv.Itoa(p+i)), nil
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return level, fmt.Errorf("config: log-level: %w", err)
	}
	return level, nil
}

// ParseBytes parses sizes like "4MiB" or "512 kB".
func ParseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("config: parse size %q: %w", s, err)
	}
	return int64(n), nil
}

func HumanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}
