package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the osc2vmix bridge.
//
// Precedence, lowest first: DefaultConfig, config file, OSC2VMIX_* environment,
// flags, positional arguments. Validate runs once everything is applied.
type Config struct {
	// OSC input
	OSC OSCConfig `yaml:"osc"`

	// vMix HTTP API
	Vmix VmixConfig `yaml:"vmix"`

	// Retry and throttling of outbound requests
	Delivery DeliveryConfig `yaml:"delivery"`

	// Queue between receiver and worker
	Queue QueueConfig `yaml:"queue"`

	// IPC command injection (disabled when socket_path is empty)
	IPC IPCConfig `yaml:"ipc"`

	// Health and status websocket server (disabled when listen is empty)
	Status StatusConfig `yaml:"status"`

	// Commands fired on a cron schedule
	Schedules []ScheduleEntry `yaml:"schedules,omitempty"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type OSCConfig struct {
	Listen        string `yaml:"listen"`                   // host:port to bind
	AddressPrefix string `yaml:"address_prefix,omitempty"` // e.g. "/vmix"; empty accepts any namespace
	AllowRaw      bool   `yaml:"allow_raw"`
}

type VmixConfig struct {
	Address   string `yaml:"address"` // host:port of the vMix web controller
	TimeoutMS int    `yaml:"timeout_ms"`
}

type DeliveryConfig struct {
	Attempts     int     `yaml:"attempts"`
	RetryDelayMS int     `yaml:"retry_delay_ms"`
	RateLimit    float64 `yaml:"rate_limit,omitempty"` // requests/second, 0 = unlimited
	RateBurst    int     `yaml:"rate_burst,omitempty"`
}

type QueueConfig struct {
	Capacity int    `yaml:"capacity"` // 0 = unbounded
	Overflow string `yaml:"overflow"` // drop-newest | drop-oldest | block
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type StatusConfig struct {
	Listen string `yaml:"listen"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Listen and device addresses have no default and must be supplied.
func DefaultConfig() Config {
	return Config{
		OSC: OSCConfig{
			AllowRaw: true,
		},
		Vmix: VmixConfig{
			TimeoutMS: int(defaultTimeout / time.Millisecond),
		},
		Delivery: DeliveryConfig{
			Attempts:     defaultAttempts,
			RetryDelayMS: int(defaultRetryDelay / time.Millisecond),
			RateBurst:    defaultRateBurst,
		},
		Queue: QueueConfig{
			Capacity: 0,
			Overflow: string(OverflowDropNewest),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
// Unknown fields and trailing documents are rejected.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// A node accepts any document, so only io.EOF means the file held exactly one.
	if err := dec.Decode(&yaml.Node{}); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides carries values set explicitly by flags or the environment.
// A nil pointer means "not set"; a non-nil pointer is applied even if it holds a zero value.
// The env tags are read with the OSC2VMIX_ prefix.
type FlagOverrides struct {
	OSCListen        *string `env:"LISTEN"`
	OSCAddressPrefix *string `env:"ADDRESS_PREFIX"`
	OSCAllowRaw      *bool   `env:"ALLOW_RAW"`

	VmixAddress   *string `env:"DEVICE"`
	VmixTimeoutMS *int    `env:"TIMEOUT_MS"`

	DeliveryAttempts     *int     `env:"ATTEMPTS"`
	DeliveryRetryDelayMS *int     `env:"RETRY_DELAY_MS"`
	DeliveryRateLimit    *float64 `env:"RATE_LIMIT"`
	DeliveryRateBurst    *int     `env:"RATE_BURST"`

	QueueCapacity *int    `env:"QUEUE_CAPACITY"`
	QueueOverflow *string `env:"QUEUE_OVERFLOW"`

	IPCSocketPath *string `env:"IPC_SOCKET"`
	StatusListen  *string `env:"STATUS_LISTEN"`

	LogLevel *string `env:"LOG_LEVEL"`
}

// LoadEnvOverrides reads OSC2VMIX_* variables. A nil environ means the process environment.
func LoadEnvOverrides(environ map[string]string) (FlagOverrides, error) {
	var o FlagOverrides
	opts := env.Options{Prefix: envPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return FlagOverrides{}, fmt.Errorf("parse environment: %w", err)
	}
	return o, nil
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}

	if o.OSCListen != nil {
		cfg.OSC.Listen = *o.OSCListen
	}
	if o.OSCAddressPrefix != nil {
		cfg.OSC.AddressPrefix = *o.OSCAddressPrefix
	}
	if o.OSCAllowRaw != nil {
		cfg.OSC.AllowRaw = *o.OSCAllowRaw
	}

	if o.VmixAddress != nil {
		cfg.Vmix.Address = *o.VmixAddress
	}
	if o.VmixTimeoutMS != nil {
		cfg.Vmix.TimeoutMS = *o.VmixTimeoutMS
	}

	if o.DeliveryAttempts != nil {
		cfg.Delivery.Attempts = *o.DeliveryAttempts
	}
	if o.DeliveryRetryDelayMS != nil {
		cfg.Delivery.RetryDelayMS = *o.DeliveryRetryDelayMS
	}
	if o.DeliveryRateLimit != nil {
		cfg.Delivery.RateLimit = *o.DeliveryRateLimit
	}
	if o.DeliveryRateBurst != nil {
		cfg.Delivery.RateBurst = *o.DeliveryRateBurst
	}

	if o.QueueCapacity != nil {
		cfg.Queue.Capacity = *o.QueueCapacity
	}
	if o.QueueOverflow != nil {
		cfg.Queue.Overflow = *o.QueueOverflow
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.StatusListen != nil {
		cfg.Status.Listen = *o.StatusListen
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// This is intended to be called after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	// Endpoints
	if c.OSC.Listen == "" {
		return errors.New("listen address is required (LISTEN-ADDR or osc.listen)")
	}
	if err := validateHostPort(c.OSC.Listen, false); err != nil {
		return fmt.Errorf("osc.listen: %w", err)
	}
	if c.Vmix.Address == "" {
		return errors.New("device address is required (DEVICE-ADDR or vmix.address)")
	}
	if err := validateHostPort(c.Vmix.Address, true); err != nil {
		return fmt.Errorf("vmix.address: %w", err)
	}
	if c.Vmix.TimeoutMS <= 0 {
		return errors.New("vmix.timeout_ms must be > 0")
	}

	// Delivery
	if c.Delivery.Attempts < 1 {
		return errors.New("delivery.attempts must be >= 1")
	}
	if c.Delivery.RetryDelayMS < 0 {
		return errors.New("delivery.retry_delay_ms must be >= 0")
	}
	if c.Delivery.RateLimit < 0 {
		return errors.New("delivery.rate_limit must be >= 0")
	}
	if c.Delivery.RateLimit > 0 && c.Delivery.RateBurst < 1 {
		return errors.New("delivery.rate_burst must be >= 1 when rate_limit is set")
	}

	// Queue
	if c.Queue.Capacity < 0 {
		return errors.New("queue.capacity must be >= 0 (0 = unbounded)")
	}
	switch OverflowPolicy(c.Queue.Overflow) {
	case OverflowDropNewest, OverflowDropOldest, OverflowBlock:
	default:
		return fmt.Errorf("queue.overflow must be one of %q, %q, %q",
			OverflowDropNewest, OverflowDropOldest, OverflowBlock)
	}

	// Status server
	if c.Status.Listen != "" {
		if err := validateHostPort(c.Status.Listen, false); err != nil {
			return fmt.Errorf("status.listen: %w", err)
		}
	}

	// Schedules
	dec := NewDecoder(c.OSC.AddressPrefix, c.OSC.AllowRaw)
	for i, s := range c.Schedules {
		if _, err := cron.ParseStandard(s.Spec); err != nil {
			return fmt.Errorf("schedules[%d].spec: %w", i, err)
		}
		if _, err := dec.Decode(Message{Address: s.Address, Args: s.Args}); err != nil {
			return fmt.Errorf("schedules[%d]: %w", i, err)
		}
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// Timeout returns the per-attempt HTTP timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Vmix.TimeoutMS) * time.Millisecond
}

// RetryPolicy converts the delivery section into the worker's policy.
func (c *Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: c.Delivery.Attempts,
		Delay:    time.Duration(c.Delivery.RetryDelayMS) * time.Millisecond,
		Timeout:  c.Timeout(),
	}
}

// validateHostPort accepts "host:port" with a numeric port in 1..65535.
// An empty host ("":9000) is only allowed for listen addresses.
func validateHostPort(addr string, requireHost bool) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if requireHost && host == "" {
		return fmt.Errorf("invalid address %q: missing host", addr)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid address %q: port must be a number between 1 and 65535", addr)
	}
	return nil
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
