package coapnode

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Config carries the endpoint knobs. Zero values fall back to the protocol
// defaults, so an empty Config is usable as-is.
type Config struct {
	ListenAddr string

	TextFile  string
	ImageFile string

	AckTimeout     time.Duration
	MaxRetransmits int

	SubscriberTimeout time.Duration
	TimeoutThreshold  int
	PruneInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:        ":5683",
		TextFile:          "server.txt",
		ImageFile:         "server.jpg",
		AckTimeout:        AckTimeout,
		MaxRetransmits:    MaxRetransmits,
		SubscriberTimeout: SubscriberTimeout,
		TimeoutThreshold:  TimeoutThreshold,
		PruneInterval:     PruneInterval,
	}
}

// fileConfig is the YAML schema; durations are strings in time.ParseDuration
// form ("2s", "3h").
type fileConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	TextFile  string `yaml:"text_file"`
	ImageFile string `yaml:"image_file"`

	AckTimeout     string `yaml:"ack_timeout"`
	MaxRetransmits int    `yaml:"max_retransmits"`

	SubscriberTimeout string `yaml:"subscriber_timeout"`
	TimeoutThreshold  int    `yaml:"timeout_threshold"`
	PruneInterval     string `yaml:"prune_interval"`
}

// LoadConfig reads a YAML config file; fields left out keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, err
	}

	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.TextFile != "" {
		cfg.TextFile = fc.TextFile
	}
	if fc.ImageFile != "" {
		cfg.ImageFile = fc.ImageFile
	}
	if fc.MaxRetransmits > 0 {
		cfg.MaxRetransmits = fc.MaxRetransmits
	}
	if fc.TimeoutThreshold > 0 {
		cfg.TimeoutThreshold = fc.TimeoutThreshold
	}

	if err := setDuration(&cfg.AckTimeout, "ack_timeout", fc.AckTimeout); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.SubscriberTimeout, "subscriber_timeout", fc.SubscriberTimeout); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.PruneInterval, "prune_interval", fc.PruneInterval); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func setDuration(dst *time.Duration, field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s: must be positive", field)
	}
	*dst = d
	return nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.TextFile == "" {
		c.TextFile = def.TextFile
	}
	if c.ImageFile == "" {
		c.ImageFile = def.ImageFile
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.MaxRetransmits <= 0 {
		c.MaxRetransmits = def.MaxRetransmits
	}
	if c.SubscriberTimeout <= 0 {
		c.SubscriberTimeout = def.SubscriberTimeout
	}
	if c.TimeoutThreshold <= 0 {
		c.TimeoutThreshold = def.TimeoutThreshold
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = def.PruneInterval
	}
}
