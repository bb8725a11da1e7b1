// ABOUTME: Application configuration from YAML file, environment, and defaults
// ABOUTME: Secrets come from environment variables only and are never written to YAML
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all MicBridge environment variables.
const EnvPrefix = "MICBRIDGE_"

// Config holds all application configuration.
type Config struct {
	// Stream server
	StreamPort    int    `yaml:"stream_port"`
	AdvertiseHost string `yaml:"advertise_host"` // host devices use to reach us; empty = auto-detect

	// Capture / encode
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	Gain       int `yaml:"gain"` // integer amplification factor, saturating

	// The declared Content-Length for the unbounded PCM stream. Renderers
	// that gate playback on Content-Length need a finite value; it encodes
	// the assumed maximum session duration, so it is configurable rather
	// than a constant.
	FakeContentLength int64 `yaml:"fake_content_length"`

	AACBitrate      int     `yaml:"aac_bitrate"`
	SegmentSeconds  float64 `yaml:"segment_seconds"`
	SegmentCapacity int     `yaml:"segment_capacity"`

	// Eventing
	SubscribeTimeoutSec int `yaml:"subscribe_timeout_sec"`
	PollIntervalSec     int `yaml:"poll_interval_sec"`

	// Secret: env var only, never serialized to YAML.
	AnnounceAPIKey string `yaml:"-"`
}

func defaults() Config {
	return Config{
		StreamPort:          8931,
		SampleRate:          44100,
		Channels:            1,
		Gain:                4,
		FakeContentLength:   0x7FFFFFFE, // ~3.4 hours of 44.1kHz mono PCM
		AACBitrate:          128000,
		SegmentSeconds:      2.0,
		SegmentCapacity:     5,
		SubscribeTimeoutSec: 300,
		PollIntervalSec:     10,
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnv(&cfg)
	cfg.AnnounceAPIKey = os.Getenv(EnvPrefix + "ANNOUNCE_API_KEY")

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setInt := func(key string, dst *int) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setInt("STREAM_PORT", &cfg.StreamPort)
	setInt("SAMPLE_RATE", &cfg.SampleRate)
	setInt("CHANNELS", &cfg.Channels)
	setInt("GAIN", &cfg.Gain)
	setInt("AAC_BITRATE", &cfg.AACBitrate)
	setInt("SEGMENT_CAPACITY", &cfg.SegmentCapacity)
	setInt("SUBSCRIBE_TIMEOUT_SEC", &cfg.SubscribeTimeoutSec)
	setInt("POLL_INTERVAL_SEC", &cfg.PollIntervalSec)

	if v := os.Getenv(EnvPrefix + "ADVERTISE_HOST"); v != "" {
		cfg.AdvertiseHost = v
	}
	if v := os.Getenv(EnvPrefix + "FAKE_CONTENT_LENGTH"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.FakeContentLength = n
		}
	}
	if v := os.Getenv(EnvPrefix + "SEGMENT_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SegmentSeconds = f
		}
	}
}

func (c Config) validate() error {
	if c.StreamPort < 0 || c.StreamPort > 65535 {
		return fmt.Errorf("invalid stream_port %d", c.StreamPort)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("invalid sample_rate %d", c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("invalid channels %d (must be 1 or 2)", c.Channels)
	}
	if c.Gain < 1 {
		return fmt.Errorf("invalid gain %d (must be >= 1)", c.Gain)
	}
	if c.FakeContentLength <= 0 {
		return fmt.Errorf("invalid fake_content_length %d", c.FakeContentLength)
	}
	if c.SegmentSeconds <= 0 {
		return fmt.Errorf("invalid segment_seconds %v", c.SegmentSeconds)
	}
	if c.SegmentCapacity < 1 {
		return fmt.Errorf("invalid segment_capacity %d", c.SegmentCapacity)
	}
	if c.SubscribeTimeoutSec < 30 {
		return fmt.Errorf("invalid subscribe_timeout_sec %d (must be >= 30)", c.SubscribeTimeoutSec)
	}
	return nil
}
