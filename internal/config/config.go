package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edirooss/feedmux-server/internal/alert"
)

// Build metadata, set with -ldflags "-X".
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

// DefaultPath is read when no -config flag is given.
const DefaultPath = "feedmux-server.yaml"

// Config is the server configuration file.
type Config struct {
	ListenAddress  string        `yaml:"listen_address"`
	Port           string        `yaml:"port"`
	RedisAddress   string        `yaml:"redis_address"`
	RedisDB        int           `yaml:"redis_db"`
	FFmpegPath     string        `yaml:"ffmpeg_path"`
	RotateInterval time.Duration `yaml:"rotate_interval"`
	FeedsFile      string        `yaml:"feeds_file"`    // optional
	ViewerBuffer   int           `yaml:"viewer_buffer"` // frames per live viewer
	MaxStreams     int           `yaml:"max_streams"`   // concurrent live + playback streams
	Alerts         Alerts        `yaml:"alerts"`
}

// Alerts holds the notifier settings; an unconfigured notifier is skipped.
type Alerts struct {
	SMTP alert.SMTPConfig `yaml:"smtp"`
	SMS  alert.SMSConfig  `yaml:"sms"`
	MQTT alert.MQTTConfig `yaml:"mqtt"`
}

// Default returns a config with every optional field filled in.
func Default() *Config {
	return &Config{
		Port:           "8080",
		RedisAddress:   "127.0.0.1:6379",
		FFmpegPath:     "ffmpeg",
		RotateInterval: time.Hour,
		ViewerBuffer:   4,
		MaxStreams:     64,
	}
}

// Load reads the YAML file at path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string { return c.ListenAddress + ":" + c.Port }

func (c *Config) validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.RedisAddress == "" {
		errs = append(errs, errors.New("redis_address is required"))
	}
	if c.RotateInterval <= 0 {
		errs = append(errs, errors.New("rotate_interval must be positive"))
	}
	if c.ViewerBuffer < 1 {
		errs = append(errs, errors.New("viewer_buffer must be at least 1"))
	}
	if c.MaxStreams < 1 {
		errs = append(errs, errors.New("max_streams must be at least 1"))
	}
	return errors.Join(errs...)
}
