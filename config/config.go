// Package config loads the YAML settings shared by nathole and
// nathole-server. Command-line flags take precedence over file values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lyc8503/holechat/rendezvous"
	"github.com/lyc8503/holechat/sidechannel"
	"github.com/lyc8503/holechat/stun"
	"github.com/lyc8503/holechat/traversal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string `yaml:"log_level"`
	Client   Client `yaml:"client"`
	Server   Server `yaml:"server"`
}

type Client struct {
	STUN STUN `yaml:"stun"`

	// Source is the local host:port of the single socket used for the STUN
	// tests, the rendezvous exchange and the chat.
	Source string `yaml:"source"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PunchInterval    time.Duration `yaml:"punch_interval"`
	Dialect          string        `yaml:"dialect"`
}

type STUN struct {
	Servers  []string      `yaml:"servers"`
	Port     int           `yaml:"port"`
	Timeout  time.Duration `yaml:"timeout"`
	Attempts int           `yaml:"attempts"`
}

type Server struct {
	Listen         string        `yaml:"listen"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	HandshakeRate  float64       `yaml:"handshake_rate"`
	HandshakeBurst int           `yaml:"handshake_burst"`
	Metrics        string        `yaml:"metrics"`
}

func Default() *Config {
	return &Config{
		LogLevel: "info",
		Client: Client{
			STUN: STUN{
				Servers:  append([]string(nil), stun.DefaultServers...),
				Port:     stun.DefaultPort,
				Timeout:  stun.DefaultTimeout,
				Attempts: stun.DefaultAttempts,
			},
			Source:           "0.0.0.0:54320",
			HandshakeTimeout: sidechannel.DefaultTimeout,
			PunchInterval:    traversal.DefaultPunchInterval,
			Dialect:          "line",
		},
		Server: Server{
			ConfirmTimeout: rendezvous.DefaultConfirmTimeout,
			HandshakeBurst: 1,
		},
	}
}

// Load reads path over Default(). An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	if c.Client.STUN.Port <= 0 || c.Client.STUN.Port > 65535 {
		return fmt.Errorf("invalid stun port %d", c.Client.STUN.Port)
	}
	if c.Client.STUN.Attempts <= 0 {
		return fmt.Errorf("stun attempts must be positive, got %d", c.Client.STUN.Attempts)
	}
	if c.Client.STUN.Timeout <= 0 || c.Client.PunchInterval <= 0 || c.Client.HandshakeTimeout <= 0 {
		return errors.New("client timeouts must be positive")
	}
	if _, err := traversal.DialectByName(c.Client.Dialect); err != nil {
		return err
	}
	if c.Server.ConfirmTimeout <= 0 {
		return errors.New("server confirm_timeout must be positive")
	}
	if c.Server.HandshakeRate < 0 {
		return fmt.Errorf("negative handshake_rate %v", c.Server.HandshakeRate)
	}
	return nil
}
