// Package config loads endpoint configuration from TOML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/TheusHen/veil/veil"
	"github.com/TheusHen/veil/veil/identity"
	"github.com/TheusHen/veil/veil/obfs"
)

const DefaultNetwork = "udp"

// Networks lists the carriers an endpoint may use.
var Networks = []string{"udp", "udp4", "udp6", "tcp"}

// Config describes one endpoint: a listener when Listen is set, a dialer
// when Server is.
type Config struct {
	Network string `toml:"network"`
	Listen  string `toml:"listen"`
	Server  string `toml:"server"`

	// PrivateKey is the hex X25519 key of a listener, optional for a dialer.
	PrivateKey string `toml:"private_key"`
	// ServerPublicKey is the hex key a dialer expects the server to hold.
	ServerPublicKey string `toml:"server_public_key"`

	TargetLoss float64 `toml:"target_loss"`
	Padding    string  `toml:"padding"`
	Compress   bool    `toml:"compress"`
	Trace      bool    `toml:"trace"`

	// IdleTimeout is a duration string such as "90s".
	IdleTimeout time.Duration `toml:"idle_timeout"`
}

// Validate returns nil if the config is usable and otherwise the first problem.
func (cfg *Config) Validate() error {
	if cfg.Network == "" {
		cfg.Network = DefaultNetwork
	}
	if !slices.Contains(Networks, cfg.Network) {
		return fmt.Errorf("config: network %q is not one of %v", cfg.Network, Networks)
	}
	switch {
	case cfg.Listen == "" && cfg.Server == "":
		return errors.New("config: one of listen or server must be set")
	case cfg.Listen != "" && cfg.Server != "":
		return errors.New("config: listen and server are mutually exclusive")
	case cfg.Listen != "" && cfg.PrivateKey == "":
		return errors.New("config: a listener needs private_key")
	case cfg.Server != "" && cfg.ServerPublicKey == "":
		return errors.New("config: a dialer needs server_public_key")
	}
	if cfg.PrivateKey != "" {
		if _, err := identity.ParsePrivateKeyHex(cfg.PrivateKey); err != nil {
			return fmt.Errorf("config: private_key: %w", err)
		}
	}
	if cfg.ServerPublicKey != "" {
		if _, err := identity.ParsePublicKeyHex(cfg.ServerPublicKey); err != nil {
			return fmt.Errorf("config: server_public_key: %w", err)
		}
	}
	if cfg.TargetLoss < 0 || cfg.TargetLoss >= 1 {
		return fmt.Errorf("config: target_loss %v outside [0, 1)", cfg.TargetLoss)
	}
	if cfg.IdleTimeout < 0 {
		return fmt.Errorf("config: negative idle_timeout %v", cfg.IdleTimeout)
	}
	if cfg.Padding != "" && !slices.Contains(obfs.ProfileNames(), cfg.Padding) {
		return fmt.Errorf("config: padding %q is not one of %v", cfg.Padding, obfs.ProfileNames())
	}
	return nil
}

// Load parses and validates b as a config file body.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the file at path.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// Veil converts the file settings into a veil.Config. reg may be nil.
func (cfg *Config) Veil(reg prometheus.Registerer) (veil.Config, error) {
	out := veil.Config{
		TargetLoss:  cfg.TargetLoss,
		Padding:     cfg.Padding,
		Registerer:  reg,
		Compress:    cfg.Compress,
		Trace:       cfg.Trace,
		IdleTimeout: cfg.IdleTimeout,
	}
	if cfg.PrivateKey != "" {
		kp, err := identity.ParsePrivateKeyHex(cfg.PrivateKey)
		if err != nil {
			return veil.Config{}, err
		}
		out.KeyPair = &kp
	}
	return out, nil
}

// ServerKey is the parsed server_public_key.
func (cfg *Config) ServerKey() (identity.PublicKey, error) {
	return identity.ParsePublicKeyHex(cfg.ServerPublicKey)
}
