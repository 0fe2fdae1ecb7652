// Package config handles TOML configuration parsing, defaulting and
// validation for xtunneld, plus the config file discovery order (an
// explicit flag, then the user file, then the system file).
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for xtunneld.
type Config struct {
	Tap    TapConfig    `toml:"tap"`
	IM     IMConfig     `toml:"im"`
	Config DaemonConfig `toml:"config"`
}

// TapConfig describes the local TAP device to open and configure.
type TapConfig struct {
	Devnum string `toml:"devnum"`
	IP     string `toml:"ip"`
	Mask   string `toml:"mask"`
}

// IMConfig holds the messaging-transport account and optional external
// reachability hint. IP/Port being set makes this node's presence
// "External" and starts a DirectListener.
type IMConfig struct {
	Account  string `toml:"account"`
	Password string `toml:"password"`
	IP       string `toml:"ip"`
	Port     int    `toml:"port"`
}

// External reports whether this node advertises an inbound-dialable
// external endpoint.
func (c IMConfig) External() bool {
	return c.IP != "" && c.Port != 0
}

// DaemonConfig holds process-lifecycle settings that belong to the CLI
// and daemonization layer, not the core engine, but are parsed from the
// same file.
type DaemonConfig struct {
	User    string `toml:"user"`
	Group   string `toml:"group"`
	Debug   bool   `toml:"debug"`
	PIDPath string `toml:"pid_path"`
}

// ~/.xtunnel is preferred over /etc/xtunnel.conf.
func userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".xtunnel")
}

const sysConfigPath = "/etc/xtunnel.conf"

// Discover returns the config file path to load: an explicit flag value if
// non-empty, else ~/.xtunnel if it exists, else /etc/xtunnel.conf if it
// exists. Empty string means no config file was found.
func Discover(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := userConfigPath(); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if _, err := os.Stat(sysConfigPath); err == nil {
		return sysConfigPath
	}
	return ""
}

// Load reads and parses a TOML config file, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validating %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields the core engine depends on for correctness at
// startup, collecting every problem rather than failing on the first.
func (c *Config) Validate() error {
	var errs []error

	if c.Tap.Devnum == "" {
		errs = append(errs, errors.New("tap.devnum is required"))
	}
	if net.ParseIP(c.Tap.IP) == nil {
		errs = append(errs, fmt.Errorf("tap.ip %q is not a valid IP address", c.Tap.IP))
	}
	if net.ParseIP(c.Tap.Mask) == nil {
		errs = append(errs, fmt.Errorf("tap.mask %q is not a valid dotted-quad netmask", c.Tap.Mask))
	}

	if c.IM.Account == "" {
		errs = append(errs, errors.New("im.account is required"))
	}

	switch {
	case c.IM.IP != "" && c.IM.Port == 0:
		errs = append(errs, errors.New("im.ip is set but im.port is missing"))
	case c.IM.IP == "" && c.IM.Port != 0:
		errs = append(errs, errors.New("im.port is set but im.ip is missing"))
	case c.IM.IP != "" && net.ParseIP(c.IM.IP) == nil:
		errs = append(errs, fmt.Errorf("im.ip %q is not a valid IP address", c.IM.IP))
	case c.IM.Port < 0 || c.IM.Port > 65535:
		errs = append(errs, fmt.Errorf("im.port %d out of range", c.IM.Port))
	}

	if c.Config.PIDPath == "" {
		errs = append(errs, errors.New("config.pid_path is required"))
	}

	return errors.Join(errs...)
}
