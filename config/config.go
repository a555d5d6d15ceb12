// Package config layers server settings: defaults, an optional YAML or
// TOML file, PYKMS_* environment variables and finally command line flags.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/xmdhs/kmsd/kms"
)

var ErrInvalid = errors.New("config: invalid value")

// ValidationError names the offending setting.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// RandomHWID asks Policy for a fresh hardware id.
const RandomHWID = "RANDOM"

const (
	minInterval = 1
	maxInterval = 1000000
)

type Config struct {
	IP   string `yaml:"ip" toml:"ip"`
	Port int    `yaml:"port" toml:"port"`

	// Epid is sent verbatim when set instead of a generated one.
	Epid string `yaml:"epid" toml:"epid"`
	LCID int    `yaml:"lcid" toml:"lcid"`
	// ClientCount overrides the count reported to clients; 0 derives it
	// from the request.
	ClientCount        int    `yaml:"client_count" toml:"client_count"`
	ActivationInterval int    `yaml:"activation_interval" toml:"activation_interval"`
	RenewalInterval    int    `yaml:"renewal_interval" toml:"renewal_interval"`
	HWID               string `yaml:"hwid" toml:"hwid"`

	SQLite      bool   `yaml:"sqlite" toml:"sqlite"`
	Database    string `yaml:"database" toml:"database"`
	MemoryStore int    `yaml:"memory_store" toml:"memory_store"`
	Catalog     string `yaml:"catalog" toml:"catalog"`

	LogLevel       string        `yaml:"loglevel" toml:"loglevel"`
	MetricsAddr    string        `yaml:"metrics_addr" toml:"metrics_addr"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	MaxConnections int64         `yaml:"max_connections" toml:"max_connections"`
}

func Default() *Config {
	return &Config{
		IP:                 "0.0.0.0",
		Port:               1688,
		LCID:               1033,
		ActivationInterval: 120,
		RenewalInterval:    10080,
		HWID:               "364F463A8863D35F",
		Database:           "kmsd.db",
		LogLevel:           "info",
		IdleTimeout:        30 * time.Second,
		MaxConnections:     1024,
	}
}

// Load reads path over the defaults. The format follows the extension:
// .yaml, .yml or .toml. An empty path returns the defaults.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		return nil, fmt.Errorf("config %s: unsupported format %q", path, ext)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from PYKMS_* variables found by lookup,
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return invalid(key, "not a number: %q", v)
		}
		*dst = n
		return nil
	}

	str("PYKMS_IP", &c.IP)
	str("PYKMS_HWID", &c.HWID)
	str("PYKMS_LOGLEVEL", &c.LogLevel)
	str("PYKMS_EPID", &c.Epid)
	if v, ok := lookup("PYKMS_DATABASE"); ok {
		c.Database = strings.TrimSpace(v)
		c.SQLite = c.Database != ""
	}
	if v, ok := lookup("PYKMS_SQLITE"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return invalid("PYKMS_SQLITE", "not a boolean: %q", v)
		}
		c.SQLite = b
	}
	return errors.Join(
		num("PYKMS_PORT", &c.Port),
		num("PYKMS_LCID", &c.LCID),
		num("PYKMS_CLIENT_COUNT", &c.ClientCount),
		num("PYKMS_ACTIVATION", &c.ActivationInterval),
		num("PYKMS_RENEWAL", &c.RenewalInterval),
	)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if net.ParseIP(strings.Trim(c.IP, "[]")) == nil {
		errs = append(errs, invalid("ip", "not an IP address: %q", c.IP))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, invalid("port", "%d out of range 1-65535", c.Port))
	}
	if _, err := c.hwid(); err != nil {
		errs = append(errs, err)
	}
	if c.LCID < 0 || c.LCID > 0xFFFF {
		errs = append(errs, invalid("lcid", "%d out of range 0-65535", c.LCID))
	}
	if c.ClientCount < 0 {
		errs = append(errs, invalid("client_count", "must not be negative"))
	}
	if c.ActivationInterval < minInterval || c.ActivationInterval > maxInterval {
		errs = append(errs, invalid("activation_interval", "%d out of range %d-%d", c.ActivationInterval, minInterval, maxInterval))
	}
	if c.RenewalInterval < minInterval || c.RenewalInterval > maxInterval {
		errs = append(errs, invalid("renewal_interval", "%d out of range %d-%d", c.RenewalInterval, minInterval, maxInterval))
	}
	if c.MaxConnections < 1 {
		errs = append(errs, invalid("max_connections", "must be at least 1"))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, invalid("idle_timeout", "must not be negative"))
	}
	if c.MemoryStore < 0 {
		errs = append(errs, invalid("memory_store", "must not be negative"))
	}
	if c.SQLite && c.Database == "" {
		errs = append(errs, invalid("database", "required when sqlite is enabled"))
	}
	return errors.Join(errs...)
}

// hwid decodes HWID, returning nil for RANDOM.
func (c *Config) hwid() ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(c.HWID), "0x"), "0X")
	if strings.EqualFold(s, RandomHWID) {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 8 {
		return nil, invalid("hwid", "%q must be 16 hex characters or %s", c.HWID, RandomHWID)
	}
	return b, nil
}

// Policy builds the snapshot the engine serves with. A RANDOM hardware id is
// drawn on every call.
func (c *Config) Policy() (kms.Policy, error) {
	if err := c.Validate(); err != nil {
		return kms.Policy{}, err
	}
	p := kms.Policy{
		Epid:               c.Epid,
		LCID:               uint32(c.LCID),
		ClientCount:        uint32(c.ClientCount),
		ActivationInterval: uint32(c.ActivationInterval),
		RenewalInterval:    uint32(c.RenewalInterval),
	}
	b, _ := c.hwid()
	if b == nil {
		b = make([]byte, 8)
		rand.Read(b)
	}
	copy(p.HWID[:], b)
	return p, nil
}

// Address is the listen address in host:port form.
func (c *Config) Address() string {
	return net.JoinHostPort(strings.Trim(c.IP, "[]"), strconv.Itoa(c.Port))
}
