package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Doridian/tracething/internal/domain"
)

type Config struct {
	Interface   string `yaml:"interface"`
	Snaplen     int    `yaml:"snaplen"`
	Promiscuous bool   `yaml:"promiscuous"`

	ProbePrefix    string `yaml:"probe_prefix"`
	VirtualPrefix  string `yaml:"virtual_prefix"`
	MaxVirtualHops int    `yaml:"max_virtual_hops"`
	ReplyHopLimit  int    `yaml:"reply_hop_limit"`

	// QueueSize > 0 decouples capture from processing through a bounded
	// FIFO of that many frames.
	QueueSize int `yaml:"queue_size"`

	// ErrorRateLimit caps hop-exceeded messages per second. 0 disables.
	ErrorRateLimit float64 `yaml:"error_rate_limit"`
	ErrorBurst     int     `yaml:"error_burst"`

	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	MetricsAddress string `yaml:"metrics_address"`
}

func Default() *Config {
	return &Config{
		Snaplen:        65535,
		Promiscuous:    true,
		MaxVirtualHops: domain.DefaultMaxVirtualHops,
		ReplyHopLimit:  64,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse applies defaults, expands ${VAR} references and validates.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("interface is required")
	}
	if c.ProbePrefix == "" {
		return fmt.Errorf("probe_prefix is required")
	}
	if c.VirtualPrefix == "" {
		return fmt.Errorf("virtual_prefix is required")
	}
	if _, err := c.AddressSpace(); err != nil {
		return err
	}
	if c.MaxVirtualHops < 0 || c.MaxVirtualHops > 255 {
		return fmt.Errorf("max_virtual_hops must be within 0..255, got %d", c.MaxVirtualHops)
	}
	if c.ReplyHopLimit < 1 || c.ReplyHopLimit > 255 {
		return fmt.Errorf("reply_hop_limit must be within 1..255, got %d", c.ReplyHopLimit)
	}
	if c.Snaplen <= 0 {
		return fmt.Errorf("snaplen must be positive")
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue_size must not be negative")
	}
	if c.ErrorRateLimit < 0 {
		return fmt.Errorf("error_rate_limit must not be negative")
	}
	if c.ErrorRateLimit > 0 && c.ErrorBurst <= 0 {
		c.ErrorBurst = 1
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	return nil
}

// AddressSpace builds the immutable prefix pair the responder serves.
func (c *Config) AddressSpace() (domain.AddressSpace, error) {
	return domain.NewAddressSpace(c.ProbePrefix, c.VirtualPrefix)
}

func (c *Config) Policy() domain.Policy {
	return domain.Policy{MaxVirtualHops: uint8(c.MaxVirtualHops)}
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default}. Bare $VAR is left
// alone so it cannot collide with address text.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if name, def, ok := strings.Cut(name, ":-"); ok {
			if v, ok := os.LookupEnv(name); ok {
				return v
			}
			return def
		}
		return os.Getenv(name)
	})
}
