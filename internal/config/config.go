// Package config loads the automator configuration document.
//
// The document is a YAML mapping whose top-level keys are either reserved
// (app, broker) or vendor names. Under each vendor, device names map to a
// record with an optional "device" id override and named rules; the special
// "common" record holds rules inherited by every device of that vendor.
//
// Mapping order matters (rules apply in declaration order), so the document
// is walked as a yaml.Node tree rather than decoded into Go maps.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/mqtt-automator/internal/rules"
)

// Reserved keys.
const (
	keyApp    = "app"
	keyBroker = "broker"
	keyCommon = "common"
	keyDevice = "device"
	keyParent = "parent"
)

// DefaultPath is the configuration file used when neither flag nor env is set.
const DefaultPath = "config.yml"

var (
	// ErrInvalidConfig is returned for a malformed document.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrInvalidRule is returned for a rule violating the schedule or action invariants.
	ErrInvalidRule = errors.New("invalid rule")
)

// Config is the typed configuration document.
type Config struct {
	App     AppConfig
	Broker  BrokerConfig
	Devices []Device
	// RuleSets holds the merged rules per device name.
	RuleSets map[string]rules.RuleSet
}

// AppConfig holds process settings from the "app" section.
type AppConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Timezone  string        `yaml:"timezone"`
	HTTP      string        `yaml:"http"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// BrokerConfig holds MQTT broker settings from the "broker" section.
type BrokerConfig struct {
	IP       string `yaml:"ip"`
	Port     int    `yaml:"port"`
	Protocol int    `yaml:"protocol"`
	ClientID string `yaml:"client_id"`
	QoS      int    `yaml:"qos"`
}

// Device is a configured device.
// Name addresses the device from rules; ID is its wire-level identifier.
type Device struct {
	Vendor string
	ID     string
	Name   string
	Parent string
}

// Location returns the configured timezone, or time.Local when unset.
func (a AppConfig) Location() (*time.Location, error) {
	if a.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(a.Timezone)
}

// URL returns the paho broker URL.
func (b BrokerConfig) URL() string {
	return fmt.Sprintf("tcp://%s:%d", b.IP, b.Port)
}

// Load reads configuration from a YAML file, applies environment overrides
// and validates the result.
func Load(path string, logger *slog.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, logger)
}

// Parse builds a Config from YAML bytes.
// Malformed sub-rules are logged to logger and kept as never-active entries.
func Parse(data []byte, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidConfig)
	}
	root := resolve(doc.Content[0])
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: root must be a mapping", ErrInvalidConfig)
	}

	cfg := defaultConfig()
	p := parser{logger: logger}

	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i].Value, resolve(root.Content[i+1])
		switch key {
		case keyApp:
			if err := val.Decode(&cfg.App); err != nil {
				return nil, fmt.Errorf("%w: app: %w", ErrInvalidConfig, err)
			}
		case keyBroker:
			if err := val.Decode(&cfg.Broker); err != nil {
				return nil, fmt.Errorf("%w: broker: %w", ErrInvalidConfig, err)
			}
		default:
			if err := p.vendor(cfg, key, val); err != nil {
				return nil, err
			}
		}
	}

	applyEnvOverrides(cfg)
	if cfg.Broker.ClientID == "" {
		cfg.Broker.ClientID = "mqtt-automator-" + uuid.NewString()[:8]
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		App: AppConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
			Heartbeat: 15 * time.Minute,
		},
		Broker: BrokerConfig{
			Port:     1883,
			Protocol: 5,
		},
		RuleSets: make(map[string]rules.RuleSet),
	}
}

// applyEnvOverrides applies environment variable overrides.
// Variables follow the pattern AUTOMATOR_SECTION_KEY.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AUTOMATOR_BROKER_HOST"); v != "" {
		cfg.Broker.IP = v
	}
	if v := os.Getenv("AUTOMATOR_BROKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Broker.Port = port
		}
	}
	if v := os.Getenv("AUTOMATOR_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("AUTOMATOR_HTTP"); v != "" {
		cfg.App.HTTP = v
	}
}

// Validate checks the non-rule settings. Rule invariants are enforced while parsing.
func (c *Config) Validate() error {
	var errs []string

	if c.Broker.IP == "" {
		errs = append(errs, "broker.ip is required")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Sprintf("broker.port %d out of range", c.Broker.Port))
	}
	switch c.Broker.Protocol {
	case 3, 4, 5:
	default:
		errs = append(errs, fmt.Sprintf("broker.protocol %d must be 3, 4 or 5", c.Broker.Protocol))
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		errs = append(errs, fmt.Sprintf("broker.qos %d must be 0, 1 or 2", c.Broker.QoS))
	}
	if c.App.Heartbeat < 0 {
		errs = append(errs, "app.heartbeat must not be negative")
	}
	if _, err := c.App.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("app.timezone: %v", err))
	}

	seen := make(map[string]string, len(c.Devices))
	for _, d := range c.Devices {
		if vendor, dup := seen[d.Name]; dup {
			errs = append(errs, fmt.Sprintf("device %q defined under both %s and %s", d.Name, vendor, d.Vendor))
		}
		seen[d.Name] = d.Vendor
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// resolve follows YAML aliases.
func resolve(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}
