package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env"
	"gopkg.in/yaml.v3"

	"hanukia-controller/internal/fire"
	"hanukia-controller/internal/lamp"
	"hanukia-controller/internal/sequencer"
)

// ServerConfig - HTTP server settings
type ServerConfig struct {
	Port           string   `json:"port" yaml:"port"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	PreviewFPS     float64  `json:"preview_fps" yaml:"preview_fps"`
}

// StripConfig - the addressable LED strip
type StripConfig struct {
	Driver     string `json:"driver" yaml:"driver"` // "sim" | "spi"
	SPIDev     string `json:"spi_dev" yaml:"spi_dev"`
	SPIFreqKHz int    `json:"spi_freq_khz" yaml:"spi_freq_khz"`
	PixelCount int    `json:"pixel_count" yaml:"pixel_count"`
}

// FireConfig - flicker cadence and colours
type FireConfig struct {
	Quantum string       `json:"quantum" yaml:"quantum"`
	Palette fire.Palette `json:"palette" yaml:"palette"`
	Seed    int64        `json:"seed" yaml:"seed"`
}

// SequenceConfig - lamp sequencing
type SequenceConfig struct {
	Step   string `json:"step" yaml:"step"`
	Policy string `json:"policy" yaml:"policy"` // "deferred" | "interrupt"
}

// BLEConfig - optional BLEDOM strip mirroring the flame colour
type BLEConfig struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	DeviceNames       []string `json:"device_names" yaml:"device_names"`
	ScanTimeout       string   `json:"scan_timeout" yaml:"scan_timeout"`
	ConnectTimeout    string   `json:"connect_timeout" yaml:"connect_timeout"`
	HeartbeatInterval string   `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	RetryDelay        string   `json:"retry_delay" yaml:"retry_delay"`
	RateLimit         float64  `json:"command_rate_limit" yaml:"command_rate_limit"`
	RateBurst         int      `json:"command_rate_burst" yaml:"command_rate_burst"`
}

// MQTTConfig - MQTT and Home Assistant discovery
type MQTTConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	Broker             string `json:"broker" yaml:"broker"` // tcp://IP:PORT
	Username           string `json:"username" yaml:"username"`
	Password           string `json:"password" yaml:"password"`
	ClientID           string `json:"client_id" yaml:"client_id"`
	TopicPrefix        string `json:"topic_prefix" yaml:"topic_prefix"`
	HADiscoveryEnabled bool   `json:"ha_discovery_enabled" yaml:"ha_discovery_enabled"`
	HADiscoveryPrefix  string `json:"ha_discovery_prefix" yaml:"ha_discovery_prefix"`
}

// Config is the top-level configuration.
type Config struct {
	LogLevel string         `json:"log_level" yaml:"log_level"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Strip    StripConfig    `json:"strip" yaml:"strip"`
	Lamps    [][]int        `json:"lamps" yaml:"lamps"`
	Fire     FireConfig     `json:"fire" yaml:"fire"`
	Sequence SequenceConfig `json:"sequence" yaml:"sequence"`
	BLE      BLEConfig      `json:"ble" yaml:"ble"`
	MQTT     MQTTConfig     `json:"mqtt" yaml:"mqtt"`

	PatternsDir   string `json:"patterns_dir" yaml:"patterns_dir"`
	SchedulesFile string `json:"schedules_file" yaml:"schedules_file"`
}

// envOverrides lists the settings that can be replaced from the environment.
type envOverrides struct {
	LogLevel    string `env:"HANUKIA_LOG_LEVEL"`
	Port        string `env:"HANUKIA_PORT"`
	StripDriver string `env:"HANUKIA_STRIP_DRIVER"`
	SPIDev      string `env:"HANUKIA_SPI_DEV"`
	Policy      string `env:"HANUKIA_SEQUENCE_POLICY"`
	MQTTBroker  string `env:"HANUKIA_MQTT_BROKER"`
	MQTTUser    string `env:"HANUKIA_MQTT_USERNAME"`
	MQTTPass    string `env:"HANUKIA_MQTT_PASSWORD"`
}

// Load reads the file at path (JSON, or YAML for .yaml/.yml), applies
// environment overrides, defaults and validation. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to open config file '%s': %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.sanitize()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode json: %w", err)
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.LogLevel, o.LogLevel)
	set(&c.Server.Port, o.Port)
	set(&c.Strip.Driver, o.StripDriver)
	set(&c.Strip.SPIDev, o.SPIDev)
	set(&c.Sequence.Policy, o.Policy)
	set(&c.MQTT.Broker, o.MQTTBroker)
	set(&c.MQTT.Username, o.MQTTUser)
	set(&c.MQTT.Password, o.MQTTPass)
	return nil
}

func (c *Config) sanitize() {
	c.Server.Port = strings.TrimSpace(c.Server.Port)
	c.Strip.Driver = strings.ToLower(strings.TrimSpace(c.Strip.Driver))
	c.Strip.SPIDev = strings.TrimSpace(c.Strip.SPIDev)
	c.Sequence.Policy = strings.ToLower(strings.TrimSpace(c.Sequence.Policy))
	c.PatternsDir = strings.TrimSpace(c.PatternsDir)
	c.SchedulesFile = strings.TrimSpace(c.SchedulesFile)
	// BLE names keep their whitespace: some devices advertise padded names.
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	// Server Defaults
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.PreviewFPS <= 0 {
		c.Server.PreviewFPS = 10
	}

	// Strip Defaults
	if c.Strip.Driver == "" {
		c.Strip.Driver = "sim"
	}
	if c.Strip.SPIDev == "" {
		c.Strip.SPIDev = "/dev/spidev0.0"
	}
	if c.Strip.SPIFreqKHz <= 0 {
		c.Strip.SPIFreqKHz = 2500
	}
	if c.Strip.PixelCount <= 0 {
		c.Strip.PixelCount = lamp.DefaultPixelCount
	}
	if len(c.Lamps) == 0 {
		m := lamp.DefaultMapping()
		c.Lamps = m[:]
	}

	// Fire Defaults
	if c.Fire.Quantum == "" {
		c.Fire.Quantum = "50ms"
	}
	if c.Fire.Palette == (fire.Palette{}) {
		c.Fire.Palette = fire.DefaultPalette()
	}
	if c.Fire.Seed == 0 {
		c.Fire.Seed = time.Now().UnixNano()
	}

	// Sequence Defaults
	if c.Sequence.Step == "" {
		c.Sequence.Step = "1s"
	}
	if c.Sequence.Policy == "" {
		c.Sequence.Policy = "deferred"
	}

	// BLE Defaults
	if len(c.BLE.DeviceNames) == 0 {
		c.BLE.DeviceNames = []string{"ELK-BLEDOM   ", "BLEDOM"}
	}
	if c.BLE.ScanTimeout == "" {
		c.BLE.ScanTimeout = "30s"
	}
	if c.BLE.ConnectTimeout == "" {
		c.BLE.ConnectTimeout = "7s"
	}
	if c.BLE.HeartbeatInterval == "" {
		c.BLE.HeartbeatInterval = "60s"
	}
	if c.BLE.RetryDelay == "" {
		c.BLE.RetryDelay = "5s"
	}
	if c.BLE.RateLimit <= 0 {
		c.BLE.RateLimit = 10.0
	}
	if c.BLE.RateBurst <= 0 {
		c.BLE.RateBurst = 5
	}

	// File Defaults
	if c.PatternsDir == "" {
		c.PatternsDir = "patterns"
	}
	if c.SchedulesFile == "" {
		c.SchedulesFile = "schedules.json"
	}

	// MQTT Defaults
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "hanukia-controller"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "hanukia"
	}
	if c.MQTT.HADiscoveryPrefix == "" {
		c.MQTT.HADiscoveryPrefix = "homeassistant"
	}
}

func (c *Config) validate() error {
	switch c.Strip.Driver {
	case "sim", "spi":
	default:
		return fmt.Errorf("config error: unknown strip driver '%s'", c.Strip.Driver)
	}
	if _, err := c.Mapping(); err != nil {
		return fmt.Errorf("config error: lamps: %w", err)
	}
	if err := c.Fire.Palette.Validate(); err != nil {
		return fmt.Errorf("config error: fire palette: %w", err)
	}
	for name, v := range map[string]string{
		"fire.quantum":           c.Fire.Quantum,
		"sequence.step":          c.Sequence.Step,
		"ble.scan_timeout":       c.BLE.ScanTimeout,
		"ble.connect_timeout":    c.BLE.ConnectTimeout,
		"ble.heartbeat_interval": c.BLE.HeartbeatInterval,
		"ble.retry_delay":        c.BLE.RetryDelay,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config error: '%s': %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("config error: '%s' must be positive", name)
		}
	}
	if _, err := sequencer.ParsePolicy(c.Sequence.Policy); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	return nil
}

// Mapping returns the validated lamp mapping.
func (c *Config) Mapping() (lamp.Mapping, error) {
	m, err := lamp.MappingFrom(c.Lamps)
	if err != nil {
		return m, err
	}
	return m, m.Validate(c.Strip.PixelCount)
}

// Quantum returns the parsed frame interval. Only valid after Load.
func (c *Config) Quantum() time.Duration {
	d, _ := time.ParseDuration(c.Fire.Quantum)
	return d
}

// Step returns the parsed sequence step. Only valid after Load.
func (c *Config) Step() time.Duration {
	d, _ := time.ParseDuration(c.Sequence.Step)
	return d
}

// Policy returns the parsed sequence policy. Only valid after Load.
func (c *Config) Policy() sequencer.Policy {
	p, _ := sequencer.ParsePolicy(c.Sequence.Policy)
	return p
}

// Duration parses one of the BLE duration strings, which validate already checked.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
