package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel   string                `yaml:"log_level" default:"info"`
	MQTT       MQTTConfig            `yaml:"mqtt"`
	BLE        BLEConfig             `yaml:"ble"`
	Publish    PublishConfig         `yaml:"publish"`
	Attributes AttributesConfig      `yaml:"attributes"`
	Devices    map[string]DeviceSpec `yaml:"devices"`
	History    HistoryConfig         `yaml:"history"`
	HTTP       HTTPConfig            `yaml:"http"`
	Status     StatusConfig          `yaml:"status"`
}

// MQTTConfig contains broker connection settings.
type MQTTConfig struct {
	Host     string `yaml:"host" default:"localhost"`
	Port     int    `yaml:"port" default:"1883"`
	TLS      bool   `yaml:"tls"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
	// ClientIDGenerated is set when ClientID was not configured and a random one was assigned.
	ClientIDGenerated bool `yaml:"-"`
	// Prefix is prepended to every bridge topic; it starts with a slash by convention.
	Prefix               string        `yaml:"prefix" default:"/ble"`
	KeepAlive            time.Duration `yaml:"keep_alive" default:"60s"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout" default:"10s"`
	InitialReconnectWait time.Duration `yaml:"initial_reconnect_wait" default:"1s"`
	MaxReconnectWait     time.Duration `yaml:"max_reconnect_wait" default:"60s"`
}

// BLEConfig contains radio, scanning and connection settings.
type BLEConfig struct {
	PowerOnTimeout time.Duration `yaml:"power_on_timeout" default:"30s"`
	StartDelay     time.Duration `yaml:"start_delay" default:"1s"`
	// WatchdogInterval is the window in which at least one advertisement must arrive while scanning.
	WatchdogInterval  time.Duration `yaml:"watchdog_interval" default:"20s"`
	MaxConnections    int           `yaml:"max_connections" default:"4"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" default:"20s"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"10s"`
	DiscoveryTimeout  time.Duration `yaml:"discovery_timeout" default:"4s"`
	BusyTimeout       time.Duration `yaml:"busy_timeout" default:"10s"`
	PresenceTimeout   time.Duration `yaml:"presence_timeout" default:"60s"`
	MinRSSI           int           `yaml:"min_rssi" default:"-100"`
	DedupeWindow      time.Duration `yaml:"dedupe_window" default:"60s"`
	OnlyKnownDevices  bool          `yaml:"only_known_devices"`
	QueueDelay        time.Duration `yaml:"queue_delay" default:"100ms"`
	ConnectDelay      time.Duration `yaml:"connect_delay" default:"1s"`
}

// PublishConfig selects which topic families are emitted.
type PublishConfig struct {
	LegacyTopics  bool `yaml:"legacy_topics" default:"true"`
	JSONState     bool `yaml:"json_state" default:"true"`
	CacheState    bool `yaml:"cache_state"`
	HomeAssistant bool `yaml:"homeassistant"`
}

// AttributesConfig tunes decoding and service filtering.
type AttributesConfig struct {
	Exclude         []string `yaml:"exclude"`
	ExcludeServices []string `yaml:"exclude_services"`
	IncludeServices []string `yaml:"include_services"`
	// ExcludeAttributes drops decoded keys such as "rssi" for every device without its own list.
	ExcludeAttributes []string          `yaml:"exclude_attributes"`
	SingleByte        map[string]string `yaml:"single_byte"`
}

// DeviceSpec carries per-device overrides. Zero values inherit the global setting.
//
// In YAML a device is either a bare name or a mapping:
//
//	devices:
//	  "a4:c1:38:00:00:01": kitchen
//	  "a4:c1:38:00:00:02":
//	    name: bedroom
//	    bind_key: 000102030405060708090a0b0c0d0e0f
type DeviceSpec struct {
	Name              string        `yaml:"name"`
	MinRSSI           *int          `yaml:"min_rssi"`
	PresenceTimeout   time.Duration `yaml:"presence_timeout"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	ExcludeAttributes []string      `yaml:"exclude_attributes"`
	BindKey           string        `yaml:"bind_key"`
	CacheState        *bool         `yaml:"cache_state"`
}

// UnmarshalYAML accepts both the string and the mapping form.
func (d *DeviceSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&d.Name)
	}
	type plain DeviceSpec
	return node.Decode((*plain)(d))
}

// HistoryConfig controls the rollup recorder.
type HistoryConfig struct {
	Enabled   bool           `yaml:"enabled"`
	Prefix    string         `yaml:"prefix" default:"/hist/"`
	Dir       string         `yaml:"dir" default:"log"`
	Intervals []Interval     `yaml:"intervals"`
	InfluxDB  InfluxDBConfig `yaml:"influxdb"`
}

// Interval is one named rollup period.
type Interval struct {
	Name   string        `yaml:"name"`
	Period time.Duration `yaml:"period"`
}

// InfluxDBConfig optionally mirrors history flushes into InfluxDB.
type InfluxDBConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url" default:"http://localhost:8086"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket" default:"blehub"`
	BatchSize     uint          `yaml:"batch_size" default:"100"`
	FlushInterval time.Duration `yaml:"flush_interval" default:"10s"`
}

// HTTPConfig controls the status server.
type HTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port" default:"1888"`
	// MQTTRelay is the broker TCP address websocket clients are piped to; empty means mqtt.host:mqtt.port.
	MQTTRelay string `yaml:"mqtt_relay"`
	MDNS      bool   `yaml:"mdns" default:"true"`
}

// StatusConfig controls the terminal dashboard.
type StatusConfig struct {
	Console bool `yaml:"console"`
}

// DefaultHistoryIntervals are the rollup periods used when none are configured.
func DefaultHistoryIntervals() []Interval {
	return []Interval{
		{Name: "minute", Period: time.Minute},
		{Name: "tenminutes", Period: 10 * time.Minute},
		{Name: "hour", Period: time.Hour},
		{Name: "day", Period: 24 * time.Hour},
	}
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Devices = map[string]DeviceSpec{}
	return cfg
}

// Load reads the YAML (or JSON) file at path on top of the defaults, then applies
// BLEHUB_* environment overrides and validates. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.finalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("BLEHUB_MQTT_HOST"); v != "" {
		cfg.MQTT.Host = v
	}
	if v := os.Getenv("BLEHUB_MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BLEHUB_MQTT_PORT: %w", err)
		}
		cfg.MQTT.Port = port
	}
	if v := os.Getenv("BLEHUB_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("BLEHUB_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("BLEHUB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BLEHUB_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BLEHUB_HTTP_PORT: %w", err)
		}
		cfg.HTTP.Port = port
	}
	if v := os.Getenv("BLEHUB_INFLUXDB_TOKEN"); v != "" {
		cfg.History.InfluxDB.Token = v
	}
	return nil
}

// finalize fills composite defaults and canonicalizes device keys.
func (c *Config) finalize() {
	if len(c.History.Intervals) == 0 {
		c.History.Intervals = DefaultHistoryIntervals()
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "blehub-" + uuid.NewString()[:8]
		c.MQTT.ClientIDGenerated = true
	}
	if !strings.HasSuffix(c.History.Prefix, "/") {
		c.History.Prefix += "/"
	}
	c.MQTT.Prefix = strings.TrimSuffix(c.MQTT.Prefix, "/")

	devices := make(map[string]DeviceSpec, len(c.Devices))
	for addr, spec := range c.Devices {
		devices[strings.ToLower(strings.TrimSpace(addr))] = spec
	}
	c.Devices = devices
}

// Validate checks the configuration for values the bridge cannot run with.
func (c *Config) Validate() error {
	var errs []string

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("log_level %q is not a valid level", c.LogLevel))
	}
	if c.MQTT.Host == "" {
		errs = append(errs, "mqtt.host is required")
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		errs = append(errs, "mqtt.port must be between 1 and 65535")
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.BLE.MaxConnections < 1 {
		errs = append(errs, "ble.max_connections must be at least 1")
	}
	for name, d := range map[string]time.Duration{
		"ble.watchdog_interval":  c.BLE.WatchdogInterval,
		"ble.connection_timeout": c.BLE.ConnectionTimeout,
		"ble.discovery_timeout":  c.BLE.DiscoveryTimeout,
		"ble.busy_timeout":       c.BLE.BusyTimeout,
		"ble.presence_timeout":   c.BLE.PresenceTimeout,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}
	if c.HTTP.Enabled && (c.HTTP.Port < 1 || c.HTTP.Port > 65535) {
		errs = append(errs, "http.port must be between 1 and 65535")
	}
	for _, iv := range c.History.Intervals {
		if iv.Name == "" || iv.Period < time.Second {
			errs = append(errs, fmt.Sprintf("history interval %q needs a name and a period of at least 1s", iv.Name))
		}
	}
	if c.History.InfluxDB.Enabled && c.History.InfluxDB.Org == "" {
		errs = append(errs, "history.influxdb.org is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return errors.New("configuration errors: " + strings.Join(errs, "; "))
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
