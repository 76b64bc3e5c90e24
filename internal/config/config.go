package config

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tunables. A *Config handed out by Store is shared and
// must be treated as read-only; updates build a new value.
type Config struct {
	// Source page
	TargetURL         string  `yaml:"target_url" json:"target_url"`
	CSSSelector       string  `yaml:"css_selector" json:"css_selector"`
	PollIntervalSec   float64 `yaml:"poll_interval_sec" json:"poll_interval_sec"`
	RequestTimeoutSec float64 `yaml:"request_timeout_sec" json:"request_timeout_sec"`

	// Dotted JSON paths inside the embedded payload
	LatitudeKey  string `yaml:"latitude_key" json:"latitude_key"`
	LongitudeKey string `yaml:"longitude_key" json:"longitude_key"`
	AltitudeKey  string `yaml:"altitude_key" json:"altitude_key"`
	GPSTimeKey   string `yaml:"gps_time_key" json:"gps_time_key"`

	// GPS -> UTC conversion (GPS time is ahead of UTC by leap seconds)
	GPSLeapSeconds int `yaml:"gps_leap_seconds" json:"gps_leap_seconds"`

	// Network time
	NTPServer     string  `yaml:"ntp_server" json:"ntp_server"`
	NTPRefreshSec float64 `yaml:"ntp_refresh_sec" json:"ntp_refresh_sec"`

	// HTTP surface
	BindHost string `yaml:"bind_host" json:"bind_host"`
	BindPort int    `yaml:"bind_port" json:"bind_port"`

	// Sinks
	WriteRuntimeFile bool         `yaml:"write_latest_to_runtime_file" json:"write_latest_to_runtime_file"`
	RuntimeFilePath  string       `yaml:"runtime_file_path" json:"runtime_file_path"` // blank = per-user runtime dir
	MQTT             MQTTConfig   `yaml:"mqtt" json:"mqtt"`
	Redis            RedisConfig  `yaml:"redis" json:"redis"`
	Serial           SerialConfig `yaml:"serial" json:"serial"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Broker   string `yaml:"broker" json:"broker"` // e.g. tcp://localhost:1883
	ClientID string `yaml:"client_id" json:"client_id"`
	Topic    string `yaml:"topic" json:"topic"`
	QoS      int    `yaml:"qos" json:"qos"`
	Retained bool   `yaml:"retained" json:"retained"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	Key      string `yaml:"key" json:"key"`         // SET target for the latest fix
	Channel  string `yaml:"channel" json:"channel"` // PUBLISH target for updates
}

// SerialConfig drives the NMEA emitter, which replays accepted fixes to a
// serial port so legacy GPS consumers can use them.
type SerialConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	PortPath string `yaml:"port_path" json:"port_path"` // e.g. /dev/ttyUSB0
	BaudRate int    `yaml:"baud_rate" json:"baud_rate"`
}

const (
	minPollInterval = 200 * time.Millisecond
	minNTPRefresh   = 5 * time.Second
	runtimeFileName = "current_location.json"
)

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		TargetURL:         "http://127.0.0.1:8000/",
		CSSSelector:       "div.Json-Text",
		PollIntervalSec:   1,
		RequestTimeoutSec: 5,
		LatitudeKey:       "location.latitude",
		LongitudeKey:      "location.longitude",
		AltitudeKey:       "location.altitudeMeters",
		GPSTimeKey:        "location.gpsTimeS",
		GPSLeapSeconds:    18,
		NTPServer:         "time.nist.gov",
		NTPRefreshSec:     30,
		BindHost:          "127.0.0.1",
		BindPort:          5000,
		WriteRuntimeFile:  true,
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "fixbridge",
			Topic:    "fixbridge/location",
			Retained: true,
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Key:     "fixbridge:location",
			Channel: "fixbridge:updates",
		},
		Serial: SerialConfig{
			PortPath: "/dev/ttyUSB0",
			BaudRate: 9600,
		},
	}
}

// PollInterval is the acquisition period, floored at 200ms.
func (c *Config) PollInterval() time.Duration {
	return floorSeconds(c.PollIntervalSec, minPollInterval)
}

// NTPRefresh is the clock refresh period, floored at 5s.
func (c *Config) NTPRefresh() time.Duration {
	return floorSeconds(c.NTPRefreshSec, minNTPRefresh)
}

// RequestTimeout bounds a single page fetch.
func (c *Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.RequestTimeoutSec * float64(time.Second))
}

// ListenAddr joins bind_host and bind_port.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.BindHost, strconv.Itoa(c.BindPort))
}

func floorSeconds(sec float64, floor time.Duration) time.Duration {
	d := time.Duration(sec * float64(time.Second))
	if d < floor {
		return floor
	}
	return d
}

// Load reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func Load(path string) *Config {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	if cfg.RuntimeFilePath == "" {
		cfg.RuntimeFilePath = DefaultRuntimePath()
	}
	return cfg
}

// DefaultRuntimePath is $XDG_RUNTIME_DIR/current_location.json, falling back
// to /run/user/<uid>/current_location.json.
func DefaultRuntimePath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, runtimeFileName)
	}
	return filepath.Join("/run/user", strconv.Itoa(os.Getuid()), runtimeFileName)
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: FIXBRIDGE_TARGET_URL, FIXBRIDGE_SELECTOR, FIXBRIDGE_POLL_SEC,
// FIXBRIDGE_LEAP_SECONDS, FIXBRIDGE_NTP_SERVER, FIXBRIDGE_BIND_HOST,
// FIXBRIDGE_BIND_PORT, FIXBRIDGE_RUNTIME_FILE, MQTT_BROKER, REDIS_ADDR,
// REDIS_PASSWORD, SERIAL_PORT
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FIXBRIDGE_TARGET_URL"); v != "" {
		c.TargetURL = v
	}
	if v := os.Getenv("FIXBRIDGE_SELECTOR"); v != "" {
		c.CSSSelector = v
	}
	if v := os.Getenv("FIXBRIDGE_POLL_SEC"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.PollIntervalSec = n
		}
	}
	if v := os.Getenv("FIXBRIDGE_LEAP_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GPSLeapSeconds = n
		}
	}
	if v := os.Getenv("FIXBRIDGE_NTP_SERVER"); v != "" {
		c.NTPServer = v
	}
	if v := os.Getenv("FIXBRIDGE_BIND_HOST"); v != "" {
		c.BindHost = v
	}
	if v := os.Getenv("FIXBRIDGE_BIND_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BindPort = n
		}
	}
	if v := os.Getenv("FIXBRIDGE_RUNTIME_FILE"); v != "" {
		c.RuntimeFilePath = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
		c.MQTT.Enabled = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("SERIAL_PORT"); v != "" {
		c.Serial.PortPath = v
		c.Serial.Enabled = true
	}
}

// Clone returns an independent copy.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

func (c *Config) String() string {
	return fmt.Sprintf("url=%s selector=%q poll=%v ntp=%s", c.TargetURL, c.CSSSelector, c.PollInterval(), c.NTPServer)
}
