package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/gpsreporter/internal/logger"
	"github.com/shaunagostinho/gpsreporter/internal/reporter"
	"github.com/shaunagostinho/gpsreporter/internal/tracklog"
)

const defaultConfigPath = "/etc/gpsreporter/config.yaml"

// Config holds all gpsreporter configuration.
type Config struct {
	mu sync.RWMutex

	// Collector endpoint, token and cadence
	Reporter reporter.Config `yaml:"reporter" json:"reporter"`

	// Position source
	GPS GPSConfig `yaml:"gps" json:"gps"`

	// Wake lock
	Lifecycle LifecycleConfig `yaml:"lifecycle" json:"lifecycle"`

	// Process log and delivery journal
	Log      logger.Config   `yaml:"log" json:"log"`
	TrackLog tracklog.Config `yaml:"track_log" json:"trackLog"`

	// Control surface
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type GPSConfig struct {
	Type     string `yaml:"type" json:"type"`          // "nmea" or "demo"
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyGPS
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	DemoHz   int    `yaml:"demo_hz" json:"demoHz"` // demo fix rate
}

type LifecycleConfig struct {
	WakeLock     string `yaml:"wake_lock" json:"wakeLock"` // "sysfs" or "none"
	WakeLockName string `yaml:"wake_lock_name" json:"wakeLockName"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	Autostart  bool   `yaml:"autostart" json:"autostart"` // start reporting on boot
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Reporter: reporter.Config{
			IntervalSeconds: reporter.DefaultIntervalSeconds,
		},
		GPS: GPSConfig{
			Type:     "demo",
			PortPath: "/dev/ttyGPS",
			BaudRate: 9600,
			DemoHz:   1,
		},
		Lifecycle: LifecycleConfig{
			WakeLock:     "none",
			WakeLockName: "gpsreporter",
		},
		Log: logger.Config{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			FilePath:   "/var/log/gpsreporter/gpsreporter.log",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		TrackLog: tracklog.Config{
			Enabled: false,
			Path:    "/var/log/gpsreporter",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string, log *zap.Logger) *Config {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults", zap.String("path", path))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn("error parsing config, using defaults", zap.String("path", path), zap.Error(err))
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("config loaded", zap.String("path", path))
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep, log)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string, log *zap.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Info("loading .env", zap.String("path", path))
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
// Supported: REPORTER_SERVER_URL, REPORTER_TOKEN, REPORTER_INTERVAL, GPS_TYPE,
// GPS_PORT, GPS_BAUD, WAKE_LOCK, LISTEN_ADDR, LOG_LEVEL, LOG_FORMAT,
// TRACK_LOG_ENABLED, TRACK_LOG_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("REPORTER_SERVER_URL"); v != "" {
		c.Reporter.ServerBaseURL = v
	}
	if v := os.Getenv("REPORTER_TOKEN"); v != "" {
		c.Reporter.AuthToken = v
	}
	if v := os.Getenv("REPORTER_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Reporter.IntervalSeconds = n
		}
	}
	if v := os.Getenv("GPS_TYPE"); v != "" {
		c.GPS.Type = v
	}
	if v := os.Getenv("GPS_PORT"); v != "" {
		c.GPS.PortPath = v
	}
	if v := os.Getenv("GPS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GPS.BaudRate = n
		}
	}
	if v := os.Getenv("WAKE_LOCK"); v != "" {
		c.Lifecycle.WakeLock = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("TRACK_LOG_ENABLED"); v != "" {
		c.TrackLog.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("TRACK_LOG_PATH"); v != "" {
		c.TrackLog.Path = v
	}
}

// ReporterConfig returns the persisted reporter settings.
func (c *Config) ReporterConfig() (reporter.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Reporter, nil
}

// SetLogin stores the collector URL and the token obtained from a login.
func (c *Config) SetLogin(serverURL, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Reporter.ServerBaseURL = serverURL
	c.Reporter.AuthToken = token
}

// Path returns the file the config is saved to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.path == "" {
		return defaultConfigPath
	}
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	path := c.Path()

	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	// The file carries the bearer token.
	return os.WriteFile(path, data, 0600)
}

// ToJSON serializes config for the API. The auth token is never exposed.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	view := struct {
		*Config
		Reporter reporterView `json:"reporter"`
	}{
		Config: c,
		Reporter: reporterView{
			ServerBaseURL:   c.Reporter.ServerBaseURL,
			IntervalSeconds: c.Reporter.IntervalSeconds,
			LoggedIn:        c.Reporter.AuthToken != "",
		},
	}
	return json.Marshal(view)
}

type reporterView struct {
	ServerBaseURL   string `json:"serverUrl"`
	IntervalSeconds int    `json:"intervalSeconds"`
	LoggedIn        bool   `json:"loggedIn"`
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. the auth token, port paths).
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Marshal current config to a generic map
	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]any
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}
	// The token only changes through login.
	if rep, ok := patch["reporter"].(map[string]any); ok {
		delete(rep, "authToken")
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]any) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
