package reporter

import (
	"errors"
	"fmt"
	"time"

	"github.com/shaunagostinho/gpsreporter/internal/api"
	"github.com/shaunagostinho/gpsreporter/internal/delivery"
)

const (
	// DefaultIntervalSeconds is used when no interval is configured.
	DefaultIntervalSeconds = 60
	// MinPushInterval is the floor for the push provider's fix interval.
	MinPushInterval = 10 * time.Second
)

// ErrNotLoggedIn means the config carries no bearer token.
var ErrNotLoggedIn = errors.New("not logged in: auth token missing")

// Config is the snapshot a reporter run works from. Later changes to the
// source are not observed until the reporter is restarted.
type Config struct {
	ServerBaseURL   string `yaml:"server_url" json:"serverUrl"`
	AuthToken       string `yaml:"auth_token" json:"authToken"`
	IntervalSeconds int    `yaml:"interval_seconds" json:"intervalSeconds"`
}

// ConfigSource supplies the persisted config, e.g. for a restart alarm.
type ConfigSource interface {
	ReporterConfig() (Config, error)
}

// WithDefaults fills an unset interval.
func (c Config) WithDefaults() Config {
	if c.IntervalSeconds == 0 {
		c.IntervalSeconds = DefaultIntervalSeconds
	}
	return c
}

// Validate checks the config after defaults are applied.
func (c Config) Validate() error {
	if err := api.ValidateBaseURL(c.ServerBaseURL); err != nil {
		return err
	}
	if c.AuthToken == "" {
		return ErrNotLoggedIn
	}
	if c.IntervalSeconds <= 0 {
		return fmt.Errorf("interval must be a positive number of seconds, got %d", c.IntervalSeconds)
	}
	return nil
}

// Interval returns the reporting cadence.
func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// PushInterval is the minimum fix interval requested from the push provider.
func (c Config) PushInterval() time.Duration {
	return max(MinPushInterval, c.Interval())
}

// Endpoint returns the delivery target.
func (c Config) Endpoint() delivery.Endpoint {
	return delivery.Endpoint{BaseURL: c.ServerBaseURL, Token: c.AuthToken}
}
