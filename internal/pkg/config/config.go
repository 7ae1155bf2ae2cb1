package config

import (
	"errors"
	"time"
)

type Config struct {
	EnvoyCfg *EnvoyConfig
	MqttCfg  *MqttConfig
	LogLevel string
}

type EnvoyConfig struct {
	Host          string
	Serial        string
	Username      string
	Password      string
	EnlightenUser string
	EnlightenPass string
	UseOwnerToken bool

	PollInterval   time.Duration
	RequestTimeout time.Duration
	RetryCount     int
	RetryDelay     time.Duration
	CycleDeadline  time.Duration

	TokenCachePath string
}

type MqttConfig struct {
	Host     string
	Username string
	Password string
}

const (
	MinPollInterval       = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultRetryCount     = 1
	DefaultCycleDeadline  = 2 * time.Minute
)

// Validate applies defaults and rejects combinations that cannot satisfy the
// cycle timing guarantees.
func (c *EnvoyConfig) Validate() error {
	if c.Host == "" {
		return errors.New("envoy host is required")
	}
	if c.PollInterval < MinPollInterval {
		return errors.New("poll interval must be >= 5s")
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RetryCount < 1 {
		c.RetryCount = DefaultRetryCount
	}
	if c.RetryDelay < 0 {
		return errors.New("retry delay must be >= 0")
	}
	if c.CycleDeadline <= 0 {
		c.CycleDeadline = DefaultCycleDeadline
	}
	// the outer deadline must leave room for the slowest required endpoint
	// to use its full attempt budget.
	if c.CycleDeadline <= c.RequestTimeout*time.Duration(c.RetryCount+1) {
		return errors.New("cycle deadline must exceed request timeout * (retry count + 1)")
	}
	if c.UseOwnerToken && (c.EnlightenUser == "" || c.EnlightenPass == "" || c.Serial == "") {
		return errors.New("owner token auth requires enlighten credentials and the device serial")
	}
	return nil
}
