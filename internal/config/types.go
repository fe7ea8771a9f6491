package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	API     APIConfig     `json:"api"`
	Share   ShareConfig   `json:"share"`
	Storage StorageConfig `json:"storage"`
	Logging LoggingConfig `json:"logging"`
	Admin   AdminConfig   `json:"admin,omitempty"`
	Metrics MetricsConfig `json:"metrics,omitempty"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`
}

// APIConfig carries the four opaque API secrets. They are handed to the
// delivery client and must never appear in logs.
type APIConfig struct {
	Key         string `json:"key"`
	Secret      string `json:"secret"`
	Token       string `json:"token"`
	TokenSecret string `json:"token_secret"`

	// RatePerSec/Burst bound outbound publish calls. Zero keeps defaults.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// Configured reports whether all four credentials are present.
func (a APIConfig) Configured() bool {
	return strings.TrimSpace(a.Key) != "" &&
		strings.TrimSpace(a.Secret) != "" &&
		strings.TrimSpace(a.Token) != "" &&
		strings.TrimSpace(a.TokenSecret) != ""
}

// ShareConfig is the delivery policy.
type ShareConfig struct {
	// Template supports %title%, %link% and %hashtags%.
	Template string `json:"template,omitempty"`

	// Categories restricts auto-sharing to these category ids.
	// Empty means share everything.
	Categories []int64 `json:"categories,omitempty"`

	AutoShare bool `json:"auto_share"`

	// Interval between queue sweeps. One of: 5m, 15m, 30m, 60m.
	Interval string `json:"interval,omitempty"`

	// RetryMax caps delivery attempts before an entry goes terminal.
	RetryMax int `json:"retry_max,omitempty"`

	// BatchLimit bounds how many pending entries one sweep consumes.
	BatchLimit int `json:"batch_limit,omitempty"`
}

// sweepIntervals is the fixed set the host exposes in its settings UI.
var sweepIntervals = map[string]time.Duration{
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"60m": 60 * time.Minute,
}

const defaultInterval = "30m"

// SweepInterval resolves the configured interval against the fixed enum.
func (s ShareConfig) SweepInterval() (time.Duration, error) {
	raw := strings.TrimSpace(s.Interval)
	if raw == "" {
		raw = defaultInterval
	}
	d, ok := sweepIntervals[raw]
	if !ok {
		return 0, fmt.Errorf("share.interval: %q is not one of 5m/15m/30m/60m", raw)
	}
	return d, nil
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// AdminConfig controls the loopback HTTP surface for the UI layer
// (queue/record reads, manual shares, sweep trigger).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8787").
//   - If you bind to a non-loopback address, set a token.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8787"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
}

// PprofConfig controls the optional profiling listener. Keep it on
// localhost or set a token.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
}

// MetricsConfig controls the optional Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
}

// Validate rejects configs that cannot be applied. Partial credentials
// are an error; fully absent credentials are allowed (the daemon runs
// unconfigured until the operator fills them in).
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	a := c.API
	some := strings.TrimSpace(a.Key) != "" || strings.TrimSpace(a.Secret) != "" ||
		strings.TrimSpace(a.Token) != "" || strings.TrimSpace(a.TokenSecret) != ""
	if some && !a.Configured() {
		return errors.New("api: all four credentials are required when any is set")
	}
	if _, err := c.Share.SweepInterval(); err != nil {
		return err
	}
	if c.Share.RetryMax < 0 {
		return errors.New("share.retry_max must be >= 0")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	return nil
}
