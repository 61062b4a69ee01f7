// Package config handles configuration loading and defaults for chunkswarm
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for a chunkswarm peer
type Config struct {
	Peer     PeerConfig     `toml:"peer"`
	Transfer TransferConfig `toml:"transfer"`
	Cache    CacheConfig    `toml:"cache"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Audit    AuditConfig    `toml:"audit"`
	Logging  LoggingConfig  `toml:"logging"`
}

// PeerConfig identifies this peer and the files it starts from
type PeerConfig struct {
	Identity        int    `toml:"identity"`
	RosterFile      string `toml:"roster_file"`
	HasChunkFile    string `toml:"has_chunk_file"`
	MasterChunkFile string `toml:"master_chunk_file"`
	// MaxConn caps concurrent outgoing (serving) transfers
	MaxConn int `toml:"max_conn"`
}

// TransferConfig holds reliability and congestion settings.
// Durations are strings parsed with time.ParseDuration.
type TransferConfig struct {
	Timeout            string `toml:"timeout"`
	MaxTimeouts        int    `toml:"max_timeouts"`
	PollInterval       string `toml:"poll_interval"`
	AssumedRTT         string `toml:"assumed_rtt"`
	SlowStartThreshold int    `toml:"slow_start_threshold"`
	MaxUploadRate      string `toml:"max_upload_rate"`
}

// CacheConfig holds the persistent chunk cache settings
type CacheConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// MetricsConfig holds the metrics endpoint settings
type MetricsConfig struct {
	Port int    `toml:"port"`
	Bind string `toml:"bind"`
}

// AuditConfig holds audit event sink settings
type AuditConfig struct {
	Path       string `toml:"path"`
	GraphFile  string `toml:"graph_file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// LoggingConfig holds logging-related settings
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Defaults for the transfer section.
const (
	DefaultTimeout      = 3 * time.Second
	DefaultPollInterval = time.Second
	DefaultAssumedRTT   = 200 * time.Millisecond
	DefaultMaxTimeouts  = 5
	DefaultThreshold    = 64
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Peer: PeerConfig{
			Identity:   1,
			RosterFile: "nodes.map",
			MaxConn:    4,
		},
		Transfer: TransferConfig{
			Timeout:            DefaultTimeout.String(),
			MaxTimeouts:        DefaultMaxTimeouts,
			PollInterval:       DefaultPollInterval.String(),
			AssumedRTT:         DefaultAssumedRTT.String(),
			SlowStartThreshold: DefaultThreshold,
			MaxUploadRate:      "0", // unlimited
		},
		Cache: CacheConfig{
			Enabled: false,
			Path:    filepath.Join(homeDir, ".cache", "chunkswarm"),
		},
		Metrics: MetricsConfig{
			Port: 0,
			Bind: "127.0.0.1",
		},
		Audit: AuditConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file, merging with defaults
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults if no config file
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes configuration to a file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ValidationError describes one invalid field
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors collects every problem found by Validate
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Peer.Identity < 0 {
		add("peer.identity", "must be non-negative, got %d", c.Peer.Identity)
	}
	if c.Peer.RosterFile == "" {
		add("peer.roster_file", "is required")
	}
	if c.Peer.MaxConn < 1 {
		add("peer.max_conn", "must be at least 1, got %d", c.Peer.MaxConn)
	}
	if c.Peer.HasChunkFile != "" && c.Peer.MasterChunkFile == "" {
		add("peer.master_chunk_file", "is required when has_chunk_file is set")
	}

	for field, value := range map[string]string{
		"transfer.timeout":       c.Transfer.Timeout,
		"transfer.poll_interval": c.Transfer.PollInterval,
		"transfer.assumed_rtt":   c.Transfer.AssumedRTT,
	} {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			add(field, "invalid duration %q", value)
		} else if d < 0 {
			add(field, "must not be negative")
		}
	}
	if c.Transfer.MaxTimeouts < 1 {
		add("transfer.max_timeouts", "must be at least 1, got %d", c.Transfer.MaxTimeouts)
	}
	if c.Transfer.SlowStartThreshold < 2 {
		add("transfer.slow_start_threshold", "must be at least 2, got %d", c.Transfer.SlowStartThreshold)
	}
	if _, err := ParseRate(c.Transfer.MaxUploadRate); err != nil {
		add("transfer.max_upload_rate", "%v", err)
	}

	if c.Cache.Enabled && c.Cache.Path == "" {
		add("cache.path", "is required when the cache is enabled")
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		add("metrics.port", "must be between 0 and 65535, got %d", c.Metrics.Port)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// TimeoutDuration returns the per-transfer inactivity threshold
func (t *TransferConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(t.Timeout, DefaultTimeout)
}

// PollIntervalDuration returns how long the control loop waits for input
func (t *TransferConfig) PollIntervalDuration() time.Duration {
	d := parseDurationOr(t.PollInterval, DefaultPollInterval)
	if d == 0 {
		return DefaultPollInterval
	}
	return d
}

// AssumedRTTDuration returns the round-trip estimate used in congestion
// avoidance. Zero means measure it from the first acknowledgment.
func (t *TransferConfig) AssumedRTTDuration() time.Duration {
	return parseDurationOr(t.AssumedRTT, DefaultAssumedRTT)
}

// MaxUploadRateBytes returns the upload budget in bytes per second, 0 for unlimited
func (t *TransferConfig) MaxUploadRateBytes() int64 {
	rate, err := ParseRate(t.MaxUploadRate)
	if err != nil {
		return 0
	}
	return rate
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// ParseSize parses a size string like "10MB" into bytes
func ParseSize(s string) (int64, error) {
	var size int64
	var unit string

	n := parseWithUnit(s, &size, &unit)
	if n == 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	multiplier := int64(1)
	switch strings.ToUpper(strings.TrimSpace(unit)) {
	case "", "B":
	case "KB", "K":
		multiplier = 1024
	case "MB", "M":
		multiplier = 1024 * 1024
	case "GB", "G":
		multiplier = 1024 * 1024 * 1024
	case "TB", "T":
		multiplier = 1024 * 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("invalid size unit %q", unit)
	}

	return size * multiplier, nil
}

func parseWithUnit(s string, size *int64, unit *string) int {
	var n int
	for i, c := range s {
		if c >= '0' && c <= '9' {
			*size = *size*10 + int64(c-'0')
			n = i + 1
		} else {
			break
		}
	}
	*unit = s[n:]
	return n
}

// ParseRate parses a rate string like "10MB/s" or "100KB" into bytes per second
// Returns 0 for unlimited (empty string, "0", or "unlimited")
func ParseRate(s string) (int64, error) {
	if s == "" || s == "0" || s == "unlimited" {
		return 0, nil
	}

	rateStr := strings.TrimSuffix(s, "/s")
	return ParseSize(rateStr)
}

// DefaultPaths returns the config file locations searched when no
// explicit path is given, in priority order.
func DefaultPaths() []string {
	paths := []string{"/etc/chunkswarm/config.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "chunkswarm", "config.toml"))
	}
	return paths
}

// Resolve returns explicit if set, else the first default path that exists.
// An empty result means defaults only.
func Resolve(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, p := range DefaultPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
