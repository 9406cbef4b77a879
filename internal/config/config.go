package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sigs.k8s.io/yaml"
)

const appName = "bundlenudge"

type Config struct {
	Database *dbConfig     `json:"database,omitempty"`
	Service  *svcConfig    `json:"service,omitempty"`
	KV       *kvConfig     `json:"kv,omitempty"`
	Health   *healthConfig `json:"health,omitempty"`
}

type dbConfig struct {
	Type     string `json:"type,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Port     uint   `json:"port,omitempty"`
	Name     string `json:"name,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

type svcConfig struct {
	Address        string `json:"address,omitempty"`
	MetricsAddress string `json:"metricsAddress,omitempty"`
	BaseURL        string `json:"baseUrl,omitempty"`
	LogLevel       string `json:"logLevel,omitempty"`

	// HS256 secret for device bearer tokens.
	TokenSigningKey string `json:"tokenSigningKey,omitempty"`
	// Device token lifetime.
	TokenTTL Duration `json:"tokenTTL,omitempty"`

	// TTL for the (app, channel) resolution cache on the check path.
	ChannelCacheTTL Duration `json:"channelCacheTTL,omitempty"`

	// Rate limits for device-facing endpoints, per client IP.
	CheckRateLimit         int      `json:"checkRateLimit,omitempty"`
	CheckRateLimitAnon     int      `json:"checkRateLimitAnon,omitempty"`
	CheckRateLimitWindow   Duration `json:"checkRateLimitWindow,omitempty"`
	HttpMaxRequestSize     int      `json:"httpMaxRequestSize,omitempty"`
	HttpMaxUrlLength       int      `json:"httpMaxUrlLength,omitempty"`
	HttpMaxNumHeaders      int      `json:"httpMaxNumHeaders,omitempty"`
	TelemetryQueueCapacity int      `json:"telemetryQueueCapacity,omitempty"`

	// Local directory backing the dev bundle store.
	BundleDir string `json:"bundleDir,omitempty"`
}

type kvConfig struct {
	Hostname string `json:"hostname,omitempty"`
	Port     uint   `json:"port,omitempty"`
	Password string `json:"password,omitempty"`
}

type healthConfig struct {
	// Sliding window over which failure rates are computed.
	Window Duration `json:"window,omitempty"`
	// Minimum activations before a failure rate is meaningful.
	MinSample int `json:"minSample,omitempty"`
	// failures/activations ratio that triggers auto-rollback.
	FailureThreshold float64 `json:"failureThreshold,omitempty"`
	// Interval between rollback-trigger sweeps.
	SweepInterval Duration `json:"sweepInterval,omitempty"`
	// Dedup window for repeated failure reports from the same device.
	DedupWindow Duration `json:"dedupWindow,omitempty"`
}

// Duration wraps time.Duration so it round-trips through YAML/JSON as a
// human-readable string ("15m", "10s").
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) >= 2 && b[0] == '"' {
		parsed, err := time.ParseDuration(string(b[1 : len(b)-1]))
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	return fmt.Errorf("duration must be a string")
}

func ConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+appName)
}

func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

func NewDefault() *Config {
	return &Config{
		Database: &dbConfig{
			Type:     "pgsql",
			Hostname: "localhost",
			Port:     5432,
			Name:     "bundlenudge",
			User:     "admin",
			Password: "adminpass",
		},
		Service: &svcConfig{
			Address:                ":3443",
			MetricsAddress:         ":15690",
			BaseURL:                "https://localhost:3443",
			LogLevel:               "info",
			TokenSigningKey:        newSigningKey(),
			TokenTTL:               Duration(30 * 24 * time.Hour),
			ChannelCacheTTL:        Duration(5 * time.Second),
			CheckRateLimit:         600,
			CheckRateLimitAnon:     60,
			CheckRateLimitWindow:   Duration(time.Minute),
			HttpMaxRequestSize:     1024 * 1024,
			HttpMaxUrlLength:       2048,
			HttpMaxNumHeaders:      64,
			TelemetryQueueCapacity: 4096,
			BundleDir:              filepath.Join(ConfigDir(), "bundles"),
		},
		KV: &kvConfig{
			Hostname: "localhost",
			Port:     6379,
		},
		Health: &healthConfig{
			Window:           Duration(15 * time.Minute),
			MinSample:        50,
			FailureThreshold: 0.05,
			SweepInterval:    Duration(10 * time.Second),
			DedupWindow:      Duration(10 * time.Minute),
		},
	}
}

// newSigningKey generates the HS256 secret written into a fresh config.
// Tokens mint against whatever the file ends up holding, so regenerating
// the file invalidates outstanding tokens.
func newSigningKey() string {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return ""
	}
	return hex.EncodeToString(key)
}

func NewFromFile(cfgFile string) (*Config, error) {
	cfg, err := Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrGenerate(cfgFile string) (*Config, error) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		cfg := NewDefault()
		if err := Save(cfg, cfgFile); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return NewFromFile(cfgFile)
}

func Load(cfgFile string) (*Config, error) {
	contents, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	// start from defaults so a sparse file stays usable
	cfg := NewDefault()
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

func Save(cfg *Config, cfgFile string) error {
	if err := os.MkdirAll(filepath.Dir(cfgFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	contents, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(cfgFile, contents, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func (c *Config) String() string {
	contents, err := yaml.Marshal(c)
	if err != nil {
		return "<error>"
	}
	return string(contents)
}
