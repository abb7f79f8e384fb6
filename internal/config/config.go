package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BackendSQLite = "sqlite"
	BackendJSON   = "json"
)

// DefaultDemoAddresses are public resolvers and hosts substituted for
// non-routable peers when test mode is on.
var DefaultDemoAddresses = []string{"8.8.8.8", "1.1.1.1", "202.38.64.1", "139.162.19.141"}

type Config struct {
	DecoyAddr        string   `toml:"decoy_addr"`
	QueryAddr        string   `toml:"query_addr"`
	MaxRetained      int      `toml:"max_retained"`
	TestMode         bool     `toml:"test_mode"`
	DemoAddresses    []string `toml:"demo_addresses"`
	GeoEndpoint      string   `toml:"geo_endpoint"`
	GeoTimeoutMS     int      `toml:"geo_timeout_ms"`
	GeoRatePerMinute int      `toml:"geo_rate_per_minute"`
	MaxInFlight      int      `toml:"max_in_flight"`
	StoreBackend     string   `toml:"store_backend"`
	DBPath           string   `toml:"db_path"`
	JSONPath         string   `toml:"json_path"`
	StaticDir        string   `toml:"static_dir"`
	GatewayURL       string   `toml:"gateway_url"`
	LogLevel         string   `toml:"log_level"`
	HeartbeatSeconds int      `toml:"heartbeat_seconds"`
}

// GeoTimeout is the bound on a single enrichment lookup.
func (c *Config) GeoTimeout() time.Duration {
	return time.Duration(c.GeoTimeoutMS) * time.Millisecond
}

func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// DataDir is where the store and the log file live by default.
func DataDir() string {
	if d := os.Getenv("DECOY_SENTINEL_HOME"); d != "" {
		return d
	}
	if runtime.GOOS == "windows" {
		progData := os.Getenv("ProgramData")
		if progData == "" {
			progData = `C:\ProgramData`
		}
		return filepath.Join(progData, "DecoySentinel")
	}
	return "/var/lib/decoy-sentinel"
}

func defaultConfig(dir string) *Config {
	return &Config{
		DecoyAddr:        "0.0.0.0:2222",
		QueryAddr:        "0.0.0.0:3000",
		MaxRetained:      100,
		TestMode:         false,
		DemoAddresses:    append([]string(nil), DefaultDemoAddresses...),
		GeoEndpoint:      "http://ip-api.com/json",
		GeoTimeoutMS:     5000,
		GeoRatePerMinute: 45,
		MaxInFlight:      256,
		StoreBackend:     BackendSQLite,
		DBPath:           filepath.Join(dir, "captures.db"),
		JSONPath:         filepath.Join(dir, "attacks.json"),
		LogLevel:         "info",
		HeartbeatSeconds: 300,
	}
}

// Default returns the configuration used when no file exists.
func Default() *Config { return defaultConfig(DataDir()) }

// Load reads config.toml from DataDir, writing defaults on first run.
func Load() (*Config, error) {
	dir := DataDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return LoadFrom(filepath.Join(dir, "config.toml"))
}

// LoadFrom reads the TOML file at path. A missing file is created with
// defaults rooted next to it.
func LoadFrom(path string) (*Config, error) {
	def := defaultConfig(filepath.Dir(path))
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		enc := toml.NewEncoder(f)
		if err := enc.Encode(def); err != nil {
			return nil, err
		}
		return def, nil
	}
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	cfg.fillDefaults(def)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) fillDefaults(def *Config) {
	if c.DecoyAddr == "" {
		c.DecoyAddr = def.DecoyAddr
	}
	if c.QueryAddr == "" {
		c.QueryAddr = def.QueryAddr
	}
	if c.MaxRetained == 0 {
		c.MaxRetained = def.MaxRetained
	}
	if len(c.DemoAddresses) == 0 {
		c.DemoAddresses = def.DemoAddresses
	}
	if c.GeoEndpoint == "" {
		c.GeoEndpoint = def.GeoEndpoint
	}
	if c.GeoTimeoutMS == 0 {
		c.GeoTimeoutMS = def.GeoTimeoutMS
	}
	if c.GeoRatePerMinute == 0 {
		c.GeoRatePerMinute = def.GeoRatePerMinute
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = def.MaxInFlight
	}
	if c.StoreBackend == "" {
		c.StoreBackend = def.StoreBackend
	}
	if c.DBPath == "" {
		c.DBPath = def.DBPath
	}
	if c.JSONPath == "" {
		c.JSONPath = def.JSONPath
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.HeartbeatSeconds == 0 {
		c.HeartbeatSeconds = def.HeartbeatSeconds
	}
}

func (c *Config) Validate() error {
	if c.MaxRetained <= 0 {
		return fmt.Errorf("max_retained must be positive, got %d", c.MaxRetained)
	}
	if c.GeoTimeoutMS < 0 || c.GeoRatePerMinute < 0 || c.MaxInFlight < 0 {
		return errors.New("geo_timeout_ms, geo_rate_per_minute and max_in_flight must not be negative")
	}
	switch c.StoreBackend {
	case BackendSQLite, BackendJSON:
	default:
		return fmt.Errorf("unknown store_backend %q", c.StoreBackend)
	}
	return nil
}
