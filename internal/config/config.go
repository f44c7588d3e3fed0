package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/i474232898/lamport-weather-aggregation/internal/protocol"
	"github.com/i474232898/lamport-weather-aggregation/internal/server"
)

// AppConfig holds every setting of the aggregation server.
type AppConfig struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`

	// Port is the protocol listener; AdminPort the HTTP admin API (0 = off).
	Port      int `yaml:"port"`
	AdminPort int `yaml:"admin_port"`

	// StaleAfter is how long a source may stay silent before its observation
	// is evicted; SweepInterval how often eviction runs.
	StaleAfter    time.Duration `yaml:"stale_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// FilterStaleOnRead hides stale entries from GETs between sweeps.
	FilterStaleOnRead bool `yaml:"filter_stale_on_read"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxConns     int           `yaml:"max_conns"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`

	// adminExplicit is set when ADMIN_PORT came from the file or environment.
	adminExplicit bool
	adminDropped  bool
}

// Default returns the configuration used when nothing is overridden.
func Default() *AppConfig {
	return &AppConfig{
		Env:           "prod",
		LogLevel:      "info",
		Port:          4567,
		AdminPort:     8080,
		StaleAfter:    30 * time.Second,
		SweepInterval: 5 * time.Second,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		MaxConns:      256,
		MaxBodyBytes:  1 << 20,
	}
}

// Load builds the configuration from defaults, then the optional YAML file
// at path, then a .env file, then environment variables.
func Load(path string) (*AppConfig, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		var set struct {
			AdminPort *int `yaml:"admin_port"`
		}
		if err := yaml.Unmarshal(raw, &set); err == nil && set.AdminPort != nil {
			cfg.adminExplicit = true
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() error {
	c.Env = getenvDefault("APP_ENV", c.Env)
	c.LogLevel = getenvDefault("LOG_LEVEL", c.LogLevel)

	if os.Getenv("ADMIN_PORT") != "" {
		c.adminExplicit = true
	}

	var err error
	if c.Port, err = getenvInt("PORT", c.Port); err != nil {
		return err
	}
	if c.AdminPort, err = getenvInt("ADMIN_PORT", c.AdminPort); err != nil {
		return err
	}
	if c.MaxConns, err = getenvInt("MAX_CONNS", c.MaxConns); err != nil {
		return err
	}
	maxBody, err := getenvInt("MAX_BODY_BYTES", int(c.MaxBodyBytes))
	if err != nil {
		return err
	}
	c.MaxBodyBytes = int64(maxBody)

	if c.StaleAfter, err = getenvDuration("STALE_AFTER", c.StaleAfter); err != nil {
		return err
	}
	if c.SweepInterval, err = getenvDuration("SWEEP_INTERVAL", c.SweepInterval); err != nil {
		return err
	}
	if c.ReadTimeout, err = getenvDuration("READ_TIMEOUT", c.ReadTimeout); err != nil {
		return err
	}
	if c.WriteTimeout, err = getenvDuration("WRITE_TIMEOUT", c.WriteTimeout); err != nil {
		return err
	}
	if c.FilterStaleOnRead, err = getenvBool("FILTER_STALE_ON_READ", c.FilterStaleOnRead); err != nil {
		return err
	}
	return nil
}

// Validate checks ranges that would otherwise fail later at startup. When
// PORT lands on the default admin port the admin API is switched off
// instead; an explicitly configured ADMIN_PORT must still differ from PORT.
func (c *AppConfig) Validate() error {
	if c.AdminPort != 0 && c.AdminPort == c.Port && !c.adminExplicit {
		c.AdminPort = 0
		c.adminDropped = true
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d: must be between 1 and 65535", c.Port)
	}
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		return fmt.Errorf("invalid ADMIN_PORT %d: must be between 0 and 65535", c.AdminPort)
	}
	if c.AdminPort == c.Port {
		return fmt.Errorf("ADMIN_PORT and PORT must differ (both %d)", c.Port)
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("invalid STALE_AFTER %s: must be positive", c.StaleAfter)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("invalid SWEEP_INTERVAL %s: must be positive", c.SweepInterval)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("invalid MAX_CONNS %d: must be positive", c.MaxConns)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("invalid MAX_BODY_BYTES %d: must be positive", c.MaxBodyBytes)
	}
	return nil
}

// AdminPortDropped reports whether Validate switched the admin API off
// because PORT took its default port.
func (c *AppConfig) AdminPortDropped() bool {
	return c.adminDropped
}

// ListenAddr is the protocol listener address.
func (c *AppConfig) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// AdminAddr is the admin API address, empty when disabled.
func (c *AppConfig) AdminAddr() string {
	if c.AdminPort == 0 {
		return ""
	}
	return fmt.Sprintf(":%d", c.AdminPort)
}

// Server returns the protocol listener settings.
func (c *AppConfig) Server() server.Config {
	lim := protocol.DefaultLimits()
	lim.MaxBodyBytes = c.MaxBodyBytes
	return server.Config{
		Addr:         c.ListenAddr(),
		MaxConns:     c.MaxConns,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		Limits:       lim,
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
