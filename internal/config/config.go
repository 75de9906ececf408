// Package config handles loading and validating the threatlink.toml configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is the top-level configuration. It is built once by Load and then
// only read.
type Config struct {
	SentinelOne SentinelOneConfig `toml:"sentinelone"`
	ConnectWise ConnectWiseConfig `toml:"connectwise"`
	Run         RunConfig         `toml:"run"`
	Logging     LoggingConfig     `toml:"logging"`
	Metrics     MetricsConfig     `toml:"metrics"`
}

// SentinelOneConfig configures the detection platform API.
type SentinelOneConfig struct {
	Host       string `toml:"host"` // console hostname, also used for incident deep links
	APIKey     string `toml:"api_key"`
	APIVersion string `toml:"api_version"`
	PageLimit  int    `toml:"page_limit"`
	// UnresolvedOnly narrows the threat query to unresolved, unmitigated threats.
	UnresolvedOnly bool `toml:"unresolved_only"`
	Timeout        int  `toml:"timeout"` // HTTP timeout in seconds
}

// ConnectWiseConfig configures the ConnectWise Manage API.
type ConnectWiseConfig struct {
	Host       string `toml:"host"`
	EntryPoint string `toml:"entry_point"`
	CompanyID  string `toml:"company_id"`
	PublicKey  string `toml:"public_key"`
	PrivateKey string `toml:"private_key"`
	ClientID   string `toml:"client_id"`

	Board           string `toml:"board"`
	NewStatus       string `toml:"new_status"`
	CompletedStatus string `toml:"completed_status"`
	PriorityID      int    `toml:"priority_id"`
	// PriorityName, when set, is looked up at startup and wins over PriorityID.
	PriorityName string `toml:"priority_name"`
	// CatchAllCompanyID receives tickets whose site has no unambiguous company.
	CatchAllCompanyID int `toml:"catch_all_company_id"`
	Timeout           int `toml:"timeout"`
}

// RunConfig tunes one batch run.
type RunConfig struct {
	Concurrency  int    `toml:"concurrency"`
	WindowHour   int    `toml:"window_hour"`
	Retries      int    `toml:"retries"`
	PlatformName string `toml:"platform_name"`
}

// LoggingConfig configures the zap logger and the date-named log files.
type LoggingConfig struct {
	Dir     string `toml:"dir"`
	Level   string `toml:"level"`
	Console bool   `toml:"console"`
}

// MetricsConfig configures the optional Prometheus Pushgateway push.
type MetricsConfig struct {
	Pushgateway string `toml:"pushgateway"`
	Job         string `toml:"job"`
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	return &Config{
		SentinelOne: SentinelOneConfig{
			APIVersion: "v2.1",
			PageLimit:  300,
			Timeout:    20,
		},
		ConnectWise: ConnectWiseConfig{
			EntryPoint: "v4_6_release",
			PriorityID: 1,
			Timeout:    20,
		},
		Run: RunConfig{
			Concurrency:  4,
			WindowHour:   6,
			Retries:      2,
			PlatformName: "Sentinel One",
		},
		Logging: LoggingConfig{
			Dir:     "logs",
			Level:   "info",
			Console: true,
		},
		Metrics: MetricsConfig{
			Job: "threatlink",
		},
	}
}

// Load reads .env (if present) and the TOML file at path and returns a
// validated Config. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file not found: %s\n  Create one with: cp threatlink.example.toml threatlink.toml", path)
			}
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides sensitive and deployment-specific values from the environment.
func (c *Config) applyEnv() error {
	str := map[string]*string{
		"THREATLINK_S1_HOST":        &c.SentinelOne.Host,
		"THREATLINK_S1_API_KEY":     &c.SentinelOne.APIKey,
		"THREATLINK_CW_HOST":        &c.ConnectWise.Host,
		"THREATLINK_CW_COMPANY_ID":  &c.ConnectWise.CompanyID,
		"THREATLINK_CW_PUBLIC_KEY":  &c.ConnectWise.PublicKey,
		"THREATLINK_CW_PRIVATE_KEY": &c.ConnectWise.PrivateKey,
		"THREATLINK_CW_CLIENT_ID":   &c.ConnectWise.ClientID,
		"THREATLINK_PUSHGATEWAY":    &c.Metrics.Pushgateway,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	num := map[string]*int{
		"THREATLINK_CW_CATCH_ALL_ID": &c.ConnectWise.CatchAllCompanyID,
		"THREATLINK_CW_PRIORITY_ID":  &c.ConnectWise.PriorityID,
	}
	for key, dst := range num {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: not an integer: %q", key, v)
		}
		*dst = n
	}
	return nil
}

func (c *Config) validate() error {
	c.SentinelOne.Host = trimHost(c.SentinelOne.Host)
	c.ConnectWise.Host = trimHost(c.ConnectWise.Host)
	c.Logging.Level = strings.ToLower(c.Logging.Level)

	if c.SentinelOne.Host == "" {
		return fmt.Errorf("sentinelone.host is required")
	}
	if c.SentinelOne.APIKey == "" {
		return fmt.Errorf("sentinelone.api_key is required")
	}
	if c.SentinelOne.PageLimit < 1 || c.SentinelOne.PageLimit > 1000 {
		return fmt.Errorf("sentinelone.page_limit must be between 1 and 1000, got %d", c.SentinelOne.PageLimit)
	}

	cw := c.ConnectWise
	required := []struct{ key, val string }{
		{"connectwise.host", cw.Host},
		{"connectwise.company_id", cw.CompanyID},
		{"connectwise.public_key", cw.PublicKey},
		{"connectwise.private_key", cw.PrivateKey},
		{"connectwise.client_id", cw.ClientID},
		{"connectwise.board", cw.Board},
		{"connectwise.new_status", cw.NewStatus},
	}
	for _, r := range required {
		if r.val == "" {
			return fmt.Errorf("%s is required", r.key)
		}
	}
	if cw.CatchAllCompanyID <= 0 {
		return fmt.Errorf("connectwise.catch_all_company_id is required")
	}
	if cw.PriorityID <= 0 {
		c.ConnectWise.PriorityID = 1
	}

	if c.Run.Concurrency < 1 {
		c.Run.Concurrency = 1
	}
	if c.Run.WindowHour < 0 || c.Run.WindowHour > 23 {
		return fmt.Errorf("run.window_hour must be between 0 and 23, got %d", c.Run.WindowHour)
	}
	if c.Run.Retries < 0 || c.Run.Retries > 5 {
		return fmt.Errorf("run.retries must be between 0 and 5, got %d", c.Run.Retries)
	}
	if c.Run.PlatformName == "" {
		c.Run.PlatformName = "Sentinel One"
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	case "":
		c.Logging.Level = "info"
	default:
		return fmt.Errorf("unsupported logging.level: %q", c.Logging.Level)
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = "threatlink"
	}

	return nil
}

// RequireCompletedStatus reports an error when the close-out status is missing.
// Only the sync command needs it.
func (c *Config) RequireCompletedStatus() error {
	if c.ConnectWise.CompletedStatus == "" {
		return fmt.Errorf("connectwise.completed_status is required for sync")
	}
	return nil
}

// SentinelOneTimeout returns the detection platform HTTP timeout.
func (c *Config) SentinelOneTimeout() time.Duration {
	return seconds(c.SentinelOne.Timeout, 20)
}

// ConnectWiseTimeout returns the PSA HTTP timeout.
func (c *Config) ConnectWiseTimeout() time.Duration {
	return seconds(c.ConnectWise.Timeout, 20)
}

func seconds(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}

// trimHost strips a scheme and trailing slash so hosts can be pasted from a browser.
func trimHost(h string) string {
	h = strings.TrimSpace(h)
	h = strings.TrimPrefix(h, "https://")
	h = strings.TrimPrefix(h, "http://")
	return strings.TrimSuffix(h, "/")
}
