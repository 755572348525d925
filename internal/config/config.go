// Package config loads the gateway's configuration surface (spec section
// 6) from environment variables and an optional YAML file, in the
// shape of the teacher's cmd/ffrtmp/cmd/root.go (viper.AutomaticEnv plus a
// YAML file under the user's home directory) and internal/discover/config.go
// (struct-tagged YAML with post-unmarshal defaulting).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full set of recognized options from spec section 6.
type Config struct {
	OracleURL       string   `yaml:"oracle_url"`
	StaticNodeURLs  []string `yaml:"static_node_urls"`
	AllowPrivateIPs bool     `yaml:"allow_private_ips"`
	DefaultModel    string   `yaml:"default_model"`

	TierMaxTokensFree int `yaml:"tier_max_tokens_free"`
	TierMaxTokensPro  int `yaml:"tier_max_tokens_pro"`
	TierRPWFree       int `yaml:"tier_requests_per_window_free"`

	HealthProbeTimeout   time.Duration `yaml:"-"`
	AttemptTimeout       time.Duration `yaml:"-"`
	AuthHandshakeTimeout time.Duration `yaml:"-"`
	WorkerPingInterval   time.Duration `yaml:"-"`
	StaleAggregateAfter  time.Duration `yaml:"-"`
	OraclePollInterval   time.Duration `yaml:"-"`
	UsageReportInterval  time.Duration `yaml:"-"`
	PendingInactivity    time.Duration `yaml:"-"`

	ListenAddr string `yaml:"listen_addr"`
}

// Defaults returns the configuration surface's documented defaults.
func Defaults() Config {
	return Config{
		DefaultModel:         "default",
		TierMaxTokensFree:    2048,
		TierMaxTokensPro:     8192,
		TierRPWFree:          60,
		HealthProbeTimeout:   5 * time.Second,
		AttemptTimeout:       120 * time.Second,
		AuthHandshakeTimeout: 10 * time.Second,
		WorkerPingInterval:   30 * time.Second,
		StaleAggregateAfter:  60 * time.Second,
		OraclePollInterval:   30 * time.Second,
		UsageReportInterval:  10 * time.Second,
		PendingInactivity:    120 * time.Second,
		ListenAddr:           ":8080",
	}
}

// Load builds a Config from an optional YAML file followed by environment
// variables, the latter taking precedence — the same override order as
// cmd/ffrtmp/cmd/root.go's initConfig.
func Load(yamlPath string) (Config, error) {
	cfg := Defaults()

	if yamlPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".inferd", "config.yaml")
			if _, statErr := os.Stat(candidate); statErr == nil {
				yamlPath = candidate
			}
		}
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	v.BindEnv("oracle_url", "ORACLE_URL")
	v.BindEnv("static_node_urls", "STATIC_NODE_URLS")
	v.BindEnv("allow_private_ips", "ALLOW_PRIVATE_IPS")
	v.BindEnv("default_model", "DEFAULT_MODEL")
	v.BindEnv("listen_addr", "LISTEN_ADDR")

	if s := v.GetString("oracle_url"); s != "" {
		cfg.OracleURL = s
	}
	if s := v.GetString("static_node_urls"); s != "" {
		cfg.StaticNodeURLs = splitAndTrim(s)
	}
	if v.IsSet("allow_private_ips") {
		cfg.AllowPrivateIPs = v.GetBool("allow_private_ips")
	}
	if s := v.GetString("default_model"); s != "" {
		cfg.DefaultModel = s
	}
	if s := v.GetString("listen_addr"); s != "" {
		cfg.ListenAddr = s
	}

	if cfg.OracleURL == "" && len(cfg.StaticNodeURLs) == 0 {
		return cfg, fmt.Errorf("at least one of ORACLE_URL or STATIC_NODE_URLS must be configured")
	}

	return cfg, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
