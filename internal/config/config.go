// Package config loads and hot-reloads the hub's configuration.
//
// Grounded on thushan-olla's internal/config package: viper for
// file+env+flag precedence, fsnotify (via viper.WatchConfig) for live
// reload, and a debounced OnConfigChange callback so rapid successive
// writes collapse into one reload.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/vantage-labs/proxyhub/internal/logging"
)

var log = logging.Get("config")

const envPrefix = "PROXYHUB"

const reloadDebounce = 500 * time.Millisecond

// Config holds every tunable named in spec §6.
type Config struct {
	HubPort      int    `mapstructure:"hub_port"`
	ControlPort  int    `mapstructure:"control_port"`
	DataFile     string `mapstructure:"data_file"`
	PresetFile   string `mapstructure:"preset_file"`
	LogLevel     string `mapstructure:"log_level"`
	LogFormat    string `mapstructure:"log_format"`

	Timeouts Timeouts `mapstructure:"timeouts"`

	MaxRetries    int `mapstructure:"max_retries"`
	FailThreshold int `mapstructure:"fail_threshold"`

	ScrapeProxyURL string `mapstructure:"scrape_proxy_url"`
	ScrapeUseProxy bool   `mapstructure:"scrape_use_proxy"`

	SwitchStatusCodes []int    `mapstructure:"switch_status_codes"`
	SwitchKeywords    []string `mapstructure:"switch_keywords"`

	DomesticProbeURL string `mapstructure:"domestic_probe_url"`
	ForeignProbeURL  string `mapstructure:"foreign_probe_url"`
}

// Timeouts holds every per-operation deadline named in spec §6.
type Timeouts struct {
	Prologue       time.Duration `mapstructure:"prologue"`
	UpstreamConnect time.Duration `mapstructure:"upstream_connect"`
	Sniff          time.Duration `mapstructure:"sniff"`
	Scrape         time.Duration `mapstructure:"scrape"`
	HealthDomestic time.Duration `mapstructure:"health_domestic"`
	HealthForeign  time.Duration `mapstructure:"health_foreign"`
}

// Default returns a Config populated with the defaults named throughout
// spec.md §4 and §6.
func Default() *Config {
	return &Config{
		HubPort:     8888,
		ControlPort: 8889,
		DataFile:    "./proxyhub-state.json",
		PresetFile:  "./presets.yaml",
		LogLevel:    "info",
		LogFormat:   "json",
		Timeouts: Timeouts{
			Prologue:        3 * time.Second,
			UpstreamConnect: 3 * time.Second,
			Sniff:           5 * time.Second,
			Scrape:          20 * time.Second,
			HealthDomestic:  3 * time.Second,
			HealthForeign:   2 * time.Second,
		},
		MaxRetries:        5,
		FailThreshold:     3,
		SwitchStatusCodes: []int{403, 429, 502, 503, 504},
		SwitchKeywords:    []string{"验证码", "访问被拒绝", "Forbidden", "CAPTCHA", "IP限制", "安全验证"},
		DomesticProbeURL:  "http://www.baidu.com",
		ForeignProbeURL:   "http://www.google.com",
	}
}

var reloadMu sync.Mutex
var lastReload time.Time

// Load reads ./proxyhub.yaml (if present), overlays PROXYHUB_* environment
// variables, and unmarshals into a Config seeded with Default(). An
// environment variable only takes effect for a key that also appears in
// proxyhub.yaml: viper's Unmarshal does not discover environment-only
// keys under AutomaticEnv. If
// onChange is non-nil, the file is watched and onChange fires (debounced)
// on every write after the initial load.
func Load(onChange func(*Config)) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("proxyhub")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config: read proxyhub.yaml: %w", err)
		}
		log.Info("no proxyhub.yaml found, using defaults and environment")
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	if onChange != nil {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			reloadMu.Lock()
			defer reloadMu.Unlock()
			if time.Since(lastReload) < reloadDebounce {
				return
			}
			lastReload = time.Now()

			reloaded := Default()
			if err := v.Unmarshal(reloaded); err != nil {
				log.WithField("err", err).Warn("config reload failed, keeping previous config")
				return
			}
			log.Info("config file changed, reloaded")
			onChange(reloaded)
		})
	}

	return cfg, nil
}
