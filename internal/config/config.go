package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the analysis engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Controls ControlsConfig `yaml:"controls"`
	Tables   TablesConfig   `yaml:"tables"`
	Cache    CacheConfig    `yaml:"cache"`
}

// ServerConfig controls the HTTP listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AnalysisConfig sets strategy defaults for new sessions.
type AnalysisConfig struct {
	DefaultStrategy string       `yaml:"defaultStrategy"`
	Multiplier      float64      `yaml:"multiplier"`
	BaselineWindow  int          `yaml:"baselineWindow"`
	DefaultScale    string       `yaml:"defaultScale"`
	Ladder          LadderConfig `yaml:"ladder"`
}

// LadderConfig sets the known log10 concentrations of the control ladder roles and
// the standard-curve fit mode.
type LadderConfig struct {
	High    float64 `yaml:"high"`
	Medium  float64 `yaml:"medium"`
	Low     float64 `yaml:"low"`
	FitMode string  `yaml:"fitMode"`
}

// ControlsConfig points at an optional sample-name rule pack.
type ControlsConfig struct {
	RulesPath string `yaml:"rulesPath"`
}

// TablesConfig configures the fixed-pathogen threshold table: a local YAML file
// and/or a remote configuration service.
type TablesConfig struct {
	Path      string        `yaml:"path"`
	BaseURL   string        `yaml:"baseURL"`
	FetchPath string        `yaml:"fetchPath"`
	Timeout   time.Duration `yaml:"timeout"`
	TTL       time.Duration `yaml:"ttl"`
}

// CacheConfig controls Valkey-backed caching of remote threshold tables.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("QPCR_ENGINE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8085",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Analysis: AnalysisConfig{
			DefaultStrategy: "baseline_stdev_multiple",
			Multiplier:      10,
			BaselineWindow:  5,
			DefaultScale:    "linear",
			Ladder: LadderConfig{
				High:    7,
				Medium:  5,
				Low:     3,
				FitMode: "least_squares",
			},
		},
		Controls: ControlsConfig{RulesPath: "configs/controls/default.yaml"},
		Tables: TablesConfig{
			Path:      "configs/tables/default.yaml",
			FetchPath: "/api/v1/config/thresholds",
			Timeout:   5 * time.Second,
			TTL:       10 * time.Minute,
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QPCR_ENGINE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("QPCR_ENGINE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("QPCR_ENGINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("QPCR_ENGINE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("QPCR_ENGINE_DEFAULT_STRATEGY"); v != "" {
		cfg.Analysis.DefaultStrategy = v
	}
	if v := os.Getenv("QPCR_ENGINE_DEFAULT_SCALE"); v != "" {
		cfg.Analysis.DefaultScale = v
	}
	if v := os.Getenv("QPCR_ENGINE_STDEV_MULTIPLIER"); v != "" {
		if m, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Analysis.Multiplier = m
		}
	}
	if v := os.Getenv("QPCR_ENGINE_CONTROL_RULES_PATH"); v != "" {
		cfg.Controls.RulesPath = v
	}
	if v := os.Getenv("QPCR_ENGINE_TABLES_PATH"); v != "" {
		cfg.Tables.Path = v
	}
	if v := os.Getenv("QPCR_ENGINE_TABLES_BASE_URL"); v != "" {
		cfg.Tables.BaseURL = v
	}
	if v := os.Getenv("QPCR_ENGINE_TABLES_FETCH_PATH"); v != "" {
		cfg.Tables.FetchPath = v
	}
	if v := os.Getenv("QPCR_ENGINE_TABLES_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tables.TTL = d
		}
	}
	if v := os.Getenv("QPCR_ENGINE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("QPCR_ENGINE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("QPCR_ENGINE_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("QPCR_ENGINE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("QPCR_ENGINE_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("QPCR_ENGINE_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("QPCR_ENGINE_CACHE_MAX_RETRIES"); v != "" {
		if retry, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxRetries = retry
		}
	}
}
