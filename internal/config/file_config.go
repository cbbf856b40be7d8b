package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"maint.yaml",
	"maint.yml",
	"maint.toml",
	".maint.yaml",
	".maint.yml",
	".maint.toml",
}

type FileConfig struct {
	DSN     string            `yaml:"dsn" toml:"dsn"`
	Worker  WorkerFileConfig  `yaml:"worker" toml:"worker"`
	Beat    BeatFileConfig    `yaml:"beat" toml:"beat"`
	Metrics MetricsFileConfig `yaml:"metrics" toml:"metrics"`
}

type WorkerFileConfig struct {
	DSN                    string `yaml:"dsn" toml:"dsn"`
	WorkerID               string `yaml:"worker_id" toml:"worker_id"`
	Namespace              string `yaml:"namespace" toml:"namespace"`
	Concurrency            *int   `yaml:"concurrency" toml:"concurrency"`
	PollMinBackoff         string `yaml:"poll_min_backoff" toml:"poll_min_backoff"`
	PollMaxBackoff         string `yaml:"poll_max_backoff" toml:"poll_max_backoff"`
	LeaseSeconds           *int   `yaml:"lease_seconds" toml:"lease_seconds"`
	HeartbeatSeconds       *int   `yaml:"heartbeat_seconds" toml:"heartbeat_seconds"`
	ReclaimIntervalSeconds *int   `yaml:"reclaim_interval_seconds" toml:"reclaim_interval_seconds"`
	ShutdownTimeout        string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	TickerDelay            string `yaml:"ticker_delay" toml:"ticker_delay"`
	TickerMaxTicks         *int64 `yaml:"ticker_max_ticks" toml:"ticker_max_ticks"`
	ThrottleBackoff        string `yaml:"throttle_backoff" toml:"throttle_backoff"`
	AutoResume             *bool  `yaml:"auto_resume" toml:"auto_resume"`
}

type BeatFileConfig struct {
	DSN      string `yaml:"dsn" toml:"dsn"`
	Interval string `yaml:"interval" toml:"interval"`
}

type MetricsFileConfig struct {
	Addr        string   `yaml:"addr" toml:"addr"`
	Port        *int     `yaml:"port" toml:"port"`
	AuthToken   string   `yaml:"auth_token" toml:"auth_token"`
	AllowCIDRs  []string `yaml:"allow_cidrs" toml:"allow_cidrs"`
	AuthLimit   *int     `yaml:"auth_limit" toml:"auth_limit"`
	AuthWindow  string   `yaml:"auth_window" toml:"auth_window"`
	TLSCert     string   `yaml:"tls_cert" toml:"tls_cert"`
	TLSKey      string   `yaml:"tls_key" toml:"tls_key"`
	TLSClientCA string   `yaml:"tls_client_ca" toml:"tls_client_ca"`
}

func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("MAINT_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	if fileCfg.DSN != "" {
		cfg.DatabaseURL = fileCfg.DSN
	}

	w := fileCfg.Worker
	if w.DSN != "" {
		cfg.DatabaseURL = w.DSN
	}
	if w.WorkerID != "" {
		cfg.WorkerID = w.WorkerID
	}
	if w.Namespace != "" {
		cfg.TaskNamespace = w.Namespace
	}
	if w.Concurrency != nil {
		cfg.MaxConcurrency = *w.Concurrency
	}
	if w.LeaseSeconds != nil {
		cfg.LeaseSeconds = *w.LeaseSeconds
	}
	if w.HeartbeatSeconds != nil {
		cfg.HeartbeatSeconds = *w.HeartbeatSeconds
	}
	if w.ReclaimIntervalSeconds != nil {
		cfg.ReclaimIntervalSeconds = *w.ReclaimIntervalSeconds
	}
	if w.TickerMaxTicks != nil {
		cfg.TickerMaxTicks = *w.TickerMaxTicks
	}
	if w.AutoResume != nil {
		cfg.AutoResume = *w.AutoResume
	}

	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"worker.poll_min_backoff", w.PollMinBackoff, &cfg.PollMinBackoff},
		{"worker.poll_max_backoff", w.PollMaxBackoff, &cfg.PollMaxBackoff},
		{"worker.shutdown_timeout", w.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"worker.ticker_delay", w.TickerDelay, &cfg.TickerDelay},
		{"worker.throttle_backoff", w.ThrottleBackoff, &cfg.ThrottleBackoff},
		{"beat.interval", fileCfg.Beat.Interval, &cfg.BeatInterval},
		{"metrics.auth_window", fileCfg.Metrics.AuthWindow, &cfg.MetricsAuthWindow},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := parseDurationField(d.field, d.value)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}
	if cfg.PollMaxBackoff < cfg.PollMinBackoff {
		return fmt.Errorf("worker.poll_max_backoff must be >= worker.poll_min_backoff")
	}
	if cfg.ThrottleBackoff < 0 {
		return fmt.Errorf("worker.throttle_backoff must not be negative")
	}

	if fileCfg.Beat.DSN != "" && cfg.DatabaseURL == "" {
		cfg.DatabaseURL = fileCfg.Beat.DSN
	}

	m := fileCfg.Metrics
	if m.Addr != "" {
		cfg.MetricsAddr = m.Addr
	} else if m.Port != nil {
		cfg.MetricsAddr = fmt.Sprintf(":%d", *m.Port)
	}
	if m.AuthToken != "" {
		cfg.MetricsAuthToken = m.AuthToken
	}
	if len(m.AllowCIDRs) > 0 {
		cfg.MetricsAllowCIDRs = append([]string{}, m.AllowCIDRs...)
	}
	if m.AuthLimit != nil {
		cfg.MetricsAuthLimit = *m.AuthLimit
	}
	if m.TLSCert != "" {
		cfg.MetricsTLSCert = m.TLSCert
	}
	if m.TLSKey != "" {
		cfg.MetricsTLSKey = m.TLSKey
	}
	if m.TLSClientCA != "" {
		cfg.MetricsTLSClientCA = m.TLSClientCA
	}

	return nil
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) {
				return "", true, fmt.Errorf("missing value for --config")
			}
			if args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") {
			value := strings.TrimPrefix(arg, "--config=")
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
