package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultTaskNamespace   = "maintenance"
	DefaultTickerDelay     = time.Second
	DefaultThrottleBackoff = 30 * time.Second
)

type Config struct {
	DatabaseURL string
	WorkerID    string
	Version     string

	MaxConcurrency         int
	PollMinBackoff         time.Duration
	PollMaxBackoff         time.Duration
	LeaseSeconds           int
	HeartbeatSeconds       int
	ReclaimIntervalSeconds int
	ShutdownTimeout        time.Duration // How long to wait for runs to suspend on shutdown

	TickerDelay     time.Duration // Max wall time between progress flushes
	TickerMaxTicks  int64         // Flush after this many items (0 = time only)
	ThrottleBackoff time.Duration // Used when a task's throttle leaves backoff at zero
	TaskNamespace   string
	AutoResume      bool // Re-enqueue interrupted runs immediately on shutdown

	BeatInterval time.Duration

	MetricsAddr        string
	MetricsAuthToken   string
	MetricsAllowCIDRs  []string
	MetricsAuthLimit   int
	MetricsAuthWindow  time.Duration
	MetricsTLSCert     string
	MetricsTLSKey      string
	MetricsTLSClientCA string
}

func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		WorkerID:               fmt.Sprintf("maint-%s-%d", hostname, os.Getpid()),
		Version:                "dev",
		MaxConcurrency:         4,
		PollMinBackoff:         100 * time.Millisecond,
		PollMaxBackoff:         5 * time.Second,
		LeaseSeconds:           300,
		HeartbeatSeconds:       60,
		ReclaimIntervalSeconds: 60,
		ShutdownTimeout:        30 * time.Second,
		TickerDelay:            DefaultTickerDelay,
		ThrottleBackoff:        DefaultThrottleBackoff,
		TaskNamespace:          DefaultTaskNamespace,
		BeatInterval:           30 * time.Second,
		MetricsAuthLimit:       30,
		MetricsAuthWindow:      time.Minute,
	}
}

// Load returns defaults overlaid with the environment. A .env file in the
// working directory is read first; variables already set win over it.
func Load() (*Config, error) {
	return LoadWithFile(nil)
}

// LoadWithFile layers defaults, then fileCfg, then .env and the environment.
// Flags bound afterwards with BindFlags take precedence over all of them.
func LoadWithFile(fileCfg *FileConfig) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := DefaultConfig()
	if err := ApplyFileConfig(cfg, fileCfg); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays MAINT_* variables (and DATABASE_URL) onto c.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("MAINT_WORKER_ID"); v != "" {
		c.WorkerID = v
	}
	if v := os.Getenv("MAINT_TASK_NAMESPACE"); v != "" {
		c.TaskNamespace = v
	}
	if v := os.Getenv("MAINT_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("MAINT_METRICS_AUTH_TOKEN"); v != "" {
		c.MetricsAuthToken = v
	}
	if v := os.Getenv("MAINT_METRICS_ALLOW_CIDRS"); v != "" {
		c.MetricsAllowCIDRs = splitList(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAINT_CONCURRENCY", &c.MaxConcurrency},
		{"MAINT_LEASE_SECONDS", &c.LeaseSeconds},
		{"MAINT_HEARTBEAT_SECONDS", &c.HeartbeatSeconds},
		{"MAINT_RECLAIM_INTERVAL_SECONDS", &c.ReclaimIntervalSeconds},
	}
	for _, item := range ints {
		v := os.Getenv(item.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", item.key, err)
		}
		*item.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"MAINT_POLL_MIN_BACKOFF", &c.PollMinBackoff},
		{"MAINT_POLL_MAX_BACKOFF", &c.PollMaxBackoff},
		{"MAINT_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
		{"MAINT_TICKER_DELAY", &c.TickerDelay},
		{"MAINT_THROTTLE_BACKOFF", &c.ThrottleBackoff},
		{"MAINT_BEAT_INTERVAL", &c.BeatInterval},
	}
	for _, item := range durations {
		v := os.Getenv(item.key)
		if v == "" {
			continue
		}
		d, err := parseDurationField(item.key, v)
		if err != nil {
			return err
		}
		*item.dst = d
	}

	if v := os.Getenv("MAINT_TICKER_MAX_TICKS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MAINT_TICKER_MAX_TICKS: %w", err)
		}
		c.TickerMaxTicks = n
	}
	if v := os.Getenv("MAINT_AUTO_RESUME"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid MAINT_AUTO_RESUME: %w", err)
		}
		c.AutoResume = b
	}
	return c.Validate()
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DatabaseURL, "dsn", c.DatabaseURL, "Database connection string")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "Unique worker ID")
	fs.IntVar(&c.MaxConcurrency, "concurrency", c.MaxConcurrency, "Runs performed concurrently")
	fs.DurationVar(&c.PollMinBackoff, "poll-min-backoff", c.PollMinBackoff, "Minimum wait when no run is claimable")
	fs.DurationVar(&c.PollMaxBackoff, "poll-max-backoff", c.PollMaxBackoff, "Maximum wait when no run is claimable")
	fs.IntVar(&c.LeaseSeconds, "lease-seconds", c.LeaseSeconds, "Lease duration for a claimed run")
	fs.IntVar(&c.HeartbeatSeconds, "heartbeat-seconds", c.HeartbeatSeconds, "Lease renewal interval (0 = lease/3)")
	fs.IntVar(&c.ReclaimIntervalSeconds, "reclaim-interval-seconds", c.ReclaimIntervalSeconds, "Interval for reclaiming expired leases (0 disables)")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Time to wait for runs to suspend on shutdown")
	fs.DurationVar(&c.TickerDelay, "ticker-delay", c.TickerDelay, "Max time between progress writes")
	fs.Int64Var(&c.TickerMaxTicks, "ticker-max-ticks", c.TickerMaxTicks, "Write progress after this many items (0 = time only)")
	fs.DurationVar(&c.ThrottleBackoff, "throttle-backoff", c.ThrottleBackoff, "Default delay before a throttled run is retried")
	fs.StringVar(&c.TaskNamespace, "namespace", c.TaskNamespace, "Task namespace that task names must live under")
	fs.BoolVar(&c.AutoResume, "auto-resume", c.AutoResume, "Re-enqueue runs interrupted by shutdown")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "HTTP address for health/metrics/events (empty disables)")
	fs.Func("metrics-allow-cidrs", "Comma-separated CIDRs allowed to reach the HTTP endpoints", func(v string) error {
		c.MetricsAllowCIDRs = splitList(v)
		return nil
	})
	fs.StringVar(&c.MetricsTLSCert, "metrics-tls-cert", c.MetricsTLSCert, "TLS certificate for the HTTP endpoints")
	fs.StringVar(&c.MetricsTLSKey, "metrics-tls-key", c.MetricsTLSKey, "TLS key for the HTTP endpoints")
	fs.StringVar(&c.MetricsTLSClientCA, "metrics-tls-client-ca", c.MetricsTLSClientCA, "CA bundle for client certificate auth")
}

// Validate rejects settings the worker cannot run with.
func (c *Config) Validate() error {
	if c.PollMaxBackoff < c.PollMinBackoff {
		return fmt.Errorf("poll max backoff must be >= poll min backoff")
	}
	if c.ThrottleBackoff < 0 {
		return fmt.Errorf("throttle backoff must not be negative")
	}
	if c.TickerMaxTicks < 0 {
		return fmt.Errorf("ticker max ticks must not be negative")
	}
	if c.LeaseSeconds > 0 && c.HeartbeatSeconds >= c.LeaseSeconds {
		return fmt.Errorf("heartbeat seconds (%d) must be shorter than lease seconds (%d)", c.HeartbeatSeconds, c.LeaseSeconds)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
