package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadAllowsEmptyDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("expected empty DatabaseURL, got %q", cfg.DatabaseURL)
	}
	if cfg.TaskNamespace != DefaultTaskNamespace {
		t.Fatalf("expected namespace %q, got %q", DefaultTaskNamespace, cfg.TaskNamespace)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("MAINT_TASK_NAMESPACE=ops\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("MAINT_TASK_NAMESPACE", "")
	os.Unsetenv("MAINT_TASK_NAMESPACE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TaskNamespace != "ops" {
		t.Fatalf("expected namespace from .env, got %q", cfg.TaskNamespace)
	}
}

func TestLoadWithFileEnvWins(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MAINT_CONCURRENCY", "12")
	t.Setenv("MAINT_TASK_NAMESPACE", "")

	concurrency := 2
	fileCfg := &FileConfig{
		DSN:    "postgres://file",
		Worker: WorkerFileConfig{Namespace: "ops", Concurrency: &concurrency},
	}
	cfg, err := LoadWithFile(fileCfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TaskNamespace != "ops" {
		t.Fatalf("expected namespace from file, got %q", cfg.TaskNamespace)
	}
	if cfg.MaxConcurrency != 12 {
		t.Fatalf("expected env to override file concurrency, got %d", cfg.MaxConcurrency)
	}
}

func TestApplyEnvParsesValues(t *testing.T) {
	t.Setenv("MAINT_CONCURRENCY", "8")
	t.Setenv("MAINT_TICKER_DELAY", "250ms")
	t.Setenv("MAINT_TICKER_MAX_TICKS", "100")
	t.Setenv("MAINT_AUTO_RESUME", "true")
	t.Setenv("MAINT_METRICS_ALLOW_CIDRS", "10.0.0.0/8, ,127.0.0.1/32")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.MaxConcurrency != 8 {
		t.Fatalf("expected concurrency 8, got %d", cfg.MaxConcurrency)
	}
	if cfg.TickerDelay != 250*time.Millisecond {
		t.Fatalf("expected ticker delay 250ms, got %v", cfg.TickerDelay)
	}
	if cfg.TickerMaxTicks != 100 {
		t.Fatalf("expected max ticks 100, got %d", cfg.TickerMaxTicks)
	}
	if !cfg.AutoResume {
		t.Fatal("expected auto resume")
	}
	want := []string{"10.0.0.0/8", "127.0.0.1/32"}
	if !reflect.DeepEqual(cfg.MetricsAllowCIDRs, want) {
		t.Fatalf("expected %v, got %v", want, cfg.MetricsAllowCIDRs)
	}
}

func TestApplyEnvRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"MAINT_CONCURRENCY", "many"},
		{"MAINT_TICKER_DELAY", "soon"},
		{"MAINT_AUTO_RESUME", "maybe"},
		{"MAINT_THROTTLE_BACKOFF", "-1s"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if err := DefaultConfig().ApplyEnv(); err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestBindFlags(t *testing.T) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg.BindFlags(fs)

	args := []string{"--namespace", "ops", "--ticker-max-ticks", "50", "--auto-resume", "--metrics-allow-cidrs", "10.0.0.0/8,192.168.0.0/16"}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.TaskNamespace != "ops" {
		t.Fatalf("expected namespace ops, got %q", cfg.TaskNamespace)
	}
	if cfg.TickerMaxTicks != 50 {
		t.Fatalf("expected max ticks 50, got %d", cfg.TickerMaxTicks)
	}
	if !cfg.AutoResume {
		t.Fatal("expected auto resume")
	}
	want := []string{"10.0.0.0/8", "192.168.0.0/16"}
	if !reflect.DeepEqual(cfg.MetricsAllowCIDRs, want) {
		t.Fatalf("expected %v, got %v", want, cfg.MetricsAllowCIDRs)
	}
}

func TestValidateHeartbeatShorterThanLease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LeaseSeconds = 30
	cfg.HeartbeatSeconds = 30
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when heartbeat is not shorter than lease")
	}
	cfg.HeartbeatSeconds = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected derived heartbeat to validate, got %v", err)
	}
}
