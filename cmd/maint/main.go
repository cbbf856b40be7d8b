package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"maintenance-worker/internal/config"
	"maintenance-worker/internal/events"
	"maintenance-worker/internal/logging"
	"maintenance-worker/internal/metrics"
	"maintenance-worker/internal/queue"
	"maintenance-worker/internal/runner"
	"maintenance-worker/internal/task"
	"maintenance-worker/internal/tasks"
	"maintenance-worker/internal/web"
)

const Version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if os.Args[1] == "--version" || os.Args[1] == "version" {
		fmt.Printf("maint version %s\n", Version)
		return
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "worker":
		runWorker(args)
	case "beat":
		runBeat(args)
	case "migrate":
		runMigrate(args)
	case "enqueue":
		runEnqueue(args)
	case "dry-run":
		runDryRun(args)
	case "pause", "cancel", "resume":
		runControl(os.Args[1], args)
	case "status":
		runStatus(args)
	case "list":
		runList(args)
	case "tasks":
		runTasks(args)
	case "triage":
		runTriage(args)
	case "retry":
		runRetry(args)
	case "schedule":
		runSchedule(args)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: maint <worker|beat|migrate|enqueue|dry-run|pause|cancel|resume|status|list|tasks|triage|retry|schedule|version> [args]")
}

// loadConfig layers the config file named by --config (or MAINT_CONFIG, or a
// default file in the working directory) under .env and the environment.
func loadConfig(args []string) (*config.Config, string) {
	configPath, err := config.ResolveConfigPath(args)
	if err != nil {
		log.Fatal(err)
	}
	fileCfg, err := config.LoadFileConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}
	cfg, err := config.LoadWithFile(fileCfg)
	if err != nil {
		log.Fatal(err)
	}
	cfg.Version = Version
	return cfg, configPath
}

func openPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, fmt.Errorf("DSN required (use --dsn, DATABASE_URL, or config file)")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// newRegistry registers the built-in tasks under the configured namespace.
// A nil pool leaves out the tasks that need Postgres.
func newRegistry(cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, q *queue.Service) (*task.Registry, error) {
	reg := task.NewRegistry(cfg.TaskNamespace)
	deps := tasks.Deps{Logger: logger}
	if pool != nil {
		deps.DB = pool
	}
	if q != nil {
		deps.Schedules = q
	}
	if err := tasks.Register(reg, deps); err != nil {
		return nil, err
	}
	return reg, nil
}

func jobOptions(cfg *config.Config) runner.Options {
	return runner.Options{
		TickerDelay:     cfg.TickerDelay,
		TickerMaxTicks:  cfg.TickerMaxTicks,
		ThrottleBackoff: cfg.ThrottleBackoff,
		AutoResume:      cfg.AutoResume,
		WorkerID:        cfg.WorkerID,
	}
}

func runWorker(args []string) {
	cfg, configPath := loadConfig(args)

	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	fs.String("config", configPath, "Path to maint config file")
	migrate := fs.Bool("migrate", false, "Apply the schema before starting")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	logger := logging.Init(cfg.WorkerID)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	startMemoryLogger(ctx, logger, memoryLogIntervalFromEnv(logger))

	pool, err := openPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	q := queue.NewService(pool)
	if *migrate {
		if err := q.Migrate(ctx); err != nil {
			log.Fatal(err)
		}
	}

	reg, err := newRegistry(cfg, logger, pool, q)
	if err != nil {
		log.Fatal(err)
	}
	logger.Info("Registered tasks", "namespace", reg.Namespace(), "tasks", reg.Available())

	broker := events.NewBroker(200)
	if cfg.MetricsAddr != "" {
		if err := startHTTP(ctx, cfg, q, broker, logger); err != nil {
			log.Fatal(err)
		}
		metrics.StartCollector(ctx, q, 5*time.Second, logger)
	}

	jobs := runner.NewJobRunner(q, reg, logger, jobOptions(cfg))
	r := runner.New(cfg, q, jobs, logger).WithEvents(broker)
	if err := r.Start(ctx); err != nil {
		log.Fatal(err)
	}
}

func startHTTP(ctx context.Context, cfg *config.Config, q *queue.Service, broker *events.Broker, logger *slog.Logger) error {
	allowlist, err := web.ParseCIDRAllowlist(cfg.MetricsAllowCIDRs)
	if err != nil {
		return err
	}
	if cfg.MetricsAuthLimit <= 0 {
		return fmt.Errorf("metrics auth limit must be a positive integer")
	}
	if cfg.MetricsAuthWindow <= 0 {
		return fmt.Errorf("metrics auth window must be a positive duration")
	}
	tlsConfig, err := web.TLSConfig(cfg)
	if err != nil {
		return err
	}
	mutualTLS := tlsConfig != nil && tlsConfig.ClientCAs != nil
	if cfg.MetricsAuthToken == "" && !isLoopbackAddr(cfg.MetricsAddr) && allowlist == nil && !mutualTLS {
		logger.Warn("HTTP endpoints have no auth; bind to localhost or set MAINT_METRICS_AUTH_TOKEN", "addr", cfg.MetricsAddr)
	}

	server := web.NewServer(q, broker, web.Options{
		Addr:       cfg.MetricsAddr,
		Token:      cfg.MetricsAuthToken,
		AuthLimit:  cfg.MetricsAuthLimit,
		AuthWindow: cfg.MetricsAuthWindow,
		Allowlist:  allowlist,
		TLS:        tlsConfig,
	})
	go func() {
		logger.Info("Serving health, metrics and events", "addr", cfg.MetricsAddr)
		if err := server.Start(ctx); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func runBeat(args []string) {
	cfg, configPath := loadConfig(args)

	fs := flag.NewFlagSet("beat", flag.ExitOnError)
	fs.String("config", configPath, "Path to maint config file")
	fs.StringVar(&cfg.DatabaseURL, "dsn", cfg.DatabaseURL, "Postgres DSN")
	fs.DurationVar(&cfg.BeatInterval, "interval", cfg.BeatInterval, "Polling interval for schedules")
	once := fs.Bool("once", false, "Enqueue due schedules once and exit")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if cfg.BeatInterval <= 0 {
		log.Fatal("--interval must be a positive duration")
	}

	logger := logging.Init(cfg.WorkerID)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := openPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	q := queue.NewService(pool)
	logger.Info("Starting maint beat", "interval", cfg.BeatInterval.String())

	enqueue := func() {
		n, err := q.EnqueueDueSchedules(ctx)
		if err != nil {
			logger.Error("Failed to enqueue due schedules", "error", err)
			return
		}
		if n > 0 {
			logger.Info("Enqueued scheduled runs", "count", n)
		}
	}

	enqueue()
	if *once {
		return
	}

	ticker := time.NewTicker(cfg.BeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down beat")
			return
		case <-ticker.C:
			enqueue()
		}
	}
}
