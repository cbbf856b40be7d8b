package main

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const envMemoryLogInterval = "MAINT_MEMORY_LOG_INTERVAL"

// memoryLogIntervalFromEnv accepts a duration ("2m") or whole seconds ("30").
// Anything else, or a non-positive value, disables memory logging.
func memoryLogIntervalFromEnv(logger *slog.Logger) time.Duration {
	raw := strings.TrimSpace(os.Getenv(envMemoryLogInterval))
	if raw == "" {
		return 0
	}
	if _, err := strconv.Atoi(raw); err == nil {
		raw += "s"
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("Ignoring invalid memory log interval", "env", envMemoryLogInterval, "value", raw, "error", err)
		return 0
	}
	return max(d, 0)
}

type memSample struct {
	heapAlloc  uint64
	heapInuse  uint64
	numGC      uint32
	goroutines int
	rss        uint64
}

func takeMemSample() memSample {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	s := memSample{
		heapAlloc:  m.HeapAlloc,
		heapInuse:  m.HeapInuse,
		numGC:      m.NumGC,
		goroutines: runtime.NumGoroutine(),
	}
	if f, err := os.Open("/proc/self/status"); err == nil {
		s.rss, _ = vmRSS(f)
		f.Close()
	}
	return s
}

func (s memSample) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Uint64("heap_alloc_bytes", s.heapAlloc),
		slog.Uint64("heap_inuse_bytes", s.heapInuse),
		slog.Uint64("num_gc", uint64(s.numGC)),
		slog.Int("goroutines", s.goroutines),
	}
	if s.rss > 0 {
		attrs = append(attrs, slog.Uint64("rss_bytes", s.rss))
	}
	return slog.GroupValue(attrs...)
}

// vmRSS reads the resident set size from a /proc/<pid>/status listing.
func vmRSS(r io.Reader) (uint64, bool) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		rest, ok := strings.CutPrefix(sc.Text(), "VmRSS:")
		if !ok {
			continue
		}
		kb, unit, _ := strings.Cut(strings.TrimSpace(rest), " ")
		n, err := strconv.ParseUint(kb, 10, 64)
		if err != nil || strings.TrimSpace(unit) != "kB" {
			return 0, false
		}
		return n * 1024, true
	}
	return 0, false
}

// startMemoryLogger logs a memory sample at start and every interval until
// ctx is done. CSV and paged runs hold their input or a page in memory, so
// this is the first thing to turn on when a worker grows.
func startMemoryLogger(ctx context.Context, logger *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			logger.Info("Worker memory usage", "memory", takeMemSample())
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
}
