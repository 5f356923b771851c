// Package workers holds the relay's background maintenance: the periodic
// supervisor sweeps and the debounced execution-record pruner.
package workers

import (
	"context"
	"fmt"
	"math"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"callrelay/internal/engine/relay"
	"callrelay/internal/platform/config"
)

type MemoryLevel string

const (
	MemoryNormal   MemoryLevel = "normal"
	MemoryWarning  MemoryLevel = "warning"
	MemoryCritical MemoryLevel = "critical"
)

type RelayManager interface {
	ReconnectIdle(ctx context.Context, idle time.Duration) int
	CheckAll(ctx context.Context) (relay.CheckSummary, error)
	ResetStalled() int
	TruncateQueues(keep int) int
	ReconnectAll(ctx context.Context, force bool) (relay.ReconnectSummary, error)
}

// Cache is implemented by both the dedup cache and the webhook directory.
type Cache interface {
	Purge() int
	Clear() int
}

type MemoryStats struct {
	Level     MemoryLevel `json:"level"`
	HeapUsed  uint64      `json:"heap_used"`
	HeapLimit uint64      `json:"heap_limit"`
	Ratio     float64     `json:"ratio"`
}

// MemorySampler reports current heap usage and the budget it is measured
// against. A zero limit means no budget is known and the level stays normal.
type MemorySampler func() (used, limit uint64)

// cgroupLimitFiles are checked in order for a container memory limit
// (cgroup v2, then v1).
var cgroupLimitFiles = []string{
	"/sys/fs/cgroup/memory.max",
	"/sys/fs/cgroup/memory/memory.limit_in_bytes",
}

type Options struct {
	WatchdogInterval     time.Duration
	CacheCleanupInterval time.Duration
	MemoryInterval       time.Duration
	IdleTimeout          time.Duration
	SoftMemoryRatio      float64
	HardMemoryRatio      float64
	MemoryLimitBytes     uint64
	TruncateTo           int

	Clock   clockwork.Clock
	Sampler MemorySampler
}

func OptionsFromConfig(sc config.SupervisorConfig, q config.QueueConfig) Options {
	return Options{
		WatchdogInterval:     sc.WatchdogInterval,
		CacheCleanupInterval: sc.CacheCleanupInterval,
		MemoryInterval:       sc.MemoryInterval,
		IdleTimeout:          sc.IdleTimeout,
		SoftMemoryRatio:      sc.SoftMemoryRatio,
		HardMemoryRatio:      sc.HardMemoryRatio,
		MemoryLimitBytes:     sc.MemoryLimitBytes,
		TruncateTo:           q.TruncateTo,
	}
}

type WatchdogReport struct {
	IdleReconnected int
	Connected       int
	Disconnected    int
	StalledReset    int
}

// Supervisor runs the watchdog, cache cleanup and memory monitor on their
// own tickers. Each Run method can also be called directly.
type Supervisor struct {
	relay  RelayManager
	dir    Cache
	dedup  Cache
	opts   Options
	clock  clockwork.Clock
	sample MemorySampler
	free   func()

	mu     sync.Mutex
	last   MemoryStats
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSupervisor(rm RelayManager, dir, dedup Cache, opts Options) *Supervisor {
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = 60 * time.Second
	}
	if opts.CacheCleanupInterval <= 0 {
		opts.CacheCleanupInterval = 5 * time.Minute
	}
	if opts.MemoryInterval <= 0 {
		opts.MemoryInterval = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Minute
	}
	if opts.SoftMemoryRatio <= 0 {
		opts.SoftMemoryRatio = 0.8
	}
	if opts.HardMemoryRatio <= 0 {
		opts.HardMemoryRatio = 0.9
	}
	if opts.TruncateTo <= 0 {
		opts.TruncateTo = 100
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	s := &Supervisor{
		relay: rm,
		dir:   dir,
		dedup: dedup,
		opts:  opts,
		clock: opts.Clock,
		free:  debug.FreeOSMemory,
	}
	s.sample = opts.Sampler
	if s.sample == nil {
		limit, source := memoryBudget(opts.MemoryLimitBytes, cgroupLimitFiles)
		if limit == 0 {
			log.Warn().Msg("no memory budget configured or detected, memory load shedding disabled")
		} else {
			log.Info().Uint64("limit_bytes", limit).Str("source", source).Msg("memory budget")
		}
		s.sample = runtimeSampler(limit)
	}
	return s
}

// memoryBudget picks the limit heap usage is measured against: the configured
// value, else GOMEMLIMIT, else the container's cgroup limit. It returns zero
// when none is set.
func memoryBudget(configured uint64, cgroupFiles []string) (uint64, string) {
	if configured > 0 {
		return configured, "config"
	}
	if soft := debug.SetMemoryLimit(-1); soft > 0 && soft < math.MaxInt64 {
		return uint64(soft), "GOMEMLIMIT"
	}
	for _, path := range cgroupFiles {
		if limit, ok := readCgroupLimit(path); ok {
			return limit, "cgroup"
		}
	}
	return 0, ""
}

// readCgroupLimit parses a cgroup memory limit file. "max" and the v1
// "unlimited" sentinel (a page-rounded MaxInt64) count as no limit.
func readCgroupLimit(path string) (uint64, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "max" {
		return 0, false
	}
	limit, err := strconv.ParseUint(text, 10, 64)
	if err != nil || limit == 0 || limit >= 1<<62 {
		return 0, false
	}
	return limit, true
}

// runtimeSampler measures live heap against a fixed budget.
func runtimeSampler(limit uint64) MemorySampler {
	return func() (uint64, uint64) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return ms.HeapAlloc, limit
	}
}

func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.loop(ctx, "watchdog", s.opts.WatchdogInterval, func(ctx context.Context) { s.RunWatchdog(ctx) })
	s.loop(ctx, "cache-cleanup", s.opts.CacheCleanupInterval, func(ctx context.Context) { s.RunCacheCleanup() })
	s.loop(ctx, "memory", s.opts.MemoryInterval, func(ctx context.Context) { s.RunMemoryCheck(ctx) })

	log.Info().Dur("watchdog", s.opts.WatchdogInterval).Dur("cache_cleanup", s.opts.CacheCleanupInterval).
		Dur("memory", s.opts.MemoryInterval).Msg("supervisor started")
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := s.clock.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.guard(name, func() { fn(ctx) })
			}
		}
	}()
}

// guard keeps a panicking task from taking the process down; the panic is
// logged and followed by an emergency cache cleanup.
func (s *Supervisor) guard(task string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Err(fmt.Errorf("%v", r)).Str("task", task).Bytes("stack", debug.Stack()).
				Msg("recovered panic in supervisor task")
			s.EmergencyCleanup()
		}
	}()
	fn()
}

func (s *Supervisor) RunWatchdog(ctx context.Context) WatchdogReport {
	var report WatchdogReport

	report.IdleReconnected = s.relay.ReconnectIdle(ctx, s.opts.IdleTimeout)

	summary, err := s.relay.CheckAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("watchdog sweep failed")
	}
	report.Connected = summary.Connected
	report.Disconnected = summary.Disconnected

	report.StalledReset = s.relay.ResetStalled()

	if report != (WatchdogReport{}) {
		log.Info().Int("idle_reconnected", report.IdleReconnected).Int("connected", report.Connected).
			Int("disconnected", report.Disconnected).Int("stalled_reset", report.StalledReset).
			Msg("watchdog corrected relay state")
	}
	return report
}

// RunCacheCleanup purges expired entries from both caches.
func (s *Supervisor) RunCacheCleanup() (dedupPurged, dirPurged int) {
	dedupPurged = s.dedup.Purge()
	dirPurged = s.dir.Purge()
	if dedupPurged+dirPurged > 0 {
		log.Debug().Int("dedup", dedupPurged).Int("directory", dirPurged).Msg("purged expired cache entries")
	}
	return dedupPurged, dirPurged
}

func (s *Supervisor) RunMemoryCheck(ctx context.Context) MemoryStats {
	stats := s.measure()

	switch stats.Level {
	case MemoryWarning:
		log.Warn().Float64("ratio", stats.Ratio).Msg("memory above soft threshold, purging caches")
		s.RunCacheCleanup()
	case MemoryCritical:
		log.Error().Float64("ratio", stats.Ratio).Msg("memory above hard threshold, shedding load")
		stats = s.shed(ctx)
	}
	return stats
}

func (s *Supervisor) shed(ctx context.Context) MemoryStats {
	cleared := s.dir.Clear()
	purged := s.dedup.Purge()
	dropped := s.relay.TruncateQueues(s.opts.TruncateTo)
	s.free()

	after := s.measure()
	log.Warn().Int("directory_cleared", cleared).Int("dedup_purged", purged).Int("events_dropped", dropped).
		Float64("ratio", after.Ratio).Msg("aggressive memory cleanup finished")

	if after.Level == MemoryCritical {
		log.Error().Float64("ratio", after.Ratio).Msg("memory still critical, reconnecting all tenants")
		if _, err := s.relay.ReconnectAll(ctx, true); err != nil {
			log.Error().Err(err).Msg("reconnect-all after memory pressure failed")
		}
	}
	return after
}

func (s *Supervisor) measure() MemoryStats {
	used, limit := s.sample()
	stats := MemoryStats{Level: MemoryNormal, HeapUsed: used, HeapLimit: limit}
	if limit > 0 {
		stats.Ratio = float64(used) / float64(limit)
	}
	switch {
	case stats.Ratio >= s.opts.HardMemoryRatio:
		stats.Level = MemoryCritical
	case stats.Ratio >= s.opts.SoftMemoryRatio:
		stats.Level = MemoryWarning
	}

	s.mu.Lock()
	s.last = stats
	s.mu.Unlock()
	return stats
}

// EmergencyCleanup purges expired cache entries after an unexpected failure.
func (s *Supervisor) EmergencyCleanup() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Err(fmt.Errorf("%v", r)).Msg("emergency cleanup failed")
		}
	}()
	dedupPurged, dirPurged := s.RunCacheCleanup()
	log.Warn().Int("dedup", dedupPurged).Int("directory", dirPurged).Msg("emergency cache cleanup done")
}

// Memory returns the latest memory sample, taking one if none exists yet.
func (s *Supervisor) Memory() MemoryStats {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last.Level == "" {
		return s.measure()
	}
	return last
}
