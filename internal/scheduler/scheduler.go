// Package scheduler runs relaycore's background housekeeping: the daily
// journal prune and the periodic stats log line.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycore-project/relaycore/internal/core"
	"github.com/relaycore-project/relaycore/internal/util"
)

// defaultPruneHour applies when PruneAt cannot be parsed.
const defaultPruneHour = 4

// Pruner deletes journal rows older than a given age.
type Pruner interface {
	PruneOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// StatsSource reports node counters.
type StatsSource interface {
	Stats() core.NodeStats
}

// Config schedules the background tasks.
type Config struct {
	// PruneAt is the local "HH:MM" of the daily prune.
	PruneAt string
	// Retention is the age beyond which journal rows are pruned.
	Retention time.Duration
	// StatsInterval is the stats log period. Zero disables it.
	StatsInterval time.Duration
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg     Config
	journal Pruner
	node    StatsSource
	logger  zerolog.Logger
	now     func() time.Time
}

// NewScheduler creates a task scheduler. journal may be nil when the journal
// is disabled.
func NewScheduler(cfg Config, journal Pruner, node StatsSource) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		journal: journal,
		node:    node,
		logger:  util.ComponentLogger("scheduler"),
		now:     time.Now,
	}
}

// Start runs the scheduled tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("scheduler started")

	var wg sync.WaitGroup
	if s.journal != nil && s.cfg.Retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runPruneLoop(ctx)
		}()
	}
	if s.node != nil && s.cfg.StatsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runStatsLoop(ctx)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// runPruneLoop prunes once at startup and then daily at PruneAt.
func (s *Scheduler) runPruneLoop(ctx context.Context) {
	s.prune(ctx)

	for {
		nextRun := nextRunTime(s.now(), s.cfg.PruneAt)
		sleepDuration := nextRun.Sub(s.now())
		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		s.logger.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("journal prune scheduled")

		timer := time.NewTimer(sleepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.prune(ctx)
		}
	}
}

func (s *Scheduler) prune(ctx context.Context) {
	removed, err := s.journal.PruneOlderThan(ctx, s.cfg.Retention)
	if err != nil {
		s.logger.Warn().Err(err).Msg("journal prune failed")
		return
	}
	s.logger.Debug().Int64("removed", removed).Msg("journal prune completed")
}

func (s *Scheduler) runStatsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logStats()
		}
	}
}

// logStats writes one line with the node counters and process usage.
func (s *Scheduler) logStats() {
	stats := s.node.Stats()

	event := s.logger.Info().
		Str("role", string(stats.Role)).
		Int("users", stats.Users).
		Int("games", stats.Games).
		Int("pending", stats.Pending).
		Uint64("received", stats.Transport.Received).
		Uint64("sent", stats.Transport.Sent).
		Uint64("malformed", stats.Transport.Malformed).
		Uint64("dropped", stats.Pool.Dropped).
		Uint64("panics", stats.Pool.Panics)

	if usage, err := util.GetProcessUsage(); err == nil {
		event = event.
			Float64("cpu_percent", usage.CPUPercent).
			Uint64("rss_mb", usage.RSSMB).
			Int("goroutines", usage.Goroutines)
	}

	event.Msg("node stats")
}

// nextRunTime returns the next occurrence of the local "HH:MM" after now.
func nextRunTime(now time.Time, at string) time.Time {
	hour, minute := defaultPruneHour, 0
	if t, err := time.Parse("15:04", at); err == nil {
		hour, minute = t.Hour(), t.Minute()
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
