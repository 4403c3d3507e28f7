package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relaycore-project/relaycore/internal/core"
)

type fakePruner struct {
	mu    sync.Mutex
	calls []time.Duration
	err   error
}

func (f *fakePruner) PruneOlderThan(_ context.Context, age time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, age)
	return 3, f.err
}

func (f *fakePruner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeStats struct {
	calls atomic.Int32
}

func (f *fakeStats) Stats() core.NodeStats {
	f.calls.Add(1)
	return core.NodeStats{Role: core.RoleServer, Users: 2}
}

func TestNextRunTime(t *testing.T) {
	loc := time.UTC
	tests := []struct {
		name string
		now  time.Time
		at   string
		want time.Time
	}{
		{"later today", time.Date(2026, 5, 1, 1, 0, 0, 0, loc), "04:00", time.Date(2026, 5, 1, 4, 0, 0, 0, loc)},
		{"already passed", time.Date(2026, 5, 1, 5, 0, 0, 0, loc), "04:00", time.Date(2026, 5, 2, 4, 0, 0, 0, loc)},
		{"exactly now", time.Date(2026, 5, 1, 4, 0, 0, 0, loc), "04:00", time.Date(2026, 5, 2, 4, 0, 0, 0, loc)},
		{"minutes", time.Date(2026, 5, 1, 23, 0, 0, 0, loc), "23:30", time.Date(2026, 5, 1, 23, 30, 0, 0, loc)},
		{"month rollover", time.Date(2026, 5, 31, 12, 0, 0, 0, loc), "04:00", time.Date(2026, 6, 1, 4, 0, 0, 0, loc)},
		{"unparsable falls back", time.Date(2026, 5, 1, 1, 0, 0, 0, loc), "soon", time.Date(2026, 5, 1, 4, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextRunTime(tt.now, tt.at))
		})
	}
}

func TestStart_PrunesOnStartupWithRetention(t *testing.T) {
	pruner := &fakePruner{}
	s := NewScheduler(Config{PruneAt: "04:00", Retention: 48 * time.Hour}, pruner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return pruner.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, []time.Duration{48 * time.Hour}, pruner.calls)
}

func TestPrune_ErrorIsLogged(t *testing.T) {
	pruner := &fakePruner{err: errors.New("disk full")}
	s := NewScheduler(Config{Retention: time.Hour}, pruner, nil)

	s.prune(context.Background())
	assert.Equal(t, 1, pruner.count())
}

func TestStart_LogsStatsPeriodically(t *testing.T) {
	stats := &fakeStats{}
	s := NewScheduler(Config{StatsInterval: 10 * time.Millisecond}, nil, stats)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	assert.Eventually(t, func() bool { return stats.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestStart_NothingScheduled(t *testing.T) {
	s := NewScheduler(Config{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
