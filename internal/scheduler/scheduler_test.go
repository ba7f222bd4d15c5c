package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shu-ai/shu-core/internal/observability"
)

type fakeSource struct {
	name     string
	cleaned  int64
	stats    SourceStats
	err      error
	ticks    int
	cleanups int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) CleanupStale(context.Context) (int64, error) {
	f.cleanups++
	return f.cleaned, nil
}

func (f *fakeSource) EnqueueDue(context.Context, int) (SourceStats, error) {
	f.ticks++
	return f.stats, f.err
}

func TestTickRunsEverySource(t *testing.T) {
	a := &fakeSource{name: "a", cleaned: 2, stats: SourceStats{Claimed: 3, Enqueued: 3}}
	b := &fakeSource{name: "b"}
	s := New(observability.NopLogger(), Config{}, a, b)

	s.Tick(context.Background())

	assert.Equal(t, 1, a.ticks)
	assert.Equal(t, 1, a.cleanups)
	assert.Equal(t, 1, b.ticks)

	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, "a", history[0].Source)
	assert.Equal(t, int64(2), history[0].CleanedStale)
	assert.Equal(t, 3, history[0].Stats.Enqueued)
}

func TestTickRecordsSourceErrors(t *testing.T) {
	bad := &fakeSource{name: "bad", err: errors.New("db down")}
	good := &fakeSource{name: "good"}
	s := New(observability.NopLogger(), Config{}, bad, good)

	s.Tick(context.Background())

	// One failing source never blocks the others.
	assert.Equal(t, 1, good.ticks)
	history := s.History()
	assert.Equal(t, "db down", history[0].Error)
	assert.Empty(t, history[1].Error)
}

func TestHistoryIsBounded(t *testing.T) {
	src := &fakeSource{name: "a"}
	s := New(observability.NopLogger(), Config{}, src)

	for i := 0; i < historyLimit+50; i++ {
		s.Tick(context.Background())
	}
	assert.Len(t, s.History(), historyLimit)
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &fakeSource{name: "a"}
	s := New(observability.NopLogger(), Config{TickInterval: 10 * time.Millisecond}, src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	// Immediate tick plus at least one interval tick.
	assert.GreaterOrEqual(t, src.ticks, 2)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, time.Minute, cfg.TickInterval)
	assert.Equal(t, 25, cfg.BatchSize)
}

func TestNextWallClockInCreatorTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 2026-03-02 is a Monday. At 12:00 UTC (07:00 New York), the next 09:00
	// New York slot is the same day 14:00 UTC.
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	next := nextWallClock(now, triggerConfig{TimeOfDay: "09:00"}, loc)
	assert.Equal(t, time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC), next)

	// Past today's slot, it rolls to tomorrow.
	now = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	next = nextWallClock(now, triggerConfig{TimeOfDay: "09:00"}, loc)
	assert.Equal(t, time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC), next)
}

func TestNextWallClockDayOfWeekRestriction(t *testing.T) {
	// 2026-03-02 is a Monday; only Fridays allowed.
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	next := nextWallClock(now, triggerConfig{TimeOfDay: "09:00", DaysOfWeek: []string{"friday"}}, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC), next)
	assert.Equal(t, time.Friday, next.Weekday())
}

func TestNextWallClockInvalidTimeFallsBack(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	next := nextWallClock(now, triggerConfig{TimeOfDay: "not-a-time"}, time.UTC)
	assert.Equal(t, now.Add(24*time.Hour), next)
}

func TestParseTriggerConfigInterval(t *testing.T) {
	cfg := parseTriggerConfig([]byte(`{"interval_seconds": 3600}`))
	assert.Equal(t, 3600, cfg.IntervalSeconds)

	cfg = parseTriggerConfig(nil)
	assert.Zero(t, cfg.IntervalSeconds)
}
