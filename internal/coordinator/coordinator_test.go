package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastSettings() Settings {
	return Settings{
		Enabled:       true,
		DebounceDelay: 10 * time.Millisecond,
		BatchSize:     10,
		MaxRetries:    3,
		DedupWindow:   time.Minute,
	}
}

type recorder struct {
	mu     sync.Mutex
	events []QueuedEvent
}

func (r *recorder) handle(_ context.Context, evt QueuedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) snapshot() []QueuedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]QueuedEvent(nil), r.events...)
}

func TestDebouncedDelivery(t *testing.T) {
	rec := &recorder{}
	c := New(fastSettings(), rec.handle, nil)
	defer c.Stop()

	c.HandleEngineEvent("phase.changed", map[string]any{"project_id": "p1", "to": "review"})
	c.HandleEngineEvent("phase.changed", map[string]any{"project_id": "p1", "to": "completed"})

	require.Eventually(t, func() bool {
		return c.GetStats().Processed == 2
	}, time.Second, 5*time.Millisecond)

	got := rec.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, SourceEngine, got[0].Source)
	assert.Equal(t, "phase.changed", got[0].Type)
	assert.Zero(t, c.GetStats().QueueDepth)
}

func TestDebounceCoalescesBurst(t *testing.T) {
	settings := fastSettings()
	settings.DebounceDelay = 200 * time.Millisecond
	rec := &recorder{}
	c := New(settings, rec.handle, nil)
	defer c.Stop()

	// Each enqueue re-arms the timer; the burst must ride out one shared
	// debounce window instead of flushing per event.
	for i := 0; i < 3; i++ {
		c.HandleEngineEvent("phase.changed", map[string]any{"n": i})
		time.Sleep(25 * time.Millisecond)
	}

	mid := c.GetStats()
	assert.Zero(t, mid.Processed, "nothing may flush before the debounce settles")
	assert.Equal(t, 3, mid.QueueDepth)
	assert.Empty(t, rec.snapshot())

	require.Eventually(t, func() bool {
		return c.GetStats().Processed == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, c.GetStats().QueueDepth)
	assert.Len(t, rec.snapshot(), 3)
}

func TestDuplicateEventsSuppressed(t *testing.T) {
	rec := &recorder{}
	c := New(fastSettings(), rec.handle, nil)
	defer c.Stop()

	payload := map[string]any{"project_id": "p1", "to": "review"}
	c.HandleEngineEvent("phase.changed", payload)
	c.HandleEngineEvent("phase.changed", payload)
	c.HandleEngineEvent("phase.changed", payload)

	require.Eventually(t, func() bool {
		return c.GetStats().Processed == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), c.GetStats().Skipped)
	assert.Len(t, rec.snapshot(), 1)
}

func TestEchoLoopBroken(t *testing.T) {
	// The calendar echoes everything the engine pushes; shared ids break the
	// cycle at the second hop.
	rec := &recorder{}
	var c *Coordinator
	echo := func(_ context.Context, evt QueuedEvent) error {
		if err := rec.handle(context.Background(), evt); err != nil {
			return err
		}
		c.HandleTagged(SourceCalendar, evt.ID, evt.Type, evt.Payload)
		return nil
	}
	c = New(fastSettings(), echo, func(_ context.Context, evt QueuedEvent) error {
		c.HandleTagged(SourceEngine, evt.ID, evt.Type, evt.Payload)
		return nil
	})
	defer c.Stop()

	c.HandleEngineEvent("phase.changed", map[string]any{"project_id": "p1"})

	require.Eventually(t, func() bool {
		s := c.GetStats()
		return s.Processed >= 1 && s.QueueDepth == 0
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	s := c.GetStats()
	assert.LessOrEqual(t, s.Processed, uint64(2), "echo must not amplify")
	assert.GreaterOrEqual(t, s.Skipped, uint64(1), "the echo is suppressed")
}

func TestDirectionFiltering(t *testing.T) {
	settings := fastSettings()
	settings.Direction = DirectionEngineToCalendar
	rec := &recorder{}
	c := New(settings, rec.handle, rec.handle)
	defer c.Stop()

	c.HandleCalendarEvent("meeting.completed", map[string]any{"project_id": "p1"})
	c.HandleEngineEvent("phase.changed", map[string]any{"project_id": "p1"})

	require.Eventually(t, func() bool {
		return c.GetStats().Processed == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), c.GetStats().Skipped)
	got := rec.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, SourceEngine, got[0].Source)
}

func TestRetryCeiling(t *testing.T) {
	settings := fastSettings()
	settings.MaxRetries = 2
	var attempts atomic.Int64
	c := New(settings, func(context.Context, QueuedEvent) error {
		attempts.Add(1)
		return errors.New("calendar unavailable")
	}, nil)
	defer c.Stop()

	c.HandleEngineEvent("phase.changed", map[string]any{"project_id": "p1"})

	require.Eventually(t, func() bool {
		return c.GetStats().Errors == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Initial attempt plus two retries, then the event is dropped.
	assert.Equal(t, int64(3), attempts.Load())
	assert.Zero(t, c.GetStats().QueueDepth)
	assert.Zero(t, c.GetStats().Processed)
}

func TestBatchSizeLimitsFlush(t *testing.T) {
	settings := fastSettings()
	settings.BatchSize = 2
	rec := &recorder{}
	c := New(settings, rec.handle, nil)
	defer c.Stop()

	for i := 0; i < 5; i++ {
		c.HandleEngineEvent("phase.changed", map[string]any{"n": i})
	}
	require.Eventually(t, func() bool {
		return c.GetStats().Processed == 5
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.snapshot(), 5)
}

func TestDisabledCoordinatorDropsEverything(t *testing.T) {
	settings := fastSettings()
	settings.Enabled = false
	rec := &recorder{}
	c := New(settings, rec.handle, rec.handle)
	defer c.Stop()

	assert.False(t, c.HandleTagged(SourceEngine, "", "phase.changed", nil))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestStopIsIdempotent(t *testing.T) {
	c := New(fastSettings(), nil, nil)
	c.Stop()
	c.Stop()
	assert.False(t, c.HandleTagged(SourceEngine, "", "phase.changed", nil), "stopped coordinator rejects events")
}

func TestUpdateSettingsRebuildsTrackerOnWindowChange(t *testing.T) {
	c := New(fastSettings(), nil, nil)
	defer c.Stop()

	payload := map[string]any{"project_id": "p1"}
	require.True(t, c.HandleTagged(SourceEngine, "", "phase.changed", payload))
	require.False(t, c.HandleTagged(SourceEngine, "", "phase.changed", payload))

	settings := fastSettings()
	settings.DedupWindow = 2 * time.Minute
	c.UpdateSettings(settings)

	// A fresh tracker forgets previous ids.
	assert.True(t, c.HandleTagged(SourceEngine, "", "phase.changed", payload))
}

func TestResolveConflict(t *testing.T) {
	engineSide := map[string]any{"phase": "review", "owner": "engine", "updated_at": "2024-01-01T10:00:00Z"}
	calendarSide := map[string]any{"phase": "in_progress", "location": "room 2", "updated_at": "2024-01-01T12:00:00Z"}

	assert.Equal(t, "review", ResolveConflict(engineSide, calendarSide, ConflictEngineWins)["phase"])
	assert.Equal(t, "in_progress", ResolveConflict(engineSide, calendarSide, ConflictCalendarWins)["phase"])

	// Calendar carries the later stamp.
	latest := ResolveConflict(engineSide, calendarSide, ConflictLatestWins)
	assert.Equal(t, "in_progress", latest["phase"])

	merged := ResolveConflict(engineSide, calendarSide, ConflictMerge)
	assert.Equal(t, "in_progress", merged["phase"], "newer side wins overlapping keys")
	assert.Equal(t, "engine", merged["owner"], "engine-only keys survive")
	assert.Equal(t, "room 2", merged["location"], "calendar-only keys survive")

	// Without stamps the engine side is treated as authoritative.
	noStamp := ResolveConflict(map[string]any{"phase": "a"}, map[string]any{"phase": "b"}, ConflictLatestWins)
	assert.Equal(t, "a", noStamp["phase"])

	// Inputs must not be mutated.
	assert.Equal(t, "review", engineSide["phase"])
	assert.Equal(t, "in_progress", calendarSide["phase"])
}
