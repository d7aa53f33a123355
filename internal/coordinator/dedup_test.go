package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventIDDeterministic(t *testing.T) {
	payload := map[string]any{"project_id": "p1", "to": "review", "n": 3}
	a := EventID(SourceEngine, "phase.changed", payload)
	b := EventID(SourceEngine, "phase.changed", map[string]any{"n": 3, "to": "review", "project_id": "p1"})
	assert.Equal(t, a, b, "key order must not change the id")

	assert.NotEqual(t, a, EventID(SourceCalendar, "phase.changed", payload), "source is part of the identity")
	assert.NotEqual(t, a, EventID(SourceEngine, "meeting.completed", payload), "type is part of the identity")
	assert.NotEqual(t, a, EventID(SourceEngine, "phase.changed", map[string]any{"project_id": "p2"}))
}

func TestTrackerRejectsInsideWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker(5 * time.Second)
	tr.now = func() time.Time { return now }

	assert.True(t, tr.ShouldProcess("a"))
	assert.False(t, tr.ShouldProcess("a"), "second delivery inside the window")
	assert.True(t, tr.ShouldProcess("b"), "different id is unaffected")
	assert.Equal(t, 2, tr.ActiveEntries())

	now = now.Add(4 * time.Second)
	assert.False(t, tr.ShouldProcess("a"), "still inside the window")

	// Rejection refreshes nothing: the original stamp ages out.
	now = now.Add(2 * time.Second)
	assert.True(t, tr.ShouldProcess("a"), "window elapsed")
}

func TestTrackerPrunesExpiredEntries(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker(time.Second)
	tr.now = func() time.Time { return now }

	for _, id := range []string{"a", "b", "c"} {
		tr.ShouldProcess(id)
	}
	assert.Equal(t, 3, tr.ActiveEntries())

	now = now.Add(2 * time.Second)
	assert.Equal(t, 0, tr.ActiveEntries())
}
