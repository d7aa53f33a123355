package coordinator

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// eventNamespace scopes the deterministic event ids derived from payloads.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("phaseline.sync.event"))

// EventID derives a stable identity for an inbound event from its source,
// type and payload. Identical logical events always map to the same id,
// which is what makes duplicate suppression work.
func EventID(source, evtType string, payload map[string]any) string {
	// json.Marshal sorts map keys, so the encoding is canonical.
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", payload))
	}
	return uuid.NewSHA1(eventNamespace, []byte(source+"|"+evtType+"|"+string(data))).String()
}

// Tracker remembers recently processed event ids for the loop-prevention
// window. Re-delivery of an id inside the window is rejected; this is the
// circular-reference guard between the engine and the calendar subsystem.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	seen   map[string]time.Time
}

// NewTracker returns a tracker with the given loop-prevention window.
func NewTracker(window time.Duration) *Tracker {
	return &Tracker{
		window: window,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// ShouldProcess records id and reports whether it is new within the window.
func (t *Tracker) ShouldProcess(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.pruneLocked(now)
	if at, ok := t.seen[id]; ok && now.Sub(at) < t.window {
		return false
	}
	t.seen[id] = now
	return true
}

// ActiveEntries returns the number of ids still inside the window.
func (t *Tracker) ActiveEntries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.now())
	return len(t.seen)
}

func (t *Tracker) pruneLocked(now time.Time) {
	for id, at := range t.seen {
		if now.Sub(at) >= t.window {
			delete(t.seen, id)
		}
	}
}
