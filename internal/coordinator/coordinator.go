// Package coordinator arbitrates events flowing between the phase transition
// engine and the calendar subsystem. Each side can originate an update, so
// naive forwarding would ping-pong forever; deduplication plus debounced
// batching breaks the cycle while still letting both sides converge.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Event sources.
const (
	SourceEngine   = "engine"
	SourceCalendar = "calendar"
)

// Sync directions.
const (
	DirectionBidirectional    = "bidirectional"
	DirectionEngineToCalendar = "engine_to_calendar"
	DirectionCalendarToEngine = "calendar_to_engine"
)

// Conflict resolution strategies.
const (
	ConflictEngineWins   = "engine_wins"
	ConflictCalendarWins = "calendar_wins"
	ConflictLatestWins   = "latest_wins"
	ConflictMerge        = "merge"
)

// QueuedEvent is one pending unit of cross-subsystem work. The coordinator
// owns its lifecycle: created on receipt, destroyed after processing or after
// the retry ceiling.
type QueuedEvent struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	RetryCount int            `json:"retry_count"`
	Timestamp  string         `json:"timestamp" format:"date-time"`
}

// Settings tune the coordinator. All fields are runtime-adjustable via
// UpdateSettings.
type Settings struct {
	Enabled            bool
	Direction          string
	DebounceDelay      time.Duration
	BatchSize          int
	ConflictResolution string
	MaxRetries         int
	DedupWindow        time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Direction == "" {
		s.Direction = DirectionBidirectional
	}
	if s.DebounceDelay <= 0 {
		s.DebounceDelay = 500 * time.Millisecond
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 10
	}
	if s.ConflictResolution == "" {
		s.ConflictResolution = ConflictLatestWins
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.DedupWindow <= 0 {
		s.DedupWindow = 5 * time.Second
	}
	return s
}

// Handler processes one queued event on behalf of the receiving subsystem.
type Handler func(ctx context.Context, evt QueuedEvent) error

// Stats expose coordinator counters for observability and for tests asserting
// that no event storm occurred.
type Stats struct {
	Processed      uint64 `json:"processed"`
	Skipped        uint64 `json:"skipped"`
	Errors         uint64 `json:"errors"`
	QueueDepth     int    `json:"queue_depth"`
	TrackerEntries int    `json:"tracker_entries"`
}

// Coordinator queues, deduplicates and dispatches events between the two
// subsystems. One internal goroutine performs all flushes, so at most one
// batch is in flight per instance.
type Coordinator struct {
	mu       sync.Mutex
	settings Settings
	tracker  *Tracker
	queue    []QueuedEvent
	timer    *time.Timer
	stopped  bool

	toCalendar Handler
	toEngine   Handler

	processed uint64
	skipped   uint64
	errors    uint64

	retryWait *backoff.ExponentialBackOff

	flushCh chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	now     func() time.Time
}

// New builds a coordinator. toCalendar receives engine-originated events,
// toEngine receives calendar-originated ones; either may be nil, which drops
// that direction silently.
func New(settings Settings, toCalendar, toEngine Handler) *Coordinator {
	settings = settings.withDefaults()
	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = settings.DebounceDelay
	wait.MaxInterval = 10 * settings.DebounceDelay
	wait.MaxElapsedTime = 0
	c := &Coordinator{
		settings:   settings,
		tracker:    NewTracker(settings.DedupWindow),
		toCalendar: toCalendar,
		toEngine:   toEngine,
		retryWait:  wait,
		flushCh:    make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		now:        time.Now,
	}
	go c.run()
	return c
}

// Stop shuts the processing goroutine down. Queued events are not flushed.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	close(c.stopCh)
	<-c.done
}

// UpdateSettings applies new settings. The dedup tracker is rebuilt when the
// window changes; queued events survive.
func (c *Coordinator) UpdateSettings(settings Settings) {
	settings = settings.withDefaults()
	c.mu.Lock()
	defer c.mu.Unlock()
	if settings.DedupWindow != c.settings.DedupWindow {
		c.tracker = NewTracker(settings.DedupWindow)
	}
	c.settings = settings
}

// Settings returns the current settings.
func (c *Coordinator) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// HandleEngineEvent accepts an event originated by the transition engine.
func (c *Coordinator) HandleEngineEvent(evtType string, payload map[string]any) {
	c.handle(SourceEngine, "", evtType, payload)
}

// HandleCalendarEvent accepts an event originated by the calendar subsystem.
func (c *Coordinator) HandleCalendarEvent(evtType string, payload map[string]any) {
	c.handle(SourceCalendar, "", evtType, payload)
}

// HandleTagged accepts an event that already carries a logical id, e.g. one
// that is a downstream consequence of an earlier event and must share its
// identity for loop prevention. It reports whether the event was enqueued.
func (c *Coordinator) HandleTagged(source, id, evtType string, payload map[string]any) bool {
	return c.handle(source, id, evtType, payload)
}

// handle is the single entry point: dedup check, enqueue and debounce-timer
// reset happen under one lock so two near-simultaneous events cannot both see
// an idle queue and lose the debounce.
func (c *Coordinator) handle(source, id, evtType string, payload map[string]any) bool {
	if id == "" {
		id = EventID(source, evtType, payload)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || !c.settings.Enabled {
		return false
	}
	if !c.directionAllowsLocked(source) {
		c.skipped++
		return false
	}
	if !c.tracker.ShouldProcess(id) {
		c.skipped++
		return false
	}
	c.queue = append(c.queue, QueuedEvent{
		ID:        id,
		Source:    source,
		Type:      evtType,
		Payload:   payload,
		Timestamp: c.now().UTC().Format(time.RFC3339),
	})
	c.resetDebounceLocked(c.settings.DebounceDelay)
	return true
}

func (c *Coordinator) directionAllowsLocked(source string) bool {
	switch c.settings.Direction {
	case DirectionEngineToCalendar:
		return source == SourceEngine
	case DirectionCalendarToEngine:
		return source == SourceCalendar
	default:
		return true
	}
}

func (c *Coordinator) resetDebounceLocked(delay time.Duration) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, func() {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	})
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.flushCh:
			c.flush()
		}
	}
}

// flush processes one batch. Only the run goroutine calls it, preserving the
// single-writer invariant on the queue's consumer side.
func (c *Coordinator) flush() {
	c.mu.Lock()
	n := c.settings.BatchSize
	if n > len(c.queue) {
		n = len(c.queue)
	}
	batch := make([]QueuedEvent, n)
	copy(batch, c.queue[:n])
	c.queue = append([]QueuedEvent(nil), c.queue[n:]...)
	maxRetries := c.settings.MaxRetries
	c.mu.Unlock()

	ctx := context.Background()
	hadFailure := false
	for _, evt := range batch {
		if err := c.dispatch(ctx, evt); err != nil {
			hadFailure = true
			evt.RetryCount++
			if evt.RetryCount <= maxRetries {
				c.mu.Lock()
				c.queue = append(c.queue, evt)
				c.mu.Unlock()
			} else {
				c.mu.Lock()
				c.errors++
				c.mu.Unlock()
			}
			continue
		}
		c.mu.Lock()
		c.processed++
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || len(c.queue) == 0 {
		c.retryWait.Reset()
		return
	}
	delay := c.settings.DebounceDelay
	if hadFailure {
		delay = c.retryWait.NextBackOff()
	} else {
		c.retryWait.Reset()
	}
	c.resetDebounceLocked(delay)
}

func (c *Coordinator) dispatch(ctx context.Context, evt QueuedEvent) error {
	var h Handler
	switch evt.Source {
	case SourceEngine:
		h = c.toCalendar
	case SourceCalendar:
		h = c.toEngine
	}
	if h == nil {
		return nil
	}
	return h(ctx, evt)
}

// Flush forces an immediate flush signal, mainly for shutdown paths that want
// the queue drained without waiting out the debounce.
func (c *Coordinator) Flush() {
	select {
	case c.flushCh <- struct{}{}:
	default:
	}
}

// GetStats returns a snapshot of the coordinator counters.
func (c *Coordinator) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Processed:      c.processed,
		Skipped:        c.skipped,
		Errors:         c.errors,
		QueueDepth:     len(c.queue),
		TrackerEntries: c.tracker.ActiveEntries(),
	}
}

// ResolveConflict arbitrates between two versions of the same logical entity.
// It is a pure function of its inputs.
func ResolveConflict(engineData, calendarData map[string]any, strategy string) map[string]any {
	switch strategy {
	case ConflictEngineWins:
		return copyMap(engineData)
	case ConflictCalendarWins:
		return copyMap(calendarData)
	case ConflictMerge:
		// Union of both sides, the newer side winning overlapping keys.
		base, overlay := calendarData, engineData
		if laterOf(engineData, calendarData) == 1 {
			base, overlay = engineData, calendarData
		}
		merged := copyMap(base)
		for k, v := range overlay {
			merged[k] = v
		}
		return merged
	default: // latest_wins
		if laterOf(engineData, calendarData) == 1 {
			return copyMap(calendarData)
		}
		return copyMap(engineData)
	}
}

// laterOf compares the updated_at stamps of the two sides; 0 means the engine
// side is at least as recent, 1 means the calendar side is newer.
func laterOf(engineData, calendarData map[string]any) int {
	et, eok := parseStamp(engineData["updated_at"])
	ct, cok := parseStamp(calendarData["updated_at"])
	if cok && (!eok || ct.After(et)) {
		return 1
	}
	return 0
}

func parseStamp(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
