// Package app assembles the runtime shared by the CLI and the API server:
// repository, rule registry, engine, audit writer and sync coordinator.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"phaseline/internal/config"
	"phaseline/internal/coordinator"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/events"
	"phaseline/internal/repo"
	"phaseline/internal/rules"
)

// ResolveProjectAndConfig picks the active project and ensures a project +
// config exist in DB, seeding defaults if missing. It prefers overrides, then
// single-project DB. If the project does not exist, it is created on the fly.
func ResolveProjectAndConfig(ctx context.Context, projectOverride string, r repo.Repo) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		if p, err := r.SingleProject(ctx); err == nil {
			projectID = p.ID
		} else {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
	}
	seedCfg := config.Default(projectID)

	if _, err := r.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		now := time.Now().UTC().Format(time.RFC3339)
		p := domain.Project{
			ID:        projectID,
			Phase:     domain.PhasePaymentPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := r.InsertProject(ctx, p); err != nil {
			return "", nil, fmt.Errorf("create project: %w", err)
		}
	}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertProjectConfig(ctx, projectID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed project config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

// Runtime is the assembled application.
type Runtime struct {
	Repo        repo.Repo
	Engine      *engine.Engine
	Coordinator *coordinator.Coordinator
	Config      *config.Config
}

// Build wires the engine against the sqlite repository and, when sync is
// enabled, a coordinator bridging the engine and the calendar subsystem.
func Build(ctx context.Context, db *sql.DB, cfg *config.Config) (*Runtime, error) {
	r := repo.Repo{DB: db}
	registry, err := rules.New(cfg.DomainRules())
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	eng := engine.New(r, r, registry, nil)

	// Rehydrate engine state from previous runs.
	history, err := r.ListTransitions(ctx, repo.TransitionFilters{})
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	approvals, err := r.ListApprovals(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("load approvals: %w", err)
	}
	eng.Load(history, approvals)

	// Every engine event lands in the append-only audit log.
	writer := events.Writer{DB: db}
	eng.AddListener(func(evt domain.TransitionEvent) {
		_ = writer.Append(context.Background(), "transition."+string(evt.Status), evt.ProjectID,
			"transition_event", evt.ID, evt.TriggeredBy, events.EventPayload{
				"from":    string(evt.From),
				"to":      string(evt.To),
				"trigger": string(evt.Trigger),
			})
	})

	rt := &Runtime{Repo: r, Engine: eng, Config: cfg}
	if cfg.Sync.Enabled {
		rt.Coordinator = buildCoordinator(cfg, eng, r, writer)
		// Completed transitions flow to the calendar side through the
		// coordinator, which dedups them against inbound echoes.
		eng.AddListener(func(evt domain.TransitionEvent) {
			if evt.Status != domain.EventCompleted {
				return
			}
			rt.Coordinator.HandleEngineEvent("phase.changed", map[string]any{
				"project_id": evt.ProjectID,
				"from":       string(evt.From),
				"to":         string(evt.To),
			})
		})
	}
	return rt, nil
}

// Close stops background work. Safe to call more than once.
func (rt *Runtime) Close() {
	if rt.Coordinator != nil {
		rt.Coordinator.Stop()
	}
}

func buildCoordinator(cfg *config.Config, eng *engine.Engine, r repo.Repo, writer events.Writer) *coordinator.Coordinator {
	settings := coordinator.Settings{
		Enabled:            true,
		Direction:          cfg.Sync.Direction,
		DebounceDelay:      cfg.Sync.DebounceDelay(),
		BatchSize:          cfg.Sync.BatchSize,
		ConflictResolution: cfg.Sync.ConflictResolution,
		MaxRetries:         cfg.Sync.MaxRetries,
		DedupWindow:        cfg.Sync.DedupWindow(),
	}
	toCalendar := func(ctx context.Context, evt coordinator.QueuedEvent) error {
		// No live calendar connection; record the outbound push so webhook
		// targets can forward it.
		projectID, _ := evt.Payload["project_id"].(string)
		return writer.Append(ctx, "sync.calendar_push", projectID, "sync_event", evt.ID, "system",
			events.EventPayload{"type": evt.Type, "payload": evt.Payload})
	}
	toEngine := func(ctx context.Context, evt coordinator.QueuedEvent) error {
		return applyCalendarEvent(ctx, eng, r, evt)
	}
	return coordinator.New(settings, toCalendar, toEngine)
}

// applyCalendarEvent translates a calendar-sourced sync event into an engine
// trigger. Unknown event types are ignored rather than retried.
func applyCalendarEvent(ctx context.Context, eng *engine.Engine, r repo.Repo, evt coordinator.QueuedEvent) error {
	projectID, _ := evt.Payload["project_id"].(string)
	switch evt.Type {
	case "meeting.completed":
		meeting := domain.GuideMeetingRecord{
			ID:        stringField(evt.Payload, "meeting_id"),
			ProjectID: projectID,
			Type:      stringField(evt.Payload, "meeting_type"),
			Date:      stringField(evt.Payload, "date"),
		}
		meeting.CalendarEventID = stringField(evt.Payload, "calendar_event_id")
		if meeting.ID == "" && meeting.CalendarEventID != "" {
			if existing, err := r.GetMeetingByCalendarEvent(ctx, meeting.CalendarEventID); err == nil {
				meeting = existing
			}
		}
		_, err := eng.TriggerMeetingCompleted(ctx, projectID, meeting, "calendar")
		return err
	case "payment.completed":
		payment := domain.PaymentRecord{
			ID:        stringField(evt.Payload, "payment_id"),
			ProjectID: projectID,
		}
		_, err := eng.TriggerPaymentCompleted(ctx, projectID, payment)
		return err
	default:
		return nil
	}
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}
