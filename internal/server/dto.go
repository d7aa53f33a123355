package server

import (
	"phaseline/internal/config"
	"phaseline/internal/coordinator"
	"phaseline/internal/domain"
)

type CreateProjectRequest struct {
	ID          string `json:"id" example:"proj-123"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Phase       string `json:"phase"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Phase:       string(p.Phase),
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

type PaymentTriggerRequest struct {
	ProjectID string  `json:"project_id"`
	PaymentID string  `json:"payment_id"`
	Amount    float64 `json:"amount,omitempty"`
	Currency  string  `json:"currency,omitempty"`
}

type MeetingTriggerRequest struct {
	ProjectID       string   `json:"project_id"`
	MeetingID       string   `json:"meeting_id,omitempty"`
	Type            string   `json:"type" example:"kickoff"`
	CalendarEventID string   `json:"calendar_event_id,omitempty"`
	Date            string   `json:"date,omitempty" format:"date-time"`
	Attendees       []string `json:"attendees,omitempty"`
	Outcomes        string   `json:"outcomes,omitempty"`
	NextSteps       string   `json:"next_steps,omitempty"`
}

type ManualTransitionRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// TriggerResponse carries the resulting transition event, or applied=false
// when the trigger matched nothing and was dropped.
type TriggerResponse struct {
	Applied bool                    `json:"applied"`
	Event   *domain.TransitionEvent `json:"event,omitempty"`
}

func triggerResponse(evt *domain.TransitionEvent) TriggerResponse {
	return TriggerResponse{Applied: evt != nil, Event: evt}
}

type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DecisionResponse struct {
	Resolved bool `json:"resolved"`
}

type AvailableTransitionsResponse struct {
	Automatic []domain.TransitionRule `json:"automatic"`
	Manual    []domain.TransitionRule `json:"manual"`
}

type StatsResponse struct {
	Total       int                    `json:"total"`
	Completed   int                    `json:"completed"`
	Failed      int                    `json:"failed"`
	Rejected    int                    `json:"rejected"`
	Pending     int                    `json:"pending"`
	SuccessRate float64                `json:"success_rate"`
	ByTrigger   map[domain.Trigger]int `json:"by_trigger"`
}

func statsResponse(s domain.TransitionStats) StatsResponse {
	return StatsResponse{
		Total:       s.Total,
		Completed:   s.Completed,
		Failed:      s.Failed,
		Rejected:    s.Rejected,
		Pending:     s.Pending,
		SuccessRate: s.SuccessRate,
		ByTrigger:   s.ByTrigger,
	}
}

type SyncEventRequest struct {
	ID      string         `json:"id,omitempty"`
	Source  string         `json:"source" enum:"engine,calendar"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type SyncStatsResponse struct {
	Enabled        bool   `json:"enabled"`
	Direction      string `json:"direction"`
	Processed      uint64 `json:"processed"`
	Skipped        uint64 `json:"skipped"`
	Errors         uint64 `json:"errors"`
	QueueDepth     int    `json:"queue_depth"`
	TrackerEntries int    `json:"tracker_entries"`
}

func syncStatsResponse(settings coordinator.Settings, s coordinator.Stats) SyncStatsResponse {
	return SyncStatsResponse{
		Enabled:        settings.Enabled,
		Direction:      settings.Direction,
		Processed:      s.Processed,
		Skipped:        s.Skipped,
		Errors:         s.Errors,
		QueueDepth:     s.QueueDepth,
		TrackerEntries: s.TrackerEntries,
	}
}

type ProjectConfigResponse struct {
	Project struct {
		ID   string `json:"id"`
		Name string `json:"name,omitempty"`
	} `json:"project"`
	Rules []RuleResponse `json:"rules"`
	Sync  SyncSettings   `json:"sync"`
}

type RuleResponse struct {
	ID               string   `json:"id"`
	From             string   `json:"from"`
	To               string   `json:"to"`
	Trigger          string   `json:"trigger"`
	MeetingTypes     []string `json:"meeting_types,omitempty"`
	AutoApply        bool     `json:"auto_apply"`
	RequiresApproval bool     `json:"requires_approval"`
}

type SyncSettings struct {
	Enabled            bool   `json:"enabled"`
	Direction          string `json:"direction"`
	DebounceMillis     int    `json:"debounce_ms"`
	BatchSize          int    `json:"batch_size"`
	ConflictResolution string `json:"conflict_resolution"`
	MaxRetries         int    `json:"max_retries"`
	DedupWindowSeconds int    `json:"dedup_window_seconds"`
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	var out ProjectConfigResponse
	if cfg == nil {
		return out
	}
	out.Project.ID = cfg.Project.ID
	out.Project.Name = cfg.Project.Name
	for _, r := range cfg.Rules {
		out.Rules = append(out.Rules, RuleResponse{
			ID:               r.ID,
			From:             r.From,
			To:               r.To,
			Trigger:          r.Trigger,
			MeetingTypes:     r.MeetingTypes,
			AutoApply:        r.AutoApply,
			RequiresApproval: r.RequiresApproval,
		})
	}
	out.Sync = SyncSettings{
		Enabled:            cfg.Sync.Enabled,
		Direction:          cfg.Sync.Direction,
		DebounceMillis:     cfg.Sync.DebounceMillis,
		BatchSize:          cfg.Sync.BatchSize,
		ConflictResolution: cfg.Sync.ConflictResolution,
		MaxRetries:         cfg.Sync.MaxRetries,
		DedupWindowSeconds: cfg.Sync.DedupWindowSeconds,
	}
	return out
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			ProjectID:  e.ProjectID,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return out
}
