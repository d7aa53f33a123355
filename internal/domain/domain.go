package domain

// Phase is a stage in a project's lifecycle. Phases are totally ordered and
// transitions only ever move forward.
type Phase string

const (
	PhasePaymentPending   Phase = "payment_pending"
	PhasePaymentCompleted Phase = "payment_completed"
	PhasePreparation      Phase = "preparation"
	PhaseKickoffReady     Phase = "kickoff_ready"
	PhasePMAssigned       Phase = "pm_assigned"
	PhaseKickoffScheduled Phase = "kickoff_scheduled"
	PhaseKickoffCompleted Phase = "kickoff_completed"
	PhaseInProgress       Phase = "in_progress"
	PhaseReview           Phase = "review"
	PhaseCompleted        Phase = "completed"
	PhaseClosed           Phase = "closed"
)

// PhaseOrder is the canonical lifecycle order.
var PhaseOrder = []Phase{
	PhasePaymentPending,
	PhasePaymentCompleted,
	PhasePreparation,
	PhaseKickoffReady,
	PhasePMAssigned,
	PhaseKickoffScheduled,
	PhaseKickoffCompleted,
	PhaseInProgress,
	PhaseReview,
	PhaseCompleted,
	PhaseClosed,
}

var phaseIndex = func() map[Phase]int {
	m := make(map[Phase]int, len(PhaseOrder))
	for i, p := range PhaseOrder {
		m[p] = i
	}
	return m
}()

// Index returns the position of p in the canonical order, or -1 if unknown.
func (p Phase) Index() int {
	i, ok := phaseIndex[p]
	if !ok {
		return -1
	}
	return i
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool { return p.Index() >= 0 }

// Before reports whether p comes strictly before other in the canonical order.
// Unknown phases are never before anything.
func (p Phase) Before(other Phase) bool {
	pi, oi := p.Index(), other.Index()
	return pi >= 0 && oi >= 0 && pi < oi
}

// Trigger identifies the cause of a transition attempt.
type Trigger string

const (
	TriggerPaymentCompleted Trigger = "payment_completed"
	TriggerMeetingCompleted Trigger = "meeting_completed"
	TriggerManual           Trigger = "manual"
	TriggerSystem           Trigger = "system"
)

// TransitionRule is one row of the static rule table. Rules are looked up,
// never mutated.
type TransitionRule struct {
	ID               string   `json:"id"`
	From             Phase    `json:"from_phase"`
	To               Phase    `json:"to_phase"`
	Trigger          Trigger  `json:"trigger"`
	MeetingTypes     []string `json:"meeting_types,omitempty"`
	AutoApply        bool     `json:"auto_apply"`
	RequiresApproval bool     `json:"requires_approval"`
}

// MatchesMeetingType reports whether the rule accepts the supplied meeting
// type. Rules without a filter accept everything.
func (r TransitionRule) MatchesMeetingType(meetingType string) bool {
	if len(r.MeetingTypes) == 0 {
		return true
	}
	if meetingType == "" {
		return false
	}
	for _, mt := range r.MeetingTypes {
		if mt == meetingType {
			return true
		}
	}
	return false
}

// EventStatus is the lifecycle state of a TransitionEvent.
type EventStatus string

const (
	EventPending          EventStatus = "pending"
	EventApprovalRequired EventStatus = "approval_required"
	EventApproved         EventStatus = "approved"
	EventRejected         EventStatus = "rejected"
	EventCompleted        EventStatus = "completed"
	EventFailed           EventStatus = "failed"
)

// Terminal reports whether no further status change is allowed.
func (s EventStatus) Terminal() bool {
	return s == EventCompleted || s == EventRejected || s == EventFailed
}

// TransitionEvent records one transition attempt. Once terminal it is
// immutable and lives only in the history log.
type TransitionEvent struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	From        Phase          `json:"from_phase"`
	To          Phase          `json:"to_phase"`
	Trigger     Trigger        `json:"trigger"`
	TriggeredBy string         `json:"triggered_by"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	Status      EventStatus    `json:"status" enum:"pending,approval_required,approved,rejected,completed,failed"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	CompletedAt *string        `json:"completed_at,omitempty" format:"date-time"`
}

// ApprovalStatus is the state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalRequest gates a transition whose rule demands a human decision.
// Exactly one of approve/reject resolves it.
type ApprovalRequest struct {
	ID              string         `json:"id"`
	EventID         string         `json:"event_id"`
	ProjectID       string         `json:"project_id"`
	RequestedBy     string         `json:"requested_by"`
	RequestedAt     string         `json:"requested_at" format:"date-time"`
	Reason          string         `json:"reason,omitempty"`
	Status          ApprovalStatus `json:"status" enum:"pending,approved,rejected"`
	ApprovedBy      *string        `json:"approved_by,omitempty"`
	ApprovedAt      *string        `json:"approved_at,omitempty" format:"date-time"`
	RejectionReason *string        `json:"rejection_reason,omitempty"`
}

// Project is the slice of the external project store the engine cares about.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Phase       Phase  `json:"phase"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// GuideMeetingRecord is a completed meeting as reported by the calendar
// subsystem.
type GuideMeetingRecord struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	Type            string   `json:"type"`
	CalendarEventID string   `json:"calendar_event_id,omitempty"`
	Date            string   `json:"date" format:"date-time"`
	Attendees       []string `json:"attendees,omitempty"`
	Outcomes        string   `json:"outcomes,omitempty"`
	NextSteps       string   `json:"next_steps,omitempty"`
}

// PaymentRecord carries the payload of a payment-completed notification.
type PaymentRecord struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	Amount    float64 `json:"amount,omitempty"`
	Currency  string  `json:"currency,omitempty"`
	PaidAt    string  `json:"paid_at,omitempty" format:"date-time"`
}

// TransitionStats aggregates engine history for observability.
type TransitionStats struct {
	Total       int             `json:"total"`
	Completed   int             `json:"completed"`
	Failed      int             `json:"failed"`
	Rejected    int             `json:"rejected"`
	Pending     int             `json:"pending"`
	SuccessRate float64         `json:"success_rate"`
	ByTrigger   map[Trigger]int `json:"by_trigger"`
}

// Event is one row of the append-only audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
