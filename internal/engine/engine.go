// Package engine implements the phase transition engine: it accepts external
// triggers, consults the rule registry and either applies a transition or
// opens an approval request, keeping an append-only history of every attempt.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"phaseline/internal/bus"
	"phaseline/internal/domain"
	"phaseline/internal/rules"
)

// ProjectStore is the engine's view of the external project store. The engine
// never mutates a project directly; phase changes go through SetProjectPhase.
type ProjectStore interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
	SetProjectPhase(ctx context.Context, id string, phase domain.Phase, updatedAt string) error
}

// Store persists transition history and approvals. The engine keeps its own
// in-memory state authoritative and writes through, so it stays testable with
// a purely in-memory store.
type Store interface {
	AppendTransition(ctx context.Context, evt domain.TransitionEvent) error
	SaveApproval(ctx context.Context, req domain.ApprovalRequest) error
}

// Engine advances projects through the lifecycle in response to triggers.
// Construct with New; the zero value is not usable.
type Engine struct {
	Projects ProjectStore
	Store    Store
	Rules    *rules.Registry
	Bus      *bus.Bus
	Now      func() time.Time

	mu        sync.Mutex
	history   []domain.TransitionEvent
	pending   map[string]domain.TransitionEvent
	approvals map[string]domain.ApprovalRequest
}

// New wires an engine instance with injected collaborators.
func New(projects ProjectStore, store Store, registry *rules.Registry, b *bus.Bus) *Engine {
	if b == nil {
		b = bus.New()
	}
	return &Engine{
		Projects:  projects,
		Store:     store,
		Rules:     registry,
		Bus:       b,
		Now:       time.Now,
		pending:   make(map[string]domain.TransitionEvent),
		approvals: make(map[string]domain.ApprovalRequest),
	}
}

// Load rehydrates in-memory state from persisted rows, typically at startup.
// Terminal events go to the history; approval_required events with a still
// pending approval are restored as pending.
func (e *Engine) Load(history []domain.TransitionEvent, approvals []domain.ApprovalRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, evt := range history {
		if evt.Status.Terminal() {
			e.history = append(e.history, evt)
		} else {
			e.pending[evt.ID] = evt
		}
	}
	for _, req := range approvals {
		e.approvals[req.ID] = req
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// AddListener subscribes fn to every transition event status change and
// returns a subscription id for RemoveListener.
func (e *Engine) AddListener(fn bus.Listener) int { return e.Bus.Subscribe(fn) }

// RemoveListener cancels a subscription.
func (e *Engine) RemoveListener(id int) { e.Bus.Unsubscribe(id) }

// TriggerPaymentCompleted handles a payment notification. A missing project
// or missing rule is a no-op, not an error; payments routinely arrive for
// projects with nothing left to do.
func (e *Engine) TriggerPaymentCompleted(ctx context.Context, projectID string, payment domain.PaymentRecord) (*domain.TransitionEvent, error) {
	project, err := e.Projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, nil
	}
	rule, ok := e.Rules.ForTrigger(project.Phase, domain.TriggerPaymentCompleted, "")
	if !ok {
		return nil, nil
	}
	data := map[string]any{"payment_id": payment.ID}
	if payment.Amount != 0 {
		data["amount"] = payment.Amount
		data["currency"] = payment.Currency
	}
	return e.execute(ctx, project, rule, "system", data)
}

// TriggerMeetingCompleted handles a completed meeting from the calendar
// subsystem, filtering candidate rules by the meeting type. Same no-op
// semantics as the payment path.
func (e *Engine) TriggerMeetingCompleted(ctx context.Context, projectID string, meeting domain.GuideMeetingRecord, actorID string) (*domain.TransitionEvent, error) {
	project, err := e.Projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, nil
	}
	rule, ok := e.Rules.ForTrigger(project.Phase, domain.TriggerMeetingCompleted, meeting.Type)
	if !ok {
		return nil, nil
	}
	data := map[string]any{
		"meeting_id":   meeting.ID,
		"meeting_type": meeting.Type,
	}
	if meeting.CalendarEventID != "" {
		data["calendar_event_id"] = meeting.CalendarEventID
	}
	return e.execute(ctx, project, rule, actorID, data)
}

// RequestManualTransition requests an operator-initiated transition. Unlike
// the automatic paths it surfaces hard errors: an operator needs feedback.
func (e *Engine) RequestManualTransition(ctx context.Context, projectID string, from, to domain.Phase, actorID, reason string) (*domain.TransitionEvent, error) {
	project, err := e.Projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, projectID)
	}
	if project.Phase != from {
		return nil, fmt.Errorf("%w: project %s is in %s, not %s", ErrPhaseMismatch, projectID, project.Phase, from)
	}
	rule, ok := e.Rules.Find(from, to, domain.TriggerManual, "")
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNoApplicableRule, from, to)
	}
	data := map[string]any{}
	if reason != "" {
		data["reason"] = reason
	}
	return e.execute(ctx, project, rule, actorID, data)
}

// execute builds the transition event and routes it to the apply path or the
// approval workflow per the rule.
func (e *Engine) execute(ctx context.Context, project domain.Project, rule domain.TransitionRule, actorID string, data map[string]any) (*domain.TransitionEvent, error) {
	evt := domain.TransitionEvent{
		ID:          uuid.New().String(),
		ProjectID:   project.ID,
		From:        rule.From,
		To:          rule.To,
		Trigger:     rule.Trigger,
		TriggeredBy: actorID,
		TriggerData: data,
		Status:      domain.EventPending,
		CreatedAt:   e.nowString(),
	}
	if rule.RequiresApproval {
		return e.openApproval(ctx, evt, actorID)
	}
	return e.applyTransition(ctx, evt)
}

// openApproval parks the event behind a pending approval request.
func (e *Engine) openApproval(ctx context.Context, evt domain.TransitionEvent, actorID string) (*domain.TransitionEvent, error) {
	evt.Status = domain.EventApprovalRequired
	reason, _ := evt.TriggerData["reason"].(string)
	req := domain.ApprovalRequest{
		ID:          uuid.New().String(),
		EventID:     evt.ID,
		ProjectID:   evt.ProjectID,
		RequestedBy: actorID,
		RequestedAt: e.nowString(),
		Reason:      reason,
		Status:      domain.ApprovalPending,
	}

	e.mu.Lock()
	e.pending[evt.ID] = evt
	e.approvals[req.ID] = req
	e.mu.Unlock()

	// In-memory state is authoritative; listeners hear about the event even
	// when the store write fails, so observers never diverge from it.
	err := e.persistTransition(ctx, evt)
	if err == nil {
		err = e.persistApproval(ctx, req)
	}
	e.Bus.Publish(evt)
	if err != nil {
		return &evt, err
	}
	return &evt, nil
}

// ApproveTransition resolves a pending approval and applies the gated
// transition. Double approval, an already-rejected request, or an unknown id
// all return false without touching anything.
func (e *Engine) ApproveTransition(ctx context.Context, approvalID, approverID string) (bool, error) {
	e.mu.Lock()
	req, ok := e.approvals[approvalID]
	if !ok || req.Status != domain.ApprovalPending {
		e.mu.Unlock()
		return false, nil
	}
	now := e.nowString()
	req.Status = domain.ApprovalApproved
	req.ApprovedBy = &approverID
	req.ApprovedAt = &now
	e.approvals[approvalID] = req
	evt := e.pending[req.EventID]
	evt.Status = domain.EventApproved
	e.pending[req.EventID] = evt
	e.mu.Unlock()

	err := e.persistApproval(ctx, req)
	e.Bus.Publish(evt)
	if err != nil {
		return false, err
	}
	if _, err := e.applyTransition(ctx, evt); err != nil {
		return false, err
	}
	return true, nil
}

// RejectTransition resolves a pending approval by rejecting it, marking both
// the approval and the gated event rejected. Same idempotence guard as
// ApproveTransition.
func (e *Engine) RejectTransition(ctx context.Context, approvalID, rejecterID, reason string) (bool, error) {
	e.mu.Lock()
	req, ok := e.approvals[approvalID]
	if !ok || req.Status != domain.ApprovalPending {
		e.mu.Unlock()
		return false, nil
	}
	now := e.nowString()
	req.Status = domain.ApprovalRejected
	req.ApprovedBy = &rejecterID
	req.ApprovedAt = &now
	req.RejectionReason = &reason
	e.approvals[approvalID] = req

	evt := e.pending[req.EventID]
	delete(e.pending, req.EventID)
	evt.Status = domain.EventRejected
	evt.CompletedAt = &now
	if reason != "" {
		evt.Error = reason
	}
	e.history = append(e.history, evt)
	e.mu.Unlock()

	err := e.persistApproval(ctx, req)
	if err == nil {
		err = e.persistTransition(ctx, evt)
	}
	e.Bus.Publish(evt)
	if err != nil {
		return false, err
	}
	return true, nil
}

// applyTransition asks the project store to mutate the phase. A store failure
// is terminal for the event: it is marked failed and never retried; a fresh
// trigger is the only way to try again.
func (e *Engine) applyTransition(ctx context.Context, evt domain.TransitionEvent) (*domain.TransitionEvent, error) {
	now := e.nowString()
	if err := e.Projects.SetProjectPhase(ctx, evt.ProjectID, evt.To, now); err != nil {
		evt.Status = domain.EventFailed
		evt.Error = err.Error()
	} else {
		evt.Status = domain.EventCompleted
	}
	evt.CompletedAt = &now

	e.mu.Lock()
	delete(e.pending, evt.ID)
	e.history = append(e.history, evt)
	e.mu.Unlock()

	err := e.persistTransition(ctx, evt)
	e.Bus.Publish(evt)
	if err != nil {
		return &evt, err
	}
	return &evt, nil
}

func (e *Engine) persistTransition(ctx context.Context, evt domain.TransitionEvent) error {
	if e.Store == nil {
		return nil
	}
	if err := e.Store.AppendTransition(ctx, evt); err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

func (e *Engine) persistApproval(ctx context.Context, req domain.ApprovalRequest) error {
	if e.Store == nil {
		return nil
	}
	if err := e.Store.SaveApproval(ctx, req); err != nil {
		return fmt.Errorf("save approval: %w", err)
	}
	return nil
}

// AvailableTransitions partitions the rules leaving the project's current
// phase by auto-apply.
func (e *Engine) AvailableTransitions(ctx context.Context, projectID string) (automatic, manual []domain.TransitionRule, err error) {
	project, err := e.Projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownProject, projectID)
	}
	automatic, manual = e.Rules.ForPhase(project.Phase)
	return automatic, manual, nil
}

// PendingApprovals returns the approval requests still awaiting a decision.
func (e *Engine) PendingApprovals() []domain.ApprovalRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.ApprovalRequest
	for _, req := range e.approvals {
		if req.Status == domain.ApprovalPending {
			out = append(out, req)
		}
	}
	return out
}

// GetApproval returns an approval request by id.
func (e *Engine) GetApproval(id string) (domain.ApprovalRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.approvals[id]
	return req, ok
}

// History returns a snapshot copy of the transition log, optionally filtered
// by project.
func (e *Engine) History(projectID string) []domain.TransitionEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.TransitionEvent, 0, len(e.history))
	for _, evt := range e.history {
		if projectID != "" && evt.ProjectID != projectID {
			continue
		}
		out = append(out, evt)
	}
	return out
}

// Stats aggregates the transition log for observability.
func (e *Engine) Stats() domain.TransitionStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := domain.TransitionStats{ByTrigger: make(map[domain.Trigger]int)}
	for _, evt := range e.history {
		stats.Total++
		stats.ByTrigger[evt.Trigger]++
		switch evt.Status {
		case domain.EventCompleted:
			stats.Completed++
		case domain.EventFailed:
			stats.Failed++
		case domain.EventRejected:
			stats.Rejected++
		}
	}
	stats.Pending = len(e.pending)
	stats.Total += len(e.pending)
	if done := stats.Completed + stats.Failed + stats.Rejected; done > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(done)
	}
	return stats
}

// IsNotFound reports whether err is one of the engine's hard lookup errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownProject) || errors.Is(err, ErrNoApplicableRule)
}
