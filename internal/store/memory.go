// Package store provides the in-memory implementation of the engine's
// persistence interfaces. The engine logic is testable against it without a
// database; the sqlite-backed implementation lives in internal/repo.
package store

import (
	"context"
	"errors"
	"sync"

	"phaseline/internal/domain"
)

// ErrNotFound is returned for lookups of unknown projects.
var ErrNotFound = errors.New("not found")

// Memory keeps projects, transition history and approvals in maps. Safe for
// concurrent use.
type Memory struct {
	mu          sync.RWMutex
	projects    map[string]domain.Project
	transitions []domain.TransitionEvent
	approvals   map[string]domain.ApprovalRequest
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		projects:  make(map[string]domain.Project),
		approvals: make(map[string]domain.ApprovalRequest),
	}
}

// PutProject inserts or replaces a project.
func (m *Memory) PutProject(p domain.Project) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
}

// GetProject looks a project up by id.
func (m *Memory) GetProject(_ context.Context, id string) (domain.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return domain.Project{}, ErrNotFound
	}
	return p, nil
}

// SetProjectPhase mutates a project's phase on the engine's behalf.
func (m *Memory) SetProjectPhase(_ context.Context, id string, phase domain.Phase, updatedAt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return ErrNotFound
	}
	p.Phase = phase
	p.UpdatedAt = updatedAt
	m.projects[id] = p
	return nil
}

// AppendTransition appends to the transition log.
func (m *Memory) AppendTransition(_ context.Context, evt domain.TransitionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, evt)
	return nil
}

// SaveApproval inserts or replaces an approval request.
func (m *Memory) SaveApproval(_ context.Context, req domain.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals[req.ID] = req
	return nil
}

// Transitions returns a snapshot of the transition log.
func (m *Memory) Transitions() []domain.TransitionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.TransitionEvent(nil), m.transitions...)
}

// Approvals returns a snapshot of stored approval requests.
func (m *Memory) Approvals() []domain.ApprovalRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ApprovalRequest, 0, len(m.approvals))
	for _, req := range m.approvals {
		out = append(out, req)
	}
	return out
}
