package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"phaseline/internal/config"
	"phaseline/internal/domain"
)

// Repo is the sqlite-backed store. It satisfies the engine's ProjectStore and
// Store interfaces and additionally persists meetings, per-project config and
// the audit log read models.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,name,phase,description,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		p.ID, nullable(p.Name), string(p.Phase), nullable(p.Description), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(name,''),phase,COALESCE(description,''),created_at,updated_at FROM projects WHERE id=?`, id)
	var p domain.Project
	var phase string
	err := row.Scan(&p.ID, &p.Name, &phase, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.Phase = domain.Phase(phase)
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),phase,COALESCE(description,''),created_at,updated_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Project
	for rows.Next() {
		var p domain.Project
		var phase string
		if err := rows.Scan(&p.ID, &p.Name, &phase, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Phase = domain.Phase(phase)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

// SetProjectPhase is the phase-mutation capability handed to the engine.
func (r Repo) SetProjectPhase(ctx context.Context, id string, phase domain.Phase, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET phase=?, updated_at=? WHERE id=?`, string(phase), updatedAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	return err
}

// --- project config ---

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	data, err := marshalConfig(cfg)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO project_configs(project_id,yaml,updated_at) VALUES (?,?,datetime('now'))
		ON CONFLICT(project_id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`, projectID, data)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT yaml FROM project_configs WHERE project_id=?`, projectID)
	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return config.FromYAML([]byte(data))
}

func marshalConfig(cfg *config.Config) (string, error) {
	if cfg == nil {
		return "", errors.New("config is nil")
	}
	b, err := cfg.ToYAML()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// --- transition history ---

func (r Repo) AppendTransition(ctx context.Context, evt domain.TransitionEvent) error {
	var data *string
	if len(evt.TriggerData) > 0 {
		b, err := json.Marshal(evt.TriggerData)
		if err != nil {
			return fmt.Errorf("marshal trigger data: %w", err)
		}
		s := string(b)
		data = &s
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO transition_events(id,project_id,from_phase,to_phase,trigger_kind,triggered_by,trigger_data_json,status,error,created_at,completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, error=excluded.error, completed_at=excluded.completed_at`,
		evt.ID, evt.ProjectID, string(evt.From), string(evt.To), string(evt.Trigger), evt.TriggeredBy,
		data, string(evt.Status), nullable(evt.Error), evt.CreatedAt, evt.CompletedAt)
	return err
}

// TransitionFilters narrows ListTransitions.
type TransitionFilters struct {
	ProjectID string
	Status    string
	Trigger   string
	Limit     int
}

func (r Repo) ListTransitions(ctx context.Context, f TransitionFilters) ([]domain.TransitionEvent, error) {
	q := `SELECT id,project_id,from_phase,to_phase,trigger_kind,triggered_by,trigger_data_json,status,COALESCE(error,''),created_at,completed_at FROM transition_events`
	var conds []string
	var args []any
	if f.ProjectID != "" {
		conds = append(conds, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, f.Status)
	}
	if f.Trigger != "" {
		conds = append(conds, "trigger_kind=?")
		args = append(args, f.Trigger)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TransitionEvent
	for rows.Next() {
		evt, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func scanTransition(rows *sql.Rows) (domain.TransitionEvent, error) {
	var evt domain.TransitionEvent
	var from, to, trigger, status string
	var data sql.NullString
	var completedAt sql.NullString
	if err := rows.Scan(&evt.ID, &evt.ProjectID, &from, &to, &trigger, &evt.TriggeredBy, &data, &status, &evt.Error, &evt.CreatedAt, &completedAt); err != nil {
		return evt, err
	}
	evt.From = domain.Phase(from)
	evt.To = domain.Phase(to)
	evt.Trigger = domain.Trigger(trigger)
	evt.Status = domain.EventStatus(status)
	if data.Valid && data.String != "" {
		_ = json.Unmarshal([]byte(data.String), &evt.TriggerData)
	}
	if completedAt.Valid {
		evt.CompletedAt = &completedAt.String
	}
	return evt, nil
}

// --- approvals ---

func (r Repo) SaveApproval(ctx context.Context, req domain.ApprovalRequest) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO approval_requests(id,event_id,project_id,requested_by,requested_at,reason,status,approved_by,approved_at,rejection_reason)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, approved_by=excluded.approved_by, approved_at=excluded.approved_at, rejection_reason=excluded.rejection_reason`,
		req.ID, req.EventID, req.ProjectID, req.RequestedBy, req.RequestedAt, nullable(req.Reason),
		string(req.Status), req.ApprovedBy, req.ApprovedAt, req.RejectionReason)
	return err
}

func (r Repo) ListApprovals(ctx context.Context, status string) ([]domain.ApprovalRequest, error) {
	q := `SELECT id,event_id,project_id,requested_by,requested_at,COALESCE(reason,''),status,approved_by,approved_at,rejection_reason FROM approval_requests`
	var args []any
	if status != "" {
		q += " WHERE status=?"
		args = append(args, status)
	}
	q += " ORDER BY requested_at, id"
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ApprovalRequest
	for rows.Next() {
		var req domain.ApprovalRequest
		var st string
		var approvedBy, approvedAt, rejection sql.NullString
		if err := rows.Scan(&req.ID, &req.EventID, &req.ProjectID, &req.RequestedBy, &req.RequestedAt, &req.Reason, &st, &approvedBy, &approvedAt, &rejection); err != nil {
			return nil, err
		}
		req.Status = domain.ApprovalStatus(st)
		if approvedBy.Valid {
			req.ApprovedBy = &approvedBy.String
		}
		if approvedAt.Valid {
			req.ApprovedAt = &approvedAt.String
		}
		if rejection.Valid {
			req.RejectionReason = &rejection.String
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// --- meetings ---

func (r Repo) InsertMeeting(ctx context.Context, m domain.GuideMeetingRecord) error {
	var attendees *string
	if len(m.Attendees) > 0 {
		b, err := json.Marshal(m.Attendees)
		if err != nil {
			return err
		}
		s := string(b)
		attendees = &s
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO meetings(id,project_id,type,calendar_event_id,date,attendees_json,outcomes,next_steps) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.Type, nullable(m.CalendarEventID), m.Date, attendees, nullable(m.Outcomes), nullable(m.NextSteps))
	return err
}

func (r Repo) GetMeeting(ctx context.Context, id string) (domain.GuideMeetingRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,type,COALESCE(calendar_event_id,''),date,attendees_json,COALESCE(outcomes,''),COALESCE(next_steps,'') FROM meetings WHERE id=?`, id)
	return scanMeeting(row.Scan)
}

// GetMeetingByCalendarEvent resolves a calendar event id to its meeting.
func (r Repo) GetMeetingByCalendarEvent(ctx context.Context, calendarEventID string) (domain.GuideMeetingRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,type,COALESCE(calendar_event_id,''),date,attendees_json,COALESCE(outcomes,''),COALESCE(next_steps,'') FROM meetings WHERE calendar_event_id=?`, calendarEventID)
	return scanMeeting(row.Scan)
}

func (r Repo) ListMeetings(ctx context.Context, projectID string) ([]domain.GuideMeetingRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,type,COALESCE(calendar_event_id,''),date,attendees_json,COALESCE(outcomes,''),COALESCE(next_steps,'') FROM meetings WHERE project_id=? ORDER BY date`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.GuideMeetingRecord
	for rows.Next() {
		m, err := scanMeeting(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMeeting(scan func(...any) error) (domain.GuideMeetingRecord, error) {
	var m domain.GuideMeetingRecord
	var attendees sql.NullString
	err := scan(&m.ID, &m.ProjectID, &m.Type, &m.CalendarEventID, &m.Date, &attendees, &m.Outcomes, &m.NextSteps)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if attendees.Valid && attendees.String != "" {
		_ = json.Unmarshal([]byte(attendees.String), &m.Attendees)
	}
	return m, nil
}

// --- audit log read models ---

func (r Repo) LatestEvents(ctx context.Context, n int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	q := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var conds []string
	var args []any
	if projectID != "" {
		conds = append(conds, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		conds = append(conds, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		conds = append(conds, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		conds = append(conds, "entity_id=?")
		args = append(args, entityID)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventsAfter returns audit rows newer than cursor in insertion order, for
// the outbound webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? AND (?='' OR project_id=?) ORDER BY id LIMIT ?`,
		cursor, projectID, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE (?='' OR project_id=?)`, projectID, projectID)
	var id int64
	err := row.Scan(&id)
	return id, err
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
