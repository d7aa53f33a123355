package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/migrate"
)

type testServer struct {
	URL     string
	Runtime *app.Runtime
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	rt, err := app.Build(context.Background(), conn, cfg)
	if err != nil {
		t.Fatalf("build runtime: %v", err)
	}
	handler, err := New(Config{
		Engine:      rt.Engine,
		Coordinator: rt.Coordinator,
		Repo:        rt.Repo,
		Conf:        cfg,
		BasePath:    "/v0",
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Runtime: rt,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			rt.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createProject(t *testing.T, srv *testServer, id string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id":   id,
		"name": "Acme rollout",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope %q: %v", string(data), err)
	}
	return envelope.Error.Code
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestPaymentTriggerAdvancesPhase(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createProject(t, srv, "proj-1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/triggers/payment", map[string]any{
		"project_id": "proj-1",
		"payment_id": "pay-1",
		"amount":     1500,
		"currency":   "EUR",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("trigger status %d: %s", res.StatusCode, string(data))
	}
	var trig TriggerResponse
	if err := json.Unmarshal(data, &trig); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !trig.Applied || trig.Event == nil || trig.Event.Status != domain.EventCompleted {
		t.Fatalf("trigger response: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/proj-1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get project: %d %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	_ = json.Unmarshal(data, &p)
	if p.Phase != string(domain.PhasePaymentCompleted) {
		t.Fatalf("phase = %s, want payment_completed", p.Phase)
	}
}

func TestUnmatchedTriggerIsDroppedWithoutError(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// Unknown project: the notification path never errors.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/triggers/payment", map[string]any{
		"project_id": "ghost",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("trigger status %d: %s", res.StatusCode, string(data))
	}
	var trig TriggerResponse
	_ = json.Unmarshal(data, &trig)
	if trig.Applied || trig.Event != nil {
		t.Fatalf("unknown project applied a transition: %s", string(data))
	}

	// Known project, meeting type that matches no rule for the phase.
	createProject(t, srv, "proj-1")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/triggers/meeting", map[string]any{
		"project_id": "proj-1",
		"type":       "standup",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("meeting trigger status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &trig)
	if trig.Applied {
		t.Fatalf("standup meeting applied a transition: %s", string(data))
	}

	// The meeting is still recorded.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/proj-1/meetings", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list meetings: %d %s", res.StatusCode, string(data))
	}
	var meetings []domain.GuideMeetingRecord
	_ = json.Unmarshal(data, &meetings)
	if len(meetings) != 1 || meetings[0].Type != "standup" {
		t.Fatalf("meetings = %s", string(data))
	}
}

func TestManualTransitionErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/ghost/transitions", map[string]any{
		"from": "preparation",
		"to":   "kickoff_ready",
	}, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("unknown project: %d %s", res.StatusCode, string(data))
	}

	createProject(t, srv, "proj-1")

	// Project sits in payment_pending; the stated from phase does not match.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/transitions", map[string]any{
		"from": "preparation",
		"to":   "kickoff_ready",
	}, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "phase_mismatch" {
		t.Fatalf("phase mismatch: %d %s", res.StatusCode, string(data))
	}

	// Correct current phase but no manual rule covers the jump.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/transitions", map[string]any{
		"from": "payment_pending",
		"to":   "closed",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "no_applicable_rule" {
		t.Fatalf("no applicable rule: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/transitions", map[string]any{
		"from": "limbo",
		"to":   "closed",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid phase: %d %s", res.StatusCode, string(data))
	}
}

func TestApprovalFlowOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createProject(t, srv, "proj-1")
	if err := srv.Runtime.Repo.SetProjectPhase(context.Background(), "proj-1", domain.PhaseReview, "2024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("seed phase: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/transitions", map[string]any{
		"from":   "review",
		"to":     "completed",
		"reason": "sign-off",
	}, map[string]string{"X-Actor-Id": "alice"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("request transition: %d %s", res.StatusCode, string(data))
	}
	var evt domain.TransitionEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.Status != domain.EventApprovalRequired {
		t.Fatalf("status = %s, want approval_required", evt.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/approvals", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list approvals: %d %s", res.StatusCode, string(data))
	}
	var approvals []domain.ApprovalRequest
	if err := json.Unmarshal(data, &approvals); err != nil {
		t.Fatalf("unmarshal approvals: %v", err)
	}
	if len(approvals) != 1 || approvals[0].RequestedBy != "alice" {
		t.Fatalf("approvals = %s", string(data))
	}
	approvalID := approvals[0].ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+approvalID+"/approve", nil, map[string]string{"X-Actor-Id": "bob"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	var decision DecisionResponse
	_ = json.Unmarshal(data, &decision)
	if !decision.Resolved {
		t.Fatalf("approve not resolved: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/proj-1", nil, nil)
	var p ProjectResponse
	_ = json.Unmarshal(data, &p)
	if p.Phase != string(domain.PhaseCompleted) {
		t.Fatalf("phase after approval = %s", p.Phase)
	}

	// A decided request cannot be approved or rejected again.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+approvalID+"/approve", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second approve: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &decision)
	if decision.Resolved {
		t.Fatalf("second approve resolved: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/ghost/approve", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("unknown approval: %d %s", res.StatusCode, string(data))
	}
}

func TestSyncEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/sync/stats", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sync stats: %d %s", res.StatusCode, string(data))
	}
	var stats SyncStatsResponse
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if !stats.Enabled || stats.Direction != "bidirectional" {
		t.Fatalf("stats = %s", string(data))
	}

	event := map[string]any{
		"source":  "calendar",
		"type":    "meeting.completed",
		"payload": map[string]any{"calendar_event_id": "cal-1"},
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sync/events", event, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("sync event: %d %s", res.StatusCode, string(data))
	}
	var reply map[string]bool
	_ = json.Unmarshal(data, &reply)
	if !reply["accepted"] {
		t.Fatalf("event not accepted: %s", string(data))
	}

	// Same logical event inside the dedup window.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sync/events", event, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("duplicate event: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &reply)
	if reply["accepted"] {
		t.Fatalf("duplicate accepted: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sync/events", map[string]any{
		"source": "weather",
		"type":   "rain",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad source: %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sync/flush", nil, nil)
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("flush: %d", res.StatusCode)
	}
}

func TestAuditLogEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createProject(t, srv, "proj-1")

	if _, err := srv.Runtime.Engine.TriggerPaymentCompleted(context.Background(), "proj-1", domain.PaymentRecord{ID: "pay-1", ProjectID: "proj-1"}); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?project_id=proj-1&type=transition.completed", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var items []EventResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(items) != 1 || items[0].EntityKind != "transition_event" {
		t.Fatalf("audit rows = %s", string(data))
	}
}
