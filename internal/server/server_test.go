package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/santacaterina/voicebridge/internal/booking"
	"github.com/santacaterina/voicebridge/internal/carrier"
	"github.com/santacaterina/voicebridge/internal/convlog"
	"github.com/santacaterina/voicebridge/internal/health"
	"github.com/santacaterina/voicebridge/internal/persona"
	"github.com/santacaterina/voicebridge/internal/server"
	"github.com/santacaterina/voicebridge/internal/tools"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type sessionRec struct {
	callSID string
	from    string
	to      string
}

type statusRec struct {
	callSID  string
	status   string
	duration int
}

type mockCallLog struct {
	mu        sync.Mutex
	sessions  []sessionRec
	statuses  []statusRec
	createErr error

	conversation *convlog.Conversation
	turns        []convlog.Turn
	export       *convlog.Export
	queryErr     error
}

func (m *mockCallLog) CreateCallSession(_ context.Context, callSID, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.sessions = append(m.sessions, sessionRec{callSID, from, to})
	return nil
}

func (m *mockCallLog) UpdateCallStatus(_ context.Context, callSID, status string, durationSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, statusRec{callSID, status, durationSeconds})
	return nil
}

func (m *mockCallLog) Conversation(_ context.Context, _ uuid.UUID) (*convlog.Conversation, error) {
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return m.conversation, nil
}

func (m *mockCallLog) Transcript(_ context.Context, _ uuid.UUID) ([]convlog.Turn, error) {
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return m.turns, nil
}

func (m *mockCallLog) Export(_ context.Context, _ uuid.UUID) (*convlog.Export, error) {
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return m.export, nil
}

type mockBookings struct {
	rows []booking.Booking
	err  error
	date string
}

func (m *mockBookings) BookingsForDate(_ context.Context, date string) ([]booking.Booking, error) {
	m.date = date
	return m.rows, m.err
}

type mockTools struct {
	mu    sync.Mutex
	name  string
	args  string
	phone string
	out   tools.Result
}

func (m *mockTools) Dispatch(_ context.Context, name, argsJSON, callerPhone string) tools.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name, m.args, m.phone = name, argsJSON, callerPhone
	return m.out
}

type mockBridge struct {
	runs chan *carrier.Conn
}

func (m *mockBridge) Run(ctx context.Context, conn *carrier.Conn) error {
	if m.runs != nil {
		m.runs <- conn
	}
	// Consume until the peer goes away, like the real bridge.
	for {
		if _, err := conn.ReadEvent(ctx); err != nil {
			return nil
		}
	}
}

func newTestServer(t *testing.T, log *mockCallLog, bookings *mockBookings, runner *mockTools, br *mockBridge) *server.Server {
	t.Helper()

	p, err := persona.Default()
	if err != nil {
		t.Fatalf("load persona: %v", err)
	}
	return server.New(
		server.Config{Hostname: "spa.example.com", SpaName: "Santa Caterina Spa"},
		server.Deps{
			Log:      log,
			Bookings: bookings,
			Tools:    runner,
			Bridge:   br,
			Persona:  p,
			Health:   health.New(health.Info{Service: "voicebridge", Version: "test"}),
		},
	)
}

func postForm(t *testing.T, h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// Webhooks
// ---------------------------------------------------------------------------

func TestIncomingCall_ReturnsWelcomeMarkup(t *testing.T) {
	t.Parallel()

	log := &mockCallLog{}
	s := newTestServer(t, log, &mockBookings{}, &mockTools{}, &mockBridge{})

	rec := postForm(t, s.Handler(), "/webhook/incoming-call", url.Values{
		"From":    {"+39 333 123 4567"},
		"To":      {"+390000000000"},
		"CallSid": {"CA1"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/xml" {
		t.Errorf("Content-Type = %q", ct)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "Benvenuto") {
		t.Error("markup missing the spoken greeting")
	}
	if !strings.Contains(body, "wss://spa.example.com/media-stream") {
		t.Errorf("markup missing the stream URL: %s", body)
	}
	// The caller's number is passed through exactly as the carrier sent it.
	if !strings.Contains(body, `value="+39 333 123 4567"`) {
		t.Errorf("markup missing the exact From value: %s", body)
	}
	if say, connect := strings.Index(body, "<Say"), strings.Index(body, "<Connect>"); say < 0 || connect < 0 || say > connect {
		t.Error("the greeting must be spoken before the stream connects")
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.sessions) != 1 || log.sessions[0] != (sessionRec{"CA1", "+39 333 123 4567", "+390000000000"}) {
		t.Errorf("sessions = %+v", log.sessions)
	}
}

func TestIncomingCall_MissingFields(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &mockCallLog{}, &mockBookings{}, &mockTools{}, &mockBridge{})
	rec := postForm(t, s.Handler(), "/webhook/incoming-call", url.Values{"From": {"+39"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestIncomingCall_StoreFailureSpeaksApology(t *testing.T) {
	t.Parallel()

	log := &mockCallLog{createErr: convlog.ErrNotFound}
	s := newTestServer(t, log, &mockBookings{}, &mockTools{}, &mockBridge{})

	rec := postForm(t, s.Handler(), "/webhook/incoming-call", url.Values{
		"From": {"+391110002222"}, "To": {"+39000"}, "CallSid": {"CA1"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with failure markup", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Ci scusiamo") || !strings.Contains(body, "<Hangup") {
		t.Errorf("failure markup = %s", body)
	}
}

func TestCallStatus_UpdatesSession(t *testing.T) {
	t.Parallel()

	log := &mockCallLog{}
	s := newTestServer(t, log, &mockBookings{}, &mockTools{}, &mockBridge{})

	rec := postForm(t, s.Handler(), "/webhook/call-status", url.Values{
		"CallSid":    {"CA1"},
		"CallStatus": {"completed"},
		"Duration":   {"95"},
	})

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.statuses) != 1 || log.statuses[0] != (statusRec{"CA1", "completed", 95}) {
		t.Errorf("statuses = %+v", log.statuses)
	}
}

func TestCallStatus_MissingFields(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &mockCallLog{}, &mockBookings{}, &mockTools{}, &mockBridge{})
	rec := postForm(t, s.Handler(), "/webhook/call-status", url.Values{"CallSid": {"CA1"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// API
// ---------------------------------------------------------------------------

func TestFunctionHandler_Dispatches(t *testing.T) {
	t.Parallel()

	runner := &mockTools{out: tools.Result{Output: `{"available":true,"spots_remaining":3}`, OK: true}}
	s := newTestServer(t, &mockCallLog{}, &mockBookings{}, runner, &mockBridge{})

	payload := `{
		"function_name": "check_slot_availability",
		"arguments": {"date":"2026-08-27","start_time":"10:00"},
		"context": {"customerPhone":"+391110002222"}
	}`
	req := httptest.NewRequest("POST", "/api/function-handler", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if out["available"] != true {
		t.Errorf("body = %v", out)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.name != "check_slot_availability" || runner.phone != "+391110002222" {
		t.Errorf("dispatch = %q / %q", runner.name, runner.phone)
	}
	if !strings.Contains(runner.args, `"date":"2026-08-27"`) {
		t.Errorf("args = %q", runner.args)
	}
}

func TestFunctionHandler_MalformedBody(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &mockCallLog{}, &mockBookings{}, &mockTools{}, &mockBridge{})
	req := httptest.NewRequest("POST", "/api/function-handler", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestBookingsForDate(t *testing.T) {
	t.Parallel()

	bookings := &mockBookings{rows: []booking.Booking{
		{ID: 1, CustomerName: "Maria", BookingDate: "2026-08-27", SlotStartTime: "10:00:00", BookingReference: "SPA-000001"},
	}}
	s := newTestServer(t, &mockCallLog{}, bookings, &mockTools{}, &mockBridge{})

	req := httptest.NewRequest("GET", "/api/bookings/2026-08-27", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if bookings.date != "2026-08-27" {
		t.Errorf("queried date = %q", bookings.date)
	}

	var out struct {
		Date     string            `json:"date"`
		Bookings []booking.Booking `json:"bookings"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Bookings) != 1 || out.Bookings[0].BookingReference != "SPA-000001" {
		t.Errorf("bookings = %+v", out.Bookings)
	}
}

func TestBookingsForDate_InvalidDate(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &mockCallLog{}, &mockBookings{}, &mockTools{}, &mockBridge{})
	req := httptest.NewRequest("GET", "/api/bookings/domani", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestTranscript(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	log := &mockCallLog{
		conversation: &convlog.Conversation{ID: id, CallSID: "CA1", TurnCount: 2},
		turns: []convlog.Turn{
			{ConversationID: id, TurnNumber: 1, Role: convlog.RoleUser, Transcript: "vorrei prenotare"},
			{ConversationID: id, TurnNumber: 2, Role: convlog.RoleAssistant, Transcript: "certo"},
		},
	}
	s := newTestServer(t, log, &mockBookings{}, &mockTools{}, &mockBridge{})

	req := httptest.NewRequest("GET", "/api/conversations/"+id.String()+"/transcript", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var out struct {
		Conversation convlog.Conversation `json:"conversation"`
		Turns        []convlog.Turn       `json:"turns"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Conversation.CallSID != "CA1" || len(out.Turns) != 2 {
		t.Errorf("out = %+v", out)
	}
	if out.Turns[0].TurnNumber != 1 || out.Turns[1].TurnNumber != 2 {
		t.Errorf("turns out of order: %+v", out.Turns)
	}
}

func TestTranscript_NotFound(t *testing.T) {
	t.Parallel()

	log := &mockCallLog{queryErr: convlog.ErrNotFound}
	s := newTestServer(t, log, &mockBookings{}, &mockTools{}, &mockBridge{})

	req := httptest.NewRequest("GET", "/api/conversations/"+uuid.NewString()+"/transcript", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestTranscript_InvalidID(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &mockCallLog{}, &mockBookings{}, &mockTools{}, &mockBridge{})
	req := httptest.NewRequest("GET", "/api/conversations/not-a-uuid/transcript", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestExport(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	log := &mockCallLog{export: &convlog.Export{
		Conversation: convlog.Conversation{ID: id, CallSID: "CA1"},
		Turns:        []convlog.Turn{{TurnNumber: 1, Role: convlog.RoleUser, Transcript: "ciao"}},
		Tools:        []convlog.ToolInvocation{{ToolName: "get_latest_appointment", Success: true}},
	}}
	s := newTestServer(t, log, &mockBookings{}, &mockTools{}, &mockBridge{})

	req := httptest.NewRequest("GET", "/api/conversations/"+id.String()+"/export", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var out convlog.Export
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Turns) != 1 || len(out.Tools) != 1 {
		t.Errorf("export = %+v", out)
	}
}

// ---------------------------------------------------------------------------
// Root, metrics, media stream
// ---------------------------------------------------------------------------

func TestRoot_ServiceInfo(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &mockCallLog{}, &mockBookings{}, &mockTools{}, &mockBridge{})
	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["status"] != "ok" || out["service"] != "voicebridge" {
		t.Errorf("body = %v", out)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &mockCallLog{}, &mockBookings{}, &mockTools{}, &mockBridge{})
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestMediaStream_UpgradesAndBridges(t *testing.T) {
	t.Parallel()

	br := &mockBridge{runs: make(chan *carrier.Conn, 1)}
	s := newTestServer(t, &mockCallLog{}, &mockBookings{}, &mockTools{}, br)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/media-stream", nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}

	select {
	case <-br.runs:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge was not invoked for the accepted socket")
	}
	ws.Close(websocket.StatusNormalClosure, "test done")
}
