// Package server wires the HTTP surface of the voice bridge: the carrier
// webhooks, the media-stream WebSocket, the query API over the conversation
// log, and the health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/santacaterina/voicebridge/internal/booking"
	"github.com/santacaterina/voicebridge/internal/bridge"
	"github.com/santacaterina/voicebridge/internal/carrier"
	"github.com/santacaterina/voicebridge/internal/convlog"
	"github.com/santacaterina/voicebridge/internal/health"
	"github.com/santacaterina/voicebridge/internal/observe"
	"github.com/santacaterina/voicebridge/internal/persona"
	"github.com/santacaterina/voicebridge/internal/tools"
	"github.com/santacaterina/voicebridge/internal/twiml"
)

// CallLog is the slice of the conversation store the HTTP surface uses.
type CallLog interface {
	CreateCallSession(ctx context.Context, callSID, from, to string) error
	UpdateCallStatus(ctx context.Context, callSID, status string, durationSeconds int) error
	Conversation(ctx context.Context, id uuid.UUID) (*convlog.Conversation, error)
	Transcript(ctx context.Context, id uuid.UUID) ([]convlog.Turn, error)
	Export(ctx context.Context, id uuid.UUID) (*convlog.Export, error)
}

// Compile-time interface check.
var _ CallLog = (*convlog.Store)(nil)

// BookingLister reads the booking table for the day view.
type BookingLister interface {
	BookingsForDate(ctx context.Context, date string) ([]booking.Booking, error)
}

var _ BookingLister = (*booking.Client)(nil)

// ToolRunner executes tools out of band, used by the function-handler
// endpoint for testing deployed tool wiring.
type ToolRunner interface {
	Dispatch(ctx context.Context, name, argsJSON, callerPhone string) tools.Result
}

var _ ToolRunner = (*tools.Dispatcher)(nil)

// CallBridge runs one accepted media socket to completion.
type CallBridge interface {
	Run(ctx context.Context, conn *carrier.Conn) error
}

var _ CallBridge = (*bridge.Bridge)(nil)

// Config carries the deployment identity of the HTTP surface.
type Config struct {
	// Hostname is the externally reachable host the carrier connects back to
	// for the media stream.
	Hostname string

	// SpaName feeds the spoken greeting.
	SpaName string
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Log      CallLog
	Bookings BookingLister
	Tools    ToolRunner
	Bridge   CallBridge
	Persona  *persona.Persona
	Health   *health.Handler
	Metrics  *observe.Metrics
}

// Server is the HTTP surface of the voice bridge.
type Server struct {
	cfg  Config
	deps Deps
	mux  *http.ServeMux
}

// New builds the route table.
func New(cfg Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps, mux: http.NewServeMux()}

	if deps.Health != nil {
		deps.Health.Register(s.mux)
	}
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /webhook/incoming-call", s.incomingCall)
	s.mux.HandleFunc("POST /webhook/call-status", s.callStatus)
	s.mux.HandleFunc("POST /api/function-handler", s.functionHandler)
	s.mux.HandleFunc("GET /api/bookings/{date}", s.bookingsForDate)
	s.mux.HandleFunc("GET /api/conversations/{id}/transcript", s.transcript)
	s.mux.HandleFunc("GET /api/conversations/{id}/export", s.export)
	s.mux.HandleFunc("GET /media-stream", s.mediaStream)

	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	if s.deps.Metrics == nil {
		return s.mux
	}
	return observe.Middleware(s.deps.Metrics)(s.mux)
}

// incomingCall answers the carrier's call webhook with markup that speaks a
// greeting and connects the media stream back to us.
func (s *Server) incomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}
	call := twiml.CallInfo{
		From:    r.PostFormValue("From"),
		To:      r.PostFormValue("To"),
		CallSID: r.PostFormValue("CallSid"),
	}
	if call.CallSID == "" || call.From == "" {
		http.Error(w, "missing From or CallSid", http.StatusBadRequest)
		return
	}

	slog.Info("incoming call", "call_sid", call.CallSID, "from", call.From, "to", call.To)

	greeting, err := s.deps.Persona.RenderGreeting(persona.Params{SpaName: s.cfg.SpaName})
	if err != nil {
		s.answerWithApology(w, call.CallSID, err)
		return
	}
	if err := s.deps.Log.CreateCallSession(r.Context(), call.CallSID, call.From, call.To); err != nil {
		s.answerWithApology(w, call.CallSID, err)
		return
	}

	s.writeTwiML(w, twiml.Welcome(greeting, s.cfg.Hostname, call))
}

// answerWithApology plays the generic failure markup. The caller hears an
// apology instead of dead air.
func (s *Server) answerWithApology(w http.ResponseWriter, callSID string, cause error) {
	slog.Error("incoming-call webhook failed", "call_sid", callSID, "error", cause)
	s.writeTwiML(w, twiml.ErrorResponse())
}

func (s *Server) writeTwiML(w http.ResponseWriter, resp *twiml.Response) {
	data, err := resp.Render()
	if err != nil {
		http.Error(w, "markup rendering failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write(data)
}

// callStatus records carrier call lifecycle updates.
func (s *Server) callStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}
	callSID := r.PostFormValue("CallSid")
	status := r.PostFormValue("CallStatus")
	if callSID == "" || status == "" {
		http.Error(w, "missing CallSid or CallStatus", http.StatusBadRequest)
		return
	}
	duration, _ := strconv.Atoi(r.PostFormValue("Duration"))

	if err := s.deps.Log.UpdateCallStatus(r.Context(), callSID, status, duration); err != nil {
		slog.Error("call status update failed", "call_sid", callSID, "error", err)
		http.Error(w, "status update failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// functionHandler invokes the tool dispatcher out of band. Used to verify a
// deployment's booking wiring without placing a call.
func (s *Server) functionHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FunctionName string          `json:"function_name"`
		Arguments    json.RawMessage `json:"arguments"`
		Context      struct {
			CustomerPhone string `json:"customerPhone"`
		} `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.FunctionName == "" {
		http.Error(w, "missing function_name", http.StatusBadRequest)
		return
	}

	args := string(req.Arguments)
	if args == "" {
		args = "{}"
	}
	res := s.deps.Tools.Dispatch(r.Context(), req.FunctionName, args, req.Context.CustomerPhone)

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(res.Output))
}

// bookingsForDate lists the bookings of one day.
func (s *Server) bookingsForDate(w http.ResponseWriter, r *http.Request) {
	date := r.PathValue("date")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	rows, err := s.deps.Bookings.BookingsForDate(r.Context(), date)
	if err != nil {
		slog.Error("booking list failed", "date", date, "error", err)
		http.Error(w, "booking backend unavailable", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []booking.Booking{}
	}
	writeJSON(w, map[string]any{"date": date, "bookings": rows})
}

// transcript returns the recorded turns of a conversation in order.
func (s *Server) transcript(w http.ResponseWriter, r *http.Request) {
	id, ok := s.conversationID(w, r)
	if !ok {
		return
	}

	conv, err := s.deps.Log.Conversation(r.Context(), id)
	if err != nil {
		s.conversationError(w, id, err)
		return
	}
	turns, err := s.deps.Log.Transcript(r.Context(), id)
	if err != nil {
		s.conversationError(w, id, err)
		return
	}
	if turns == nil {
		turns = []convlog.Turn{}
	}
	writeJSON(w, map[string]any{"conversation": conv, "turns": turns})
}

// export returns everything recorded for a conversation.
func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	id, ok := s.conversationID(w, r)
	if !ok {
		return
	}

	exp, err := s.deps.Log.Export(r.Context(), id)
	if err != nil {
		s.conversationError(w, id, err)
		return
	}
	writeJSON(w, exp)
}

func (s *Server) conversationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "conversation id must be a UUID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) conversationError(w http.ResponseWriter, id uuid.UUID, err error) {
	if errors.Is(err, convlog.ErrNotFound) {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	slog.Error("conversation query failed", "conversation_id", id, "error", err)
	http.Error(w, "conversation log unavailable", http.StatusInternalServerError)
}

// mediaStream upgrades the carrier's media WebSocket and bridges the call.
func (s *Server) mediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := carrier.Accept(w, r)
	if err != nil {
		// Accept has already written the HTTP error response.
		slog.Warn("media stream handshake failed", "error", err)
		return
	}

	if err := s.deps.Bridge.Run(r.Context(), conn); err != nil {
		slog.Error("bridge session ended with error", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encode response: %v", err), http.StatusInternalServerError)
	}
}
