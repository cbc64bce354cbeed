// Package tools dispatches the AI assistant's function calls against the
// booking backend.
//
// The dispatcher is transport agnostic: it takes a tool name, the raw JSON
// arguments and the caller's phone number, and returns the JSON output to
// hand back to the AI. Framing the result as a function_call_output event is
// the bridge's job.
//
// The caller's phone is always taken from the session, never from the AI's
// arguments. The model has been known to hallucinate phone numbers.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/santacaterina/voicebridge/internal/booking"
	"github.com/santacaterina/voicebridge/internal/observe"
	"github.com/santacaterina/voicebridge/pkg/realtime"
)

// Store is the slice of the booking backend the dispatcher needs.
type Store interface {
	CheckSlotAvailability(ctx context.Context, date, startTime string) (*booking.AvailabilityResult, error)
	BookSlot(ctx context.Context, name, phone, date, startTime, endTime string) (*booking.BookingResult, error)
	LatestAppointment(ctx context.Context, phone string) (*booking.LatestAppointmentResult, error)
	DeleteAppointment(ctx context.Context, phone, reference string) (*booking.CancellationResult, error)
}

// Confirmation describes a successful booking for the notification hook.
type Confirmation struct {
	Date      string
	StartTime string
	Reference string
}

// Notifier is called after a successful booking, e.g. to send a confirmation
// SMS. Implementations must be best-effort; a failed notification never fails
// the booking.
type Notifier interface {
	BookingConfirmed(ctx context.Context, phone string, c Confirmation)
}

// Result is the outcome of one tool dispatch. Output is always valid JSON,
// including the error cases.
type Result struct {
	Output string
	OK     bool
}

const (
	defaultTimeout      = 15 * time.Second
	defaultSessionHours = 2
)

// Option is a functional option for configuring a Dispatcher.
type Option func(*Dispatcher)

// WithSessionHours sets the session length used to derive a booking's end
// time from its start time.
func WithSessionHours(h int) Option {
	return func(d *Dispatcher) { d.sessionHours = h }
}

// WithTimeout sets the per-dispatch deadline.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithNotifier installs a post-booking notification hook.
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) { d.notify = n }
}

// WithMetrics installs tool-call instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher executes the assistant's registered tools. Safe for concurrent
// use across sessions.
type Dispatcher struct {
	store        Store
	sessionHours int
	timeout      time.Duration
	notify       Notifier
	metrics      *observe.Metrics
}

// New creates a dispatcher backed by store.
func New(store Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		sessionHours: defaultSessionHours,
		timeout:      defaultTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Definitions returns the tool schemas announced to the AI in session.update.
func (d *Dispatcher) Definitions() []realtime.Tool {
	return []realtime.Tool{
		{
			Type:        "function",
			Name:        "check_slot_availability",
			Description: "Check if a specific spa time slot has available space",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"date": map[string]any{
						"type":        "string",
						"description": "Date in YYYY-MM-DD format",
					},
					"start_time": map[string]any{
						"type":        "string",
						"description": "Start time in HH:MM format (e.g., 10:00, 14:00)",
					},
				},
				"required": []string{"date", "start_time"},
			},
		},
		{
			Type:        "function",
			Name:        "book_spa_slot",
			Description: "Book a spa session for a customer",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{
						"type":        "string",
						"description": "Customer's full name",
					},
					"date": map[string]any{
						"type":        "string",
						"description": "Booking date in YYYY-MM-DD format",
					},
					"start_time": map[string]any{
						"type":        "string",
						"description": "Session start time in HH:MM format",
					},
				},
				"required": []string{"name", "date", "start_time"},
			},
		},
		{
			Type:        "function",
			Name:        "get_latest_appointment",
			Description: "Retrieve the caller's most recent appointment",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Type:        "function",
			Name:        "delete_appointment",
			Description: "Cancel the caller's appointment",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"booking_reference": map[string]any{
						"type":        "string",
						"description": "Booking reference code (e.g., SPA-000123). Omit to cancel the most recent appointment.",
					},
				},
			},
		},
	}
}

// Dispatch runs the named tool with the AI-provided JSON arguments on behalf
// of callerPhone. The returned Output is always valid JSON; failures are
// reported to the AI as {"error": ...} so the assistant can recover in
// conversation.
func (d *Dispatcher) Dispatch(ctx context.Context, name, argsJSON, callerPhone string) Result {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	res := d.run(ctx, name, argsJSON, callerPhone)
	d.record(ctx, name, time.Since(start), res.OK)
	return res
}

func (d *Dispatcher) run(ctx context.Context, name, argsJSON, callerPhone string) Result {
	var res Result
	var err error

	switch name {
	case "check_slot_availability":
		res, err = d.checkAvailability(ctx, argsJSON)
	case "book_spa_slot":
		res, err = d.bookSlot(ctx, argsJSON, callerPhone)
	case "get_latest_appointment":
		res, err = d.latestAppointment(ctx, callerPhone)
	case "delete_appointment":
		res, err = d.deleteAppointment(ctx, argsJSON, callerPhone)
	default:
		slog.Warn("unknown tool requested", "tool", name)
		return errResult("unknown function")
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Error("tool dispatch timed out", "tool", name)
			return errResult("timeout")
		}
		slog.Error("tool dispatch failed", "tool", name, "error", err)
		return errResult(err.Error())
	}
	return res
}

func (d *Dispatcher) checkAvailability(ctx context.Context, argsJSON string) (Result, error) {
	var args struct {
		Date      string `json:"date"`
		StartTime string `json:"start_time"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return Result{}, fmt.Errorf("invalid arguments: %w", err)
	}

	res, err := d.store.CheckSlotAvailability(ctx, args.Date, normalizeTime(args.StartTime))
	if err != nil {
		return Result{}, err
	}

	out := struct {
		Available      bool   `json:"available"`
		SpotsRemaining int    `json:"spots_remaining"`
		Message        string `json:"message"`
	}{}
	if res.Status == booking.StatusSuccess && res.Available {
		out.Available = true
		out.SpotsRemaining = res.SpotsRemaining
		out.Message = fmt.Sprintf("Slot disponibile, %d posti rimanenti", res.SpotsRemaining)
	} else {
		out.Message = "Slot non disponibile"
	}
	return okResult(out), nil
}

func (d *Dispatcher) bookSlot(ctx context.Context, argsJSON, callerPhone string) (Result, error) {
	var args struct {
		Name      string `json:"name"`
		Date      string `json:"date"`
		StartTime string `json:"start_time"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return Result{}, fmt.Errorf("invalid arguments: %w", err)
	}

	startTime := normalizeTime(args.StartTime)
	endTime, err := endOfSession(startTime, d.sessionHours)
	if err != nil {
		return Result{}, err
	}

	res, err := d.store.BookSlot(ctx, args.Name, callerPhone, args.Date, startTime, endTime)
	if err != nil {
		return Result{}, err
	}

	out := struct {
		Success          bool   `json:"success"`
		BookingReference string `json:"booking_reference,omitempty"`
		Message          string `json:"message"`
	}{}
	if res.Status == booking.StatusSuccess {
		out.Success = true
		out.BookingReference = res.BookingReference
		out.Message = res.Message
		if out.Message == "" {
			out.Message = "Prenotazione confermata"
		}
		if d.notify != nil {
			d.notify.BookingConfirmed(ctx, callerPhone, Confirmation{
				Date:      args.Date,
				StartTime: args.StartTime,
				Reference: res.BookingReference,
			})
		}
	} else {
		out.Message = res.Message
		if out.Message == "" {
			out.Message = "Prenotazione non riuscita"
		}
		return Result{Output: marshal(out)}, nil
	}
	return okResult(out), nil
}

func (d *Dispatcher) latestAppointment(ctx context.Context, callerPhone string) (Result, error) {
	res, err := d.store.LatestAppointment(ctx, callerPhone)
	if err != nil {
		return Result{}, err
	}

	out := struct {
		Found            bool   `json:"found"`
		BookingReference string `json:"booking_reference,omitempty"`
		CustomerName     string `json:"customer_name,omitempty"`
		Date             string `json:"date,omitempty"`
		Time             string `json:"time,omitempty"`
		Message          string `json:"message"`
	}{}
	if res.Status == booking.StatusSuccess && res.Booking != nil {
		out.Found = true
		out.BookingReference = res.Booking.Reference
		out.CustomerName = res.Booking.CustomerName
		out.Date = res.Booking.DateFormatted
		out.Time = res.Booking.TimeSlot
		out.Message = res.Message
		if out.Message == "" {
			out.Message = "Appuntamento trovato"
		}
	} else {
		out.Message = "Nessun appuntamento trovato"
	}
	return okResult(out), nil
}

func (d *Dispatcher) deleteAppointment(ctx context.Context, argsJSON, callerPhone string) (Result, error) {
	var args struct {
		BookingReference string `json:"booking_reference"`
	}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return Result{}, fmt.Errorf("invalid arguments: %w", err)
		}
	}

	reference := args.BookingReference
	if reference == "" {
		// The AI often asks to cancel without knowing the reference.
		latest, err := d.store.LatestAppointment(ctx, callerPhone)
		if err != nil {
			return Result{}, err
		}
		if latest.Status != booking.StatusSuccess || latest.Booking == nil {
			return Result{Output: marshal(struct {
				Success bool   `json:"success"`
				Message string `json:"message"`
			}{false, "Nessun appuntamento da cancellare"})}, nil
		}
		reference = latest.Booking.Reference
	}

	res, err := d.store.DeleteAppointment(ctx, callerPhone, reference)
	if err != nil {
		return Result{}, err
	}

	out := struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}{}
	if res.Status == booking.StatusSuccess {
		out.Success = true
		out.Message = res.Message
		if out.Message == "" {
			out.Message = "Appuntamento cancellato"
		}
		return okResult(out), nil
	}
	out.Message = res.Message
	if out.Message == "" {
		out.Message = "Cancellazione non riuscita"
	}
	return Result{Output: marshal(out)}, nil
}

func (d *Dispatcher) record(ctx context.Context, name string, elapsed time.Duration, ok bool) {
	if d.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", name),
		attribute.Bool("success", ok),
	)
	d.metrics.ToolCalls.Add(ctx, 1, attrs)
	d.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// normalizeTime pads HH:MM to the HH:MM:SS form the booking store expects.
func normalizeTime(t string) string {
	if len(t) == 5 {
		return t + ":00"
	}
	return t
}

// endOfSession adds the session length to a HH:MM:SS start time.
func endOfSession(startTime string, hours int) (string, error) {
	start, err := time.Parse("15:04:05", startTime)
	if err != nil {
		return "", fmt.Errorf("invalid start time %q: %w", startTime, err)
	}
	return start.Add(time.Duration(hours) * time.Hour).Format("15:04:05"), nil
}

func okResult(v any) Result {
	return Result{Output: marshal(v), OK: true}
}

func errResult(msg string) Result {
	return Result{Output: marshal(struct {
		Error string `json:"error"`
	}{msg})}
}

func marshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"error":"internal"}`
	}
	return string(data)
}
