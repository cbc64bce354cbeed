// Package booking is the HTTP client for the spa booking backend.
//
// The backend exposes PostgREST-style stored procedures under
// /rest/v1/rpc/<name> plus a plain table endpoint for listing bookings. The
// bridge treats procedure results as opaque envelopes with a status field;
// interpretation for the AI happens in the tool dispatcher.
//
// All calls go through a circuit breaker so a dead backend fails fast
// instead of stacking up tool-dispatch timeouts.
package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/santacaterina/voicebridge/internal/resilience"
)

// StatusSuccess is the status value the stored procedures return on success.
const StatusSuccess = "success"

// ── Result envelopes ──────────────────────────────────────────────────────────

// AvailabilityResult is the check_slot_availability envelope.
type AvailabilityResult struct {
	Status         string `json:"status"`
	Available      bool   `json:"available"`
	SpotsRemaining int    `json:"spots_remaining"`
	TotalCapacity  int    `json:"total_capacity"`
	Message        string `json:"message"`
}

// BookingResult is the book_spa_slot envelope.
type BookingResult struct {
	Status           string `json:"status"`
	BookingID        int64  `json:"booking_id"`
	BookingReference string `json:"booking_reference"`
	Message          string `json:"message"`
}

// Appointment is the nested booking object in get_latest_appointment.
type Appointment struct {
	Reference     string `json:"reference"`
	CustomerName  string `json:"customer_name"`
	DateFormatted string `json:"date_formatted"`
	TimeSlot      string `json:"time_slot"`
	IsFuture      bool   `json:"is_future"`
}

// LatestAppointmentResult is the get_latest_appointment envelope.
type LatestAppointmentResult struct {
	Status  string       `json:"status"`
	Booking *Appointment `json:"booking"`
	Message string       `json:"message"`
}

// CancellationResult is the delete_appointment envelope. The cancelled
// booking details are kept opaque.
type CancellationResult struct {
	Status           string          `json:"status"`
	Message          string          `json:"message"`
	CancelledBooking json.RawMessage `json:"cancelled_booking,omitempty"`
}

// Booking is one row of the spa_bookings table.
type Booking struct {
	ID               int64  `json:"id"`
	CustomerName     string `json:"customer_name"`
	CustomerPhone    string `json:"customer_phone"`
	BookingDate      string `json:"booking_date"`
	SlotStartTime    string `json:"slot_start_time"`
	SlotEndTime      string `json:"slot_end_time"`
	BookingReference string `json:"booking_reference"`
	CreatedAt        string `json:"created_at,omitempty"`
}

// ── Client ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpc = hc }
}

// WithBreaker overrides the circuit breaker configuration.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// Client calls the booking backend. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	breaker *resilience.CircuitBreaker
}

// New creates a booking client for the backend at baseURL authenticated with
// apiKey.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "booking-backend",
		}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CheckSlotAvailability asks whether the slot starting at startTime on date
// still has space. Times use HH:MM:SS.
func (c *Client) CheckSlotAvailability(ctx context.Context, date, startTime string) (*AvailabilityResult, error) {
	var out AvailabilityResult
	err := c.rpc(ctx, "check_slot_availability", map[string]string{
		"p_date":       date,
		"p_start_time": startTime,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// BookSlot creates a booking. The phone value is the exact carrier-provided
// caller number; the backend's uniqueness constraint is defined on it.
func (c *Client) BookSlot(ctx context.Context, name, phone, date, startTime, endTime string) (*BookingResult, error) {
	var out BookingResult
	err := c.rpc(ctx, "book_spa_slot", map[string]string{
		"p_customer_name":   name,
		"p_customer_phone":  phone,
		"p_booking_date":    date,
		"p_slot_start_time": startTime,
		"p_slot_end_time":   endTime,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestAppointment returns the customer's most recent appointment.
func (c *Client) LatestAppointment(ctx context.Context, phone string) (*LatestAppointmentResult, error) {
	var out LatestAppointmentResult
	err := c.rpc(ctx, "get_latest_appointment", map[string]string{
		"p_phone_number": phone,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteAppointment cancels the booking with the given reference for the
// customer.
func (c *Client) DeleteAppointment(ctx context.Context, phone, reference string) (*CancellationResult, error) {
	var out CancellationResult
	err := c.rpc(ctx, "delete_appointment", map[string]string{
		"p_phone_number":      phone,
		"p_booking_reference": reference,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// BookingsForDate lists all bookings on the given date ordered by slot start
// time.
func (c *Client) BookingsForDate(ctx context.Context, date string) ([]Booking, error) {
	q := url.Values{}
	q.Set("booking_date", "eq."+date)
	q.Set("order", "slot_start_time")
	endpoint := fmt.Sprintf("%s/rest/v1/spa_bookings?%s", c.baseURL, q.Encode())

	var out []Booking
	err := c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("build bookings request: %w", err)
		}
		c.setHeaders(req)
		return c.do(req, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ping verifies the backend answers at all. Used by the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	endpoint := c.baseURL + "/rest/v1/spa_bookings?limit=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("booking backend unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("booking backend unhealthy: %s", resp.Status)
	}
	return nil
}

// rpc invokes a stored procedure through the circuit breaker.
func (c *Client) rpc(ctx context.Context, fn string, params map[string]string, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", fn, err)
	}
	endpoint := fmt.Sprintf("%s/rest/v1/rpc/%s", c.baseURL, fn)

	return c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build %s request: %w", fn, err)
		}
		c.setHeaders(req)
		req.Header.Set("Content-Type", "application/json")
		if err := c.do(req, out); err != nil {
			return fmt.Errorf("%s: %w", fn, err)
		}
		return nil
	})
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend returned %s: %s", resp.Status, bytes.TrimSpace(data))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
