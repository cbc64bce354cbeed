package booking_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/santacaterina/voicebridge/internal/booking"
	"github.com/santacaterina/voicebridge/internal/resilience"
)

// rpcCall captures one stored-procedure invocation seen by the fake backend.
type rpcCall struct {
	fn     string
	params map[string]string
	apikey string
	auth   string
}

// startBackend runs a fake PostgREST backend. respond maps procedure names to
// JSON envelopes; calls receive every invocation.
func startBackend(t *testing.T, respond map[string]any, calls chan<- rpcCall) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rest/v1/rpc/{fn}", func(w http.ResponseWriter, r *http.Request) {
		fn := r.PathValue("fn")

		var params map[string]string
		_ = json.NewDecoder(r.Body).Decode(&params)
		if calls != nil {
			calls <- rpcCall{
				fn:     fn,
				params: params,
				apikey: r.Header.Get("apikey"),
				auth:   r.Header.Get("Authorization"),
			}
		}

		body, ok := respond[fn]
		if !ok {
			http.Error(w, `{"message":"unknown function"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckSlotAvailability_Success(t *testing.T) {
	t.Parallel()

	calls := make(chan rpcCall, 1)
	srv := startBackend(t, map[string]any{
		"check_slot_availability": map[string]any{
			"status":          "success",
			"available":       true,
			"spots_remaining": 6,
			"total_capacity":  14,
			"message":         "slot available",
		},
	}, calls)

	c := booking.New(srv.URL, "service-key")
	res, err := c.CheckSlotAvailability(context.Background(), "2026-08-27", "10:00:00")
	if err != nil {
		t.Fatalf("CheckSlotAvailability: %v", err)
	}

	if res.Status != booking.StatusSuccess || !res.Available {
		t.Errorf("result = %+v", res)
	}
	if res.SpotsRemaining != 6 || res.TotalCapacity != 14 {
		t.Errorf("capacity fields = %+v", res)
	}

	call := <-calls
	if call.fn != "check_slot_availability" {
		t.Errorf("fn = %q", call.fn)
	}
	if call.params["p_date"] != "2026-08-27" || call.params["p_start_time"] != "10:00:00" {
		t.Errorf("params = %v", call.params)
	}
	if call.apikey != "service-key" || call.auth != "Bearer service-key" {
		t.Errorf("auth headers = %q / %q", call.apikey, call.auth)
	}
}

func TestBookSlot_SendsAllParams(t *testing.T) {
	t.Parallel()

	calls := make(chan rpcCall, 1)
	srv := startBackend(t, map[string]any{
		"book_spa_slot": map[string]any{
			"status":            "success",
			"booking_id":        123,
			"booking_reference": "SPA-000123",
			"message":           "booking confirmed",
		},
	}, calls)

	c := booking.New(srv.URL, "key")
	res, err := c.BookSlot(context.Background(),
		"Maria Rossi", "+393331234567", "2026-08-27", "10:00:00", "12:00:00")
	if err != nil {
		t.Fatalf("BookSlot: %v", err)
	}
	if res.BookingReference != "SPA-000123" || res.BookingID != 123 {
		t.Errorf("result = %+v", res)
	}

	call := <-calls
	want := map[string]string{
		"p_customer_name":   "Maria Rossi",
		"p_customer_phone":  "+393331234567",
		"p_booking_date":    "2026-08-27",
		"p_slot_start_time": "10:00:00",
		"p_slot_end_time":   "12:00:00",
	}
	for k, v := range want {
		if call.params[k] != v {
			t.Errorf("param %s = %q; want %q", k, call.params[k], v)
		}
	}
}

func TestLatestAppointment_DecodesNestedBooking(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, map[string]any{
		"get_latest_appointment": map[string]any{
			"status": "success",
			"booking": map[string]any{
				"reference":      "SPA-000042",
				"customer_name":  "Maria Rossi",
				"date_formatted": "27 August 2026",
				"time_slot":      "10:00 - 12:00",
				"is_future":      true,
			},
			"message": "appointment found",
		},
	}, nil)

	c := booking.New(srv.URL, "key")
	res, err := c.LatestAppointment(context.Background(), "+393331234567")
	if err != nil {
		t.Fatalf("LatestAppointment: %v", err)
	}
	if res.Booking == nil {
		t.Fatal("booking is nil")
	}
	if res.Booking.Reference != "SPA-000042" || !res.Booking.IsFuture {
		t.Errorf("booking = %+v", res.Booking)
	}
}

func TestLatestAppointment_NotFound(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, map[string]any{
		"get_latest_appointment": map[string]any{
			"status":  "not_found",
			"message": "no appointments",
		},
	}, nil)

	c := booking.New(srv.URL, "key")
	res, err := c.LatestAppointment(context.Background(), "+390000000000")
	if err != nil {
		t.Fatalf("LatestAppointment: %v", err)
	}
	if res.Status == booking.StatusSuccess {
		t.Errorf("status = %q; want non-success", res.Status)
	}
	if res.Booking != nil {
		t.Errorf("booking = %+v; want nil", res.Booking)
	}
}

func TestDeleteAppointment_SendsReference(t *testing.T) {
	t.Parallel()

	calls := make(chan rpcCall, 1)
	srv := startBackend(t, map[string]any{
		"delete_appointment": map[string]any{
			"status":  "success",
			"message": "appointment cancelled",
		},
	}, calls)

	c := booking.New(srv.URL, "key")
	res, err := c.DeleteAppointment(context.Background(), "+393331234567", "SPA-000042")
	if err != nil {
		t.Fatalf("DeleteAppointment: %v", err)
	}
	if res.Status != booking.StatusSuccess {
		t.Errorf("status = %q", res.Status)
	}

	call := <-calls
	if call.params["p_phone_number"] != "+393331234567" {
		t.Errorf("p_phone_number = %q", call.params["p_phone_number"])
	}
	if call.params["p_booking_reference"] != "SPA-000042" {
		t.Errorf("p_booking_reference = %q", call.params["p_booking_reference"])
	}
}

func TestBookingsForDate_FiltersAndOrders(t *testing.T) {
	t.Parallel()

	query := make(chan string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/v1/spa_bookings", func(w http.ResponseWriter, r *http.Request) {
		query <- r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":1,"customer_name":"Maria","booking_date":"2026-08-27","slot_start_time":"10:00:00","slot_end_time":"12:00:00","booking_reference":"SPA-000001"},
			{"id":2,"customer_name":"Luca","booking_date":"2026-08-27","slot_start_time":"14:00:00","slot_end_time":"16:00:00","booking_reference":"SPA-000002"}
		]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := booking.New(srv.URL, "key")
	rows, err := c.BookingsForDate(context.Background(), "2026-08-27")
	if err != nil {
		t.Fatalf("BookingsForDate: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d; want 2", len(rows))
	}
	if rows[0].BookingReference != "SPA-000001" || rows[1].CustomerName != "Luca" {
		t.Errorf("rows = %+v", rows)
	}

	q := <-query
	for _, want := range []string{"booking_date=eq.2026-08-27", "order=slot_start_time"} {
		if !strings.Contains(q, want) {
			t.Errorf("query %q missing %q", q, want)
		}
	}
}

func TestRPC_BackendError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"permission denied"}`, http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	c := booking.New(srv.URL, "key")
	_, err := c.CheckSlotAvailability(context.Background(), "2026-08-27", "10:00:00")
	if err == nil {
		t.Fatal("expected error on 403 response")
	}
	if !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("err = %v; want backend message included", err)
	}
}

func TestRPC_CircuitBreakerOpensOnRepeatedFailures(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})
	c := booking.New(srv.URL, "key", booking.WithBreaker(cb))

	for range 2 {
		if _, err := c.CheckSlotAvailability(context.Background(), "2026-08-27", "10:00:00"); err == nil {
			t.Fatal("expected error while backend is down")
		}
	}

	// The breaker is now open; no further request should reach the backend.
	before := requests.Load()
	_, err := c.CheckSlotAvailability(context.Background(), "2026-08-27", "10:00:00")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v; want ErrCircuitOpen", err)
	}
	if requests.Load() != before {
		t.Errorf("request reached backend despite open breaker")
	}
}

func TestPing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	c := booking.New(srv.URL, "key")
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	down := booking.New("http://127.0.0.1:1", "key",
		booking.WithHTTPClient(&http.Client{Timeout: 500 * time.Millisecond}))
	if err := down.Ping(context.Background()); err == nil {
		t.Error("Ping against dead backend should fail")
	}
}
