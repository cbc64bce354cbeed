// Package health serves the service banner and the liveness and readiness
// probes.
//
// The banner on / reports what is deployed (service, version, model,
// database). /healthz answers 200 whenever the process serves HTTP. /readyz
// answers 200 only while every registered [Checker] passes; the conversation
// log database and the booking backend are the usual checkers.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil while the dependency is
// usable and must respect context cancellation.
type Checker struct {
	// Name keys the check in the /readyz JSON ("database", "booking").
	Name string

	Check func(ctx context.Context) error
}

// Info identifies the running service on the banner endpoint.
type Info struct {
	Service  string `json:"service,omitempty"`
	Version  string `json:"version,omitempty"`
	Model    string `json:"model,omitempty"`
	Database string `json:"database,omitempty"`
}

// result is the response body shared by all three endpoints.
type result struct {
	Status string `json:"status"`
	Info
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the banner and probe routes. The checker set is fixed at
// construction, so Handler is safe for concurrent use.
type Handler struct {
	info     Info
	checkers []Checker
}

// New builds a Handler reporting info on the banner and evaluating checkers
// on each /readyz request.
func New(info Info, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{info: info, checkers: c}
}

// Register adds the /, /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.Root)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Root reports the deployed service identity. Carrier consoles and uptime
// monitors poll this endpoint.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok", Info: h.info})
}

// Healthz is the liveness probe; a process that can answer is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker, each under its own [checkTimeout] deadline, and
// fails the probe if any checker fails. Checkers run concurrently so a slow
// dependency cannot push the others past the probe deadline.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range h.checkers {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
			} else {
				checks[c.Name] = "ok"
			}
		})
	}
	wg.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	for _, v := range checks {
		if v != "ok" {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
