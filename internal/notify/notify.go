// Package notify sends booking confirmations over SMS through the carrier's
// REST API.
//
// Notifications are strictly best-effort. A failed send is logged and
// swallowed; the booking it confirms has already been committed.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/santacaterina/voicebridge/internal/tools"
)

const defaultBaseURL = "https://api.twilio.com"

// Option is a functional option for configuring an [SMS] sender.
type Option func(*SMS)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *SMS) { s.httpc = hc }
}

// WithBaseURL overrides the carrier API endpoint, mainly for tests.
func WithBaseURL(u string) Option {
	return func(s *SMS) { s.baseURL = u }
}

// SMS sends booking confirmation texts. Safe for concurrent use.
type SMS struct {
	accountSID string
	authToken  string
	fromNumber string
	spaName    string
	baseURL    string
	httpc      *http.Client
}

// Compile-time interface check.
var _ tools.Notifier = (*SMS)(nil)

// NewSMS creates a sender authenticated with the carrier account credentials.
// fromNumber is the sender number shown to the customer.
func NewSMS(accountSID, authToken, fromNumber, spaName string, opts ...Option) *SMS {
	s := &SMS{
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		spaName:    spaName,
		baseURL:    defaultBaseURL,
		httpc:      &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// BookingConfirmed texts the booking details to the customer.
func (s *SMS) BookingConfirmed(ctx context.Context, phone string, c tools.Confirmation) {
	body := fmt.Sprintf("Conferma prenotazione %s: %s alle %s. Codice: %s",
		s.spaName, c.Date, c.StartTime, c.Reference)

	if err := s.send(ctx, phone, body); err != nil {
		slog.Error("booking confirmation SMS failed",
			"phone", phone, "reference", c.Reference, "error", err)
		return
	}
	slog.Info("booking confirmation SMS sent", "phone", phone, "reference", c.Reference)
}

func (s *SMS) send(ctx context.Context, to, body string) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, s.accountSID)

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", s.fromNumber)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build SMS request: %w", err)
	}
	req.SetBasicAuth(s.accountSID, s.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("send SMS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("carrier returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return nil
}
