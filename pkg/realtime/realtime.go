// Package realtime implements the WebSocket client for OpenAI's Realtime API
// as used by the call bridge.
//
// A [Client] dials wss://api.openai.com/v1/realtime with bearer auth and the
// realtime beta header, retrying within a bounded budget. The resulting
// [Session] exchanges JSON events: audio flows up as base64 µ-law chunks via
// AppendAudio, and everything the server sends comes back on the Events
// channel for the bridge to act on. Writes on the socket are serialized;
// reads happen on a single receive loop owned by the session.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/santacaterina/voicebridge/internal/resilience"
)

const (
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// DefaultModel is the realtime model used when none is configured.
	DefaultModel = "gpt-4o-mini-realtime-preview-2024-12-17"
)

// ErrHandshake indicates the realtime endpoint could not be reached within
// the retry budget.
var ErrHandshake = errors.New("realtime handshake failed")

// ErrClosed is returned by write operations after the session has closed.
var ErrClosed = errors.New("realtime session closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the realtime model requested in the dial URL.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithRetry overrides the handshake retry policy.
func WithRetry(r resilience.Retry) Option {
	return func(c *Client) { c.retry = r }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client dials realtime sessions. It is safe for concurrent use; each Dial
// produces an independent Session.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	retry   resilience.Retry
}

// NewClient creates a realtime Client with the given API key and options.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   DefaultModel,
		baseURL: defaultBaseURL,
		// Up to 3 attempts, 1s apart, never more than 5s total.
		retry: resilience.Retry{Attempts: 3, Interval: time.Second, Budget: 5 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dial opens a realtime session. The handshake is retried per the client's
// policy; when every attempt fails the returned error wraps [ErrHandshake].
func (c *Client) Dial(ctx context.Context) (*Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", c.baseURL, c.model)

	var conn *websocket.Conn
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var dialErr error
		conn, _, dialErr = websocket.Dial(ctx, wsURL, &websocket.DialOptions{
			HTTPHeader: http.Header{
				"Authorization": []string{"Bearer " + c.apiKey},
				"OpenAI-Beta":   []string{"realtime=v1"},
			},
		})
		return dialErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &Session{
		conn:   conn,
		events: make(chan ServerEvent, 64),
		ctx:    sessCtx,
		cancel: sessCancel,
	}
	go s.receiveLoop()
	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

// Tool is a function schema advertised to the model in session.update.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// Transcription selects the model used to transcribe caller speech.
type Transcription struct {
	Model string `json:"model"`
}

// SessionConfig is the payload of a session.update event.
type SessionConfig struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	Tools                   []Tool         `json:"tools,omitempty"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
	MaxResponseOutputTokens int            `json:"max_response_output_tokens,omitempty"`
}

// TelephonySessionConfig returns the session configuration used for bridged
// phone calls: µ-law audio both ways, server VAD tuned for phone speech, and
// whisper transcription of the caller.
func TelephonySessionConfig(instructions, voice string, tools []Tool) SessionConfig {
	return SessionConfig{
		Modalities:        []string{"text", "audio"},
		Instructions:      instructions,
		Voice:             voice,
		InputAudioFormat:  "g711_ulaw",
		OutputAudioFormat: "g711_ulaw",
		InputAudioTranscription: &Transcription{
			Model: "whisper-1",
		},
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
		Tools:                   tools,
		ToolChoice:              "auto",
		Temperature:             0.8,
		MaxResponseOutputTokens: 4096,
	}
}

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64, forwarded as received from the carrier
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// ErrorDetail is the nested error object in a realtime error event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ServerEvent is one event received from the realtime socket. Only the
// fields relevant to the consumed event kinds are decoded; unused fields
// stay zero.
type ServerEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`
	EventID    string `json:"event_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *ErrorDetail `json:"error,omitempty"`
}

// ── Session ────────────────────────────────────────────────────────────────────

// Session is one live realtime connection. The Events channel is owned by
// the receive loop and closes when the connection ends; Err reports why.
type Session struct {
	conn   *websocket.Conn
	events chan ServerEvent

	// writeMu serializes writes; the websocket allows one concurrent writer.
	writeMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Configure sends a session.update with the given configuration. The bridge
// treats a successful send as session initialization.
func (s *Session) Configure(cfg SessionConfig) error {
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: cfg})
}

// AppendAudio forwards one base64 µ-law chunk to the model's input buffer.
// The payload is sent exactly as received from the carrier.
func (s *Session) AppendAudio(payloadB64 string) error {
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: payloadB64,
	})
}

// CommitAudio commits the pending input buffer. Only used by the optional
// keepalive ticker.
func (s *Session) CommitAudio() error {
	return s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"})
}

// SendToolResult returns a tool invocation's output to the model and forces
// a follow-up response. The two writes happen back to back under the write
// lock, so no other event can interleave between them.
func (s *Session) SendToolResult(callID, output string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.writeJSONLocked(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}); err != nil {
		return err
	}
	return s.writeJSONLocked(map[string]string{"type": "response.create"})
}

// CreateResponse asks the model to generate a response turn.
func (s *Session) CreateResponse() error {
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// Events returns the channel on which server events arrive. The channel is
// closed when the connection ends; check Err for the cause.
func (s *Session) Events() <-chan ServerEvent { return s.events }

// Err returns the error that terminated the receive loop, or nil for a clean
// local close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases the connection. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeJSONLocked(v)
}

func (s *Session) writeJSONLocked(v any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads frames until the connection ends. Malformed frames are
// skipped; the events channel closes on exit.
func (s *Session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt ServerEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		if evt.Type == "" {
			continue
		}

		select {
		case s.events <- evt:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}
