// Package carrier implements the server side of the telephony carrier's
// media-stream WebSocket protocol.
//
// The carrier opens one socket per call and sends framed JSON events:
// connected, start, media, mark, stop. The bridge reads these through
// [Conn.ReadEvent] and pushes synthesized audio back with [Conn.SendMedia].
// Malformed frames are logged and skipped; the stream is only terminated by
// a socket close.
package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// ErrHandshake indicates the media socket upgrade failed. No session exists
// when this is returned.
var ErrHandshake = errors.New("carrier handshake failed")

// ErrClosed is returned by reads and writes after the connection has closed.
var ErrClosed = errors.New("carrier connection closed")

// Event is one inbound frame from the carrier. Exactly one of the nested
// structs is populated, matching the Event discriminator.
type Event struct {
	Event string `json:"event"`

	// connected
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`

	Start *Start `json:"start,omitempty"`
	Media *Media `json:"media,omitempty"`
	Mark  *Mark  `json:"mark,omitempty"`
	Stop  *Stop  `json:"stop,omitempty"`
}

// Start announces the media stream and carries the call identity set by the
// call-control markup's custom parameters.
type Start struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

// Media carries one base64 µ-law audio chunk from the caller. The payload is
// never decoded here; it is forwarded to the AI exactly as received.
type Media struct {
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp,omitempty"`
	Track     string `json:"track,omitempty"`
}

// Mark acknowledges a mark frame previously sent by the bridge.
type Mark struct {
	Name string `json:"name"`
}

// Stop signals the end of the stream.
type Stop struct {
	CallSID string `json:"callSid,omitempty"`
}

// outboundMedia is the only frame the bridge sends to the carrier.
type outboundMedia struct {
	Event     string          `json:"event"`
	StreamSID string          `json:"streamSid"`
	Media     outboundPayload `json:"media"`
}

type outboundPayload struct {
	Payload string `json:"payload"`
}

// Conn is one accepted media-stream socket. Reads must come from a single
// goroutine; writes may come from several and are serialized internally.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Accept upgrades the HTTP request to a media-stream WebSocket. Carriers
// connect server to server without a browser origin, so origin checking is
// disabled.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{ws: ws, ctx: ctx, cancel: cancel}, nil
}

// ReadEvent returns the next well-formed event from the carrier. Frames that
// fail to decode or carry no event discriminator are logged and skipped. A
// closed socket yields an error wrapping [ErrClosed].
func (c *Conn) ReadEvent(ctx context.Context) (Event, error) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if c.ctx.Err() != nil || ctx.Err() != nil {
				return Event{}, fmt.Errorf("%w: %w", ErrClosed, err)
			}
			return Event{}, fmt.Errorf("read media frame: %w", err)
		}

		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("skipping malformed carrier frame", "error", err)
			continue
		}
		if evt.Event == "" {
			slog.Debug("skipping carrier frame without event type")
			continue
		}
		return evt, nil
	}
}

// SendMedia writes one audio frame to the carrier. Writes are serialized so
// concurrent senders cannot interleave frames on the socket.
func (c *Conn) SendMedia(ctx context.Context, streamSID, payloadB64 string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	data, err := json.Marshal(outboundMedia{
		Event:     "media",
		StreamSID: streamSID,
		Media:     outboundPayload{Payload: payloadB64},
	})
	if err != nil {
		return fmt.Errorf("marshal media frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close releases the socket. Idempotent; safe on every exit path.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.ws.Close(websocket.StatusNormalClosure, "stream ended")
	return nil
}
