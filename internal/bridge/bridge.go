// Package bridge relays audio between a carrier media stream and an OpenAI
// realtime session, one bridge per call.
//
// The bridge owns two relay directions that make independent progress: the
// carrier to AI direction forwards caller audio, the AI to carrier direction
// plays synthesized audio back and dispatches the assistant's tool calls.
// A long-running tool dispatch never starves the caller's audio path.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/santacaterina/voicebridge/internal/carrier"
	"github.com/santacaterina/voicebridge/internal/convlog"
	"github.com/santacaterina/voicebridge/internal/observe"
	"github.com/santacaterina/voicebridge/internal/persona"
	"github.com/santacaterina/voicebridge/internal/tools"
	"github.com/santacaterina/voicebridge/pkg/realtime"
)

// State is the lifecycle position of one bridged call.
type State string

// Bridge states in transition order.
const (
	StateAccepted     State = "accepted"
	StateConnectingAI State = "connecting_ai"
	StateConfiguring  State = "configuring"
	StateRunning      State = "running"
	StateTerminating  State = "terminating"
	StateClosed       State = "closed"
)

// Dispatcher executes the assistant's tool calls.
type Dispatcher interface {
	Definitions() []realtime.Tool
	Dispatch(ctx context.Context, name, argsJSON, callerPhone string) tools.Result
}

// Compile-time interface check.
var _ Dispatcher = (*tools.Dispatcher)(nil)

// ConversationLog is the slice of the log store the bridge writes through.
type ConversationLog interface {
	convlog.Log
	StartConversation(ctx context.Context, callSID, streamSID, customerPhone, model string) (uuid.UUID, error)
	UpdateCallStatus(ctx context.Context, callSID, status string, durationSeconds int) error
}

var _ ConversationLog = (*convlog.Store)(nil)

// Config carries the per-deployment knobs of a Bridge.
type Config struct {
	// SpaName, SessionHours and MaxCapacity feed the persona instructions.
	SpaName      string
	SessionHours int
	MaxCapacity  int

	// Voice is the realtime voice id.
	Voice string

	// Model is recorded on the conversation; the AI client owns the actual
	// model selection.
	Model string

	// Keepalive, when positive, commits the AI input buffer at this interval
	// while the call is up so intermediaries do not drop the idle socket.
	// Zero disables it.
	Keepalive time.Duration
}

// Option is a functional option for configuring a Bridge.
type Option func(*Bridge)

// WithMetrics installs call instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// Bridge runs call sessions. Safe for concurrent use; each call to Run owns
// exactly one carrier socket and one AI session.
type Bridge struct {
	ai         *realtime.Client
	dispatcher Dispatcher
	log        ConversationLog
	persona    *persona.Persona
	cfg        Config
	metrics    *observe.Metrics
}

// New creates a Bridge from its long-lived collaborators.
func New(ai *realtime.Client, dispatcher Dispatcher, log ConversationLog, p *persona.Persona, cfg Config, opts ...Option) *Bridge {
	if cfg.SessionHours <= 0 {
		cfg.SessionHours = 2
	}
	b := &Bridge{
		ai:         ai,
		dispatcher: dispatcher,
		log:        log,
		persona:    p,
		cfg:        cfg,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// call is the mutable state of one bridged session.
type call struct {
	conn      *carrier.Conn
	streamSID string
	callSID   string
	phone     string

	recorder *convlog.Recorder

	// sess is assigned before initialized flips to true; the carrier reader
	// only dereferences it afterwards.
	sess        *realtime.Session
	initialized atomic.Bool

	// transcript accumulates assistant speech fragments between
	// audio_transcript delta and done. Touched only by the AI direction.
	transcript strings.Builder
}

// Run bridges one accepted carrier socket until the call ends. It blocks for
// the lifetime of the call and releases both sockets on every exit path.
func (b *Bridge) Run(ctx context.Context, conn *carrier.Conn) error {
	defer conn.Close()

	c, proceed, err := b.awaitStart(ctx, conn)
	if err != nil {
		return err
	}
	if !proceed {
		// Stop before start; the caller hung up during the spoken greeting.
		return nil
	}

	log := slog.With("call_sid", c.callSID, "stream_sid", c.streamSID)
	log.Info("media stream started", "state", StateConnectingAI)

	b.startConversation(ctx, c)
	b.activeCalls(ctx, 1)
	startedAt := time.Now()

	status := convlog.StatusCompleted
	runErr := b.run(ctx, c, log)
	if runErr != nil {
		status = convlog.StatusFailed
		b.sessionFailure(ctx, runErr)
	}

	b.finish(c, status, time.Since(startedAt))
	b.activeCalls(ctx, -1)
	log.Info("call closed", "state", StateClosed, "status", status, "duration", time.Since(startedAt))
	return runErr
}

// awaitStart consumes carrier frames until the start event. Media before
// start is dropped; a stop or socket close before start ends the call with no
// AI contact.
func (b *Bridge) awaitStart(ctx context.Context, conn *carrier.Conn) (*call, bool, error) {
	for {
		evt, err := conn.ReadEvent(ctx)
		if err != nil {
			if errors.Is(err, carrier.ErrClosed) {
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("bridge: waiting for start: %w", err)
		}

		switch evt.Event {
		case "start":
			if evt.Start == nil {
				slog.Warn("start event without payload")
				continue
			}
			c := &call{
				conn:      conn,
				streamSID: evt.Start.StreamSID,
				callSID:   evt.Start.CallSID,
				phone:     evt.Start.CustomParameters["customerPhone"],
			}
			if c.callSID == "" {
				c.callSID = evt.Start.CustomParameters["callSid"]
			}
			return c, true, nil
		case "stop":
			return nil, false, nil
		case "connected":
			slog.Debug("carrier connected", "protocol", evt.Protocol, "version", evt.Version)
		case "media":
			// Dropped; no session to forward to yet.
		default:
			slog.Debug("ignoring carrier event before start", "event", evt.Event)
		}
	}
}

// run drives the session from CONNECTING_AI to TERMINATING.
func (b *Bridge) run(ctx context.Context, c *call, log *slog.Logger) error {
	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group

	// The carrier reader starts before the AI handshake so caller media is
	// actively dropped, not queued, while the session comes up.
	g.Go(func() error {
		defer cancel()
		return b.carrierToAI(gctx, c)
	})

	sess, err := b.ai.Dial(gctx)
	if err != nil {
		cancel()
		_ = g.Wait()
		if ctx.Err() == nil && errors.Is(err, context.Canceled) {
			// The carrier hung up mid-handshake; nothing failed.
			return nil
		}
		return fmt.Errorf("bridge: ai handshake: %w", err)
	}
	defer sess.Close()

	log.Info("ai session connected", "state", StateConfiguring)

	instructions, err := b.persona.RenderInstructions(persona.Params{
		SpaName:       b.cfg.SpaName,
		CustomerPhone: c.phone,
		SessionHours:  b.cfg.SessionHours,
		MaxCapacity:   b.cfg.MaxCapacity,
	})
	if err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("bridge: render instructions: %w", err)
	}

	cfg := realtime.TelephonySessionConfig(instructions, b.cfg.Voice, b.dispatcher.Definitions())
	if err := sess.Configure(cfg); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("bridge: configure session: %w", err)
	}

	c.sess = sess
	c.initialized.Store(true)
	log.Info("session configured", "state", StateRunning)

	g.Go(func() error {
		defer cancel()
		return b.aiToCarrier(gctx, c)
	})

	// Closing both peers on cancellation unblocks the relay directions.
	g.Go(func() error {
		<-gctx.Done()
		sess.Close()
		c.conn.Close()
		return nil
	})

	if b.cfg.Keepalive > 0 {
		g.Go(func() error {
			b.keepalive(gctx, sess)
			return nil
		})
	}

	err = g.Wait()
	log.Debug("relay directions joined", "state", StateTerminating)
	return err
}

// carrierToAI forwards caller audio in arrival order. Returns nil when the
// carrier ends the stream.
func (b *Bridge) carrierToAI(ctx context.Context, c *call) error {
	for {
		evt, err := c.conn.ReadEvent(ctx)
		if err != nil {
			if errors.Is(err, carrier.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			slog.Warn("carrier socket closed unexpectedly", "call_sid", c.callSID, "error", err)
			return nil
		}

		switch evt.Event {
		case "media":
			if !c.initialized.Load() || evt.Media == nil {
				continue
			}
			if err := c.sess.AppendAudio(evt.Media.Payload); err != nil {
				if errors.Is(err, realtime.ErrClosed) || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("bridge: append audio: %w", err)
			}
			b.countFrame(ctx, b.framesIn())
		case "stop":
			slog.Info("carrier stream stopped", "call_sid", c.callSID)
			return nil
		case "start":
			slog.Warn("duplicate start event ignored", "call_sid", c.callSID)
		case "mark", "connected":
			// Informational.
		default:
			slog.Debug("ignoring carrier event", "event", evt.Event)
		}
	}
}

// aiToCarrier plays back synthesized audio, records transcripts and
// dispatches tool calls. Tool dispatch is synchronous with respect to this
// direction, so the tool result and the follow-up response.create always
// precede any later response event.
func (b *Bridge) aiToCarrier(ctx context.Context, c *call) error {
	for evt := range c.sess.Events() {
		switch evt.Type {
		case "response.audio.delta":
			if err := c.conn.SendMedia(ctx, c.streamSID, evt.Delta); err != nil {
				if errors.Is(err, carrier.ErrClosed) || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("bridge: send media: %w", err)
			}
			b.countFrame(ctx, b.framesOut())

		case "conversation.item.input_audio_transcription.completed":
			slog.Debug("caller said", "call_sid", c.callSID, "transcript", evt.Transcript)
			if c.recorder != nil {
				c.recorder.UserTurn(ctx, evt.Transcript)
			}

		case "response.audio_transcript.delta":
			c.transcript.WriteString(evt.Delta)

		case "response.audio_transcript.done":
			transcript := evt.Transcript
			if transcript == "" {
				transcript = c.transcript.String()
			}
			c.transcript.Reset()
			slog.Debug("assistant said", "call_sid", c.callSID, "transcript", transcript)
			if c.recorder != nil {
				c.recorder.AssistantTurn(ctx, transcript)
			}

		case "response.function_call_arguments.done":
			b.dispatchTool(ctx, c, evt)

		case "error":
			// Non-fatal unless the socket closes.
			if evt.Error != nil {
				slog.Error("ai error event", "call_sid", c.callSID,
					"code", evt.Error.Code, "message", evt.Error.Message)
			}
		}
	}

	if err := c.sess.Err(); err != nil && ctx.Err() == nil {
		slog.Warn("ai socket closed unexpectedly", "call_sid", c.callSID, "error", err)
	}
	return nil
}

// dispatchTool runs one tool call and returns the result to the AI before any
// further AI event is processed.
func (b *Bridge) dispatchTool(ctx context.Context, c *call, evt realtime.ServerEvent) {
	slog.Info("tool call", "call_sid", c.callSID, "tool", evt.Name, "ai_call_id", evt.CallID)

	started := time.Now()
	res := b.dispatcher.Dispatch(ctx, evt.Name, evt.Arguments, c.phone)

	if c.recorder != nil {
		c.recorder.ToolInvocation(ctx, evt.Name, evt.Arguments, res.Output, res.OK, time.Since(started), evt.CallID)
	}

	if err := c.sess.SendToolResult(evt.CallID, res.Output); err != nil {
		if !errors.Is(err, realtime.ErrClosed) && ctx.Err() == nil {
			slog.Error("sending tool result failed", "call_sid", c.callSID, "tool", evt.Name, "error", err)
		}
	}
}

// keepalive commits the AI input buffer periodically while the call is up.
func (b *Bridge) keepalive(ctx context.Context, sess *realtime.Session) {
	ticker := time.NewTicker(b.cfg.Keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sess.CommitAudio(); err != nil {
				return
			}
		}
	}
}

// startConversation opens the conversation record. The log is best-effort;
// without it the call still runs, just unrecorded.
func (b *Bridge) startConversation(ctx context.Context, c *call) {
	id, err := b.log.StartConversation(ctx, c.callSID, c.streamSID, c.phone, b.cfg.Model)
	if err != nil {
		slog.Error("conversation record creation failed", "call_sid", c.callSID, "error", err)
		return
	}
	c.recorder = convlog.NewRecorder(b.log, id)
}

// finish finalizes the conversation record and the call-session row. Uses a
// fresh context; the session context is usually already canceled here.
func (b *Bridge) finish(c *call, status string, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.recorder != nil {
		c.recorder.Finalize(ctx)
	}
	if err := b.log.UpdateCallStatus(ctx, c.callSID, status, int(duration.Seconds())); err != nil {
		slog.Error("call status update failed", "call_sid", c.callSID, "error", err)
	}
	if b.metrics != nil {
		b.metrics.CallDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("status", status)))
	}
}

func (b *Bridge) activeCalls(ctx context.Context, delta int64) {
	if b.metrics != nil {
		b.metrics.ActiveCalls.Add(ctx, delta)
	}
}

func (b *Bridge) sessionFailure(ctx context.Context, err error) {
	if b.metrics != nil {
		reason := "relay"
		if errors.Is(err, realtime.ErrHandshake) {
			reason = "ai_handshake"
		}
		b.metrics.SessionFailures.Add(ctx, 1,
			metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (b *Bridge) framesIn() metric.Int64Counter {
	if b.metrics == nil {
		return nil
	}
	return b.metrics.AudioFramesIn
}

func (b *Bridge) framesOut() metric.Int64Counter {
	if b.metrics == nil {
		return nil
	}
	return b.metrics.AudioFramesOut
}

func (b *Bridge) countFrame(ctx context.Context, counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(ctx, 1)
	}
}
