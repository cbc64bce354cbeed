package convlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Log is the slice of [Store] a [Recorder] writes through. Extracted so the
// bridge tests can observe recording without a database.
type Log interface {
	AppendTurn(ctx context.Context, conversationID uuid.UUID, turnNumber int, role, transcript string) error
	RecordToolInvocation(ctx context.Context, inv ToolInvocation) error
	FinalizeConversation(ctx context.Context, id uuid.UUID, endedAt time.Time, turnCount, toolCount int) error
}

// Compile-time interface check.
var _ Log = (*Store)(nil)

// Recorder serializes one session's log writes and assigns turn numbers.
// Writes are best-effort: a failed write is logged and the counters still
// advance, so a briefly unavailable store cannot reorder later turns.
type Recorder struct {
	log            Log
	conversationID uuid.UUID
	startedAt      time.Time

	mu        sync.Mutex
	turn      int
	toolCount int
	finalized bool
}

// NewRecorder creates a recorder for one conversation.
func NewRecorder(log Log, conversationID uuid.UUID) *Recorder {
	return &Recorder{
		log:            log,
		conversationID: conversationID,
		startedAt:      time.Now(),
	}
}

// ConversationID returns the conversation this recorder writes to.
func (r *Recorder) ConversationID() uuid.UUID { return r.conversationID }

// UserTurn appends a caller utterance.
func (r *Recorder) UserTurn(ctx context.Context, transcript string) {
	r.appendTurn(ctx, RoleUser, transcript)
}

// AssistantTurn appends an assistant utterance.
func (r *Recorder) AssistantTurn(ctx context.Context, transcript string) {
	r.appendTurn(ctx, RoleAssistant, transcript)
}

func (r *Recorder) appendTurn(ctx context.Context, role, transcript string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.turn++
	if err := r.log.AppendTurn(ctx, r.conversationID, r.turn, role, transcript); err != nil {
		slog.Error("conversation turn write failed",
			"conversation_id", r.conversationID, "turn", r.turn, "error", err)
	}
}

// ToolInvocation records one tool dispatch.
func (r *Recorder) ToolInvocation(ctx context.Context, name, args, result string, success bool, elapsed time.Duration, callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.toolCount++
	err := r.log.RecordToolInvocation(ctx, ToolInvocation{
		ConversationID: r.conversationID,
		ToolName:       name,
		Arguments:      args,
		Result:         result,
		Success:        success,
		ExecutionMs:    elapsed.Milliseconds(),
		CallID:         callID,
	})
	if err != nil {
		slog.Error("tool invocation write failed",
			"conversation_id", r.conversationID, "tool", name, "error", err)
	}
}

// Finalize closes the conversation record with the observed counters. Safe to
// call more than once; only the first call writes.
func (r *Recorder) Finalize(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.finalized = true

	if err := r.log.FinalizeConversation(ctx, r.conversationID, time.Now(), r.turn, r.toolCount); err != nil {
		slog.Error("conversation finalize failed",
			"conversation_id", r.conversationID, "error", err)
	}
}
