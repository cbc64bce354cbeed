// Package convlog persists call sessions, conversations, their turns and the
// tool invocations made during them.
//
// The log is best-effort for availability: the bridge keeps running when a
// write fails. Correctness of the call never depends on the log store.
package convlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the conversation log tables. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS call_sessions (
    call_sid         TEXT PRIMARY KEY,
    from_number      TEXT NOT NULL DEFAULT '',
    to_number        TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'initiated',
    duration_seconds INT NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversations (
    id                    UUID PRIMARY KEY,
    call_sid              TEXT NOT NULL DEFAULT '',
    stream_sid            TEXT NOT NULL DEFAULT '',
    customer_phone        TEXT NOT NULL DEFAULT '',
    model                 TEXT NOT NULL DEFAULT '',
    started_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    ended_at              TIMESTAMPTZ,
    duration_seconds      INT NOT NULL DEFAULT 0,
    turn_count            INT NOT NULL DEFAULT 0,
    tool_invocation_count INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_conversations_call_sid ON conversations(call_sid);

CREATE TABLE IF NOT EXISTS conversation_turns (
    id              BIGSERIAL PRIMARY KEY,
    conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    turn_number     INT NOT NULL,
    role            TEXT NOT NULL,
    transcript      TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (conversation_id, turn_number)
);

CREATE TABLE IF NOT EXISTS tool_invocations (
    id              BIGSERIAL PRIMARY KEY,
    conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    tool_name       TEXT NOT NULL,
    arguments       JSONB NOT NULL DEFAULT '{}',
    result          JSONB NOT NULL DEFAULT '{}',
    success         BOOLEAN NOT NULL DEFAULT false,
    execution_ms    BIGINT NOT NULL DEFAULT 0,
    call_id         TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tool_invocations_conversation ON tool_invocations(conversation_id);
`

// Call-session lifecycle statuses as written by the webhook handlers and the
// bridge.
const (
	StatusInitiated = "initiated"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one recorded utterance.
type Turn struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	TurnNumber     int       `json:"turn_number"`
	Role           string    `json:"role"`
	Transcript     string    `json:"transcript"`
	CreatedAt      time.Time `json:"created_at"`
}

// ToolInvocation is one recorded tool dispatch.
type ToolInvocation struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	ToolName       string    `json:"tool_name"`
	Arguments      string    `json:"arguments"`
	Result         string    `json:"result"`
	Success        bool      `json:"success"`
	ExecutionMs    int64     `json:"execution_ms"`
	CallID         string    `json:"call_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation is the per-session summary record.
type Conversation struct {
	ID              uuid.UUID  `json:"id"`
	CallSID         string     `json:"call_sid"`
	StreamSID       string     `json:"stream_sid"`
	CustomerPhone   string     `json:"customer_phone"`
	Model           string     `json:"model"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	TurnCount       int        `json:"turn_count"`
	ToolCount       int        `json:"tool_invocation_count"`
}

// Export bundles everything recorded for one conversation.
type Export struct {
	Conversation Conversation     `json:"conversation"`
	Turns        []Turn           `json:"turns"`
	Tools        []ToolInvocation `json:"tool_invocations"`
}

// ErrNotFound is returned when a conversation id is unknown.
var ErrNotFound = errors.New("conversation not found")

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL-backed conversation log.
type Store struct {
	db DB
}

// NewStore creates a [Store] using the given database connection or pool. The
// caller is responsible for calling [Store.Migrate] before issuing queries.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes the [Schema] DDL, creating the log tables if they do not
// already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("convlog: migrate: %w", err)
	}
	return nil
}

// CreateCallSession records an incoming call with status initiated. Called
// from the incoming-call webhook before any media flows. Replaying the same
// call_sid resets the row.
func (s *Store) CreateCallSession(ctx context.Context, callSID, from, to string) error {
	const query = `
		INSERT INTO call_sessions (call_sid, from_number, to_number, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (call_sid) DO UPDATE SET
			from_number = EXCLUDED.from_number,
			to_number = EXCLUDED.to_number,
			status = EXCLUDED.status,
			updated_at = now()`
	if _, err := s.db.Exec(ctx, query, callSID, from, to, StatusInitiated); err != nil {
		return fmt.Errorf("convlog: create call session %q: %w", callSID, err)
	}
	return nil
}

// UpdateCallStatus moves a call session to the given status. A duration of
// zero or less leaves the stored duration untouched.
func (s *Store) UpdateCallStatus(ctx context.Context, callSID, status string, durationSeconds int) error {
	const query = `
		UPDATE call_sessions SET
			status = $2,
			duration_seconds = CASE WHEN $3 > 0 THEN $3 ELSE duration_seconds END,
			updated_at = now()
		WHERE call_sid = $1`
	if _, err := s.db.Exec(ctx, query, callSID, status, durationSeconds); err != nil {
		return fmt.Errorf("convlog: update call %q status: %w", callSID, err)
	}
	return nil
}

// StartConversation creates the conversation record for a session and returns
// its id.
func (s *Store) StartConversation(ctx context.Context, callSID, streamSID, customerPhone, model string) (uuid.UUID, error) {
	id := uuid.New()
	const query = `
		INSERT INTO conversations (id, call_sid, stream_sid, customer_phone, model)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.Exec(ctx, query, id, callSID, streamSID, customerPhone, model); err != nil {
		return uuid.Nil, fmt.Errorf("convlog: start conversation for call %q: %w", callSID, err)
	}
	return id, nil
}

// AppendTurn stores one utterance. Turn numbers are assigned by the caller
// and must be strictly increasing within a conversation.
func (s *Store) AppendTurn(ctx context.Context, conversationID uuid.UUID, turnNumber int, role, transcript string) error {
	const query = `
		INSERT INTO conversation_turns (conversation_id, turn_number, role, transcript)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.db.Exec(ctx, query, conversationID, turnNumber, role, transcript); err != nil {
		return fmt.Errorf("convlog: append turn %d: %w", turnNumber, err)
	}
	return nil
}

// RecordToolInvocation stores one tool dispatch. arguments and result must be
// valid JSON; empty strings are stored as empty objects.
func (s *Store) RecordToolInvocation(ctx context.Context, inv ToolInvocation) error {
	const query = `
		INSERT INTO tool_invocations (conversation_id, tool_name, arguments, result, success, execution_ms, call_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.Exec(ctx, query,
		inv.ConversationID, inv.ToolName,
		jsonOrEmpty(inv.Arguments), jsonOrEmpty(inv.Result),
		inv.Success, inv.ExecutionMs, inv.CallID,
	)
	if err != nil {
		return fmt.Errorf("convlog: record tool invocation %q: %w", inv.ToolName, err)
	}
	return nil
}

// FinalizeConversation sets ended_at and the closing counters.
func (s *Store) FinalizeConversation(ctx context.Context, id uuid.UUID, endedAt time.Time, turnCount, toolCount int) error {
	const query = `
		UPDATE conversations SET
			ended_at = $2,
			duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($2 - started_at))::INT),
			turn_count = $3,
			tool_invocation_count = $4
		WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id, endedAt, turnCount, toolCount); err != nil {
		return fmt.Errorf("convlog: finalize conversation %s: %w", id, err)
	}
	return nil
}

// Conversation loads one conversation summary. Returns [ErrNotFound] for an
// unknown id.
func (s *Store) Conversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	const query = `
		SELECT id, call_sid, stream_sid, customer_phone, model,
		       started_at, ended_at, duration_seconds, turn_count, tool_invocation_count
		FROM conversations
		WHERE id = $1`

	var c Conversation
	err := s.db.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.CallSID, &c.StreamSID, &c.CustomerPhone, &c.Model,
		&c.StartedAt, &c.EndedAt, &c.DurationSeconds, &c.TurnCount, &c.ToolCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("convlog: get conversation %s: %w", id, err)
	}
	return &c, nil
}

// Transcript returns the recorded turns in turn order.
func (s *Store) Transcript(ctx context.Context, id uuid.UUID) ([]Turn, error) {
	const query = `
		SELECT conversation_id, turn_number, role, transcript, created_at
		FROM conversation_turns
		WHERE conversation_id = $1
		ORDER BY turn_number`

	rows, err := s.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("convlog: transcript %s: %w", id, err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ConversationID, &t.TurnNumber, &t.Role, &t.Transcript, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("convlog: transcript scan: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convlog: transcript %s: %w", id, err)
	}
	return turns, nil
}

// ToolInvocations returns the recorded tool dispatches in insertion order.
func (s *Store) ToolInvocations(ctx context.Context, id uuid.UUID) ([]ToolInvocation, error) {
	const query = `
		SELECT conversation_id, tool_name, arguments::TEXT, result::TEXT, success, execution_ms, call_id, created_at
		FROM tool_invocations
		WHERE conversation_id = $1
		ORDER BY id`

	rows, err := s.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("convlog: tool invocations %s: %w", id, err)
	}
	defer rows.Close()

	var invs []ToolInvocation
	for rows.Next() {
		var inv ToolInvocation
		if err := rows.Scan(&inv.ConversationID, &inv.ToolName, &inv.Arguments, &inv.Result,
			&inv.Success, &inv.ExecutionMs, &inv.CallID, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("convlog: tool invocations scan: %w", err)
		}
		invs = append(invs, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convlog: tool invocations %s: %w", id, err)
	}
	return invs, nil
}

// Export loads the full record of one conversation.
func (s *Store) Export(ctx context.Context, id uuid.UUID) (*Export, error) {
	conv, err := s.Conversation(ctx, id)
	if err != nil {
		return nil, err
	}
	turns, err := s.Transcript(ctx, id)
	if err != nil {
		return nil, err
	}
	tools, err := s.ToolInvocations(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Export{Conversation: *conv, Turns: turns, Tools: tools}, nil
}

// jsonOrEmpty substitutes an empty JSON object for blank values so the JSONB
// columns never reject an insert.
func jsonOrEmpty(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
