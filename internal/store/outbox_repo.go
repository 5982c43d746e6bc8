package store

import (
	"context"
	"time"
)

// OutboxStatus is the lifecycle position of a queued reply.
type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// IsTerminal reports whether no further send will be attempted.
func (s OutboxStatus) IsTerminal() bool {
	return s == OutboxStatusSent || s == OutboxStatusFailed
}

// DefaultOutboxMaxAttempts bounds delivery attempts per reply.
const DefaultOutboxMaxAttempts = 5

// OutboxMessage is one durable reply. PayloadJSON holds the encoded
// models.OutboundMessage so media and text survive a restart together.
type OutboxMessage struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo persists replies between the flow machine committing a turn and
// the transport accepting the message.
type OutboxRepo interface {
	// EnqueueOutboxMessage is idempotent on dedupeKey while the earlier
	// message is still pending: the existing id is returned.
	EnqueueOutboxMessage(ctx context.Context, userID, payloadJSON, dedupeKey string) (string, error)
	// ClaimDueOutboxMessages moves up to limit due messages to sending,
	// oldest first.
	ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)
	MarkOutboxMessageSent(ctx context.Context, id string) error
	// FailOutboxMessage requeues for nextAttemptAt, or gives up when final.
	FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time, final bool) error
	// RequeueStaleSendingMessages recovers claims left behind by a crash.
	RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error)
}
