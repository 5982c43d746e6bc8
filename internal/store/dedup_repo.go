package store

import (
	"context"
	"time"
)

// DedupRecord marks one inbound provider message as seen.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	UserID      string     `json:"user_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo lets the dispatcher drop provider redeliveries.
//
// A message is claimed with RecordInbound before its turn runs. After the
// turn is persisted the claim is sealed with MarkProcessed. If the turn fails
// the claim is released with ForgetInbound so a redelivery is handled again;
// sealed claims are never released.
type DedupRepo interface {
	// RecordInbound reports true only for the first claim of messageID.
	RecordInbound(ctx context.Context, messageID, userID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
	ForgetInbound(ctx context.Context, messageID string) error
}
