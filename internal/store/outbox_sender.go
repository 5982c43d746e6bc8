package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
)

const (
	defaultOutboxPollInterval = 2 * time.Second
	outboxStaleAfter          = 5 * time.Minute
	outboxBatchSize           = 20
	outboxBaseRetryDelay      = 5 * time.Second
)

// OutboxSendFunc delivers one decoded reply through the transport.
type OutboxSendFunc func(ctx context.Context, msg models.OutboundMessage) error

// OutboxSender drains the outbox table. Replies for one user are delivered
// in the order they were enqueued.
type OutboxSender struct {
	repo        OutboxRepo
	send        OutboxSendFunc
	interval    time.Duration
	maxAttempts int
}

// NewOutboxSender returns a sender polling repo every interval.
func NewOutboxSender(repo OutboxRepo, send OutboxSendFunc, interval time.Duration) *OutboxSender {
	if interval <= 0 {
		interval = defaultOutboxPollInterval
	}
	return &OutboxSender{repo: repo, send: send, interval: interval, maxAttempts: DefaultOutboxMaxAttempts}
}

// Enqueue serializes msg and queues it. A non-empty dedupeKey collapses
// repeated enqueues of the same reply while it is still pending.
func (s *OutboxSender) Enqueue(ctx context.Context, msg models.OutboundMessage, dedupeKey string) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode outbound message: %w", err)
	}
	return s.repo.EnqueueOutboxMessage(ctx, msg.UserID, string(payload), dedupeKey)
}

// RecoverStaleMessages puts rows left in sending by a crashed process back
// in the queue. Call it once before Run.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleSendingMessages(ctx, time.Now().Add(-outboxStaleAfter))
	if err != nil {
		return fmt.Errorf("requeue stale outbox rows: %w", err)
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopped")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *OutboxSender) poll(ctx context.Context) {
	now := time.Now()
	batch, err := s.repo.ClaimDueOutboxMessages(ctx, now, outboxBatchSize)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return
	}

	// A failed user keeps the rest of its batch queued until the retry time.
	held := make(map[string]time.Time)
	for _, row := range batch {
		if retryAt, ok := held[row.UserID]; ok {
			s.fail(ctx, row.ID, "held behind earlier failure", retryAt, false)
			continue
		}
		if retryAt, failed := s.deliver(ctx, row, now); failed {
			held[row.UserID] = retryAt
		}
	}
}

// deliver sends one row and records the outcome. It reports whether the
// user's remaining rows must wait, and until when.
func (s *OutboxSender) deliver(ctx context.Context, row OutboxMessage, now time.Time) (time.Time, bool) {
	var msg models.OutboundMessage
	if err := json.Unmarshal([]byte(row.PayloadJSON), &msg); err != nil {
		slog.Error("OutboxSender.deliver: bad payload dropped", "id", row.ID, "error", err)
		s.fail(ctx, row.ID, err.Error(), now, true)
		return time.Time{}, false
	}

	if err := s.send(ctx, msg); err != nil {
		retryAt := now.Add(retryDelay(row.Attempts))
		final := row.Attempts+1 >= s.maxAttempts
		slog.Warn("OutboxSender.deliver: send failed", "id", row.ID, "userID", row.UserID, "attempt", row.Attempts+1, "final", final, "error", err)
		s.fail(ctx, row.ID, err.Error(), retryAt, final)
		return retryAt, true
	}

	if err := s.repo.MarkOutboxMessageSent(ctx, row.ID); err != nil {
		slog.Error("OutboxSender.deliver: mark sent failed", "id", row.ID, "error", err)
	}
	slog.Debug("OutboxSender.deliver: sent", "id", row.ID, "userID", row.UserID)
	return time.Time{}, false
}

func (s *OutboxSender) fail(ctx context.Context, id, reason string, retryAt time.Time, final bool) {
	if err := s.repo.FailOutboxMessage(ctx, id, reason, retryAt, final); err != nil {
		slog.Error("OutboxSender.fail: update failed", "id", id, "error", err)
	}
}

// retryDelay doubles from outboxBaseRetryDelay with each prior attempt.
func retryDelay(attempts int) time.Duration {
	if attempts > 10 {
		attempts = 10
	}
	return outboxBaseRetryDelay << attempts
}
