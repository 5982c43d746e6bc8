package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
)

func outboxBackends(t *testing.T) map[string]OutboxRepo {
	return map[string]OutboxRepo{
		"memory": NewInMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	}
}

func TestOutboxEnqueueDedupeAndClaim(t *testing.T) {
	ctx := context.Background()
	for name, repo := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			id1, err := repo.EnqueueOutboxMessage(ctx, "u1", `{"user_id":"u1","text":"uno"}`, "turn-1-0")
			if err != nil {
				t.Fatalf("EnqueueOutboxMessage failed: %v", err)
			}
			id2, err := repo.EnqueueOutboxMessage(ctx, "u1", `{"user_id":"u1","text":"uno"}`, "turn-1-0")
			if err != nil || id2 != id1 {
				t.Fatalf("expected dedupe to return %q, got %q (%v)", id1, id2, err)
			}
			time.Sleep(5 * time.Millisecond)
			if _, err := repo.EnqueueOutboxMessage(ctx, "u1", `{"user_id":"u1","text":"dos"}`, "turn-1-1"); err != nil {
				t.Fatalf("EnqueueOutboxMessage failed: %v", err)
			}

			claimed, err := repo.ClaimDueOutboxMessages(ctx, time.Now(), 10)
			if err != nil {
				t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
			}
			if len(claimed) != 2 || claimed[0].ID != id1 {
				t.Fatalf("expected 2 messages oldest first, got %+v", claimed)
			}
			again, _ := repo.ClaimDueOutboxMessages(ctx, time.Now(), 10)
			if len(again) != 0 {
				t.Errorf("claimed messages were handed out twice: %d", len(again))
			}

			if err := repo.FailOutboxMessage(ctx, id1, "boom", time.Now().Add(-time.Second), false); err != nil {
				t.Fatalf("FailOutboxMessage failed: %v", err)
			}
			retry, _ := repo.ClaimDueOutboxMessages(ctx, time.Now(), 10)
			if len(retry) != 1 || retry[0].Attempts != 1 || retry[0].LastError != "boom" {
				t.Errorf("expected requeued message with one attempt, got %+v", retry)
			}
			if err := repo.MarkOutboxMessageSent(ctx, id1); err != nil {
				t.Fatalf("MarkOutboxMessageSent failed: %v", err)
			}
		})
	}
}

func TestOutboxSenderDeliversInOrderAndRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := NewInMemoryStore()

	var mu sync.Mutex
	var delivered []string
	failOnce := true
	sender := NewOutboxSender(repo, func(ctx context.Context, msg models.OutboundMessage) error {
		mu.Lock()
		defer mu.Unlock()
		if msg.Text == "primero" && failOnce {
			failOnce = false
			return errors.New("transport down")
		}
		delivered = append(delivered, msg.Text)
		return nil
	}, 10*time.Millisecond)

	if _, err := sender.Enqueue(ctx, models.OutboundMessage{UserID: "u1", Text: "primero"}, ""); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := sender.Enqueue(ctx, models.OutboundMessage{UserID: "u1", Text: "segundo"}, ""); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// First poll: "primero" fails, "segundo" is deferred behind it.
	sender.poll(ctx)
	mu.Lock()
	if len(delivered) != 0 {
		t.Fatalf("expected nothing delivered after failure, got %v", delivered)
	}
	mu.Unlock()

	// Make everything due again and poll.
	for _, m := range repo.outbox {
		past := time.Now().Add(-time.Second)
		m.NextAttemptAt = &past
	}
	sender.poll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 2 || delivered[0] != "primero" || delivered[1] != "segundo" {
		t.Errorf("expected in-order delivery after retry, got %v", delivered)
	}
}

func TestOutboxRestartRecovery(t *testing.T) {
	ctx := context.Background()
	tempDir, err := os.MkdirTemp("", "outbox_restart_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)
	dbPath := filepath.Join(tempDir, "test.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	if _, err := s1.EnqueueOutboxMessage(ctx, "u1", `{"user_id":"u1","text":"hola"}`, ""); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	// Claim and "crash" before marking sent.
	claimed, err := s1.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected one claimed message, got %d (%v)", len(claimed), err)
	}
	s1.db.Exec(`UPDATE outbox_messages SET locked_at = ?`, time.Now().Add(-time.Hour))
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	var sent []string
	sender := NewOutboxSender(s2, func(ctx context.Context, msg models.OutboundMessage) error {
		sent = append(sent, msg.Text)
		return nil
	}, time.Hour)
	if err := sender.RecoverStaleMessages(ctx); err != nil {
		t.Fatalf("RecoverStaleMessages failed: %v", err)
	}
	sender.poll(ctx)
	if len(sent) != 1 || sent[0] != "hola" {
		t.Errorf("expected recovered message to be sent once, got %v", sent)
	}
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	if got := retryDelay(0); got != 5*time.Second {
		t.Errorf("retryDelay(0) = %v, want 5s", got)
	}
	if got := retryDelay(2); got != 20*time.Second {
		t.Errorf("retryDelay(2) = %v, want 20s", got)
	}
	if retryDelay(40) != retryDelay(10) {
		t.Errorf("retryDelay should cap at ten doublings")
	}
}
