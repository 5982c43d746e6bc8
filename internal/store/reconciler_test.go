package store

import (
	"context"
	"testing"
	"time"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
)

func TestReconcilerRepairsDrift(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	now := time.Now()

	// State missing the thread id while the mapping exists.
	a := models.NewUserConversationState("adopt", now)
	s.PutUserState(ctx, a)
	s.PutThreadMapping(ctx, models.ThreadMapping{UserID: "adopt", ThreadID: "thread_adopt"})

	// State carrying a thread id with no mapping.
	w := models.NewUserConversationState("write", now)
	w.ReasoningThreadID = "thread_write"
	s.PutUserState(ctx, w)

	// State and mapping disagree: left alone.
	c := models.NewUserConversationState("conflict", now)
	c.ReasoningThreadID = "thread_state"
	s.PutUserState(ctx, c)
	s.PutThreadMapping(ctx, models.ThreadMapping{UserID: "conflict", ThreadID: "thread_mapping"})

	var locked []string
	lock := func(ctx context.Context, key string) (func(), error) {
		locked = append(locked, key)
		return func() {}, nil
	}
	r := NewReconciler(s, s, lock, time.Minute)
	report, err := r.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnce failed: %v", err)
	}
	if report.Adopted != 1 || report.Written != 1 || report.Conflicts != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
	if len(locked) != 3 {
		t.Errorf("expected every user to be locked, got %v", locked)
	}

	got, _ := s.GetUserState(ctx, "adopt")
	if got.ReasoningThreadID != "thread_adopt" {
		t.Errorf("state did not adopt mapping: %q", got.ReasoningThreadID)
	}
	m, err := s.GetThreadMapping(ctx, "write")
	if err != nil || m.ThreadID != "thread_write" {
		t.Errorf("mapping not written: %+v, %v", m, err)
	}
	got, _ = s.GetUserState(ctx, "conflict")
	if got.ReasoningThreadID != "thread_state" {
		t.Errorf("conflicting state was overwritten: %q", got.ReasoningThreadID)
	}

	// A second pass finds nothing to do except the standing conflict.
	report, _ = r.ReconcileOnce(ctx)
	if report.Adopted != 0 || report.Written != 0 || report.Conflicts != 1 {
		t.Errorf("second pass should be idempotent, got %+v", report)
	}
}
