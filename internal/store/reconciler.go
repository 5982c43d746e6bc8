// Package store provides the Reconciler that repairs drift between thread
// mappings and conversation state records.
package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
)

// LockFunc serializes access to one user's records. The returned function
// releases the lock.
type LockFunc func(ctx context.Context, key string) (func(), error)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Adopted   int
	Written   int
	Conflicts int
}

// Reconciler periodically aligns UserConversationState.ReasoningThreadID with
// the thread mapping table. The mapping is authoritative and existing values
// are never overwritten.
type Reconciler struct {
	states   UserStateStore
	mappings ThreadMappingStore
	lock     LockFunc
	interval time.Duration
}

// NewReconciler creates a new Reconciler. lock may be nil when the store is
// not shared with a running flow machine.
func NewReconciler(states UserStateStore, mappings ThreadMappingStore, lock LockFunc, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Reconciler{states: states, mappings: mappings, lock: lock, interval: interval}
}

// Run starts the reconciliation loop. It blocks until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	slog.Info("Reconciler.Run: starting reconciler", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Reconciler.Run: stopping")
			return
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Reconciler.Run: pass failed", "error", err)
			}
		}
	}
}

// ReconcileOnce runs one pass over every state record.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	states, err := r.states.ListUserStates(ctx)
	if err != nil {
		return report, err
	}
	for _, st := range states {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := r.reconcileUser(ctx, st.UserID, &report); err != nil {
			slog.Warn("Reconciler.ReconcileOnce: user skipped", "userID", st.UserID, "error", err)
		}
	}
	if report.Adopted+report.Written+report.Conflicts > 0 {
		slog.Info("Reconciler.ReconcileOnce: pass complete", "adopted", report.Adopted, "written", report.Written, "conflicts", report.Conflicts)
	}
	return report, nil
}

func (r *Reconciler) reconcileUser(ctx context.Context, userID string, report *ReconcileReport) error {
	if r.lock != nil {
		unlock, err := r.lock(ctx, userID)
		if err != nil {
			return err
		}
		defer unlock()
	}

	// Re-read under the lock; the listed copy may be stale.
	state, err := r.states.GetUserState(ctx, userID)
	if err != nil {
		return err
	}
	mapping, err := r.mappings.GetThreadMapping(ctx, userID)
	hasMapping := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	switch {
	case state.ReasoningThreadID == "" && hasMapping:
		state.ReasoningThreadID = mapping.ThreadID
		state.UpdatedAt = time.Now()
		if err := r.states.PutUserState(ctx, state); err != nil {
			return err
		}
		report.Adopted++
		slog.Debug("Reconciler.reconcileUser: state adopted mapping", "userID", userID, "threadID", mapping.ThreadID)
	case state.ReasoningThreadID != "" && !hasMapping:
		err := r.mappings.PutThreadMapping(ctx, models.ThreadMapping{UserID: userID, ThreadID: state.ReasoningThreadID, CreatedAt: time.Now()})
		if errors.Is(err, ErrThreadMappingConflict) {
			report.Conflicts++
			slog.Warn("Reconciler.reconcileUser: thread already mapped elsewhere", "userID", userID, "threadID", state.ReasoningThreadID)
			return nil
		}
		if err != nil {
			return err
		}
		report.Written++
	case hasMapping && state.ReasoningThreadID != mapping.ThreadID:
		report.Conflicts++
		slog.Warn("Reconciler.reconcileUser: state and mapping disagree", "userID", userID,
			"stateThreadID", state.ReasoningThreadID, "mappingThreadID", mapping.ThreadID)
	}
	return nil
}
