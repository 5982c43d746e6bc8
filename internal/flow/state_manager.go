// Package flow provides the per-user flow state machine and its flows.
package flow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/store"
)

// StateManager loads and saves UserConversationState records through a
// UserStateStore. It holds no cache; every message reads the stored record.
type StateManager struct {
	store store.UserStateStore
}

// NewStateManager creates a StateManager backed by st.
func NewStateManager(st store.UserStateStore) *StateManager {
	slog.Debug("StateManager.NewStateManager: created")
	return &StateManager{store: st}
}

// Load returns the user's record, or a fresh NEW record when the identity has
// never been seen. Load failures are PersistenceErrors.
func (sm *StateManager) Load(ctx context.Context, userID string, now time.Time) (models.UserConversationState, bool, error) {
	state, err := sm.store.GetUserState(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Debug("StateManager.Load: new user", "userID", userID)
		return models.NewUserConversationState(userID, now), true, nil
	}
	if err != nil {
		slog.Error("StateManager.Load: get failed", "userID", userID, "error", err)
		return models.UserConversationState{}, false, &PersistenceError{UserID: userID, Op: "load", Err: err}
	}
	if state.Attributes == nil {
		state.Attributes = make(map[string]models.Attribute)
	}
	return state, false, nil
}

// Save writes the record atomically.
func (sm *StateManager) Save(ctx context.Context, state *models.UserConversationState, now time.Time) error {
	state.UpdatedAt = now
	if err := sm.store.PutUserState(ctx, *state); err != nil {
		slog.Error("StateManager.Save: put failed", "userID", state.UserID, "flowState", state.FlowState, "error", err)
		return &PersistenceError{UserID: state.UserID, Op: "save", Err: err}
	}
	slog.Debug("StateManager.Save: saved", "userID", state.UserID, "flowState", state.FlowState)
	return nil
}
