package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/store"
)

const healthCheckTimeout = 3 * time.Second

// healthzHandler runs every registered check (GET /healthz).
func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	results := make(map[string]string, len(s.opts.Checks))
	healthy := true
	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			slog.Warn("Server.healthzHandler: check failed", "check", name, "error", err)
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = string(models.APIStatusOK)
	}
	if !healthy {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.APIResponse{
			Status: string(models.APIStatusError), Message: "unhealthy", Result: results,
		})
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(results))
}

// userStateView is the support-facing projection of a state record. Turn
// texts are included; attributes are flattened to their values.
type userStateView struct {
	UserID            string                    `json:"user_id"`
	FlowState         models.FlowState          `json:"flow_state"`
	PrivacyAccepted   bool                      `json:"privacy_accepted"`
	DisplayName       string                    `json:"display_name,omitempty"`
	Role              string                    `json:"role,omitempty"`
	SelectedCourseID  string                    `json:"selected_course_id,omitempty"`
	ReasoningThreadID string                    `json:"reasoning_thread_id,omitempty"`
	AdFlowInProgress  bool                      `json:"ad_flow_in_progress"`
	Attributes        map[string]string         `json:"attributes,omitempty"`
	Turns             []models.ConversationTurn `json:"turns,omitempty"`
	UpdatedAt         time.Time                 `json:"updated_at"`
}

func newUserStateView(st models.UserConversationState) userStateView {
	v := userStateView{
		UserID:            st.UserID,
		FlowState:         st.FlowState,
		PrivacyAccepted:   st.PrivacyAccepted,
		DisplayName:       st.DisplayName,
		Role:              st.Role,
		SelectedCourseID:  st.SelectedCourseID,
		ReasoningThreadID: st.ReasoningThreadID,
		AdFlowInProgress:  st.AdFlowInProgress,
		Turns:             st.Turns,
		UpdatedAt:         st.UpdatedAt,
	}
	if len(st.Attributes) > 0 {
		v.Attributes = make(map[string]string, len(st.Attributes))
		for k, a := range st.Attributes {
			v.Attributes[k] = a.Value
		}
	}
	return v
}

// userStateHandler returns one user's state (GET /users/{id}/state).
func (s *Server) userStateHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user id is required")
		return
	}
	st, err := s.states.GetUserState(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		slog.Error("Server.userStateHandler: get failed", "userID", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load user state")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(newUserStateView(st)))
}
