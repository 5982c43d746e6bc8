// Package models defines state management structures for conversational flows.
package models

import (
	"time"
)

// ConversationTurn is one message in a user's conversation history.
type ConversationTurn struct {
	Role      TurnRole  `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Attribute is a user attribute extracted from conversation with a confidence score.
type Attribute struct {
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// UserConversationState is the single persisted record per user identity.
type UserConversationState struct {
	UserID          string    `json:"user_id"`
	FlowState       FlowState `json:"flow_state"`
	PrivacyAccepted bool      `json:"privacy_accepted"`
	// PrivacyAttempts counts unresolved consent replies.
	PrivacyAttempts int `json:"privacy_attempts,omitempty"`

	DisplayName      string `json:"display_name,omitempty"`
	Role             string `json:"role,omitempty"`
	SelectedCourseID string `json:"selected_course_id,omitempty"`

	// OfferedCourses is the list shown by the last welcome offer. Selection
	// resolves against it so the user never sees a different set mid-selection.
	OfferedCourses []CourseFacts `json:"offered_courses,omitempty"`

	ReasoningThreadID string `json:"reasoning_thread_id,omitempty"`

	Turns      []ConversationTurn   `json:"turns,omitempty"`
	Attributes map[string]Attribute `json:"attributes,omitempty"`

	AdFlowInProgress bool `json:"ad_flow_in_progress,omitempty"`
	// CampaignTag is the campaign waiting for privacy to complete, or the one
	// being presented while AdFlowInProgress is set.
	CampaignTag string `json:"campaign_tag,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewUserConversationState returns the record for a never-seen user identity.
func NewUserConversationState(userID string, now time.Time) UserConversationState {
	return UserConversationState{
		UserID:     userID,
		FlowState:  FlowStateNew,
		Attributes: make(map[string]Attribute),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// AppendTurn appends a turn and keeps only the most recent window turns.
// A window <= 0 keeps everything.
func (s *UserConversationState) AppendTurn(role TurnRole, text string, at time.Time, window int) {
	s.Turns = append(s.Turns, ConversationTurn{Role: role, Text: text, Timestamp: at})
	if window > 0 && len(s.Turns) > window {
		trimmed := make([]ConversationTurn, window)
		copy(trimmed, s.Turns[len(s.Turns)-window:])
		s.Turns = trimmed
	}
}

// RecentTurns returns up to n of the most recent turns.
func (s *UserConversationState) RecentTurns(n int) []ConversationTurn {
	if n <= 0 || n >= len(s.Turns) {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-n:]
}

// MergeAttributes folds incoming attributes into the state. An existing value
// is only replaced when the incoming confidence is strictly higher.
func (s *UserConversationState) MergeAttributes(incoming map[string]Attribute) {
	if len(incoming) == 0 {
		return
	}
	if s.Attributes == nil {
		s.Attributes = make(map[string]Attribute, len(incoming))
	}
	for name, attr := range incoming {
		if attr.Value == "" {
			continue
		}
		current, ok := s.Attributes[name]
		if !ok || attr.Confidence > current.Confidence {
			s.Attributes[name] = attr
		}
	}
}

// AcceptPrivacy closes the privacy gate. It is one-way.
func (s *UserConversationState) AcceptPrivacy() {
	s.PrivacyAccepted = true
	s.PrivacyAttempts = 0
}

// ContextCourseIDs returns the course identifiers relevant to this user right
// now: the selected course followed by the last offered list.
func (s *UserConversationState) ContextCourseIDs() []string {
	ids := make([]string, 0, len(s.OfferedCourses)+1)
	seen := make(map[string]bool, len(s.OfferedCourses)+1)
	if s.SelectedCourseID != "" {
		ids = append(ids, s.SelectedCourseID)
		seen[s.SelectedCourseID] = true
	}
	for _, c := range s.OfferedCourses {
		if c.ID != "" && !seen[c.ID] {
			ids = append(ids, c.ID)
			seen[c.ID] = true
		}
	}
	return ids
}

// ThreadMapping is the denormalized user to reasoning thread relation.
type ThreadMapping struct {
	UserID    string    `json:"user_id"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
}
