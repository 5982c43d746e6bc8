package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/util"
)

// InMemoryStore keeps all records in process memory. Records are stored as
// encoded copies so callers never share slices or maps with the store.
type InMemoryStore struct {
	mu       sync.RWMutex
	states   map[string][]byte
	mappings map[string]models.ThreadMapping
	threads  map[string]string
	courses  map[string]models.CourseFacts
	dedup    map[string]DedupRecord
	outbox   map[string]*OutboxMessage
}

var (
	_ Store      = (*InMemoryStore)(nil)
	_ OutboxRepo = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		states:   make(map[string][]byte),
		mappings: make(map[string]models.ThreadMapping),
		threads:  make(map[string]string),
		courses:  make(map[string]models.CourseFacts),
		dedup:    make(map[string]DedupRecord),
		outbox:   make(map[string]*OutboxMessage),
	}
}

func (s *InMemoryStore) GetUserState(ctx context.Context, userID string) (models.UserConversationState, error) {
	s.mu.RLock()
	raw, ok := s.states[userID]
	s.mu.RUnlock()
	if !ok {
		return models.UserConversationState{}, ErrNotFound
	}
	var state models.UserConversationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return models.UserConversationState{}, fmt.Errorf("decode user state %s: %w", userID, err)
	}
	return state, nil
}

func (s *InMemoryStore) PutUserState(ctx context.Context, state models.UserConversationState) error {
	if state.UserID == "" {
		return models.ErrEmptyUserID
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode user state %s: %w", state.UserID, err)
	}
	s.mu.Lock()
	s.states[state.UserID] = raw
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) ListUserStates(ctx context.Context) ([]models.UserConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.UserConversationState, 0, len(s.states))
	for _, raw := range s.states {
		var state models.UserConversationState
		if err := json.Unmarshal(raw, &state); err != nil {
			continue
		}
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *InMemoryStore) GetThreadMapping(ctx context.Context, userID string) (models.ThreadMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[userID]
	if !ok {
		return models.ThreadMapping{}, ErrNotFound
	}
	return m, nil
}

func (s *InMemoryStore) PutThreadMapping(ctx context.Context, m models.ThreadMapping) error {
	if m.UserID == "" || m.ThreadID == "" {
		return fmt.Errorf("put thread mapping: user and thread id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.mappings[m.UserID]; ok {
		if existing.ThreadID == m.ThreadID {
			return nil
		}
		return ErrThreadMappingConflict
	}
	if owner, ok := s.threads[m.ThreadID]; ok && owner != m.UserID {
		return ErrThreadMappingConflict
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.mappings[m.UserID] = m
	s.threads[m.ThreadID] = m.UserID
	return nil
}

func (s *InMemoryStore) ListThreadMappings(ctx context.Context) ([]models.ThreadMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ThreadMapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *InMemoryStore) GetCourse(ctx context.Context, courseID string) (models.CourseFacts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.courses[courseID]
	if !ok {
		return models.CourseFacts{}, ErrNotFound
	}
	return copyCourse(c), nil
}

func (s *InMemoryStore) SearchCourses(ctx context.Context, query string, limit int) ([]models.CourseFacts, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return searchCourseList(s.courses, query, limit), nil
}

func (s *InMemoryStore) UpsertCourses(ctx context.Context, courses []models.CourseFacts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range courses {
		s.courses[c.ID] = copyCourse(c)
	}
	return nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, UserID: userID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := time.Now()
		rec.ProcessedAt = &now
		s.dedup[messageID] = rec
	}
	return nil
}

func (s *InMemoryStore) ForgetInbound(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok && rec.ProcessedAt == nil {
		delete(s.dedup, messageID)
	}
	return nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(ctx context.Context, userID, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && !m.Status.IsTerminal() {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	m := &OutboxMessage{
		ID:          util.GenerateRandomID("outbox_", 32),
		UserID:      userID,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox[m.ID] = m
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status != OutboxStatusQueued {
			continue
		}
		if m.NextAttemptAt != nil && m.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, m)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		lockedAt := now
		m.Status = OutboxStatusSending
		m.LockedAt = &lockedAt
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
		m.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return ErrNotFound
	}
	m.Attempts++
	m.LastError = errMsg
	next := nextAttemptAt
	m.NextAttemptAt = &next
	m.LockedAt = nil
	m.UpdatedAt = time.Now()
	if final {
		m.Status = OutboxStatusFailed
	} else {
		m.Status = OutboxStatusQueued
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func copyCourse(c models.CourseFacts) models.CourseFacts {
	if c.MediaURLs != nil {
		c.MediaURLs = append([]string(nil), c.MediaURLs...)
	}
	return c
}

// searchCourseList mirrors the SQL search for the key-value backends.
func searchCourseList(courses map[string]models.CourseFacts, query string, limit int) []models.CourseFacts {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []models.CourseFacts
	for _, c := range courses {
		if q == "" ||
			strings.Contains(strings.ToLower(c.Name), q) ||
			strings.Contains(strings.ToLower(c.Description), q) ||
			strings.Contains(strings.ToLower(c.Level), q) ||
			strings.Contains(strings.ToLower(c.Modality), q) {
			out = append(out, copyCourse(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
