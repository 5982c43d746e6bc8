package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/util"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Queries are written with ? placeholders and rebound for PostgreSQL.
type sqlStore struct {
	db       *sql.DB
	name     string
	postgres bool
}

const courseColumns = `course_id, name, price, currency, duration, sessions, level, modality, description, media_json`

func (s *sqlStore) q(query string) string {
	if s.postgres {
		return rebindPostgres(query)
	}
	return query
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug(s.name+".Close: closing database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error(s.name+".Close: failed to close database", "error", err)
	}
	return err
}

// GetUserState loads the state record for a user. Returns ErrNotFound if the
// user has never been seen.
func (s *sqlStore) GetUserState(ctx context.Context, userID string) (models.UserConversationState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT state_json FROM user_states WHERE user_id = ?`), userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UserConversationState{}, ErrNotFound
	}
	if err != nil {
		return models.UserConversationState{}, fmt.Errorf("get user state %s: %w", userID, err)
	}
	var state models.UserConversationState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return models.UserConversationState{}, fmt.Errorf("decode user state %s: %w", userID, err)
	}
	return state, nil
}

// PutUserState replaces the whole record in a single statement.
func (s *sqlStore) PutUserState(ctx context.Context, state models.UserConversationState) error {
	if state.UserID == "" {
		return models.ErrEmptyUserID
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode user state %s: %w", state.UserID, err)
	}
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO user_states (user_id, state_json, flow_state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			state_json = excluded.state_json,
			flow_state = excluded.flow_state,
			updated_at = excluded.updated_at`),
		state.UserID, string(raw), string(state.FlowState), updatedAt)
	if err != nil {
		slog.Error(s.name+".PutUserState failed", "error", err, "userID", state.UserID)
		return fmt.Errorf("put user state %s: %w", state.UserID, err)
	}
	slog.Debug(s.name+".PutUserState succeeded", "userID", state.UserID, "flowState", state.FlowState)
	return nil
}

// ListUserStates returns every persisted state record.
func (s *sqlStore) ListUserStates(ctx context.Context) ([]models.UserConversationState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state_json FROM user_states ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list user states: %w", err)
	}
	defer rows.Close()

	var states []models.UserConversationState
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan user state: %w", err)
		}
		var state models.UserConversationState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			slog.Warn(s.name+".ListUserStates: skipping undecodable record", "error", err)
			continue
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user states: %w", err)
	}
	return states, nil
}

// GetThreadMapping returns the mapping for a user or ErrNotFound.
func (s *sqlStore) GetThreadMapping(ctx context.Context, userID string) (models.ThreadMapping, error) {
	var m models.ThreadMapping
	err := s.db.QueryRowContext(ctx, s.q(`SELECT user_id, thread_id, created_at FROM thread_mappings WHERE user_id = ?`), userID).
		Scan(&m.UserID, &m.ThreadID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ThreadMapping{}, ErrNotFound
	}
	if err != nil {
		return models.ThreadMapping{}, fmt.Errorf("get thread mapping %s: %w", userID, err)
	}
	return m, nil
}

// PutThreadMapping inserts the mapping if absent.
func (s *sqlStore) PutThreadMapping(ctx context.Context, m models.ThreadMapping) error {
	if m.UserID == "" || m.ThreadID == "" {
		return fmt.Errorf("put thread mapping: user and thread id are required")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO thread_mappings (user_id, thread_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`), m.UserID, m.ThreadID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("put thread mapping %s: %w", m.UserID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("thread mapping rows affected check failed: %w", err)
	}
	if n > 0 {
		slog.Debug(s.name+".PutThreadMapping: inserted", "userID", m.UserID, "threadID", m.ThreadID)
		return nil
	}
	existing, err := s.GetThreadMapping(ctx, m.UserID)
	if err == nil && existing.ThreadID == m.ThreadID {
		return nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	slog.Warn(s.name+".PutThreadMapping: conflict", "userID", m.UserID, "threadID", m.ThreadID, "existingThreadID", existing.ThreadID)
	return ErrThreadMappingConflict
}

// ListThreadMappings returns every mapping.
func (s *sqlStore) ListThreadMappings(ctx context.Context) ([]models.ThreadMapping, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, thread_id, created_at FROM thread_mappings ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list thread mappings: %w", err)
	}
	defer rows.Close()
	var out []models.ThreadMapping
	for rows.Next() {
		var m models.ThreadMapping
		if err := rows.Scan(&m.UserID, &m.ThreadID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thread mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetCourse returns the facts for one course or ErrNotFound.
func (s *sqlStore) GetCourse(ctx context.Context, courseID string) (models.CourseFacts, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+courseColumns+` FROM courses WHERE course_id = ?`), courseID)
	c, err := scanCourse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CourseFacts{}, ErrNotFound
	}
	if err != nil {
		return models.CourseFacts{}, fmt.Errorf("get course %s: %w", courseID, err)
	}
	return c, nil
}

// SearchCourses runs a case-insensitive substring match over the catalog.
func (s *sqlStore) SearchCourses(ctx context.Context, query string, limit int) ([]models.CourseFacts, error) {
	if limit <= 0 {
		limit = 10
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(query) == "" {
		rows, err = s.db.QueryContext(ctx, s.q(`SELECT `+courseColumns+` FROM courses ORDER BY name LIMIT ?`), limit)
	} else {
		p := likePattern(query)
		rows, err = s.db.QueryContext(ctx, s.q(`SELECT `+courseColumns+` FROM courses
			WHERE LOWER(name) LIKE ? ESCAPE '\'
			   OR LOWER(COALESCE(description, '')) LIKE ? ESCAPE '\'
			   OR LOWER(COALESCE(level, '')) LIKE ? ESCAPE '\'
			   OR LOWER(COALESCE(modality, '')) LIKE ? ESCAPE '\'
			ORDER BY name LIMIT ?`), p, p, p, p, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("search courses: %w", err)
	}
	defer rows.Close()

	var out []models.CourseFacts
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan course: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate courses: %w", err)
	}
	slog.Debug(s.name+".SearchCourses", "query", query, "count", len(out))
	return out, nil
}

// UpsertCourses writes the given courses in one transaction.
func (s *sqlStore) UpsertCourses(ctx context.Context, courses []models.CourseFacts) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert courses: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.q(`
		INSERT INTO courses (`+courseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (course_id) DO UPDATE SET
			name = excluded.name,
			price = excluded.price,
			currency = excluded.currency,
			duration = excluded.duration,
			sessions = excluded.sessions,
			level = excluded.level,
			modality = excluded.modality,
			description = excluded.description,
			media_json = excluded.media_json`))
	if err != nil {
		return fmt.Errorf("prepare upsert courses: %w", err)
	}
	defer stmt.Close()

	for _, c := range courses {
		media, err := encodeMediaURLs(c.MediaURLs)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.Name, c.Price, c.Currency, nilIfEmpty(c.Duration), c.Sessions,
			nilIfEmpty(c.Level), nilIfEmpty(c.Modality), nilIfEmpty(c.Description), media); err != nil {
			return fmt.Errorf("upsert course %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert courses: %w", err)
	}
	slog.Info(s.name+".UpsertCourses: catalog seeded", "count", len(courses))
	return nil
}

// RecordInbound inserts a dedup record. Returns false for a duplicate.
func (s *sqlStore) RecordInbound(ctx context.Context, messageID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO inbound_dedup (message_id, user_id, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`),
		messageID, userID, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), time.Now(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *sqlStore) ForgetInbound(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM inbound_dedup WHERE message_id = ? AND processed_at IS NULL`), messageID)
	if err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}

func (s *sqlStore) EnqueueOutboxMessage(ctx context.Context, userID, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRowContext(ctx, s.q(
			`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status NOT IN ('sent', 'failed')`),
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug(s.name+".EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	id := util.GenerateRandomID("outbox_", 32)
	now := time.Now()
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO outbox_messages (id, user_id, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, 'queued', 0, ?, ?, ?)`),
		id, userID, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug(s.name+".EnqueueOutboxMessage", "id", id, "userID", userID)
	return id, nil
}

// ClaimDueOutboxMessages selects and marks due messages inside one transaction.
func (s *sqlStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim outbox: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT id, user_id, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at
		 FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`
	if s.postgres {
		query += ` FOR UPDATE SKIP LOCKED`
	}
	rows, err := tx.QueryContext(ctx, s.q(query), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox iteration failed: %w", err)
	}

	for i := range msgs {
		if _, err := tx.ExecContext(ctx, s.q(
			`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`),
			now, now, msgs[i].ID,
		); err != nil {
			return nil, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		msgs[i].Status = OutboxStatusSending
		lockedAt := now
		msgs[i].LockedAt = &lockedAt
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim outbox: %w", err)
	}
	return msgs, nil
}

func (s *sqlStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`), time.Now(), id)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time, final bool) error {
	status := OutboxStatusQueued
	if final {
		status = OutboxStatusFailed
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE outbox_messages SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
		string(status), errMsg, nextAttemptAt, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, s.q(
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`),
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}
