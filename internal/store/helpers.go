package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
)

func applyOpts(opts []Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// openAndMigrate opens driver at dsn, applies tune, verifies the connection
// and runs the embedded schema. The schema is idempotent.
func openAndMigrate(driver, dsn, migrations string, tune func(*sql.DB)) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if tune != nil {
		tune(db)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.Exec(migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", driver, err)
	}
	slog.Debug("store.openAndMigrate: schema ready", "driver", driver)
	return db, nil
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rebindPostgres rewrites ? placeholders as $1, $2, ... for lib/pq.
// Queries in this package never contain literal question marks.
func rebindPostgres(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// likePattern builds a case-insensitive substring pattern for LIKE queries.
func likePattern(query string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	q = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(q)
	return "%" + q + "%"
}

func encodeMediaURLs(urls []string) (string, error) {
	if len(urls) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(urls)
	if err != nil {
		return "", fmt.Errorf("encode media urls: %w", err)
	}
	return string(b), nil
}

func decodeMediaURLs(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" || raw.String == "[]" {
		return nil
	}
	var urls []string
	if err := json.Unmarshal([]byte(raw.String), &urls); err != nil {
		return nil
	}
	return urls
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanOutboxMessage scans an OutboxMessage from a row.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.UserID, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

// scanCourse scans a course row in the column order used by courseColumns.
func scanCourse(row rowScanner) (models.CourseFacts, error) {
	var c models.CourseFacts
	var duration, level, modality, description, media sql.NullString
	var sessions sql.NullInt64
	if err := row.Scan(&c.ID, &c.Name, &c.Price, &c.Currency, &duration, &sessions,
		&level, &modality, &description, &media); err != nil {
		return c, err
	}
	c.Duration = duration.String
	c.Sessions = int(sessions.Int64)
	c.Level = level.String
	c.Modality = modality.String
	c.Description = description.String
	c.MediaURLs = decodeMediaURLs(media)
	return c, nil
}
