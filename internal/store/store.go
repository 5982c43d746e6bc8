// Package store provides storage backends for the Brenda sales agent.
//
// It persists one UserConversationState per user, the user to reasoning thread
// mapping, the course catalog, inbound deduplication records and the durable
// outbox. Backends: in-memory, SQLite, PostgreSQL and Badger.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrThreadMappingConflict is returned when a different thread is already
	// mapped to the user (or the thread already belongs to another user).
	// The existing mapping always wins.
	ErrThreadMappingConflict = errors.New("store: thread mapping conflict")
	// ErrDSNNotSet is returned by the SQL backends when no DSN was given.
	ErrDSNNotSet = errors.New("store: database DSN not set")
)

// DSN types returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
	DSNTypeBadger   = "badger"
	DSNTypeMemory   = "memory"
)

// BadgerDSNPrefix selects the embedded Badger backend.
const BadgerDSNPrefix = "badger://"

// UserStateStore persists the conversation state record. A Put replaces the
// whole record atomically.
type UserStateStore interface {
	GetUserState(ctx context.Context, userID string) (models.UserConversationState, error)
	PutUserState(ctx context.Context, state models.UserConversationState) error
	ListUserStates(ctx context.Context) ([]models.UserConversationState, error)
}

// ThreadMappingStore persists the user to reasoning thread relation.
type ThreadMappingStore interface {
	GetThreadMapping(ctx context.Context, userID string) (models.ThreadMapping, error)
	// PutThreadMapping inserts the mapping if absent. Writing the mapping that
	// already exists is a no-op; a different one yields ErrThreadMappingConflict.
	PutThreadMapping(ctx context.Context, m models.ThreadMapping) error
	ListThreadMappings(ctx context.Context) ([]models.ThreadMapping, error)
}

// CourseRepo is the authoritative course catalog.
type CourseRepo interface {
	GetCourse(ctx context.Context, courseID string) (models.CourseFacts, error)
	// SearchCourses matches query against name, description, level and
	// modality. An empty query lists the catalog ordered by name.
	SearchCourses(ctx context.Context, query string, limit int) ([]models.CourseFacts, error)
	UpsertCourses(ctx context.Context, courses []models.CourseFacts) error
}

// Store is implemented by every backend.
type Store interface {
	UserStateStore
	ThreadMappingStore
	CourseRepo
	DedupRepo
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the data source name.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithSQLiteDSN sets the path of the SQLite database file.
func WithSQLiteDSN(dsn string) Option {
	return WithDSN(dsn)
}

// DetectDSNType returns the backend type for a DSN.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	lower := strings.ToLower(d)
	switch {
	case lower == "" || lower == "memory" || lower == ":memory:":
		return DSNTypeMemory
	case strings.HasPrefix(lower, BadgerDSNPrefix):
		return DSNTypeBadger
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DSNTypePostgres
	case strings.Contains(lower, "host=") && strings.Contains(lower, "dbname="):
		return DSNTypePostgres
	default:
		return DSNTypeSQLite
	}
}

// Open selects and opens a backend from the DSN.
func Open(opts ...Option) (Store, error) {
	cfg := applyOpts(opts)
	kind := DetectDSNType(cfg.DSN)
	slog.Debug("store.Open: selecting backend", "type", kind)
	switch kind {
	case DSNTypeMemory:
		return NewInMemoryStore(), nil
	case DSNTypeBadger:
		return NewBadgerStore(strings.TrimPrefix(cfg.DSN, BadgerDSNPrefix))
	case DSNTypePostgres:
		return NewPostgresStore(opts...)
	case DSNTypeSQLite:
		return NewSQLiteStore(opts...)
	default:
		return nil, fmt.Errorf("unsupported store dsn type %q", kind)
	}
}
