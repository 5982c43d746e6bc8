// Package store provides storage backends for the Brenda sales agent.
//
// This file implements an embedded Badger key-value store. It needs no external
// database and keeps the thread mapping and its reverse index in one transaction.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
)

const (
	badgerStatePrefix   = "state/"
	badgerMappingPrefix = "mapping/"
	badgerThreadPrefix  = "thread/"
	badgerCoursePrefix  = "course/"
	badgerDedupPrefix   = "dedup/"

	// DefaultBadgerGCInterval is how often the value log is garbage collected.
	DefaultBadgerGCInterval = 5 * time.Minute
	badgerGCDiscardRatio    = 0.5
)

// BadgerStore persists records in an embedded Badger database.
type BadgerStore struct {
	db     *badger.DB
	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens a Badger database in dir. An empty dir or ":memory:"
// opens an in-memory database.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	inMemory := dir == "" || dir == ":memory:"
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	s := &BadgerStore{db: db}
	if !inMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(DefaultBadgerGCInterval)
	}
	slog.Debug("BadgerStore.NewBadgerStore: opened", "dir", dir, "inMemory", inMemory)
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(badgerGCDiscardRatio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				slog.Warn("BadgerStore.runGC: value log GC error", "error", err)
			}
		}
	}
}

// Close stops the GC loop and closes the database.
func (s *BadgerStore) Close() error {
	var err error
	s.once.Do(func() {
		if s.stopGC != nil {
			close(s.stopGC)
			<-s.gcDone
		}
		err = s.db.Close()
	})
	return err
}

func badgerGetJSON(txn *badger.Txn, key string, dst interface{}) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func badgerSetJSON(txn *badger.Txn, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), raw)
}

func badgerScan(txn *badger.Txn, prefix string, fn func(raw []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		raw, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) GetUserState(ctx context.Context, userID string) (models.UserConversationState, error) {
	var state models.UserConversationState
	err := s.db.View(func(txn *badger.Txn) error {
		return badgerGetJSON(txn, badgerStatePrefix+userID, &state)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.UserConversationState{}, ErrNotFound
		}
		return models.UserConversationState{}, fmt.Errorf("get user state %s: %w", userID, err)
	}
	return state, nil
}

func (s *BadgerStore) PutUserState(ctx context.Context, state models.UserConversationState) error {
	if state.UserID == "" {
		return models.ErrEmptyUserID
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return badgerSetJSON(txn, badgerStatePrefix+state.UserID, state)
	})
	if err != nil {
		slog.Error("BadgerStore.PutUserState failed", "error", err, "userID", state.UserID)
		return fmt.Errorf("put user state %s: %w", state.UserID, err)
	}
	return nil
}

func (s *BadgerStore) ListUserStates(ctx context.Context) ([]models.UserConversationState, error) {
	var out []models.UserConversationState
	err := s.db.View(func(txn *badger.Txn) error {
		return badgerScan(txn, badgerStatePrefix, func(raw []byte) error {
			var state models.UserConversationState
			if err := json.Unmarshal(raw, &state); err != nil {
				slog.Warn("BadgerStore.ListUserStates: skipping undecodable record", "error", err)
				return nil
			}
			out = append(out, state)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list user states: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) GetThreadMapping(ctx context.Context, userID string) (models.ThreadMapping, error) {
	var m models.ThreadMapping
	err := s.db.View(func(txn *badger.Txn) error {
		return badgerGetJSON(txn, badgerMappingPrefix+userID, &m)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.ThreadMapping{}, ErrNotFound
		}
		return models.ThreadMapping{}, fmt.Errorf("get thread mapping %s: %w", userID, err)
	}
	return m, nil
}

// PutThreadMapping checks both directions of the mapping and writes them in
// one transaction. Concurrent writers get badger.ErrConflict and are retried.
func (s *BadgerStore) PutThreadMapping(ctx context.Context, m models.ThreadMapping) error {
	if m.UserID == "" || m.ThreadID == "" {
		return fmt.Errorf("put thread mapping: user and thread id are required")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	for attempt := 0; attempt < 3; attempt++ {
		err := s.db.Update(func(txn *badger.Txn) error {
			var existing models.ThreadMapping
			err := badgerGetJSON(txn, badgerMappingPrefix+m.UserID, &existing)
			if err == nil {
				if existing.ThreadID == m.ThreadID {
					return nil
				}
				return ErrThreadMappingConflict
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			if _, err := txn.Get([]byte(badgerThreadPrefix + m.ThreadID)); err == nil {
				return ErrThreadMappingConflict
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := badgerSetJSON(txn, badgerMappingPrefix+m.UserID, m); err != nil {
				return err
			}
			return txn.Set([]byte(badgerThreadPrefix+m.ThreadID), []byte(m.UserID))
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil && !errors.Is(err, ErrThreadMappingConflict) {
			return fmt.Errorf("put thread mapping %s: %w", m.UserID, err)
		}
		return err
	}
	return fmt.Errorf("put thread mapping %s: %w", m.UserID, badger.ErrConflict)
}

func (s *BadgerStore) ListThreadMappings(ctx context.Context) ([]models.ThreadMapping, error) {
	var out []models.ThreadMapping
	err := s.db.View(func(txn *badger.Txn) error {
		return badgerScan(txn, badgerMappingPrefix, func(raw []byte) error {
			var m models.ThreadMapping
			if err := json.Unmarshal(raw, &m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list thread mappings: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) GetCourse(ctx context.Context, courseID string) (models.CourseFacts, error) {
	var c models.CourseFacts
	err := s.db.View(func(txn *badger.Txn) error {
		return badgerGetJSON(txn, badgerCoursePrefix+courseID, &c)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.CourseFacts{}, ErrNotFound
		}
		return models.CourseFacts{}, fmt.Errorf("get course %s: %w", courseID, err)
	}
	return c, nil
}

func (s *BadgerStore) SearchCourses(ctx context.Context, query string, limit int) ([]models.CourseFacts, error) {
	if limit <= 0 {
		limit = 10
	}
	courses := make(map[string]models.CourseFacts)
	err := s.db.View(func(txn *badger.Txn) error {
		return badgerScan(txn, badgerCoursePrefix, func(raw []byte) error {
			var c models.CourseFacts
			if err := json.Unmarshal(raw, &c); err != nil {
				return err
			}
			courses[c.ID] = c
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("search courses: %w", err)
	}
	return searchCourseList(courses, query, limit), nil
}

func (s *BadgerStore) UpsertCourses(ctx context.Context, courses []models.CourseFacts) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, c := range courses {
			if err := badgerSetJSON(txn, badgerCoursePrefix+c.ID, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert courses: %w", err)
	}
	return nil
}

func (s *BadgerStore) RecordInbound(ctx context.Context, messageID, userID string) (bool, error) {
	inserted := false
	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(badgerDedupPrefix + messageID)
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		inserted = true
		return badgerSetJSON(txn, string(key), DedupRecord{MessageID: messageID, UserID: userID, ReceivedAt: time.Now()})
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return inserted, nil
}

func (s *BadgerStore) MarkProcessed(ctx context.Context, messageID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var rec DedupRecord
		if err := badgerGetJSON(txn, badgerDedupPrefix+messageID, &rec); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		now := time.Now()
		rec.ProcessedAt = &now
		return badgerSetJSON(txn, badgerDedupPrefix+messageID, rec)
	})
}

func (s *BadgerStore) ForgetInbound(ctx context.Context, messageID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var rec DedupRecord
		if err := badgerGetJSON(txn, badgerDedupPrefix+messageID, &rec); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if rec.ProcessedAt != nil {
			return nil
		}
		return txn.Delete([]byte(badgerDedupPrefix + messageID))
	})
}
