// Package catalog provides read-only access to verifiable course facts, the
// campaign configuration and the ad campaign detector.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/store"
)

// ErrCourseNotFound is returned when a course identifier is unknown.
var ErrCourseNotFound = store.ErrNotFound

// FactProvider is the read-only source of course facts.
type FactProvider interface {
	GetCourse(ctx context.Context, courseID string) (models.CourseFacts, error)
	SearchCourses(ctx context.Context, query string, limit int) ([]models.CourseFacts, error)
}

const (
	// DefaultCallTimeout bounds a single fact lookup.
	DefaultCallTimeout = 3 * time.Second
	// DefaultRetryDelay is the backoff before the single retry.
	DefaultRetryDelay = 200 * time.Millisecond
	maxRetries        = 1
)

// ResilientProvider wraps a FactProvider with a per-call timeout and one
// retry on transient failures. Not-found is never retried.
type ResilientProvider struct {
	next        FactProvider
	callTimeout time.Duration
	retryDelay  time.Duration
}

var _ FactProvider = (*ResilientProvider)(nil)

// NewResilientProvider decorates next. Zero durations use the defaults.
func NewResilientProvider(next FactProvider, callTimeout, retryDelay time.Duration) *ResilientProvider {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &ResilientProvider{next: next, callTimeout: callTimeout, retryDelay: retryDelay}
}

func (p *ResilientProvider) GetCourse(ctx context.Context, courseID string) (models.CourseFacts, error) {
	var out models.CourseFacts
	err := p.withRetry(ctx, "GetCourse", func(ctx context.Context) error {
		c, err := p.next.GetCourse(ctx, courseID)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

func (p *ResilientProvider) SearchCourses(ctx context.Context, query string, limit int) ([]models.CourseFacts, error) {
	var out []models.CourseFacts
	err := p.withRetry(ctx, "SearchCourses", func(ctx context.Context) error {
		cs, err := p.next.SearchCourses(ctx, query, limit)
		if err != nil {
			return err
		}
		out = cs
		return nil
	})
	return out, err
}

func (p *ResilientProvider) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrCourseNotFound) || ctx.Err() != nil || attempt == maxRetries {
			break
		}
		slog.Debug("ResilientProvider."+op+": retrying after error", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.retryDelay):
		}
	}
	if errors.Is(lastErr, ErrCourseNotFound) {
		return lastErr
	}
	return fmt.Errorf("catalog %s: %w", op, lastErr)
}

// BuildSnapshot fetches the facts for the given course ids. Unknown ids are
// skipped; the snapshot is scoped to this call only.
func BuildSnapshot(ctx context.Context, provider FactProvider, courseIDs ...string) (models.FactSnapshot, error) {
	snap := make(models.FactSnapshot, len(courseIDs))
	var firstErr error
	for _, id := range courseIDs {
		if id == "" {
			continue
		}
		if _, ok := snap[id]; ok {
			continue
		}
		c, err := provider.GetCourse(ctx, id)
		if errors.Is(err, ErrCourseNotFound) {
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		snap.Add(c)
	}
	return snap, firstErr
}
