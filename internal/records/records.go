// Package records persists the session-wide collections (users, students, poll history) as JSON
// lists in the shared store. Writes are whole-list and last-write-wins across contexts.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aura-classroom/livepoll/internal/store"
)

// Store keys of the persisted collections. They share the bus key prefix and are reserved there,
// so a write is never dispatched as a channel message.
const (
	KeyUsers    = "polling_users"
	KeyStudents = "polling_student_data"
	KeyResults  = "polling_results"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned when creating a record whose key is taken.
	ErrExists = errors.New("record already exists")
)

// list is a JSON array stored under one key. mu serializes read-modify-write within this process.
type list[T any] struct {
	st  store.Store
	key string
	mu  sync.Mutex
}

func (l *list[T]) load(ctx context.Context) ([]T, error) {
	raw, ok, err := l.st.Get(ctx, l.key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", l.key, err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var items []T
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", l.key, err)
	}
	return items, nil
}

func (l *list[T]) save(ctx context.Context, items []T) error {
	if items == nil {
		items = []T{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode %s: %w", l.key, err)
	}
	if err := l.st.Set(ctx, l.key, string(raw)); err != nil {
		return fmt.Errorf("save %s: %w", l.key, err)
	}
	return nil
}

// update loads the list, applies fn and saves the result unless fn returns an error.
func (l *list[T]) update(ctx context.Context, fn func([]T) ([]T, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	items, err := l.load(ctx)
	if err != nil {
		return err
	}
	items, err = fn(items)
	if err != nil {
		return err
	}
	return l.save(ctx, items)
}

func (l *list[T]) all(ctx context.Context) ([]T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(ctx)
}
