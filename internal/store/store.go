// Package store provides the shared key-value store every context reads and writes, together with
// change notifications delivered to every other context.
//
// A Backend is shared; each context talks to it through a Store opened with its own origin id, so a
// context never receives notifications for its own writes.
package store

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("store closed")

// Change is a notification that a key was written or removed by another context.
type Change struct {
	Key     string
	Value   string
	Deleted bool
}

// Backend is the shared durable store plus its change notifier.
type Backend interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, origin, key, value string) error
	Delete(ctx context.Context, origin, key string) error
	// Watch streams changes written by any origin other than the given one, in write order.
	// The channel is closed when ctx is done or the backend closes.
	Watch(ctx context.Context, origin string) (<-chan Change, error)
	Close() error
}

// Store is one context's view of a Backend.
type Store interface {
	Origin() string
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Watch(ctx context.Context) (<-chan Change, error)
}

type view struct {
	backend Backend
	origin  string
}

// Open binds a backend to a context origin.
func Open(b Backend, origin string) Store {
	return &view{backend: b, origin: origin}
}

func (v *view) Origin() string { return v.origin }

func (v *view) Get(ctx context.Context, key string) (string, bool, error) {
	return v.backend.Get(ctx, key)
}

func (v *view) Set(ctx context.Context, key, value string) error {
	return v.backend.Set(ctx, v.origin, key, value)
}

func (v *view) Delete(ctx context.Context, key string) error {
	return v.backend.Delete(ctx, v.origin, key)
}

func (v *view) Watch(ctx context.Context) (<-chan Change, error) {
	return v.backend.Watch(ctx, v.origin)
}
