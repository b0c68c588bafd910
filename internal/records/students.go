package records

import (
	"context"
	"strings"
	"time"

	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/store"
)

// Students is the registry of everyone who ever joined a session.
type Students struct {
	list list[models.StudentRecord]
	now  func() time.Time
}

// NewStudents creates the students repository.
func NewStudents(st store.Store) *Students {
	return &Students{list: list[models.StudentRecord]{st: st, key: KeyStudents}, now: time.Now}
}

// Save upserts the record by email. The first joinedAt is kept.
func (r *Students) Save(ctx context.Context, name, email string) (models.StudentRecord, error) {
	rec := models.StudentRecord{
		Name:     strings.TrimSpace(name),
		Email:    strings.ToLower(strings.TrimSpace(email)),
		JoinedAt: r.now().UTC(),
	}
	err := r.list.update(ctx, func(items []models.StudentRecord) ([]models.StudentRecord, error) {
		for i := range items {
			if sameEmail(items[i].Email, rec.Email) {
				rec.JoinedAt = items[i].JoinedAt
				items[i] = rec
				return items, nil
			}
		}
		return append(items, rec), nil
	})
	return rec, err
}

// Get returns the record for email.
func (r *Students) Get(ctx context.Context, email string) (models.StudentRecord, error) {
	items, err := r.list.all(ctx)
	if err != nil {
		return models.StudentRecord{}, err
	}
	for _, s := range items {
		if sameEmail(s.Email, email) {
			return s, nil
		}
	}
	return models.StudentRecord{}, ErrNotFound
}

// List returns every record in join order.
func (r *Students) List(ctx context.Context) ([]models.StudentRecord, error) {
	items, err := r.list.all(ctx)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.StudentRecord{}
	}
	return items, nil
}

// Delete removes the record for email. Deleting a missing record returns ErrNotFound.
func (r *Students) Delete(ctx context.Context, email string) error {
	return r.list.update(ctx, func(items []models.StudentRecord) ([]models.StudentRecord, error) {
		for i := range items {
			if sameEmail(items[i].Email, email) {
				return append(items[:i], items[i+1:]...), nil
			}
		}
		return nil, ErrNotFound
	})
}
