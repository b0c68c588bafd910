package records

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/store"
)

// Results is the archived poll history. Entries are never edited, only appended or deleted.
type Results struct {
	list list[models.PollResult]
	now  func() time.Time
}

// NewResults creates the results repository.
func NewResults(st store.Store) *Results {
	return &Results{list: list[models.PollResult]{st: st, key: KeyResults}, now: time.Now}
}

// Append archives res, assigning its id and timestamp when unset.
func (r *Results) Append(ctx context.Context, res *models.PollResult) error {
	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = r.now().UTC()
	}
	stored := *res
	stored.Options = append([]string(nil), res.Options...)
	stored.Results = res.Results.Clone()
	return r.list.update(ctx, func(items []models.PollResult) ([]models.PollResult, error) {
		return append(items, stored), nil
	})
}

// List returns the history, oldest first.
func (r *Results) List(ctx context.Context) ([]models.PollResult, error) {
	items, err := r.list.all(ctx)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.PollResult{}
	}
	return items, nil
}

// Get returns the archived result with id.
func (r *Results) Get(ctx context.Context, id string) (*models.PollResult, error) {
	items, err := r.list.all(ctx)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].ID == id {
			return &items[i], nil
		}
	}
	return nil, ErrNotFound
}

// Delete removes one archived result.
func (r *Results) Delete(ctx context.Context, id string) error {
	return r.list.update(ctx, func(items []models.PollResult) ([]models.PollResult, error) {
		for i := range items {
			if items[i].ID == id {
				return append(items[:i], items[i+1:]...), nil
			}
		}
		return nil, ErrNotFound
	})
}

// Clear removes every archived result.
func (r *Results) Clear(ctx context.Context) error {
	return r.list.update(ctx, func([]models.PollResult) ([]models.PollResult, error) {
		return nil, nil
	})
}
