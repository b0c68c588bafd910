package records

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/store"
	"github.com/aura-classroom/livepoll/pkg/utils"
)

// Users is the registered user list.
type Users struct {
	list list[models.User]
}

// NewUsers creates the users repository.
func NewUsers(st store.Store) *Users {
	return &Users{list: list[models.User]{st: st, key: KeyUsers}}
}

func sameEmail(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Create registers a user with a bcrypt hash of password. The email must be unused.
func (r *Users) Create(ctx context.Context, name, email, password string, role models.Role) (*models.User, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	hash, err := utils.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := models.User{
		ID:        uuid.New().String(),
		Name:      strings.TrimSpace(name),
		Email:     strings.ToLower(strings.TrimSpace(email)),
		Role:      role,
		Password:  hash,
		CreatedAt: time.Now().UTC(),
	}
	err = r.list.update(ctx, func(users []models.User) ([]models.User, error) {
		for _, existing := range users {
			if sameEmail(existing.Email, u.Email) {
				return nil, ErrExists
			}
		}
		return append(users, u), nil
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Authenticate returns the user for email if password matches.
func (r *Users) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	u, err := r.Get(ctx, email)
	if err != nil {
		return nil, err
	}
	if !utils.CheckPassword(password, u.Password) {
		return nil, ErrNotFound
	}
	return u, nil
}

// Get returns the user registered under email.
func (r *Users) Get(ctx context.Context, email string) (*models.User, error) {
	users, err := r.list.all(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if sameEmail(users[i].Email, email) {
			return &users[i], nil
		}
	}
	return nil, ErrNotFound
}

// List returns every user without password hashes.
func (r *Users) List(ctx context.Context) ([]models.UserPublic, error) {
	users, err := r.list.all(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.UserPublic, 0, len(users))
	for i := range users {
		out = append(out, users[i].ToPublic())
	}
	return out, nil
}
