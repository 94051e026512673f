package service

import (
	"context"
	"errors"

	"github.com/resultrx/backend/internal/db"
	"github.com/resultrx/backend/internal/models"
)

type UserStore interface {
	EnsureUser(ctx context.Context, id, email string, signupCredits int) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// UserService provisions entitlement records lazily, at authentication
// time. This is the only place records are created.
type UserService struct {
	store         UserStore
	signupCredits int
}

func NewUserService(store UserStore, signupCredits int) *UserService {
	return &UserService{store: store, signupCredits: signupCredits}
}

// Provision returns the user's entitlement record, creating it with the
// promotional starting balance on first sight.
func (s *UserService) Provision(ctx context.Context, id, email string) (*models.User, error) {
	user, err := s.store.EnsureUser(ctx, id, email, s.signupCredits)
	if err != nil {
		return nil, models.ErrStoreUnavailable(err)
	}
	return user, nil
}

func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	user, err := s.store.GetUser(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, models.ErrUserNotFound()
	}
	if err != nil {
		return nil, models.ErrStoreUnavailable(err)
	}
	return user, nil
}
