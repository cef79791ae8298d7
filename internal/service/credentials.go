package service

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"stockpos/internal/domain"
	"stockpos/internal/store"
)

// CredentialVerifier checks a username/password pair against stored users.
type CredentialVerifier interface {
	Verify(ctx context.Context, username string, password string) (domain.User, error)
	Hash(password string) (string, error)
}

type userLookup interface {
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
}

type BcryptVerifier struct {
	users userLookup
	cost  int
}

func NewBcryptVerifier(users userLookup) *BcryptVerifier {
	return &BcryptVerifier{users: users, cost: bcrypt.DefaultCost}
}

func (v *BcryptVerifier) Verify(ctx context.Context, username string, password string) (domain.User, error) {
	user, err := v.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.User{}, ErrInvalidCredentials
		}
		return domain.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return domain.User{}, ErrInvalidCredentials
	}
	if !user.Active {
		return domain.User{}, ErrInactiveAccount
	}
	return *user, nil
}

func (v *BcryptVerifier) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), v.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
