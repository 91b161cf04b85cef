// Package auth verifies credentials and manages identity profiles on behalf of the gateway
package auth

import (
	"context"
	"errors"
	"fmt"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"nexus-relay/internal/relay"
	"nexus-relay/internal/storage"
	"strings"
)

// DefaultBio is assigned to every new identity
const DefaultBio = "Hello Nexus!"

var (
	ErrUsernameTaken      = fmt.Errorf("%w: username is taken", relay.ErrAuth)
	ErrInvalidCredentials = fmt.Errorf("%w: invalid username or password", relay.ErrAuth)
)

// UserStore is the identity part of the store
type UserStore interface {
	CreateUser(ctx context.Context, u storage.User) error
	UserByName(ctx context.Context, username string) (storage.User, error)
	UpdateProfile(ctx context.Context, username, avatar, bio string) (storage.User, error)
}

type Option interface {
	apply(*Service)
}

type optionFunc func(s *Service)

func (f optionFunc) apply(s *Service) { f(s) }

// Cost sets the bcrypt cost used for new credentials
func Cost(cost int) Option {
	return optionFunc(func(s *Service) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.cost = cost
		}
	})
}

type Service struct {
	logger *zap.SugaredLogger
	store  UserStore
	cost   int
}

func New(logger *zap.SugaredLogger, store UserStore, opts ...Option) *Service {
	s := &Service{
		logger: logger,
		store:  store,
		cost:   bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	return s
}

// Register creates an identity with a hashed credential
func (s *Service) Register(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return fmt.Errorf("%w: username and password are required", relay.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	err = s.store.CreateUser(ctx, storage.User{
		Username:     username,
		PasswordHash: hash,
		Bio:          DefaultBio,
	})
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			return ErrUsernameTaken
		}
		return fmt.Errorf("%w: %v", relay.ErrPersistence, err)
	}

	s.logger.Infof("Registered user (%s)", username)

	return nil
}

// Login verifies the credential and returns the public profile of the identity.
// Unknown identities and wrong passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, username, password string) (storage.Profile, error) {
	u, err := s.store.UserByName(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			return storage.Profile{}, ErrInvalidCredentials
		}
		return storage.Profile{}, fmt.Errorf("%w: %v", relay.ErrPersistence, err)
	}

	if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		return storage.Profile{}, ErrInvalidCredentials
	}

	return u.Profile(), nil
}

// UpdateProfile replaces avatar and bio of an existing identity
func (s *Service) UpdateProfile(ctx context.Context, username, avatar, bio string) (storage.Profile, error) {
	u, err := s.store.UpdateProfile(ctx, username, avatar, bio)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			return storage.Profile{}, fmt.Errorf("%w: user %s", relay.ErrNotFound, username)
		}
		return storage.Profile{}, fmt.Errorf("%w: %v", relay.ErrPersistence, err)
	}
	return u.Profile(), nil
}
