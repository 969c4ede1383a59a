// Package authpw provides email/password sign-in for local admin accounts.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"fieldhouse/api/internal/rbac"
	"fieldhouse/api/internal/store"
	"fieldhouse/api/internal/util"

	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 10

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrMissingFields      = errors.New("email, password, and display name are required")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", minPasswordLength)
	ErrInvalidEmail       = errors.New("email address is not valid")
	ErrInvalidRole        = errors.New("role must be viewer, editor, or admin")
)

// UserStore defines the storage interface for auth
type UserStore interface {
	GetAdminUserByEmail(ctx context.Context, email string) (store.AdminUser, error)
	GetAdminUserByID(ctx context.Context, userID string) (store.AdminUser, error)
	CreateAdminUser(ctx context.Context, user store.AdminUser) (store.AdminUser, error)
	UpdateAdminPassword(ctx context.Context, userID, passwordHash string) error
}

type Service struct {
	store UserStore
	cost  int
	// compared against when the email is unknown so both paths cost a bcrypt round
	dummyHash []byte
}

func NewService(st UserStore) *Service {
	return newService(st, bcrypt.DefaultCost)
}

func newService(st UserStore, cost int) *Service {
	dummy, _ := bcrypt.GenerateFromPassword([]byte("fieldhouse-dummy-password"), cost)
	return &Service{store: st, cost: cost, dummyHash: dummy}
}

type CreateAdminRequest struct {
	Email       string
	Password    string
	DisplayName string
	Role        string
}

// CreateAdmin registers a local admin account. Used by the CLI.
func (s *Service) CreateAdmin(ctx context.Context, req CreateAdminRequest) (store.AdminUser, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	name := strings.TrimSpace(req.DisplayName)
	if email == "" || req.Password == "" || name == "" {
		return store.AdminUser{}, ErrMissingFields
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return store.AdminUser{}, ErrInvalidEmail
	}
	if len(req.Password) < minPasswordLength {
		return store.AdminUser{}, ErrWeakPassword
	}
	role := string(rbac.RoleEditor)
	if req.Role != "" {
		if !rbac.Valid(req.Role) {
			return store.AdminUser{}, ErrInvalidRole
		}
		role = string(rbac.Normalize(req.Role))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.AdminUser{}, fmt.Errorf("hash password: %w", err)
	}
	user, err := s.store.CreateAdminUser(ctx, store.AdminUser{
		ID:           util.NewID("usr"),
		Email:        email,
		DisplayName:  name,
		PasswordHash: string(hash),
		Role:         role,
	})
	if err != nil {
		return store.AdminUser{}, err
	}
	return user, nil
}

type SignInRequest struct {
	Email    string
	Password string
}

// SignIn checks credentials and returns the active account.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.AdminUser, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		return store.AdminUser{}, ErrInvalidCredentials
	}

	user, err := s.store.GetAdminUserByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(req.Password))
		return store.AdminUser{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.AdminUser{}, fmt.Errorf("load admin user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.AdminUser{}, ErrInvalidCredentials
	}
	if user.DeactivatedAt != nil {
		return store.AdminUser{}, ErrInvalidCredentials
	}
	return user, nil
}

// ChangePassword replaces the password after re-checking the current one.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.store.GetAdminUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("load admin user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)); err != nil {
		return ErrInvalidCredentials
	}
	if len(next) < minPasswordLength {
		return ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.store.UpdateAdminPassword(ctx, userID, string(hash))
}
