package auth

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrProviderDisabled = errors.New("auth provider not configured")

// Identity is a verified user from either a local or a provider token.
type Identity struct {
	UserID string
	Name   string
	Email  string
	Role   string
}

type providerClaims struct {
	Email        string         `json:"email"`
	Name         string         `json:"name"`
	Role         string         `json:"role"`
	UserMetadata map[string]any `json:"user_metadata"`
	jwt.RegisteredClaims
}

// ProviderVerifier checks session tokens minted by the hosted auth provider.
// Allow-listed emails are granted the admin role; everyone else gets viewer.
type ProviderVerifier struct {
	secret []byte
	admins map[string]bool
}

func NewProviderVerifier(secret string, adminEmails []string) *ProviderVerifier {
	admins := make(map[string]bool, len(adminEmails))
	for _, email := range adminEmails {
		admins[strings.ToLower(strings.TrimSpace(email))] = true
	}
	return &ProviderVerifier{secret: []byte(secret), admins: admins}
}

func (v *ProviderVerifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

func (v *ProviderVerifier) Verify(token string) (Identity, error) {
	if !v.Enabled() {
		return Identity{}, ErrProviderDisabled
	}
	var claims providerClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.Email == "" {
		return Identity{}, ErrInvalidToken
	}

	name := claims.Name
	if name == "" {
		if full, ok := claims.UserMetadata["full_name"].(string); ok {
			name = full
		}
	}
	if name == "" {
		name = claims.Email
	}

	role := "viewer"
	if v.admins[strings.ToLower(claims.Email)] {
		role = "admin"
	}
	return Identity{UserID: claims.Subject, Name: name, Email: claims.Email, Role: role}, nil
}
