// Package auth provides the local identity provider and request identity
// resolution for the API layer.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prospector-labs/prospector/internal/domain"
	"github.com/prospector-labs/prospector/internal/store"
	"golang.org/x/crypto/bcrypt"
)

const tokenTTL = 7 * 24 * time.Hour

// Provider error codes. These surface verbatim to the caller; mapping them to
// user-facing text is the presentation layer's concern.
var (
	ErrEmailInUse         = errors.New("auth/email-already-in-use")
	ErrInvalidCredentials = errors.New("auth/invalid-credentials")
	ErrInvalidToken       = errors.New("auth/invalid-token")
)

// Provider implements sign-up, login, and token verification against the
// account store. Session tokens are signed JWTs carrying the opaque account
// ID as the subject.
type Provider struct {
	repo   store.Repository
	secret []byte
}

// NewProvider creates an identity provider backed by the given repository.
func NewProvider(repo store.Repository, secret []byte) *Provider {
	return &Provider{repo: repo, secret: secret}
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// SignUp registers a new account and returns it with a session token.
func (p *Provider) SignUp(ctx context.Context, email, password string) (*domain.Account, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, "", ErrInvalidCredentials
	}

	existing, err := p.repo.GetAccountByEmail(ctx, email)
	if err != nil {
		return nil, "", fmt.Errorf("look up account: %w", err)
	}
	if existing != nil {
		return nil, "", ErrEmailInUse
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	now := time.Now()
	account := &domain.Account{
		AccountID:    uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.repo.CreateAccount(ctx, account); err != nil {
		return nil, "", fmt.Errorf("create account: %w", err)
	}

	token, err := p.issueToken(account)
	if err != nil {
		return nil, "", err
	}
	return account, token, nil
}

// Login verifies credentials and returns the account with a session token.
func (p *Provider) Login(ctx context.Context, email, password string) (*domain.Account, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	account, err := p.repo.GetAccountByEmail(ctx, email)
	if err != nil {
		return nil, "", fmt.Errorf("look up account: %w", err)
	}
	if account == nil {
		return nil, "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := p.issueToken(account)
	if err != nil {
		return nil, "", err
	}
	return account, token, nil
}

func (p *Provider) issueToken(account *domain.Account) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.AccountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
		Email: account.Email,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses a session token and returns the account ID it is bound to.
func (p *Provider) Verify(tokenString string) (string, error) {
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
