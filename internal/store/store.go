// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/prospector-labs/prospector/internal/domain"
)

// Repository defines the interface for persisting accounts, profiles, and
// per-account chat logs.
type Repository interface {
	// CreateAccount inserts a new account. Fails if the email is taken.
	CreateAccount(ctx context.Context, account *domain.Account) error

	// GetAccount retrieves an account by its opaque ID. Returns (nil, nil)
	// when the account does not exist.
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)

	// GetAccountByEmail retrieves an account by email. Returns (nil, nil)
	// when no account is registered under the address.
	GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error)

	// SetProfile stores the profile document for an account, replacing any
	// previous version.
	SetProfile(ctx context.Context, accountID string, profile domain.Profile) error

	// GetProfile retrieves the profile for an account. Returns a zero
	// profile when none has been stored.
	GetProfile(ctx context.Context, accountID string) (domain.Profile, error)

	// GetChatLog loads the full durable message log for an account in append
	// order. A missing log yields an empty slice, never an error.
	GetChatLog(ctx context.Context, accountID string) ([]domain.ChatMessage, error)

	// AppendChatMessage appends a message to the account's durable log with
	// set-union semantics: a message already present verbatim is not
	// appended again.
	AppendChatMessage(ctx context.Context, accountID string, msg domain.ChatMessage) error

	// EnsureChatSeeded creates the account's chat log with the given welcome
	// message if and only if no log exists yet. Idempotent.
	EnsureChatSeeded(ctx context.Context, accountID string, welcome domain.ChatMessage) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
