package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prospector-labs/prospector/internal/domain"
	"github.com/prospector-labs/prospector/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	chatMu sync.Mutex // Serializes chat log read-modify-write cycles to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS accounts (
		account_id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS profiles (
		account_id TEXT PRIMARY KEY REFERENCES accounts(account_id),
		profile_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_logs (
		account_id TEXT PRIMARY KEY,
		messages_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateAccount inserts a new account record.
func (s *SQLiteStore) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
	INSERT INTO accounts (account_id, email, password_hash, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		account.AccountID, account.Email, account.PasswordHash,
		account.CreatedAt.Unix(), account.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by its ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT account_id, email, password_hash, created_at, updated_at
		 FROM accounts WHERE account_id = ?`, accountID))
}

// GetAccountByEmail retrieves an account by email.
func (s *SQLiteStore) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT account_id, email, password_hash, created_at, updated_at
		 FROM accounts WHERE email = ?`, email))
}

func (s *SQLiteStore) scanAccount(row *sql.Row) (*domain.Account, error) {
	var account domain.Account
	var createdAt, updatedAt int64

	err := row.Scan(&account.AccountID, &account.Email, &account.PasswordHash, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan account row: %w", err)
	}

	account.CreatedAt = time.Unix(createdAt, 0)
	account.UpdatedAt = time.Unix(updatedAt, 0)
	return &account, nil
}

// SetProfile stores the profile document for an account.
func (s *SQLiteStore) SetProfile(ctx context.Context, accountID string, profile domain.Profile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}

	query := `
	INSERT INTO profiles (account_id, profile_json, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(account_id) DO UPDATE SET
		profile_json = excluded.profile_json,
		updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, accountID, string(data), time.Now().Unix()); err != nil {
		return fmt.Errorf("set profile: %w", err)
	}
	return nil
}

// GetProfile retrieves the profile for an account.
func (s *SQLiteStore) GetProfile(ctx context.Context, accountID string) (domain.Profile, error) {
	var profileJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT profile_json FROM profiles WHERE account_id = ?`, accountID).Scan(&profileJSON)
	if err == sql.ErrNoRows {
		return domain.Profile{}, nil
	}
	if err != nil {
		return domain.Profile{}, fmt.Errorf("scan profile row: %w", err)
	}

	var profile domain.Profile
	if err := json.Unmarshal([]byte(profileJSON), &profile); err != nil {
		return domain.Profile{}, fmt.Errorf("unmarshal profile: %w", err)
	}
	return profile, nil
}

// GetChatLog loads the full durable message log for an account.
// A missing log document yields an empty slice.
func (s *SQLiteStore) GetChatLog(ctx context.Context, accountID string) ([]domain.ChatMessage, error) {
	var messagesJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT messages_json FROM chat_logs WHERE account_id = ?`, accountID).Scan(&messagesJSON)
	if err == sql.ErrNoRows {
		return []domain.ChatMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat log row: %w", err)
	}

	var messages []domain.ChatMessage
	if err := json.Unmarshal([]byte(messagesJSON), &messages); err != nil {
		return nil, fmt.Errorf("unmarshal chat log: %w", err)
	}
	if messages == nil {
		messages = []domain.ChatMessage{}
	}
	return messages, nil
}

// EnsureChatSeeded creates the chat log with the welcome message if no log
// exists yet. A second call for the same account is a no-op.
func (s *SQLiteStore) EnsureChatSeeded(ctx context.Context, accountID string, welcome domain.ChatMessage) error {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()

	data, err := json.Marshal([]domain.ChatMessage{welcome})
	if err != nil {
		return fmt.Errorf("marshal welcome message: %w", err)
	}

	now := time.Now().Unix()
	query := `
	INSERT INTO chat_logs (account_id, messages_json, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(account_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, accountID, string(data), now, now); err != nil {
		return fmt.Errorf("seed chat log: %w", err)
	}
	return nil
}

// AppendChatMessage appends a message to the account's durable log with
// set-union semantics. Retries once on SQLite concurrency errors.
func (s *SQLiteStore) AppendChatMessage(ctx context.Context, accountID string, msg domain.ChatMessage) error {
	err := s.appendChatMessageOnce(ctx, accountID, msg)
	if shared.IsSQLiteConflictError(err) {
		slog.Debug("AppendChatMessage hit SQLITE_BUSY, retrying", "account_id", accountID)
		time.Sleep(100 * time.Millisecond)
		err = s.appendChatMessageOnce(ctx, accountID, msg)
	}
	return err
}

func (s *SQLiteStore) appendChatMessageOnce(ctx context.Context, accountID string, msg domain.ChatMessage) error {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
			slog.Warn("failed to roll back append tx", "error", rollbackErr)
		}
	}()

	var messagesJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT messages_json FROM chat_logs WHERE account_id = ?`, accountID).Scan(&messagesJSON)

	now := time.Now().Unix()
	var messages []domain.ChatMessage
	switch {
	case err == sql.ErrNoRows:
		// No document yet. Appending to a missing log creates it, matching
		// the document store's append-to-array-field behavior.
		messages = []domain.ChatMessage{}
	case err != nil:
		return fmt.Errorf("read chat log: %w", err)
	default:
		if err := json.Unmarshal([]byte(messagesJSON), &messages); err != nil {
			return fmt.Errorf("unmarshal chat log: %w", err)
		}
	}

	for _, existing := range messages {
		if existing.Equal(msg) {
			return tx.Commit()
		}
	}
	messages = append(messages, msg)

	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal chat log: %w", err)
	}

	query := `
	INSERT INTO chat_logs (account_id, messages_json, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(account_id) DO UPDATE SET
		messages_json = excluded.messages_json,
		updated_at = excluded.updated_at`

	if _, err := tx.ExecContext(ctx, query, accountID, string(data), now, now); err != nil {
		return fmt.Errorf("write chat log: %w", err)
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
