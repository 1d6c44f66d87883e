// Package mail implements the outbound email side-effect dispatcher.
package mail

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoGrant is returned when no consent grant is available for the
// mail-send capability.
var ErrNoGrant = errors.New("mail: no active consent grant")

// GrantSource yields the scoped consent grant required before any mail can
// be sent. The grant is user-authorized out of band; this process only
// checks that one is active.
type GrantSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticGrant is a fixed token, used in tests and single-tenant deployments.
type StaticGrant string

// Token returns the fixed grant token.
func (g StaticGrant) Token(context.Context) (string, error) {
	if g == "" {
		return "", ErrNoGrant
	}
	return string(g), nil
}

// FileGrant reads the grant token from a file on every use, so a consent
// flow completing mid-session takes effect without a restart.
type FileGrant struct {
	Path string
}

// Token reads and trims the token file. A missing or empty file means the
// consent flow has not completed.
func (g FileGrant) Token(context.Context) (string, error) {
	data, err := os.ReadFile(g.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoGrant
		}
		return "", fmt.Errorf("read grant file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoGrant
	}
	return token, nil
}
