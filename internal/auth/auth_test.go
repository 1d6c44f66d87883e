package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prospector-labs/prospector/internal/store"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return NewProvider(repo, []byte("test-secret"))
}

func TestSignUpLoginVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t)
	ctx := context.Background()

	account, token, err := p.SignUp(ctx, "Ada@Example.com", "hunter2")
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if account.Email != "ada@example.com" {
		t.Fatalf("email not normalized: %q", account.Email)
	}
	if account.PasswordHash == "hunter2" {
		t.Fatal("password stored in the clear")
	}

	accountID, err := p.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if accountID != account.AccountID {
		t.Fatalf("token bound to wrong account: %q != %q", accountID, account.AccountID)
	}

	loggedIn, token2, err := p.Login(ctx, "ada@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if loggedIn.AccountID != account.AccountID {
		t.Fatal("login resolved a different account")
	}
	if _, err := p.Verify(token2); err != nil {
		t.Fatalf("Verify of login token failed: %v", err)
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t)
	ctx := context.Background()

	if _, _, err := p.SignUp(ctx, "ada@example.com", "pw"); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if _, _, err := p.SignUp(ctx, "ADA@example.com", "other"); !errors.Is(err, ErrEmailInUse) {
		t.Fatalf("expected ErrEmailInUse, got %v", err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t)
	ctx := context.Background()

	if _, _, err := p.SignUp(ctx, "ada@example.com", "correct"); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if _, _, err := p.Login(ctx, "ada@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := p.Login(ctx, "nobody@example.com", "pw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestVerifyRejectsForgedToken(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t)
	account, token, err := p.SignUp(context.Background(), "ada@example.com", "pw")
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}

	other := NewProvider(nil, []byte("different-secret"))
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken across secrets, got %v", err)
	}
	if _, err := p.Verify("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
	_ = account
}

func TestMiddlewareResolvesIdentity(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t)
	account, token, err := p.SignUp(context.Background(), "ada@example.com", "pw")
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}

	var seen string
	handler := Middleware(p)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = AccountIDFromContext(r.Context())
	}))

	// Bearer header.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != account.AccountID {
		t.Fatalf("bearer token not resolved: %q", seen)
	}

	// Session cookie.
	seen = ""
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != account.AccountID {
		t.Fatalf("cookie token not resolved: %q", seen)
	}

	// No token passes through unauthenticated.
	seen = "sentinel"
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "" {
		t.Fatalf("expected empty identity without token, got %q", seen)
	}

	// Invalid token also passes through unauthenticated.
	seen = "sentinel"
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "" {
		t.Fatalf("expected empty identity for invalid token, got %q", seen)
	}
}
