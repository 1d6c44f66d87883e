package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prospector-labs/prospector/internal/channel"
	"github.com/prospector-labs/prospector/internal/convlog"
	"github.com/prospector-labs/prospector/internal/domain"
)

type appendCall struct {
	accountID string
	msg       domain.ChatMessage
}

// fakeRepo implements store.Repository for session tests.
type fakeRepo struct {
	mu        sync.Mutex
	durable   []domain.ChatMessage
	appends   []appendCall
	appendErr error
	seeded    int
	profile   domain.Profile
	appendCh  chan struct{}
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{appendCh: make(chan struct{}, 32)}
}

func (f *fakeRepo) CreateAccount(context.Context, *domain.Account) error { return nil }
func (f *fakeRepo) GetAccount(context.Context, string) (*domain.Account, error) {
	return nil, nil
}
func (f *fakeRepo) GetAccountByEmail(context.Context, string) (*domain.Account, error) {
	return nil, nil
}
func (f *fakeRepo) SetProfile(context.Context, string, domain.Profile) error { return nil }
func (f *fakeRepo) GetProfile(context.Context, string) (domain.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profile, nil
}

func (f *fakeRepo) GetChatLog(context.Context, string) ([]domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ChatMessage{}, f.durable...), nil
}

func (f *fakeRepo) AppendChatMessage(_ context.Context, accountID string, msg domain.ChatMessage) error {
	f.mu.Lock()
	err := f.appendErr
	if err == nil {
		f.durable = append(f.durable, msg)
		f.appends = append(f.appends, appendCall{accountID: accountID, msg: msg})
	}
	f.mu.Unlock()

	f.appendCh <- struct{}{}
	return err
}

func (f *fakeRepo) EnsureChatSeeded(_ context.Context, _ string, welcome domain.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeded++
	if len(f.durable) == 0 {
		f.durable = append(f.durable, welcome)
	}
	return nil
}

func (f *fakeRepo) Ping(context.Context) error { return nil }
func (f *fakeRepo) Close() error               { return nil }

func (f *fakeRepo) appendCalls() []appendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]appendCall{}, f.appends...)
}

// fakeChannel implements AgentChannel and records emissions.
type fakeChannel struct {
	mu     sync.Mutex
	opened int
	closed int
	inits  []domain.Profile
	inputs []string
}

func (f *fakeChannel) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return nil
}

func (f *fakeChannel) EmitInitialize(_ context.Context, profile domain.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits = append(f.inits, profile)
	return nil
}

func (f *fakeChannel) EmitUserInput(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, text)
	return nil
}

func (f *fakeChannel) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

type dispatchCall struct {
	accountID, to, subject, content string
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	done  chan struct{}
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{done: make(chan struct{}, 8)}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, accountID, to, subject, content string) {
	f.mu.Lock()
	f.calls = append(f.calls, dispatchCall{accountID, to, subject, content})
	f.mu.Unlock()
	f.done <- struct{}{}
}

func newTestSession(t *testing.T, repo *fakeRepo) (*Session, *fakeChannel) {
	t.Helper()

	ch := &fakeChannel{}
	mgr := NewManager(repo, newFakeDispatcher(), func(channel.Handler) AgentChannel {
		return ch
	}, convlog.Noop(), nil)

	s, err := mgr.Open(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s, ch
}

func waitForAppends(t *testing.T, repo *fakeRepo, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-repo.appendCh:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for durable append %d of %d", i+1, n)
		}
	}
}

func TestOpenSeedsAndLoadsDurableLog(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	s, ch := newTestSession(t, repo)

	if repo.seeded != 1 {
		t.Fatalf("expected exactly one seed call, got %d", repo.seeded)
	}
	if ch.opened != 1 {
		t.Fatalf("expected channel dialed once, got %d", ch.opened)
	}

	snapshot := s.Log().Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected seeded welcome message, got %d entries", len(snapshot))
	}
	if snapshot[0].Role != domain.RoleAgent || snapshot[0].Message != WelcomeText {
		t.Fatalf("unexpected seeded message: %+v", snapshot[0])
	}
}

func TestSendChatWithoutIdentityIsNoOp(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	s, ch := newTestSession(t, repo)
	before := s.Log().Len()

	s.Close() // clears the binding

	s.SendChat(context.Background(), "hello")

	if s.Log().Len() != before {
		t.Fatal("expected no local append without a bound identity")
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.inputs) != 0 || len(ch.inits) != 0 {
		t.Fatal("expected no emission without a bound identity")
	}
}

func TestSendChatAppendsAndForwards(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	s, ch := newTestSession(t, repo)

	s.SendChat(context.Background(), "hello agent")
	waitForAppends(t, repo, 1)

	snapshot := s.Log().Snapshot()
	last := snapshot[len(snapshot)-1]
	if last.Role != domain.RoleUser || last.Message != "hello agent" {
		t.Fatalf("unexpected last message: %+v", last)
	}

	calls := repo.appendCalls()
	if len(calls) != 1 || calls[0].accountID != "u1" || calls[0].msg.Message != "hello agent" {
		t.Fatalf("unexpected durable appends: %+v", calls)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.inits) != 0 {
		t.Fatal("regular text must not trigger the handshake")
	}
	if len(ch.inputs) != 1 || ch.inputs[0] != "hello agent" {
		t.Fatalf("expected one user_input emission, got %+v", ch.inputs)
	}
}

func TestStartTriggersHandshakeOnly(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.profile = domain.Profile{FirstName: "Ada", Company: "Analytical Engines"}
	s, ch := newTestSession(t, repo)

	s.SendChat(context.Background(), TriggerMessage)
	waitForAppends(t, repo, 1)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.inputs) != 0 {
		t.Fatalf("trigger message must not emit user_input, got %+v", ch.inputs)
	}
	if len(ch.inits) != 1 {
		t.Fatalf("expected exactly one initialize_agent emission, got %d", len(ch.inits))
	}
	if ch.inits[0].FirstName != "Ada" {
		t.Fatalf("handshake must carry the profile, got %+v", ch.inits[0])
	}

	// The user's own "start" entry still lands in the log.
	snapshot := s.Log().Snapshot()
	last := snapshot[len(snapshot)-1]
	if last.Role != domain.RoleUser || last.Message != TriggerMessage {
		t.Fatalf("expected the trigger message in the log, got %+v", last)
	}
}

func TestDurableAppendFailureDoesNotSurface(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	s, _ := newTestSession(t, repo)

	repo.mu.Lock()
	repo.appendErr = context.DeadlineExceeded
	repo.mu.Unlock()

	before := s.Log().Len()
	s.SendChat(context.Background(), "lost write")
	waitForAppends(t, repo, 1)

	// Local log keeps the message; nothing is rolled back.
	snapshot := s.Log().Snapshot()
	if len(snapshot) != before+1 {
		t.Fatalf("expected local append to survive durable failure, got %d entries", len(snapshot))
	}
	if snapshot[len(snapshot)-1].Message != "lost write" {
		t.Fatalf("unexpected last message: %+v", snapshot[len(snapshot)-1])
	}
}

func TestAgentOutputAppendsAfterPriorEntries(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	s, _ := newTestSession(t, repo)

	s.SendChat(context.Background(), "hi")
	s.AgentOutput("Hello")
	waitForAppends(t, repo, 2)

	snapshot := s.Log().Snapshot()
	last := snapshot[len(snapshot)-1]
	if last.Role != domain.RoleAgent || last.Message != "Hello" {
		t.Fatalf("unexpected last message: %+v", last)
	}
	if snapshot[len(snapshot)-2].Message != "hi" {
		t.Fatalf("agent reply must follow the user message, got %+v", snapshot)
	}
}

func TestAgentInitializedAppendsAcknowledgement(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	s, _ := newTestSession(t, repo)

	s.AgentInitialized()
	waitForAppends(t, repo, 1)

	snapshot := s.Log().Snapshot()
	last := snapshot[len(snapshot)-1]
	if last.Role != domain.RoleAgent || last.Message != ackText {
		t.Fatalf("expected acknowledgement message, got %+v", last)
	}
}

func TestSendEmailNeverTouchesTheLog(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	ch := &fakeChannel{}
	dispatcher := newFakeDispatcher()
	mgr := NewManager(repo, dispatcher, func(channel.Handler) AgentChannel {
		return ch
	}, convlog.Noop(), nil)

	s, err := mgr.Open(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	before := s.Log().Len()

	s.SendEmail(channel.EmailRequest{Email: "a@b.com", Subject: "S", Content: "C"})

	select {
	case <-dispatcher.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	if s.Log().Len() != before {
		t.Fatal("send_email must not append to the message log")
	}

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.calls) != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", len(dispatcher.calls))
	}
	call := dispatcher.calls[0]
	if call.accountID != "u1" || call.to != "a@b.com" || call.subject != "S" || call.content != "C" {
		t.Fatalf("unexpected dispatch payload: %+v", call)
	}
}

func TestAgentErrorKeepsSessionAlive(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	s, ch := newTestSession(t, repo)
	before := s.Log().Len()

	s.AgentError("agent exploded")
	s.Disconnected(context.Canceled)

	if s.Log().Len() != before {
		t.Fatal("error events must not append to the log")
	}

	// The session still accepts sends; the channel simply drops them once
	// disconnected, which the fake does not model.
	s.SendChat(context.Background(), "still here")
	waitForAppends(t, repo, 1)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.inputs) != 1 {
		t.Fatalf("expected send after error to go through, got %+v", ch.inputs)
	}
}

func TestManagerReturnsSameSessionWhileMounted(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	ch := &fakeChannel{}
	mgr := NewManager(repo, newFakeDispatcher(), func(channel.Handler) AgentChannel {
		return ch
	}, convlog.Noop(), nil)

	s1, err := mgr.Open(context.Background(), "u1")
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	s2, err := mgr.Open(context.Background(), "u1")
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected at most one live session per account")
	}

	mgr.Close("u1")
	if mgr.Get("u1") != nil {
		t.Fatal("expected session gone after close")
	}
	if ch.closed == 0 {
		t.Fatal("expected channel torn down on close")
	}
}

func TestCloseTearsDownChannelExactlyOnce(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	s, ch := newTestSession(t, repo)

	s.Close()
	s.Close()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed != 1 {
		t.Fatalf("expected exactly one channel close, got %d", ch.closed)
	}
}
