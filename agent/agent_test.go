package agent

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bennypowers/quickshell-polkit-agent-sub000/presence"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeEngine records conversations and lets the test deliver engine events
// explicitly, after the agent call that caused them has returned.
type fakeEngine struct {
	mu       sync.Mutex
	events   ConversationEvents
	convs    []*fakeConversation
	startErr error
}

func (e *fakeEngine) Start(identity Identity, cookie string, events ConversationEvents) (Conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return nil, e.startErr
	}
	e.events = events
	conv := &fakeConversation{cookie: cookie}
	e.convs = append(e.convs, conv)
	return conv, nil
}

func (e *fakeEngine) current() *fakeConversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.convs[len(e.convs)-1]
}

func (e *fakeEngine) conversations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.convs)
}

func (e *fakeEngine) sink() ConversationEvents {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events
}

type fakeConversation struct {
	cookie string

	mu        sync.Mutex
	responses []string
	closed    bool
}

func (c *fakeConversation) Respond(response string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("conversation closed")
	}
	c.responses = append(c.responses, response)
	return nil
}

func (c *fakeConversation) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConversation) lastResponse() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responses) == 0 {
		return "", false
	}
	return c.responses[len(c.responses)-1], true
}

func (c *fakeConversation) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// recordingListener captures every agent event for assertions.
type recordingListener struct {
	NopListener

	mu            sync.Mutex
	states        []State
	methods       []Method
	methodFails   []string
	passwordReqs  int
	results       []bool
	authErrors    []string
	dialogCookies []string
}

func (l *recordingListener) ShowAuthDialog(actionID, message, iconName, cookie string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dialogCookies = append(l.dialogCookies, cookie)
}

func (l *recordingListener) PasswordRequest(actionID, request string, echo bool, cookie string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.passwordReqs++
}

func (l *recordingListener) AuthorizationResult(authorized bool, actionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, authorized)
}

func (l *recordingListener) StateChanged(cookie string, state State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, state)
}

func (l *recordingListener) MethodChanged(cookie string, method Method) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.methods = append(l.methods, method)
}

func (l *recordingListener) MethodFailed(cookie string, method Method, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.methodFails = append(l.methodFails, reason)
}

func (l *recordingListener) AuthenticationError(cookie string, state State, method Method, defaultMessage, details string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.authErrors = append(l.authErrors, defaultMessage)
}

func (l *recordingListener) stateHistory() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func (l *recordingListener) resultHistory() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.results...)
}

func (l *recordingListener) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.authErrors)
}

func (l *recordingListener) passwordRequestCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.passwordReqs
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	agent    *Agent
	engine   *fakeEngine
	listener *recordingListener
}

func newHarness(t *testing.T, keyPresent bool, opts ...Option) *harness {
	t.Helper()
	engine := &fakeEngine{}
	listener := &recordingListener{}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithKeyTimeout(30 * time.Millisecond), WithLogger(quiet)}, opts...)
	agt := New(engine, presence.Static{Val: keyPresent}, opts...)
	agt.SetListener(listener)
	return &harness{agent: agt, engine: engine, listener: listener}
}

func (h *harness) initiate(t *testing.T, cookie string) {
	t.Helper()
	identity := Identity{Name: "tester", UID: 1000}
	h.agent.InitiateAuthentication("org.example.run", "Authenticate", "", nil,
		cookie, []Identity{identity}, NewCompletion(nil))
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestAgent_PasswordSuccess(t *testing.T) {
	h := newHarness(t, false)
	h.initiate(t, "cookie-1")

	state, ok := h.agent.SessionState("cookie-1")
	require.True(t, ok)
	assert.Equal(t, StateInitiated, state)

	// First prompt with no key attached goes straight to the password path.
	h.engine.sink().Prompt("cookie-1", "Password:", false)
	state, _ = h.agent.SessionState("cookie-1")
	assert.Equal(t, StateWaitingForPassword, state)
	assert.Equal(t, 1, h.listener.passwordRequestCount())

	require.NoError(t, h.agent.SubmitResponse("cookie-1", "hunter2"))
	state, _ = h.agent.SessionState("cookie-1")
	assert.Equal(t, StateAuthenticating, state)
	resp, ok := h.engine.current().lastResponse()
	require.True(t, ok)
	assert.Equal(t, "hunter2", resp)

	h.engine.sink().Complete("cookie-1", true)

	assert.False(t, h.agent.HasActiveSessions(), "terminal session must be destroyed")
	assert.Equal(t, []bool{true}, h.listener.resultHistory())
	assert.Contains(t, h.listener.stateHistory(), StateCompleted)
}

func TestAgent_NoIdentities(t *testing.T) {
	h := newHarness(t, false)

	var result string
	done := make(chan struct{})
	completion := NewCompletion(func(authorized bool, reason string) {
		result = reason
		close(done)
	})
	h.agent.InitiateAuthentication("org.example.run", "", "", nil, "c", nil, completion)

	<-done
	assert.Equal(t, "no identities supplied", result)
	assert.False(t, h.agent.HasActiveSessions())
}

func TestAgent_DuplicateCookieRejected(t *testing.T) {
	h := newHarness(t, false)
	h.initiate(t, "dup")

	var rejected bool
	done := make(chan struct{})
	completion := NewCompletion(func(authorized bool, reason string) {
		rejected = !authorized
		close(done)
	})
	h.agent.InitiateAuthentication("org.example.other", "", "", nil, "dup",
		[]Identity{{Name: "tester", UID: 1000}}, completion)

	<-done
	assert.True(t, rejected)
	assert.Equal(t, 1, h.agent.ActiveSessions(), "original session survives")
}

func TestAgent_EngineStartFailure(t *testing.T) {
	h := newHarness(t, false)
	h.engine.startErr = errors.New("helper unavailable")
	h.initiate(t, "broken")

	assert.False(t, h.agent.HasActiveSessions())
	assert.Equal(t, []bool{false}, h.listener.resultHistory())
	assert.Contains(t, h.listener.stateHistory(), StateError)
}

// ---------------------------------------------------------------------------
// Security key arbitration
// ---------------------------------------------------------------------------

func TestAgent_KeyTimeoutFallsBackToPassword(t *testing.T) {
	h := newHarness(t, true)
	h.initiate(t, "key-1")

	h.engine.sink().Prompt("key-1", "Password:", false)
	state, _ := h.agent.SessionState("key-1")
	assert.Equal(t, StateTryingSecurityKey, state)
	method, _ := h.agent.SessionMethod("key-1")
	assert.Equal(t, MethodSecurityKey, method)

	// The passive attempt answers the prompt with an empty response.
	resp, ok := h.engine.current().lastResponse()
	require.True(t, ok)
	assert.Empty(t, resp)

	// Let the key timer fire.
	require.Eventually(t, func() bool {
		s, ok := h.agent.SessionState("key-1")
		return ok && s == StateWaitingForPassword
	}, time.Second, 5*time.Millisecond)

	method, _ = h.agent.SessionMethod("key-1")
	assert.Equal(t, MethodPassword, method)
	assert.Equal(t, 2, h.engine.conversations(), "fallback starts a fresh conversation")
	assert.GreaterOrEqual(t, h.listener.errorCount(), 1)
	count, _ := h.agent.RetryCount("key-1")
	assert.Zero(t, count, "a method failure is not a retry")
}

func TestAgent_KeyFailureBeforeTimeout(t *testing.T) {
	h := newHarness(t, true, WithKeyTimeout(time.Hour))
	h.initiate(t, "key-2")

	h.engine.sink().Prompt("key-2", "Password:", false)
	h.engine.sink().Complete("key-2", false)

	state, _ := h.agent.SessionState("key-2")
	assert.Equal(t, StateWaitingForPassword, state)
	count, _ := h.agent.RetryCount("key-2")
	assert.Zero(t, count)
}

func TestAgent_UserInputPreemptsKeyAttempt(t *testing.T) {
	h := newHarness(t, true, WithKeyTimeout(time.Hour))
	h.initiate(t, "key-3")

	h.engine.sink().Prompt("key-3", "Password:", false)
	state, _ := h.agent.SessionState("key-3")
	require.Equal(t, StateTryingSecurityKey, state)

	// A typed password wins over the pending key attempt.
	require.NoError(t, h.agent.SubmitResponse("key-3", "secret"))
	state, _ = h.agent.SessionState("key-3")
	assert.Equal(t, StateAuthenticating, state)
	method, _ := h.agent.SessionMethod("key-3")
	assert.Equal(t, MethodPassword, method)
	assert.Equal(t, 1, h.engine.conversations(), "same conversation carries the answer")

	h.engine.sink().Complete("key-3", true)
	assert.Equal(t, []bool{true}, h.listener.resultHistory())
}

func TestAgent_KeyAttemptedOnlyOnce(t *testing.T) {
	h := newHarness(t, true)
	h.initiate(t, "key-4")

	h.engine.sink().Prompt("key-4", "Password:", false)
	require.Eventually(t, func() bool {
		s, ok := h.agent.SessionState("key-4")
		return ok && s == StateWaitingForPassword
	}, time.Second, 5*time.Millisecond)

	// The fallback conversation prompts again; the key must not be retried
	// even though the detector still reports it present.
	h.engine.sink().Prompt("key-4", "Password:", false)
	state, _ := h.agent.SessionState("key-4")
	assert.Equal(t, StateWaitingForPassword, state)
	method, _ := h.agent.SessionMethod("key-4")
	assert.Equal(t, MethodPassword, method)
}

// ---------------------------------------------------------------------------
// Retries and lockout
// ---------------------------------------------------------------------------

func TestAgent_RetryUntilLockout(t *testing.T) {
	h := newHarness(t, false)
	h.initiate(t, "retry-1")
	h.engine.sink().Prompt("retry-1", "Password:", false)

	// Attempt 1 fails; the session stays retryable.
	require.NoError(t, h.agent.SubmitResponse("retry-1", "wrong"))
	h.engine.sink().Complete("retry-1", false)
	state, ok := h.agent.SessionState("retry-1")
	require.True(t, ok)
	assert.Equal(t, StateWaitingForPassword, state)
	count, _ := h.agent.RetryCount("retry-1")
	assert.Equal(t, 1, count)

	// A failed attempt ends its conversation; the next submission starts a
	// fresh one and replays the answer at its first prompt.
	require.NoError(t, h.agent.SubmitResponse("retry-1", "wrong"))
	h.engine.sink().Prompt("retry-1", "Password:", false)
	resp, ok := h.engine.current().lastResponse()
	require.True(t, ok)
	assert.Equal(t, "wrong", resp)
	h.engine.sink().Complete("retry-1", false)
	count, _ = h.agent.RetryCount("retry-1")
	assert.Equal(t, 2, count)

	// The final failure locks the session out and destroys it.
	require.NoError(t, h.agent.SubmitResponse("retry-1", "wrong"))
	h.engine.sink().Prompt("retry-1", "Password:", false)
	h.engine.sink().Complete("retry-1", false)
	assert.False(t, h.agent.HasActiveSessions())
	assert.Equal(t, []bool{false}, h.listener.resultHistory())
	assert.Contains(t, h.listener.stateHistory(), StateMaxRetriesExceeded)
}

func TestAgent_SubmissionAfterLockoutRejected(t *testing.T) {
	h := newHarness(t, false)
	h.initiate(t, "locked")
	h.engine.sink().Prompt("locked", "Password:", false)

	for i := 0; i < MaxRetries; i++ {
		require.NoError(t, h.agent.SubmitResponse("locked", "wrong"))
		if i > 0 {
			// Fresh conversation consumes the stored answer at its prompt.
			h.engine.sink().Prompt("locked", "Password:", false)
		}
		h.engine.sink().Complete("locked", false)
	}
	require.False(t, h.agent.HasActiveSessions())

	errsBefore := h.listener.errorCount()
	err := h.agent.SubmitResponse("locked", "late")
	assert.ErrorIs(t, err, ErrLockedOut)
	assert.Equal(t, errsBefore+1, h.listener.errorCount(),
		"late submission reports an error event instead of reaching the engine")
}

func TestAgent_RetryCountMonotonic(t *testing.T) {
	h := newHarness(t, false)
	h.initiate(t, "mono")
	h.engine.sink().Prompt("mono", "Password:", false)

	require.NoError(t, h.agent.SubmitResponse("mono", "a"))
	h.engine.sink().Complete("mono", false)
	first, _ := h.agent.RetryCount("mono")

	require.NoError(t, h.agent.SubmitResponse("mono", "b"))
	h.engine.sink().Prompt("mono", "Password:", false)
	h.engine.sink().Complete("mono", false)
	second, _ := h.agent.RetryCount("mono")

	assert.Greater(t, second, first)
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

func TestAgent_Cancel(t *testing.T) {
	h := newHarness(t, false)
	h.initiate(t, "cancel-1")
	h.engine.sink().Prompt("cancel-1", "Password:", false)

	conv := h.engine.current()
	require.NoError(t, h.agent.Cancel("cancel-1"))

	assert.True(t, conv.isClosed(), "cancel closes the engine conversation")
	assert.False(t, h.agent.HasActiveSessions())
	assert.Equal(t, []bool{false}, h.listener.resultHistory())
	assert.Contains(t, h.listener.stateHistory(), StateCancelled)
}

func TestAgent_CancelUnknownCookie(t *testing.T) {
	h := newHarness(t, false)
	assert.ErrorIs(t, h.agent.Cancel("ghost"), ErrNoSession)
}

func TestAgent_CancelIdempotent(t *testing.T) {
	h := newHarness(t, false)
	h.initiate(t, "twice")

	require.NoError(t, h.agent.Cancel("twice"))
	assert.ErrorIs(t, h.agent.Cancel("twice"), ErrNoSession)
	assert.Equal(t, []bool{false}, h.listener.resultHistory(), "only one result is emitted")
}

func TestAgent_CancelAll(t *testing.T) {
	h := newHarness(t, false)
	h.initiate(t, "a")
	h.initiate(t, "b")
	h.initiate(t, "c")
	require.Equal(t, 3, h.agent.ActiveSessions())

	h.agent.CancelAll()
	assert.False(t, h.agent.HasActiveSessions())
	assert.Equal(t, []bool{false, false, false}, h.listener.resultHistory())
}

// ---------------------------------------------------------------------------
// Independence and misc
// ---------------------------------------------------------------------------

func TestAgent_ConcurrentSessionsIndependent(t *testing.T) {
	h := newHarness(t, false)
	h.initiate(t, "s1")
	h.initiate(t, "s2")

	h.engine.sink().Prompt("s1", "Password:", false)
	h.engine.sink().Prompt("s2", "Password:", false)

	require.NoError(t, h.agent.SubmitResponse("s1", "pw1"))
	h.engine.sink().Complete("s1", true)

	// s2 is untouched by s1's completion.
	state, ok := h.agent.SessionState("s2")
	require.True(t, ok)
	assert.Equal(t, StateWaitingForPassword, state)
	assert.Equal(t, 1, h.agent.ActiveSessions())
}

func TestAgent_SubmitWithoutPrompt(t *testing.T) {
	h := newHarness(t, false)
	h.initiate(t, "early")

	err := h.agent.SubmitResponse("early", "too soon")
	assert.ErrorIs(t, err, ErrNotAwaitingResponse)

	err = h.agent.SubmitResponse("nobody", "x")
	assert.ErrorIs(t, err, ErrNoSession)

	h.agent.CancelAll()
}

func TestAgent_EventsForUnknownCookieIgnored(t *testing.T) {
	h := newHarness(t, false)
	h.initiate(t, "known")

	h.engine.sink().Prompt("unknown", "Password:", false)
	h.engine.sink().Complete("unknown", true)

	state, ok := h.agent.SessionState("known")
	require.True(t, ok)
	assert.Equal(t, StateInitiated, state)

	h.agent.CancelAll()
}

func TestAgent_ConversationError(t *testing.T) {
	h := newHarness(t, false)
	h.initiate(t, "err")
	h.engine.sink().Prompt("err", "Password:", false)

	h.engine.sink().ConversationError("err", "pam service unavailable")

	assert.False(t, h.agent.HasActiveSessions())
	assert.Contains(t, h.listener.stateHistory(), StateError)
	assert.Equal(t, []bool{false}, h.listener.resultHistory())
}

func TestAgent_TriggerAuthentication(t *testing.T) {
	h := newHarness(t, false)
	cookie := h.agent.TriggerAuthentication("org.example.test", "Test", "", "")
	require.NotEmpty(t, cookie)

	state, ok := h.agent.SessionState(cookie)
	require.True(t, ok)
	assert.Equal(t, StateInitiated, state)

	h.agent.CancelAll()
}

func TestState_Terminal(t *testing.T) {
	terminal := []State{StateCompleted, StateCancelled, StateError, StateMaxRetriesExceeded}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), s.String())
	}
	live := []State{StateIdle, StateInitiated, StateTryingSecurityKey,
		StateSecurityKeyFailed, StateWaitingForPassword, StateAuthenticating,
		StateAuthenticationFailed}
	for _, s := range live {
		assert.False(t, s.Terminal(), s.String())
	}
}

func TestDefaultErrorMessage(t *testing.T) {
	msg, ok := DefaultErrorMessage(StateAuthenticationFailed, MethodPassword)
	require.True(t, ok)
	assert.NotEmpty(t, msg)

	msg, ok = DefaultErrorMessage(StateMaxRetriesExceeded, MethodPassword)
	require.True(t, ok)
	assert.NotEmpty(t, msg)

	_, ok = DefaultErrorMessage(StateCompleted, MethodPassword)
	assert.False(t, ok, "non-error states have no default message")
}

func TestCompletion_ResolvesOnce(t *testing.T) {
	var calls int
	c := NewCompletion(func(authorized bool, reason string) { calls++ })
	c.Complete(true, "")
	c.Complete(false, "again")
	assert.Equal(t, 1, calls)
}
