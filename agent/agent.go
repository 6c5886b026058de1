// Package agent implements the authentication session state machine behind
// a polkit-style privilege prompt: per-request session lifecycle, arbitration
// between a passive security-key factor and password fallback, retry and
// lockout policy, and the timers that race against user input.
package agent

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/bennypowers/quickshell-polkit-agent-sub000/presence"
	"github.com/bennypowers/quickshell-polkit-agent-sub000/security"
)

const (
	// MaxRetries is the number of failed password conversations allowed
	// before a session locks out.
	MaxRetries = 3
	// DefaultKeyTimeout is how long a passive security-key attempt may run
	// before the session falls back to the password.
	DefaultKeyTimeout = 15 * time.Second

	// lockoutMemory bounds how many locked-out cookies the agent remembers
	// in order to keep rejecting late submissions for them.
	lockoutMemory = 64
)

// Agent is the authentication state machine. All session mutation is
// serialized through one mutex, so events for a single session are applied
// strictly in the order the credential engine or caller produced them, while
// sessions for different cookies stay fully independent.
type Agent struct {
	mu       sync.Mutex
	engine   CredentialEngine
	detector presence.Detector
	listener Listener
	audit    *security.Auditor
	logger   *slog.Logger
	sessions *sessionStore

	keyTimeout time.Duration

	// lockedOut remembers recently locked-out cookies so a response
	// submitted after lockout is rejected instead of reaching the engine.
	lockedOut      map[string]struct{}
	lockedOutOrder []string

	// currentActionID is the last action a client asked about, used when a
	// failure must be reported outside any session.
	currentActionID string
}

// Option configures the Agent.
type Option func(*Agent)

// WithLogger sets the structured logger. Defaults to a JSON logger on stderr.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger.With("component", "agent") }
}

// WithAuditor sets the audit sink.
func WithAuditor(audit *security.Auditor) Option {
	return func(a *Agent) { a.audit = audit }
}

// WithKeyTimeout overrides the security-key timeout. Tests use short values.
func WithKeyTimeout(d time.Duration) Option {
	return func(a *Agent) { a.keyTimeout = d }
}

// New creates an agent over the given credential engine and reader detector.
func New(engine CredentialEngine, detector presence.Detector, opts ...Option) *Agent {
	a := &Agent{
		engine:     engine,
		detector:   detector,
		listener:   NopListener{},
		sessions:   newSessionStore(),
		keyTimeout: DefaultKeyTimeout,
		lockedOut:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "agent")
	}
	if a.audit == nil {
		a.audit = security.NewAuditor(a.logger, nil)
	}
	return a
}

// SetListener installs the event sink. Call before any session starts.
func (a *Agent) SetListener(l Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l == nil {
		l = NopListener{}
	}
	a.listener = l
}

// ---------------------------------------------------------------------------
// Authority-facing entry points
// ---------------------------------------------------------------------------

// InitiateAuthentication creates a session for one privilege request and
// starts the credential conversation. It is invoked by the authority, and by
// harnesses via TriggerAuthentication. completion must eventually be
// resolved; the agent guarantees it resolves exactly once.
func (a *Agent) InitiateAuthentication(actionID, message, iconName string, details map[string]string, cookie string, identities []Identity, completion *Completion) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if completion == nil {
		completion = NewCompletion(nil)
	}
	if cookie == "" {
		cookie = uuid.NewString()
	}
	if _, exists := a.sessions.get(cookie); exists {
		a.logger.Warn("duplicate authentication cookie", "cookie", cookie)
		completion.Complete(false, "duplicate session cookie")
		return
	}
	if len(identities) == 0 {
		completion.Complete(false, "no identities supplied")
		a.listener.AuthorizationError("authentication request carried no identities")
		return
	}
	delete(a.lockedOut, cookie)

	sess := &session{
		cookie:     cookie,
		actionID:   actionID,
		identity:   identities[0],
		state:      StateIdle,
		method:     MethodNone,
		completion: completion,
	}
	a.sessions.put(sess)
	a.currentActionID = actionID

	a.setStateLocked(sess, StateInitiated)
	a.listener.ShowAuthDialog(actionID, friendlyActionText(actionID, message), iconName, cookie)

	if err := a.startConversationLocked(sess); err != nil {
		a.failSessionLocked(sess, fmt.Sprintf("starting credential conversation: %v", err))
	}
}

// TriggerAuthentication initiates a session for the calling user without an
// authority, for harnesses and manual testing. It returns the cookie in use.
func (a *Agent) TriggerAuthentication(actionID, message, iconName, cookie string) string {
	if cookie == "" {
		cookie = uuid.NewString()
	}
	identity := Identity{Name: "root", UID: 0}
	if u, err := user.Current(); err == nil {
		identity.Name = u.Username
		if uid, err := strconv.ParseUint(u.Uid, 10, 32); err == nil {
			identity.UID = uint32(uid)
		}
	}
	a.InitiateAuthentication(actionID, message, iconName, nil, cookie, []Identity{identity}, NewCompletion(nil))
	return cookie
}

// CheckAuthorization handles a client's advisory authorization query. As an
// agent we do not decide authorization ourselves; the authority calls back
// into InitiateAuthentication when a challenge is needed. The dialog event
// keeps UIs that drive themselves from this call working.
func (a *Agent) CheckAuthorization(actionID, details string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentActionID = actionID
	a.listener.ShowAuthDialog(actionID, friendlyActionText(actionID, ""), "dialog-password", "")
}

// CancelAll cancels every live session. This is the authority's
// cancel-all contract and the behavior of an unscoped client cancel.
func (a *Agent) CancelAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, cookie := range a.sessions.cookies() {
		if sess, ok := a.sessions.get(cookie); ok {
			a.cancelSessionLocked(sess)
		}
	}
}

// Cancel cancels the session for one cookie. Cancelling a cookie with no
// live session is a safe no-op that reports ErrNoSession.
func (a *Agent) Cancel(cookie string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions.get(cookie)
	if !ok {
		return ErrNoSession
	}
	a.cancelSessionLocked(sess)
	return nil
}

// cancelSessionLocked tears down one session in the mandatory order: engine
// conversation first, then the key timer, then the authority promise, and
// only then the record itself.
func (a *Agent) cancelSessionLocked(sess *session) {
	a.cancelKeyTimeoutLocked(sess)
	if sess.conversation != nil {
		if err := sess.conversation.Close(); err != nil {
			a.logger.Warn("closing conversation on cancel", "cookie", sess.cookie, "error", err)
		}
		sess.conversation = nil
	}
	sess.completion.Complete(false, "Authentication cancelled")
	a.setStateLocked(sess, StateCancelled)
	a.audit.Log(security.EventAuthCancel, "action="+sess.actionID, "CANCELLED")
	a.listener.AuthorizationResult(false, sess.actionID)
	a.destroyLocked(sess)
}

// SubmitResponse forwards a caller-supplied answer to the session's
// conversation. Caller input always wins: a pending security-key attempt is
// torn down before the answer is honored.
func (a *Agent) SubmitResponse(cookie, response string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, locked := a.lockedOut[cookie]; locked {
		msg, _ := DefaultErrorMessage(StateMaxRetriesExceeded, MethodPassword)
		a.listener.AuthenticationError(cookie, StateMaxRetriesExceeded, MethodPassword, msg,
			"response submitted after lockout was not forwarded")
		a.audit.Log(security.EventRetryLockout, "cookie="+cookie, "REJECTED")
		return ErrLockedOut
	}

	sess, ok := a.sessions.get(cookie)
	if !ok {
		return ErrNoSession
	}

	switch sess.state {
	case StateTryingSecurityKey:
		// Manual input preempts the passive factor.
		a.cancelKeyTimeoutLocked(sess)
		a.setMethodLocked(sess, MethodPassword)
		a.setStateLocked(sess, StateAuthenticating)
		return a.respondLocked(sess, response)
	case StateWaitingForPassword:
		if sess.method != MethodPassword {
			a.setMethodLocked(sess, MethodPassword)
		}
		a.setStateLocked(sess, StateAuthenticating)
		return a.respondLocked(sess, response)
	default:
		return fmt.Errorf("%w: state %s", ErrNotAwaitingResponse, sess.state)
	}
}

// respondLocked delivers the answer, restarting the conversation first if
// the previous one was torn down after a failed attempt.
func (a *Agent) respondLocked(sess *session, response string) error {
	if sess.conversation == nil {
		sess.pendingResponse = response
		sess.hasPending = true
		if err := a.startConversationLocked(sess); err != nil {
			a.failSessionLocked(sess, fmt.Sprintf("restarting credential conversation: %v", err))
			return err
		}
		return nil
	}
	if err := sess.conversation.Respond(response); err != nil {
		a.failSessionLocked(sess, fmt.Sprintf("forwarding response: %v", err))
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// State inspection
// ---------------------------------------------------------------------------

// HasActiveSessions reports whether any session record is live.
func (a *Agent) HasActiveSessions() bool { return a.sessions.hasActive() }

// ActiveSessions reports the number of live session records.
func (a *Agent) ActiveSessions() int { return a.sessions.len() }

// SessionState reports the state of the session for cookie.
func (a *Agent) SessionState(cookie string) (State, bool) {
	sess, ok := a.sessions.get(cookie)
	if !ok {
		return StateIdle, false
	}
	return sess.state, true
}

// SessionMethod reports the active factor for cookie.
func (a *Agent) SessionMethod(cookie string) (Method, bool) {
	sess, ok := a.sessions.get(cookie)
	if !ok {
		return MethodNone, false
	}
	return sess.method, true
}

// RetryCount reports the failed-attempt count for cookie.
func (a *Agent) RetryCount(cookie string) (int, bool) {
	sess, ok := a.sessions.get(cookie)
	if !ok {
		return 0, false
	}
	return sess.retryCount, true
}

// ---------------------------------------------------------------------------
// Engine event handling
// ---------------------------------------------------------------------------

// engineSink adapts the agent to the ConversationEvents interface without
// exposing the callbacks on the Agent API.
type engineSink struct{ a *Agent }

func (s engineSink) Prompt(cookie, request string, echo bool) { s.a.onPrompt(cookie, request, echo) }
func (s engineSink) Info(cookie, text string)                 { s.a.onInfo(cookie, text) }
func (s engineSink) ConversationError(cookie, text string)    { s.a.onConversationError(cookie, text) }
func (s engineSink) Complete(cookie string, success bool)     { s.a.onComplete(cookie, success) }

func (a *Agent) startConversationLocked(sess *session) error {
	conv, err := a.engine.Start(sess.identity, sess.cookie, engineSink{a})
	if err != nil {
		return err
	}
	sess.conversation = conv
	return nil
}

// onPrompt is the method arbiter's decision point: the first input request
// of a session chooses between the passive security-key attempt and the
// password path.
func (a *Agent) onPrompt(cookie, request string, echo bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, ok := a.sessions.get(cookie)
	if !ok {
		a.logger.Debug("prompt for unknown cookie", "cookie", cookie)
		return
	}

	if sess.hasPending {
		// A fresh conversation after a failed attempt: feed the stored
		// answer straight through.
		response := sess.pendingResponse
		sess.pendingResponse = ""
		sess.hasPending = false
		if err := sess.conversation.Respond(response); err != nil {
			a.failSessionLocked(sess, fmt.Sprintf("forwarding response: %v", err))
		}
		return
	}

	switch sess.state {
	case StateInitiated, StateSecurityKeyFailed:
		if a.detector.Present() && !sess.keyAttempted {
			sess.keyAttempted = true
			a.setMethodLocked(sess, MethodSecurityKey)
			a.setStateLocked(sess, StateTryingSecurityKey)
			a.startKeyTimeoutLocked(sess)
			// Empty response is the convention that lets the passive
			// factor proceed.
			if err := sess.conversation.Respond(""); err != nil {
				a.failSessionLocked(sess, fmt.Sprintf("starting security key attempt: %v", err))
			}
			return
		}
		a.setMethodLocked(sess, MethodPassword)
		a.setStateLocked(sess, StateWaitingForPassword)
		a.listener.PasswordRequest(sess.actionID, request, echo, cookie)
	case StateTryingSecurityKey:
		// Engine asked again mid-attempt: keep the attempt alive.
		if sess.keyTimer == nil {
			a.startKeyTimeoutLocked(sess)
		}
		if err := sess.conversation.Respond(""); err != nil {
			a.failSessionLocked(sess, fmt.Sprintf("continuing security key attempt: %v", err))
		}
	case StateWaitingForPassword:
		a.listener.PasswordRequest(sess.actionID, request, echo, cookie)
	case StateAuthenticating:
		// The engine wants another round (for example a second PAM factor).
		a.setStateLocked(sess, StateWaitingForPassword)
		a.listener.PasswordRequest(sess.actionID, request, echo, cookie)
	default:
		a.logger.Debug("prompt ignored in state", "cookie", cookie, "state", sess.state.String())
	}
}

func (a *Agent) onInfo(cookie, text string) {
	a.logger.Info("credential engine info", "cookie", cookie, "text", text)
}

func (a *Agent) onConversationError(cookie, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, ok := a.sessions.get(cookie)
	if !ok {
		a.logger.Warn("conversation error for unknown cookie", "cookie", cookie, "error", text)
		return
	}
	a.failSessionLocked(sess, text)
}

func (a *Agent) onComplete(cookie string, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, ok := a.sessions.get(cookie)
	if !ok {
		a.logger.Debug("completion for unknown cookie", "cookie", cookie)
		return
	}

	if success {
		a.cancelKeyTimeoutLocked(sess)
		a.setStateLocked(sess, StateCompleted)
		sess.completion.Complete(true, "")
		a.audit.Log(security.EventAuthResult, "action="+sess.actionID, "GRANTED")
		a.listener.AuthorizationResult(true, sess.actionID)
		a.destroyLocked(sess)
		return
	}

	if sess.state == StateTryingSecurityKey {
		// The engine gave up on the passive factor before the timeout.
		// That is a method failure, not a retry.
		a.cancelKeyTimeoutLocked(sess)
		a.fallBackToPasswordLocked(sess, "security key authentication failed")
		return
	}

	sess.retryCount++
	if sess.retryCount >= MaxRetries {
		a.setStateLocked(sess, StateMaxRetriesExceeded)
		msg, _ := DefaultErrorMessage(StateMaxRetriesExceeded, sess.method)
		a.listener.AuthenticationError(cookie, StateMaxRetriesExceeded, sess.method, msg,
			fmt.Sprintf("authentication failed after %d attempts", sess.retryCount))
		sess.completion.Complete(false, "Too many failed authentication attempts")
		a.audit.Log(security.EventRetryLockout,
			fmt.Sprintf("action=%s retries=%d", sess.actionID, sess.retryCount), "LOCKED")
		a.listener.AuthorizationResult(false, sess.actionID)
		a.rememberLockoutLocked(cookie)
		a.destroyLocked(sess)
		return
	}

	a.setStateLocked(sess, StateAuthenticationFailed)
	msg, _ := DefaultErrorMessage(StateAuthenticationFailed, sess.method)
	a.listener.AuthenticationError(cookie, StateAuthenticationFailed, sess.method, msg,
		"credential engine rejected the response")
	a.audit.Log(security.EventAuthResult,
		fmt.Sprintf("action=%s retries=%d", sess.actionID, sess.retryCount), "RETRY")
	// The conversation ended with the failed attempt; a fresh one starts
	// with the next submission.
	if sess.conversation != nil {
		if err := sess.conversation.Close(); err != nil {
			a.logger.Warn("closing conversation after failure", "cookie", cookie, "error", err)
		}
		sess.conversation = nil
	}
	a.setStateLocked(sess, StateWaitingForPassword)
}

// ---------------------------------------------------------------------------
// Security-key timeout
// ---------------------------------------------------------------------------

func (a *Agent) startKeyTimeoutLocked(sess *session) {
	cookie := sess.cookie
	sess.keyTimer = time.AfterFunc(a.keyTimeout, func() { a.onKeyTimeout(cookie) })
}

func (a *Agent) cancelKeyTimeoutLocked(sess *session) {
	if sess.keyTimer != nil {
		sess.keyTimer.Stop()
		sess.keyTimer = nil
	}
}

func (a *Agent) onKeyTimeout(cookie string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, ok := a.sessions.get(cookie)
	if !ok || sess.state != StateTryingSecurityKey {
		// The session moved on before the timer fired.
		return
	}
	sess.keyTimer = nil
	a.fallBackToPasswordLocked(sess, "security key timeout")
}

// fallBackToPasswordLocked abandons the security-key attempt and restarts
// the conversation on the password path.
func (a *Agent) fallBackToPasswordLocked(sess *session, reason string) {
	a.listener.MethodFailed(sess.cookie, MethodSecurityKey, reason)
	a.setStateLocked(sess, StateSecurityKeyFailed)
	msg, _ := DefaultErrorMessage(StateSecurityKeyFailed, MethodSecurityKey)
	a.listener.AuthenticationError(sess.cookie, StateSecurityKeyFailed, MethodSecurityKey, msg, reason)

	if sess.conversation != nil {
		if err := sess.conversation.Close(); err != nil {
			a.logger.Warn("closing security key conversation", "cookie", sess.cookie, "error", err)
		}
		sess.conversation = nil
	}

	a.setMethodLocked(sess, MethodPassword)
	a.setStateLocked(sess, StateWaitingForPassword)
	if err := a.startConversationLocked(sess); err != nil {
		a.failSessionLocked(sess, fmt.Sprintf("restarting conversation for password: %v", err))
	}
}

// ---------------------------------------------------------------------------
// Transition plumbing
// ---------------------------------------------------------------------------

func (a *Agent) setStateLocked(sess *session, next State) {
	if sess.state == next {
		return
	}
	a.logger.Debug("state transition",
		"cookie", sess.cookie, "from", sess.state.String(), "to", next.String())
	sess.state = next
	a.listener.StateChanged(sess.cookie, next)
}

func (a *Agent) setMethodLocked(sess *session, method Method) {
	if sess.method == method {
		return
	}
	sess.method = method
	a.listener.MethodChanged(sess.cookie, method)
}

// failSessionLocked drives a session to the terminal Error state: one
// user-facing event, one negative completion, then teardown.
func (a *Agent) failSessionLocked(sess *session, details string) {
	a.cancelKeyTimeoutLocked(sess)
	a.setStateLocked(sess, StateError)
	msg, _ := DefaultErrorMessage(StateError, sess.method)
	a.listener.AuthenticationError(sess.cookie, StateError, sess.method, msg, details)
	sess.completion.Complete(false, "Session error: "+details)
	a.audit.Log(security.EventAuthError,
		fmt.Sprintf("action=%s error=%q", sess.actionID, details), "ERROR")
	a.listener.AuthorizationResult(false, sess.actionID)
	a.destroyLocked(sess)
}

// destroyLocked removes the record and releases everything it owns. The
// completion backstop is safe: resolution is once-only, so paths that
// already completed are unaffected.
func (a *Agent) destroyLocked(sess *session) {
	var err error
	a.cancelKeyTimeoutLocked(sess)
	if sess.conversation != nil {
		err = multierr.Append(err, sess.conversation.Close())
		sess.conversation = nil
	}
	sess.completion.Complete(false, "session destroyed")
	a.sessions.delete(sess.cookie)
	if err != nil {
		a.logger.Warn("session teardown", "cookie", sess.cookie, "error", err)
	}
}

func (a *Agent) rememberLockoutLocked(cookie string) {
	if _, ok := a.lockedOut[cookie]; ok {
		return
	}
	a.lockedOut[cookie] = struct{}{}
	a.lockedOutOrder = append(a.lockedOutOrder, cookie)
	if len(a.lockedOutOrder) > lockoutMemory {
		oldest := a.lockedOutOrder[0]
		a.lockedOutOrder = a.lockedOutOrder[1:]
		delete(a.lockedOut, oldest)
	}
}
