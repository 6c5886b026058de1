package agent

import "errors"

var (
	// ErrNoSession indicates no live session exists for the given cookie.
	ErrNoSession = errors.New("no active session for cookie")
	// ErrLockedOut indicates the session has exhausted its retry budget and
	// refuses to forward further responses to the credential engine.
	ErrLockedOut = errors.New("maximum authentication retries exceeded")
	// ErrNotAwaitingResponse indicates a response was submitted while the
	// session was not in a state that accepts one.
	ErrNotAwaitingResponse = errors.New("session is not awaiting a response")
	// ErrAuthorityUnavailable indicates registration with the privilege
	// authority failed at startup.
	ErrAuthorityUnavailable = errors.New("authority registration failed")
)
