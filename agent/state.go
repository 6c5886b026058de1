package agent

// State is the position of one authentication session in its lifecycle.
//
// Idle is both the conceptual start (no session exists yet) and the rest
// point after cleanup; every other state exists only for the lifetime of
// a single session record.
type State int

const (
	StateIdle State = iota
	StateInitiated
	StateTryingSecurityKey
	StateSecurityKeyFailed
	StateWaitingForPassword
	StateAuthenticating
	StateAuthenticationFailed
	StateMaxRetriesExceeded
	StateCompleted
	StateCancelled
	StateError
)

// Terminal reports whether the session record is destroyed on reaching s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateMaxRetriesExceeded, StateCancelled, StateError:
		return true
	}
	return false
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiated:
		return "initiated"
	case StateTryingSecurityKey:
		return "trying_security_key"
	case StateSecurityKeyFailed:
		return "security_key_failed"
	case StateWaitingForPassword:
		return "waiting_for_password"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticationFailed:
		return "authentication_failed"
	case StateMaxRetriesExceeded:
		return "max_retries_exceeded"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Method is the authentication factor currently driving a session. It is
// kept separate from State because the UI needs it independently: the same
// state can be reached via the security key or via the password, and the
// two deserve different messaging.
type Method int

const (
	MethodNone Method = iota
	MethodSecurityKey
	MethodPassword
)

func (m Method) String() string {
	switch m {
	case MethodNone:
		return "none"
	case MethodSecurityKey:
		return "security_key"
	case MethodPassword:
		return "password"
	}
	return "unknown"
}
