package agent

// Listener receives the agent's user-facing events. The IPC server is the
// production listener; tests install their own. Callbacks are invoked with
// the agent's transition lock held, so events for one session arrive in
// exactly the order they were produced and a listener must not call back
// into the agent.
type Listener interface {
	// ShowAuthDialog asks the UI to present an authentication dialog.
	ShowAuthDialog(actionID, message, iconName, cookie string)
	// PasswordRequest asks the UI for a credential. echo reports whether
	// the input may be displayed as typed.
	PasswordRequest(actionID, request string, echo bool, cookie string)
	// AuthorizationResult delivers the final grant/deny for an action.
	AuthorizationResult(authorized bool, actionID string)
	// AuthorizationError reports a failure outside any session's normal flow.
	AuthorizationError(errText string)
	// StateChanged reports a session state transition.
	StateChanged(cookie string, state State)
	// MethodChanged reports the active factor for a session.
	MethodChanged(cookie string, method Method)
	// MethodFailed reports that a factor was abandoned (for example the
	// security key timing out) before the session itself concluded.
	MethodFailed(cookie string, method Method, reason string)
	// AuthenticationError carries a user-facing default message plus
	// technical details; the UI may show the default or substitute its own
	// per (state, method).
	AuthenticationError(cookie string, state State, method Method, defaultMessage, details string)
}

// NopListener discards every event. Embed it to implement only the
// callbacks a listener cares about.
type NopListener struct{}

func (NopListener) ShowAuthDialog(actionID, message, iconName, cookie string)       {}
func (NopListener) PasswordRequest(actionID, request string, echo bool, cookie string) {}
func (NopListener) AuthorizationResult(authorized bool, actionID string)            {}
func (NopListener) AuthorizationError(errText string)                               {}
func (NopListener) StateChanged(cookie string, state State)                         {}
func (NopListener) MethodChanged(cookie string, method Method)                      {}
func (NopListener) MethodFailed(cookie string, method Method, reason string)        {}
func (NopListener) AuthenticationError(cookie string, state State, method Method, defaultMessage, details string) {
}

var _ Listener = NopListener{}
