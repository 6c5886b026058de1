package agent

// Identity names a user the credential engine may authenticate as. The
// authority supplies one or more candidates per request; the agent converses
// with the first.
type Identity struct {
	Name string
	UID  uint32
}

// CredentialEngine abstracts the underlying challenge/response subsystem
// (PAM on a stock system). The engine is callback-driven: Start returns
// immediately and the engine delivers prompts, errors, and the final verdict
// through the ConversationEvents sink, always tagged with the session cookie
// so events from concurrent conversations cannot be confused.
//
// Engines must deliver events from their own goroutine, never synchronously
// from inside Start or Respond: the agent holds its transition lock across
// those calls.
type CredentialEngine interface {
	Start(identity Identity, cookie string, events ConversationEvents) (Conversation, error)
}

// Conversation is one live exchange with the credential engine, exclusively
// owned by the session that started it.
type Conversation interface {
	// Respond answers the most recent prompt.
	Respond(response string) error
	// Close abandons the conversation and releases its resources. Closing
	// an already-closed conversation is a no-op.
	Close() error
}

// ConversationEvents receives the credential engine's signals for one or
// more conversations. Every callback carries the cookie explicitly.
type ConversationEvents interface {
	// Prompt asks for input. echo reports whether the user's answer may be
	// displayed as typed.
	Prompt(cookie, request string, echo bool)
	// Info relays a non-fatal informational message from the engine.
	Info(cookie, text string)
	// ConversationError reports an unrecoverable engine-side failure. The
	// engine will not deliver further events for this conversation.
	ConversationError(cookie, text string)
	// Complete delivers the final verdict of the conversation.
	Complete(cookie string, success bool)
}

// Authority is the external privilege-decision service. Registering makes
// the agent the session's authentication prompter; thereafter the authority
// invokes InitiateAuthentication on the agent asynchronously, possibly
// concurrently for independent cookies.
type Authority interface {
	Register() error
	Unregister() error
}
