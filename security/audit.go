package security

import (
	"log/slog"
	"time"
)

// Event identifies the type of security-relevant action being audited.
type Event string

const (
	EventSecurityInit     Event = "security_init"
	EventClientConnected  Event = "client_connected"
	EventClientRejected   Event = "client_rejected"
	EventClientDisconnect Event = "client_disconnected"
	EventAuthRequest      Event = "auth_request"
	EventAuthSubmit       Event = "auth_submit"
	EventAuthCancel       Event = "auth_cancel"
	EventAuthResult       Event = "auth_result"
	EventAuthError        Event = "auth_error"
	EventRateLimit        Event = "rate_limit"
	EventValidationReject Event = "message_validation"
	EventSessionExpired   Event = "session_expired"
	EventHMACVerification Event = "hmac_verification"
	EventRetryLockout     Event = "retry_lockout"
)

// Auditor writes the append-only audit trail. Entries always go to the
// structured logger; when a Store is attached they are persisted as well.
// Auditor methods never fail the operation being audited: persistence
// errors are logged and swallowed.
type Auditor struct {
	logger *slog.Logger
	store  *Store
}

// NewAuditor wires an auditor to the given logger. Either argument may be
// nil: a nil logger falls back to slog's default, a nil store keeps the
// trail log-only.
func NewAuditor(logger *slog.Logger, store *Store) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger: logger.With("component", "audit"),
		store:  store,
	}
}

// Log records one audit event with free-form details and an outcome such as
// "SUCCESS", "REJECTED", or "BLOCKED".
func (a *Auditor) Log(event Event, details, outcome string) {
	a.logger.Info("audit",
		slog.String("event", string(event)),
		slog.String("details", details),
		slog.String("outcome", outcome),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	)
	if a.store == nil {
		return
	}
	if err := a.store.Append(Entry{
		Time:    time.Now().UTC(),
		Event:   event,
		Details: details,
		Outcome: outcome,
	}); err != nil {
		a.logger.Warn("audit trail append failed", "error", err)
	}
}
