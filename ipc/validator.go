package ipc

import (
	"fmt"
	"strings"
)

// Field length ceilings. Oversized fields are rejected before they reach
// the state machine, as a memory-exhaustion control.
const (
	MaxStringLength   = 4096
	MaxActionIDLength = 256
	MaxCookieLength   = 128
	// MaxResponseLength covers passwords and security-key assertions.
	MaxResponseLength = 8192
)

// ValidationResult is the outcome of validating one inbound message.
type ValidationResult struct {
	Valid  bool
	Reason string
}

func validationOK() ValidationResult {
	return ValidationResult{Valid: true}
}

func validationFailure(format string, args ...any) ValidationResult {
	return ValidationResult{Valid: false, Reason: fmt.Sprintf(format, args...)}
}

// ValidateMessage structurally validates an untrusted inbound message. It is
// pure: it never mutates the message and never partially applies one. A
// failure returns a human-readable reason.
func ValidateMessage(msg map[string]any) ValidationResult {
	kind, ok := msg["type"].(string)
	if !ok {
		if _, present := msg["type"]; !present {
			return validationFailure("missing required field: type")
		}
		return validationFailure("field 'type' must be a string")
	}

	switch kind {
	case MsgCheckAuthorization:
		return validateCheckAuthorization(msg)
	case MsgCancelAuthorization:
		return validateCancelAuthorization(msg)
	case MsgSubmitAuth:
		return validateSubmitAuthentication(msg)
	case MsgHeartbeat:
		return validateHeartbeat(msg)
	}
	return validationFailure("invalid message type: %s", kind)
}

func validateCheckAuthorization(msg map[string]any) ValidationResult {
	if res := validateStringField(msg, "action_id", true, MaxActionIDLength); !res.Valid {
		return res
	}
	if res := validateStringField(msg, "details", false, MaxStringLength); !res.Valid {
		return res
	}

	actionID, _ := msg["action_id"].(string)
	if actionID == "" {
		return validationFailure("action_id cannot be empty")
	}
	// Action IDs are reverse-DNS by convention: org.example.action.
	if !strings.ContainsRune(actionID, '.') {
		return validationFailure("action_id must contain at least one dot (reverse DNS format)")
	}
	return validationOK()
}

// validateCancelAuthorization is deliberately strict: any field outside the
// allowed set rejects the message, so client/protocol drift surfaces early
// instead of silently widening the cancel contract.
func validateCancelAuthorization(msg map[string]any) ValidationResult {
	allowed := map[string]bool{"type": true, "cookie": true, "hmac": true, "timestamp": true}
	for key := range msg {
		if !allowed[key] {
			return validationFailure("unexpected field in cancel_authorization: %s", key)
		}
	}
	if _, present := msg["cookie"]; present {
		if res := validateStringField(msg, "cookie", false, MaxCookieLength); !res.Valid {
			return res
		}
		cookie, _ := msg["cookie"].(string)
		if !validCookieCharset(cookie) {
			return validationFailure("cookie contains invalid characters")
		}
	}
	return validationOK()
}

func validateSubmitAuthentication(msg map[string]any) ValidationResult {
	if res := validateStringField(msg, "cookie", true, MaxCookieLength); !res.Valid {
		return res
	}
	if res := validateStringField(msg, "response", true, MaxResponseLength); !res.Valid {
		return res
	}

	cookie, _ := msg["cookie"].(string)
	if cookie == "" {
		return validationFailure("cookie cannot be empty")
	}
	if !validCookieCharset(cookie) {
		return validationFailure("cookie contains invalid characters")
	}
	return validationOK()
}

func validateHeartbeat(msg map[string]any) ValidationResult {
	if ts, present := msg["timestamp"]; present {
		switch ts.(type) {
		case float64, int64:
		default:
			return validationFailure("field timestamp must be a number")
		}
	}
	return validationOK()
}

func validateStringField(msg map[string]any, key string, required bool, maxLength int) ValidationResult {
	value, present := msg[key]
	if !present {
		if required {
			return validationFailure("missing required field: %s", key)
		}
		return validationOK()
	}
	str, ok := value.(string)
	if !ok {
		return validationFailure("field %s must be a string", key)
	}
	if len(str) > maxLength {
		return validationFailure("field %s exceeds maximum length of %d characters", key, maxLength)
	}
	return validationOK()
}

// validCookieCharset restricts session cookies to alphanumerics plus '-'
// and '_', so a cookie can never smuggle structure into logs or lookups.
func validCookieCharset(cookie string) bool {
	for _, c := range cookie {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
