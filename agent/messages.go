package agent

import (
	"fmt"
	"strings"
)

// DefaultErrorMessage returns the user-facing text for a session that ended
// up in an error-bearing (state, method) pair, and whether any message
// applies. The switch is a deliberate allow-list: states that are not
// user-facing errors return ("", false) explicitly, so a future state added
// without a message shows up as a missed case instead of a silent blank.
func DefaultErrorMessage(state State, method Method) (string, bool) {
	switch state {
	case StateAuthenticationFailed:
		switch method {
		case MethodSecurityKey:
			return "Security key authentication failed. Please try again.", true
		case MethodPassword:
			return "Incorrect password. Please try again.", true
		default:
			return "Authentication failed. Please try again.", true
		}
	case StateSecurityKeyFailed:
		return "Security key not detected. Enter your password to continue.", true
	case StateMaxRetriesExceeded:
		if method == MethodSecurityKey {
			return "Too many failed attempts with the security key. Try your password instead.", true
		}
		return "Too many failed attempts. Authentication is locked.", true
	case StateCancelled:
		return "Authentication was cancelled.", true
	case StateError:
		return "An error occurred during authentication. Please try again.", true
	case StateIdle, StateInitiated, StateTryingSecurityKey,
		StateWaitingForPassword, StateAuthenticating, StateCompleted:
		// Not user-facing errors.
		return "", false
	}
	return "", false
}

// friendlyActionText maps well-known action namespaces to text a person can
// act on. Unrecognized actions fall back to the authority's own message, or
// to a generic line naming the action.
func friendlyActionText(actionID, message string) string {
	prefixes := map[string]string{
		"org.freedesktop.systemd1.":       "Authentication is required to manage system services",
		"org.freedesktop.networkmanager.": "Authentication is required to change network settings",
		"org.freedesktop.udisks2.":        "Authentication is required to manage storage devices",
		"org.freedesktop.login1.":         "Authentication is required to manage this session",
		"org.freedesktop.packagekit.":     "Authentication is required to install or update software",
		"org.freedesktop.policykit.exec":  "Authentication is required to run a program as another user",
	}
	lower := strings.ToLower(actionID)
	for prefix, text := range prefixes {
		if strings.HasPrefix(lower, prefix) || lower == strings.TrimSuffix(prefix, ".") {
			return text
		}
	}
	if message != "" {
		return message
	}
	return fmt.Sprintf("Authentication required for %s", actionID)
}
