// Package ipc exposes the agent's state machine to one untrusted local UI
// client over a newline-delimited JSON protocol: validation, rate limiting,
// session expiry, and reconnect replay.
package ipc

// Client-to-server message kinds. Anything else is rejected by the
// validator.
const (
	MsgCheckAuthorization  = "check_authorization"
	MsgCancelAuthorization = "cancel_authorization"
	MsgSubmitAuth          = "submit_authentication"
	MsgHeartbeat           = "heartbeat"
)

// Server-to-client message kinds.
const (
	MsgWelcome             = "welcome"
	MsgShowAuthDialog      = "show_auth_dialog"
	MsgPasswordRequest     = "password_request"
	MsgAuthorizationResult = "authorization_result"
	MsgAuthorizationError  = "authorization_error"
	MsgAuthenticationError = "authentication_error"
	MsgHeartbeatAck        = "heartbeat_ack"
	MsgError               = "error"
)

// transientKinds are never queued for replay: they only matter to the
// connection they were produced for.
var transientKinds = map[string]bool{
	MsgWelcome:      true,
	MsgError:        true,
	MsgHeartbeatAck: true,
}

func welcomeMessage(version int) map[string]any {
	return map[string]any{
		"type":               MsgWelcome,
		"message":            "Connected to quickshell-polkit-agent",
		"connection_version": version,
	}
}

func errorMessage(text string) map[string]any {
	return map[string]any{"type": MsgError, "error": text}
}

func heartbeatAckMessage(timestamp int64) map[string]any {
	return map[string]any{"type": MsgHeartbeatAck, "timestamp": timestamp}
}

func showAuthDialogMessage(actionID, message, iconName, cookie string) map[string]any {
	return map[string]any{
		"type":      MsgShowAuthDialog,
		"action_id": actionID,
		"message":   message,
		"icon_name": iconName,
		"cookie":    cookie,
	}
}

func passwordRequestMessage(actionID, request string, echo bool, cookie string) map[string]any {
	return map[string]any{
		"type":      MsgPasswordRequest,
		"action_id": actionID,
		"request":   request,
		"echo":      echo,
		"cookie":    cookie,
	}
}

func authorizationResultMessage(authorized bool, actionID string) map[string]any {
	return map[string]any{
		"type":       MsgAuthorizationResult,
		"authorized": authorized,
		"action_id":  actionID,
	}
}

func authorizationErrorMessage(text string) map[string]any {
	return map[string]any{"type": MsgAuthorizationError, "error": text}
}

func authenticationErrorMessage(cookie, state, method, defaultMessage, details string) map[string]any {
	return map[string]any{
		"type":    MsgAuthenticationError,
		"cookie":  cookie,
		"state":   state,
		"method":  method,
		"message": defaultMessage,
		"details": details,
	}
}
