package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/bennypowers/quickshell-polkit-agent-sub000/agent"
	"github.com/bennypowers/quickshell-polkit-agent-sub000/security"
)

const (
	// DefaultSessionTimeout is the absolute ceiling on one client session.
	// Activity (authorization commands, heartbeats) resets it.
	DefaultSessionTimeout = 5 * time.Minute
	// DefaultHeartbeatTimeout disconnects a client that stops sending
	// heartbeats. Zero disables the check.
	DefaultHeartbeatTimeout = 60 * time.Second
	// heartbeatCheckInterval is how often the monitor looks at the clock.
	heartbeatCheckInterval = 5 * time.Second
	// maxLineBytes caps one inbound message line.
	maxLineBytes = 64 * 1024
)

// Server accepts exactly one local UI client over a unix socket and bridges
// it to the agent: inbound messages run the validation pipeline and are
// dispatched to the state machine; agent events are serialized to the
// client, or queued for replay while no client is connected.
type Server struct {
	agent  *agent.Agent
	sec    *security.Context
	audit  *security.Auditor
	logger *slog.Logger

	sessionTimeout    time.Duration
	heartbeatTimeout  time.Duration
	checkPeerCred     bool
	requireSignatures bool

	window        *messageWindow
	acceptLimiter *rate.Limiter

	mu            sync.Mutex
	ln            net.Listener
	client        net.Conn
	connVersion   int
	sessionStart  time.Time
	lastHeartbeat time.Time
	queue         *messageQueue

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger.With("component", "ipc") }
}

// WithAuditor sets the audit sink.
func WithAuditor(audit *security.Auditor) Option {
	return func(s *Server) { s.audit = audit }
}

// WithSessionTimeout overrides the absolute session ceiling.
func WithSessionTimeout(d time.Duration) Option {
	return func(s *Server) { s.sessionTimeout = d }
}

// WithHeartbeatTimeout overrides the heartbeat deadline; zero disables it.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(s *Server) { s.heartbeatTimeout = d }
}

// WithRateLimit overrides the per-second inbound message ceiling.
func WithRateLimit(perSecond int) Option {
	return func(s *Server) { s.window = newMessageWindow(rateLimitWindow, perSecond) }
}

// WithQueueSize overrides the outbound replay queue bound.
func WithQueueSize(n int) Option {
	return func(s *Server) { s.queue = newMessageQueue(n) }
}

// WithPeerCredCheck toggles the SO_PEERCRED same-uid gate. It is on by
// default; tests that dial from helper processes may turn it off.
func WithPeerCredCheck(enabled bool) Option {
	return func(s *Server) { s.checkPeerCred = enabled }
}

// WithRequireSignatures rejects unsigned inbound messages. By default a
// message without an hmac field is accepted; signed messages are always
// verified.
func WithRequireSignatures(required bool) Option {
	return func(s *Server) { s.requireSignatures = required }
}

// NewServer wires a protocol server to the agent and security context.
func NewServer(agt *agent.Agent, sec *security.Context, opts ...Option) *Server {
	s := &Server{
		agent:            agt,
		sec:              sec,
		sessionTimeout:   DefaultSessionTimeout,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		checkPeerCred:    true,
		window:           newMessageWindow(rateLimitWindow, DefaultMaxMessagesPerSecond),
		acceptLimiter:    rate.NewLimiter(rate.Limit(5), 10),
		queue:            newMessageQueue(DefaultQueueSize),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "ipc")
	}
	if s.audit == nil {
		s.audit = security.NewAuditor(s.logger, nil)
	}
	return s
}

// Start binds the unix socket and begins accepting. A stale socket file from
// a previous run is removed first.
func (s *Server) Start(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("binding ipc socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("ipc server listening", "path", socketPath)

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Close stops accepting, disconnects the current client, and waits for the
// server's goroutines to finish.
func (s *Server) Close() error {
	close(s.done)
	s.mu.Lock()
	ln := s.ln
	client := s.client
	s.client = nil
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	if client != nil {
		client.Close()
	}
	s.wg.Wait()
	return err
}

// ConnectionVersion reports the current connection counter.
func (s *Server) ConnectionVersion() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connVersion
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Warn("accept failed", "error", err)
			return
		}
		s.handleNewConnection(conn)
	}
}

func (s *Server) handleNewConnection(conn net.Conn) {
	if !s.acceptLimiter.Allow() {
		s.audit.Log(security.EventClientRejected, "connection flood", "BLOCKED")
		conn.Close()
		return
	}
	if s.checkPeerCred {
		if err := verifySameUID(conn); err != nil {
			s.audit.Log(security.EventClientRejected, err.Error(), "BLOCKED")
			s.logger.Warn("rejecting client", "reason", err)
			conn.Close()
			return
		}
	}

	s.mu.Lock()
	if s.client != nil {
		s.mu.Unlock()
		// Only one client at a time; a second connection is rejected
		// outright rather than queued.
		s.logger.Debug("rejecting additional client connection")
		s.audit.Log(security.EventClientRejected, "second concurrent client", "REJECTED")
		conn.Close()
		return
	}
	s.client = conn
	s.connVersion++
	version := s.connVersion
	now := time.Now()
	s.sessionStart = now
	s.lastHeartbeat = now
	s.window.reset()

	s.writeLocked(conn, welcomeMessage(version))
	for _, msg := range s.queue.drain() {
		s.writeLocked(conn, msg)
	}
	s.mu.Unlock()

	s.audit.Log(security.EventClientConnected, fmt.Sprintf("version=%d", version), "SUCCESS")

	s.wg.Add(1)
	go s.readLoop(conn)
	if s.heartbeatTimeout > 0 {
		s.wg.Add(1)
		go s.monitorHeartbeat(conn)
	}
}

func (s *Server) readLoop(conn net.Conn) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleRawMessage(conn, line)
	}
	s.dropClient(conn, "client disconnected")
}

func (s *Server) monitorHeartbeat(conn net.Conn) {
	defer s.wg.Done()
	ticker := time.NewTicker(heartbeatCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		current := s.client == conn
		silent := time.Since(s.lastHeartbeat)
		s.mu.Unlock()
		if !current {
			return
		}
		if silent > s.heartbeatTimeout {
			s.logger.Warn("client heartbeat timeout", "silent", silent.String())
			s.dropClient(conn, "heartbeat timeout")
			return
		}
	}
}

// dropClient disconnects conn if it is still the current client.
func (s *Server) dropClient(conn net.Conn, reason string) {
	s.mu.Lock()
	if s.client != conn {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.client = nil
	s.mu.Unlock()
	conn.Close()
	s.audit.Log(security.EventClientDisconnect, reason, "SUCCESS")
	s.logger.Debug("client connection cleaned up", "reason", reason)
}

// handleRawMessage runs the inbound pipeline in order, short-circuiting on
// the first failure: rate limit, session expiry, structural validation,
// optional message authentication, then dispatch.
func (s *Server) handleRawMessage(conn net.Conn, line []byte) {
	if !s.window.allow(time.Now()) {
		s.sendError("Rate limit exceeded")
		s.audit.Log(security.EventRateLimit, "client exceeded message rate limit", "BLOCKED")
		return
	}

	s.mu.Lock()
	expired := time.Since(s.sessionStart) > s.sessionTimeout
	s.mu.Unlock()
	if expired {
		s.audit.Log(security.EventSessionExpired, "client session timed out", "DISCONNECTED")
		s.sendError("Session timeout - please reconnect")
		s.dropClient(conn, "session expired")
		return
	}

	var msg map[string]any
	if err := json.Unmarshal(line, &msg); err != nil {
		s.logger.Warn("invalid json from client", "error", err)
		s.sendError("Invalid message: malformed JSON")
		s.audit.Log(security.EventValidationReject, "malformed JSON", "REJECTED")
		return
	}

	if res := ValidateMessage(msg); !res.Valid {
		s.logger.Warn("invalid message from client", "reason", res.Reason)
		s.sendError("Invalid message: " + res.Reason)
		s.audit.Log(security.EventValidationReject, res.Reason, "REJECTED")
		return
	}

	if _, signed := msg["hmac"]; signed {
		if err := s.sec.Verify(msg); err != nil {
			s.logger.Warn("message authentication failed", "error", err)
			s.sendError("Message authentication failed")
			s.audit.Log(security.EventHMACVerification, err.Error(), "FAILURE")
			return
		}
	} else if s.requireSignatures {
		s.sendError("Message authentication required")
		s.audit.Log(security.EventHMACVerification, "unsigned message rejected", "FAILURE")
		return
	}

	s.dispatch(msg)
}

func (s *Server) dispatch(msg map[string]any) {
	kind, _ := msg["type"].(string)
	switch kind {
	case MsgCheckAuthorization:
		actionID, _ := msg["action_id"].(string)
		details, _ := msg["details"].(string)
		s.audit.Log(security.EventAuthRequest, "action="+actionID, "PROCESSING")
		s.resetSessionTimeout()
		s.agent.CheckAuthorization(actionID, details)

	case MsgCancelAuthorization:
		cookie, _ := msg["cookie"].(string)
		if cookie != "" {
			if err := s.agent.Cancel(cookie); err != nil {
				// Cancelling a dead session is harmless.
				s.logger.Debug("cancel for inactive cookie", "cookie", cookie)
			}
			return
		}
		s.agent.CancelAll()

	case MsgSubmitAuth:
		cookie, _ := msg["cookie"].(string)
		response, _ := msg["response"].(string)
		s.audit.Log(security.EventAuthSubmit,
			fmt.Sprintf("response_length=%d", len(response)), "SUBMITTED")
		s.resetSessionTimeout()
		if err := s.agent.SubmitResponse(cookie, response); err != nil {
			switch {
			case errors.Is(err, agent.ErrLockedOut):
				// The agent already emitted the lockout error event.
			case errors.Is(err, agent.ErrNoSession):
				s.sendError("No active authentication session for cookie")
			default:
				s.sendError("Cannot accept response: " + err.Error())
			}
		}

	case MsgHeartbeat:
		now := time.Now()
		s.mu.Lock()
		s.lastHeartbeat = now
		s.sessionStart = now
		s.mu.Unlock()
		s.send(heartbeatAckMessage(now.UnixMilli()))
	}
}

func (s *Server) resetSessionTimeout() {
	s.mu.Lock()
	s.sessionStart = time.Now()
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Outbound delivery
// ---------------------------------------------------------------------------

// send delivers a message to the connected client, or queues it for replay
// if no client is connected.
func (s *Server) send(msg map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		s.queue.push(msg)
		return
	}
	s.writeLocked(s.client, msg)
}

func (s *Server) writeLocked(conn net.Conn, msg map[string]any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshaling outbound message", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		s.logger.Warn("writing to client", "error", err)
	}
}

func (s *Server) sendError(text string) {
	s.send(errorMessage(text))
}

// ---------------------------------------------------------------------------
// agent.Listener implementation
// ---------------------------------------------------------------------------

var _ agent.Listener = (*Server)(nil)

func (s *Server) ShowAuthDialog(actionID, message, iconName, cookie string) {
	s.send(showAuthDialogMessage(actionID, message, iconName, cookie))
}

func (s *Server) PasswordRequest(actionID, request string, echo bool, cookie string) {
	s.send(passwordRequestMessage(actionID, request, echo, cookie))
}

func (s *Server) AuthorizationResult(authorized bool, actionID string) {
	outcome := "DENIED"
	if authorized {
		outcome = "GRANTED"
	}
	s.audit.Log(security.EventAuthResult, "action="+actionID, outcome)
	s.send(authorizationResultMessage(authorized, actionID))
}

func (s *Server) AuthorizationError(errText string) {
	s.audit.Log(security.EventAuthError, fmt.Sprintf("error=%q", errText), "ERROR")
	s.send(authorizationErrorMessage(errText))
}

func (s *Server) AuthenticationError(cookie string, state agent.State, method agent.Method, defaultMessage, details string) {
	s.send(authenticationErrorMessage(cookie, state.String(), method.String(), defaultMessage, details))
}

func (s *Server) StateChanged(cookie string, state agent.State) {
	s.logger.Debug("session state", "cookie", cookie, "state", state.String())
}

func (s *Server) MethodChanged(cookie string, method agent.Method) {
	s.logger.Debug("session method", "cookie", cookie, "method", method.String())
}

func (s *Server) MethodFailed(cookie string, method agent.Method, reason string) {
	s.logger.Debug("session method failed", "cookie", cookie, "method", method.String(), "reason", reason)
}

// ---------------------------------------------------------------------------
// Peer credentials
// ---------------------------------------------------------------------------

// verifySameUID enforces that the connecting process runs as the same user
// as the agent, via SO_PEERCRED. The dialog client is untrusted, but it must
// at least be ours.
func verifySameUID(conn net.Conn) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("connection is not a unix socket")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return fmt.Errorf("accessing raw connection: %w", err)
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return fmt.Errorf("reading peer credentials: %w", err)
	}
	if credErr != nil {
		return fmt.Errorf("reading peer credentials: %w", credErr)
	}
	if int(cred.Uid) != os.Getuid() {
		return fmt.Errorf("peer uid %d does not match agent uid %d", cred.Uid, os.Getuid())
	}
	return nil
}
