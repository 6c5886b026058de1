// Package pamhelper runs authentication conversations through the setuid
// polkit helper binary, speaking its PAM line protocol over stdin/stdout.
package pamhelper

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/bennypowers/quickshell-polkit-agent-sub000/agent"
)

// DefaultHelperPath is where distributions install the setuid helper.
const DefaultHelperPath = "/usr/lib/polkit-1/polkit-agent-helper-1"

// Engine launches one helper process per conversation.
type Engine struct {
	helperPath string
	logger     *slog.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithHelperPath overrides the helper binary location.
func WithHelperPath(path string) Option {
	return func(e *Engine) { e.helperPath = path }
}

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger.With("component", "pamhelper") }
}

// NewEngine builds an Engine with defaults suitable for a stock install.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		helperPath: DefaultHelperPath,
		logger:     slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "pamhelper"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ agent.CredentialEngine = (*Engine)(nil)

// Start spawns the helper for identity and begins pumping its protocol on a
// goroutine. The returned conversation feeds responses to the helper's stdin.
func (e *Engine) Start(identity agent.Identity, cookie string, events agent.ConversationEvents) (agent.Conversation, error) {
	cmd := exec.Command(e.helperPath, identity.Name, cookie)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", e.helperPath, err)
	}

	conv := &conversation{
		cmd:    cmd,
		stdin:  stdin,
		logger: e.logger.With("cookie", cookie),
	}
	go conv.pump(stdout, cookie, events)
	return conv, nil
}

// conversation wraps one running helper process.
type conversation struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ agent.Conversation = (*conversation)(nil)

// Respond writes one answer line to the helper.
func (c *conversation) Respond(response string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("conversation closed")
	}
	if _, err := io.WriteString(c.stdin, response+"\n"); err != nil {
		return fmt.Errorf("writing helper response: %w", err)
	}
	return nil
}

// Close kills the helper if it is still running. Idempotent.
func (c *conversation) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.stdin.Close()
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	return nil
}

// pump reads the helper's line protocol until it exits and translates each
// line into a conversation event. Runs on its own goroutine so events never
// arrive synchronously from Start or Respond.
func (c *conversation) pump(stdout io.Reader, cookie string, events agent.ConversationEvents) {
	scanner := bufio.NewScanner(stdout)
	verdictSeen := false
	for scanner.Scan() {
		line := scanner.Text()
		keyword, rest, _ := strings.Cut(line, " ")
		switch keyword {
		case "PAM_PROMPT_ECHO_OFF":
			events.Prompt(cookie, rest, false)
		case "PAM_PROMPT_ECHO_ON":
			events.Prompt(cookie, rest, true)
		case "PAM_ERROR_MSG":
			events.ConversationError(cookie, rest)
		case "PAM_TEXT_INFO":
			events.Info(cookie, rest)
		case "SUCCESS":
			verdictSeen = true
			events.Complete(cookie, true)
		case "FAILURE":
			verdictSeen = true
			events.Complete(cookie, false)
		default:
			c.logger.Debug("unrecognized helper line", "line", line)
		}
	}
	err := c.cmd.Wait()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	// A helper that dies without a verdict is a failed attempt, unless the
	// conversation was deliberately closed.
	if !verdictSeen && !closed {
		if err != nil {
			c.logger.Warn("helper exited without verdict", "error", err)
		}
		events.Complete(cookie, false)
	}
}
