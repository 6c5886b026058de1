package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bennypowers/quickshell-polkit-agent-sub000/agent"
)

// FileTransport is a fallback channel for environments where the UI cannot
// hold a socket open: the agent appends its events to a request file and
// watches a response file for the client's answers. Watching is fsnotify
// with a polling backstop, since some filesystems never deliver events.
// Responses run the same structural validation as socket messages.
type FileTransport struct {
	agent  *agent.Agent
	logger *slog.Logger

	requestPath  string
	responsePath string
	pollInterval time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFileTransport builds the transport rooted in dir; the zero dir resolves
// to the user runtime directory, falling back to a uid-keyed /tmp pair like
// the socket path does.
func NewFileTransport(agt *agent.Agent, dir string, logger *slog.Logger) *FileTransport {
	if dir == "" {
		if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
			dir = xdg
		} else {
			dir = os.TempDir()
		}
	}
	suffix := ""
	if os.Getenv("XDG_RUNTIME_DIR") == "" {
		suffix = fmt.Sprintf("-%d", os.Getuid())
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return &FileTransport{
		agent:        agt,
		logger:       logger.With("component", "fileipc"),
		requestPath:  filepath.Join(dir, "quickshell-polkit-requests"+suffix),
		responsePath: filepath.Join(dir, "quickshell-polkit-responses"+suffix),
		pollInterval: time.Second,
		done:         make(chan struct{}),
	}
}

// Start creates the exchange files and begins watching for responses.
func (t *FileTransport) Start() error {
	for _, path := range []string{t.requestPath, t.responsePath} {
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			return fmt.Errorf("creating exchange file %s: %w", path, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	if err := watcher.Add(t.responsePath); err != nil {
		watcher.Close()
		return fmt.Errorf("watching response file: %w", err)
	}
	t.watcher = watcher

	t.wg.Add(1)
	go t.watchLoop()
	return nil
}

// Close stops watching and removes the exchange files.
func (t *FileTransport) Close() error {
	close(t.done)
	err := t.watcher.Close()
	t.wg.Wait()
	os.Remove(t.requestPath)
	os.Remove(t.responsePath)
	return err
}

func (t *FileTransport) watchLoop() {
	defer t.wg.Done()
	poll := time.NewTicker(t.pollInterval)
	defer poll.Stop()
	for {
		select {
		case <-t.done:
			return
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				t.consumeResponses()
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("file watch error", "error", err)
		case <-poll.C:
			// fsnotify misses events on some filesystems; poll as backstop.
			t.consumeResponses()
		}
	}
}

// consumeResponses drains the response file line by line and truncates it.
// Messages are dispatched after the file lock is released: submitting a
// response drives agent callbacks straight back into writeRequest.
func (t *FileTransport) consumeResponses() {
	t.mu.Lock()
	var msgs []map[string]any
	f, err := os.Open(t.responsePath)
	if err != nil {
		t.mu.Unlock()
		return
	}
	sawData := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		sawData = true
		var msg map[string]any
		if err := json.Unmarshal(line, &msg); err != nil {
			t.logger.Warn("malformed response line", "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	f.Close()
	if sawData {
		if err := os.Truncate(t.responsePath, 0); err != nil {
			t.logger.Warn("truncating response file", "error", err)
		}
	}
	t.mu.Unlock()

	for _, msg := range msgs {
		t.handleResponse(msg)
	}
}

func (t *FileTransport) handleResponse(msg map[string]any) {
	if res := ValidateMessage(msg); !res.Valid {
		t.logger.Warn("invalid response message", "reason", res.Reason)
		return
	}
	kind, _ := msg["type"].(string)
	switch kind {
	case MsgSubmitAuth:
		cookie, _ := msg["cookie"].(string)
		response, _ := msg["response"].(string)
		if err := t.agent.SubmitResponse(cookie, response); err != nil {
			t.logger.Debug("response not accepted", "cookie", cookie, "error", err)
		}
	case MsgCancelAuthorization:
		cookie, _ := msg["cookie"].(string)
		if cookie != "" {
			_ = t.agent.Cancel(cookie)
			return
		}
		t.agent.CancelAll()
	}
}

// writeRequest appends one event line to the request file.
func (t *FileTransport) writeRequest(msg map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.requestPath, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.logger.Warn("opening request file", "error", err)
		return
	}
	defer f.Close()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		t.logger.Warn("writing request file", "error", err)
	}
}

// ---------------------------------------------------------------------------
// agent.Listener implementation (dialog and outcome events only)
// ---------------------------------------------------------------------------

var _ agent.Listener = (*FileTransport)(nil)

func (t *FileTransport) ShowAuthDialog(actionID, message, iconName, cookie string) {
	t.writeRequest(showAuthDialogMessage(actionID, message, iconName, cookie))
}

func (t *FileTransport) PasswordRequest(actionID, request string, echo bool, cookie string) {
	t.writeRequest(passwordRequestMessage(actionID, request, echo, cookie))
}

func (t *FileTransport) AuthorizationResult(authorized bool, actionID string) {
	t.writeRequest(authorizationResultMessage(authorized, actionID))
}

func (t *FileTransport) AuthorizationError(errText string) {
	t.writeRequest(authorizationErrorMessage(errText))
}

func (t *FileTransport) AuthenticationError(cookie string, state agent.State, method agent.Method, defaultMessage, details string) {
	t.writeRequest(authenticationErrorMessage(cookie, state.String(), method.String(), defaultMessage, details))
}

func (t *FileTransport) StateChanged(cookie string, state agent.State)          {}
func (t *FileTransport) MethodChanged(cookie string, method agent.Method)       {}
func (t *FileTransport) MethodFailed(cookie string, method agent.Method, reason string) {}
