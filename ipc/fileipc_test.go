package ipc

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bennypowers/quickshell-polkit-agent-sub000/agent"
	"github.com/bennypowers/quickshell-polkit-agent-sub000/presence"
)

func newFileTransport(t *testing.T) (*FileTransport, *agent.Agent) {
	t.Helper()
	agt := agent.New(scriptedEngine{}, presence.Static{Val: false},
		agent.WithLogger(quietLogger()))
	ft := NewFileTransport(agt, t.TempDir(), quietLogger())
	ft.pollInterval = 20 * time.Millisecond
	agt.SetListener(ft)
	require.NoError(t, ft.Start())
	t.Cleanup(func() {
		agt.CancelAll()
		ft.Close()
	})
	return ft, agt
}

// requestKinds parses the request file into its message types.
func requestKinds(t *testing.T, ft *FileTransport) []string {
	t.Helper()
	data, err := os.ReadFile(ft.requestPath)
	require.NoError(t, err)
	var kinds []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var msg map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &msg))
		kind, _ := msg["type"].(string)
		kinds = append(kinds, kind)
	}
	return kinds
}

func TestFileTransport_CreatesExchangeFiles(t *testing.T) {
	ft, _ := newFileTransport(t)

	_, err := os.Stat(ft.requestPath)
	assert.NoError(t, err)
	_, err = os.Stat(ft.responsePath)
	assert.NoError(t, err)
}

func TestFileTransport_WritesAgentEvents(t *testing.T) {
	ft, agt := newFileTransport(t)

	agt.TriggerAuthentication("org.example.run", "Authenticate", "", "file-1")

	require.Eventually(t, func() bool {
		kinds := requestKinds(t, ft)
		return len(kinds) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	kinds := requestKinds(t, ft)
	assert.Contains(t, kinds, MsgShowAuthDialog)
	assert.Contains(t, kinds, MsgPasswordRequest)
}

func TestFileTransport_ConsumesResponses(t *testing.T) {
	ft, agt := newFileTransport(t)

	cookie := agt.TriggerAuthentication("org.example.run", "", "", "")
	require.Eventually(t, func() bool {
		s, ok := agt.SessionState(cookie)
		return ok && s == agent.StateWaitingForPassword
	}, 2*time.Second, 10*time.Millisecond)

	line, err := json.Marshal(map[string]any{
		"type":     MsgSubmitAuth,
		"cookie":   cookie,
		"response": "sesame",
	})
	require.NoError(t, err)
	f, err := os.OpenFile(ft.responsePath, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.Write(append(line, '\n'))
	require.NoError(t, err)
	f.Close()

	// The transport picks the answer up, the engine grants, and the result
	// lands in the request file.
	require.Eventually(t, func() bool {
		for _, kind := range requestKinds(t, ft) {
			if kind == MsgAuthorizationResult {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, agt.HasActiveSessions())

	// Consumed responses are truncated away.
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(ft.responsePath)
		return err == nil && len(data) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFileTransport_CancelViaResponseFile(t *testing.T) {
	ft, agt := newFileTransport(t)

	cookie := agt.TriggerAuthentication("org.example.run", "", "", "")
	require.Eventually(t, func() bool {
		s, ok := agt.SessionState(cookie)
		return ok && s == agent.StateWaitingForPassword
	}, 2*time.Second, 10*time.Millisecond)

	line, err := json.Marshal(map[string]any{"type": MsgCancelAuthorization, "cookie": cookie})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ft.responsePath, append(line, '\n'), 0o600))

	require.Eventually(t, func() bool {
		return !agt.HasActiveSessions()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFileTransport_InvalidLinesIgnored(t *testing.T) {
	ft, agt := newFileTransport(t)

	require.NoError(t, os.WriteFile(ft.responsePath,
		[]byte("garbage\n{\"type\":\"launch_missiles\"}\n"), 0o600))

	// Invalid input is dropped without disturbing the agent.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, agt.HasActiveSessions())
}

func TestFileTransport_CloseRemovesFiles(t *testing.T) {
	agt := agent.New(scriptedEngine{}, presence.Static{Val: false},
		agent.WithLogger(quietLogger()))
	ft := NewFileTransport(agt, t.TempDir(), quietLogger())
	require.NoError(t, ft.Start())

	require.NoError(t, ft.Close())
	_, err := os.Stat(ft.requestPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(ft.responsePath)
	assert.True(t, os.IsNotExist(err))
}
