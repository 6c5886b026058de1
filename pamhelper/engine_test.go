package pamhelper

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bennypowers/quickshell-polkit-agent-sub000/agent"
)

// eventRecorder collects conversation events on channels so tests can wait
// for them without polling.
type eventRecorder struct {
	prompts  chan string
	infos    chan string
	errs     chan string
	verdicts chan bool
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		prompts:  make(chan string, 4),
		infos:    make(chan string, 4),
		errs:     make(chan string, 4),
		verdicts: make(chan bool, 4),
	}
}

func (r *eventRecorder) Prompt(cookie, request string, echo bool) { r.prompts <- request }
func (r *eventRecorder) Info(cookie, text string)                 { r.infos <- text }
func (r *eventRecorder) ConversationError(cookie, text string)    { r.errs <- text }
func (r *eventRecorder) Complete(cookie string, success bool)     { r.verdicts <- success }

// writeHelper installs a shell script standing in for the setuid helper.
func writeHelper(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-helper")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func waitFor[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestEngine_SuccessfulConversation(t *testing.T) {
	helper := writeHelper(t, `
echo "PAM_PROMPT_ECHO_OFF Password:"
read response
if [ "$response" = "sesame" ]; then
  echo "SUCCESS"
else
  echo "FAILURE"
fi
`)
	engine := NewEngine(WithHelperPath(helper))
	rec := newEventRecorder()

	conv, err := engine.Start(agent.Identity{Name: "tester", UID: 1000}, "cookie-1", rec)
	require.NoError(t, err)
	defer conv.Close()

	prompt := waitFor(t, rec.prompts, "prompt")
	assert.Equal(t, "Password:", prompt)

	require.NoError(t, conv.Respond("sesame"))
	assert.True(t, waitFor(t, rec.verdicts, "verdict"))
}

func TestEngine_FailedConversation(t *testing.T) {
	helper := writeHelper(t, `
echo "PAM_PROMPT_ECHO_OFF Password:"
read response
echo "PAM_ERROR_MSG Authentication failure"
echo "FAILURE"
`)
	engine := NewEngine(WithHelperPath(helper))
	rec := newEventRecorder()

	conv, err := engine.Start(agent.Identity{Name: "tester", UID: 1000}, "cookie-2", rec)
	require.NoError(t, err)
	defer conv.Close()

	waitFor(t, rec.prompts, "prompt")
	require.NoError(t, conv.Respond("wrong"))

	assert.Equal(t, "Authentication failure", waitFor(t, rec.errs, "error message"))
	assert.False(t, waitFor(t, rec.verdicts, "verdict"))
}

func TestEngine_InfoAndEchoPrompt(t *testing.T) {
	helper := writeHelper(t, `
echo "PAM_TEXT_INFO Insert your smart card"
echo "PAM_PROMPT_ECHO_ON Login:"
read login
echo "SUCCESS"
`)
	engine := NewEngine(WithHelperPath(helper))
	rec := newEventRecorder()

	conv, err := engine.Start(agent.Identity{Name: "tester", UID: 1000}, "cookie-3", rec)
	require.NoError(t, err)
	defer conv.Close()

	assert.Equal(t, "Insert your smart card", waitFor(t, rec.infos, "info"))
	assert.Equal(t, "Login:", waitFor(t, rec.prompts, "prompt"))
	require.NoError(t, conv.Respond("tester"))
	assert.True(t, waitFor(t, rec.verdicts, "verdict"))
}

func TestEngine_HelperDiesWithoutVerdict(t *testing.T) {
	helper := writeHelper(t, `
echo "PAM_PROMPT_ECHO_OFF Password:"
exit 1
`)
	engine := NewEngine(WithHelperPath(helper))
	rec := newEventRecorder()

	conv, err := engine.Start(agent.Identity{Name: "tester", UID: 1000}, "cookie-4", rec)
	require.NoError(t, err)
	defer conv.Close()

	waitFor(t, rec.prompts, "prompt")
	// A dead helper with no verdict counts as a failed attempt.
	assert.False(t, waitFor(t, rec.verdicts, "verdict"))
}

func TestEngine_MissingHelperBinary(t *testing.T) {
	engine := NewEngine(WithHelperPath("/nonexistent/helper"))
	rec := newEventRecorder()

	_, err := engine.Start(agent.Identity{Name: "tester", UID: 1000}, "cookie-5", rec)
	assert.Error(t, err)
}

func TestConversation_CloseIsIdempotent(t *testing.T) {
	helper := writeHelper(t, `
read response
`)
	engine := NewEngine(WithHelperPath(helper))
	rec := newEventRecorder()

	conv, err := engine.Start(agent.Identity{Name: "tester", UID: 1000}, "cookie-6", rec)
	require.NoError(t, err)

	require.NoError(t, conv.Close())
	require.NoError(t, conv.Close())
	assert.Error(t, conv.Respond("late"), "a closed conversation refuses responses")
}
