package privilege

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func swapCommand(t *testing.T, fn func(ctx context.Context, name string, arg ...string) *exec.Cmd) {
	t.Helper()
	orig := commandContext
	commandContext = fn
	t.Cleanup(func() { commandContext = orig })
}

func TestSUBuildsCommandLine(t *testing.T) {
	var gotName string
	var gotArgs []string
	swapCommand(t, func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		gotName, gotArgs = name, arg
		return exec.CommandContext(ctx, "true")
	})

	su := NewSU("/system/xbin/su")
	assert.True(t, su.Execute(context.Background(), "kill -0 42"))
	assert.Equal(t, "/system/xbin/su", gotName)
	assert.Equal(t, []string{"-c", "kill -0 42"}, gotArgs)

	assert.Equal(t, "su", NewSU("").Path())
}

func TestSUNonZeroExit(t *testing.T) {
	swapCommand(t, func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "false")
	})
	assert.False(t, NewSU("su").Execute(context.Background(), "id"))
}

func TestSUMissingBinary(t *testing.T) {
	assert.False(t, NewSU("/nonexistent/su").Execute(context.Background(), "id"))
}

func TestCheckAccessTimesOut(t *testing.T) {
	swapCommand(t, func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sleep", "30")
	})

	c := NewChecker(NewSU("su"), 100*time.Millisecond)
	start := time.Now()
	assert.False(t, c.CheckAccess(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StatusDenied, c.Status())
	assert.False(t, c.Granted())
}

type fakeExec struct {
	mu   sync.Mutex
	ok   bool
	cmds []string
}

func (f *fakeExec) Execute(_ context.Context, cmd string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	return f.ok
}

func TestCheckerStatusFeed(t *testing.T) {
	fe := &fakeExec{ok: true}
	c := NewChecker(fe, 0)
	assert.Equal(t, StatusUnknown, c.Status())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := c.Watch(ctx)
	assert.Equal(t, StatusUnknown, <-ch)

	require.True(t, c.CheckAccess(context.Background()))
	assert.Equal(t, StatusGranted, <-ch)
	assert.True(t, c.Granted())
	assert.Equal(t, []string{"id"}, fe.cmds)

	fe.ok = false
	require.False(t, c.CheckAccess(context.Background()))
	assert.Equal(t, StatusDenied, <-ch)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "granted", StatusGranted.String())
	assert.Equal(t, "denied", StatusDenied.String())
	assert.Equal(t, "unknown", Status(9).String())
}
