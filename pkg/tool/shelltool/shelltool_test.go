package shelltool

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanzoai/mcp/pkg/cursor"
	"github.com/hanzoai/mcp/pkg/permission"
	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/supervisor"
	"github.com/hanzoai/mcp/pkg/tokens"
	"github.com/hanzoai/mcp/pkg/tool"
)

const testEncoding = "cl100k_base"

func newTestDeps(t *testing.T, responseCap int, window time.Duration, allow ...string) Deps {
	t.Helper()
	gate, err := permission.NewGate(allow, nil, true)
	require.NoError(t, err)
	b, err := tokens.NewBudgeter(testEncoding, responseCap)
	require.NoError(t, err)
	store := cursor.NewStore(time.Minute)
	t.Cleanup(store.Close)
	sup := supervisor.New(supervisor.Config{Root: t.TempDir()})
	t.Cleanup(func() { sup.Shutdown(context.Background()) })

	dir := ""
	if len(allow) > 0 {
		dir = allow[0]
	}
	return Deps{
		Gate:           gate,
		Supervisor:     sup,
		Budgeter:       b,
		Cursors:        store,
		DefaultDir:     dir,
		AutoBackground: window,
	}
}

func newInvocation(toolName string, args map[string]interface{}) *tool.Invocation {
	return &tool.Invocation{
		ID:         "inv-test",
		Tool:       toolName,
		Args:       args,
		ArgsDigest: cursor.Digest(toolName, args, testEncoding),
	}
}

func callTool(t *testing.T, h tool.Handler, args map[string]interface{}) (*tool.Result, error) {
	t.Helper()
	return h.Call(context.Background(), newInvocation(h.Descriptor().Name, args))
}

func textOf(res *tool.Result) string {
	var b strings.Builder
	for _, c := range res.Content {
		if c.Type == protocol.ChunkText {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

func metaOf(t *testing.T, res *tool.Result) map[string]interface{} {
	t.Helper()
	for _, c := range res.Content {
		if c.Type == protocol.ChunkJSON {
			var out map[string]interface{}
			require.NoError(t, json.Unmarshal(c.JSON, &out))
			return out
		}
	}
	t.Fatalf("result has no json chunk")
	return nil
}

func stripMarker(text string) string {
	if i := strings.LastIndex(text, "\n[output truncated"); i >= 0 {
		return text[:i]
	}
	return text
}

// waitForDead polls until the session is reaped. The supervisor closes the
// done channel internally, but the tool layer only sees snapshots.
func waitForDead(t *testing.T, sup *supervisor.Supervisor, id string) supervisor.Snapshot {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		snap, err := sup.Get(id)
		require.NoError(t, err)
		if snap.State == supervisor.StateExited || snap.State == supervisor.StateKilled {
			return snap
		}
		require.True(t, time.Now().Before(deadline), "session %s still %s", id, snap.State)
		time.Sleep(20 * time.Millisecond)
	}
}

func TestShell_ForegroundExit(t *testing.T) {
	dir := t.TempDir()
	d := newTestDeps(t, 25000, 10*time.Second, dir)
	h, err := NewShell(d)
	require.NoError(t, err)

	res, err := callTool(t, h, map[string]interface{}{"command": "echo hello"})
	require.NoError(t, err)

	assert.Equal(t, "hello\n", textOf(res))
	meta := metaOf(t, res)
	assert.EqualValues(t, 0, meta["exit"])
	sid, _ := meta["session_id"].(string)
	assert.True(t, strings.HasPrefix(sid, "proc_"), "session id %q", sid)
	assert.Empty(t, res.NextCursor)
}

func TestShell_StderrLabeledWithExitCode(t *testing.T) {
	dir := t.TempDir()
	d := newTestDeps(t, 25000, 10*time.Second, dir)
	h, err := NewShell(d)
	require.NoError(t, err)

	res, err := callTool(t, h, map[string]interface{}{
		"command": "echo out; echo err 1>&2; exit 3",
	})
	require.NoError(t, err)

	assert.Equal(t, "out\n[stderr]\nerr\n", textOf(res))
	assert.EqualValues(t, 3, metaOf(t, res)["exit"])
}

func TestShell_EnvReachesChild(t *testing.T) {
	dir := t.TempDir()
	d := newTestDeps(t, 25000, 10*time.Second, dir)
	h, err := NewShell(d)
	require.NoError(t, err)

	res, err := callTool(t, h, map[string]interface{}{
		"command": `printf "$BUILD_TAG"`,
		"env":     map[string]interface{}{"BUILD_TAG": "v1.2.3"},
	})
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", textOf(res))
}

func TestShell_DefaultCwdIsServerRoot(t *testing.T) {
	dir := t.TempDir()
	d := newTestDeps(t, 25000, 10*time.Second, dir)
	h, err := NewShell(d)
	require.NoError(t, err)

	res, err := callTool(t, h, map[string]interface{}{"command": "pwd"})
	require.NoError(t, err)

	canon, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, canon, strings.TrimSpace(textOf(res)))
}

func TestShell_AutoBackgroundAndFollow(t *testing.T) {
	dir := t.TempDir()
	d := newTestDeps(t, 25000, 150*time.Millisecond, dir)
	h, err := NewShell(d)
	require.NoError(t, err)

	args := map[string]interface{}{"command": "sleep 0.5; echo done"}
	inv := newInvocation("shell", args)
	res, err := h.Call(context.Background(), inv)
	require.NoError(t, err)

	require.Len(t, res.Content, 1)
	require.Equal(t, protocol.ChunkText, res.Content[0].Type)
	require.True(t, strings.HasPrefix(res.Content[0].Text, "backgrounded as "),
		"got %q", res.Content[0].Text)
	id := strings.TrimPrefix(res.Content[0].Text, "backgrounded as ")
	require.NotEmpty(t, res.NextCursor)

	snap := waitForDead(t, d.Supervisor, id)
	assert.Equal(t, supervisor.StateExited, snap.State)
	require.NotNil(t, snap.Exit)
	assert.Equal(t, 0, snap.Exit.Code)

	st, err := d.Cursors.Redeem(res.NextCursor, inv.ArgsDigest)
	require.NoError(t, err)
	follow := newInvocation("shell", args)
	follow.Cursor = &st
	res2, err := h.Call(context.Background(), follow)
	require.NoError(t, err)

	assert.Contains(t, textOf(res2), "done")
	meta := metaOf(t, res2)
	assert.Equal(t, "exited", meta["state"])
	assert.EqualValues(t, 0, meta["exit"])
	assert.Empty(t, res2.NextCursor, "an exited, fully-read session does not continue")
}

func TestShell_TimeoutOverridesDisabledWindow(t *testing.T) {
	dir := t.TempDir()
	// Zero window disables auto-backgrounding; timeout_ms still applies.
	d := newTestDeps(t, 25000, 0, dir)
	h, err := NewShell(d)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	res, err := h.Call(ctx, newInvocation("shell", map[string]interface{}{
		"command": "sleep 30", "timeout_ms": 200,
	}))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, strings.HasPrefix(textOf(res), "backgrounded as "))
	assert.NotEmpty(t, res.NextCursor)
}

func TestShell_BackgroundImmediate(t *testing.T) {
	dir := t.TempDir()
	d := newTestDeps(t, 25000, 10*time.Second, dir)
	h, err := NewShell(d)
	require.NoError(t, err)

	start := time.Now()
	res, err := callTool(t, h, map[string]interface{}{
		"command": "sleep 30", "background": true,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, strings.HasPrefix(textOf(res), "backgrounded as "))
	assert.NotEmpty(t, res.NextCursor)
}

func TestShell_InvocationCancelStopsChild(t *testing.T) {
	dir := t.TempDir()
	d := newTestDeps(t, 25000, 0, dir)
	h, err := NewShell(d)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err = h.Call(ctx, newInvocation("shell", map[string]interface{}{"command": "sleep 30"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The child is stopped asynchronously with grace.
	list := d.Supervisor.List()
	require.Len(t, list, 1)
	waitForDead(t, d.Supervisor, list[0].ID)
}

func TestShell_EmptyCommand(t *testing.T) {
	d := newTestDeps(t, 25000, time.Second, t.TempDir())
	h, err := NewShell(d)
	require.NoError(t, err)

	for _, cmd := range []string{"", "   "} {
		_, err := callTool(t, h, map[string]interface{}{"command": cmd})
		require.Error(t, err)
		assert.True(t, protocol.IsKind(err, protocol.KindInvalidArguments))
	}
}

func TestShell_BadEnvName(t *testing.T) {
	d := newTestDeps(t, 25000, time.Second, t.TempDir())
	h, err := NewShell(d)
	require.NoError(t, err)

	_, err = callTool(t, h, map[string]interface{}{
		"command": "true",
		"env":     map[string]interface{}{"BAD=KEY": "v"},
	})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidArguments))
}

func TestShell_DeniedCwd(t *testing.T) {
	allowed := t.TempDir()
	other := t.TempDir()
	d := newTestDeps(t, 25000, time.Second, allowed)
	h, err := NewShell(d)
	require.NoError(t, err)

	_, err = callTool(t, h, map[string]interface{}{"command": "true", "cwd": other})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindPermissionDenied))
}

func TestShell_UntrustedBinaryDenied(t *testing.T) {
	dir := t.TempDir()
	d := newTestDeps(t, 25000, time.Second, dir)
	gate, err := permission.NewGate([]string{dir}, nil, false)
	require.NoError(t, err)
	d.Gate = gate

	h, err := NewShell(d)
	require.NoError(t, err)

	// sh resolves outside the approved roots.
	_, err = callTool(t, h, map[string]interface{}{"command": "echo hi"})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindPermissionDenied))
}

func TestShell_TruncatedOutputWalksToCompletion(t *testing.T) {
	dir := t.TempDir()
	d := newTestDeps(t, tokens.FrameReserve+100, 10*time.Second, dir)
	h, err := NewShell(d)
	require.NoError(t, err)

	var expect strings.Builder
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&expect, "line %d padding padding\n", i)
	}
	cmd := `i=0; while [ $i -lt 100 ]; do echo "line $i padding padding"; i=$((i+1)); done`

	args := map[string]interface{}{"command": cmd}
	inv := newInvocation("shell", args)
	res, err := h.Call(context.Background(), inv)
	require.NoError(t, err)
	require.NotEmpty(t, res.NextCursor)
	assert.Contains(t, textOf(res), "[output truncated: showing")

	var got strings.Builder
	for hops := 0; ; hops++ {
		require.Less(t, hops, 200)
		got.WriteString(stripMarker(textOf(res)))
		if res.NextCursor == "" {
			break
		}
		st, err := d.Cursors.Redeem(res.NextCursor, inv.ArgsDigest)
		require.NoError(t, err)
		next := newInvocation("shell", args)
		next.Cursor = &st
		res, err = h.Call(context.Background(), next)
		require.NoError(t, err)
	}

	assert.Equal(t, expect.String(), got.String(), "windows reassemble the full output")
}

func TestProcessLogs_OffsetsIdempotentReads(t *testing.T) {
	dir := t.TempDir()
	d := newTestDeps(t, 25000, 10*time.Second, dir)
	shell, err := NewShell(d)
	require.NoError(t, err)
	logs, err := NewProcessLogs(d)
	require.NoError(t, err)

	res, err := callTool(t, shell, map[string]interface{}{
		"command": "printf 'abcdef'; printf 'ERR' >&2",
	})
	require.NoError(t, err)
	id, _ := metaOf(t, res)["session_id"].(string)
	require.NotEmpty(t, id)

	first, err := callTool(t, logs, map[string]interface{}{"session_id": id})
	require.NoError(t, err)
	assert.Equal(t, "abcdef[stderr]\nERR", textOf(first))
	meta := metaOf(t, first)
	assert.Equal(t, "exited", meta["state"])
	assert.EqualValues(t, 6, meta["stdout_offset"])
	assert.EqualValues(t, 3, meta["stderr_offset"])
	assert.EqualValues(t, 0, meta["exit"])
	assert.Empty(t, first.NextCursor)

	again, err := callTool(t, logs, map[string]interface{}{"session_id": id})
	require.NoError(t, err)
	assert.Equal(t, textOf(first), textOf(again), "reads do not consume")

	mid, err := callTool(t, logs, map[string]interface{}{
		"session_id": id, "stdout_offset": 3, "stderr_offset": 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "def[stderr]\nRR", textOf(mid))
}

func TestProcessLogs_LiveSessionKeepsCursor(t *testing.T) {
	dir := t.TempDir()
	d := newTestDeps(t, 25000, time.Second, dir)
	shell, err := NewShell(d)
	require.NoError(t, err)
	logs, err := NewProcessLogs(d)
	require.NoError(t, err)
	sig, err := NewProcessSignal(d)
	require.NoError(t, err)

	res, err := callTool(t, shell, map[string]interface{}{
		"command": "echo first; sleep 30", "background": true,
	})
	require.NoError(t, err)
	id := strings.TrimPrefix(textOf(res), "backgrounded as ")

	args := map[string]interface{}{"session_id": id}
	var live *tool.Result
	deadline := time.Now().Add(5 * time.Second)
	for {
		live, err = callTool(t, logs, args)
		require.NoError(t, err)
		if strings.Contains(textOf(live), "first") {
			break
		}
		require.True(t, time.Now().Before(deadline), "output never captured")
		time.Sleep(20 * time.Millisecond)
	}
	assert.NotEmpty(t, live.NextCursor, "a live session always continues")

	_, err = callTool(t, sig, map[string]interface{}{"session_id": id, "signal": "kill"})
	require.NoError(t, err)
	snap := waitForDead(t, d.Supervisor, id)
	assert.Equal(t, supervisor.StateKilled, snap.State)

	// The live cursor still redeems after the kill: no new bytes, final state.
	st, err := d.Cursors.Redeem(live.NextCursor, cursor.Digest("process_logs", args, testEncoding))
	require.NoError(t, err)
	follow := newInvocation("process_logs", args)
	follow.Cursor = &st
	final, err := logs.Call(context.Background(), follow)
	require.NoError(t, err)

	assert.NotContains(t, textOf(final), "first", "offsets advanced past served bytes")
	meta := metaOf(t, final)
	assert.Equal(t, "killed", meta["state"])
	assert.Empty(t, final.NextCursor)
}

func TestProcessLogs_UnknownSessionAndValidation(t *testing.T) {
	d := newTestDeps(t, 25000, time.Second, t.TempDir())
	logs, err := NewProcessLogs(d)
	require.NoError(t, err)

	_, err = callTool(t, logs, map[string]interface{}{"session_id": "proc_ffffffff"})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindNotFound))

	_, err = callTool(t, logs, map[string]interface{}{"session_id": "  "})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidArguments))

	_, err = callTool(t, logs, map[string]interface{}{
		"session_id": "proc_ffffffff", "stdout_offset": -1,
	})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidArguments))
}

type processPage struct {
	Processes []supervisor.Snapshot `json:"processes"`
	Offset    int                   `json:"offset"`
	Total     int                   `json:"total"`
}

func pageOf(t *testing.T, res *tool.Result) processPage {
	t.Helper()
	require.NotEmpty(t, res.Content)
	c := res.Content[len(res.Content)-1]
	require.Equal(t, protocol.ChunkJSON, c.Type)
	var p processPage
	require.NoError(t, json.Unmarshal(c.JSON, &p))
	return p
}

func TestProcesses_ListsSessions(t *testing.T) {
	dir := t.TempDir()
	d := newTestDeps(t, 25000, 10*time.Second, dir)
	shell, err := NewShell(d)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := callTool(t, shell, map[string]interface{}{
			"command": fmt.Sprintf("echo job%d", i),
		})
		require.NoError(t, err)
	}

	procs, err := NewProcesses(d)
	require.NoError(t, err)
	res, err := callTool(t, procs, map[string]interface{}{})
	require.NoError(t, err)

	page := pageOf(t, res)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Processes, 3)
	assert.Empty(t, res.NextCursor)
	for _, s := range page.Processes {
		assert.Equal(t, supervisor.StateExited, s.State)
		assert.True(t, strings.HasPrefix(s.ID, "proc_"))
	}
	assert.Contains(t, page.Processes[0].StdoutPreview, "job0")
}

func TestProcesses_PaginationWalksAll(t *testing.T) {
	dir := t.TempDir()
	d := newTestDeps(t, tokens.FrameReserve+120, 10*time.Second, dir)
	shell, err := NewShell(d)
	require.NoError(t, err)

	want := make(map[string]bool)
	for i := 0; i < 4; i++ {
		res, err := callTool(t, shell, map[string]interface{}{"command": "true"})
		require.NoError(t, err)
		id, _ := metaOf(t, res)["session_id"].(string)
		want[id] = true
	}

	procs, err := NewProcesses(d)
	require.NoError(t, err)
	args := map[string]interface{}{}
	inv := newInvocation("processes", args)
	res, err := procs.Call(context.Background(), inv)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for hops := 0; ; hops++ {
		require.Less(t, hops, 50)
		page := pageOf(t, res)
		assert.Equal(t, 4, page.Total, "every page reports the snapshot total")
		for _, s := range page.Processes {
			assert.False(t, seen[s.ID], "duplicate %s", s.ID)
			seen[s.ID] = true
		}
		if res.NextCursor == "" {
			break
		}
		st, err := d.Cursors.Redeem(res.NextCursor, inv.ArgsDigest)
		require.NoError(t, err)
		next := newInvocation("processes", args)
		next.Cursor = &st
		res, err = procs.Call(context.Background(), next)
		require.NoError(t, err)
	}

	require.Len(t, seen, 4)
	for id := range want {
		assert.True(t, seen[id], "missing %s", id)
	}
}

func TestProcessSignal_KillAndNoopOnReaped(t *testing.T) {
	dir := t.TempDir()
	d := newTestDeps(t, 25000, time.Second, dir)
	shell, err := NewShell(d)
	require.NoError(t, err)
	sig, err := NewProcessSignal(d)
	require.NoError(t, err)

	res, err := callTool(t, shell, map[string]interface{}{
		"command": "sleep 30", "background": true,
	})
	require.NoError(t, err)
	id := strings.TrimPrefix(textOf(res), "backgrounded as ")

	_, err = callTool(t, sig, map[string]interface{}{"session_id": id, "signal": "kill"})
	require.NoError(t, err)
	snap := waitForDead(t, d.Supervisor, id)
	assert.Equal(t, supervisor.StateKilled, snap.State)

	// Signaling a reaped session is a no-op returning the final snapshot.
	out, err := callTool(t, sig, map[string]interface{}{"session_id": id, "signal": "terminate"})
	require.NoError(t, err)
	assert.Equal(t, "killed", metaOf(t, out)["state"])
}

func TestProcessSignal_Errors(t *testing.T) {
	dir := t.TempDir()
	d := newTestDeps(t, 25000, 10*time.Second, dir)
	shell, err := NewShell(d)
	require.NoError(t, err)
	sig, err := NewProcessSignal(d)
	require.NoError(t, err)

	_, err = callTool(t, sig, map[string]interface{}{"session_id": "proc_ffffffff", "signal": "kill"})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindNotFound))

	_, err = callTool(t, sig, map[string]interface{}{"session_id": "", "signal": "kill"})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidArguments))

	res, err := callTool(t, shell, map[string]interface{}{"command": "true"})
	require.NoError(t, err)
	id, _ := metaOf(t, res)["session_id"].(string)

	_, err = callTool(t, sig, map[string]interface{}{"session_id": id, "signal": "nuke"})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidArguments))
}

func TestProcessRemove_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	d := newTestDeps(t, 25000, time.Second, dir)
	shell, err := NewShell(d)
	require.NoError(t, err)
	sig, err := NewProcessSignal(d)
	require.NoError(t, err)
	remove, err := NewProcessRemove(d)
	require.NoError(t, err)
	logs, err := NewProcessLogs(d)
	require.NoError(t, err)

	res, err := callTool(t, shell, map[string]interface{}{
		"command": "sleep 30", "background": true,
	})
	require.NoError(t, err)
	id := strings.TrimPrefix(textOf(res), "backgrounded as ")

	_, err = callTool(t, remove, map[string]interface{}{"session_id": id})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindExecutionFailed), "live sessions are refused")

	_, err = callTool(t, sig, map[string]interface{}{"session_id": id, "signal": "kill"})
	require.NoError(t, err)
	waitForDead(t, d.Supervisor, id)

	out, err := callTool(t, remove, map[string]interface{}{"session_id": id})
	require.NoError(t, err)
	assert.Equal(t, true, metaOf(t, out)["removed"])

	_, err = callTool(t, logs, map[string]interface{}{"session_id": id})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindGone))

	_, err = callTool(t, remove, map[string]interface{}{"session_id": id})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindGone))

	_, err = callTool(t, remove, map[string]interface{}{"session_id": "proc_ffffffff"})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindNotFound))
}

func TestTools_RegistersProcessToolset(t *testing.T) {
	d := newTestDeps(t, 25000, time.Second, t.TempDir())
	handlers, err := Tools(d)
	require.NoError(t, err)

	names := make([]string, len(handlers))
	for i, h := range handlers {
		names[i] = h.Descriptor().Name
	}
	assert.Equal(t, []string{"shell", "processes", "process_logs", "process_signal", "process_remove"}, names)
}
