package filetool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanzoai/mcp/pkg/cursor"
	"github.com/hanzoai/mcp/pkg/permission"
	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/tokens"
	"github.com/hanzoai/mcp/pkg/tool"
)

const testEncoding = "cl100k_base"

func newTestDeps(t *testing.T, responseCap int, allow ...string) Deps {
	t.Helper()
	gate, err := permission.NewGate(allow, nil, true)
	require.NoError(t, err)
	b, err := tokens.NewBudgeter(testEncoding, responseCap)
	require.NoError(t, err)
	store := cursor.NewStore(time.Minute)
	t.Cleanup(store.Close)
	return Deps{Gate: gate, Budgeter: b, Cursors: store}
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

func jsonChunk(t *testing.T, res *tool.Result) map[string]interface{} {
	t.Helper()
	require.Len(t, res.Content, 1)
	require.Equal(t, protocol.ChunkJSON, res.Content[0].Type)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(res.Content[0].JSON, &out))
	return out
}

func TestReadFile_SingleLine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello\n"), 0o644))

	d := newTestDeps(t, 25000, dir)
	h, err := NewReadFile(d)
	require.NoError(t, err)

	res, err := callTool(t, h, map[string]interface{}{"path": filepath.Join(dir, "a.txt")})
	require.NoError(t, err)

	require.Len(t, res.Content, 1)
	assert.Equal(t, protocol.ChunkText, res.Content[0].Type)
	assert.Equal(t, "1: hello\n", res.Content[0].Text)
	assert.Empty(t, res.NextCursor)
}

func TestReadFile_OffsetAndLimit(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("a\nb\nc\nd\ne\n"), 0o644))

	d := newTestDeps(t, 25000, dir)
	h, err := NewReadFile(d)
	require.NoError(t, err)

	res, err := callTool(t, h, map[string]interface{}{
		"path": filepath.Join(dir, "f.txt"), "offset": 2, "limit": 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "2: b\n3: c\n", res.Content[0].Text, "numbering stays absolute under windowing")

	_, err = callTool(t, h, map[string]interface{}{
		"path": filepath.Join(dir, "f.txt"), "offset": 99,
	})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidArguments))
}

func TestReadFile_Denied(t *testing.T) {
	allowed := t.TempDir()
	other := t.TempDir()
	target := filepath.Join(other, "secret.txt")
	require.NoError(t, os.WriteFile(target, []byte("x\n"), 0o644))

	d := newTestDeps(t, 25000, allowed)
	h, err := NewReadFile(d)
	require.NoError(t, err)

	_, err = callTool(t, h, map[string]interface{}{"path": target})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindPermissionDenied))
	assert.Contains(t, err.Error(), "secret.txt", "denial names the path")
}

func TestReadFile_Missing(t *testing.T) {
	dir := t.TempDir()
	d := newTestDeps(t, 25000, dir)
	h, err := NewReadFile(d)
	require.NoError(t, err)

	_, err = callTool(t, h, map[string]interface{}{"path": filepath.Join(dir, "nope.txt")})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindNotFound), "got %v", err)
}

func TestReadFile_Binary(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "blob.bin")
	require.NoError(t, os.WriteFile(bin, []byte{0x7f, 'E', 'L', 'F', 0x00, 0x01}, 0o644))

	d := newTestDeps(t, 25000, dir)
	h, err := NewReadFile(d)
	require.NoError(t, err)

	_, err = callTool(t, h, map[string]interface{}{"path": bin})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidArguments))
	assert.Contains(t, err.Error(), "binary")
}

func TestReadFile_TruncationAndContinuation(t *testing.T) {
	dir := t.TempDir()
	var content strings.Builder
	for i := 0; i < 400; i++ {
		fmt.Fprintf(&content, "payload line %d\n", i)
	}
	path := filepath.Join(dir, "big.txt")
	require.NoError(t, os.WriteFile(path, []byte(content.String()), 0o644))

	// Budget of 100 tokens after the frame reserve forces several windows.
	d := newTestDeps(t, tokens.FrameReserve+100, dir)
	h, err := NewReadFile(d)
	require.NoError(t, err)

	args := map[string]interface{}{"path": path}
	inv := newInvocation("read_file", args)

	var assembled strings.Builder
	res, err := h.Call(context.Background(), inv)
	require.NoError(t, err)
	require.NotEmpty(t, res.NextCursor, "400 rendered lines cannot fit 100 tokens")
	assert.Contains(t, res.Content[0].Text, "[output truncated: showing")

	for hops := 0; ; hops++ {
		require.Less(t, hops, 200, "continuation must terminate")
		text := res.Content[0].Text
		if res.NextCursor == "" {
			assembled.WriteString(text)
			break
		}
		cut := strings.LastIndex(text, "\n[output truncated")
		require.GreaterOrEqual(t, cut, 0)
		assembled.WriteString(text[:cut])

		st, err := d.Cursors.Redeem(res.NextCursor, inv.ArgsDigest)
		require.NoError(t, err)
		next := newInvocation("read_file", args)
		next.Cursor = &st
		res, err = h.Call(context.Background(), next)
		require.NoError(t, err)
	}

	want, err := renderNumbered(content.String(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, want, assembled.String(), "windows concatenate to the full rendering with no gaps or overlaps")
}

func TestWriteFile_CreatesParents(t *testing.T) {
	dir := t.TempDir()
	d := newTestDeps(t, 25000, dir)
	h, err := NewWriteFile(d)
	require.NoError(t, err)

	target := filepath.Join(dir, "deep", "nested", "out.txt")
	res, err := callTool(t, h, map[string]interface{}{"path": target, "content": "written\n"})
	require.NoError(t, err)

	out := jsonChunk(t, res)
	assert.Equal(t, float64(8), out["bytes_written"])

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "written\n", string(data))
}

func TestWriteFile_Denied(t *testing.T) {
	allowed := t.TempDir()
	other := t.TempDir()

	d := newTestDeps(t, 25000, allowed)
	h, err := NewWriteFile(d)
	require.NoError(t, err)

	_, err = callTool(t, h, map[string]interface{}{
		"path": filepath.Join(other, "x.txt"), "content": "no",
	})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindPermissionDenied))
}

func TestEditFile_UniqueReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: alpha\nport: 1\n"), 0o600))

	d := newTestDeps(t, 25000, dir)
	h, err := NewEditFile(d)
	require.NoError(t, err)

	res, err := callTool(t, h, map[string]interface{}{
		"path": path, "old_text": "alpha", "new_text": "beta",
	})
	require.NoError(t, err)
	assert.Equal(t, float64(1), jsonChunk(t, res)["replacements"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "host: beta\nport: 1\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "mode survives the edit")
}

func TestEditFile_NotFoundAndAmbiguous(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x y x\n"), 0o644))

	d := newTestDeps(t, 25000, dir)
	h, err := NewEditFile(d)
	require.NoError(t, err)

	_, err = callTool(t, h, map[string]interface{}{"path": path, "old_text": "absent", "new_text": "z"})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidArguments))
	assert.Contains(t, err.Error(), "not found")

	_, err = callTool(t, h, map[string]interface{}{"path": path, "old_text": "x", "new_text": "z"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")

	res, err := callTool(t, h, map[string]interface{}{
		"path": path, "old_text": "x", "new_text": "z", "replace_all": true,
	})
	require.NoError(t, err)
	assert.Equal(t, float64(2), jsonChunk(t, res)["replacements"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "z y z\n", string(data))
}

func TestEditFile_RoundTripRestoresBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.go")
	original := "package main\n\nfunc main() {}\n"
	require.NoError(t, os.WriteFile(path, []byte(original), 0o644))

	d := newTestDeps(t, 25000, dir)
	h, err := NewEditFile(d)
	require.NoError(t, err)

	_, err = callTool(t, h, map[string]interface{}{"path": path, "old_text": "main() {}", "new_text": "main() { println() }"})
	require.NoError(t, err)
	_, err = callTool(t, h, map[string]interface{}{"path": path, "old_text": "main() { println() }", "new_text": "main() {}"})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, string(data))
}

func TestDirectoryTree_Listing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("bb"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("h"), 0o644))

	d := newTestDeps(t, 25000, dir)
	h, err := NewDirectoryTree(d)
	require.NoError(t, err)

	res, err := callTool(t, h, map[string]interface{}{"path": dir})
	require.NoError(t, err)
	out := jsonChunk(t, res)

	entries := out["entries"].([]interface{})
	paths := make([]string, len(entries))
	types := make(map[string]string, len(entries))
	for i, e := range entries {
		m := e.(map[string]interface{})
		paths[i] = m["path"].(string)
		types[paths[i]] = m["type"].(string)
	}
	assert.Equal(t, []string{"a.txt", "sub", "sub/b.txt"}, paths, "depth-first in directory order, dotfiles excluded")
	assert.Equal(t, "file", types["a.txt"])
	assert.Equal(t, "dir", types["sub"])
	assert.Empty(t, res.NextCursor)

	// Hidden entries come back when asked for.
	res, err = callTool(t, h, map[string]interface{}{"path": dir, "include_hidden": true})
	require.NoError(t, err)
	assert.Equal(t, float64(4), jsonChunk(t, res)["total"])

	// Depth 1 stops at the first level.
	res, err = callTool(t, h, map[string]interface{}{"path": dir, "depth": 1})
	require.NoError(t, err)
	assert.Equal(t, float64(2), jsonChunk(t, res)["total"])
}

func TestDirectoryTree_NotADirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	d := newTestDeps(t, 25000, dir)
	h, err := NewDirectoryTree(d)
	require.NoError(t, err)

	_, err = callTool(t, h, map[string]interface{}{"path": file})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidArguments))
}

func TestDirectoryTree_Pagination(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 120; i++ {
		name := filepath.Join(dir, fmt.Sprintf("file-%03d.txt", i))
		require.NoError(t, os.WriteFile(name, []byte("x"), 0o644))
	}

	d := newTestDeps(t, tokens.FrameReserve+200, dir)
	h, err := NewDirectoryTree(d)
	require.NoError(t, err)

	args := map[string]interface{}{"path": dir}
	inv := newInvocation("directory_tree", args)

	seen := make(map[string]bool)
	res, err := h.Call(context.Background(), inv)
	require.NoError(t, err)
	require.NotEmpty(t, res.NextCursor, "120 stat entries cannot fit 200 tokens")

	for hops := 0; ; hops++ {
		require.Less(t, hops, 200)
		out := jsonChunk(t, res)
		for _, e := range out["entries"].([]interface{}) {
			p := e.(map[string]interface{})["path"].(string)
			assert.False(t, seen[p], "duplicate entry %s", p)
			seen[p] = true
		}
		if res.NextCursor == "" {
			break
		}
		st, err := d.Cursors.Redeem(res.NextCursor, inv.ArgsDigest)
		require.NoError(t, err)
		next := newInvocation("directory_tree", args)
		next.Cursor = &st
		res, err = h.Call(context.Background(), next)
		require.NoError(t, err)
	}
	assert.Len(t, seen, 120, "pagination covers every entry exactly once")
}
