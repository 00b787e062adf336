package dag

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/supervisor"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	sup := supervisor.New(supervisor.Config{Root: t.TempDir(), RingSize: 1 << 20})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sup.Shutdown(ctx)
	})
	return NewRunner(sup)
}

func stepByID(t *testing.T, res *Result, id string) StepResult {
	t.Helper()
	for _, st := range res.Steps {
		if st.ID == id {
			return st
		}
	}
	t.Fatalf("step %s missing from transcript: %+v", id, res.Steps)
	return StepResult{}
}

func TestNormalize_BareStringsChain(t *testing.T) {
	steps, err := Normalize([]interface{}{"make build", "make test"})
	require.NoError(t, err)
	require.Len(t, steps, 2)

	assert.Equal(t, "step-1", steps[0].ID)
	assert.Equal(t, "make build", steps[0].Run)
	assert.Empty(t, steps[0].After)

	assert.Equal(t, "step-2", steps[1].ID)
	assert.Equal(t, []string{"step-1"}, steps[1].After)
}

func TestNormalize_AutoIDsCountAtomicPositions(t *testing.T) {
	steps, err := Normalize([]interface{}{
		map[string]interface{}{"id": "fmt", "run": "gofmt -l ."},
		"go vet ./...",
	})
	require.NoError(t, err)
	require.Len(t, steps, 2)

	assert.Equal(t, "fmt", steps[0].ID)
	// The explicit-id entry still occupies position 1.
	assert.Equal(t, "step-2", steps[1].ID)
	assert.Equal(t, []string{"fmt"}, steps[1].After)
}

func TestNormalize_ObjectWithoutAfterIsRoot(t *testing.T) {
	steps, err := Normalize([]interface{}{
		"first",
		map[string]interface{}{"id": "indep", "run": "true"},
	})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Empty(t, steps[1].After, "object entries without after do not chain")
}

func TestNormalize_ParallelGroup(t *testing.T) {
	steps, err := Normalize([]interface{}{
		"setup",
		map[string]interface{}{"parallel": []interface{}{"unit tests", "lint"}},
		"package",
	})
	require.NoError(t, err)
	require.Len(t, steps, 4)

	assert.Equal(t, "step-1", steps[0].ID)

	// Members share the group's predecessor.
	assert.Equal(t, "step-2", steps[1].ID)
	assert.Equal(t, []string{"step-1"}, steps[1].After)
	assert.Equal(t, "step-3", steps[2].ID)
	assert.Equal(t, []string{"step-1"}, steps[2].After)

	// Successors of the group depend on every member.
	assert.Equal(t, "step-4", steps[3].ID)
	assert.Equal(t, []string{"step-2", "step-3"}, steps[3].After)
}

func TestNormalize_ParallelGroupExplicitAfter(t *testing.T) {
	steps, err := Normalize([]interface{}{
		map[string]interface{}{"id": "a", "run": "true"},
		map[string]interface{}{"id": "b", "run": "true"},
		map[string]interface{}{
			"parallel": []interface{}{
				map[string]interface{}{"id": "m1", "run": "true"},
				map[string]interface{}{"id": "m2", "run": "true", "after": []interface{}{"a"}},
			},
			"after": []interface{}{"b"},
		},
	})
	require.NoError(t, err)
	require.Len(t, steps, 4)

	assert.Equal(t, []string{"b"}, steps[2].After)
	// A member's own after list adds to the group's predecessor set.
	assert.Equal(t, []string{"b", "a"}, steps[3].After)
}

func TestNormalize_Errors(t *testing.T) {
	cases := []struct {
		name string
		raw  []interface{}
	}{
		{"empty input", nil},
		{"empty run", []interface{}{""}},
		{"bad entry type", []interface{}{42}},
		{"bad after type", []interface{}{map[string]interface{}{"run": "x", "after": "nope"}}},
		{"empty parallel group", []interface{}{map[string]interface{}{"parallel": []interface{}{}}}},
		{"bad group after", []interface{}{map[string]interface{}{
			"parallel": []interface{}{"x"},
			"after":    []interface{}{1},
		}}},
		{"bad group member", []interface{}{map[string]interface{}{
			"parallel": []interface{}{true},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize(tc.raw)
			require.Error(t, err)
			assert.True(t, protocol.IsKind(err, protocol.KindInvalidArguments), "got %v", err)
		})
	}
}

func TestValidate(t *testing.T) {
	ok := []Step{
		{ID: "a", Run: "true"},
		{ID: "b", Run: "true", After: []string{"a"}},
		{ID: "c", Run: "true", After: []string{"a"}},
		{ID: "d", Run: "true", After: []string{"b", "c"}},
	}
	require.NoError(t, Validate(ok))

	err := Validate([]Step{{ID: "x", Run: "true"}, {ID: "x", Run: "true"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step id")

	err = Validate([]Step{{ID: "a", Run: "true", After: []string{"ghost"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown dependency")

	err = Validate([]Step{
		{ID: "a", Run: "true", After: []string{"b"}},
		{ID: "b", Run: "true", After: []string{"a"}},
	})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidArguments))
	assert.Contains(t, err.Error(), "dependency cycle involving [a b]")
}

func TestRun_LinearSuccess(t *testing.T) {
	r := newTestRunner(t)

	steps, err := Normalize([]interface{}{"echo one", "echo two"})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), steps, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Outcome)
	assert.Empty(t, res.FailedStep)
	require.Len(t, res.Steps, 2)

	first := stepByID(t, res, "step-1")
	assert.Equal(t, StatusSuccess, first.Status)
	assert.Equal(t, 0, first.Exit)
	assert.Equal(t, "one\n", first.Stdout)

	second := stepByID(t, res, "step-2")
	assert.Equal(t, "two\n", second.Stdout)
}

func TestRun_FailureMarksDependentsSkipped(t *testing.T) {
	r := newTestRunner(t)

	steps := []Step{
		{ID: "a", Run: "echo A"},
		{ID: "b", Run: "exit 1", After: []string{"a"}},
		{ID: "c", Run: "echo C", After: []string{"b"}},
	}

	res, err := r.Run(context.Background(), steps, RunOptions{})
	require.NoError(t, err, "step failures are data in the result, not an error")

	assert.Equal(t, StatusFailed, res.Outcome)
	assert.Equal(t, "b", res.FailedStep)

	assert.Equal(t, StatusSuccess, stepByID(t, res, "a").Status)
	b := stepByID(t, res, "b")
	assert.Equal(t, StatusFailed, b.Status)
	assert.Equal(t, 1, b.Exit)
	c := stepByID(t, res, "c")
	assert.Equal(t, StatusSkipped, c.Status)
}

func TestRun_TransitiveSkip(t *testing.T) {
	r := newTestRunner(t)

	steps := []Step{
		{ID: "a", Run: "exit 1"},
		{ID: "b", Run: "true", After: []string{"a"}},
		{ID: "c", Run: "true", After: []string{"b"}},
	}

	res, err := r.Run(context.Background(), steps, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, "a", res.FailedStep)
	assert.Equal(t, StatusSkipped, stepByID(t, res, "b").Status)
	assert.Equal(t, StatusSkipped, stepByID(t, res, "c").Status, "a skipped dependency skips its dependents too")
}

func TestRun_FailureCancelsInFlight(t *testing.T) {
	r := newTestRunner(t)

	steps := []Step{
		{ID: "slow", Run: "sleep 30"},
		{ID: "boom", Run: "sleep 0.2; exit 7"},
	}

	start := time.Now()
	res, err := r.Run(context.Background(), steps, RunOptions{MaxParallel: 2})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Outcome)
	assert.Equal(t, "boom", res.FailedStep)
	assert.Equal(t, 7, stepByID(t, res, "boom").Exit)
	assert.Equal(t, StatusCancelled, stepByID(t, res, "slow").Status)
	assert.Less(t, time.Since(start), 20*time.Second, "in-flight step must be stopped, not waited out")
}

func TestRun_MaxParallelSerializes(t *testing.T) {
	r := newTestRunner(t)

	dir := t.TempDir()
	marker := filepath.Join(dir, "order.txt")
	run := "echo start >> order.txt; sleep 0.3; echo end >> order.txt"

	steps := []Step{
		{ID: "a", Run: run},
		{ID: "b", Run: run},
	}

	res, err := r.Run(context.Background(), steps, RunOptions{Dir: dir, MaxParallel: 1})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Outcome)

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "start\nend\nstart\nend\n", string(data), "weight-1 semaphore must serialize steps")
}

func TestRun_ContextCancel(t *testing.T) {
	r := newTestRunner(t)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	res, err := r.Run(ctx, []Step{{ID: "slow", Run: "sleep 30"}}, RunOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, res)
}

func TestRun_TranscriptOrderedByID(t *testing.T) {
	r := newTestRunner(t)

	steps := []Step{
		{ID: "charlie", Run: "true"},
		{ID: "alpha", Run: "true"},
		{ID: "bravo", Run: "true"},
	}

	res, err := r.Run(context.Background(), steps, RunOptions{MaxParallel: 3})
	require.NoError(t, err)

	ids := make([]string, len(res.Steps))
	for i, st := range res.Steps {
		ids[i] = st.ID
	}
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, ids)
}

func TestRun_ValidatesFirst(t *testing.T) {
	r := newTestRunner(t)

	_, err := r.Run(context.Background(), []Step{
		{ID: "a", Run: "true", After: []string{"a"}},
	}, RunOptions{})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidArguments))
}

func TestRun_EnvReachesSteps(t *testing.T) {
	r := newTestRunner(t)

	res, err := r.Run(context.Background(), []Step{
		{ID: "env", Run: "printf '%s' \"$BUILD_TAG\""},
	}, RunOptions{Env: map[string]string{"BUILD_TAG": "v1.2.3"}})
	require.NoError(t, err)

	assert.Equal(t, "v1.2.3", stepByID(t, res, "env").Stdout)
}
