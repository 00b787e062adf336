package dag

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hanzoai/mcp/pkg/supervisor"
)

// Step status values in the aggregate transcript.
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
	StatusCancelled = "cancelled"
)

// StepResult is one transcript line.
type StepResult struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Exit       int    `json:"exit"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Result is the aggregate outcome. Steps are ordered by id for
// determinism, not by completion time.
type Result struct {
	Outcome    string       `json:"outcome"`
	FailedStep string       `json:"failed_step,omitempty"`
	Steps      []StepResult `json:"steps"`
}

// RunOptions tune one graph execution.
type RunOptions struct {
	// Dir is the working directory for every step, already
	// gate-canonicalized.
	Dir string

	// Env holds additions to the minimized child environment.
	Env map[string]string

	// MaxParallel bounds concurrently running steps. Zero means the CPU
	// count.
	MaxParallel int
}

// Runner executes validated graphs through the supervisor. Steps run
// with an unbounded foreground window, bounded only by ctx.
type Runner struct {
	sup *supervisor.Supervisor
}

// NewRunner creates a Runner on top of the supervisor.
func NewRunner(sup *supervisor.Supervisor) *Runner {
	return &Runner{sup: sup}
}

// Run normalizes nothing: steps must already be Normalize output. It
// validates the graph, dispatches ready steps under a weighted semaphore,
// and cancels everything in flight on the first failure (terminate, then
// kill after the grace window). The transcript always covers every step.
//
// Run returns ctx.Err() when the invocation itself was cancelled; a step
// failure is not an error here, it is a Result with Outcome "failed".
func (r *Runner) Run(ctx context.Context, steps []Step, opts RunOptions) (*Result, error) {
	if err := Validate(steps); err != nil {
		return nil, err
	}

	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = runtime.NumCPU()
	}

	var (
		mu         sync.Mutex
		results    = make(map[string]*StepResult, len(steps))
		failedStep string
	)
	record := func(res StepResult) {
		mu.Lock()
		results[res.ID] = &res
		if res.Status == StatusFailed && failedStep == "" {
			failedStep = res.ID
		}
		mu.Unlock()
	}
	statusOf := func(id string) string {
		mu.Lock()
		defer mu.Unlock()
		if res, ok := results[id]; ok {
			return res.Status
		}
		return ""
	}
	// abortStatus classifies a step that never ran: skipped when the
	// graph aborted on another step's failure, cancelled when the
	// invocation itself was cancelled.
	abortStatus := func() string {
		if ctx.Err() != nil {
			return StatusCancelled
		}
		mu.Lock()
		defer mu.Unlock()
		if failedStep != "" {
			return StatusSkipped
		}
		return StatusCancelled
	}

	// done closes when a step reaches any terminal status; dependents
	// then read the recorded status.
	done := make(map[string]chan struct{}, len(steps))
	for _, st := range steps {
		done[st.ID] = make(chan struct{})
	}

	sem := semaphore.NewWeighted(int64(maxParallel))
	g, runCtx := errgroup.WithContext(ctx)

	for _, st := range steps {
		st := st
		g.Go(func() error {
			defer close(done[st.ID])

			for _, dep := range st.After {
				select {
				case <-done[dep]:
				case <-runCtx.Done():
					record(StepResult{ID: st.ID, Status: abortStatus()})
					return nil
				}
			}
			for _, dep := range st.After {
				if statusOf(dep) != StatusSuccess {
					record(StepResult{ID: st.ID, Status: StatusSkipped})
					return nil
				}
			}

			if err := sem.Acquire(runCtx, 1); err != nil {
				record(StepResult{ID: st.ID, Status: abortStatus()})
				return nil
			}
			defer sem.Release(1)

			res := r.runStep(runCtx, st, opts)
			record(res)
			if res.Status == StatusFailed {
				return fmt.Errorf("step %s failed with exit %d", st.ID, res.Exit)
			}
			return nil
		})
	}

	runErr := g.Wait()

	// Invocation-level cancellation outranks the transcript.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	out := &Result{Outcome: StatusSuccess, Steps: make([]StepResult, 0, len(steps))}
	mu.Lock()
	out.FailedStep = failedStep
	for _, st := range steps {
		if res, ok := results[st.ID]; ok {
			out.Steps = append(out.Steps, *res)
		} else {
			out.Steps = append(out.Steps, StepResult{ID: st.ID, Status: StatusSkipped})
		}
	}
	mu.Unlock()

	sort.Slice(out.Steps, func(i, j int) bool { return out.Steps[i].ID < out.Steps[j].ID })

	if runErr != nil || out.FailedStep != "" {
		out.Outcome = StatusFailed
	}
	return out, nil
}

// runStep executes one command via the supervisor and classifies the
// outcome.
func (r *Runner) runStep(ctx context.Context, st Step, opts RunOptions) StepResult {
	start := time.Now()

	sess, err := r.sup.Spawn(ctx, supervisor.Spec{
		Argv: []string{"sh", "-c", st.Run},
		Dir:  opts.Dir,
		Env:  opts.Env,
	})
	if err != nil {
		return StepResult{
			ID:         st.ID,
			Status:     StatusFailed,
			Exit:       -1,
			Stderr:     err.Error(),
			DurationMS: time.Since(start).Milliseconds(),
		}
	}

	out, err := r.sup.WaitForeground(ctx, sess, -1)
	if err != nil {
		// Cancelled mid-flight; the supervisor is already stopping the
		// child.
		return StepResult{
			ID:         st.ID,
			Status:     StatusCancelled,
			Exit:       -1,
			DurationMS: time.Since(start).Milliseconds(),
		}
	}

	res := StepResult{
		ID:         st.ID,
		Status:     StatusSuccess,
		Exit:       out.ExitCode,
		Stdout:     strings.ToValidUTF8(string(out.Stdout), ""),
		Stderr:     strings.ToValidUTF8(string(out.Stderr), ""),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if out.ExitCode != 0 {
		res.Status = StatusFailed
	}
	return res
}
