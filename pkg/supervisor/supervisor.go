// Package supervisor owns every child process the server spawns: capture
// of stdout/stderr into ring buffers with spill files, foreground waits
// with auto-backgrounding, signal delivery, reaping, and shutdown.
//
// Sessions survive the invocation that spawned them. A command that
// outlives its foreground window keeps running as a backgrounded session
// whose logs stay readable through Logs until the session is removed or
// the server shuts down.
package supervisor

import (
	"context"
	"encoding/hex"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hanzoai/mcp/pkg/logger"
	"github.com/hanzoai/mcp/pkg/protocol"
)

// baseEnv lists the only variables a child inherits from the server
// environment. Everything else must be declared in the spawn spec.
var baseEnv = []string{"PATH", "HOME", "LANG", "TERM", "TMPDIR"}

// Signal names accepted by Signal, mapped to host signals in proc_unix.go.
const (
	SignalTerminate = "terminate"
	SignalKill      = "kill"
	SignalInterrupt = "interrupt"
)

// defaultGrace is the terminate-to-kill escalation window.
const defaultGrace = 5 * time.Second

// maxLogRead bounds one Logs call; the budgeter trims further upstream.
const maxLogRead = 256 << 10

// Config tunes a Supervisor.
type Config struct {
	// Root is the state directory; spill files live under
	// Root/processes/<session_id>/.
	Root string

	// RingSize is the per-stream in-memory window in bytes.
	RingSize int

	// OnRemove is called after a session is removed, with its id. The
	// server hooks cursor invalidation here.
	OnRemove func(sessionID string)
}

// Spec describes one child process to spawn.
type Spec struct {
	// Argv is the full command line; argv[0] is the binary.
	Argv []string

	// Dir is the working directory, already gate-canonicalized.
	Dir string

	// Env holds additions layered over the minimized base environment.
	Env map[string]string

	// Stdin, when non-empty, is written to the child and closed.
	Stdin string
}

// Outcome reports a foreground wait.
type Outcome struct {
	// Backgrounded is set when the window elapsed with the child alive.
	Backgrounded bool

	ExitCode int

	// Stdout and Stderr hold the bytes captured so far, from offset 0 up
	// to StdoutEnd/StderrEnd. Budgeting happens upstream.
	Stdout []byte
	Stderr []byte

	StdoutEnd int64
	StderrEnd int64
}

// LogChunk is one non-consuming read of a session stream.
type LogChunk struct {
	// Data starts at the absolute stream position Offset. Offset can be
	// ahead of the request when old bytes are only in a lost spill file.
	Data   []byte
	Offset int64

	// End is the stream length at read time.
	End int64
}

// Supervisor tracks all live and exited sessions.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	removed  map[string]struct{}
	closed   bool
}

// New creates a Supervisor rooted at cfg.Root.
func New(cfg Config) *Supervisor {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 1 << 20
	}
	return &Supervisor{
		cfg:      cfg,
		log:      logger.Component("supervisor"),
		sessions: make(map[string]*Session),
		removed:  make(map[string]struct{}),
	}
}

// newSessionID mints an unused proc_<8 hex> id.
func (s *Supervisor) newSessionID() string {
	for {
		u := uuid.New()
		id := "proc_" + hex.EncodeToString(u[:4])
		if _, used := s.sessions[id]; used {
			continue
		}
		if _, used := s.removed[id]; used {
			continue
		}
		return id
	}
}

// Spawn starts the child described by spec and registers its session.
// The collector goroutines and the waiter are running when Spawn returns.
// Spawn failure surfaces as ExecutionFailed.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (*Session, error) {
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return nil, protocol.Failf(protocol.KindInvalidArguments, "command must not be empty")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, protocol.Failf(protocol.KindExecutionFailed, "supervisor is shut down")
	}
	id := s.newSessionID()
	s.mu.Unlock()

	sess := &Session{
		id:           id,
		argv:         append([]string(nil), spec.Argv...),
		dir:          spec.Dir,
		createdAt:    time.Now(),
		done:         make(chan struct{}),
		state:        StateRunning,
		lastActivity: time.Now(),
	}
	sess.stdout = s.newCapture(id, StreamStdout)
	sess.stderr = s.newCapture(id, StreamStderr)

	// The child is not tied to the invocation context: a backgrounded
	// session must outlive the call that spawned it. Cancellation is
	// delivered explicitly via StopWithGrace.
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = buildEnv(spec.Env)
	cmd.Stdout = sess.stdout
	cmd.Stderr = sess.stderr
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		sess.stdout.closeSpill()
		sess.stderr.closeSpill()
		return nil, protocol.Failf(protocol.KindExecutionFailed,
			"failed to start %s: %v", spec.Argv[0], err)
	}

	sess.mu.Lock()
	sess.cmd = cmd
	sess.mu.Unlock()

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	s.log.Debug("spawned process", "session", id, "command", spec.Argv[0], "pid", cmd.Process.Pid)

	go s.reap(sess)
	return sess, nil
}

// newCapture opens the spill file for one stream. A spill that cannot be
// opened degrades that stream to ring-only capture.
func (s *Supervisor) newCapture(id, stream string) *capture {
	c := &capture{ring: newRing(s.cfg.RingSize)}

	dir := filepath.Join(s.cfg.Root, "processes", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.spillErr = err
		s.log.Warn("spill directory unavailable, capturing to ring only",
			"session", id, "error", err)
		return c
	}

	c.path = filepath.Join(dir, stream+".log")
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_TRUNC, 0o644)
	if err != nil {
		c.spillErr = err
		s.log.Warn("spill file unavailable, capturing to ring only",
			"session", id, "stream", stream, "error", err)
		return c
	}
	c.spill = f
	return c
}

// reap waits for the child, records the exit status, and closes spills.
func (s *Supervisor) reap(sess *Session) {
	err := sess.cmd.Wait()

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			// Wait failed outright; surface as a generic failure code.
			code = -1
			s.log.Warn("wait failed", "session", sess.id, "error", err)
		}
	}

	sess.mu.Lock()
	sess.exit = &ExitStatus{Code: code, FinishedAt: time.Now()}
	if sess.killReq {
		sess.state = StateKilled
	} else {
		sess.state = StateExited
	}
	sess.lastActivity = time.Now()
	sess.mu.Unlock()

	sess.stdout.closeSpill()
	sess.stderr.closeSpill()
	close(sess.done)

	s.log.Debug("reaped process", "session", sess.id, "exit", code)
}

// WaitForeground blocks until the child exits, the window elapses, or ctx
// is done, whichever comes first.
//
// Window semantics: 0 backgrounds immediately, negative waits until exit
// or ctx cancellation. A child that exits before the window never
// backgrounds. On ctx cancellation the child is stopped (terminate, then
// kill after the grace window) and ctx.Err() is returned.
func (s *Supervisor) WaitForeground(ctx context.Context, sess *Session, window time.Duration) (Outcome, error) {
	if window == 0 {
		sess.markBackgrounded()
		return s.outcome(sess, true), nil
	}

	var timeout <-chan time.Time
	if window > 0 {
		t := time.NewTimer(window)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-sess.done:
		return s.outcome(sess, false), nil

	case <-timeout:
		// A child that exited right at the boundary is an exit, not a
		// background.
		select {
		case <-sess.done:
			return s.outcome(sess, false), nil
		default:
		}
		sess.markBackgrounded()
		return s.outcome(sess, true), nil

	case <-ctx.Done():
		go s.StopWithGrace(sess, defaultGrace)
		return Outcome{}, ctx.Err()
	}
}

// outcome snapshots captured output for a foreground return.
func (s *Supervisor) outcome(sess *Session, backgrounded bool) Outcome {
	stdout, _ := sess.stdout.ring.ReadFrom(0)
	stderr, _ := sess.stderr.ring.ReadFrom(0)

	out := Outcome{
		Backgrounded: backgrounded,
		Stdout:       stdout,
		Stderr:       stderr,
		StdoutEnd:    sess.stdout.ring.End(),
		StderrEnd:    sess.stderr.ring.End(),
	}
	if !backgrounded {
		sess.mu.Lock()
		if sess.exit != nil {
			out.ExitCode = sess.exit.Code
		}
		sess.mu.Unlock()
	}
	return out
}

// lookup resolves a session id, distinguishing removed (Gone) from never
// known (NotFound).
func (s *Supervisor) lookup(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	if _, wasRemoved := s.removed[id]; wasRemoved {
		return nil, protocol.Failf(protocol.KindGone, "session %s was removed", id)
	}
	return nil, protocol.Failf(protocol.KindNotFound, "unknown session %s", id)
}

// Get returns the snapshot of one session.
func (s *Supervisor) Get(id string) (Snapshot, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return sess.snapshot(), nil
}

// List returns snapshots of all known sessions, ordered by creation time.
func (s *Supervisor) List() []Snapshot {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].createdAt.Equal(sessions[j].createdAt) {
			return sessions[i].id < sessions[j].id
		}
		return sessions[i].createdAt.Before(sessions[j].createdAt)
	})

	out := make([]Snapshot, len(sessions))
	for i, sess := range sessions {
		out[i] = sess.snapshot()
	}
	return out
}

// ActiveCount returns the number of sessions still running or
// backgrounded. Metrics observe this.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, sess := range s.sessions {
		if sess.alive() {
			n++
		}
	}
	return n
}

// Logs reads one stream from the absolute offset without consuming it.
// Bytes inside the ring window come from memory; older bytes come from
// the spill file. When the spill is gone the read clamps forward to the
// ring window, visible to the caller through LogChunk.Offset.
func (s *Supervisor) Logs(id, stream string, offset int64) (LogChunk, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return LogChunk{}, err
	}

	var c *capture
	switch stream {
	case StreamStdout:
		c = sess.stdout
	case StreamStderr:
		c = sess.stderr
	default:
		return LogChunk{}, protocol.Failf(protocol.KindInvalidArguments,
			"unknown stream %q (valid: stdout, stderr)", stream)
	}

	if offset < 0 {
		offset = 0
	}

	end := c.ring.End()
	start := c.ring.Start()

	if offset >= start {
		data, effective := c.ring.ReadFrom(offset)
		if len(data) > maxLogRead {
			data = data[:maxLogRead]
		}
		return LogChunk{Data: data, Offset: effective, End: end}, nil
	}

	data, spillErr := c.readSpill(offset, maxLogRead)
	if spillErr != nil || len(data) == 0 {
		if spillErr != nil {
			s.log.Warn("spill read failed, serving ring window",
				"session", id, "stream", stream, "error", spillErr)
		}
		ringData, effective := c.ring.ReadFrom(offset)
		if len(ringData) > maxLogRead {
			ringData = ringData[:maxLogRead]
		}
		return LogChunk{Data: ringData, Offset: effective, End: end}, nil
	}
	return LogChunk{Data: data, Offset: offset, End: end}, nil
}

// Signal delivers a named signal to the session's process group and
// returns the resulting snapshot. Signaling an already-reaped session is
// a no-op.
func (s *Supervisor) Signal(id, signal string) (Snapshot, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}

	sig, err := hostSignal(signal)
	if err != nil {
		return Snapshot{}, err
	}

	if sess.alive() {
		if signal == SignalKill {
			sess.mu.Lock()
			sess.killReq = true
			sess.mu.Unlock()
		}
		if pid := sess.pid(); pid > 0 {
			if err := signalGroup(pid, sig); err != nil {
				return Snapshot{}, protocol.Failf(protocol.KindExecutionFailed,
					"failed to signal session %s: %v", id, err)
			}
		}
		sess.touch()
		s.log.Debug("signaled process", "session", id, "signal", signal)
	}

	return sess.snapshot(), nil
}

// StopWithGrace terminates the session's process group, waits up to grace
// for the child to be reaped, then kills the group. Blocks until the
// session is gone or the kill was delivered.
func (s *Supervisor) StopWithGrace(sess *Session, grace time.Duration) {
	if !sess.alive() {
		return
	}

	if pid := sess.pid(); pid > 0 {
		if sig, err := hostSignal(SignalTerminate); err == nil {
			_ = signalGroup(pid, sig)
		}
	}

	select {
	case <-sess.done:
		return
	case <-time.After(grace):
	}

	sess.mu.Lock()
	sess.killReq = true
	sess.mu.Unlock()

	if pid := sess.pid(); pid > 0 {
		if sig, err := hostSignal(SignalKill); err == nil {
			_ = signalGroup(pid, sig)
		}
	}
}

// Remove drops an exited or killed session from the index. Its log reads
// answer Gone afterwards. Removing a live session is refused.
func (s *Supervisor) Remove(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		_, wasRemoved := s.removed[id]
		s.mu.Unlock()
		if wasRemoved {
			return protocol.Failf(protocol.KindGone, "session %s was removed", id)
		}
		return protocol.Failf(protocol.KindNotFound, "unknown session %s", id)
	}
	if sess.alive() {
		s.mu.Unlock()
		return protocol.Failf(protocol.KindExecutionFailed,
			"session %s is still running; signal it first", id)
	}
	delete(s.sessions, id)
	s.removed[id] = struct{}{}
	s.mu.Unlock()

	if s.cfg.OnRemove != nil {
		s.cfg.OnRemove(id)
	}
	s.log.Debug("removed session", "session", id)
	return nil
}

// Shutdown stops every live session (terminate, grace, kill) and refuses
// new spawns. Waits for reaping up to the grace window per the slowest
// child, bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	live := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.alive() {
			live = append(live, sess)
		}
	}
	s.mu.Unlock()

	if len(live) == 0 {
		return
	}
	s.log.Info("stopping live sessions", "count", len(live))

	var wg sync.WaitGroup
	for _, sess := range live {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			s.StopWithGrace(sess, defaultGrace)
			select {
			case <-sess.done:
			case <-ctx.Done():
			}
		}(sess)
	}
	wg.Wait()
}

// buildEnv assembles the child environment: the minimized base plus
// declared additions, additions winning on conflict.
func buildEnv(extra map[string]string) []string {
	env := make([]string, 0, len(baseEnv)+len(extra))
	for _, key := range baseEnv {
		if _, shadowed := extra[key]; shadowed {
			continue
		}
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
