package supervisor

import (
	"os"
	"os/exec"
	"sync"
	"time"
)

// State of a process session.
type State string

const (
	StateRunning      State = "running"
	StateBackgrounded State = "backgrounded"
	StateExited       State = "exited"
	StateKilled       State = "killed"
)

// ExitStatus is recorded once the child is reaped.
type ExitStatus struct {
	Code       int       `json:"code"`
	FinishedAt time.Time `json:"finished_at"`
}

// Streams a session captures.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// capture owns one output stream: the in-memory ring plus the append-only
// spill file holding the full history.
type capture struct {
	ring *ring

	mu       sync.Mutex
	spill    *os.File
	spillErr error
	path     string
}

// Write feeds one pipe chunk into the ring and the spill file. The ring
// never fails; a spill failure is recorded once and spilling stops, which
// narrows Logs to the ring window.
func (c *capture) Write(p []byte) (int, error) {
	c.ring.Write(p)

	c.mu.Lock()
	if c.spill != nil && c.spillErr == nil {
		if _, err := c.spill.Write(p); err != nil {
			c.spillErr = err
		}
	}
	c.mu.Unlock()

	return len(p), nil
}

func (c *capture) closeSpill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.spill != nil {
		c.spill.Close()
		c.spill = nil
	}
}

// readSpill reads up to max bytes at the absolute offset from the spill
// file. A nil error with short data means the file ends there.
func (c *capture) readSpill(offset int64, max int) ([]byte, error) {
	c.mu.Lock()
	path := c.path
	spillErr := c.spillErr
	c.mu.Unlock()

	if spillErr != nil {
		return nil, spillErr
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, max)
	n, err := f.ReadAt(buf, offset)
	if n > 0 {
		return buf[:n], nil
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// Session is one spawned child and its captured output. All mutable state
// is guarded by mu; snapshots copy it out.
type Session struct {
	id        string
	argv      []string
	dir       string
	createdAt time.Time

	stdout *capture
	stderr *capture

	// done is closed when the waiter reaps the child.
	done chan struct{}

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	exit         *ExitStatus
	cmd          *exec.Cmd
	killReq      bool
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Done is closed once the child has been reaped.
func (s *Session) Done() <-chan struct{} { return s.done }

// touch records output or state activity.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// alive reports whether the child has not been reaped yet.
func (s *Session) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// pid returns the child pid, 0 when unavailable.
func (s *Session) pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// markBackgrounded flips running → backgrounded. A session that already
// exited stays put.
func (s *Session) markBackgrounded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		s.state = StateBackgrounded
		s.lastActivity = time.Now()
	}
}

// argvHead is the only part of the command line that ever surfaces in
// errors or listings.
func (s *Session) argvHead() string {
	if len(s.argv) == 0 {
		return ""
	}
	return s.argv[0]
}

// Snapshot is the read-only view of a session returned by List.
type Snapshot struct {
	ID            string      `json:"session_id"`
	State         State       `json:"state"`
	Command       string      `json:"command"`
	ArgvLen       int         `json:"argv_len"`
	Dir           string      `json:"working_dir"`
	CreatedAt     time.Time   `json:"created_at"`
	LastActivity  time.Time   `json:"last_activity_at"`
	Exit          *ExitStatus `json:"exit,omitempty"`
	StdoutPreview string      `json:"stdout_preview,omitempty"`
	StderrPreview string      `json:"stderr_preview,omitempty"`
}

// previewBytes bounds the per-stream output preview in listings.
const previewBytes = 160

// snapshot copies the current state out under the lock.
func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:           s.id,
		State:        s.state,
		Command:      s.argvHead(),
		ArgvLen:      len(s.argv),
		Dir:          s.dir,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
	if s.exit != nil {
		e := *s.exit
		snap.Exit = &e
	}
	s.mu.Unlock()

	snap.StdoutPreview = string(s.stdout.ring.Tail(previewBytes))
	snap.StderrPreview = string(s.stderr.ring.Tail(previewBytes))
	return snap
}
