// Package worker is the core's task executor: every long-running
// operation (backup, verify, sync, GC, tape) runs as one worker, identified
// by an opaque UPID, with a ring-buffered log and a terminal "TASK OK" /
// "TASK ERROR: ..." status line (spec.md §6, §7).
package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/wofferl/proxmox-backup/internal/applog"
)

var log = applog.For("worker")

// UPID is the executor's opaque task identifier. It carries enough of the
// originating request to be human-readable in logs, but nothing in this
// package parses it back apart - callers look tasks up by the UPID value
// itself via the Manager.
type UPID string

func newUPID(workerType, workerID string) UPID {
	return UPID(fmt.Sprintf("%s:%s:%s:%d", workerType, workerID, uuid.NewString()[:8], time.Now().Unix()))
}

// Status is a task's terminal or in-flight state.
type Status int

const (
	Running Status = iota
	OK
	Error
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case OK:
		return "OK"
	case Error:
		return "ERROR"
	default:
		return "unknown"
	}
}

const logRingCapacity = 4096

// task is one running or completed worker, including its log ring buffer.
type task struct {
	upid       UPID
	workerType string
	identity   string
	startedAt  time.Time
	finishedAt time.Time

	mu     sync.Mutex
	status Status
	errMsg string
	lines  []string
	cancel chan struct{}
	done   chan struct{}
}

// Manager tracks every task spawned in this process, mirroring the "one
// worker per operation" model of spec.md §6.
type Manager struct {
	mu    sync.Mutex
	tasks map[UPID]*task
}

// NewManager creates an empty task registry; one per process is typical.
func NewManager() *Manager {
	return &Manager{tasks: make(map[UPID]*task)}
}

// Handle is what a running task's body uses to log progress and check for
// cancellation; passed into the fn argument of Spawn.
type Handle struct {
	t *task
}

// Log appends a line to the task's ring-buffered log, trimming the oldest
// line once the buffer is full, and mirrors it to the structured logger
// (SPEC_FULL.md §ambient stack).
func (h *Handle) Log(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	h.t.mu.Lock()
	h.t.lines = append(h.t.lines, line)
	if len(h.t.lines) > logRingCapacity {
		h.t.lines = h.t.lines[len(h.t.lines)-logRingCapacity:]
	}
	h.t.mu.Unlock()
	log.WithField("upid", string(h.t.upid)).Info(line)
}

// Cancelled reports whether Manager.Abort was called for this task.
func (h *Handle) Cancelled() bool {
	select {
	case <-h.t.cancel:
		return true
	default:
		return false
	}
}

// Spawn starts fn in its own goroutine under a fresh UPID, logging fn's
// returned error (if any) as the terminal "TASK ERROR" line, or "TASK OK"
// on success (spec.md §7's propagation policy: every worker traps its own
// errors and always leaves a visible terminal status).
func (m *Manager) Spawn(workerType, workerID, identity string, fn func(*Handle) error) UPID {
	t := &task{
		upid:       newUPID(workerType, workerID),
		workerType: workerType,
		identity:   identity,
		startedAt:  time.Now(),
		status:     Running,
		cancel:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	m.mu.Lock()
	m.tasks[t.upid] = t
	m.mu.Unlock()

	h := &Handle{t: t}
	go func() {
		defer close(t.done)
		err := fn(h)
		t.mu.Lock()
		t.finishedAt = time.Now()
		if err != nil {
			t.status = Error
			t.errMsg = err.Error()
			t.lines = append(t.lines, "TASK ERROR: "+err.Error())
		} else {
			t.status = OK
			t.lines = append(t.lines, "TASK OK")
		}
		t.mu.Unlock()
	}()
	return t.upid
}

// Abort signals the task's Handle.Cancelled to return true; it's
// cooperative, same as spec.md §6's executor - there is no forced kill.
func (m *Manager) Abort(id UPID) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown task %s", id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.cancel:
	default:
		close(t.cancel)
	}
	return nil
}

// StatusInfo is the snapshot Status returns for one task.
type StatusInfo struct {
	UPID       UPID
	WorkerType string
	Identity   string
	Status     Status
	ErrorMsg   string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Status returns the current status of task id.
func (m *Manager) Status(id UPID) (StatusInfo, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return StatusInfo{}, errors.Errorf("unknown task %s", id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return StatusInfo{
		UPID: t.upid, WorkerType: t.workerType, Identity: t.identity,
		Status: t.status, ErrorMsg: t.errMsg,
		StartedAt: t.startedAt, FinishedAt: t.finishedAt,
	}, nil
}

// ReadLog returns up to limit log lines starting at start (0-based), the
// way a UI would page through a task's output.
func (m *Manager) ReadLog(id UPID, start, limit int) ([]string, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("unknown task %s", id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if start < 0 || start >= len(t.lines) {
		return nil, nil
	}
	end := start + limit
	if limit <= 0 || end > len(t.lines) {
		end = len(t.lines)
	}
	out := make([]string, end-start)
	copy(out, t.lines[start:end])
	return out, nil
}

// Wait blocks until task id finishes running.
func (m *Manager) Wait(id UPID) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown task %s", id)
	}
	<-t.done
	return nil
}
