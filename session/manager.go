package session

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 10000
	defaultGracePeriod  = 5 * time.Second
	pumpBufSize         = 32 * 1024
)

// Publisher delivers a freshly produced event to a session's subscribers.
// Implementations are responsible for appending the event to the session's
// history (through the manager) before delivering it, so that history and live
// delivery stay consistent for late subscribers.
type Publisher interface {
	Publish(sessionID string, kind Kind, ev OutputEvent)
}

// Manager is the registry of process sessions. Sessions outlive the
// connections that created them; they are only removed by Evict or Shutdown.
// Each session has its own lock, so one session's output never blocks
// another's.
type Manager struct {
	log          *zap.SugaredLogger
	historyLimit int
	grace        time.Duration
	sweeper      *Sweeper

	pubMu sync.RWMutex
	pub   Publisher

	mu       sync.RWMutex
	sessions map[string]*tracked
}

type tracked struct {
	id   string
	kind Kind
	proc *Proc

	mu      sync.Mutex
	snap    Session
	history *ring
	// openLine tracks whether the last output chunk ended mid-line, so the
	// final unterminated line still counts once the session finishes.
	openLine bool
}

type ManagerOption func(m *Manager)

func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = l.Named("session_manager").Sugar()
	}
}

// WithGracePeriod sets how long Terminate waits before escalating to a kill.
func WithGracePeriod(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.grace = d
	}
}

// WithHistoryLimit bounds the number of events retained per session.
func WithHistoryLimit(n int) ManagerOption {
	return func(m *Manager) {
		m.historyLimit = n
	}
}

// WithSweeper enables the best-effort process sweep before new simulations.
func WithSweeper(s *Sweeper) ManagerOption {
	return func(m *Manager) {
		m.sweeper = s
	}
}

func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		log:          zap.NewNop().Sugar(),
		historyLimit: defaultHistoryLimit,
		grace:        defaultGracePeriod,
		sessions:     make(map[string]*tracked),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetPublisher wires the hub in after construction. The hub needs the manager
// as its history store, so the two are connected post-hoc.
func (m *Manager) SetPublisher(p Publisher) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	m.pub = p
}

// Start spawns command in workDir and begins pumping its output. Before a new
// simulation it terminates any tracked simulations that are still running and
// runs the advisory sweep, because simulation tooling leaks helper processes
// across runs. Spawn failures return a *SpawnError; everything after a
// successful spawn is reported through the event stream only.
func (m *Manager) Start(ctx context.Context, kind Kind, command []string, workDir string) (Session, error) {
	if kind == KindSimulation {
		m.stopRunningSimulations()
		if m.sweeper != nil {
			m.sweeper.Sweep(ctx)
		}
	}

	proc, err := StartProc(m.log.Named("proc"), command, workDir, m.grace)
	if err != nil {
		return Session{}, err
	}

	id := uuid.NewString()
	t := &tracked{
		id:   id,
		kind: kind,
		proc: proc,
		snap: Session{
			ID:        id,
			Kind:      kind,
			WorkDir:   workDir,
			Command:   command,
			Status:    StatusRunning,
			StartTime: time.Now().UTC(),
		},
		history: newRing(m.historyLimit),
	}

	m.mu.Lock()
	m.sessions[id] = t
	m.mu.Unlock()

	m.log.Debugw("session started", "ID", id, "Kind", kind, "PID", proc.PID())

	var pumps sync.WaitGroup
	pumps.Add(2)
	go m.pump(t, proc.Stdout(), EventStdout, &pumps)
	go m.pump(t, proc.Stderr(), EventStderr, &pumps)
	go m.finish(t, &pumps)

	return m.Status(id)
}

// pump reads output chunks and turns each into an event, preserving pipe read
// order. stdout and stderr are pumped independently.
func (m *Manager) pump(t *tracked, r io.Reader, typ EventType, pumps *sync.WaitGroup) {
	defer pumps.Done()
	buf := make([]byte, pumpBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			m.emit(t, OutputEvent{
				Type:      typ,
				Content:   string(buf[:n]),
				Timestamp: time.Now().UTC(),
			})
		}
		if err != nil {
			if err != io.EOF {
				m.log.Debugf("session %s: %s pump error: %s", t.id, typ, err)
			}
			return
		}
	}
}

// finish waits for both pumps to drain and the process to be reaped, then
// appends the single terminal status event. Ordering: the terminal event is
// always the session's last.
func (m *Manager) finish(t *tracked, pumps *sync.WaitGroup) {
	pumps.Wait()
	<-t.proc.Done()

	code := t.proc.ExitCode()
	now := time.Now().UTC()

	status := StatusSuccess
	errMsg := ""
	switch {
	case t.proc.TermRequested():
		status = StatusStopped
	case isRuntimeFault(t.proc.WaitErr()):
		status = StatusError
		errMsg = t.proc.WaitErr().Error()
	case code != 0:
		status = StatusFailed
	}

	t.mu.Lock()
	t.snap.Status = status
	t.snap.EndTime = &now
	t.snap.ExitCode = &code
	t.snap.Error = errMsg
	if t.openLine {
		t.snap.OutputLineCount++
		t.openLine = false
	}
	t.mu.Unlock()

	if errMsg != "" {
		m.emit(t, OutputEvent{Type: EventError, Error: errMsg, Timestamp: now})
	}
	m.emit(t, OutputEvent{Type: EventStatus, Status: status, ExitCode: &code, Timestamp: now})

	m.log.Debugw("session finished", "ID", t.id, "Status", status, "ExitCode", code)
}

// isRuntimeFault distinguishes OS-level wait failures from a plain nonzero
// exit, which is reported through the exit code alone.
func isRuntimeFault(err error) bool {
	if err == nil {
		return false
	}
	type exitErr interface{ ExitCode() int }
	if _, ok := err.(exitErr); ok {
		return false
	}
	return true
}

func (m *Manager) emit(t *tracked, ev OutputEvent) {
	m.pubMu.RLock()
	pub := m.pub
	m.pubMu.RUnlock()
	if pub != nil {
		pub.Publish(t.id, t.kind, ev)
		return
	}
	m.Append(t.id, ev)
}

// Append records an event in a session's history. Called by the hub while it
// holds the session's delivery lock; appends for unknown ids are dropped.
func (m *Manager) Append(id string, ev OutputEvent) {
	t, ok := m.lookup(id)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history.append(ev)
	if (ev.Type == EventStdout || ev.Type == EventStderr) && ev.Content != "" {
		t.snap.OutputLineCount += strings.Count(ev.Content, "\n")
		t.openLine = !strings.HasSuffix(ev.Content, "\n")
	}
}

// HistorySnapshot returns a copy of a session's history in append order.
func (m *Manager) HistorySnapshot(id string) (Kind, []OutputEvent, bool) {
	t, ok := m.lookup(id)
	if !ok {
		return "", nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kind, t.history.snapshot(), true
}

// Status returns a point-in-time snapshot of a session.
func (m *Manager) Status(id string) (Session, error) {
	t, ok := m.lookup(id)
	if !ok {
		return Session{}, fmt.Errorf("session not found: %s", id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap, nil
}

// List snapshots every tracked session.
func (m *Manager) List() []Session {
	m.mu.RLock()
	all := make([]*tracked, 0, len(m.sessions))
	for _, t := range m.sessions {
		all = append(all, t)
	}
	m.mu.RUnlock()

	out := make([]Session, 0, len(all))
	for _, t := range all {
		t.mu.Lock()
		out = append(out, t.snap)
		t.mu.Unlock()
	}
	return out
}

// Write forwards bytes to a session's stdin.
func (m *Manager) Write(id string, p []byte) error {
	t, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	_, err := t.proc.Write(p)
	return err
}

// Terminate starts the two-phase shutdown of a session's process. It returns
// before the process has exited; completion is signaled by the terminal status
// event.
func (m *Manager) Terminate(id string) error {
	t, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	t.proc.Terminate()
	return nil
}

// Evict removes a finished session from the registry so its history can be
// collected. Running sessions cannot be evicted.
func (m *Manager) Evict(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	t.mu.Lock()
	terminal := t.snap.Status.Terminal()
	t.mu.Unlock()
	if !terminal {
		return fmt.Errorf("session %s is still running", id)
	}
	delete(m.sessions, id)
	return nil
}

// Shutdown terminates every running session and waits for the exits, bounded
// by ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	all := make([]*tracked, 0, len(m.sessions))
	for _, t := range m.sessions {
		all = append(all, t)
	}
	m.mu.RUnlock()

	for _, t := range all {
		t.proc.Terminate()
	}
	for _, t := range all {
		select {
		case <-t.proc.Done():
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) stopRunningSimulations() {
	for _, s := range m.List() {
		if s.Kind == KindSimulation && !s.Status.Terminal() {
			m.log.Debugw("terminating previous simulation", "ID", s.ID)
			if err := m.Terminate(s.ID); err != nil {
				m.log.Debugf("terminating previous simulation %s: %s", s.ID, err)
			}
		}
	}
}

func (m *Manager) lookup(id string) (*tracked, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.sessions[id]
	return t, ok
}
