// Package pty implements the kernel's PTYManager: terminal sessions bound to
// a process, merged output streaming, resize, and marker-based exec.
//
// Grounded on pkg/worker/health_monitor.go's createChecker factory, which
// switches on a HealthCheckType field to produce one of several Checker
// implementations behind a common interface — applied here to
// types.SessionVariant, switching between a host pseudo-terminal (via
// github.com/creack/pty, the same library the retrieved pack's terminal-
// driving daemons use) and a containerd-exec'd shell.
package pty

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	creackpty "github.com/creack/pty"

	"github.com/aethercore/kernel/pkg/container"
	"github.com/aethercore/kernel/pkg/eventbus"
	"github.com/aethercore/kernel/pkg/kernelerr"
	"github.com/aethercore/kernel/pkg/log"
	"github.com/aethercore/kernel/pkg/types"
)

const execTimeout = 30 * time.Second

// backend is the common operation set a PTY session variant must implement.
// createBackend switches on types.SessionVariant to construct one: a tagged
// variant over a shared operation set instead of a class hierarchy.
type backend interface {
	Write(p []byte) error
	Output() io.Reader
	Resize(cols, rows int) error
	Close() (code int, signal string)
}

// localBackend runs a host shell behind a real pseudo-terminal.
type localBackend struct {
	ptmx *os.File
	cmd  *exec.Cmd
}

func newLocalBackend(cwd string, cols, rows int) (*localBackend, error) {
	cmd := exec.Command(shellPath())
	if cwd != "" {
		cmd.Dir = cwd
	}
	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "open local pty")
	}
	return &localBackend{ptmx: ptmx, cmd: cmd}, nil
}

func shellPath() string {
	if p, err := exec.LookPath("bash"); err == nil {
		return p
	}
	return "/bin/sh"
}

func (b *localBackend) Write(p []byte) error  { _, err := b.ptmx.Write(p); return err }
func (b *localBackend) Output() io.Reader     { return b.ptmx }
func (b *localBackend) Resize(cols, rows int) error {
	return creackpty.Setsize(b.ptmx, &creackpty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}
func (b *localBackend) Close() (int, string) {
	b.ptmx.Close()
	if b.cmd.Process != nil {
		b.cmd.Process.Kill()
	}
	b.cmd.Wait()
	code := 0
	if b.cmd.ProcessState != nil {
		code = b.cmd.ProcessState.ExitCode()
	}
	return code, ""
}

// containerBackend runs a shell exec'd inside a running container.
type containerBackend struct {
	session *container.ShellSession
}

func newContainerBackend(ctx context.Context, mgr *container.Manager, containerID string, cols, rows int) (*containerBackend, error) {
	session, err := mgr.OpenShell(ctx, containerID, cols, rows)
	if err != nil {
		return nil, err
	}
	return &containerBackend{session: session}, nil
}

func (b *containerBackend) Write(p []byte) error    { _, err := b.session.Stdin.Write(p); return err }
func (b *containerBackend) Output() io.Reader       { return b.session.Stdout }
func (b *containerBackend) Resize(cols, rows int) error { return b.session.Resize(cols, rows) }
func (b *containerBackend) Close() (int, string) {
	b.session.Close()
	return 0, ""
}

type session struct {
	mu  sync.Mutex
	buf []byte

	backend backend
	meta    types.PTYSession
}

func (s *session) append(chunk []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, chunk...)
	s.mu.Unlock()
}

func (s *session) since(offset int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset > len(s.buf) {
		return ""
	}
	return string(s.buf[offset:])
}

func (s *session) tail() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Manager owns every open PTY session, keyed by ttyId.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	byPID    map[int]string

	bus          *eventbus.Bus
	containerMgr *container.Manager
	nextID       int
}

// New creates a PTYManager. containerMgr may be nil if no containerized
// sessions will ever be requested.
func New(bus *eventbus.Bus, containerMgr *container.Manager) *Manager {
	return &Manager{
		sessions:     make(map[string]*session),
		byPID:        make(map[int]string),
		bus:          bus,
		containerMgr: containerMgr,
	}
}

func (m *Manager) emit(topic string, pid int, data map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(types.Event{Topic: topic, PID: pid, Data: data})
}

// Open creates a new terminal session for pid. When containerID is non-empty
// the session execs a shell inside that container; otherwise it opens a host
// pseudo-terminal rooted at cwd.
func (m *Manager) Open(ctx context.Context, pid int, containerID, cwd string, cols, rows int) (types.PTYSession, error) {
	var b backend
	var err error
	variant := types.SessionLocal
	if containerID != "" {
		variant = types.SessionContainerized
		if m.containerMgr == nil {
			return types.PTYSession{}, kernelerr.Transient("no container manager configured")
		}
		b, err = newContainerBackend(ctx, m.containerMgr, containerID, cols, rows)
	} else {
		b, err = newLocalBackend(cwd, cols, rows)
	}
	if err != nil {
		return types.PTYSession{}, err
	}

	m.mu.Lock()
	m.nextID++
	ttyID := fmt.Sprintf("tty_%d_%d", pid, m.nextID)
	meta := types.PTYSession{
		TTYID:         ttyID,
		PID:           pid,
		Cols:          cols,
		Rows:          rows,
		CWD:           cwd,
		CreatedAt:     time.Now(),
		Containerized: variant == types.SessionContainerized,
	}
	sess := &session{backend: b, meta: meta}
	m.sessions[ttyID] = sess
	m.byPID[pid] = ttyID
	m.mu.Unlock()

	go m.pump(sess)

	logger := log.WithPID(pid)
	logger.Info().Str("ttyId", ttyID).Bool("containerized", meta.Containerized).Msg("pty session opened")
	m.emit("tty.opened", pid, map[string]any{"ttyId": ttyID, "containerized": meta.Containerized})
	return meta, nil
}

// pump copies backend output into the session buffer and emits tty.output
// for every chunk, until the backend's output stream ends.
func (m *Manager) pump(sess *session) {
	reader := bufio.NewReaderSize(sess.backend.Output(), 4096)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			sess.append(chunk)
			m.emit("tty.output", sess.meta.PID, map[string]any{"ttyId": sess.meta.TTYID, "data": string(chunk)})
		}
		if err != nil {
			if err != io.EOF {
				m.emit("tty.error", sess.meta.PID, map[string]any{"ttyId": sess.meta.TTYID, "error": err.Error()})
			}
			return
		}
	}
}

func (m *Manager) get(ttyID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[ttyID]
	if !ok {
		return nil, kernelerr.NotFound("pty session not found: %s", ttyID)
	}
	return sess, nil
}

// Write sends raw keystroke data to ttyId's backend.
func (m *Manager) Write(ttyID string, data []byte) error {
	sess, err := m.get(ttyID)
	if err != nil {
		return err
	}
	return sess.backend.Write(data)
}

// Resize changes ttyId's terminal dimensions.
func (m *Manager) Resize(ttyID string, cols, rows int) error {
	sess, err := m.get(ttyID)
	if err != nil {
		return err
	}
	sess.meta.Cols, sess.meta.Rows = cols, rows
	return sess.backend.Resize(cols, rows)
}

// Exec writes command followed by a unique marker echo, then collects merged
// output until the marker appears or the 30s bound elapses, returning the
// text observed before the marker (trimmed).
func (m *Manager) Exec(ttyID, command string) (string, error) {
	sess, err := m.get(ttyID)
	if err != nil {
		return "", err
	}

	start := sess.tail()
	marker := fmt.Sprintf("__AETHER_EXEC_%d__", time.Now().UnixNano())
	if err := sess.backend.Write([]byte(command + "\necho \"" + marker + "\"\n")); err != nil {
		return "", kernelerr.Wrap(kernelerr.KindTransient, err, "write exec command to %s", ttyID)
	}

	deadline := time.Now().Add(execTimeout)
	for time.Now().Before(deadline) {
		data := sess.since(start)
		if idx := strings.Index(data, marker); idx >= 0 {
			return strings.TrimSpace(data[:idx]), nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return strings.TrimSpace(sess.since(start)), nil
}

// Close tears down ttyId's backend and removes the session.
func (m *Manager) Close(ttyID string) error {
	sess, err := m.get(ttyID)
	if err != nil {
		return err
	}
	code, signal := sess.backend.Close()

	m.mu.Lock()
	delete(m.sessions, ttyID)
	if m.byPID[sess.meta.PID] == ttyID {
		delete(m.byPID, sess.meta.PID)
	}
	m.mu.Unlock()

	m.emit("tty.closed", sess.meta.PID, map[string]any{"ttyId": ttyID, "code": code, "signal": signal})
	return nil
}

// GetByPid returns the most recently opened session metadata for pid.
func (m *Manager) GetByPid(pid int) (types.PTYSession, error) {
	m.mu.Lock()
	ttyID, ok := m.byPID[pid]
	m.mu.Unlock()
	if !ok {
		return types.PTYSession{}, kernelerr.NotFound("no pty session for pid %d", pid)
	}
	sess, err := m.get(ttyID)
	if err != nil {
		return types.PTYSession{}, err
	}
	return sess.meta, nil
}
