// Package container implements the kernel's ContainerManager: it starts the
// backing execution unit for a spawned process, either as a containerd task
// (when a container image is configured and a containerd socket is reachable)
// or as a directly spawned, session-leader child process otherwise.
//
// The containerd path is grounded on pkg/runtime/containerd.go (client
// construction against a UNIX socket, namespaced operations, OCI SpecOpts
// assembly, graceful-then-forced task stop). The direct-spawn fallback is
// grounded on the retrieved daemon pack's ExecProcessStarter: a plain
// *exec.Cmd with Setsid so host terminal signals don't propagate to the
// agent, and an injected identity environment variable.
package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/aethercore/kernel/pkg/kernelerr"
	"github.com/aethercore/kernel/pkg/log"
	"github.com/aethercore/kernel/pkg/types"
)

const (
	// Namespace is the containerd namespace the kernel operates in.
	Namespace = "aether"
	// DefaultSocketPath is the default containerd socket probed at startup.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	stopTimeout = 5 * time.Second
)

// Manager starts and stops the OS-level unit of work behind a process: a
// containerd task when the process is configured to run sandboxed, or a
// direct child process otherwise.
type Manager struct {
	client   *containerd.Client
	logsRoot string // host directory process stdout/stderr are captured under; may be empty
}

// New probes for a containerd socket at socketPath. If the probe fails, the
// Manager is still usable — it simply falls back to direct spawning for every
// process, logging once that sandboxing is unavailable.
func New(socketPath, logsRoot string) *Manager {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	m := &Manager{logsRoot: logsRoot}

	if _, err := os.Stat(socketPath); err != nil {
		logger := log.WithComponent("container")
		logger.Warn().Str("socket", socketPath).Msg("containerd socket not found, sandboxed agents will run as direct child processes")
		return m
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		logger := log.WithComponent("container")
		logger.Warn().Err(err).Msg("containerd connect failed, falling back to direct spawn")
		return m
	}
	m.client = client
	return m
}

// Close releases the containerd client connection, if one was established.
func (m *Manager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// Available reports whether a containerd client is connected.
func (m *Manager) Available() bool { return m.client != nil }

// Start implements process.Spawner. It returns the containerd container ID
// (empty for a direct-spawned child) and a cancel func that tears down
// whichever unit was started.
func (m *Manager) Start(ctx context.Context, p *types.Process) (string, context.CancelFunc, error) {
	if p.Config.UseContainer && m.client != nil {
		return m.startContainerized(ctx, p)
	}
	if p.Config.UseContainer && m.client == nil {
		logger := log.WithPID(p.PID)
		logger.Warn().Msg("container requested but no containerd client available, falling back to direct spawn")
	}
	return m.startDirect(ctx, p)
}

func (m *Manager) startContainerized(ctx context.Context, p *types.Process) (string, context.CancelFunc, error) {
	nsCtx := namespaces.WithNamespace(ctx, Namespace)
	containerID := fmt.Sprintf("agent-%d", p.PID)

	image, err := m.client.GetImage(nsCtx, p.Config.Image)
	if err != nil {
		image, err = m.client.Pull(nsCtx, p.Config.Image, containerd.WithPullUnpack)
		if err != nil {
			return "", nil, kernelerr.Wrap(kernelerr.KindTransient, err, "pull image %s", p.Config.Image)
		}
	}

	env := envSlice(p.Env)
	env = append(env, "AETHER_PID="+fmt.Sprint(p.PID), "AETHER_OWNER_UID="+p.OwnerID)

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
	}
	if len(p.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(p.Command...))
	}

	ctr, err := m.client.NewContainer(
		nsCtx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", nil, kernelerr.Wrap(kernelerr.KindTransient, err, "create container for pid %d", p.PID)
	}

	task, err := ctr.NewTask(nsCtx, cio.NullIO)
	if err != nil {
		return "", nil, kernelerr.Wrap(kernelerr.KindTransient, err, "create task for pid %d", p.PID)
	}
	if err := task.Start(nsCtx); err != nil {
		return "", nil, kernelerr.Wrap(kernelerr.KindTransient, err, "start task for pid %d", p.PID)
	}

	stopCtx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stopCtx.Done()
		m.stopContainer(containerID)
	}()

	return containerID, cancel, nil
}

func (m *Manager) stopContainer(containerID string) {
	nsCtx := namespaces.WithNamespace(context.Background(), Namespace)
	ctr, err := m.client.LoadContainer(nsCtx, containerID)
	if err != nil {
		return
	}
	task, err := ctr.Task(nsCtx, nil)
	if err == nil {
		killCtx, cancel := context.WithTimeout(nsCtx, stopTimeout)
		if err := task.Kill(killCtx, syscall.SIGTERM); err == nil {
			statusC, _ := task.Wait(killCtx)
			select {
			case <-statusC:
			case <-killCtx.Done():
				task.Kill(nsCtx, syscall.SIGKILL)
			}
		}
		cancel()
		task.Delete(nsCtx)
	}
	ctr.Delete(nsCtx, containerd.WithSnapshotCleanup)
}

// ShellSession is an interactive exec'd process inside a running container,
// used by pkg/pty to back a containerized terminal session.
type ShellSession struct {
	Stdin   io.WriteCloser
	Stdout  io.ReadCloser
	process containerd.Process
	ctx     context.Context
}

// Resize changes the exec'd process's terminal size.
func (s *ShellSession) Resize(cols, rows int) error {
	return s.process.Resize(s.ctx, uint32(cols), uint32(rows))
}

// Close kills the exec'd process and releases its IO.
func (s *ShellSession) Close() error {
	s.process.Kill(s.ctx, syscall.SIGKILL)
	s.Stdin.Close()
	_, err := s.process.Delete(s.ctx)
	return err
}

// OpenShell execs an interactive shell inside containerID's running task,
// returning a session exposing its stdin/stdout for pkg/pty to drive.
func (m *Manager) OpenShell(ctx context.Context, containerID string, cols, rows int) (*ShellSession, error) {
	if m.client == nil {
		return nil, kernelerr.Transient("no containerd client available")
	}
	nsCtx := namespaces.WithNamespace(context.Background(), Namespace)

	ctr, err := m.client.LoadContainer(nsCtx, containerID)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "load container %s", containerID)
	}
	task, err := ctr.Task(nsCtx, nil)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "load task for %s", containerID)
	}

	pspec := &specs.Process{
		Args:     []string{"/bin/sh"},
		Cwd:      "/",
		Env:      []string{"TERM=xterm"},
		Terminal: true,
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	ioCreator := cio.NewCreator(cio.WithStreams(stdinR, stdoutW, nil), cio.WithTerminal)

	execID := fmt.Sprintf("shell-%d", time.Now().UnixNano())
	process, err := task.Exec(nsCtx, execID, pspec, ioCreator)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "exec shell in %s", containerID)
	}
	if err := process.Resize(nsCtx, uint32(cols), uint32(rows)); err != nil {
		logger := log.WithComponent("container")
		logger.Warn().Err(err).Msg("initial pty resize failed")
	}
	if err := process.Start(nsCtx); err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "start shell in %s", containerID)
	}

	return &ShellSession{Stdin: stdinW, Stdout: stdoutR, process: process, ctx: nsCtx}, nil
}

// startDirect spawns a session-leader child process, redirecting its output
// to a per-process log file when a logs root is configured.
func (m *Manager) startDirect(ctx context.Context, p *types.Process) (string, context.CancelFunc, error) {
	command := p.Command
	if len(command) == 0 {
		command = []string{"/bin/sh", "-c", "while true; do sleep 3600; done"}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, command[0], command[1:]...)
	cmd.Env = append(envSlice(p.Env), "AETHER_PID="+fmt.Sprint(p.PID), "AETHER_OWNER_UID="+p.OwnerID)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Dir = emptyToDefault(p.WorkDir, "")

	out, err := m.openLogFile(p.OwnerID)
	if err != nil {
		cancel()
		return "", nil, err
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		out.Close()
		cancel()
		return "", nil, kernelerr.Wrap(kernelerr.KindTransient, err, "spawn process for pid %d", p.PID)
	}

	go func() {
		cmd.Wait()
		out.Close()
	}()
	go func() {
		<-runCtx.Done()
		if cmd.Process != nil {
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}()

	return "", cancel, nil
}

func (m *Manager) openLogFile(ownerUID string) (*os.File, error) {
	if m.logsRoot == "" {
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "open devnull")
		}
		return f, nil
	}
	dir := filepath.Join(m.logsRoot, filepath.Base(ownerUID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "create log dir for %s", ownerUID)
	}
	path := filepath.Join(dir, "stdout.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "open log file for %s", ownerUID)
	}
	return f, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func emptyToDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
