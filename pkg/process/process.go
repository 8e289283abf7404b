// Package process implements the kernel's process table: PID allocation, the
// process lifecycle state machine, signal handling, per-process IPC queues and
// reaping. Grounded on pkg/manager/fsm.go's Command{Op, Data} apply pattern
// (kept as the shape for state mutations, with Raft dropped — mutations go
// straight to the StateStore) and on the reap/cleanup ordering used by
// daemon-style agent-kill handlers in the retrieved pack, adapted to a
// fixed 1000ms auto-reap delay since a kernel process here is a virtual
// record, not always backed by a real OS process.
package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aethercore/kernel/pkg/eventbus"
	"github.com/aethercore/kernel/pkg/kernelerr"
	"github.com/aethercore/kernel/pkg/log"
	"github.com/aethercore/kernel/pkg/storage"
	"github.com/aethercore/kernel/pkg/types"
)

const (
	// DefaultMaxProcesses caps the number of simultaneously live processes.
	DefaultMaxProcesses = 256
	// DefaultIPCQueueMax caps each process's pending IPC mailbox.
	DefaultIPCQueueMax = 256
	reapDelay           = 1000 * time.Millisecond
	shutdownGrace       = 2000 * time.Millisecond
)

// Spawner starts the underlying execution unit for a process, returning an
// optional container ID (empty for a direct-spawned child) and a cancel
// function the Manager calls on fatal signals. Implemented by pkg/container.
type Spawner interface {
	Start(ctx context.Context, p *types.Process) (containerID string, cancel context.CancelFunc, err error)
}

// Manager owns the in-memory process table view backing the durable store: it
// serializes every state transition through a single coarse mutex, emits
// events for every mutation, and runs the PID allocator and reaper.
type Manager struct {
	mu sync.Mutex

	store   storage.Store
	bus     *eventbus.Bus
	spawner Spawner

	maxProcesses int
	ipcQueueMax  int

	nextPID int
	cancels map[int]context.CancelFunc
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLimits overrides the default process-table and IPC-queue caps.
func WithLimits(maxProcesses, ipcQueueMax int) Option {
	return func(m *Manager) {
		m.maxProcesses = maxProcesses
		m.ipcQueueMax = ipcQueueMax
	}
}

// New creates a Manager. spawner may be nil; Spawn then only records process
// metadata without starting a backing execution unit (used in tests).
func New(store storage.Store, bus *eventbus.Bus, spawner Spawner, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		bus:          bus,
		spawner:      spawner,
		maxProcesses: DefaultMaxProcesses,
		ipcQueueMax:  DefaultIPCQueueMax,
		nextPID:      1,
		cancels:      make(map[int]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) emit(topic string, pid int, data map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(types.Event{Topic: topic, PID: pid, Data: data})
}

func (m *Manager) liveCount() (int, error) {
	procs, err := m.store.ListProcesses()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range procs {
		if p.State != types.ProcessDead {
			n++
		}
	}
	return n, nil
}

// LiveCount returns the number of processes not currently in the dead
// state, used by pkg/cluster to report this node's load in heartbeats.
func (m *Manager) LiveCount() (int, error) {
	return m.liveCount()
}

// allocatePID returns the next PID, skipping any occupant whose recorded
// state is not dead. Wraps at 2*maxProcesses to avoid an unbounded counter
// while still giving dead PIDs room to be reclaimed.
func (m *Manager) allocatePID() (int, error) {
	limit := 2 * m.maxProcesses
	for i := 0; i < limit; i++ {
		candidate := m.nextPID
		m.nextPID++
		if m.nextPID > limit {
			m.nextPID = 1
		}
		existing, err := m.store.GetProcess(candidate)
		if err != nil && kernelerr.KindOf(err) != kernelerr.KindNotFound {
			return 0, err
		}
		if existing == nil || existing.State == types.ProcessDead {
			return candidate, nil
		}
	}
	return 0, kernelerr.Domain(kernelerr.KindTransient, "PID_SPACE_EXHAUSTED", "no reclaimable PID in range 1..%d", limit)
}

// Spawn creates a new process from cfg, allocates its PID, persists it, and
// (if a spawner is configured) starts its backing execution unit.
func (m *Manager) Spawn(ctx context.Context, cfg types.AgentConfig, ownerUID string, parentPID int) (*types.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live, err := m.liveCount()
	if err != nil {
		return nil, err
	}
	if live >= m.maxProcesses {
		return nil, kernelerr.Domain(kernelerr.KindValidation, "PROCESS_TABLE_FULL", "live process count %d >= max %d", live, m.maxProcesses)
	}

	pid, err := m.allocatePID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	uid := ownerUID
	if uid == "" {
		uid = fmt.Sprintf("agent_%d", pid)
	}
	p := &types.Process{
		PID:           pid,
		Name:          cfg.Name,
		OwnerID:       uid,
		ParentPID:     parentPID,
		State:         types.ProcessCreated,
		Phase:         types.PhaseBooting,
		Config:        cfg,
		Command:       cfg.Command,
		Env:           cfg.Env,
		HomeDir:       fmt.Sprintf("/home/%s", uid),
		WorkDir:       fmt.Sprintf("/home/%s/workspace", uid),
		Labels:        cfg.Labels,
		RestartPolicy: cfg.RestartPolicy,
		CreatedAt:     now,
	}

	if err := m.store.CreateProcess(p); err != nil {
		return nil, err
	}

	if m.spawner != nil {
		runCtx, cancel := context.WithCancel(ctx)
		containerID, stop, err := m.spawner.Start(runCtx, p)
		if err != nil {
			cancel()
			p.State = types.ProcessZombie
			p.Phase = types.PhaseFailed
			p.ExitedAt = time.Now()
			p.Error = err.Error()
			m.store.UpdateProcess(p)
			m.emit("process.stateChange", pid, map[string]any{"pid": pid, "state": p.State, "previousState": types.ProcessCreated, "agentPhase": p.Phase})
			return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "start process %d", pid)
		}
		p.ContainerID = containerID
		m.cancels[pid] = func() {
			cancel()
			if stop != nil {
				stop()
			}
		}
	}

	p.State = types.ProcessRunning
	p.StartedAt = now
	if err := m.store.UpdateProcess(p); err != nil {
		return nil, err
	}

	logger := log.WithPID(pid)
	logger.Info().Str("owner", uid).Msg("process spawned")
	m.emit("process.spawned", pid, map[string]any{"pid": pid, "ownerId": uid, "name": p.Name})
	return p, nil
}

// Get returns a process by PID.
func (m *Manager) Get(pid int) (*types.Process, error) {
	return m.store.GetProcess(pid)
}

// List returns every process in the table.
func (m *Manager) List() ([]*types.Process, error) {
	return m.store.ListProcesses()
}

var allowedTransitions = map[types.ProcessState]map[types.ProcessState]bool{
	types.ProcessCreated:  {types.ProcessRunning: true, types.ProcessZombie: true},
	types.ProcessRunning:  {types.ProcessSleeping: true, types.ProcessStopped: true, types.ProcessZombie: true},
	types.ProcessSleeping: {types.ProcessRunning: true, types.ProcessZombie: true},
	types.ProcessStopped:  {types.ProcessRunning: true, types.ProcessZombie: true},
	types.ProcessZombie:   {types.ProcessDead: true},
	types.ProcessDead:     {},
}

// SetState transitions pid to newState (and optionally updates its agent
// phase), validating the edge against the state machine and emitting
// process.stateChange. phase may be "" to leave the phase unchanged.
func (m *Manager) SetState(pid int, newState types.ProcessState, phase types.AgentPhase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStateLocked(pid, newState, phase)
}

func (m *Manager) setStateLocked(pid int, newState types.ProcessState, phase types.AgentPhase) error {
	p, err := m.store.GetProcess(pid)
	if err != nil {
		return err
	}
	prev := p.State
	if prev != newState && !allowedTransitions[prev][newState] {
		return kernelerr.Validation("illegal transition %s -> %s for pid %d", prev, newState, pid)
	}
	p.State = newState
	if phase != "" {
		p.Phase = phase
	}
	if err := m.store.UpdateProcess(p); err != nil {
		return err
	}
	m.emit("process.stateChange", pid, map[string]any{
		"pid": pid, "state": newState, "previousState": prev, "agentPhase": p.Phase,
	})
	return nil
}

// SetEnv overwrites pid's environment map and persists it. Used by
// SnapshotManager.RestoreSnapshot to re-inject host-managed entries
// (HOME, USER, SHELL, TERM) into a restored process's environment.
func (m *Manager) SetEnv(pid int, env map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.store.GetProcess(pid)
	if err != nil {
		return err
	}
	p.Env = env
	return m.store.UpdateProcess(p)
}

// Signal applies a control signal to pid per the kernel's fixed signal semantics.
func (m *Manager) Signal(pid int, sig types.Signal) error {
	m.mu.Lock()

	p, err := m.store.GetProcess(pid)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	switch sig {
	case types.SIGTERM, types.SIGKILL:
		if p.State == types.ProcessZombie || p.State == types.ProcessDead {
			m.mu.Unlock()
			return nil
		}
		code := 143
		if sig == types.SIGKILL {
			code = 137
		}
		if cancel, ok := m.cancels[pid]; ok {
			cancel()
			delete(m.cancels, pid)
		}
		prev := p.State
		p.State = types.ProcessZombie
		p.ExitedAt = time.Now()
		p.ExitCode = code
		if err := m.store.UpdateProcess(p); err != nil {
			m.mu.Unlock()
			return err
		}
		m.emit("process.stateChange", pid, map[string]any{"pid": pid, "state": p.State, "previousState": prev, "agentPhase": p.Phase})
		m.emit("process.exit", pid, map[string]any{"pid": pid, "code": code})
		m.mu.Unlock()

		go func() {
			time.Sleep(reapDelay)
			if err := m.Reap(pid); err != nil {
				logger := log.WithPID(pid)
				logger.Warn().Err(err).Msg("reap failed")
			}
		}()
		return nil

	case types.SIGSTOP:
		if p.State != types.ProcessRunning && p.State != types.ProcessSleeping {
			m.mu.Unlock()
			return nil
		}
		err := m.setStateLocked(pid, types.ProcessStopped, "")
		m.mu.Unlock()
		return err

	case types.SIGCONT:
		if p.State != types.ProcessStopped {
			m.mu.Unlock()
			return nil
		}
		err := m.setStateLocked(pid, types.ProcessRunning, "")
		m.mu.Unlock()
		return err

	default:
		m.mu.Unlock()
		m.emit("process.signal", pid, map[string]any{"pid": pid, "signal": sig})
		return nil
	}
}

// Reap transitions a zombie process to dead and clears its IPC queue.
func (m *Manager) Reap(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.store.GetProcess(pid)
	if err != nil {
		return err
	}
	if p.State != types.ProcessZombie {
		return nil
	}
	p.State = types.ProcessDead
	if err := m.store.UpdateProcess(p); err != nil {
		return err
	}
	for {
		msg, err := m.store.DequeueIPC(pid)
		if err != nil || msg == nil {
			break
		}
	}
	m.emit("process.reaped", pid, map[string]any{"pid": pid})
	logger := log.WithPID(pid)
	logger.Info().Msg("process reaped")
	return nil
}

// SendMessage appends a message to to's IPC queue, dropping the oldest entry
// first if the queue is already at capacity.
func (m *Manager) SendMessage(fromPID int, fromUID string, toPID int, channel string, payload []byte) (*types.IPCMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	to, err := m.store.GetProcess(toPID)
	if err != nil {
		return nil, err
	}

	existing, err := m.store.ListIPC(toPID)
	if err != nil {
		return nil, err
	}
	if len(existing) >= m.ipcQueueMax {
		if _, err := m.store.DequeueIPC(toPID); err != nil {
			return nil, err
		}
	}

	msg := &types.IPCMessage{
		ID:        fmt.Sprintf("ipc_%d_%d", toPID, time.Now().UnixNano()),
		FromPID:   fromPID,
		FromUID:   fromUID,
		ToPID:     toPID,
		ToUID:     to.OwnerID,
		Channel:   channel,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if err := m.store.EnqueueIPC(msg); err != nil {
		return nil, err
	}
	m.emit("ipc.message", toPID, map[string]any{"id": msg.ID, "from": fromPID, "to": toPID, "channel": channel})
	return msg, nil
}

// DrainMessages removes and returns every queued message for pid, marking
// each delivered.
func (m *Manager) DrainMessages(pid int) ([]*types.IPCMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var drained []*types.IPCMessage
	for {
		msg, err := m.store.DequeueIPC(pid)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			break
		}
		msg.Delivered = true
		if err := m.store.AppendIPCAudit(msg); err != nil {
			return nil, err
		}
		drained = append(drained, msg)
		m.emit("ipc.delivered", pid, map[string]any{"id": msg.ID})
	}
	return drained, nil
}

// PeekMessages returns every queued message for pid without removing them.
func (m *Manager) PeekMessages(pid int) ([]*types.IPCMessage, error) {
	return m.store.ListIPC(pid)
}

// Shutdown broadcasts SIGTERM to every live process, waits up to the
// configured grace period, then force-kills any survivor with SIGKILL.
func (m *Manager) Shutdown() error {
	procs, err := m.store.ListProcesses()
	if err != nil {
		return err
	}
	for _, p := range procs {
		if p.State != types.ProcessDead && p.State != types.ProcessZombie {
			if err := m.Signal(p.PID, types.SIGTERM); err != nil {
				logger := log.WithPID(p.PID)
				logger.Warn().Err(err).Msg("shutdown SIGTERM failed")
			}
		}
	}

	time.Sleep(shutdownGrace)

	procs, err = m.store.ListProcesses()
	if err != nil {
		return err
	}
	for _, p := range procs {
		if p.State != types.ProcessDead {
			if err := m.Signal(p.PID, types.SIGKILL); err != nil {
				logger := log.WithPID(p.PID)
				logger.Warn().Err(err).Msg("shutdown SIGKILL failed")
			}
		}
	}
	return nil
}
