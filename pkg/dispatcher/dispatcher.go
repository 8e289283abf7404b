package dispatcher

import (
	"context"
	"strings"

	"github.com/aethercore/kernel/pkg/auth"
	"github.com/aethercore/kernel/pkg/cron"
	"github.com/aethercore/kernel/pkg/eventbus"
	"github.com/aethercore/kernel/pkg/kernelerr"
	"github.com/aethercore/kernel/pkg/memory"
	"github.com/aethercore/kernel/pkg/process"
	"github.com/aethercore/kernel/pkg/pty"
	"github.com/aethercore/kernel/pkg/snapshot"
	"github.com/aethercore/kernel/pkg/types"
	"github.com/aethercore/kernel/pkg/vfs"
	"github.com/aethercore/kernel/pkg/webhook"
)

// Command is one inbound client request. PID and OwnerUID identify the
// caller's own agent process where the command is scoped to it (signals,
// IPC, memory, filesystem); UserID/OrgID identify the authenticated human
// session the command arrived on, used for the RBAC check; Data carries
// the command-specific arguments.
type Command struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	PID     int            `json:"pid,omitempty"`
	OwnerID string         `json:"ownerId,omitempty"`
	UserID  string         `json:"userId,omitempty"`
	OrgID   string         `json:"orgId,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Authorize checks whether userID may run a command requiring permission,
// optionally scoped to orgID. Implemented by *auth.Manager.HasPermission.
type Authorize func(userID string, permission auth.Permission, orgID string) (bool, error)

// Dispatcher routes a Command to exactly one subsystem call and turns the
// result into a response.ok or response.error event, matching
// pkg/api/server.go's one-method-per-request-type switch.
type Dispatcher struct {
	Bus       *eventbus.Bus
	Process   *process.Manager
	FS        *vfs.FS
	Memory    *memory.Manager
	Cron      *cron.Engine
	Snapshot  *snapshot.Manager
	PTY       *pty.Manager
	Webhook   *webhook.Manager
	Authorize Authorize // nil disables the RBAC check (local/test use)
}

// New creates a Dispatcher wired to the kernel's already-constructed
// subsystem managers. webhookMgr may be nil, which disables the webhook.*
// commands (routed calls return a validation error). The RBAC check is
// disabled until WithAuthorize attaches one.
func New(bus *eventbus.Bus, proc *process.Manager, fs *vfs.FS, mem *memory.Manager, cronEngine *cron.Engine, snap *snapshot.Manager, ptyMgr *pty.Manager, webhookMgr *webhook.Manager) *Dispatcher {
	return &Dispatcher{Bus: bus, Process: proc, FS: fs, Memory: mem, Cron: cronEngine, Snapshot: snap, PTY: ptyMgr, Webhook: webhookMgr}
}

// WithAuthorize attaches the RBAC check every subsequent Handle call enforces.
func (d *Dispatcher) WithAuthorize(check Authorize) *Dispatcher {
	d.Authorize = check
	return d
}

// Handle executes cmd and returns the response event to emit back to the
// calling connection. It never panics: subsystem errors are translated into
// response.error via kernelerr's stable code mapping instead of propagating.
func (d *Dispatcher) Handle(ctx context.Context, cmd Command) OutEvent {
	if err := d.authorize(cmd); err != nil {
		return OutEvent{
			Event: "response.error",
			Data: map[string]any{
				"id":      cmd.ID,
				"code":    kernelerr.CodeOf(err),
				"message": err.Error(),
			},
		}
	}
	result, err := d.route(ctx, cmd)
	if err != nil {
		return OutEvent{
			Event: "response.error",
			Data: map[string]any{
				"id":      cmd.ID,
				"code":    kernelerr.CodeOf(err),
				"message": err.Error(),
			},
		}
	}
	return OutEvent{
		Event: "response.ok",
		Data: map[string]any{
			"id":     cmd.ID,
			"result": result,
		},
	}
}

// authorize enforces the RBAC check for cmd when the dispatcher has one
// attached. Command types with no registered permission (see
// auth.PermissionForCommand) run unchecked once the caller is authenticated.
func (d *Dispatcher) authorize(cmd Command) error {
	if d.Authorize == nil {
		return nil
	}
	if cmd.UserID == "" {
		return kernelerr.Permission("command %q requires an authenticated session", cmd.Type)
	}
	permission, ok := auth.PermissionForCommand(cmd.Type)
	if !ok {
		return nil
	}
	allowed, err := d.Authorize(cmd.UserID, permission, cmd.OrgID)
	if err != nil {
		return err
	}
	if !allowed {
		return kernelerr.Permission("user %s lacks permission %q", cmd.UserID, permission)
	}
	return nil
}

func (d *Dispatcher) route(ctx context.Context, cmd Command) (any, error) {
	if d.Webhook == nil && strings.HasPrefix(cmd.Type, "webhook.") {
		return nil, kernelerr.Validation("webhook commands are disabled")
	}
	switch cmd.Type {
	case "process.spawn":
		return d.spawnProcess(ctx, cmd)
	case "process.list":
		return d.Process.List()
	case "process.get":
		return d.Process.Get(cmd.PID)
	case "process.signal":
		sig, _ := cmd.Data["signal"].(string)
		if err := d.Process.Signal(cmd.PID, types.Signal(sig)); err != nil {
			return nil, err
		}
		return map[string]any{"pid": cmd.PID, "signal": sig}, nil
	case "process.sendMessage":
		return d.sendMessage(cmd)
	case "process.drainMessages":
		return d.Process.DrainMessages(cmd.PID)
	case "process.peekMessages":
		return d.Process.PeekMessages(cmd.PID)

	case "fs.read":
		return d.fsRead(cmd)
	case "fs.write":
		return nil, d.fsWrite(cmd)
	case "fs.mkdir":
		recursive, _ := cmd.Data["recursive"].(bool)
		path, _ := cmd.Data["path"].(string)
		return nil, d.FS.Mkdir(path, recursive)
	case "fs.rm":
		recursive, _ := cmd.Data["recursive"].(bool)
		path, _ := cmd.Data["path"].(string)
		return nil, d.FS.Rm(path, recursive)
	case "fs.mv":
		from, _ := cmd.Data["from"].(string)
		to, _ := cmd.Data["to"].(string)
		return nil, d.FS.Mv(from, to)
	case "fs.cp":
		from, _ := cmd.Data["from"].(string)
		to, _ := cmd.Data["to"].(string)
		return nil, d.FS.Cp(from, to)
	case "fs.ls":
		path, _ := cmd.Data["path"].(string)
		return d.FS.Ls(path)
	case "fs.stat":
		path, _ := cmd.Data["path"].(string)
		return d.FS.Stat(path)
	case "fs.createSharedMount":
		name, _ := cmd.Data["name"].(string)
		return d.FS.CreateSharedMount(name, cmd.PID)
	case "fs.mountShared":
		return nil, d.mountShared(cmd)

	case "memory.store":
		return d.memoryStore(cmd)
	case "memory.recall":
		return d.memoryRecall(cmd)
	case "memory.share":
		return d.memoryShare(cmd)
	case "memory.forget":
		id, _ := cmd.Data["memoryId"].(string)
		return nil, d.Memory.Forget(id, cmd.PID)
	case "memory.consolidate":
		n, err := d.Memory.Consolidate(cmd.PID)
		return map[string]any{"consolidated": n}, err

	case "cron.createJob":
		return d.createCronJob(cmd)
	case "cron.deleteJob":
		id, _ := cmd.Data["id"].(string)
		return nil, d.Cron.DeleteJob(id)
	case "cron.createTrigger":
		return d.createTrigger(cmd)
	case "cron.deleteTrigger":
		id, _ := cmd.Data["id"].(string)
		return nil, d.Cron.DeleteTrigger(id)

	case "snapshot.create":
		desc, _ := cmd.Data["description"].(string)
		return d.Snapshot.CreateSnapshot(cmd.PID, desc)
	case "snapshot.restore":
		id, _ := cmd.Data["id"].(string)
		return d.Snapshot.RestoreSnapshot(ctx, id)
	case "snapshot.validate":
		id, _ := cmd.Data["id"].(string)
		return d.Snapshot.ValidateSnapshot(id), nil

	case "pty.open":
		return d.openPTY(ctx, cmd)
	case "pty.write":
		ttyID, _ := cmd.Data["ttyId"].(string)
		data, _ := cmd.Data["data"].(string)
		return nil, d.PTY.Write(ttyID, []byte(data))
	case "pty.resize":
		ttyID, _ := cmd.Data["ttyId"].(string)
		cols, _ := cmd.Data["cols"].(float64)
		rows, _ := cmd.Data["rows"].(float64)
		return nil, d.PTY.Resize(ttyID, int(cols), int(rows))
	case "pty.exec":
		ttyID, _ := cmd.Data["ttyId"].(string)
		command, _ := cmd.Data["command"].(string)
		return d.PTY.Exec(ttyID, command)
	case "pty.close":
		ttyID, _ := cmd.Data["ttyId"].(string)
		return nil, d.PTY.Close(ttyID)

	case "webhook.register":
		return d.registerWebhook(cmd)
	case "webhook.unregister":
		id, _ := cmd.Data["id"].(string)
		return nil, d.Webhook.Unregister(id)
	case "webhook.listDeadLetters":
		return d.Webhook.ListDeadLetters()

	default:
		return nil, kernelerr.Validation("unknown command type %q", cmd.Type)
	}
}

func (d *Dispatcher) spawnProcess(ctx context.Context, cmd Command) (any, error) {
	name, _ := cmd.Data["name"].(string)
	parentPID, _ := cmd.Data["parentPid"].(float64)
	cfg := types.AgentConfig{Name: name}
	if img, ok := cmd.Data["image"].(string); ok {
		cfg.Image = img
	}
	proc, err := d.Process.Spawn(ctx, cfg, cmd.OwnerID, int(parentPID))
	if err != nil {
		return nil, err
	}
	if d.FS != nil {
		if err := d.FS.CreateHome(proc.OwnerID); err != nil {
			return nil, err
		}
	}
	return proc, nil
}

func (d *Dispatcher) openPTY(ctx context.Context, cmd Command) (any, error) {
	proc, err := d.Process.Get(cmd.PID)
	if err != nil {
		return nil, err
	}
	cols, _ := cmd.Data["cols"].(float64)
	rows, _ := cmd.Data["rows"].(float64)
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	return d.PTY.Open(ctx, cmd.PID, proc.ContainerID, proc.HomeDir, int(cols), int(rows))
}

func (d *Dispatcher) registerWebhook(cmd Command) (any, error) {
	name, _ := cmd.Data["name"].(string)
	url, _ := cmd.Data["url"].(string)
	secret, _ := cmd.Data["secret"].(string)
	var topics []string
	if raw, ok := cmd.Data["topics"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				topics = append(topics, s)
			}
		}
	}
	var headers map[string]string
	if raw, ok := cmd.Data["headers"].(map[string]any); ok {
		headers = make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}
	retryCap, _ := cmd.Data["retryCap"].(float64)
	w := &types.Webhook{
		OwnerID:  cmd.OwnerID,
		Name:     name,
		URL:      url,
		Topics:   topics,
		Secret:   []byte(secret),
		Headers:  headers,
		RetryCap: int(retryCap),
		Active:   true,
	}
	return w, d.Webhook.Register(w)
}

// mountShared installs a previously created shared mount into the caller's
// home. The client passes back the name/hostPath pair fs.createSharedMount
// returned, since the kernel keeps no separate shared-mount directory to
// resolve a bare name against.
func (d *Dispatcher) mountShared(cmd Command) error {
	name, _ := cmd.Data["name"].(string)
	hostPath, _ := cmd.Data["hostPath"].(string)
	mountPoint, _ := cmd.Data["mountPoint"].(string)
	mount := &types.SharedMount{Name: name, HostPath: hostPath}
	return d.FS.MountShared(cmd.OwnerID, mount, mountPoint)
}

func (d *Dispatcher) sendMessage(cmd Command) (any, error) {
	toPID, _ := cmd.Data["toPid"].(float64)
	channel, _ := cmd.Data["channel"].(string)
	payload, _ := cmd.Data["payload"].(string)
	return d.Process.SendMessage(cmd.PID, cmd.OwnerID, int(toPID), channel, []byte(payload))
}

func (d *Dispatcher) fsRead(cmd Command) (any, error) {
	path, _ := cmd.Data["path"].(string)
	content, size, err := d.FS.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"content": string(content), "size": size}, nil
}

func (d *Dispatcher) fsWrite(cmd Command) error {
	path, _ := cmd.Data["path"].(string)
	content, _ := cmd.Data["content"].(string)
	return d.FS.WriteFile(path, []byte(content), cmd.OwnerID)
}

func (d *Dispatcher) memoryStore(cmd Command) (any, error) {
	content, _ := cmd.Data["content"].(string)
	layer, _ := cmd.Data["layer"].(string)
	importance, _ := cmd.Data["importance"].(float64)
	return d.Memory.Store(memory.StoreRequest{
		OwnerPID:   cmd.PID,
		OwnerUID:   cmd.OwnerID,
		Content:    content,
		Layer:      types.MemoryLayer(layer),
		Importance: importance,
	})
}

func (d *Dispatcher) memoryRecall(cmd Command) (any, error) {
	query, _ := cmd.Data["query"].(string)
	limit, _ := cmd.Data["limit"].(float64)
	return d.Memory.Recall(memory.RecallQuery{OwnerPID: cmd.PID, Query: query, Limit: int(limit)})
}

func (d *Dispatcher) memoryShare(cmd Command) (any, error) {
	memoryID, _ := cmd.Data["memoryId"].(string)
	toPID, _ := cmd.Data["toPid"].(float64)
	toUID, _ := cmd.Data["toUid"].(string)
	return d.Memory.Share(memoryID, cmd.PID, int(toPID), toUID)
}

func (d *Dispatcher) createCronJob(cmd Command) (any, error) {
	job := &types.CronJob{OwnerPID: cmd.PID}
	if schedule, ok := cmd.Data["schedule"].(string); ok {
		job.Schedule = schedule
	}
	if name, ok := cmd.Data["name"].(string); ok {
		job.Name = name
	}
	if timezone, ok := cmd.Data["timezone"].(string); ok {
		job.Timezone = timezone
	}
	return job, d.Cron.CreateJob(job)
}

func (d *Dispatcher) createTrigger(cmd Command) (any, error) {
	trig := &types.EventTrigger{OwnerPID: cmd.PID}
	if topic, ok := cmd.Data["topic"].(string); ok {
		trig.MatchTopic = topic
	}
	if target, ok := cmd.Data["targetTopic"].(string); ok {
		trig.TargetTopic = target
	}
	if name, ok := cmd.Data["name"].(string); ok {
		trig.Name = name
	}
	return trig, d.Cron.CreateTrigger(trig)
}
