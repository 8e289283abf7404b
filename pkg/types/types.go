package types

import (
	"time"
)

// Process represents a single long-running agent process managed by the kernel.
type Process struct {
	PID           int
	Name          string
	OwnerID       string // agent_<pid>
	ParentPID     int
	State         ProcessState
	Phase         AgentPhase
	Config        AgentConfig
	Command       []string
	Env           map[string]string
	HomeDir       string
	WorkDir       string
	Labels        map[string]string
	RestartPolicy RestartPolicy
	RestartCount  int
	ContainerID   string // empty when the process is a direct-spawned child
	CPUPercent    float64
	MemoryBytes   int64
	CreatedAt     time.Time
	StartedAt     time.Time
	ExitedAt      time.Time
	ExitCode      int
	Error         string
}

// ProcessState is the lifecycle state of a Process.
type ProcessState string

const (
	ProcessCreated  ProcessState = "created"
	ProcessRunning  ProcessState = "running"
	ProcessSleeping ProcessState = "sleeping"
	ProcessStopped  ProcessState = "stopped"
	ProcessZombie   ProcessState = "zombie"
	ProcessDead     ProcessState = "dead"
)

// AgentPhase is where a running process is within its think/act/observe loop.
type AgentPhase string

const (
	PhaseBooting   AgentPhase = "booting"
	PhaseThinking  AgentPhase = "thinking"
	PhaseExecuting AgentPhase = "executing"
	PhaseObserving AgentPhase = "observing"
	PhaseWaiting   AgentPhase = "waiting"
	PhaseCompleted AgentPhase = "completed"
	PhaseFailed    AgentPhase = "failed"
	PhaseIdle      AgentPhase = "idle"
)

// Signal is a process control signal accepted by ProcessManager.Signal.
type Signal string

const (
	SIGTERM Signal = "SIGTERM"
	SIGKILL Signal = "SIGKILL"
	SIGSTOP Signal = "SIGSTOP"
	SIGCONT Signal = "SIGCONT"
	SIGINT  Signal = "SIGINT"
)

// RestartPolicy controls whether a process is respawned after exit.
type RestartPolicy struct {
	Condition   RestartCondition
	MaxAttempts int
	Delay       time.Duration
}

// RestartCondition defines when to restart a process.
type RestartCondition string

const (
	RestartNever     RestartCondition = "never"
	RestartOnFailure RestartCondition = "on-failure"
	RestartAlways    RestartCondition = "always"
)

// IPCMessage is a single message delivered through a process's FIFO mailbox.
type IPCMessage struct {
	ID        string
	FromPID   int
	FromUID   string
	ToPID     int
	ToUID     string
	Channel   string
	Payload   []byte
	Timestamp time.Time
	Delivered bool
}

// FileStat describes a node in the VirtualFS.
type FileStat struct {
	Path    string
	IsDir   bool
	Size    int64
	Mode    uint32
	ModTime time.Time
}

// SharedMount is a named directory shared between one or more process home directories.
type SharedMount struct {
	Name      string
	HostPath  string
	Members   []int // PIDs that have this mount linked into their home
	CreatedAt time.Time
}

// MemoryLayer is one of the four typed memory layers a process can write to.
type MemoryLayer string

const (
	MemoryEpisodic   MemoryLayer = "episodic"
	MemorySemantic   MemoryLayer = "semantic"
	MemoryProcedural MemoryLayer = "procedural"
	MemorySocial     MemoryLayer = "social"
)

// MemoryRecord is a single entry in a process's memory store.
type MemoryRecord struct {
	ID              string
	OwnerPID        int
	OwnerUID        string
	Layer           MemoryLayer
	Content         string
	Importance      float64
	CreatedAt       time.Time
	LastAccessed    time.Time
	AccessCount     int
	SharedWithPID   []int
	Tags            []string
	ExpiresAt       time.Time // zero means never
	SourcePID       int       // 0 means none
	RelatedMemories []string
}

// EffectiveImportance applies the access-decay formula: importance decays by 1%
// per day since last access.
func (m *MemoryRecord) EffectiveImportance(now time.Time) float64 {
	days := now.Sub(m.LastAccessed).Hours() / 24
	if days <= 0 {
		return m.Importance
	}
	decay := 1.0
	for i := 0; i < int(days); i++ {
		decay *= 0.99
	}
	return m.Importance * decay
}

// CronJob is a recurring schedule that publishes a cron.fire event when due.
type CronJob struct {
	ID         string
	OwnerPID   int
	Name       string
	Schedule   string // 5-field cron expression
	Timezone   string // IANA name; empty means UTC
	Payload    map[string]string
	Enabled    bool
	LastRun    time.Time
	NextRun    time.Time
	CreatedAt  time.Time
}

// EventTrigger fires a target event whenever a matching source event is observed,
// subject to a cooldown.
type EventTrigger struct {
	ID          string
	OwnerPID    int
	Name        string
	MatchTopic  string // supports "*" wildcard suffix, e.g. "memory.*"
	TargetTopic string
	EventFilter map[string]string // every key must shallow-match the firing event's payload
	Cooldown    time.Duration
	LastFired   time.Time
	Enabled     bool
	CreatedAt   time.Time
}

// Webhook is an outbound HTTP delivery target subscribed to one or more event topics.
type Webhook struct {
	ID            string
	OwnerID       string
	Name          string
	URL           string
	Topics        []string
	Secret        []byte // encrypted at rest, used for HMAC request signing
	Active        bool
	RetryCap      int // per-webhook retry cap; 0 means fall back to the manager default
	Headers       map[string]string
	FailureCount  int
	CreatedAt     time.Time
	LastDeliverAt time.Time
	LastStatus    int
}

// WebhookDelivery tracks one delivery attempt, successful or dead-lettered.
type WebhookDelivery struct {
	ID          string
	WebhookID   string
	Topic       string
	Payload     []byte
	Attempts    int
	NextAttempt time.Time
	LastError   string
	DeadLetter  bool
	CreatedAt   time.Time
}

// Snapshot is a point-in-time capture of a process's filesystem, state and memories.
type Snapshot struct {
	ID          string
	PID         int
	BodyPath    string
	TarballPath string
	ManifestPath string
	ManifestSHA string
	SizeBytes   int64
	CreatedAt   time.Time
	Label       string
}

// SnapshotManifest is the JSON index stored alongside a snapshot's tarball.
type SnapshotManifest struct {
	Version     int
	SnapshotID  string
	PID         int
	ProcessName string
	State       ProcessState
	Files       []string
	MemoryCount int
	CreatedAt   time.Time
	SHA256      string
}

// SystemRole is the system-wide role carried on a User account.
type SystemRole string

const (
	SystemRoleAdmin SystemRole = "admin"
	SystemRoleUser  SystemRole = "user"
)

// OrgRole is a user's role within a single Organization.
type OrgRole string

const (
	OrgRoleOwner  OrgRole = "owner"
	OrgRoleAdmin  OrgRole = "admin"
	OrgRoleMember OrgRole = "member"
	OrgRoleViewer OrgRole = "viewer"
)

// TeamRole is a user's role within a single Team.
type TeamRole string

const (
	TeamRoleLead   TeamRole = "lead"
	TeamRoleMember TeamRole = "member"
)

// User is a human or service account that can authenticate against the kernel.
type User struct {
	ID           string
	Username     string
	DisplayName  string
	PasswordHash string // "salt:hash" hex, salted scrypt
	Role         SystemRole
	CreatedAt    time.Time
	LastLoginAt  time.Time
	Disabled     bool
}

// Organization is a single tenant boundary.
type Organization struct {
	ID        string
	Name      string
	OwnerID   string
	Settings  map[string]string
	CreatedAt time.Time
}

// OrgMember links a user to an organization with a scoped role.
type OrgMember struct {
	OrgID     string
	UserID    string
	Role      OrgRole
	CreatedAt time.Time
}

// Team groups users within an organization for scoped resource access.
type Team struct {
	ID        string
	OrgID     string
	Name      string
	CreatedAt time.Time
}

// TeamMember links a user to a team with a scoped role.
type TeamMember struct {
	TeamID    string
	UserID    string
	Role      TeamRole
	CreatedAt time.Time
}

// AgentConfig is the user-supplied template a process is created from.
// Role, Goal, Model, Tools and MaxSteps drive the think/act/observe loop;
// everything else is opaque to the kernel and passed through unexamined.
type AgentConfig struct {
	Name          string
	Role          string
	Goal          string
	Model         string
	Tools         []string
	MaxSteps      int
	Command       []string
	Env           map[string]string
	Labels        map[string]string
	RestartPolicy RestartPolicy
	UseContainer  bool
	Image         string // container image, only used when UseContainer is true
	Extra         map[string]string
}

// ClusterNode describes a peer node known to the ClusterManager.
type ClusterNode struct {
	ID            string
	Address       string
	IsHub         bool
	LastHeartbeat time.Time
	Status        NodeStatus
}

// NodeStatus represents the liveness of a ClusterNode.
type NodeStatus string

const (
	NodeStatusUp      NodeStatus = "up"
	NodeStatusDown    NodeStatus = "down"
	NodeStatusUnknown NodeStatus = "unknown"
)

// SessionVariant distinguishes where a PTY session's shell actually runs.
type SessionVariant string

const (
	SessionLocal         SessionVariant = "local"
	SessionContainerized SessionVariant = "containerized"
)

// PTYSession describes a single terminal session bound to a process.
type PTYSession struct {
	TTYID         string
	PID           int
	Cols          int
	Rows          int
	CWD           string
	CreatedAt     time.Time
	Containerized bool
}

// Event is a single message travelling through the EventBus.
type Event struct {
	Topic     string
	Timestamp time.Time
	PID       int
	Data      map[string]any
}
