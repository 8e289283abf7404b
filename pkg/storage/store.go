package storage

import (
	"github.com/aethercore/kernel/pkg/types"
)

// Store defines the interface for kernel state persistence.
// This is implemented by a BoltDB-backed store.
type Store interface {
	// Processes
	CreateProcess(p *types.Process) error
	GetProcess(pid int) (*types.Process, error)
	ListProcesses() ([]*types.Process, error)
	UpdateProcess(p *types.Process) error
	DeleteProcess(pid int) error

	// IPC mailboxes (queue semantics: Enqueue appends, Dequeue pops the front)
	EnqueueIPC(msg *types.IPCMessage) error
	DequeueIPC(pid int) (*types.IPCMessage, error)
	ListIPC(pid int) ([]*types.IPCMessage, error)
	AppendIPCAudit(msg *types.IPCMessage) error

	// Shared mounts
	CreateSharedMount(m *types.SharedMount) error
	GetSharedMount(name string) (*types.SharedMount, error)
	ListSharedMounts() ([]*types.SharedMount, error)
	UpdateSharedMount(m *types.SharedMount) error
	DeleteSharedMount(name string) error

	// Memories
	CreateMemory(m *types.MemoryRecord) error
	GetMemory(id string) (*types.MemoryRecord, error)
	ListMemories(ownerPID int) ([]*types.MemoryRecord, error)
	UpdateMemory(m *types.MemoryRecord) error
	DeleteMemory(id string) error
	SearchMemories(ownerPID int, query string) ([]*types.MemoryRecord, error)

	// Cron jobs
	CreateCronJob(c *types.CronJob) error
	GetCronJob(id string) (*types.CronJob, error)
	ListCronJobs() ([]*types.CronJob, error)
	UpdateCronJob(c *types.CronJob) error
	DeleteCronJob(id string) error

	// Event triggers
	CreateEventTrigger(t *types.EventTrigger) error
	GetEventTrigger(id string) (*types.EventTrigger, error)
	ListEventTriggers() ([]*types.EventTrigger, error)
	UpdateEventTrigger(t *types.EventTrigger) error
	DeleteEventTrigger(id string) error

	// Webhooks
	CreateWebhook(w *types.Webhook) error
	GetWebhook(id string) (*types.Webhook, error)
	ListWebhooks() ([]*types.Webhook, error)
	ListWebhooksByTopic(topic string) ([]*types.Webhook, error)
	UpdateWebhook(w *types.Webhook) error
	DeleteWebhook(id string) error

	// Webhook delivery / dead-letter queue
	EnqueueWebhookDelivery(d *types.WebhookDelivery) error
	ListPendingWebhookDeliveries() ([]*types.WebhookDelivery, error)
	UpdateWebhookDelivery(d *types.WebhookDelivery) error
	DeleteWebhookDelivery(id string) error
	ListDeadLetters() ([]*types.WebhookDelivery, error)

	// Snapshots
	CreateSnapshot(s *types.Snapshot) error
	GetSnapshot(id string) (*types.Snapshot, error)
	ListSnapshots(pid int) ([]*types.Snapshot, error)
	DeleteSnapshot(id string) error

	// Auth
	CreateUser(u *types.User) error
	GetUser(id string) (*types.User, error)
	GetUserByUsername(username string) (*types.User, error)
	ListUsers() ([]*types.User, error)
	UpdateUser(u *types.User) error
	DeleteUser(id string) error

	CreateOrganization(o *types.Organization) error
	GetOrganization(id string) (*types.Organization, error)
	ListOrganizations() ([]*types.Organization, error)

	PutOrgMember(m *types.OrgMember) error
	GetOrgMember(orgID, userID string) (*types.OrgMember, error)
	ListOrgMembers(orgID string) ([]*types.OrgMember, error)
	DeleteOrgMember(orgID, userID string) error

	CreateTeam(t *types.Team) error
	GetTeam(id string) (*types.Team, error)
	ListTeams(orgID string) ([]*types.Team, error)
	UpdateTeam(t *types.Team) error
	DeleteTeam(id string) error

	PutTeamMember(m *types.TeamMember) error
	ListTeamMembers(teamID string) ([]*types.TeamMember, error)
	DeleteTeamMember(teamID, userID string) error

	// Cluster peers
	CreateClusterNode(n *types.ClusterNode) error
	GetClusterNode(id string) (*types.ClusterNode, error)
	ListClusterNodes() ([]*types.ClusterNode, error)
	UpdateClusterNode(n *types.ClusterNode) error
	DeleteClusterNode(id string) error

	Close() error
}
