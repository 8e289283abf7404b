package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/aethercore/kernel/pkg/kernelerr"
	"github.com/aethercore/kernel/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketProcesses    = []byte("processes")
	bucketIPC          = []byte("ipc")
	bucketIPCAudit     = []byte("ipc_audit")
	bucketSharedMounts = []byte("shared_mounts")
	bucketMemories     = []byte("memories")
	bucketMemoriesFTS  = []byte("memories_fts")
	bucketCronJobs     = []byte("cron_jobs")
	bucketTriggers     = []byte("event_triggers")
	bucketWebhooks     = []byte("webhooks")
	bucketDeliveries   = []byte("webhook_deliveries")
	bucketSnapshots    = []byte("snapshots")
	bucketUsers        = []byte("users")
	bucketOrgs         = []byte("organizations")
	bucketOrgMembers   = []byte("org_members")
	bucketTeams        = []byte("teams")
	bucketTeamMembers  = []byte("team_members")
	bucketClusterNodes = []byte("cluster_nodes")
)

var tokenRE = regexp.MustCompile(`[a-zA-Z0-9]+`)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the kernel's state file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "aether.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketProcesses, bucketIPC, bucketIPCAudit, bucketSharedMounts,
			bucketMemories, bucketMemoriesFTS, bucketCronJobs, bucketTriggers,
			bucketWebhooks, bucketDeliveries, bucketSnapshots,
			bucketUsers, bucketOrgs, bucketOrgMembers, bucketTeams, bucketTeamMembers, bucketClusterNodes,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func pidKey(pid int) []byte {
	return []byte(strconv.Itoa(pid))
}

// Processes

func (s *BoltStore) CreateProcess(p *types.Process) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketProcesses).Put(pidKey(p.PID), data)
	})
}

func (s *BoltStore) GetProcess(pid int) (*types.Process, error) {
	var p types.Process
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProcesses).Get(pidKey(pid))
		if data == nil {
			return kernelerr.NotFound("process not found: %d", pid)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListProcesses() ([]*types.Process, error) {
	var procs []*types.Process
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProcesses).ForEach(func(k, v []byte) error {
			var p types.Process
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			procs = append(procs, &p)
			return nil
		})
	})
	return procs, err
}

func (s *BoltStore) UpdateProcess(p *types.Process) error {
	return s.CreateProcess(p)
}

func (s *BoltStore) DeleteProcess(pid int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProcesses).Delete(pidKey(pid))
	})
}

// IPC

func (s *BoltStore) EnqueueIPC(msg *types.IPCMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIPC)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%010d:%020d", msg.ToPID, seq)
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) DequeueIPC(pid int) (*types.IPCMessage, error) {
	var msg *types.IPCMessage
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIPC)
		prefix := []byte(fmt.Sprintf("%010d:", pid))
		c := b.Cursor()
		k, v := c.Seek(prefix)
		if k == nil || !strings.HasPrefix(string(k), string(prefix)) {
			return nil
		}
		var m types.IPCMessage
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		if err := b.Delete(k); err != nil {
			return err
		}
		msg = &m
		return nil
	})
	return msg, err
}

func (s *BoltStore) ListIPC(pid int) ([]*types.IPCMessage, error) {
	var msgs []*types.IPCMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIPC)
		prefix := []byte(fmt.Sprintf("%010d:", pid))
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var m types.IPCMessage
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			msgs = append(msgs, &m)
		}
		return nil
	})
	return msgs, err
}

func (s *BoltStore) AppendIPCAudit(msg *types.IPCMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketIPCAudit).Put([]byte(msg.ID), data)
	})
}

// Shared mounts

func (s *BoltStore) CreateSharedMount(m *types.SharedMount) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSharedMounts).Put([]byte(m.Name), data)
	})
}

func (s *BoltStore) GetSharedMount(name string) (*types.SharedMount, error) {
	var m types.SharedMount
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSharedMounts).Get([]byte(name))
		if data == nil {
			return kernelerr.NotFound("shared mount not found: %s", name)
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) ListSharedMounts() ([]*types.SharedMount, error) {
	var mounts []*types.SharedMount
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSharedMounts).ForEach(func(k, v []byte) error {
			var m types.SharedMount
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			mounts = append(mounts, &m)
			return nil
		})
	})
	return mounts, err
}

func (s *BoltStore) UpdateSharedMount(m *types.SharedMount) error {
	return s.CreateSharedMount(m)
}

func (s *BoltStore) DeleteSharedMount(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSharedMounts).Delete([]byte(name))
	})
}

// Memories, with a hand-rolled inverted index for full-text search.

func tokenize(content string) []string {
	matches := tokenRE.FindAllString(strings.ToLower(content), -1)
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, t := range matches {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func ftsKey(token string, ownerPID int) []byte {
	return []byte(fmt.Sprintf("%s:%010d", token, ownerPID))
}

func (s *BoltStore) indexMemory(tx *bolt.Tx, m *types.MemoryRecord) error {
	fts := tx.Bucket(bucketMemoriesFTS)
	for _, token := range tokenize(m.Content) {
		key := ftsKey(token, m.OwnerPID)
		var ids []string
		if data := fts.Get(key); data != nil {
			if err := json.Unmarshal(data, &ids); err != nil {
				return err
			}
		}
		ids = append(ids, m.ID)
		data, err := json.Marshal(ids)
		if err != nil {
			return err
		}
		if err := fts.Put(key, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) unindexMemory(tx *bolt.Tx, m *types.MemoryRecord) error {
	fts := tx.Bucket(bucketMemoriesFTS)
	for _, token := range tokenize(m.Content) {
		key := ftsKey(token, m.OwnerPID)
		data := fts.Get(key)
		if data == nil {
			continue
		}
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return err
		}
		filtered := ids[:0]
		for _, id := range ids {
			if id != m.ID {
				filtered = append(filtered, id)
			}
		}
		if len(filtered) == 0 {
			if err := fts.Delete(key); err != nil {
				return err
			}
			continue
		}
		out, err := json.Marshal(filtered)
		if err != nil {
			return err
		}
		if err := fts.Put(key, out); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) CreateMemory(m *types.MemoryRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketMemories).Put([]byte(m.ID), data); err != nil {
			return err
		}
		return s.indexMemory(tx, m)
	})
}

func (s *BoltStore) GetMemory(id string) (*types.MemoryRecord, error) {
	var m types.MemoryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMemories).Get([]byte(id))
		if data == nil {
			return kernelerr.NotFound("memory not found: %s", id)
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) ListMemories(ownerPID int) ([]*types.MemoryRecord, error) {
	var memories []*types.MemoryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMemories).ForEach(func(k, v []byte) error {
			var m types.MemoryRecord
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if ownerPID == 0 || m.OwnerPID == ownerPID {
				memories = append(memories, &m)
			}
			return nil
		})
	})
	return memories, err
}

func (s *BoltStore) UpdateMemory(m *types.MemoryRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMemories).Get([]byte(m.ID))
		if data != nil {
			var old types.MemoryRecord
			if err := json.Unmarshal(data, &old); err == nil {
				if err := s.unindexMemory(tx, &old); err != nil {
					return err
				}
			}
		}
		out, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketMemories).Put([]byte(m.ID), out); err != nil {
			return err
		}
		return s.indexMemory(tx, m)
	})
}

func (s *BoltStore) DeleteMemory(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMemories).Get([]byte(id))
		if data == nil {
			return nil
		}
		var m types.MemoryRecord
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		if err := s.unindexMemory(tx, &m); err != nil {
			return err
		}
		return tx.Bucket(bucketMemories).Delete([]byte(id))
	})
}

// SearchMemories returns memories owned by ownerPID whose content contains
// every token in query, via the inverted index (intersection of postings).
func (s *BoltStore) SearchMemories(ownerPID int, query string) ([]*types.MemoryRecord, error) {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	var results []*types.MemoryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		fts := tx.Bucket(bucketMemoriesFTS)
		var ids []string
		for i, token := range tokens {
			data := fts.Get(ftsKey(token, ownerPID))
			if data == nil {
				return nil // any missing token means no match
			}
			var posting []string
			if err := json.Unmarshal(data, &posting); err != nil {
				return err
			}
			if i == 0 {
				ids = posting
				continue
			}
			ids = intersect(ids, posting)
		}

		memories := tx.Bucket(bucketMemories)
		for _, id := range ids {
			data := memories.Get([]byte(id))
			if data == nil {
				continue
			}
			var m types.MemoryRecord
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			results = append(results, &m)
		}
		return nil
	})
	return results, err
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	var out []string
	for _, v := range a {
		if set[v] {
			out = append(out, v)
		}
	}
	return out
}

// Cron jobs

func (s *BoltStore) CreateCronJob(c *types.CronJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCronJobs).Put([]byte(c.ID), data)
	})
}

func (s *BoltStore) GetCronJob(id string) (*types.CronJob, error) {
	var c types.CronJob
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCronJobs).Get([]byte(id))
		if data == nil {
			return kernelerr.NotFound("cron job not found: %s", id)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListCronJobs() ([]*types.CronJob, error) {
	var jobs []*types.CronJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCronJobs).ForEach(func(k, v []byte) error {
			var c types.CronJob
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			jobs = append(jobs, &c)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) UpdateCronJob(c *types.CronJob) error {
	return s.CreateCronJob(c)
}

func (s *BoltStore) DeleteCronJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCronJobs).Delete([]byte(id))
	})
}

// Event triggers

func (s *BoltStore) CreateEventTrigger(t *types.EventTrigger) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTriggers).Put([]byte(t.ID), data)
	})
}

func (s *BoltStore) GetEventTrigger(id string) (*types.EventTrigger, error) {
	var t types.EventTrigger
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTriggers).Get([]byte(id))
		if data == nil {
			return kernelerr.NotFound("event trigger not found: %s", id)
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ListEventTriggers() ([]*types.EventTrigger, error) {
	var triggers []*types.EventTrigger
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTriggers).ForEach(func(k, v []byte) error {
			var t types.EventTrigger
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			triggers = append(triggers, &t)
			return nil
		})
	})
	return triggers, err
}

func (s *BoltStore) UpdateEventTrigger(t *types.EventTrigger) error {
	return s.CreateEventTrigger(t)
}

func (s *BoltStore) DeleteEventTrigger(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTriggers).Delete([]byte(id))
	})
}

// Webhooks

func (s *BoltStore) CreateWebhook(w *types.Webhook) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketWebhooks).Put([]byte(w.ID), data)
	})
}

func (s *BoltStore) GetWebhook(id string) (*types.Webhook, error) {
	var w types.Webhook
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWebhooks).Get([]byte(id))
		if data == nil {
			return kernelerr.NotFound("webhook not found: %s", id)
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) ListWebhooks() ([]*types.Webhook, error) {
	var hooks []*types.Webhook
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWebhooks).ForEach(func(k, v []byte) error {
			var w types.Webhook
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			hooks = append(hooks, &w)
			return nil
		})
	})
	return hooks, err
}

func (s *BoltStore) ListWebhooksByTopic(topic string) ([]*types.Webhook, error) {
	all, err := s.ListWebhooks()
	if err != nil {
		return nil, err
	}
	var matched []*types.Webhook
	for _, w := range all {
		if !w.Active {
			continue
		}
		for _, t := range w.Topics {
			if t == topic || t == "*" {
				matched = append(matched, w)
				break
			}
		}
	}
	return matched, nil
}

func (s *BoltStore) UpdateWebhook(w *types.Webhook) error {
	return s.CreateWebhook(w)
}

func (s *BoltStore) DeleteWebhook(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWebhooks).Delete([]byte(id))
	})
}

// Webhook deliveries

func (s *BoltStore) EnqueueWebhookDelivery(d *types.WebhookDelivery) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDeliveries).Put([]byte(d.ID), data)
	})
}

func (s *BoltStore) ListPendingWebhookDeliveries() ([]*types.WebhookDelivery, error) {
	var pending []*types.WebhookDelivery
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeliveries).ForEach(func(k, v []byte) error {
			var d types.WebhookDelivery
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if !d.DeadLetter {
				pending = append(pending, &d)
			}
			return nil
		})
	})
	return pending, err
}

func (s *BoltStore) UpdateWebhookDelivery(d *types.WebhookDelivery) error {
	return s.EnqueueWebhookDelivery(d)
}

func (s *BoltStore) DeleteWebhookDelivery(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeliveries).Delete([]byte(id))
	})
}

func (s *BoltStore) ListDeadLetters() ([]*types.WebhookDelivery, error) {
	var dead []*types.WebhookDelivery
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeliveries).ForEach(func(k, v []byte) error {
			var d types.WebhookDelivery
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.DeadLetter {
				dead = append(dead, &d)
			}
			return nil
		})
	})
	return dead, err
}

// Snapshots

func (s *BoltStore) CreateSnapshot(sn *types.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sn)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshots).Put([]byte(sn.ID), data)
	})
}

func (s *BoltStore) GetSnapshot(id string) (*types.Snapshot, error) {
	var sn types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(id))
		if data == nil {
			return kernelerr.NotFound("snapshot not found: %s", id)
		}
		return json.Unmarshal(data, &sn)
	})
	if err != nil {
		return nil, err
	}
	return &sn, nil
}

func (s *BoltStore) ListSnapshots(pid int) ([]*types.Snapshot, error) {
	var snaps []*types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
			var sn types.Snapshot
			if err := json.Unmarshal(v, &sn); err != nil {
				return err
			}
			if pid == 0 || sn.PID == pid {
				snaps = append(snaps, &sn)
			}
			return nil
		})
	})
	return snaps, err
}

func (s *BoltStore) DeleteSnapshot(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete([]byte(id))
	})
}

// Auth

func (s *BoltStore) CreateUser(u *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put([]byte(u.ID), data)
	})
}

func (s *BoltStore) GetUser(id string) (*types.User, error) {
	var u types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return kernelerr.NotFound("user not found: %s", id)
		}
		return json.Unmarshal(data, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *BoltStore) GetUserByUsername(username string) (*types.User, error) {
	var found *types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var u types.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			if u.Username == username {
				found = &u
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, kernelerr.NotFound("user not found: %s", username)
	}
	return found, nil
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var u types.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			users = append(users, &u)
			return nil
		})
	})
	return users, err
}

func (s *BoltStore) UpdateUser(u *types.User) error {
	return s.CreateUser(u)
}

func (s *BoltStore) DeleteUser(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Delete([]byte(id))
	})
}

func (s *BoltStore) CreateOrganization(o *types.Organization) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(o)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketOrgs).Put([]byte(o.ID), data)
	})
}

func (s *BoltStore) GetOrganization(id string) (*types.Organization, error) {
	var o types.Organization
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOrgs).Get([]byte(id))
		if data == nil {
			return kernelerr.NotFound("organization not found: %s", id)
		}
		return json.Unmarshal(data, &o)
	})
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *BoltStore) ListOrganizations() ([]*types.Organization, error) {
	var orgs []*types.Organization
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOrgs).ForEach(func(k, v []byte) error {
			var o types.Organization
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			orgs = append(orgs, &o)
			return nil
		})
	})
	return orgs, err
}

func (s *BoltStore) CreateTeam(t *types.Team) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTeams).Put([]byte(t.ID), data)
	})
}

func (s *BoltStore) GetTeam(id string) (*types.Team, error) {
	var t types.Team
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTeams).Get([]byte(id))
		if data == nil {
			return kernelerr.NotFound("team not found: %s", id)
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ListTeams(orgID string) ([]*types.Team, error) {
	var teams []*types.Team
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTeams).ForEach(func(k, v []byte) error {
			var t types.Team
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if orgID == "" || t.OrgID == orgID {
				teams = append(teams, &t)
			}
			return nil
		})
	})
	return teams, err
}

func (s *BoltStore) UpdateTeam(t *types.Team) error {
	return s.CreateTeam(t)
}

func (s *BoltStore) DeleteTeam(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTeams).Delete([]byte(id))
	})
}

func orgMemberKey(orgID, userID string) []byte {
	return []byte(orgID + "/" + userID)
}

func (s *BoltStore) PutOrgMember(m *types.OrgMember) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketOrgMembers).Put(orgMemberKey(m.OrgID, m.UserID), data)
	})
}

func (s *BoltStore) GetOrgMember(orgID, userID string) (*types.OrgMember, error) {
	var m types.OrgMember
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOrgMembers).Get(orgMemberKey(orgID, userID))
		if data == nil {
			return kernelerr.NotFound("org member not found: %s/%s", orgID, userID)
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) ListOrgMembers(orgID string) ([]*types.OrgMember, error) {
	var members []*types.OrgMember
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOrgMembers).ForEach(func(k, v []byte) error {
			var m types.OrgMember
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if orgID == "" || m.OrgID == orgID {
				members = append(members, &m)
			}
			return nil
		})
	})
	return members, err
}

func (s *BoltStore) DeleteOrgMember(orgID, userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOrgMembers).Delete(orgMemberKey(orgID, userID))
	})
}

func teamMemberKey(teamID, userID string) []byte {
	return []byte(teamID + "/" + userID)
}

func (s *BoltStore) PutTeamMember(m *types.TeamMember) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTeamMembers).Put(teamMemberKey(m.TeamID, m.UserID), data)
	})
}

func (s *BoltStore) ListTeamMembers(teamID string) ([]*types.TeamMember, error) {
	var members []*types.TeamMember
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTeamMembers).ForEach(func(k, v []byte) error {
			var m types.TeamMember
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if teamID == "" || m.TeamID == teamID {
				members = append(members, &m)
			}
			return nil
		})
	})
	return members, err
}

func (s *BoltStore) DeleteTeamMember(teamID, userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTeamMembers).Delete(teamMemberKey(teamID, userID))
	})
}

// Cluster peers

func (s *BoltStore) CreateClusterNode(n *types.ClusterNode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketClusterNodes).Put([]byte(n.ID), data)
	})
}

func (s *BoltStore) GetClusterNode(id string) (*types.ClusterNode, error) {
	var n types.ClusterNode
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketClusterNodes).Get([]byte(id))
		if data == nil {
			return kernelerr.NotFound("cluster node not found: %s", id)
		}
		return json.Unmarshal(data, &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) ListClusterNodes() ([]*types.ClusterNode, error) {
	var nodes []*types.ClusterNode
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusterNodes).ForEach(func(k, v []byte) error {
			var n types.ClusterNode
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			nodes = append(nodes, &n)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateClusterNode(n *types.ClusterNode) error {
	return s.CreateClusterNode(n)
}

func (s *BoltStore) DeleteClusterNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusterNodes).Delete([]byte(id))
	})
}
