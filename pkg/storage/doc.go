/*
Package storage provides BoltDB-backed state persistence for the kernel.

The storage package implements the Store interface using BoltDB as the
underlying database, giving ACID transactions over processes, IPC mailboxes,
shared mounts, memories, cron jobs, event triggers, webhooks, snapshots and
the auth model. All data is serialized as JSON and stored in separate
buckets for isolation.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  - File: <dataDir>/aether.db                │          │
	│  │  - Format: B+tree with MVCC                 │          │
	│  │  - Transactions: ACID with fsync            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure                │          │
	│  │  processes       (PID, plain decimal)        │          │
	│  │  ipc             (toPID:seq, FIFO ordering)  │          │
	│  │  ipc_audit       (message ID)                │          │
	│  │  shared_mounts   (mount name)                │          │
	│  │  memories        (memory ID)                 │          │
	│  │  memories_fts    (token:ownerPID posting list)│          │
	│  │  cron_jobs       (job ID)                    │          │
	│  │  event_triggers  (trigger ID)                │          │
	│  │  webhooks        (webhook ID)                │          │
	│  │  webhook_deliveries (delivery ID)             │          │
	│  │  snapshots       (snapshot ID)                │          │
	│  │  users, organizations, teams, cluster_nodes   │          │
	│  └────────────────────────────────────────────┘          │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

# Full-text search

bbolt has no query engine, so memory search is implemented as a hand-rolled
inverted index: each memory's content is tokenized on creation and every
token gets a posting list of memory IDs in the memories_fts bucket, keyed by
token plus owner PID so searches stay scoped to one process's memories.
SearchMemories intersects the posting lists for every query token. Updates
unindex the old content before reindexing the new content in the same
transaction, so the index never drifts from the bucket it describes.

# Transaction management

Reads use db.View for concurrent, lock-free access to a consistent snapshot.
Writes use db.Update, which serializes writers and commits with fsync.
*/
package storage
