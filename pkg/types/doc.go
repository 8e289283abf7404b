/*
Package types defines the core data structures shared across the kernel.

This package contains the domain model used by every other package: agent
processes, IPC messages, virtual filesystem metadata, memory records, cron
jobs, event triggers, webhooks, snapshots, and the multi-tenant auth model
(users, organizations, teams, roles).

# Core Types

Process lifecycle:
  - Process: a single long-running agent, PID-addressed
  - ProcessState: created, running, sleeping, stopped, zombie, dead
  - RestartPolicy: never, on-failure, always

Inter-process communication:
  - IPCMessage: a single FIFO-queued message between two PIDs

Filesystem:
  - FileStat: stat result for a VirtualFS path
  - SharedMount: a directory shared across multiple process homes

Memory:
  - MemoryRecord: one typed memory entry (episodic, semantic, procedural, social)
  - MemoryLayer: the four memory layers

Scheduling:
  - CronJob: a recurring schedule
  - EventTrigger: an event-to-event trigger with cooldown

Delivery:
  - Webhook / WebhookDelivery: outbound HTTP subscriptions and attempts

Snapshots:
  - Snapshot / SnapshotManifest: point-in-time process captures

Auth:
  - User / Organization / Team / Role: multi-tenant RBAC model

All types are plain structs intended for JSON serialization into the state store.
*/
package types
