// Package memory implements the kernel's MemoryManager: store, recall,
// share, forget and consolidate operations over per-agent, per-layer memory
// records. Grounded on pkg/storage's bucket-per-entity pattern plus its
// content inverted index (§4.2); the decayed-importance eviction and ranking
// logic has no teacher analog and is implemented directly against the
// formula recorded on types.MemoryRecord.EffectiveImportance.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aethercore/kernel/pkg/eventbus"
	"github.com/aethercore/kernel/pkg/kernelerr"
	"github.com/aethercore/kernel/pkg/storage"
	"github.com/aethercore/kernel/pkg/types"
)

// DefaultLayerCap is the default per-agent, per-layer memory count ceiling.
const DefaultLayerCap = 1000

// StoreRequest is the input to Manager.Store.
type StoreRequest struct {
	OwnerPID   int
	OwnerUID   string
	Layer      types.MemoryLayer
	Content    string
	Importance float64
	Tags       []string
	ExpiresAt  time.Time
	SourcePID  int
}

// RecallQuery is the input to Manager.Recall.
type RecallQuery struct {
	OwnerPID      int
	Query         string
	Layer         types.MemoryLayer // "" means any layer
	Tags          []string          // any-match
	MinImportance float64
	Limit         int // default 20
}

// Manager implements the memory subsystem.
type Manager struct {
	store    storage.Store
	bus      *eventbus.Bus
	layerCap int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLayerCap overrides the default per-layer cap.
func WithLayerCap(cap int) Option {
	return func(m *Manager) { m.layerCap = cap }
}

// New creates a Manager.
func New(store storage.Store, bus *eventbus.Bus, opts ...Option) *Manager {
	m := &Manager{store: store, bus: bus, layerCap: DefaultLayerCap}
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

func clampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Store normalizes importance, evicts the lowest-ranked entries in the same
// layer if it is at capacity, inserts the new record and emits memory.stored.
func (m *Manager) Store(req StoreRequest) (*types.MemoryRecord, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, kernelerr.Validation("memory content must not be empty")
	}

	now := time.Now()
	rec := &types.MemoryRecord{
		ID:           uuid.NewString(),
		OwnerPID:     req.OwnerPID,
		OwnerUID:     req.OwnerUID,
		Layer:        req.Layer,
		Content:      req.Content,
		Importance:   clampImportance(req.Importance),
		CreatedAt:    now,
		LastAccessed: now,
		Tags:         req.Tags,
		ExpiresAt:    req.ExpiresAt,
		SourcePID:    req.SourcePID,
	}

	if err := m.evictIfAtCap(req.OwnerPID, req.Layer, now); err != nil {
		return nil, err
	}
	if err := m.store.CreateMemory(rec); err != nil {
		return nil, err
	}
	m.emit("memory.stored", req.OwnerPID, map[string]any{"id": rec.ID, "layer": rec.Layer})
	return rec, nil
}

// evictIfAtCap removes the lowest-ranked (by decayed importance) entries in
// ownerPID's layer until it is strictly under the cap.
func (m *Manager) evictIfAtCap(ownerPID int, layer types.MemoryLayer, now time.Time) error {
	all, err := m.store.ListMemories(ownerPID)
	if err != nil {
		return err
	}
	var inLayer []*types.MemoryRecord
	for _, r := range all {
		if r.Layer == layer {
			inLayer = append(inLayer, r)
		}
	}
	if len(inLayer) < m.layerCap {
		return nil
	}

	sort.Slice(inLayer, func(i, j int) bool {
		return inLayer[i].EffectiveImportance(now) < inLayer[j].EffectiveImportance(now)
	})
	toEvict := len(inLayer) - m.layerCap + 1
	for i := 0; i < toEvict; i++ {
		if err := m.store.DeleteMemory(inLayer[i].ID); err != nil {
			return err
		}
	}
	return nil
}

// Recall resolves a query against either the full-text index or a plain
// layer/owner scope, then applies a fixed filter/sort/limit pipeline.
func (m *Manager) Recall(q RecallQuery) ([]*types.MemoryRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	var candidates []*types.MemoryRecord
	var err error
	if strings.TrimSpace(q.Query) != "" {
		candidates, err = m.store.SearchMemories(q.OwnerPID, q.Query)
		if err != nil {
			return nil, err
		}
		if len(candidates) > 2*limit {
			candidates = candidates[:2*limit]
		}
	} else {
		candidates, err = m.store.ListMemories(q.OwnerPID)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now()
	filtered := make([]*types.MemoryRecord, 0, len(candidates))
	for _, r := range candidates {
		if !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now) {
			continue
		}
		if q.Layer != "" && r.Layer != q.Layer {
			continue
		}
		if len(q.Tags) > 0 && !anyTagMatches(r.Tags, q.Tags) {
			continue
		}
		if q.MinImportance > 0 && r.EffectiveImportance(now) < q.MinImportance {
			continue
		}
		filtered = append(filtered, r)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].EffectiveImportance(now) > filtered[j].EffectiveImportance(now)
	})
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	for _, r := range filtered {
		r.AccessCount++
		r.LastAccessed = now
		if err := m.store.UpdateMemory(r); err != nil {
			return nil, err
		}
	}
	m.emit("memory.recalled", q.OwnerPID, map[string]any{"count": len(filtered)})
	return filtered, nil
}

func anyTagMatches(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if set[t] {
			return true
		}
	}
	return false
}

// Share copies a memory owned by from's pid into to's memory store, scaling
// importance by 0.8 and tagging provenance. Only the owner may share.
func (m *Manager) Share(memoryID string, fromPID int, toPID int, toUID string) (*types.MemoryRecord, error) {
	original, err := m.store.GetMemory(memoryID)
	if err != nil {
		return nil, err
	}
	if original.OwnerPID != fromPID {
		return nil, kernelerr.Permission("only the owner may share memory %s", memoryID)
	}

	now := time.Now()
	copyRec := &types.MemoryRecord{
		ID:              uuid.NewString(),
		OwnerPID:        toPID,
		OwnerUID:        toUID,
		Layer:           original.Layer,
		Content:         original.Content,
		Importance:      clampImportance(original.Importance * 0.8),
		CreatedAt:       now,
		LastAccessed:    now,
		Tags:            append(append([]string(nil), original.Tags...), fmt.Sprintf("shared_from:%d", fromPID)),
		RelatedMemories: []string{original.ID},
	}
	if err := m.store.CreateMemory(copyRec); err != nil {
		return nil, err
	}
	m.emit("memory.shared", fromPID, map[string]any{"originalId": original.ID, "copyId": copyRec.ID, "toPid": toPID})
	return copyRec, nil
}

// Forget deletes a memory if owner is its actual owner.
func (m *Manager) Forget(memoryID string, owner int) error {
	rec, err := m.store.GetMemory(memoryID)
	if err != nil {
		return err
	}
	if rec.OwnerPID != owner {
		return kernelerr.Permission("only the owner may forget memory %s", memoryID)
	}
	if err := m.store.DeleteMemory(memoryID); err != nil {
		return err
	}
	m.emit("memory.forgotten", owner, map[string]any{"id": memoryID})
	return nil
}

// Consolidate expunges expired memories, then enforces per-layer caps,
// returning the count removed.
func (m *Manager) Consolidate(ownerPID int) (int, error) {
	now := time.Now()
	all, err := m.store.ListMemories(ownerPID)
	if err != nil {
		return 0, err
	}

	removed := 0
	byLayer := make(map[types.MemoryLayer][]*types.MemoryRecord)
	for _, r := range all {
		if !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now) {
			if err := m.store.DeleteMemory(r.ID); err != nil {
				return removed, err
			}
			removed++
			continue
		}
		byLayer[r.Layer] = append(byLayer[r.Layer], r)
	}

	for _, records := range byLayer {
		if len(records) <= m.layerCap {
			continue
		}
		sort.Slice(records, func(i, j int) bool {
			return records[i].EffectiveImportance(now) < records[j].EffectiveImportance(now)
		})
		excess := len(records) - m.layerCap
		for i := 0; i < excess; i++ {
			if err := m.store.DeleteMemory(records[i].ID); err != nil {
				return removed, err
			}
			removed++
		}
	}

	m.emit("memory.consolidated", ownerPID, map[string]any{"removed": removed})
	return removed, nil
}
