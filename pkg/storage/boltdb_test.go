package storage

import (
	"testing"

	"github.com/aethercore/kernel/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestProcessCRUD(t *testing.T) {
	store := newTestStore(t)

	p := &types.Process{PID: 100, Name: "scribe", State: types.ProcessCreated}
	if err := store.CreateProcess(p); err != nil {
		t.Fatalf("CreateProcess() error = %v", err)
	}

	got, err := store.GetProcess(100)
	if err != nil {
		t.Fatalf("GetProcess() error = %v", err)
	}
	if got.Name != "scribe" {
		t.Errorf("Name = %v, want scribe", got.Name)
	}

	p.State = types.ProcessRunning
	if err := store.UpdateProcess(p); err != nil {
		t.Fatalf("UpdateProcess() error = %v", err)
	}
	got, _ = store.GetProcess(100)
	if got.State != types.ProcessRunning {
		t.Errorf("State = %v, want running", got.State)
	}

	if err := store.DeleteProcess(100); err != nil {
		t.Fatalf("DeleteProcess() error = %v", err)
	}
	if _, err := store.GetProcess(100); err == nil {
		t.Error("expected error after delete")
	}
}

func TestIPCQueueIsFIFO(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		msg := &types.IPCMessage{ID: string(rune('a' + i)), ToPID: 7, Channel: "ping"}
		if err := store.EnqueueIPC(msg); err != nil {
			t.Fatalf("EnqueueIPC() error = %v", err)
		}
	}

	first, err := store.DequeueIPC(7)
	if err != nil {
		t.Fatalf("DequeueIPC() error = %v", err)
	}
	if first.ID != "a" {
		t.Errorf("ID = %v, want a (FIFO order)", first.ID)
	}

	remaining, err := store.ListIPC(7)
	if err != nil {
		t.Fatalf("ListIPC() error = %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("len(remaining) = %d, want 2", len(remaining))
	}
}

func TestSearchMemoriesIntersectsTokens(t *testing.T) {
	store := newTestStore(t)

	m1 := &types.MemoryRecord{ID: "m1", OwnerPID: 1, Content: "the deploy failed at midnight"}
	m2 := &types.MemoryRecord{ID: "m2", OwnerPID: 1, Content: "the deploy succeeded"}
	m3 := &types.MemoryRecord{ID: "m3", OwnerPID: 2, Content: "the deploy failed again"}

	for _, m := range []*types.MemoryRecord{m1, m2, m3} {
		if err := store.CreateMemory(m); err != nil {
			t.Fatalf("CreateMemory() error = %v", err)
		}
	}

	results, err := store.SearchMemories(1, "deploy failed")
	if err != nil {
		t.Fatalf("SearchMemories() error = %v", err)
	}
	if len(results) != 1 || results[0].ID != "m1" {
		t.Errorf("results = %+v, want only m1", results)
	}
}

func TestSearchMemoriesReflectsUpdate(t *testing.T) {
	store := newTestStore(t)

	m := &types.MemoryRecord{ID: "m1", OwnerPID: 1, Content: "original wording"}
	if err := store.CreateMemory(m); err != nil {
		t.Fatalf("CreateMemory() error = %v", err)
	}

	m.Content = "revised wording"
	if err := store.UpdateMemory(m); err != nil {
		t.Fatalf("UpdateMemory() error = %v", err)
	}

	if res, _ := store.SearchMemories(1, "original"); len(res) != 0 {
		t.Errorf("stale token still indexed: %+v", res)
	}
	res, err := store.SearchMemories(1, "revised")
	if err != nil {
		t.Fatalf("SearchMemories() error = %v", err)
	}
	if len(res) != 1 {
		t.Errorf("len(res) = %d, want 1", len(res))
	}
}

func TestWebhookDeliveryDeadLetterSplit(t *testing.T) {
	store := newTestStore(t)

	pending := &types.WebhookDelivery{ID: "d1", WebhookID: "w1"}
	dead := &types.WebhookDelivery{ID: "d2", WebhookID: "w1", DeadLetter: true}

	if err := store.EnqueueWebhookDelivery(pending); err != nil {
		t.Fatalf("EnqueueWebhookDelivery() error = %v", err)
	}
	if err := store.EnqueueWebhookDelivery(dead); err != nil {
		t.Fatalf("EnqueueWebhookDelivery() error = %v", err)
	}

	pendingList, err := store.ListPendingWebhookDeliveries()
	if err != nil {
		t.Fatalf("ListPendingWebhookDeliveries() error = %v", err)
	}
	if len(pendingList) != 1 || pendingList[0].ID != "d1" {
		t.Errorf("pendingList = %+v, want only d1", pendingList)
	}

	deadList, err := store.ListDeadLetters()
	if err != nil {
		t.Fatalf("ListDeadLetters() error = %v", err)
	}
	if len(deadList) != 1 || deadList[0].ID != "d2" {
		t.Errorf("deadList = %+v, want only d2", deadList)
	}
}
