package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethercore/kernel/pkg/eventbus"
	"github.com/aethercore/kernel/pkg/storage"
	"github.com/aethercore/kernel/pkg/types"
)

func newTestManager(t *testing.T, layerCap int) (*Manager, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, eventbus.New(), WithLayerCap(layerCap)), store
}

func TestStore_ClampsImportanceAndEmits(t *testing.T) {
	m, _ := newTestManager(t, 100)
	rec, err := m.Store(StoreRequest{OwnerPID: 1, Layer: types.MemoryEpisodic, Content: "met the user", Importance: 1.5})
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.Importance)
}

func TestStore_RejectsEmptyContent(t *testing.T) {
	m, _ := newTestManager(t, 100)
	_, err := m.Store(StoreRequest{OwnerPID: 1, Layer: types.MemoryEpisodic, Content: "  "})
	require.Error(t, err)
}

func TestStore_EvictsLowestRankedWhenAtCap(t *testing.T) {
	m, store := newTestManager(t, 2)

	old, err := m.Store(StoreRequest{OwnerPID: 1, Layer: types.MemoryEpisodic, Content: "low importance", Importance: 0.1})
	require.NoError(t, err)
	_, err = m.Store(StoreRequest{OwnerPID: 1, Layer: types.MemoryEpisodic, Content: "high importance", Importance: 0.9})
	require.NoError(t, err)

	_, err = m.Store(StoreRequest{OwnerPID: 1, Layer: types.MemoryEpisodic, Content: "newest", Importance: 0.5})
	require.NoError(t, err)

	_, err = store.GetMemory(old.ID)
	require.Error(t, err)

	all, err := store.ListMemories(1)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemory_RecallOrderedByDecayedImportance(t *testing.T) {
	m, store := newTestManager(t, 100)

	recent, err := m.Store(StoreRequest{OwnerPID: 1, Layer: types.MemorySemantic, Content: "recent fact", Importance: 0.5})
	require.NoError(t, err)

	stale, err := m.Store(StoreRequest{OwnerPID: 1, Layer: types.MemorySemantic, Content: "stale fact", Importance: 0.9})
	require.NoError(t, err)
	stale.LastAccessed = time.Now().Add(-90 * 24 * time.Hour)
	require.NoError(t, store.UpdateMemory(stale))

	results, err := m.Recall(RecallQuery{OwnerPID: 1})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, recent.ID, results[0].ID)
	assert.Equal(t, stale.ID, results[1].ID)
}

func TestRecall_DropsExpiredAndFiltersByTagAndLayer(t *testing.T) {
	m, store := newTestManager(t, 100)

	expired, err := m.Store(StoreRequest{OwnerPID: 1, Layer: types.MemoryEpisodic, Content: "old", Importance: 0.9})
	require.NoError(t, err)
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.UpdateMemory(expired))

	_, err = m.Store(StoreRequest{OwnerPID: 1, Layer: types.MemorySocial, Content: "wrong layer", Importance: 0.9})
	require.NoError(t, err)

	tagged, err := m.Store(StoreRequest{OwnerPID: 1, Layer: types.MemoryEpisodic, Content: "tagged", Importance: 0.5, Tags: []string{"project-x"}})
	require.NoError(t, err)

	results, err := m.Recall(RecallQuery{OwnerPID: 1, Layer: types.MemoryEpisodic, Tags: []string{"project-x"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, tagged.ID, results[0].ID)
}

func TestRecall_IncrementsAccessCount(t *testing.T) {
	m, _ := newTestManager(t, 100)
	rec, err := m.Store(StoreRequest{OwnerPID: 1, Layer: types.MemoryEpisodic, Content: "counted"})
	require.NoError(t, err)
	assert.Equal(t, 0, rec.AccessCount)

	results, err := m.Recall(RecallQuery{OwnerPID: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].AccessCount)
}

func TestShare_OnlyOwnerMayShare(t *testing.T) {
	m, _ := newTestManager(t, 100)
	rec, err := m.Store(StoreRequest{OwnerPID: 1, Layer: types.MemoryEpisodic, Content: "secret", Importance: 1.0})
	require.NoError(t, err)

	_, err = m.Share(rec.ID, 2, 3, "agent_3")
	require.Error(t, err)

	shared, err := m.Share(rec.ID, 1, 3, "agent_3")
	require.NoError(t, err)
	assert.Equal(t, 0.8, shared.Importance)
	assert.Contains(t, shared.Tags, "shared_from:1")
	assert.Equal(t, []string{rec.ID}, shared.RelatedMemories)
}

func TestForget_OnlyOwnerMayForget(t *testing.T) {
	m, _ := newTestManager(t, 100)
	rec, err := m.Store(StoreRequest{OwnerPID: 1, Layer: types.MemoryEpisodic, Content: "x"})
	require.NoError(t, err)

	require.Error(t, m.Forget(rec.ID, 2))
	require.NoError(t, m.Forget(rec.ID, 1))
}

func TestConsolidate_RemovesExpired(t *testing.T) {
	m, store := newTestManager(t, 1)

	expired, err := m.Store(StoreRequest{OwnerPID: 1, Layer: types.MemoryEpisodic, Content: "old"})
	require.NoError(t, err)
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.UpdateMemory(expired))

	removed, err := m.Consolidate(1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	all, err := store.ListMemories(1)
	require.NoError(t, err)
	assert.Len(t, all, 0)
}
