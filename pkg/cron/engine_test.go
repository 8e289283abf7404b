package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethercore/kernel/pkg/eventbus"
	"github.com/aethercore/kernel/pkg/storage"
	"github.com/aethercore/kernel/pkg/types"
)

func newTestEngine(t *testing.T, spawn SpawnFunc) (*Engine, *eventbus.Bus, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	bus := eventbus.New()
	return New(store, bus, spawn), bus, store
}

func TestTick_FiresDueJobAndAdvancesNextRun(t *testing.T) {
	var spawned int
	e, bus, store := newTestEngine(t, func(pid int, payload map[string]string) error {
		spawned++
		return nil
	})
	var fired bool
	bus.Subscribe("cron.fired", func(ev types.Event) { fired = true })

	job := &types.CronJob{ID: "job1", OwnerPID: 1, Name: "heartbeat", Schedule: "* * * * *"}
	require.NoError(t, e.CreateJob(job))

	past := time.Now().Add(-time.Minute)
	job.NextRun = past
	require.NoError(t, store.UpdateCronJob(job))

	e.tick(time.Now())

	assert.Equal(t, 1, spawned)
	assert.True(t, fired)

	got, err := store.GetCronJob("job1")
	require.NoError(t, err)
	assert.True(t, got.NextRun.After(time.Now()))
}

func TestCreateJob_DefaultsTimezoneToUTC(t *testing.T) {
	e, _, _ := newTestEngine(t, func(pid int, payload map[string]string) error { return nil })
	job := &types.CronJob{ID: "job1", OwnerPID: 1, Name: "heartbeat", Schedule: "* * * * *"}
	require.NoError(t, e.CreateJob(job))
	assert.Equal(t, "UTC", job.Timezone)
}

func TestFireJob_AdvancesNextRunInJobTimezone(t *testing.T) {
	if _, err := time.LoadLocation("America/New_York"); err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	e, _, store := newTestEngine(t, func(pid int, payload map[string]string) error { return nil })
	job := &types.CronJob{ID: "job1", OwnerPID: 1, Name: "morning", Schedule: "0 9 * * *", Timezone: "America/New_York"}
	require.NoError(t, e.CreateJob(job))

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.fireJob(job, now)

	got, err := store.GetCronJob("job1")
	require.NoError(t, err)
	loc, _ := time.LoadLocation("America/New_York")
	assert.Equal(t, 9, got.NextRun.In(loc).Hour())
}

func TestTick_DisabledJobNeverFires(t *testing.T) {
	var spawned int
	e, _, store := newTestEngine(t, func(pid int, payload map[string]string) error {
		spawned++
		return nil
	})
	job := &types.CronJob{ID: "job1", OwnerPID: 1, Name: "x", Schedule: "* * * * *", Enabled: false, NextRun: time.Now().Add(-time.Minute)}
	require.NoError(t, store.CreateCronJob(job))

	e.tick(time.Now())
	assert.Equal(t, 0, spawned)
}

func TestTick_OneJobErrorDoesNotHaltOthers(t *testing.T) {
	var spawned []int
	e, _, store := newTestEngine(t, func(pid int, payload map[string]string) error {
		spawned = append(spawned, pid)
		if pid == 1 {
			return assertError{}
		}
		return nil
	})
	j1 := &types.CronJob{ID: "j1", OwnerPID: 1, Name: "fails", Schedule: "* * * * *", Enabled: true, NextRun: time.Now().Add(-time.Minute)}
	j2 := &types.CronJob{ID: "j2", OwnerPID: 2, Name: "ok", Schedule: "* * * * *", Enabled: true, NextRun: time.Now().Add(-time.Minute)}
	require.NoError(t, store.CreateCronJob(j1))
	require.NoError(t, store.CreateCronJob(j2))

	e.tick(time.Now())

	got2, err := store.GetCronJob("j2")
	require.NoError(t, err)
	assert.True(t, got2.NextRun.After(time.Now()))

	got1, err := store.GetCronJob("j1")
	require.NoError(t, err)
	assert.True(t, got1.NextRun.Before(time.Now()), "failed job's next_run should not have advanced")
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

func TestOnEvent_FiresTriggerAndRespectsCooldown(t *testing.T) {
	var spawned int
	e, bus, store := newTestEngine(t, func(pid int, payload map[string]string) error {
		spawned++
		return nil
	})

	trig := &types.EventTrigger{ID: "t1", OwnerPID: 1, Name: "on-exit", MatchTopic: "process.exit", Cooldown: time.Hour}
	require.NoError(t, e.CreateTrigger(trig))

	bus.Publish(types.Event{Topic: "process.exit", Data: map[string]any{"pid": 1}})
	e.onEvent(types.Event{Topic: "process.exit", Data: map[string]any{"pid": 1}})
	assert.Equal(t, 1, spawned)

	// Second firing within the cooldown window should be skipped.
	e.onEvent(types.Event{Topic: "process.exit", Data: map[string]any{"pid": 1}})
	assert.Equal(t, 1, spawned)

	got, err := store.GetEventTrigger("t1")
	require.NoError(t, err)
	assert.False(t, got.LastFired.IsZero())
}

func TestOnEvent_IgnoresSelfTopics(t *testing.T) {
	var spawned int
	e, _, store := newTestEngine(t, func(pid int, payload map[string]string) error {
		spawned++
		return nil
	})
	trig := &types.EventTrigger{ID: "t1", OwnerPID: 1, Name: "any", MatchTopic: "*"}
	require.NoError(t, e.CreateTrigger(trig))
	_ = store

	e.onEvent(types.Event{Topic: "cron.fired"})
	e.onEvent(types.Event{Topic: "trigger.fired"})
	e.onEvent(types.Event{Topic: "memory.stored"})
	assert.Equal(t, 0, spawned)
}

func TestOnEvent_EventFilterMustShallowMatch(t *testing.T) {
	var spawned int
	e, _, _ := newTestEngine(t, func(pid int, payload map[string]string) error {
		spawned++
		return nil
	})
	trig := &types.EventTrigger{
		ID: "t1", OwnerPID: 1, Name: "filtered", MatchTopic: "process.stateChange",
		EventFilter: map[string]string{"state": "zombie"},
	}
	require.NoError(t, e.CreateTrigger(trig))

	e.onEvent(types.Event{Topic: "process.stateChange", Data: map[string]any{"state": "running"}})
	assert.Equal(t, 0, spawned)

	e.onEvent(types.Event{Topic: "process.stateChange", Data: map[string]any{"state": "zombie"}})
	assert.Equal(t, 1, spawned)
}
