package cron

import (
	"strings"
	"sync"
	"time"

	"github.com/aethercore/kernel/pkg/eventbus"
	"github.com/aethercore/kernel/pkg/kernelerr"
	"github.com/aethercore/kernel/pkg/log"
	"github.com/aethercore/kernel/pkg/storage"
	"github.com/aethercore/kernel/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const tickInterval = 60 * time.Second

// SpawnFunc is invoked by both the tick engine and the trigger engine to
// start the agent process a cron job or event trigger is configured to spawn.
type SpawnFunc func(ownerPID int, payload map[string]string) error

// Engine runs the periodic cron tick loop and the event-trigger loop. Both
// re-read their job/trigger lists from the store on every cycle rather than
// caching them, so edits made through the API take effect on the very next
// tick.
type Engine struct {
	store storage.Store
	bus   *eventbus.Bus
	spawn SpawnFunc
	log   zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	subID  uint64
}

// New creates a cron Engine.
func New(store storage.Store, bus *eventbus.Bus, spawn SpawnFunc) *Engine {
	return &Engine{
		store:  store,
		bus:    bus,
		spawn:  spawn,
		log:    log.WithComponent("cron"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the tick loop and subscribes the trigger engine to every event.
func (e *Engine) Start() {
	go e.runTicks()
	e.subID = e.bus.Subscribe("*", e.onEvent)
}

// Stop halts the tick loop and unsubscribes the trigger engine.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.bus.Unsubscribe(e.subID)
}

func (e *Engine) emit(topic string, pid int, data map[string]any) {
	e.bus.Publish(types.Event{Topic: topic, PID: pid, Data: data})
}

func (e *Engine) runTicks() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.tick(time.Now())
		case <-e.stopCh:
			return
		}
	}
}

// tick fires every enabled job whose next_run has elapsed. One job's error
// never prevents the rest of the batch from running.
func (e *Engine) tick(now time.Time) {
	jobs, err := e.store.ListCronJobs()
	if err != nil {
		e.log.Error().Err(err).Msg("list cron jobs failed")
		return
	}
	for _, job := range jobs {
		if !job.Enabled || job.NextRun.After(now) {
			continue
		}
		e.fireJob(job, now)
	}
}

func (e *Engine) fireJob(job *types.CronJob, now time.Time) {
	if err := e.spawn(job.OwnerPID, job.Payload); err != nil {
		e.log.Error().Err(err).Str("job", job.ID).Msg("cron job spawn failed")
		return
	}

	next, err := GetNextCronTimeIn(job.Schedule, now, job.Timezone)
	if err != nil {
		e.log.Error().Err(err).Str("job", job.ID).Msg("recompute next run failed")
		return
	}
	job.LastRun = now
	job.NextRun = next
	if err := e.store.UpdateCronJob(job); err != nil {
		e.log.Error().Err(err).Str("job", job.ID).Msg("persist cron job failed")
		return
	}
	e.emit("cron.fired", job.OwnerPID, map[string]any{"jobId": job.ID, "name": job.Name})
}

// selfTopicPrefixes are ignored by the trigger engine so it can subscribe to
// "*" without looping on its own output (or cron's, or memory's).
var selfTopicPrefixes = []string{"cron.", "trigger.", "memory."}

func (e *Engine) onEvent(event types.Event) {
	for _, prefix := range selfTopicPrefixes {
		if strings.HasPrefix(event.Topic, prefix) {
			return
		}
	}

	triggers, err := e.store.ListEventTriggers()
	if err != nil {
		e.log.Error().Err(err).Msg("list event triggers failed")
		return
	}

	now := time.Now()
	for _, trig := range triggers {
		if !trig.Enabled || !eventbusTopicMatches(trig.MatchTopic, event.Topic) {
			continue
		}
		if now.Sub(trig.LastFired) < trig.Cooldown {
			continue
		}
		if !filterMatches(trig.EventFilter, event.Data) {
			continue
		}
		e.fireTrigger(trig, event, now)
	}
}

func filterMatches(filter map[string]string, data map[string]any) bool {
	for k, want := range filter {
		got, ok := data[k]
		if !ok {
			return false
		}
		if toString(got) != want {
			return false
		}
	}
	return true
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// eventbusTopicMatches mirrors pkg/eventbus's own exact/"*"/prefix* matching
// so triggers can use the same wildcard syntax subscribers do.
func eventbusTopicMatches(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return false
}

func (e *Engine) fireTrigger(trig *types.EventTrigger, event types.Event, now time.Time) {
	payload := map[string]string{"sourceTopic": event.Topic, "targetTopic": trig.TargetTopic}
	if err := e.spawn(trig.OwnerPID, payload); err != nil {
		e.log.Error().Err(err).Str("trigger", trig.ID).Msg("trigger spawn failed")
		return
	}
	trig.LastFired = now
	if err := e.store.UpdateEventTrigger(trig); err != nil {
		e.log.Error().Err(err).Str("trigger", trig.ID).Msg("persist trigger failed")
		return
	}
	e.emit("trigger.fired", trig.OwnerPID, map[string]any{"triggerId": trig.ID, "name": trig.Name})
}

// CreateJob validates job.Schedule, computes its first NextRun, persists it
// and emits cron.created.
func (e *Engine) CreateJob(job *types.CronJob) error {
	if job.ID == "" {
		job.ID = "cron_" + uuid.NewString()
	}
	if job.Timezone == "" {
		job.Timezone = "UTC"
	}
	next, err := GetNextCronTimeIn(job.Schedule, time.Now(), job.Timezone)
	if err != nil {
		return kernelerr.Validation("invalid cron schedule %q: %v", job.Schedule, err)
	}
	job.NextRun = next
	job.Enabled = true
	if err := e.store.CreateCronJob(job); err != nil {
		return err
	}
	e.emit("cron.created", job.OwnerPID, map[string]any{"jobId": job.ID, "name": job.Name})
	return nil
}

// DeleteJob removes a cron job and emits cron.deleted.
func (e *Engine) DeleteJob(id string) error {
	job, err := e.store.GetCronJob(id)
	if err != nil {
		return err
	}
	if err := e.store.DeleteCronJob(id); err != nil {
		return err
	}
	e.emit("cron.deleted", job.OwnerPID, map[string]any{"jobId": id})
	return nil
}

// CreateTrigger validates trig.MatchTopic is non-empty, persists it and emits
// trigger.created.
func (e *Engine) CreateTrigger(trig *types.EventTrigger) error {
	if strings.TrimSpace(trig.MatchTopic) == "" {
		return kernelerr.Validation("trigger matchTopic must not be empty")
	}
	if trig.ID == "" {
		trig.ID = "trigger_" + uuid.NewString()
	}
	trig.Enabled = true
	if err := e.store.CreateEventTrigger(trig); err != nil {
		return err
	}
	e.emit("trigger.created", trig.OwnerPID, map[string]any{"triggerId": trig.ID, "name": trig.Name})
	return nil
}

// DeleteTrigger removes an event trigger and emits trigger.deleted.
func (e *Engine) DeleteTrigger(id string) error {
	trig, err := e.store.GetEventTrigger(id)
	if err != nil {
		return err
	}
	if err := e.store.DeleteEventTrigger(id); err != nil {
		return err
	}
	e.emit("trigger.deleted", trig.OwnerPID, map[string]any{"triggerId": id})
	return nil
}
