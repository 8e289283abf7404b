package webhook

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethercore/kernel/pkg/eventbus"
	"github.com/aethercore/kernel/pkg/storage"
	"github.com/aethercore/kernel/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, *eventbus.Bus, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	bus := eventbus.New()
	return New(store, bus, []byte("kernel-secret"), WithRetryCap(2)), bus, store
}

func TestRegister_EncryptsSecretAtRest(t *testing.T) {
	m, _, store := newTestManager(t)
	w := &types.Webhook{Name: "hook1", URL: "http://example.invalid", Topics: []string{"process.*"}, Secret: []byte("shh")}
	require.NoError(t, m.Register(w))

	stored, err := store.GetWebhook(w.ID)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("shh"), stored.Secret)
	assert.NotEmpty(t, stored.Secret)
}

func TestDeliver_SuccessOnFirstAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.NotEmpty(t, r.Header.Get("X-Aether-Signature"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, bus, _ := newTestManager(t)
	w := &types.Webhook{Name: "hook1", URL: srv.URL, Topics: []string{"process.spawned"}, Secret: []byte("shh")}
	require.NoError(t, m.Register(w))
	m.Start()
	defer m.Stop()

	bus.Publish(types.Event{Topic: "process.spawned", PID: 1})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDeliver_ExhaustsRetriesAndDeadLetters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m, bus, _ := newTestManager(t)

	var failed int32
	bus.Subscribe("webhook.failed", func(e types.Event) { atomic.AddInt32(&failed, 1) })

	w := &types.Webhook{Name: "hook1", URL: srv.URL, Topics: []string{"process.spawned"}}
	require.NoError(t, m.Register(w))
	m.Start()
	defer m.Stop()

	bus.Publish(types.Event{Topic: "process.spawned", PID: 1})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&failed) == 1 }, 5*time.Second, 20*time.Millisecond)

	dead, err := m.ListDeadLetters()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, w.ID, dead[0].WebhookID)
}

func TestBackoff_CapsAtSixteenSeconds(t *testing.T) {
	d := backoff(10)
	assert.LessOrEqual(t, d, maxBackoff+time.Second)
}

func TestDeliver_SendsConfiguredCustomHeaders(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Tenant")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, bus, _ := newTestManager(t)
	w := &types.Webhook{Name: "hook1", URL: srv.URL, Topics: []string{"process.spawned"}, Headers: map[string]string{"X-Tenant": "acme"}}
	require.NoError(t, m.Register(w))
	m.Start()
	defer m.Stop()

	bus.Publish(types.Event{Topic: "process.spawned", PID: 1})

	require.Eventually(t, func() bool { return gotHeader == "acme" }, 2*time.Second, 10*time.Millisecond)
}

func TestDeliver_ExhaustsRetries_IncrementsFailureCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m, bus, store := newTestManager(t)
	w := &types.Webhook{Name: "hook1", URL: srv.URL, Topics: []string{"process.spawned"}}
	require.NoError(t, m.Register(w))
	m.Start()
	defer m.Stop()

	var failed int32
	bus.Subscribe("webhook.failed", func(e types.Event) { atomic.AddInt32(&failed, 1) })

	bus.Publish(types.Event{Topic: "process.spawned", PID: 1})
	require.Eventually(t, func() bool { return atomic.LoadInt32(&failed) == 1 }, 5*time.Second, 20*time.Millisecond)

	stored, err := store.GetWebhook(w.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.FailureCount)
}

func TestDeliver_PerWebhookRetryCapOverridesManagerDefault(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m, bus, _ := newTestManager(t) // WithRetryCap(2)
	w := &types.Webhook{Name: "hook1", URL: srv.URL, Topics: []string{"process.spawned"}, RetryCap: 1}
	require.NoError(t, m.Register(w))
	m.Start()
	defer m.Stop()

	var failed int32
	bus.Subscribe("webhook.failed", func(e types.Event) { atomic.AddInt32(&failed, 1) })

	bus.Publish(types.Event{Topic: "process.spawned", PID: 1})
	require.Eventually(t, func() bool { return atomic.LoadInt32(&failed) == 1 }, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
