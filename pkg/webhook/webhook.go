// Package webhook implements the kernel's outbound webhook delivery:
// fire-and-forget HTTP POST with exponential backoff + jitter retry, HMAC
// request signing, and a durable dead-letter queue for deliveries that
// exhaust their retry budget.
//
// Dispatch is wired off the EventBus's "*" subscription. Because a bus
// handler runs synchronously on the emitter's own goroutine, each matching
// delivery is handed off to its own goroutine rather than run inline, so a
// slow or unreachable endpoint never stalls whoever published the event.
// The at-rest secret encryption follows pkg/security/secrets.go's
// AES-256-GCM nonce-prepended scheme, reused here directly (not kept as a
// separate package, since the only secret-at-rest need here is a webhook's
// HMAC key) to protect each webhook's signing secret under a kernel-wide key.
package webhook

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aethercore/kernel/pkg/eventbus"
	"github.com/aethercore/kernel/pkg/kernelerr"
	"github.com/aethercore/kernel/pkg/log"
	"github.com/aethercore/kernel/pkg/storage"
	"github.com/aethercore/kernel/pkg/types"
)

const (
	// DefaultRetryCap bounds the number of delivery attempts per event
	// before the payload is dead-lettered.
	DefaultRetryCap = 5
	maxBackoff      = 16 * time.Second
	deliveryTimeout = 10 * time.Second
)

// Manager owns the registered webhook set and their delivery workers.
type Manager struct {
	store  storage.Store
	bus    *eventbus.Bus
	client *http.Client
	encKey [32]byte

	retryCap int
	subID    uint64
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithRetryCap overrides DefaultRetryCap.
func WithRetryCap(n int) Option {
	return func(m *Manager) { m.retryCap = n }
}

// New creates a Manager. encKey derives the AES-256-GCM key used to encrypt
// webhook secrets at rest (the kernel-wide key derived from AETHER_SECRET).
func New(store storage.Store, bus *eventbus.Bus, encKey []byte, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		bus:      bus,
		client:   &http.Client{Timeout: deliveryTimeout},
		retryCap: DefaultRetryCap,
	}
	sum := sha256.Sum256(encKey)
	m.encKey = sum
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) emit(topic string, data map[string]any) {
	m.bus.Publish(types.Event{Topic: topic, Data: data})
}

// Start subscribes the manager to every bus event so it can fan out
// deliveries to matching webhooks.
func (m *Manager) Start() {
	m.subID = m.bus.Subscribe("*", m.onEvent)
}

// Stop unsubscribes from the bus.
func (m *Manager) Stop() {
	m.bus.Unsubscribe(m.subID)
}

func (m *Manager) onEvent(event types.Event) {
	hooks, err := m.store.ListWebhooksByTopic(event.Topic)
	if err != nil {
		logger := log.WithTopic(event.Topic)
		logger.Error().Err(err).Msg("list webhooks by topic failed")
		return
	}
	if len(hooks) == 0 {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"topic": event.Topic,
		"pid":   event.PID,
		"data":  event.Data,
		"time":  event.Timestamp,
	})
	if err != nil {
		return
	}
	for _, w := range hooks {
		if !w.Active {
			continue
		}
		w := w
		go m.deliver(w, event.Topic, payload)
	}
}

// Register validates and persists a new webhook, encrypting its secret if
// one is supplied, and emits webhook.registered.
func (m *Manager) Register(w *types.Webhook) error {
	if strings.TrimSpace(w.URL) == "" {
		return kernelerr.Validation("webhook url must not be empty")
	}
	if w.ID == "" {
		w.ID = "webhook_" + uuid.NewString()
	}
	if len(w.Secret) > 0 {
		enc, err := m.encrypt(w.Secret)
		if err != nil {
			return err
		}
		w.Secret = enc
	}
	w.Active = true
	w.CreatedAt = time.Now()
	if err := m.store.CreateWebhook(w); err != nil {
		return err
	}
	m.emit("webhook.registered", map[string]any{"webhookId": w.ID, "name": w.Name, "url": w.URL})
	return nil
}

// Unregister removes a webhook and emits webhook.unregistered.
func (m *Manager) Unregister(id string) error {
	if _, err := m.store.GetWebhook(id); err != nil {
		return err
	}
	if err := m.store.DeleteWebhook(id); err != nil {
		return err
	}
	m.emit("webhook.unregistered", map[string]any{"webhookId": id})
	return nil
}

// deliver performs the retry loop for a single webhook/event pair. It never
// returns an error to the caller: failures are recorded via events and the
// dead-letter queue instead, since delivery is fire-and-forget.
func (m *Manager) deliver(w *types.Webhook, topic string, payload []byte) {
	retryCap := w.RetryCap
	if retryCap <= 0 {
		retryCap = m.retryCap
	}

	var lastErr error
	for attempt := 0; attempt < retryCap; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff(attempt))
		}
		status, err := m.attempt(w, payload)
		if err == nil && status < 400 {
			w.LastDeliverAt = time.Now()
			w.LastStatus = status
			_ = m.store.UpdateWebhook(w)
			m.emit("webhook.delivery", map[string]any{"webhookId": w.ID, "topic": topic, "status": status, "attempt": attempt + 1})
			return
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("upstream status %d", status)
		}
	}

	w.LastStatus = 0
	w.FailureCount++
	_ = m.store.UpdateWebhook(w)

	delivery := &types.WebhookDelivery{
		ID:          "delivery_" + uuid.NewString(),
		WebhookID:   w.ID,
		Topic:       topic,
		Payload:     payload,
		Attempts:    retryCap,
		LastError:   lastErr.Error(),
		DeadLetter:  true,
		CreatedAt:   time.Now(),
	}
	if err := m.store.EnqueueWebhookDelivery(delivery); err != nil {
		logger := log.WithComponent("webhook")
		logger.Error().Err(err).Msg("persist dead letter failed")
	}
	m.emit("webhook.failed", map[string]any{"webhookId": w.ID, "topic": topic, "error": lastErr.Error()})
	m.emit("webhook.dlq.added", map[string]any{"webhookId": w.ID, "deliveryId": delivery.ID})
}

func (m *Manager) attempt(w *types.Webhook, payload []byte) (int, error) {
	req, err := http.NewRequest(http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	if len(w.Secret) > 0 {
		secret, err := m.decrypt(w.Secret)
		if err == nil {
			req.Header.Set("X-Aether-Signature", signPayload(secret, payload))
		}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func signPayload(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// backoff computes min(1000*2^attempt, 16000)ms plus up to 1s uniform jitter.
func backoff(attempt int) time.Duration {
	base := time.Duration(1000*(1<<uint(attempt))) * time.Millisecond
	if base > maxBackoff {
		base = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return base + jitter
}

func (m *Manager) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(m.encKey[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(crand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (m *Manager) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(m.encKey[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, kernelerr.Validation("ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ct, nil)
}

// ListDeadLetters returns every dead-lettered delivery, for operator review.
func (m *Manager) ListDeadLetters() ([]*types.WebhookDelivery, error) {
	return m.store.ListDeadLetters()
}
