// Package hooks dispatches post-commit notifications — in-process
// callbacks and HTTP webhooks — whenever a column write lands, whether it
// originated locally or merged in from a sync peer (spec §4.3 step 4).
// Adapted from the teacher's webhook/callback manager
// (internal/hooks/manager.go) from whole-entry Create/Update/Delete/Sync
// events down to a single column-level Commit event plus Sync.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evolu-go/evolu/internal/clock"
	"github.com/evolu-go/evolu/internal/crdtmsg"
)

// EventType classifies a hook event.
type EventType string

const (
	// EventCommit fires after any DbChange is durably applied, whether
	// local or remote.
	EventCommit EventType = "commit"
	// EventSync fires when a reconciliation round completes against a peer.
	EventSync EventType = "sync"
)

// Event carries the data passed to callbacks and webhooks.
type Event struct {
	Type      EventType       `json:"type"`
	Table     string          `json:"table,omitempty"`
	RowID     crdtmsg.RowID   `json:"row_id,omitempty"`
	Column    string          `json:"column,omitempty"`
	Value     interface{}     `json:"value,omitempty"`
	Timestamp clock.Timestamp `json:"timestamp,omitempty"`
	PeerID    string          `json:"peer_id,omitempty"` // for sync events
	FiredAt   time.Time       `json:"fired_at"`
}

// Callback is a function invoked synchronously when an event fires.
type Callback func(event Event)

// WebhookConfig configures an HTTP webhook subscription.
type WebhookConfig struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Events     []EventType       `json:"events"`
	Headers    map[string]string `json:"headers"`
	Secret     string            `json:"secret"`
	MaxRetries int               `json:"max_retries"`
	Timeout    time.Duration     `json:"timeout"`
	Async      bool              `json:"async"`
}

// Manager dispatches events to registered callbacks and webhooks.
type Manager struct {
	callbacks map[EventType][]Callback
	webhooks  map[string]*WebhookConfig
	client    *http.Client
	mu        sync.RWMutex
}

// NewManager creates an empty hook manager.
func NewManager() *Manager {
	return &Manager{
		callbacks: make(map[EventType][]Callback),
		webhooks:  make(map[string]*WebhookConfig),
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// OnCommit registers a callback for every committed column write.
func (m *Manager) OnCommit(cb Callback) { m.registerCallback(EventCommit, cb) }

// OnSync registers a callback for reconciliation-round completions.
func (m *Manager) OnSync(cb Callback) { m.registerCallback(EventSync, cb) }

func (m *Manager) registerCallback(eventType EventType, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[eventType] = append(m.callbacks[eventType], cb)
}

// RegisterWebhook adds an HTTP webhook subscription.
func (m *Manager) RegisterWebhook(config WebhookConfig) (string, error) {
	if config.URL == "" {
		return "", fmt.Errorf("hooks: webhook URL is required")
	}
	if config.ID == "" {
		config.ID = uuid.New().String()
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[config.ID] = &config
	return config.ID, nil
}

// UnregisterWebhook removes a webhook subscription.
func (m *Manager) UnregisterWebhook(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.webhooks, id)
}

// ListWebhooks returns every registered webhook.
func (m *Manager) ListWebhooks() []WebhookConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	configs := make([]WebhookConfig, 0, len(m.webhooks))
	for _, wh := range m.webhooks {
		configs = append(configs, *wh)
	}
	return configs
}

// Trigger fires event to every matching callback and webhook.
func (m *Manager) Trigger(event Event) {
	if event.FiredAt.IsZero() {
		event.FiredAt = time.Now()
	}

	m.mu.RLock()
	callbacks := append([]Callback(nil), m.callbacks[event.Type]...)
	var webhooks []*WebhookConfig
	for _, wh := range m.webhooks {
		for _, et := range wh.Events {
			if et == event.Type {
				webhooks = append(webhooks, wh)
				break
			}
		}
	}
	m.mu.RUnlock()

	for _, cb := range callbacks {
		cb(event)
	}
	for _, wh := range webhooks {
		if wh.Async {
			go m.executeWebhook(wh, event)
		} else {
			m.executeWebhook(wh, event)
		}
	}
}

func (m *Manager) executeWebhook(config *WebhookConfig, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("hooks: marshal event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt*attempt) * time.Second)
		}

		ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.URL, bytes.NewReader(payload))
		if err != nil {
			cancel()
			lastErr = err
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Evolu-Event", string(event.Type))
		for k, v := range config.Headers {
			req.Header.Set(k, v)
		}

		resp, err := m.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("hooks: webhook returned status %d", resp.StatusCode)
	}
	return lastErr
}

// CommitEvent builds an EventCommit from a DbChange and its timestamp.
func CommitEvent(change crdtmsg.DbChange, ts clock.Timestamp) Event {
	return Event{
		Type:      EventCommit,
		Table:     change.Table,
		RowID:     change.ID,
		Column:    change.Column,
		Value:     change.Value,
		Timestamp: ts,
	}
}

// SyncEvent builds an EventSync for a completed reconciliation round.
func SyncEvent(peerID string) Event {
	return Event{Type: EventSync, PeerID: peerID}
}
