package hooks

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/evolu-go/evolu/internal/clock"
	"github.com/evolu-go/evolu/internal/crdtmsg"
)

func TestOnCommitInvokesCallback(t *testing.T) {
	m := NewManager()
	var got Event
	var mu sync.Mutex
	done := make(chan struct{})

	m.OnCommit(func(e Event) {
		mu.Lock()
		got = e
		mu.Unlock()
		close(done)
	})

	change := crdtmsg.DbChange{Table: "todos", Column: "title", Value: "buy milk"}
	ts := clock.Timestamp{Millis: 1}
	m.Trigger(CommitEvent(change, ts))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Table != "todos" || got.Column != "title" {
		t.Errorf("unexpected event: %+v", got)
	}
}

func TestWebhookDeliversEvent(t *testing.T) {
	received := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Get("X-Evolu-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := NewManager()
	if _, err := m.RegisterWebhook(WebhookConfig{URL: server.URL, Events: []EventType{EventCommit}}); err != nil {
		t.Fatalf("RegisterWebhook: %v", err)
	}

	m.Trigger(CommitEvent(crdtmsg.DbChange{Table: "t", Column: "c"}, clock.Timestamp{}))

	select {
	case eventType := <-received:
		if eventType != string(EventCommit) {
			t.Errorf("expected commit event header, got %q", eventType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never called")
	}
}

func TestWebhookOnlyFiresForSubscribedEvents(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := NewManager()
	_, _ = m.RegisterWebhook(WebhookConfig{URL: server.URL, Events: []EventType{EventSync}})
	m.Trigger(CommitEvent(crdtmsg.DbChange{}, clock.Timestamp{}))

	time.Sleep(100 * time.Millisecond)
	if called {
		t.Error("webhook fired for an event type it wasn't subscribed to")
	}
}

func TestUnregisterWebhookStopsDelivery(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	m := NewManager()
	id, _ := m.RegisterWebhook(WebhookConfig{URL: server.URL, Events: []EventType{EventCommit}})
	m.UnregisterWebhook(id)
	m.Trigger(CommitEvent(crdtmsg.DbChange{}, clock.Timestamp{}))

	time.Sleep(100 * time.Millisecond)
	if called {
		t.Error("webhook fired after being unregistered")
	}
}
