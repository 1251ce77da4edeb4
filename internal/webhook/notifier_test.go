package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"product-importer/internal/models"
)

type fakeSource struct {
	hooks []models.Webhook
	err   error
}

func (f *fakeSource) ActiveWebhooks(ctx context.Context, eventType string) ([]models.Webhook, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Webhook
	for _, h := range f.hooks {
		if h.EventType == eventType {
			out = append(out, h)
		}
	}
	return out, nil
}

type received struct {
	mu     sync.Mutex
	events []models.WebhookEvent
}

func (r *received) add(ev models.WebhookEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *received) all() []models.WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.WebhookEvent(nil), r.events...)
}

func TestTriggerDelivers(t *testing.T) {
	var got received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var ev models.WebhookEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		got.add(ev)
	}))
	defer srv.Close()

	source := &fakeSource{hooks: []models.Webhook{
		{ID: 1, URL: srv.URL, EventType: models.EventImportComplete},
		{ID: 2, URL: srv.URL, EventType: models.EventImportComplete},
		{ID: 3, URL: srv.URL, EventType: models.EventImportFailed},
	}}
	n := NewNotifier(source)

	results := n.Trigger(context.Background(), models.WebhookEvent{
		EventType: models.EventImportComplete,
		JobID:     "job1",
		Data:      models.JobStatus{Status: models.StatusComplete, Created: 10},
	})

	// Only the two import.complete subscribers fire.
	require.Len(t, results, 2)
	for _, res := range results {
		assert.True(t, res.Success)
		assert.Equal(t, http.StatusOK, res.StatusCode)
	}
	events := got.all()
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, "job1", ev.JobID)
		assert.Equal(t, 10, ev.Data.Created)
	}
}

func TestTriggerRecordsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	source := &fakeSource{hooks: []models.Webhook{
		{ID: 1, URL: srv.URL, EventType: models.EventImportComplete},
		{ID: 2, URL: "http://127.0.0.1:1/unreachable", EventType: models.EventImportComplete},
	}}
	n := NewNotifier(source)

	results := n.Trigger(context.Background(), models.WebhookEvent{EventType: models.EventImportComplete, JobID: "job1"})

	require.Len(t, results, 2)
	for _, res := range results {
		assert.False(t, res.Success)
		assert.NotEmpty(t, res.Message)
	}
}

func TestTriggerNoSubscribers(t *testing.T) {
	n := NewNotifier(&fakeSource{})
	results := n.Trigger(context.Background(), models.WebhookEvent{EventType: models.EventImportComplete})
	assert.Nil(t, results)
}

func TestTriggerSourceError(t *testing.T) {
	n := NewNotifier(&fakeSource{err: errors.New("db down")})
	results := n.Trigger(context.Background(), models.WebhookEvent{EventType: models.EventImportComplete})
	assert.Nil(t, results)
}
