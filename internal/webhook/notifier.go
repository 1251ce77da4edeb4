package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"product-importer/internal/models"
)

// SubscriptionSource lists active webhook subscribers for an event type.
type SubscriptionSource interface {
	ActiveWebhooks(ctx context.Context, eventType string) ([]models.Webhook, error)
}

// Result is the outcome of one delivery attempt.
type Result struct {
	WebhookID  int64
	URL        string
	Success    bool
	StatusCode int
	Message    string
}

// Notifier fans an event out to every active subscriber. Delivery is
// best-effort: failures are logged, never retried here, and never affect
// the caller.
type Notifier struct {
	source  SubscriptionSource
	client  *http.Client
	timeout time.Duration
}

// NewNotifier builds a notifier with a 10s per-request timeout.
func NewNotifier(source SubscriptionSource) *Notifier {
	timeout := 10 * time.Second
	return &Notifier{
		source:  source,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Trigger posts the event to all active subscribers concurrently and
// collects per-webhook results.
func (n *Notifier) Trigger(ctx context.Context, event models.WebhookEvent) []Result {
	hooks, err := n.source.ActiveWebhooks(ctx, event.EventType)
	if err != nil {
		log.Printf("list webhooks for %s: %v", event.EventType, err)
		return nil
	}
	if len(hooks) == 0 {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		log.Printf("marshal webhook event %s: %v", event.EventType, err)
		return nil
	}

	results := make([]Result, len(hooks))
	done := make(chan struct{})
	for i, hook := range hooks {
		go func(i int, hook models.Webhook) {
			results[i] = n.deliver(ctx, hook, body)
			done <- struct{}{}
		}(i, hook)
	}
	for range hooks {
		<-done
	}

	for _, res := range results {
		if !res.Success {
			log.Printf("webhook %d (%s) delivery failed: %s", res.WebhookID, res.URL, res.Message)
		}
	}
	return results
}

// NotifyAsync fires the event from a detached goroutine so a slow or
// failing subscriber can never stall or fail an import.
func (n *Notifier) NotifyAsync(eventType, jobID string, data models.JobStatus) {
	event := models.WebhookEvent{
		EventType: eventType,
		JobID:     jobID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout*3)
		defer cancel()
		n.Trigger(ctx, event)
	}()
}

func (n *Notifier) deliver(ctx context.Context, hook models.Webhook, body []byte) Result {
	res := Result{WebhookID: hook.ID, URL: hook.URL}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		res.Message = fmt.Sprintf("build request: %v", err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		res.Message = fmt.Sprintf("post: %v", err)
		return res
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	res.StatusCode = resp.StatusCode
	res.Success = resp.StatusCode < http.StatusBadRequest
	if !res.Success {
		res.Message = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return res
}
