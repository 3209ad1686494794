package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	obsmetrics "custos/observability/metrics"
)

const maxWebhookAttempts = 5

// WebhookWorker delivers queued events to external subscribers. Each
// subscription is paced by its own token bucket; deliveries that exceed the
// budget are requeued with a NotBefore deadline instead of being dropped.
type WebhookWorker struct {
	store   *SQLiteStore
	queue   *WebhookQueue
	client  *http.Client
	logger  *slog.Logger
	metrics *obsmetrics.GatewayMetrics
	nowFn   func() time.Time

	limMu    sync.Mutex
	limiters map[int64]*rate.Limiter
}

func NewWebhookWorker(store *SQLiteStore, queue *WebhookQueue, logger *slog.Logger) *WebhookWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookWorker{
		store:    store,
		queue:    queue,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		metrics:  obsmetrics.Gateway(),
		nowFn:    time.Now,
		limiters: make(map[int64]*rate.Limiter),
	}
}

// Run processes webhook tasks until the context is cancelled.
func (w *WebhookWorker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			w.expandTask(ctx, task)
			continue
		}
		w.handleDelivery(ctx, task)
	}
}

func (w *WebhookWorker) expandTask(ctx context.Context, task WebhookTask) {
	subs, err := w.store.ListWebhooksForEvent(ctx, task.Event.Type)
	if err != nil {
		w.logger.Error("list webhook subscriptions", "event_type", task.Event.Type, "error", err)
		return
	}
	for i := range subs {
		sub := subs[i]
		if !sub.Active {
			continue
		}
		clone := WebhookTask{
			Event:        task.Event,
			Subscription: &sub,
			Attempt:      0,
		}
		w.queue.enqueueTask(clone)
	}
}

func (w *WebhookWorker) handleDelivery(ctx context.Context, task WebhookTask) {
	sub := task.Subscription
	if sub == nil || !sub.Active {
		return
	}
	now := w.nowFn()
	limiter := w.limiterFor(sub)
	if !limiter.Allow() {
		res := limiter.Reserve()
		delay := res.Delay()
		res.Cancel()
		if delay <= 0 {
			delay = time.Second
		}
		task.NotBefore = now.Add(delay)
		w.queue.enqueueTask(task)
		return
	}

	body := map[string]interface{}{
		"type":       task.Event.Type,
		"sequence":   task.Event.Sequence,
		"escrowId":   task.Event.EscrowID,
		"attributes": task.Event.Attributes,
		"timestamp":  task.Event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		w.metrics.ObserveWebhookDelivery(destinationLabel(sub.URL), "error")
		w.recordAttempt(ctx, task, "", "error", err.Error(), now, time.Time{})
		return
	}
	deliveryID := uuid.NewString()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytesClone(payload))
	if err != nil {
		w.metrics.ObserveWebhookDelivery(destinationLabel(sub.URL), "error")
		w.recordAttempt(ctx, task, deliveryID, "error", err.Error(), now, time.Time{})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", task.Event.Type)
	req.Header.Set("X-Webhook-Delivery", deliveryID)
	req.Header.Set("X-Webhook-Signature", signPayload(sub.Secret, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		w.metrics.ObserveWebhookDelivery(destinationLabel(sub.URL), "failed")
		w.retryLater(ctx, task, deliveryID, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.metrics.ObserveWebhookDelivery(destinationLabel(sub.URL), "failed")
		w.retryLater(ctx, task, deliveryID, resp.Status)
		return
	}
	w.metrics.ObserveWebhookDelivery(destinationLabel(sub.URL), "success")
	w.recordAttempt(ctx, task, deliveryID, "success", "", now, time.Time{})
}

func (w *WebhookWorker) retryLater(ctx context.Context, task WebhookTask, deliveryID, errMsg string) {
	now := w.nowFn()
	attemptNum := task.Attempt + 1
	next := now.Add(backoffDuration(attemptNum))
	if attemptNum >= maxWebhookAttempts {
		next = time.Time{}
	}
	w.recordAttempt(ctx, task, deliveryID, "failed", errMsg, now, next)
	if attemptNum >= maxWebhookAttempts {
		w.logger.Warn("webhook delivery abandoned",
			"webhook_id", task.Subscription.ID,
			"event_sequence", task.Event.Sequence,
			"attempts", attemptNum,
			"error", errMsg)
		return
	}
	task.Attempt++
	task.NotBefore = next
	w.queue.enqueueTask(task)
}

func backoffDuration(attempt int) time.Duration {
	base := time.Second
	if attempt <= 0 {
		attempt = 1
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func (w *WebhookWorker) recordAttempt(ctx context.Context, task WebhookTask, deliveryID, status, errMsg string, now time.Time, next time.Time) {
	attempt := WebhookAttempt{
		WebhookID:     task.Subscription.ID,
		EventSequence: task.Event.Sequence,
		Attempt:       task.Attempt + 1,
		DeliveryID:    deliveryID,
		Status:        status,
		Error:         errMsg,
		NextAttempt:   next,
		CreatedAt:     now,
	}
	if err := w.store.InsertWebhookAttempt(ctx, attempt); err != nil {
		w.logger.Error("record webhook attempt", "webhook_id", attempt.WebhookID, "error", err)
	}
}

func (w *WebhookWorker) limiterFor(sub *WebhookSubscription) *rate.Limiter {
	w.limMu.Lock()
	defer w.limMu.Unlock()
	if lim, ok := w.limiters[sub.ID]; ok {
		return lim
	}
	perMinute := sub.RateLimit
	if perMinute <= 0 {
		perMinute = 60
	}
	lim := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	w.limiters[sub.ID] = lim
	return lim
}

func destinationLabel(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return "invalid"
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func bytesClone(b []byte) *bytes.Reader {
	clone := append([]byte(nil), b...)
	return bytes.NewReader(clone)
}
