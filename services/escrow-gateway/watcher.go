package main

import (
	"context"
	"log/slog"
	"strings"
	"time"

	obsmetrics "custos/observability/metrics"
)

const defaultPollInterval = 5 * time.Second

// EventWatcher periodically pulls journal entries from the node and persists
// them locally while enqueueing webhook notifications. The persisted cursor
// makes restarts resume where the previous run stopped.
type EventWatcher struct {
	node         NodeClient
	store        *SQLiteStore
	queue        *WebhookQueue
	logger       *slog.Logger
	metrics      *obsmetrics.GatewayMetrics
	pollInterval time.Duration
	batchSize    int
	nowFn        func() time.Time
}

// NewEventWatcher constructs a watcher with sane defaults.
func NewEventWatcher(node NodeClient, store *SQLiteStore, queue *WebhookQueue, logger *slog.Logger) *EventWatcher {
	if queue == nil {
		queue = NewWebhookQueue()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventWatcher{
		node:         node,
		store:        store,
		queue:        queue,
		logger:       logger,
		metrics:      obsmetrics.Gateway(),
		pollInterval: defaultPollInterval,
		batchSize:    100,
		nowFn:        time.Now,
	}
}

// Run starts the polling loop until the context is cancelled.
func (w *EventWatcher) Run(ctx context.Context) {
	if w.node == nil || w.store == nil || w.queue == nil {
		return
	}
	interval := w.pollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	cursor, err := w.store.EventCursor(ctx)
	if err != nil {
		w.logger.Error("load event cursor", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cursor = w.poll(ctx, cursor)
		}
	}
}

func (w *EventWatcher) poll(ctx context.Context, cursor string) string {
	batch := w.batchSize
	if batch <= 0 {
		batch = 100
	}
	page, err := w.node.EventsSince(ctx, cursor, batch)
	if err != nil {
		w.logger.Warn("poll node events", "cursor", cursor, "error", err)
		return cursor
	}
	for _, evt := range page.Events {
		w.handleEvent(ctx, evt)
	}
	next := strings.TrimSpace(page.NextCursor)
	if next == "" || next == cursor {
		return cursor
	}
	if err := w.store.SetEventCursor(ctx, next); err != nil {
		w.logger.Error("persist event cursor", "cursor", next, "error", err)
		return cursor
	}
	return next
}

func (w *EventWatcher) handleEvent(ctx context.Context, evt NodeEvent) {
	createdAt := w.nowFn().UTC()
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	stored := StoredEvent{
		Sequence:   int64(evt.Sequence),
		Type:       evt.Type,
		Tick:       int64(evt.Tick),
		Attributes: attrs,
		CreatedAt:  createdAt,
	}
	if err := w.store.InsertEvent(ctx, stored); err != nil {
		w.logger.Error("mirror event", "sequence", evt.Sequence, "error", err)
		return
	}
	w.metrics.ObserveEventIngested()

	webhook := WebhookEvent{
		Sequence:   int64(evt.Sequence),
		Type:       evt.Type,
		EscrowID:   strings.TrimSpace(attrs["id"]),
		Attributes: attrs,
		CreatedAt:  createdAt,
	}
	w.queue.Enqueue(webhook)
}
