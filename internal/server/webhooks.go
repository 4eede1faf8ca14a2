package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"permitline/internal/config"
	"permitline/internal/domain"
	"permitline/internal/notify"
	"permitline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher streams timeline entries to audit-feed subscribers.
// Each subscriber keeps its own cursor, starting at the newest entry when
// the dispatcher starts; delivery stops at the first failure and resumes
// from the same entry on the next tick.
type WebhookDispatcher struct {
	Repo     repo.Repo
	Webhooks []config.WebhookConfig
	Interval time.Duration
	Logger   *slog.Logger

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

func NewWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		Repo:     r,
		Webhooks: hooks,
		Interval: defaultWebhookInterval,
		Logger:   logger,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
}

// Run dispatches until ctx is cancelled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.Webhooks) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, ok := d.cursorFor(ctx, idx)
	if !ok {
		return
	}
	entries, err := d.Repo.TimelineAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.Logger.Warn("webhook: fetch timeline failed", "error", err)
		return
	}
	filter := newActionFilter(hook.Events)
	for _, entry := range entries {
		if !filter.match(entry.Action) {
			d.setCursor(idx, entry.ID)
			continue
		}
		if err := d.postEntry(ctx, hook, entry); err != nil {
			d.Logger.Warn("webhook: delivery failed", "url", hook.URL, "entry_id", entry.ID, "request_id", entry.RequestID, "error", err)
			return
		}
		d.setCursor(idx, entry.ID)
	}
}

// cursorFor returns the subscriber's cursor, seeding it from the newest
// entry on first use. ok is false while the seed cannot be read.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) (cur int64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur, true
	}
	cur, err := d.Repo.LatestTimelineID(ctx)
	if err != nil {
		d.Logger.Warn("webhook: init cursor failed, retrying next tick", "error", err)
		return 0, false
	}
	d.cursors[idx] = cur
	return cur, true
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

func (d *WebhookDispatcher) postEntry(ctx context.Context, hook config.WebhookConfig, entry domain.TimelineEntry) error {
	data, err := json.Marshal(timelineResponse(entry))
	if err != nil {
		return err
	}
	client := d.client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	return notify.Post(ctx, client, hook.URL, hook.Secret, map[string]string{
		"X-Permitline-Event":    string(entry.Action),
		"X-Permitline-Delivery": strconv.FormatInt(entry.ID, 10),
		"X-Permitline-Request":  entry.RequestID,
	}, data)
}

type actionFilter struct {
	all bool
	set map[domain.AuditAction]struct{}
}

func newActionFilter(events []string) actionFilter {
	set := make(map[domain.AuditAction]struct{}, len(events))
	for _, evt := range events {
		key := strings.ToUpper(strings.TrimSpace(evt))
		if key == "" {
			continue
		}
		set[domain.AuditAction(key)] = struct{}{}
	}
	if len(set) == 0 {
		return actionFilter{all: true}
	}
	return actionFilter{set: set}
}

func (f actionFilter) match(a domain.AuditAction) bool {
	if f.all {
		return true
	}
	_, ok := f.set[a]
	return ok
}
