package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"foreman/internal/config"
	"foreman/internal/domain"
	"foreman/internal/repo"
)

const (
	hookPollInterval = 2 * time.Second
	hookTimeout      = 5 * time.Second
	hookBatch        = 100
	hookMaxBackoff   = time.Minute
)

// TaskNotice is the body posted to a webhook for one task event.
type TaskNotice struct {
	Delivery int64      `json:"delivery"`
	Event    string     `json:"event"`
	At       string     `json:"at"`
	Actor    string     `json:"actor"`
	Task     TaskChange `json:"task"`
}

// TaskChange is the task as it stood after the event.
type TaskChange struct {
	ID      string `json:"id"`
	State   string `json:"state,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Summary string `json:"summary,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Version int64  `json:"version,omitempty"`
}

// hookState is the delivery position of one webhook.
type hookState struct {
	cursor   int64
	started  bool
	failures int
	retryAt  time.Time
}

// WebhookDispatcher posts task events from the event log to configured hooks.
// A hook starts at the newest event when first seen and stops at the first
// failed delivery, retrying it with backoff.
type WebhookDispatcher struct {
	Repo     repo.Repo
	Webhooks []config.Webhook
	Client   *http.Client
	Logger   *log.Logger
	Now      func() time.Time

	mu    sync.Mutex
	state map[string]*hookState
}

func NewWebhookDispatcher(r repo.Repo, hooks []config.Webhook, logger *log.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &WebhookDispatcher{
		Repo:     r,
		Webhooks: hooks,
		Client:   &http.Client{Timeout: hookTimeout},
		Logger:   logger,
		Now:      time.Now,
		state:    map[string]*hookState{},
	}
}

// Run dispatches every interval until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context, interval time.Duration) {
	if len(d.Webhooks) == 0 {
		return
	}
	if interval <= 0 {
		interval = hookPollInterval
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

// DispatchAll delivers pending events to every hook that is not backing off.
// Calls are serialized.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, hook := range d.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		key := hook.ID
		if key == "" {
			key = "#" + strconv.Itoa(i) + " " + hook.URL
		}
		d.deliver(ctx, key, hook)
	}
}

func (d *WebhookDispatcher) deliver(ctx context.Context, key string, hook config.Webhook) {
	st, ok := d.state[key]
	if !ok {
		st = &hookState{}
		d.state[key] = st
	}

	if !st.started {
		latest, err := d.Repo.LatestEventID(ctx)
		if err != nil {
			d.Logger.Printf("webhook %s: read cursor: %v", key, err)
			return
		}
		st.cursor, st.started = latest, true
	}
	if d.Now().Before(st.retryAt) {
		return
	}
	match := eventMatcher(hook.Events)
	for ctx.Err() == nil {
		batch, err := d.Repo.EventsAfter(ctx, hookBatch, st.cursor)
		if err != nil {
			d.Logger.Printf("webhook %s: read events: %v", key, err)
			return
		}
		for _, evt := range batch {
			if evt.EntityKind == "task" && match(evt.Type) {
				if err := d.post(ctx, hook, notice(evt)); err != nil {
					st.failures++
					backoff := min(hookMaxBackoff, time.Second<<min(st.failures, 6))
					st.retryAt = d.Now().Add(backoff)
					d.Logger.Printf("webhook %s: delivery %d failed, retry in %s: %v", key, evt.ID, backoff, err)
					return
				}
			}
			st.cursor = evt.ID
			st.failures = 0
		}
		if len(batch) < hookBatch {
			return
		}
	}
}

func notice(evt domain.Event) TaskNotice {
	n := TaskNotice{Delivery: evt.ID, Event: evt.Type, At: evt.TS, Actor: evt.ActorID, Task: TaskChange{ID: evt.EntityID}}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &n.Task)
		n.Task.ID = evt.EntityID
	}
	return n
}

func (d *WebhookDispatcher) post(ctx context.Context, hook config.Webhook, n TaskNotice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Foreman-Event", n.Event)
	req.Header.Set("X-Foreman-Delivery", strconv.FormatInt(n.Delivery, 10))
	if hook.ID != "" {
		req.Header.Set("X-Foreman-Hook", hook.ID)
	}
	for k, v := range hook.Header {
		req.Header.Set(k, v)
	}
	res, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// eventMatcher accepts event names matching any pattern, e.g. "task.approved"
// or "task.*". No patterns match every event.
func eventMatcher(patterns []string) func(string) bool {
	var keep []string
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			keep = append(keep, p)
		}
	}
	return func(evt string) bool {
		if len(keep) == 0 {
			return true
		}
		for _, p := range keep {
			if ok, _ := path.Match(p, evt); ok {
				return true
			}
		}
		return false
	}
}
