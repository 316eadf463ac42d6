// Package registry manages the webhook subscribers registered by each workspace.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/pagehook/internal/logging"
	"github.com/austindbirch/pagehook/internal/signature"
	"github.com/austindbirch/pagehook/internal/store"
	"github.com/austindbirch/pagehook/internal/webhook"
)

var (
	ErrNotFound = errors.New("registry: subscriber not found")
	ErrInvalid  = errors.New("registry: invalid subscriber")
)

// CreateInput describes a new subscriber. An empty Secret is generated.
type CreateInput struct {
	URL     string   `json:"url"`
	Events  []string `json:"events"`
	Secret  string   `json:"secret,omitempty"`
	Enabled *bool    `json:"enabled,omitempty"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	URL     *string  `json:"url,omitempty"`
	Events  []string `json:"events,omitempty"`
	Enabled *bool    `json:"enabled,omitempty"`
}

type Registry struct {
	store  store.Store
	logger *logging.Logger
	now    func() time.Time
}

func New(s store.Store, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{store: s, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Registry) Create(ctx context.Context, workspaceID string, in CreateInput) (webhook.Subscriber, error) {
	if workspaceID == "" {
		return webhook.Subscriber{}, fmt.Errorf("%w: workspace id is required", ErrInvalid)
	}
	if err := validateURL(in.URL); err != nil {
		return webhook.Subscriber{}, err
	}
	events, err := normalizeEvents(in.Events)
	if err != nil {
		return webhook.Subscriber{}, err
	}
	secret := in.Secret
	if secret == "" {
		if secret, err = signature.GenerateSecret(); err != nil {
			return webhook.Subscriber{}, fmt.Errorf("generate secret: %w", err)
		}
	}
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}

	now := r.now()
	sub := webhook.Subscriber{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		URL:         in.URL,
		Secret:      secret,
		Events:      events,
		Enabled:     enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.put(ctx, sub); err != nil {
		return webhook.Subscriber{}, err
	}
	r.logger.WithContext(ctx).WithWorkspace(workspaceID).WithSubscriber(sub.ID).
		WithField("events", events).Info("subscriber created")
	return sub, nil
}

func (r *Registry) Update(ctx context.Context, workspaceID, id string, p Patch) (webhook.Subscriber, error) {
	sub, err := r.Get(ctx, workspaceID, id)
	if err != nil {
		return webhook.Subscriber{}, err
	}
	if p.URL != nil {
		if err := validateURL(*p.URL); err != nil {
			return webhook.Subscriber{}, err
		}
		sub.URL = *p.URL
	}
	if p.Events != nil {
		events, err := normalizeEvents(p.Events)
		if err != nil {
			return webhook.Subscriber{}, err
		}
		sub.Events = events
	}
	if p.Enabled != nil {
		sub.Enabled = *p.Enabled
	}
	sub.UpdatedAt = r.now()

	if err := r.put(ctx, sub); err != nil {
		return webhook.Subscriber{}, err
	}
	r.logger.WithContext(ctx).WithWorkspace(workspaceID).WithSubscriber(id).Info("subscriber updated")
	return sub, nil
}

// Delete removes the subscriber. Queued retries for it are dropped lazily by the worker.
func (r *Registry) Delete(ctx context.Context, workspaceID, id string) error {
	if _, err := r.Get(ctx, workspaceID, id); err != nil {
		return err
	}
	if _, err := r.store.Delete(ctx, store.CollectionWebhooks, workspaceID, id); err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	r.logger.WithContext(ctx).WithWorkspace(workspaceID).WithSubscriber(id).Info("subscriber deleted")
	return nil
}

// List returns every subscriber in the workspace, oldest first
func (r *Registry) List(ctx context.Context, workspaceID string) ([]webhook.Subscriber, error) {
	items, _, err := r.store.Read(ctx, store.CollectionWebhooks, store.Filter{Namespace: workspaceID})
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	subs, bad := store.Decode[webhook.Subscriber](items)
	for _, err := range bad {
		r.logger.WithContext(ctx).WithWorkspace(workspaceID).WithError(err).Warn("skipping unreadable subscriber record")
	}
	slices.SortFunc(subs, func(a, b webhook.Subscriber) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return subs, nil
}

func (r *Registry) Get(ctx context.Context, workspaceID, id string) (webhook.Subscriber, error) {
	if id == "" {
		return webhook.Subscriber{}, ErrNotFound
	}
	items, _, err := r.store.Read(ctx, store.CollectionWebhooks, store.Filter{Namespace: workspaceID, Key: id})
	if err != nil {
		return webhook.Subscriber{}, fmt.Errorf("get subscriber: %w", err)
	}
	if len(items) == 0 {
		return webhook.Subscriber{}, ErrNotFound
	}
	var sub webhook.Subscriber
	if err := json.Unmarshal(items[0].Value, &sub); err != nil {
		return webhook.Subscriber{}, fmt.Errorf("decode subscriber %s: %w", id, err)
	}
	return sub, nil
}

func (r *Registry) put(ctx context.Context, sub webhook.Subscriber) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if _, err := r.store.Write(ctx, store.CollectionWebhooks, sub.WorkspaceID, sub.ID, raw); err != nil {
		return fmt.Errorf("save subscriber: %w", err)
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: url must be an absolute http or https URL", ErrInvalid)
	}
	return nil
}

func normalizeEvents(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.TrimSpace(e)
		if e != "" && !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one event type is required", ErrInvalid)
	}
	return out, nil
}
