package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dztow/backend/internal/apperr"
	"github.com/dztow/backend/internal/events"
	"github.com/dztow/backend/internal/pubsub"
)

// Permission is the tri-state platform notification permission.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

func ParsePermission(s string) (Permission, error) {
	switch p := Permission(strings.ToLower(strings.TrimSpace(s))); p {
	case PermissionDefault, PermissionGranted, PermissionDenied:
		return p, nil
	}
	return "", fmt.Errorf("unknown permission %q: %w", s, apperr.ErrValidation)
}

// Capability is the platform notification boundary for one recipient.
type Capability interface {
	Permission(ctx context.Context, recipientID string) Permission
	RequestPermission(ctx context.Context, recipientID string) Permission
	Show(ctx context.Context, alert events.Alert) error
}

// Registry keeps per-recipient permission state in memory and shows alerts by
// publishing them for the push delivery service. A permission request resolves
// to Policy and is remembered.
type Registry struct {
	Publisher pubsub.Publisher
	Policy    Permission

	mu    sync.RWMutex
	state map[string]Permission
}

func NewRegistry(pub pubsub.Publisher, policy Permission) *Registry {
	return &Registry{Publisher: pub, Policy: policy, state: make(map[string]Permission)}
}

func (r *Registry) Set(recipientID string, p Permission) {
	r.mu.Lock()
	r.state[recipientID] = p
	r.mu.Unlock()
}

func (r *Registry) Permission(_ context.Context, recipientID string) Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.state[recipientID]; ok {
		return p
	}
	return PermissionDefault
}

func (r *Registry) RequestPermission(_ context.Context, recipientID string) Permission {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.state[recipientID]; ok && p != PermissionDefault {
		return p
	}
	p := r.Policy
	if p == "" {
		p = PermissionDefault
	}
	if p != PermissionDefault {
		r.state[recipientID] = p
	}
	return p
}

func (r *Registry) Show(ctx context.Context, alert events.Alert) error {
	ev := events.New(ctx, events.TypeAlert, alert)
	return r.Publisher.Publish(ctx, events.TypeAlert, ev)
}
