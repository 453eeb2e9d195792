package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dztow/backend/internal/apperr"
	"github.com/dztow/backend/internal/db"
	"github.com/dztow/backend/internal/events"
	"github.com/dztow/backend/internal/geocode"
	"github.com/dztow/backend/internal/metrics"
	"github.com/dztow/backend/internal/models"
	"github.com/dztow/backend/internal/presence"
	"github.com/dztow/backend/internal/realtime"
)

type RequestStore interface {
	db.RequestStore
	realtime.Feed
}

// Operators reads the authoritative operator set. *presence.Model satisfies it.
type Operators interface {
	Snapshot(ctx context.Context) ([]models.Operator, error)
	Get(ctx context.Context, id string) (models.Operator, error)
}

type CreateInput struct {
	Position models.Position `json:"position" validate:"required"`
	Note     string          `json:"note" validate:"max=500"`
}

// Coordinator owns the assistance request lifecycle. Every successful
// transition emits exactly one event after the write commits.
type Coordinator struct {
	Store          RequestStore
	Presence       Operators
	Geocoder       geocode.Reverser
	GeocodeTimeout time.Duration
	Events         events.Emitter
	Logger         zerolog.Logger
	RetryDelay     time.Duration
	NewID          func() string
}

func (c *Coordinator) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return uuid.NewString()
}

// Create opens a PENDING request for the calling seeker and freezes the set of
// operators available at this moment.
func (c *Coordinator) Create(ctx context.Context, caller models.Actor, in CreateInput) (models.AssistanceRequest, error) {
	seeker, ok := caller.(models.Seeker)
	if !ok {
		return c.reject("create", fmt.Errorf("create by %s: %w", caller.ActorProfile().ID, apperr.ErrWriteRejected))
	}

	// Early guard; the store enforces the same invariant atomically.
	if existing, err := c.Store.ActiveRequest(ctx, seeker.ID); err == nil {
		return c.reject("create", fmt.Errorf("seeker %s already has request %s: %w", seeker.ID, existing.ID, apperr.ErrInvalidTransition))
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return models.AssistanceRequest{}, err
	}

	operators, err := c.Presence.Snapshot(ctx)
	if err != nil {
		return models.AssistanceRequest{}, fmt.Errorf("operator snapshot: %w", err)
	}
	affected := presence.AvailableIDs(operators)

	timeout := c.GeocodeTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	req := models.AssistanceRequest{
		ID:                c.newID(),
		SeekerID:          seeker.ID,
		Position:          in.Position,
		Address:           geocode.Label(ctx, c.Geocoder, in.Position, timeout, c.Logger),
		Note:              strings.TrimSpace(in.Note),
		Status:            models.StatusPending,
		NotifiedOperators: affected,
	}

	created, err := c.Store.CreateRequest(ctx, req)
	if err != nil {
		return c.reject("create", err)
	}

	c.Logger.Info().
		Str("request_id", created.ID).
		Str("seeker_id", created.SeekerID).
		Int("affected", len(affected)).
		Msg("request created")
	metrics.Transitions.WithLabelValues("create").Inc()
	c.emit(ctx, events.TypeRequestCreated, events.RequestEvent{
		Request:           created,
		ActorID:           seeker.ID,
		AffectedOperators: affected,
	})
	return created, nil
}

func (c *Coordinator) Accept(ctx context.Context, caller models.Actor, requestID string) (models.AssistanceRequest, error) {
	return c.apply(ctx, caller, requestID, EventAccept, "")
}

// Arrive and Complete optionally record operator notes alongside the status.
func (c *Coordinator) Arrive(ctx context.Context, caller models.Actor, requestID, notes string) (models.AssistanceRequest, error) {
	return c.apply(ctx, caller, requestID, EventArrive, notes)
}

func (c *Coordinator) Complete(ctx context.Context, caller models.Actor, requestID, notes string) (models.AssistanceRequest, error) {
	return c.apply(ctx, caller, requestID, EventComplete, notes)
}

func (c *Coordinator) Cancel(ctx context.Context, caller models.Actor, requestID string) (models.AssistanceRequest, error) {
	return c.apply(ctx, caller, requestID, EventCancel, "")
}

func (c *Coordinator) Get(ctx context.Context, requestID string) (models.AssistanceRequest, error) {
	return c.Store.GetRequest(ctx, requestID)
}

// GetFor returns the request when caller is involved in it. Anyone else gets
// apperr.ErrNotFound, so existence is not disclosed.
func (c *Coordinator) GetFor(ctx context.Context, caller models.Actor, requestID string) (models.AssistanceRequest, error) {
	req, err := c.Store.GetRequest(ctx, requestID)
	if err != nil {
		return models.AssistanceRequest{}, err
	}
	if !req.Involves(caller.ActorProfile().ID) {
		return models.AssistanceRequest{}, fmt.Errorf("request %s: %w", requestID, apperr.ErrNotFound)
	}
	return req, nil
}

// List returns the caller's requests, newest first: a seeker's own requests,
// or those an operator was notified about or is assigned to.
func (c *Coordinator) List(ctx context.Context, caller models.Actor, statuses []models.RequestStatus) ([]models.AssistanceRequest, error) {
	return c.Store.ListRequests(ctx, filterFor(caller, statuses))
}

// WatchList streams List after every committed request change.
func (c *Coordinator) WatchList(ctx context.Context, caller models.Actor, statuses []models.RequestStatus) *realtime.Subscription[[]models.AssistanceRequest] {
	f := filterFor(caller, statuses)
	return realtime.Subscribe(ctx, c.Store, db.CollectionRequests, nil,
		func(ctx context.Context) ([]models.AssistanceRequest, error) {
			return c.Store.ListRequests(ctx, f)
		},
		c.subscriptionOptions())
}

func filterFor(caller models.Actor, statuses []models.RequestStatus) db.RequestFilter {
	f := db.RequestFilter{Statuses: statuses}
	switch a := caller.(type) {
	case models.Seeker:
		f.SeekerID = a.ID
	case models.Operator:
		f.OperatorID = a.ID
	}
	return f
}

// ParseStatuses reads a comma separated status list. Empty input means any.
func ParseStatuses(raw string) ([]models.RequestStatus, error) {
	var out []models.RequestStatus
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		st := models.RequestStatus(part)
		if !st.Valid() {
			return nil, fmt.Errorf("unknown status %q: %w", part, apperr.ErrValidation)
		}
		out = append(out, st)
	}
	return out, nil
}

func (c *Coordinator) ActiveFor(ctx context.Context, seekerID string) (models.AssistanceRequest, error) {
	return c.Store.ActiveRequest(ctx, seekerID)
}

// Watch streams the request document after every committed change.
func (c *Coordinator) Watch(ctx context.Context, requestID string) *realtime.Subscription[models.AssistanceRequest] {
	return realtime.Subscribe(ctx, c.Store, db.CollectionRequests, realtime.MatchKey(requestID),
		func(ctx context.Context) (models.AssistanceRequest, error) {
			return c.Store.GetRequest(ctx, requestID)
		},
		c.subscriptionOptions())
}

func (c *Coordinator) subscriptionOptions() realtime.Options {
	return realtime.Options{
		RetryDelay: c.RetryDelay,
		Logger:     c.Logger,
		OnRestart: func(collection string) {
			metrics.SubscriptionRestarts.WithLabelValues(collection).Inc()
		},
	}
}

var transitionEvents = map[Event]string{
	EventAccept:   events.TypeRequestAccepted,
	EventArrive:   events.TypeRequestArrived,
	EventComplete: events.TypeRequestCompleted,
	EventCancel:   events.TypeRequestCancelled,
}

func (c *Coordinator) apply(ctx context.Context, caller models.Actor, requestID string, ev Event, notes string) (models.AssistanceRequest, error) {
	if ev == EventAccept {
		if _, ok := caller.(models.Operator); ok {
			if err := c.registered(ctx, caller.ActorProfile().ID); err != nil {
				return c.reject(string(ev), err)
			}
		}
	}

	var changed bool
	updated, err := c.Store.UpdateRequest(ctx, requestID, func(r *models.AssistanceRequest) error {
		changed = false
		next, err := Transition(*r, caller, ev)
		if errors.Is(err, ErrNoop) {
			return db.ErrSkipWrite
		}
		if err != nil {
			return err
		}
		r.Status = next
		switch ev {
		case EventAccept:
			r.OperatorID = caller.ActorProfile().ID
		case EventArrive, EventComplete:
			if n := strings.TrimSpace(notes); n != "" {
				r.OperatorNotes = n
			}
		}
		changed = true
		return nil
	})
	if errors.Is(err, apperr.ErrNotFound) {
		err = fmt.Errorf("%s on missing request %s: %w", ev, requestID, apperr.ErrInvalidTransition)
	}
	if err != nil {
		return c.reject(string(ev), err)
	}
	if !changed {
		return updated, nil
	}

	c.Logger.Info().
		Str("request_id", updated.ID).
		Str("event", string(ev)).
		Str("status", string(updated.Status)).
		Str("actor_id", caller.ActorProfile().ID).
		Msg("request transition")
	metrics.Transitions.WithLabelValues(string(ev)).Inc()
	c.emit(ctx, transitionEvents[ev], events.RequestEvent{
		Request: updated,
		ActorID: caller.ActorProfile().ID,
	})
	return updated, nil
}

func (c *Coordinator) registered(ctx context.Context, operatorID string) error {
	_, err := c.Presence.Get(ctx, operatorID)
	if errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("operator %s not registered: %w", operatorID, apperr.ErrWriteRejected)
	}
	return err
}

func (c *Coordinator) reject(op string, err error) (models.AssistanceRequest, error) {
	metrics.Rejections.WithLabelValues(op, apperr.Code(err)).Inc()
	return models.AssistanceRequest{}, err
}

func (c *Coordinator) emit(ctx context.Context, eventType string, data events.RequestEvent) {
	if c.Events == nil {
		return
	}
	c.Events.Emit(ctx, events.New(ctx, eventType, data))
}
