package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/dztow/backend/internal/apperr"
	"github.com/dztow/backend/internal/db"
	"github.com/dztow/backend/internal/metrics"
	"github.com/dztow/backend/internal/models"
	"github.com/dztow/backend/internal/realtime"
)

type Store interface {
	db.OperatorStore
	realtime.Feed
}

// Model keeps the live operator set. Reads come from the change stream; writes
// go to the store and show up locally as optimistic overrides until the
// stream confirms them.
type Model struct {
	Store      Store
	Logger     zerolog.Logger
	RetryDelay time.Duration

	cache *realtime.Cache[string, models.Operator]
}

func NewModel(store Store, logger zerolog.Logger, retryDelay time.Duration) *Model {
	return &Model{
		Store:      store,
		Logger:     logger,
		RetryDelay: retryDelay,
		cache:      realtime.NewCache[string, models.Operator](samePresence),
	}
}

func samePresence(a, b models.Operator) bool {
	return a.IsAvailable == b.IsAvailable && a.Position == b.Position
}

// Subscribe opens a restartable stream of full operator snapshots ordered by id.
func (m *Model) Subscribe(ctx context.Context) *realtime.Subscription[[]models.Operator] {
	return realtime.Subscribe(ctx, m.Store, db.CollectionOperators, nil, m.Store.ListOperators, realtime.Options{
		RetryDelay: m.RetryDelay,
		Logger:     m.Logger,
		OnRestart: func(collection string) {
			metrics.SubscriptionRestarts.WithLabelValues(collection).Inc()
		},
	})
}

// Run feeds the local view from the change stream until ctx ends.
func (m *Model) Run(ctx context.Context) {
	sub := m.Subscribe(ctx)
	defer sub.Close()
	for snapshot := range sub.C() {
		m.Reconcile(snapshot)
	}
}

// Reconcile installs an authoritative snapshot into the local view.
func (m *Model) Reconcile(snapshot []models.Operator) {
	byID := make(map[string]models.Operator, len(snapshot))
	for _, op := range snapshot {
		byID[op.ID] = op
	}
	m.cache.Reconcile(byID)
}

// Current returns the local view with pending writes applied, ordered by id.
func (m *Model) Current() []models.Operator {
	view := m.cache.View()
	out := make([]models.Operator, 0, len(view))
	for _, op := range view {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot reads the authoritative operator set from the store.
func (m *Model) Snapshot(ctx context.Context) ([]models.Operator, error) {
	return m.Store.ListOperators(ctx)
}

func (m *Model) Get(ctx context.Context, id string) (models.Operator, error) {
	return m.Store.GetOperator(ctx, id)
}

func (m *Model) SetAvailability(ctx context.Context, caller models.Actor, operatorID string, available bool) (models.Operator, error) {
	return m.write(ctx, "set_availability", caller, operatorID,
		func(op *models.Operator) { op.IsAvailable = available },
		func(ctx context.Context) (models.Operator, error) {
			return m.Store.SetAvailability(ctx, operatorID, available)
		})
}

func (m *Model) UpdatePosition(ctx context.Context, caller models.Actor, operatorID string, pos models.Position) (models.Operator, error) {
	return m.write(ctx, "update_position", caller, operatorID,
		func(op *models.Operator) { op.Position = pos },
		func(ctx context.Context) (models.Operator, error) {
			return m.Store.UpdatePosition(ctx, operatorID, pos)
		})
}

// RegisterOperator seeds or replaces an operator profile. Callers are
// expected to be administrators.
func (m *Model) RegisterOperator(ctx context.Context, op models.Operator) (models.Operator, error) {
	if op.ID == "" {
		return models.Operator{}, fmt.Errorf("operator id required: %w", apperr.ErrValidation)
	}
	if !op.TruckCategory.Valid() {
		return models.Operator{}, fmt.Errorf("truck category %q: %w", op.TruckCategory, apperr.ErrValidation)
	}
	return m.Store.UpsertOperator(ctx, op)
}

func (m *Model) write(ctx context.Context, op string, caller models.Actor, operatorID string, apply func(*models.Operator), persist func(context.Context) (models.Operator, error)) (models.Operator, error) {
	self, ok := caller.(models.Operator)
	if !ok || self.ID != operatorID {
		metrics.Rejections.WithLabelValues(op, apperr.Code(apperr.ErrWriteRejected)).Inc()
		return models.Operator{}, fmt.Errorf("%s on %s: %w", op, operatorID, apperr.ErrWriteRejected)
	}

	if current, ok := m.cache.Get(operatorID); ok {
		apply(&current)
		m.cache.SetOptimistic(operatorID, current)
	}

	stored, err := persist(ctx)
	if err != nil {
		m.cache.Rollback(operatorID)
		metrics.Rejections.WithLabelValues(op, apperr.Code(err)).Inc()
		m.Logger.Warn().Err(err).Str("operator_id", operatorID).Str("op", op).Msg("presence write failed")
		return models.Operator{}, err
	}
	return stored, nil
}
