package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dztow/backend/internal/events"
	"github.com/dztow/backend/internal/metrics"
	"github.com/dztow/backend/internal/pubsub"
)

// Gateway consumes domain events off the caller's path: it forwards each event
// to the broker and turns it into alerts. Nothing it does is reported back to
// the emitter.
type Gateway struct {
	Publisher  pubsub.Publisher
	Capability Capability
	Logger     zerolog.Logger

	queue  chan events.Envelope
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewGateway(pub pubsub.Publisher, capability Capability, logger zerolog.Logger, buffer int) *Gateway {
	if buffer <= 0 {
		buffer = 256
	}
	return &Gateway{
		Publisher:  pub,
		Capability: capability,
		Logger:     logger,
		queue:      make(chan events.Envelope, buffer),
	}
}

// Start runs the delivery worker until Close.
func (g *Gateway) Start() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for ev := range g.queue {
			g.handle(ev)
		}
	}()
}

// Emit enqueues ev without blocking. A full queue drops the event.
func (g *Gateway) Emit(ctx context.Context, ev events.Envelope) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return
	}
	select {
	case g.queue <- ev:
	default:
		metrics.EventsPublished.WithLabelValues(ev.Meta.Type, "dropped").Inc()
		g.Logger.Warn().Str("type", ev.Meta.Type).Str("event_id", ev.Meta.ID).Msg("event queue full, dropped")
	}
}

// Close stops accepting events and waits for queued ones to be handled.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	close(g.queue)
	g.mu.Unlock()
	g.wg.Wait()
}

func (g *Gateway) handle(ev events.Envelope) {
	ctx := context.Background()
	if ev.Meta.CorrelationID != nil {
		ctx = events.WithCorrelationID(ctx, *ev.Meta.CorrelationID)
	}

	if err := g.Publisher.Publish(ctx, ev.Meta.Type, ev); err != nil {
		metrics.EventsPublished.WithLabelValues(ev.Meta.Type, "error").Inc()
		g.Logger.Warn().Err(err).Str("type", ev.Meta.Type).Str("event_id", ev.Meta.ID).Msg("event publish failed")
	} else {
		metrics.EventsPublished.WithLabelValues(ev.Meta.Type, "ok").Inc()
	}

	for _, alert := range Alerts(ev) {
		g.Notify(ctx, alert)
	}
	if msg, ok := ev.Data.(events.MessageEvent); ok && msg.ReceiverMuted {
		metrics.Alerts.WithLabelValues("muted").Inc()
	}
}

// Notify shows alert when permitted. Default permission triggers a request
// first; denial is a silent no-op.
func (g *Gateway) Notify(ctx context.Context, alert events.Alert) {
	perm := g.Capability.Permission(ctx, alert.RecipientID)
	if perm == PermissionDefault {
		perm = g.Capability.RequestPermission(ctx, alert.RecipientID)
	}
	if perm != PermissionGranted {
		metrics.Alerts.WithLabelValues("denied").Inc()
		return
	}
	if err := g.Capability.Show(ctx, alert); err != nil {
		metrics.Alerts.WithLabelValues("error").Inc()
		g.Logger.Debug().Err(err).Str("recipient_id", alert.RecipientID).Msg("show alert failed")
		return
	}
	metrics.Alerts.WithLabelValues("shown").Inc()
}
