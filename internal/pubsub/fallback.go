package pubsub

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dztow/backend/internal/events"
)

// FallbackPublisher only logs. It stands in when no broker is configured or
// reachable.
type FallbackPublisher struct {
	log zerolog.Logger
}

func (p *FallbackPublisher) Publish(ctx context.Context, key string, msg events.Envelope) error {
	p.log.Info().Str("key", key).Str("event_id", msg.Meta.ID).Msg("event (no broker)")
	return nil
}

func (p *FallbackPublisher) Close() error {
	return nil
}

func NewFallback(logger zerolog.Logger) Publisher {
	return &FallbackPublisher{
		log: logger,
	}
}
