package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/dztow/backend/internal/events"
)

type Publisher interface {
	Publish(ctx context.Context, key string, msg events.Envelope) error
	Close() error
}

// rmqClient publishes on a topic exchange over one confirm-mode channel.
type rmqClient struct {
	conn     *amqp091.Connection
	exchange string
	log      zerolog.Logger

	mu sync.Mutex
	ch *amqp091.Channel
}

func New(conn *amqp091.Connection, exchange string, logger zerolog.Logger) (Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(
		exchange, "topic", true, false, false, false, nil,
	); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, err
	}

	return &rmqClient{
		conn:     conn,
		exchange: exchange,
		log:      logger,
		ch:       ch,
	}, nil
}

func (r *rmqClient) Publish(ctx context.Context, key string, msg events.Envelope) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	msgID := msg.Meta.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	cid := msgID
	if msg.Meta.CorrelationID != nil {
		cid = *msg.Meta.CorrelationID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch.IsClosed() {
		ch, err := r.conn.Channel()
		if err != nil {
			return err
		}
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return err
		}
		r.ch = ch
	}

	conf, err := r.ch.PublishWithDeferredConfirmWithContext(
		ctx, r.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     msgID,
			CorrelationId: cid,
			Type:          msg.Meta.Type,
			Timestamp:     time.Now(),
			Body:          body,
		},
	)
	if err != nil {
		return err
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("broker nacked %s", key)
	}
	r.log.Debug().Str("key", key).Str("exchange", r.exchange).Msg("published")
	return nil
}

func (r *rmqClient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.ch.Close()
	return r.conn.Close()
}
