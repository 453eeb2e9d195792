package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dztow/backend/internal/models"
)

const Producer = "dztow-backend"

// Event names and versions, used as routing keys on the topic exchange.
const (
	TypeRequestCreated   = "requests.created.v1"
	TypeRequestAccepted  = "requests.accepted.v1"
	TypeRequestArrived   = "requests.arrived.v1"
	TypeRequestCompleted = "requests.completed.v1"
	TypeRequestCancelled = "requests.cancelled.v1"
	TypeMessageSent      = "messages.sent.v1"
	TypeAlert            = "notifications.alert.v1"
)

type Meta struct {
	// Trace / request correlation ID
	CorrelationID *string `json:"correlation_id,omitempty"`
	ID            string  `json:"id"`
	Producer      *string `json:"producer,omitempty"`
	// Timestamp when the event was emitted
	Time time.Time `json:"time"`
	Type string    `json:"type"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// RequestEvent is the payload of every requests.* event. ActorID is whoever
// triggered the transition.
type RequestEvent struct {
	Request models.AssistanceRequest `json:"request"`
	ActorID string                   `json:"actor_id"`
	// AffectedOperators is only set on requests.created.v1.
	AffectedOperators []string `json:"affected_operators,omitempty"`
}

type MessageEvent struct {
	Message models.ChatMessage `json:"message"`
	// ReceiverMuted is the receiver's mute flag towards the sender at send time.
	ReceiverMuted bool `json:"receiver_muted"`
}

type Alert struct {
	RecipientID string `json:"recipient_id"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	// RequestID or ConversationID points the client at what the alert is about.
	RequestID      string `json:"request_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	// Source is the event type that caused the alert.
	Source string `json:"source"`
}

// New wraps data in an envelope stamped with a fresh id. The correlation id is
// taken from ctx when present.
func New(ctx context.Context, eventType string, data any) Envelope {
	producer := Producer
	meta := Meta{
		ID:       uuid.NewString(),
		Producer: &producer,
		Time:     time.Now().UTC(),
		Type:     eventType,
	}
	if cid := CorrelationID(ctx); cid != "" {
		meta.CorrelationID = &cid
	}
	return Envelope{Meta: meta, Data: data}
}

type correlationKey struct{}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Emitter accepts domain events. Implementations must not block the caller on
// delivery and never fail.
type Emitter interface {
	Emit(ctx context.Context, ev Envelope)
}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	Events []Envelope
}

func (r *Recorder) Emit(_ context.Context, ev Envelope) {
	r.mu.Lock()
	r.Events = append(r.Events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Events))
	for _, ev := range r.Events {
		out = append(out, ev.Meta.Type)
	}
	return out
}
