package messaging

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dztow/backend/internal/apperr"
	"github.com/dztow/backend/internal/db"
	"github.com/dztow/backend/internal/events"
	"github.com/dztow/backend/internal/metrics"
	"github.com/dztow/backend/internal/models"
	"github.com/dztow/backend/internal/realtime"
)

const MaxBodyLength = 2000

// DefaultFallback is the designated coordinate (Constantine city centre) sent
// when no device position is available.
var DefaultFallback = models.LocationPayload{Lat: 36.365, Lng: 6.6147, Label: "Constantine (fallback)"}

type Store interface {
	db.ConversationStore
	realtime.Feed
}

// Channel is the per-pair conversation log with its relationship flags.
type Channel struct {
	Store      Store
	Events     events.Emitter
	Logger     zerolog.Logger
	RetryDelay time.Duration
	// Fallback is substituted when a location message arrives without a fix.
	Fallback models.LocationPayload
	NewID    func() string
}

func (c *Channel) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return uuid.NewString()
}

// Send appends a text message from caller to receiverID.
func (c *Channel) Send(ctx context.Context, caller models.Actor, receiverID, body string) (models.ChatMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return models.ChatMessage{}, fmt.Errorf("empty message: %w", apperr.ErrValidation)
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return models.ChatMessage{}, fmt.Errorf("message longer than %d characters: %w", MaxBodyLength, apperr.ErrValidation)
	}
	return c.send(ctx, caller, receiverID, models.ChatMessage{Kind: models.KindText, Body: body})
}

// SendLocation shares pos with receiverID. A nil pos means the device had no
// fix: the designated fallback coordinate is sent instead, tagged as such.
func (c *Channel) SendLocation(ctx context.Context, caller models.Actor, receiverID string, pos *models.Position) (models.ChatMessage, error) {
	loc := c.Fallback
	if loc == (models.LocationPayload{}) {
		loc = DefaultFallback
	}
	loc.Fallback = true
	if pos != nil {
		loc = models.LocationPayload{Lat: pos.Lat, Lng: pos.Lng}
	}
	return c.send(ctx, caller, receiverID, models.ChatMessage{Kind: models.KindLocation, Location: &loc})
}

func (c *Channel) send(ctx context.Context, caller models.Actor, receiverID string, msg models.ChatMessage) (models.ChatMessage, error) {
	senderID := caller.ActorProfile().ID
	if receiverID == "" || receiverID == senderID {
		return models.ChatMessage{}, fmt.Errorf("invalid receiver %q: %w", receiverID, apperr.ErrValidation)
	}

	blocked, receiverFlags, err := c.blocked(ctx, senderID, receiverID)
	if err != nil {
		return models.ChatMessage{}, err
	}
	if blocked {
		metrics.Rejections.WithLabelValues("send", apperr.Code(apperr.ErrBlocked)).Inc()
		return models.ChatMessage{}, fmt.Errorf("%s -> %s: %w", senderID, receiverID, apperr.ErrBlocked)
	}

	msg.ID = c.newID()
	msg.ConversationID = models.ConversationID(senderID, receiverID)
	msg.SenderID = senderID
	msg.ReceiverID = receiverID
	msg.Status = models.MessageSent

	stored, err := c.Store.AppendMessage(ctx, msg)
	if err != nil {
		metrics.Rejections.WithLabelValues("send", apperr.Code(err)).Inc()
		return models.ChatMessage{}, err
	}

	c.Logger.Debug().
		Str("conversation_id", stored.ConversationID).
		Str("message_id", stored.ID).
		Str("kind", string(stored.Kind)).
		Msg("message sent")
	metrics.MessagesSent.WithLabelValues(string(stored.Kind)).Inc()
	if c.Events != nil {
		c.Events.Emit(ctx, events.New(ctx, events.TypeMessageSent, events.MessageEvent{
			Message:       stored,
			ReceiverMuted: receiverFlags.Muted,
		}))
	}
	return stored, nil
}

// blocked reports whether either side blocked the other, and returns the
// receiver's flags towards the sender.
func (c *Channel) blocked(ctx context.Context, senderID, receiverID string) (bool, models.ConversationFlags, error) {
	mine, err := c.Store.GetFlags(ctx, senderID, receiverID)
	if err != nil {
		return false, models.ConversationFlags{}, err
	}
	theirs, err := c.Store.GetFlags(ctx, receiverID, senderID)
	if err != nil {
		return false, models.ConversationFlags{}, err
	}
	return mine.Blocked || theirs.Blocked, theirs, nil
}

// MarkDelivered and MarkRead advance a message addressed to caller. Repeated
// or out-of-order observations never lower the status.
func (c *Channel) MarkDelivered(ctx context.Context, caller models.Actor, contactID, messageID string) (models.ChatMessage, error) {
	return c.advance(ctx, caller, contactID, messageID, models.MessageDelivered)
}

func (c *Channel) MarkRead(ctx context.Context, caller models.Actor, contactID, messageID string) (models.ChatMessage, error) {
	return c.advance(ctx, caller, contactID, messageID, models.MessageRead)
}

func (c *Channel) advance(ctx context.Context, caller models.Actor, contactID, messageID string, to models.MessageStatus) (models.ChatMessage, error) {
	callerID := caller.ActorProfile().ID
	convID := models.ConversationID(callerID, contactID)
	msg, err := c.Store.UpdateMessage(ctx, convID, messageID, func(m *models.ChatMessage) error {
		if m.ReceiverID != callerID {
			return fmt.Errorf("%s is not the receiver of %s: %w", callerID, m.ID, apperr.ErrWriteRejected)
		}
		next, ok := m.Status.Advance(to)
		if !ok {
			return db.ErrSkipWrite
		}
		m.Status = next
		return nil
	})
	if err != nil {
		metrics.Rejections.WithLabelValues("mark_"+string(to), apperr.Code(err)).Inc()
		return models.ChatMessage{}, err
	}
	return msg, nil
}

// SetBlocked and SetMuted are idempotent; Toggle* flip the current value.
// Flags belong to caller's view of contactID only.
func (c *Channel) SetBlocked(ctx context.Context, caller models.Actor, contactID string, blocked bool) (models.ConversationFlags, error) {
	return c.updateFlags(ctx, caller, contactID, func(f *models.ConversationFlags) { f.Blocked = blocked })
}

func (c *Channel) SetMuted(ctx context.Context, caller models.Actor, contactID string, muted bool) (models.ConversationFlags, error) {
	return c.updateFlags(ctx, caller, contactID, func(f *models.ConversationFlags) { f.Muted = muted })
}

func (c *Channel) ToggleBlock(ctx context.Context, caller models.Actor, contactID string) (models.ConversationFlags, error) {
	return c.updateFlags(ctx, caller, contactID, func(f *models.ConversationFlags) { f.Blocked = !f.Blocked })
}

func (c *Channel) ToggleMute(ctx context.Context, caller models.Actor, contactID string) (models.ConversationFlags, error) {
	return c.updateFlags(ctx, caller, contactID, func(f *models.ConversationFlags) { f.Muted = !f.Muted })
}

func (c *Channel) updateFlags(ctx context.Context, caller models.Actor, contactID string, fn func(*models.ConversationFlags)) (models.ConversationFlags, error) {
	ownerID := caller.ActorProfile().ID
	if contactID == "" || contactID == ownerID {
		return models.ConversationFlags{}, fmt.Errorf("invalid contact %q: %w", contactID, apperr.ErrValidation)
	}
	f, err := c.Store.UpdateFlags(ctx, ownerID, contactID, fn)
	if err != nil {
		return models.ConversationFlags{}, err
	}
	c.Logger.Info().
		Str("owner_id", ownerID).
		Str("contact_id", contactID).
		Bool("muted", f.Muted).
		Bool("blocked", f.Blocked).
		Msg("conversation flags updated")
	return f, nil
}

func (c *Channel) Flags(ctx context.Context, caller models.Actor, contactID string) (models.ConversationFlags, error) {
	return c.Store.GetFlags(ctx, caller.ActorProfile().ID, contactID)
}

// History returns the ordered log with caller's flags for contactID.
// Blocking never hides existing messages.
func (c *Channel) History(ctx context.Context, caller models.Actor, contactID string) (models.Conversation, error) {
	callerID := caller.ActorProfile().ID
	if contactID == "" || contactID == callerID {
		return models.Conversation{}, fmt.Errorf("invalid contact %q: %w", contactID, apperr.ErrValidation)
	}
	convID := models.ConversationID(callerID, contactID)
	msgs, err := c.Store.ListMessages(ctx, convID)
	if err != nil {
		return models.Conversation{}, err
	}
	flags, err := c.Store.GetFlags(ctx, callerID, contactID)
	if err != nil {
		return models.Conversation{}, err
	}
	a, b, _ := models.Participants(convID)
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	return models.Conversation{
		ID:           convID,
		Participants: [2]string{a, b},
		Messages:     msgs,
		Muted:        flags.Muted,
		Blocked:      flags.Blocked,
	}, nil
}

// Conversations lists every conversation caller has messages in, most
// recently active first, each with the last message and caller's flags.
func (c *Channel) Conversations(ctx context.Context, caller models.Actor) ([]models.ConversationSummary, error) {
	callerID := caller.ActorProfile().ID
	convs, err := c.Store.ListConversations(ctx, callerID)
	if err != nil {
		return nil, err
	}
	for i := range convs {
		convs[i].ContactID = convs[i].Contact(callerID)
		flags, err := c.Store.GetFlags(ctx, callerID, convs[i].ContactID)
		if err != nil {
			return nil, err
		}
		convs[i].Muted, convs[i].Blocked = flags.Muted, flags.Blocked
	}
	return convs, nil
}

// WatchConversations streams Conversations after every change to a
// conversation caller takes part in.
func (c *Channel) WatchConversations(ctx context.Context, caller models.Actor) *realtime.Subscription[[]models.ConversationSummary] {
	callerID := caller.ActorProfile().ID
	return realtime.Subscribe(ctx, c.Store, db.CollectionConversations,
		func(key string) bool {
			a, b, ok := models.Participants(key)
			return ok && (a == callerID || b == callerID)
		},
		func(ctx context.Context) ([]models.ConversationSummary, error) {
			return c.Conversations(ctx, caller)
		},
		c.subscriptionOptions())
}

// Watch streams the conversation after every committed message, status or
// flag change.
func (c *Channel) Watch(ctx context.Context, caller models.Actor, contactID string) (*realtime.Subscription[models.Conversation], error) {
	callerID := caller.ActorProfile().ID
	if contactID == "" || contactID == callerID {
		return nil, fmt.Errorf("invalid contact %q: %w", contactID, apperr.ErrValidation)
	}
	convID := models.ConversationID(callerID, contactID)
	return realtime.Subscribe(ctx, c.Store, db.CollectionConversations, realtime.MatchKey(convID),
		func(ctx context.Context) (models.Conversation, error) {
			return c.History(ctx, caller, contactID)
		},
		c.subscriptionOptions()), nil
}

func (c *Channel) subscriptionOptions() realtime.Options {
	return realtime.Options{
		RetryDelay: c.RetryDelay,
		Logger:     c.Logger,
		OnRestart: func(collection string) {
			metrics.SubscriptionRestarts.WithLabelValues(collection).Inc()
		},
	}
}
