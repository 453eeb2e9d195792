package db

import (
	"context"
	"errors"
	"sort"

	"github.com/dztow/backend/internal/models"
)

// Logical collections. Change feeds emit the key of the touched document:
// operator id, request id, or conversation id (for messages and flags).
const (
	CollectionOperators     = "operators"
	CollectionRequests      = "assistanceRequests"
	CollectionConversations = "conversations"
)

// ErrSkipWrite may be returned by an update callback to leave the document
// untouched. The store then returns the current value and a nil error.
var ErrSkipWrite = errors.New("skip write")

type OperatorStore interface {
	UpsertOperator(ctx context.Context, op models.Operator) (models.Operator, error)
	GetOperator(ctx context.Context, id string) (models.Operator, error)
	ListOperators(ctx context.Context) ([]models.Operator, error)
	SetAvailability(ctx context.Context, id string, available bool) (models.Operator, error)
	UpdatePosition(ctx context.Context, id string, pos models.Position) (models.Operator, error)
}

type RequestStore interface {
	// CreateRequest assigns CreatedAt and fails with apperr.ErrInvalidTransition
	// when the seeker already has an active request.
	CreateRequest(ctx context.Context, req models.AssistanceRequest) (models.AssistanceRequest, error)
	GetRequest(ctx context.Context, id string) (models.AssistanceRequest, error)
	ActiveRequest(ctx context.Context, seekerID string) (models.AssistanceRequest, error)
	// UpdateRequest runs fn against the current document and writes the result
	// atomically. Any error from fn aborts the write.
	UpdateRequest(ctx context.Context, id string, fn func(*models.AssistanceRequest) error) (models.AssistanceRequest, error)
	// ListRequests returns the requests matching f, newest first.
	ListRequests(ctx context.Context, f RequestFilter) ([]models.AssistanceRequest, error)
}

// RequestFilter narrows ListRequests. Empty fields match everything.
type RequestFilter struct {
	SeekerID string
	// OperatorID matches requests the operator was notified about or is
	// assigned to.
	OperatorID string
	Statuses   []models.RequestStatus
}

func (f RequestFilter) Match(r models.AssistanceRequest) bool {
	if f.SeekerID != "" && r.SeekerID != f.SeekerID {
		return false
	}
	if f.OperatorID != "" && r.OperatorID != f.OperatorID && !contains(r.NotifiedOperators, f.OperatorID) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if r.Status == st {
			return true
		}
	}
	return false
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

type ConversationStore interface {
	// AppendMessage assigns SentAt at commit time.
	AppendMessage(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error)
	// ListMessages returns the conversation log in commit order.
	ListMessages(ctx context.Context, conversationID string) ([]models.ChatMessage, error)
	UpdateMessage(ctx context.Context, conversationID, messageID string, fn func(*models.ChatMessage) error) (models.ChatMessage, error)
	// GetFlags returns zero flags when the owner never touched the contact.
	GetFlags(ctx context.Context, ownerID, contactID string) (models.ConversationFlags, error)
	UpdateFlags(ctx context.Context, ownerID, contactID string, fn func(*models.ConversationFlags)) (models.ConversationFlags, error)
	// ListConversations returns every conversation participantID has a
	// message in, most recently active first. Flags are left zero.
	ListConversations(ctx context.Context, participantID string) ([]models.ConversationSummary, error)
}

// ChangeFeed delivers document keys of committed writes in commit order.
// A listener that falls behind receives realtime.Resync instead of the keys
// it missed. The returned channel is closed when ctx ends or the feed fails.
type ChangeFeed interface {
	Listen(ctx context.Context, collection string) (<-chan string, error)
}

type Store interface {
	OperatorStore
	RequestStore
	ConversationStore
	ChangeFeed
	Ping(ctx context.Context) error
	Close()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*FirestoreStore)(nil)
)

// sortRequests orders newest first.
func sortRequests(reqs []models.AssistanceRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.After(reqs[j].CreatedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
}

// summarize builds a list entry from the newest message of a conversation.
func summarize(last models.ChatMessage) models.ConversationSummary {
	a, b := last.SenderID, last.ReceiverID
	if b < a {
		a, b = b, a
	}
	msg := last
	if last.Location != nil {
		loc := *last.Location
		msg.Location = &loc
	}
	return models.ConversationSummary{
		ID:           last.ConversationID,
		Participants: [2]string{a, b},
		LastMessage:  &msg,
		UpdatedAt:    last.SentAt,
	}
}

// sortConversations orders most recently active first.
func sortConversations(convs []models.ConversationSummary) {
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
		}
		return convs[i].ID < convs[j].ID
	})
}
