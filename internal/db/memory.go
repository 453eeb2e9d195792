package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dztow/backend/internal/apperr"
	"github.com/dztow/backend/internal/models"
)

// MemoryStore keeps every collection in-process (single instance only).
// Writes to one document are serialized by mu; the change feed sees them in
// the same order.
type MemoryStore struct {
	mu        sync.Mutex
	operators map[string]models.Operator
	requests  map[string]models.AssistanceRequest
	messages  map[string][]models.ChatMessage
	flags     map[string]models.ConversationFlags
	last      time.Time
	now       func() time.Time

	feed *hub
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		operators: make(map[string]models.Operator),
		requests:  make(map[string]models.AssistanceRequest),
		messages:  make(map[string][]models.ChatMessage),
		flags:     make(map[string]models.ConversationFlags),
		now:       time.Now,
		feed:      newHub(),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() { s.feed.closeAll() }

func (s *MemoryStore) Listen(ctx context.Context, collection string) (<-chan string, error) {
	return s.feed.listen(ctx, collection), nil
}

// stamp returns a strictly increasing server time. Callers hold mu.
func (s *MemoryStore) stamp() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

func (s *MemoryStore) UpsertOperator(ctx context.Context, op models.Operator) (models.Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op.LastUpdate = s.stamp()
	s.operators[op.ID] = op
	s.feed.publish(CollectionOperators, op.ID)
	return op, nil
}

func (s *MemoryStore) GetOperator(ctx context.Context, id string) (models.Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[id]
	if !ok {
		return models.Operator{}, fmt.Errorf("operator %s: %w", id, apperr.ErrNotFound)
	}
	return op, nil
}

func (s *MemoryStore) ListOperators(ctx context.Context) ([]models.Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Operator, 0, len(s.operators))
	for _, op := range s.operators {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SetAvailability(ctx context.Context, id string, available bool) (models.Operator, error) {
	return s.updateOperator(id, func(op *models.Operator) {
		op.IsAvailable = available
	})
}

func (s *MemoryStore) UpdatePosition(ctx context.Context, id string, pos models.Position) (models.Operator, error) {
	return s.updateOperator(id, func(op *models.Operator) {
		op.Position = pos
	})
}

func (s *MemoryStore) updateOperator(id string, fn func(*models.Operator)) (models.Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[id]
	if !ok {
		return models.Operator{}, fmt.Errorf("operator %s: %w", id, apperr.ErrNotFound)
	}
	fn(&op)
	op.LastUpdate = s.stamp()
	s.operators[id] = op
	s.feed.publish(CollectionOperators, id)
	return op, nil
}

func (s *MemoryStore) CreateRequest(ctx context.Context, req models.AssistanceRequest) (models.AssistanceRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.requests {
		if existing.SeekerID == req.SeekerID && existing.Status.Active() {
			return models.AssistanceRequest{}, fmt.Errorf("seeker %s already has request %s: %w", req.SeekerID, existing.ID, apperr.ErrInvalidTransition)
		}
	}
	if _, exists := s.requests[req.ID]; exists {
		return models.AssistanceRequest{}, fmt.Errorf("request %s exists: %w", req.ID, apperr.ErrInvalidTransition)
	}
	req.CreatedAt = s.stamp()
	req.UpdatedAt = req.CreatedAt
	req.NotifiedOperators = append([]string(nil), req.NotifiedOperators...)
	s.requests[req.ID] = req
	s.feed.publish(CollectionRequests, req.ID)
	return req, nil
}

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (models.AssistanceRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return models.AssistanceRequest{}, fmt.Errorf("request %s: %w", id, apperr.ErrNotFound)
	}
	return req, nil
}

func (s *MemoryStore) ActiveRequest(ctx context.Context, seekerID string) (models.AssistanceRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.requests {
		if req.SeekerID == seekerID && req.Status.Active() {
			return req, nil
		}
	}
	return models.AssistanceRequest{}, fmt.Errorf("active request for %s: %w", seekerID, apperr.ErrNotFound)
}

func (s *MemoryStore) UpdateRequest(ctx context.Context, id string, fn func(*models.AssistanceRequest) error) (models.AssistanceRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.requests[id]
	if !ok {
		return models.AssistanceRequest{}, fmt.Errorf("request %s: %w", id, apperr.ErrNotFound)
	}
	next := current
	next.NotifiedOperators = append([]string(nil), current.NotifiedOperators...)
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrSkipWrite) {
			return current, nil
		}
		return current, err
	}
	next.UpdatedAt = s.stamp()
	s.requests[id] = next
	s.feed.publish(CollectionRequests, id)
	return next, nil
}

func (s *MemoryStore) ListRequests(ctx context.Context, f RequestFilter) ([]models.AssistanceRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.AssistanceRequest{}
	for _, req := range s.requests {
		if f.Match(req) {
			req.NotifiedOperators = append([]string(nil), req.NotifiedOperators...)
			out = append(out, req)
		}
	}
	sortRequests(out)
	return out, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.SentAt = s.stamp()
	if msg.Location != nil {
		loc := *msg.Location
		msg.Location = &loc
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	s.feed.publish(CollectionConversations, msg.ConversationID)
	return msg, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	out := make([]models.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) UpdateMessage(ctx context.Context, conversationID, messageID string, fn func(*models.ChatMessage) error) (models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	for i := range msgs {
		if msgs[i].ID != messageID {
			continue
		}
		next := msgs[i]
		if err := fn(&next); err != nil {
			if errors.Is(err, ErrSkipWrite) {
				return msgs[i], nil
			}
			return msgs[i], err
		}
		msgs[i] = next
		s.feed.publish(CollectionConversations, conversationID)
		return next, nil
	}
	return models.ChatMessage{}, fmt.Errorf("message %s: %w", messageID, apperr.ErrNotFound)
}

func (s *MemoryStore) GetFlags(ctx context.Context, ownerID, contactID string) (models.ConversationFlags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flags[flagKey(ownerID, contactID)]
	if !ok {
		return models.ConversationFlags{OwnerID: ownerID, ContactID: contactID}, nil
	}
	return f, nil
}

func (s *MemoryStore) UpdateFlags(ctx context.Context, ownerID, contactID string, fn func(*models.ConversationFlags)) (models.ConversationFlags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := flagKey(ownerID, contactID)
	f, ok := s.flags[key]
	if !ok {
		f = models.ConversationFlags{OwnerID: ownerID, ContactID: contactID}
	}
	fn(&f)
	s.flags[key] = f
	s.feed.publish(CollectionConversations, models.ConversationID(ownerID, contactID))
	return f, nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, participantID string) ([]models.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.ConversationSummary{}
	for _, msgs := range s.messages {
		if len(msgs) == 0 {
			continue
		}
		last := msgs[len(msgs)-1]
		if last.SenderID != participantID && last.ReceiverID != participantID {
			continue
		}
		out = append(out, summarize(last))
	}
	sortConversations(out)
	return out, nil
}

func flagKey(ownerID, contactID string) string {
	return ownerID + "->" + contactID
}
