package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dztow/backend/internal/apperr"
	"github.com/dztow/backend/internal/models"
)

// FirestoreStore maps the three collections onto Firestore. Messages and flags
// live under conversations/{id}; every conversation write also touches the
// parent document so a single collection listener observes the pair.
type FirestoreStore struct {
	client *firestore.Client
}

func NewFirestore(ctx context.Context, projectID string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore store")
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

func (s *FirestoreStore) Close() {
	_ = s.client.Close()
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.client.Collection(CollectionOperators).Limit(1).Documents(ctx).GetAll()
	return fsErr("ping", err)
}

// ─────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────

func (s *FirestoreStore) operatorDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(CollectionOperators).Doc(id)
}

func (s *FirestoreStore) requestDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(CollectionRequests).Doc(id)
}

func (s *FirestoreStore) conversationDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(CollectionConversations).Doc(id)
}

func (s *FirestoreStore) messageDoc(conversationID, id string) *firestore.DocumentRef {
	return s.conversationDoc(conversationID).Collection("messages").Doc(id)
}

func (s *FirestoreStore) flagsDoc(ownerID, contactID string) *firestore.DocumentRef {
	return s.conversationDoc(models.ConversationID(ownerID, contactID)).Collection("flags").Doc(ownerID)
}

func touchConversation(tx *firestore.Transaction, ref *firestore.DocumentRef) error {
	return tx.Set(ref, map[string]interface{}{"updated_at": firestore.ServerTimestamp}, firestore.MergeAll)
}

// openConversation records both participants on the parent document so the
// pair can be found with an array-contains query.
func openConversation(tx *firestore.Transaction, ref *firestore.DocumentRef, msg models.ChatMessage) error {
	return tx.Set(ref, map[string]interface{}{
		"participants":    []string{msg.SenderID, msg.ReceiverID},
		"updated_at":      firestore.ServerTimestamp,
		"last_message_at": firestore.ServerTimestamp,
	}, firestore.MergeAll)
}

// ─────────────────────────────────────────
// Firestore Types
// ─────────────────────────────────────────

type operatorDoc struct {
	DisplayName   string    `firestore:"display_name"`
	Phone         string    `firestore:"phone"`
	Language      string    `firestore:"language"`
	Verified      bool      `firestore:"verified"`
	CompanyName   string    `firestore:"company_name"`
	TruckCategory string    `firestore:"truck_category"`
	IsAvailable   bool      `firestore:"is_available"`
	Lat           float64   `firestore:"lat"`
	Lng           float64   `firestore:"lng"`
	LastUpdate    time.Time `firestore:"last_update,serverTimestamp"`
}

func (d operatorDoc) model(id string) models.Operator {
	return models.Operator{
		Profile: models.Profile{
			ID:          id,
			DisplayName: d.DisplayName,
			Phone:       d.Phone,
			Language:    d.Language,
			Verified:    d.Verified,
		},
		CompanyName:   d.CompanyName,
		TruckCategory: models.TruckCategory(d.TruckCategory),
		IsAvailable:   d.IsAvailable,
		Position:      models.Position{Lat: d.Lat, Lng: d.Lng},
		LastUpdate:    d.LastUpdate,
	}
}

type requestDoc struct {
	SeekerID          string    `firestore:"seeker_id"`
	Lat               float64   `firestore:"lat"`
	Lng               float64   `firestore:"lng"`
	Address           string    `firestore:"address"`
	Note              string    `firestore:"note"`
	OperatorID        string    `firestore:"operator_id"`
	OperatorNotes     string    `firestore:"operator_notes"`
	Status            string    `firestore:"status"`
	NotifiedOperators []string  `firestore:"notified_operators"`
	CreatedAt         time.Time `firestore:"created_at,serverTimestamp"`
	UpdatedAt         time.Time `firestore:"updated_at,serverTimestamp"`
}

func newRequestDoc(r models.AssistanceRequest) requestDoc {
	return requestDoc{
		SeekerID:          r.SeekerID,
		Lat:               r.Position.Lat,
		Lng:               r.Position.Lng,
		Address:           r.Address,
		Note:              r.Note,
		OperatorID:        r.OperatorID,
		OperatorNotes:     r.OperatorNotes,
		Status:            string(r.Status),
		NotifiedOperators: r.NotifiedOperators,
		CreatedAt:         r.CreatedAt,
	}
}

func (d requestDoc) model(id string) models.AssistanceRequest {
	return models.AssistanceRequest{
		ID:                id,
		SeekerID:          d.SeekerID,
		Position:          models.Position{Lat: d.Lat, Lng: d.Lng},
		Address:           d.Address,
		Note:              d.Note,
		OperatorID:        d.OperatorID,
		OperatorNotes:     d.OperatorNotes,
		Status:            models.RequestStatus(d.Status),
		NotifiedOperators: d.NotifiedOperators,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

type locationDoc struct {
	Lat      float64 `firestore:"lat"`
	Lng      float64 `firestore:"lng"`
	Fallback bool    `firestore:"fallback"`
	Label    string  `firestore:"label"`
}

type messageDoc struct {
	SenderID   string       `firestore:"sender_id"`
	ReceiverID string       `firestore:"receiver_id"`
	Kind       string       `firestore:"kind"`
	Body       string       `firestore:"body"`
	Location   *locationDoc `firestore:"location"`
	Status     string       `firestore:"status"`
	SentAt     time.Time    `firestore:"sent_at,serverTimestamp"`
}

func (d messageDoc) model(conversationID, id string) models.ChatMessage {
	m := models.ChatMessage{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       d.SenderID,
		ReceiverID:     d.ReceiverID,
		Kind:           models.MessageKind(d.Kind),
		Body:           d.Body,
		Status:         models.MessageStatus(d.Status),
		SentAt:         d.SentAt,
	}
	if d.Location != nil {
		m.Location = &models.LocationPayload{Lat: d.Location.Lat, Lng: d.Location.Lng, Fallback: d.Location.Fallback, Label: d.Location.Label}
	}
	return m
}

type flagsDoc struct {
	Muted   bool `firestore:"muted"`
	Blocked bool `firestore:"blocked"`
}

// ─────────────────────────────────────────
// ChangeFeed implementation
// ─────────────────────────────────────────

func (s *FirestoreStore) Listen(ctx context.Context, collection string) (<-chan string, error) {
	it := s.client.Collection(collection).Snapshots(ctx)
	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer it.Stop()
		for {
			qs, err := it.Next()
			if err != nil {
				return
			}
			for _, change := range qs.Changes {
				select {
				case out <- change.Doc.Ref.ID:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// ─────────────────────────────────────────
// OperatorStore implementation
// ─────────────────────────────────────────

func (s *FirestoreStore) UpsertOperator(ctx context.Context, op models.Operator) (models.Operator, error) {
	doc := operatorDoc{
		DisplayName:   op.DisplayName,
		Phone:         op.Phone,
		Language:      op.Language,
		Verified:      op.Verified,
		CompanyName:   op.CompanyName,
		TruckCategory: string(op.TruckCategory),
		IsAvailable:   op.IsAvailable,
		Lat:           op.Position.Lat,
		Lng:           op.Position.Lng,
	}
	if _, err := s.operatorDoc(op.ID).Set(ctx, doc); err != nil {
		return models.Operator{}, fsErr("upsert operator "+op.ID, err)
	}
	return s.GetOperator(ctx, op.ID)
}

func (s *FirestoreStore) GetOperator(ctx context.Context, id string) (models.Operator, error) {
	snap, err := s.operatorDoc(id).Get(ctx)
	if err != nil {
		return models.Operator{}, fsErr("operator "+id, err)
	}
	var doc operatorDoc
	if err := snap.DataTo(&doc); err != nil {
		return models.Operator{}, fmt.Errorf("decode operatorDoc: %w", err)
	}
	return doc.model(id), nil
}

func (s *FirestoreStore) ListOperators(ctx context.Context) ([]models.Operator, error) {
	iter := s.client.Collection(CollectionOperators).OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var out []models.Operator
	for {
		snap, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			return nil, fsErr("list operators", err)
		}
		var doc operatorDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode operatorDoc: %w", err)
		}
		out = append(out, doc.model(snap.Ref.ID))
	}
	return out, nil
}

func (s *FirestoreStore) SetAvailability(ctx context.Context, id string, available bool) (models.Operator, error) {
	return s.updateOperator(ctx, id, firestore.Update{Path: "is_available", Value: available})
}

func (s *FirestoreStore) UpdatePosition(ctx context.Context, id string, pos models.Position) (models.Operator, error) {
	return s.updateOperator(ctx, id,
		firestore.Update{Path: "lat", Value: pos.Lat},
		firestore.Update{Path: "lng", Value: pos.Lng},
	)
}

func (s *FirestoreStore) updateOperator(ctx context.Context, id string, updates ...firestore.Update) (models.Operator, error) {
	updates = append(updates, firestore.Update{Path: "last_update", Value: firestore.ServerTimestamp})
	if _, err := s.operatorDoc(id).Update(ctx, updates); err != nil {
		return models.Operator{}, fsErr("update operator "+id, err)
	}
	return s.GetOperator(ctx, id)
}

// ─────────────────────────────────────────
// RequestStore implementation
// ─────────────────────────────────────────

func (s *FirestoreStore) activeQuery(seekerID string) firestore.Query {
	active := make([]string, 0, len(models.ActiveStatuses))
	for _, st := range models.ActiveStatuses {
		active = append(active, string(st))
	}
	return s.client.Collection(CollectionRequests).
		Where("seeker_id", "==", seekerID).
		Where("status", "in", active)
}

func (s *FirestoreStore) CreateRequest(ctx context.Context, req models.AssistanceRequest) (models.AssistanceRequest, error) {
	ref := s.requestDoc(req.ID)
	var guardErr error
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		guardErr = nil
		existing, err := tx.Documents(s.activeQuery(req.SeekerID)).GetAll()
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			guardErr = fmt.Errorf("seeker %s already has request %s: %w", req.SeekerID, existing[0].Ref.ID, apperr.ErrInvalidTransition)
			return guardErr
		}
		doc := newRequestDoc(req)
		doc.CreatedAt = time.Time{}
		return tx.Create(ref, doc)
	})
	if guardErr != nil {
		return models.AssistanceRequest{}, guardErr
	}
	if err != nil {
		return models.AssistanceRequest{}, fsErr("create request for "+req.SeekerID, err)
	}
	return s.GetRequest(ctx, req.ID)
}

func (s *FirestoreStore) GetRequest(ctx context.Context, id string) (models.AssistanceRequest, error) {
	snap, err := s.requestDoc(id).Get(ctx)
	if err != nil {
		return models.AssistanceRequest{}, fsErr("request "+id, err)
	}
	var doc requestDoc
	if err := snap.DataTo(&doc); err != nil {
		return models.AssistanceRequest{}, fmt.Errorf("decode requestDoc: %w", err)
	}
	return doc.model(id), nil
}

func (s *FirestoreStore) ActiveRequest(ctx context.Context, seekerID string) (models.AssistanceRequest, error) {
	snaps, err := s.activeQuery(seekerID).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return models.AssistanceRequest{}, fsErr("active request for "+seekerID, err)
	}
	if len(snaps) == 0 {
		return models.AssistanceRequest{}, fmt.Errorf("active request for %s: %w", seekerID, apperr.ErrNotFound)
	}
	var doc requestDoc
	if err := snaps[0].DataTo(&doc); err != nil {
		return models.AssistanceRequest{}, fmt.Errorf("decode requestDoc: %w", err)
	}
	return doc.model(snaps[0].Ref.ID), nil
}

func (s *FirestoreStore) UpdateRequest(ctx context.Context, id string, fn func(*models.AssistanceRequest) error) (models.AssistanceRequest, error) {
	ref := s.requestDoc(id)
	var (
		current models.AssistanceRequest
		fnErr   error
	)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		fnErr = nil
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc requestDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		current = doc.model(id)
		next := current
		next.NotifiedOperators = append([]string(nil), current.NotifiedOperators...)
		if err := fn(&next); err != nil {
			fnErr = err
			return err
		}
		return tx.Set(ref, newRequestDoc(next))
	})
	if fnErr != nil {
		if errors.Is(fnErr, ErrSkipWrite) {
			return current, nil
		}
		return current, fnErr
	}
	if err != nil {
		return models.AssistanceRequest{}, fsErr("update request "+id, err)
	}
	return s.GetRequest(ctx, id)
}

// ListRequests runs one query per indexed field and filters the rest in
// memory. An operator filter merges notified and assigned requests.
func (s *FirestoreStore) ListRequests(ctx context.Context, f RequestFilter) ([]models.AssistanceRequest, error) {
	col := s.client.Collection(CollectionRequests)
	var queries []firestore.Query
	switch {
	case f.SeekerID != "":
		queries = append(queries, col.Where("seeker_id", "==", f.SeekerID))
	case f.OperatorID != "":
		queries = append(queries,
			col.Where("notified_operators", "array-contains", f.OperatorID),
			col.Where("operator_id", "==", f.OperatorID),
		)
	default:
		queries = append(queries, col.Query)
	}

	seen := make(map[string]bool)
	out := []models.AssistanceRequest{}
	for _, q := range queries {
		iter := q.Documents(ctx)
		for {
			snap, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				iter.Stop()
				return nil, fsErr("list requests", err)
			}
			if seen[snap.Ref.ID] {
				continue
			}
			var doc requestDoc
			if err := snap.DataTo(&doc); err != nil {
				iter.Stop()
				return nil, fmt.Errorf("decode requestDoc: %w", err)
			}
			r := doc.model(snap.Ref.ID)
			if f.Match(r) {
				seen[r.ID] = true
				out = append(out, r)
			}
		}
		iter.Stop()
	}
	sortRequests(out)
	return out, nil
}

// ─────────────────────────────────────────
// ConversationStore implementation
// ─────────────────────────────────────────

func (s *FirestoreStore) AppendMessage(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	doc := messageDoc{
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Kind:       string(msg.Kind),
		Body:       msg.Body,
		Status:     string(msg.Status),
	}
	if msg.Location != nil {
		doc.Location = &locationDoc{Lat: msg.Location.Lat, Lng: msg.Location.Lng, Fallback: msg.Location.Fallback, Label: msg.Location.Label}
	}
	ref := s.messageDoc(msg.ConversationID, msg.ID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(ref, doc); err != nil {
			return err
		}
		return openConversation(tx, s.conversationDoc(msg.ConversationID), msg)
	})
	if err != nil {
		return models.ChatMessage{}, fsErr("append message", err)
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return models.ChatMessage{}, fsErr("append message", err)
	}
	var stored messageDoc
	if err := snap.DataTo(&stored); err != nil {
		return models.ChatMessage{}, fmt.Errorf("decode messageDoc: %w", err)
	}
	return stored.model(msg.ConversationID, msg.ID), nil
}

func (s *FirestoreStore) ListMessages(ctx context.Context, conversationID string) ([]models.ChatMessage, error) {
	iter := s.conversationDoc(conversationID).Collection("messages").OrderBy("sent_at", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var out []models.ChatMessage
	for {
		snap, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			return nil, fsErr("list messages", err)
		}
		var doc messageDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode messageDoc: %w", err)
		}
		out = append(out, doc.model(conversationID, snap.Ref.ID))
	}
	return out, nil
}

func (s *FirestoreStore) UpdateMessage(ctx context.Context, conversationID, messageID string, fn func(*models.ChatMessage) error) (models.ChatMessage, error) {
	ref := s.messageDoc(conversationID, messageID)
	var (
		out   models.ChatMessage
		fnErr error
	)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		fnErr = nil
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc messageDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		out = doc.model(conversationID, messageID)
		next := out
		if err := fn(&next); err != nil {
			fnErr = err
			return err
		}
		if err := tx.Update(ref, []firestore.Update{{Path: "status", Value: string(next.Status)}}); err != nil {
			return err
		}
		out = next
		return touchConversation(tx, s.conversationDoc(conversationID))
	})
	if fnErr != nil {
		if errors.Is(fnErr, ErrSkipWrite) {
			return out, nil
		}
		return out, fnErr
	}
	if err != nil {
		return models.ChatMessage{}, fsErr("update message "+messageID, err)
	}
	return out, nil
}

func (s *FirestoreStore) GetFlags(ctx context.Context, ownerID, contactID string) (models.ConversationFlags, error) {
	f := models.ConversationFlags{OwnerID: ownerID, ContactID: contactID}
	snap, err := s.flagsDoc(ownerID, contactID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return f, nil
		}
		return f, fsErr("flags", err)
	}
	var doc flagsDoc
	if err := snap.DataTo(&doc); err != nil {
		return f, fmt.Errorf("decode flagsDoc: %w", err)
	}
	f.Muted, f.Blocked = doc.Muted, doc.Blocked
	return f, nil
}

func (s *FirestoreStore) UpdateFlags(ctx context.Context, ownerID, contactID string, fn func(*models.ConversationFlags)) (models.ConversationFlags, error) {
	ref := s.flagsDoc(ownerID, contactID)
	var f models.ConversationFlags
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		f = models.ConversationFlags{OwnerID: ownerID, ContactID: contactID}
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var doc flagsDoc
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			f.Muted, f.Blocked = doc.Muted, doc.Blocked
		}
		fn(&f)
		if err := tx.Set(ref, flagsDoc{Muted: f.Muted, Blocked: f.Blocked}); err != nil {
			return err
		}
		return touchConversation(tx, s.conversationDoc(models.ConversationID(ownerID, contactID)))
	})
	if err != nil {
		return models.ConversationFlags{}, fsErr("update flags", err)
	}
	return f, nil
}

func (s *FirestoreStore) ListConversations(ctx context.Context, participantID string) ([]models.ConversationSummary, error) {
	iter := s.client.Collection(CollectionConversations).Where("participants", "array-contains", participantID).Documents(ctx)
	defer iter.Stop()

	out := []models.ConversationSummary{}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fsErr("list conversations", err)
		}
		last, err := s.conversationDoc(snap.Ref.ID).Collection("messages").
			OrderBy("sent_at", firestore.Desc).Limit(1).Documents(ctx).GetAll()
		if err != nil {
			return nil, fsErr("list conversations", err)
		}
		if len(last) == 0 {
			continue
		}
		var doc messageDoc
		if err := last[0].DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode messageDoc: %w", err)
		}
		out = append(out, summarize(doc.model(snap.Ref.ID, last[0].Ref.ID)))
	}
	sortConversations(out)
	return out, nil
}

func fsErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%s: %w", op, apperr.ErrNotFound)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("%s: %v: %w", op, err, apperr.ErrUnavailable)
	}
	return fmt.Errorf("firestore %s: %w", op, err)
}
