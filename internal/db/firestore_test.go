package db

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dztow/backend/internal/apperr"
	"github.com/dztow/backend/internal/models"
)

// Runs against the Firestore emulator; the client picks up
// FIRESTORE_EMULATOR_HOST on its own.
func newTestFirestore(t *testing.T) *FirestoreStore {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	s, err := NewFirestore(context.Background(), "dztow-test")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestFirestore_ActiveGuardRejectsSecondRequest(t *testing.T) {
	s := newTestFirestore(t)
	ctx := context.Background()
	seeker := "seeker-" + uuid.NewString()

	r1 := models.AssistanceRequest{ID: uuid.NewString(), SeekerID: seeker, Status: models.StatusPending, Position: models.Position{Lat: 36.36, Lng: 6.61}}
	created, err := s.CreateRequest(ctx, r1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.CreatedAt.IsZero() {
		t.Fatalf("expected server timestamp on create")
	}
	r2 := r1
	r2.ID = uuid.NewString()
	if _, err := s.CreateRequest(ctx, r2); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	active, err := s.ActiveRequest(ctx, seeker)
	if err != nil || active.ID != r1.ID {
		t.Fatalf("expected %s active, got %+v err=%v", r1.ID, active, err)
	}
}

func TestFirestore_UpdateRequestCallbackErrorRollsBack(t *testing.T) {
	s := newTestFirestore(t)
	ctx := context.Background()

	req := models.AssistanceRequest{ID: uuid.NewString(), SeekerID: "seeker-" + uuid.NewString(), Status: models.StatusPending}
	if _, err := s.CreateRequest(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := s.UpdateRequest(ctx, req.ID, func(r *models.AssistanceRequest) error {
		r.Status = models.StatusArrived
		return apperr.ErrWriteRejected
	})
	if !errors.Is(err, apperr.ErrWriteRejected) {
		t.Fatalf("expected ErrWriteRejected, got %v", err)
	}
	got, err := s.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Fatalf("expected PENDING after rollback, got %s", got.Status)
	}

	skipped, err := s.UpdateRequest(ctx, req.ID, func(r *models.AssistanceRequest) error {
		r.Status = models.StatusCancelled
		return ErrSkipWrite
	})
	if err != nil || skipped.Status != models.StatusPending {
		t.Fatalf("skip write: %+v %v", skipped, err)
	}
	if _, err := s.UpdateRequest(ctx, "missing-"+uuid.NewString(), func(*models.AssistanceRequest) error { return nil }); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFirestore_ListenReceivesCommittedKeys(t *testing.T) {
	s := newTestFirestore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	feed, err := s.Listen(ctx, CollectionOperators)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	id := "op-" + uuid.NewString()
	if _, err := s.UpsertOperator(ctx, models.Operator{Profile: models.Profile{ID: id}, TruckCategory: models.TruckFlatbed}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	for {
		select {
		case key, ok := <-feed:
			if !ok {
				t.Fatalf("feed closed before %s arrived", id)
			}
			if key == id {
				return
			}
		case <-ctx.Done():
			t.Fatalf("no snapshot change for %s", id)
		}
	}
}

func TestFirestore_MessagesOrderedAndFlagsPerOwner(t *testing.T) {
	s := newTestFirestore(t)
	ctx := context.Background()
	a, b := "a-"+uuid.NewString(), "b-"+uuid.NewString()
	conv := models.ConversationID(a, b)

	for _, body := range []string{"one", "two", "three"} {
		msg := models.ChatMessage{ID: uuid.NewString(), ConversationID: conv, SenderID: a, ReceiverID: b, Kind: models.KindText, Body: body, Status: models.MessageSent}
		if _, err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("append %s: %v", body, err)
		}
	}
	msgs, err := s.ListMessages(ctx, conv)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Body != "one" || msgs[2].Body != "three" {
		t.Fatalf("unexpected order %+v", msgs)
	}

	read, err := s.UpdateMessage(ctx, conv, msgs[0].ID, func(m *models.ChatMessage) error {
		m.Status = models.MessageRead
		return nil
	})
	if err != nil || read.Status != models.MessageRead {
		t.Fatalf("mark read: %+v %v", read, err)
	}

	if _, err := s.UpdateFlags(ctx, a, b, func(f *models.ConversationFlags) { f.Blocked = true }); err != nil {
		t.Fatalf("update flags: %v", err)
	}
	ab, _ := s.GetFlags(ctx, a, b)
	ba, _ := s.GetFlags(ctx, b, a)
	if !ab.Blocked || ba.Blocked {
		t.Fatalf("flags must be per owner: a->b %+v, b->a %+v", ab, ba)
	}

	convs, err := s.ListConversations(ctx, b)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(convs) != 1 || convs[0].ID != conv || convs[0].LastMessage == nil || convs[0].LastMessage.Body != "three" {
		t.Fatalf("unexpected conversation list %+v", convs)
	}
}

func TestFirestore_ListRequestsForNotifiedOperator(t *testing.T) {
	s := newTestFirestore(t)
	ctx := context.Background()
	op := "op-" + uuid.NewString()

	pending := models.AssistanceRequest{ID: uuid.NewString(), SeekerID: "seeker-" + uuid.NewString(), Status: models.StatusPending, NotifiedOperators: []string{op}}
	other := models.AssistanceRequest{ID: uuid.NewString(), SeekerID: "seeker-" + uuid.NewString(), Status: models.StatusPending, NotifiedOperators: []string{"someone-else"}}
	for _, r := range []models.AssistanceRequest{pending, other} {
		if _, err := s.CreateRequest(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := s.ListRequests(ctx, RequestFilter{OperatorID: op, Statuses: []models.RequestStatus{models.StatusPending}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != pending.ID {
		t.Fatalf("expected only %s, got %+v", pending.ID, got)
	}
}
