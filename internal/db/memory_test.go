package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dztow/backend/internal/apperr"
	"github.com/dztow/backend/internal/models"
	"github.com/dztow/backend/internal/realtime"
)

func TestMemoryStore_OneActiveRequestPerSeeker(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := models.AssistanceRequest{ID: "r1", SeekerID: "s1", Status: models.StatusPending}
	if _, err := s.CreateRequest(ctx, first); err != nil {
		t.Fatalf("create r1: %v", err)
	}
	second := models.AssistanceRequest{ID: "r2", SeekerID: "s1", Status: models.StatusPending}
	if _, err := s.CreateRequest(ctx, second); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if _, err := s.UpdateRequest(ctx, "r1", func(r *models.AssistanceRequest) error {
		r.Status = models.StatusCancelled
		return nil
	}); err != nil {
		t.Fatalf("cancel r1: %v", err)
	}
	if _, err := s.CreateRequest(ctx, second); err != nil {
		t.Fatalf("create after cancel: %v", err)
	}
	active, err := s.ActiveRequest(ctx, "s1")
	if err != nil || active.ID != "r2" {
		t.Fatalf("expected r2 active, got %+v err=%v", active, err)
	}
}

func TestMemoryStore_UpdateRequestSkipWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	created, err := s.CreateRequest(ctx, models.AssistanceRequest{ID: "r1", SeekerID: "s1", Status: models.StatusPending})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	feed, _ := s.Listen(ctx, CollectionRequests)
	got, err := s.UpdateRequest(ctx, "r1", func(r *models.AssistanceRequest) error {
		r.Status = models.StatusAccepted
		return ErrSkipWrite
	})
	if err != nil {
		t.Fatalf("skip write: %v", err)
	}
	if got.Status != models.StatusPending || !got.UpdatedAt.Equal(created.UpdatedAt) {
		t.Fatalf("expected untouched document, got %+v", got)
	}
	select {
	case key := <-feed:
		t.Fatalf("skip write must not publish, got %q", key)
	default:
	}
}

func TestMemoryStore_UpdateRequestMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.UpdateRequest(context.Background(), "nope", func(*models.AssistanceRequest) error { return nil })
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_MessagesKeepCommitOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	conv := models.ConversationID("a", "b")
	for _, id := range []string{"m1", "m2", "m3"} {
		if _, err := s.AppendMessage(ctx, models.ChatMessage{ID: id, ConversationID: conv, SenderID: "a", ReceiverID: "b", Status: models.MessageSent}); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	msgs, err := s.ListMessages(ctx, conv)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if !msgs[i].SentAt.After(msgs[i-1].SentAt) {
			t.Fatalf("timestamps not strictly increasing at %d: %v <= %v", i, msgs[i].SentAt, msgs[i-1].SentAt)
		}
	}
	if msgs[0].ID != "m1" || msgs[2].ID != "m3" {
		t.Fatalf("unexpected order: %s, %s, %s", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}
}

func TestMemoryStore_FlagsArePerOwner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.UpdateFlags(ctx, "a", "b", func(f *models.ConversationFlags) { f.Blocked = true }); err != nil {
		t.Fatalf("update flags: %v", err)
	}
	ab, _ := s.GetFlags(ctx, "a", "b")
	ba, _ := s.GetFlags(ctx, "b", "a")
	if !ab.Blocked {
		t.Fatalf("expected a->b blocked")
	}
	if ba.Blocked || ba.Muted {
		t.Fatalf("expected b->a untouched, got %+v", ba)
	}
}

func TestMemoryStore_ListenPublishesKeys(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewMemoryStore()

	feed, err := s.Listen(ctx, CollectionOperators)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if _, err := s.UpsertOperator(ctx, models.Operator{Profile: models.Profile{ID: "op1"}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	select {
	case key := <-feed:
		if key != "op1" {
			t.Fatalf("expected op1, got %q", key)
		}
	case <-time.After(time.Second):
		t.Fatalf("no change signal")
	}

	cancel()
	select {
	case _, ok := <-feed:
		if ok {
			t.Fatalf("expected closed feed")
		}
	case <-time.After(time.Second):
		t.Fatalf("feed not closed after cancel")
	}
}

func TestMemoryStore_SlowListenerGetsResyncInsteadOfLosingSignals(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemoryStore()
	if _, err := s.CreateRequest(ctx, models.AssistanceRequest{ID: "target", SeekerID: "s0", Status: models.StatusPending}); err != nil {
		t.Fatalf("create target: %v", err)
	}

	feed, _ := s.Listen(ctx, CollectionRequests)
	for i := 0; i < listenerBuffer; i++ {
		id := fmt.Sprintf("r%d", i)
		if _, err := s.CreateRequest(ctx, models.AssistanceRequest{ID: id, SeekerID: "s-" + id, Status: models.StatusPending}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := s.UpdateRequest(ctx, "target", func(r *models.AssistanceRequest) error {
		r.Status = models.StatusCancelled
		return nil
	}); err != nil {
		t.Fatalf("update target: %v", err)
	}

	var keys []string
	for len(feed) > 0 {
		keys = append(keys, <-feed)
	}
	if len(keys) != listenerBuffer {
		t.Fatalf("expected a full buffer of %d, got %d", listenerBuffer, len(keys))
	}
	if last := keys[len(keys)-1]; last != realtime.Resync {
		t.Fatalf("expected trailing resync marker, got %q", last)
	}
	for _, k := range keys[:len(keys)-1] {
		if k == realtime.Resync {
			t.Fatalf("resync marker queued more than once")
		}
	}

	// Once drained, keys flow again.
	if _, err := s.UpdateRequest(ctx, "r0", func(r *models.AssistanceRequest) error {
		r.Note = "x"
		return nil
	}); err != nil {
		t.Fatalf("update r0: %v", err)
	}
	if key := <-feed; key != "r0" {
		t.Fatalf("expected r0 after drain, got %q", key)
	}
}

func TestMemoryStore_WatchSurvivesSignalBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemoryStore()
	if _, err := s.CreateRequest(ctx, models.AssistanceRequest{ID: "target", SeekerID: "s0", Status: models.StatusPending}); err != nil {
		t.Fatalf("create target: %v", err)
	}

	// The second load reads, then blocks until released so the feed backs up
	// behind it and the snapshot it returns is already stale.
	release := make(chan struct{})
	loads := 0
	sub := realtime.Subscribe(ctx, s, CollectionRequests, realtime.MatchKey("target"),
		func(ctx context.Context) (models.AssistanceRequest, error) {
			r, err := s.GetRequest(ctx, "target")
			loads++
			if loads == 2 {
				<-release
			}
			return r, err
		},
		realtime.Options{RetryDelay: time.Millisecond})
	defer sub.Close()
	<-sub.C()

	// First matching signal parks the subscription inside load.
	if _, err := s.UpdateRequest(ctx, "target", func(r *models.AssistanceRequest) error {
		r.Note = "first"
		return nil
	}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 2*listenerBuffer; i++ {
		id := fmt.Sprintf("r%d", i)
		if _, err := s.CreateRequest(ctx, models.AssistanceRequest{ID: id, SeekerID: "s-" + id, Status: models.StatusPending}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := s.UpdateRequest(ctx, "target", func(r *models.AssistanceRequest) error {
		r.Status = models.StatusCancelled
		return nil
	}); err != nil {
		t.Fatalf("cancel target: %v", err)
	}
	close(release)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-sub.C():
			if got.Status == models.StatusCancelled {
				return
			}
		case <-deadline:
			t.Fatalf("cancellation never reached the watcher")
		}
	}
}

func TestMemoryStore_ListRequestsByOperatorAndStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed := []models.AssistanceRequest{
		{ID: "r1", SeekerID: "s1", Status: models.StatusPending, NotifiedOperators: []string{"o1", "o2"}},
		{ID: "r2", SeekerID: "s2", Status: models.StatusPending, NotifiedOperators: []string{"o2"}},
		{ID: "r3", SeekerID: "s3", Status: models.StatusPending, NotifiedOperators: []string{"o1"}},
	}
	for _, r := range seed {
		if _, err := s.CreateRequest(ctx, r); err != nil {
			t.Fatalf("create %s: %v", r.ID, err)
		}
	}
	if _, err := s.UpdateRequest(ctx, "r3", func(r *models.AssistanceRequest) error {
		r.Status = models.StatusAccepted
		r.OperatorID = "o1"
		return nil
	}); err != nil {
		t.Fatalf("accept r3: %v", err)
	}

	pending, err := s.ListRequests(ctx, RequestFilter{OperatorID: "o1", Statuses: []models.RequestStatus{models.StatusPending}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "r1" {
		t.Fatalf("expected only r1 pending for o1, got %+v", pending)
	}

	all, _ := s.ListRequests(ctx, RequestFilter{OperatorID: "o1"})
	if len(all) != 2 || all[0].ID != "r3" || all[1].ID != "r1" {
		t.Fatalf("expected r3 then r1 newest first, got %+v", all)
	}

	mine, _ := s.ListRequests(ctx, RequestFilter{SeekerID: "s2"})
	if len(mine) != 1 || mine[0].ID != "r2" {
		t.Fatalf("expected r2 for s2, got %+v", mine)
	}
}

func TestMemoryStore_ListConversationsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	send := func(id, from, to string) {
		t.Helper()
		msg := models.ChatMessage{ID: id, ConversationID: models.ConversationID(from, to), SenderID: from, ReceiverID: to, Kind: models.KindText, Body: id, Status: models.MessageSent}
		if _, err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	send("m1", "s1", "o1")
	send("m2", "o2", "s1")
	send("m3", "o1", "s1")
	send("m4", "o1", "s2")

	convs, err := s.ListConversations(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected two conversations for s1, got %+v", convs)
	}
	if convs[0].ID != models.ConversationID("s1", "o1") || convs[0].LastMessage.ID != "m3" {
		t.Fatalf("expected o1 conversation with m3 first, got %+v", convs[0])
	}
	if convs[1].Contact("s1") != "o2" {
		t.Fatalf("expected o2 second, got %+v", convs[1])
	}
}
