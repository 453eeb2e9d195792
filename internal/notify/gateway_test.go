package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dztow/backend/internal/events"
	"github.com/dztow/backend/internal/models"
)

type memPublisher struct {
	mu   sync.Mutex
	keys []string
	msgs []events.Envelope
	err  error
}

func (p *memPublisher) Publish(ctx context.Context, key string, msg events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, key)
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *memPublisher) Close() error { return nil }

func (p *memPublisher) alertsTo() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.msgs {
		if a, ok := m.Data.(events.Alert); ok {
			out = append(out, a.RecipientID)
		}
	}
	return out
}

func requestEvent(eventType string, req models.AssistanceRequest, actor string, affected ...string) events.Envelope {
	return events.New(context.Background(), eventType, events.RequestEvent{Request: req, ActorID: actor, AffectedOperators: affected})
}

func TestAlertsRouting(t *testing.T) {
	pending := models.AssistanceRequest{ID: "r1", SeekerID: "S", Status: models.StatusPending, NotifiedOperators: []string{"O1", "O3"}}
	accepted := pending
	accepted.OperatorID = "O1"

	cases := []struct {
		name string
		ev   events.Envelope
		want []string
	}{
		{"created", requestEvent(events.TypeRequestCreated, pending, "S", "O1", "O3"), []string{"O1", "O3"}},
		{"accepted", requestEvent(events.TypeRequestAccepted, accepted, "O1"), []string{"S"}},
		{"arrived", requestEvent(events.TypeRequestArrived, accepted, "O1"), []string{"S"}},
		{"completed", requestEvent(events.TypeRequestCompleted, accepted, "O1"), []string{"S"}},
		{"cancelled by seeker after accept", requestEvent(events.TypeRequestCancelled, accepted, "S"), []string{"O1"}},
		{"cancelled by seeker while pending", requestEvent(events.TypeRequestCancelled, pending, "S"), []string{"O1", "O3"}},
		{"cancelled by operator", requestEvent(events.TypeRequestCancelled, accepted, "O1"), []string{"S"}},
		{"message", events.New(context.Background(), events.TypeMessageSent, events.MessageEvent{
			Message: models.ChatMessage{SenderID: "O1", ReceiverID: "S", Body: "hi"},
		}), []string{"S"}},
		{"muted message", events.New(context.Background(), events.TypeMessageSent, events.MessageEvent{
			Message:       models.ChatMessage{SenderID: "O1", ReceiverID: "S", Body: "hi"},
			ReceiverMuted: true,
		}), nil},
	}
	for _, tc := range cases {
		got := Alerts(tc.ev)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: expected %v, got %+v", tc.name, tc.want, got)
		}
		for i := range got {
			if got[i].RecipientID != tc.want[i] {
				t.Fatalf("%s: recipient %d = %s, want %s", tc.name, i, got[i].RecipientID, tc.want[i])
			}
			if _, isRequest := tc.ev.Data.(events.RequestEvent); isRequest && got[i].RequestID != "r1" {
				t.Fatalf("%s: alert must point at the request, got %+v", tc.name, got[i])
			}
		}
	}
}

func TestMessageAlertCarriesConversation(t *testing.T) {
	conv := models.ConversationID("O1", "S")
	got := Alerts(events.New(context.Background(), events.TypeMessageSent, events.MessageEvent{
		Message: models.ChatMessage{ConversationID: conv, SenderID: "O1", ReceiverID: "S", Body: "hi"},
	}))
	if len(got) != 1 || got[0].ConversationID != conv {
		t.Fatalf("expected alert for conversation %s, got %+v", conv, got)
	}
}

func TestNotifyPermissionStates(t *testing.T) {
	pub := &memPublisher{}
	reg := NewRegistry(pub, PermissionGranted)
	reg.Set("denied-user", PermissionDenied)
	reg.Set("granted-user", PermissionGranted)
	g := NewGateway(pub, reg, zerolog.Nop(), 8)
	ctx := context.Background()

	g.Notify(ctx, events.Alert{RecipientID: "granted-user", Title: "t"})
	g.Notify(ctx, events.Alert{RecipientID: "denied-user", Title: "t"})
	g.Notify(ctx, events.Alert{RecipientID: "new-user", Title: "t"})

	got := pub.alertsTo()
	if len(got) != 2 || got[0] != "granted-user" || got[1] != "new-user" {
		t.Fatalf("expected alerts for granted-user and new-user, got %v", got)
	}
	if p := reg.Permission(ctx, "new-user"); p != PermissionGranted {
		t.Fatalf("expected request outcome to be remembered, got %s", p)
	}
}

func TestNotifyDefaultPolicyStaysSilent(t *testing.T) {
	pub := &memPublisher{}
	reg := NewRegistry(pub, PermissionDefault)
	g := NewGateway(pub, reg, zerolog.Nop(), 8)

	g.Notify(context.Background(), events.Alert{RecipientID: "u"})
	if got := pub.alertsTo(); len(got) != 0 {
		t.Fatalf("unanswered permission request must not show, got %v", got)
	}
}

func TestGatewayPublishesEventsThenAlerts(t *testing.T) {
	pub := &memPublisher{}
	g := NewGateway(pub, NewRegistry(pub, PermissionGranted), zerolog.Nop(), 8)
	g.Start()

	req := models.AssistanceRequest{ID: "r1", SeekerID: "S", OperatorID: "O1", Status: models.StatusAccepted}
	g.Emit(context.Background(), requestEvent(events.TypeRequestAccepted, req, "O1"))
	g.Close()

	if len(pub.keys) != 2 || pub.keys[0] != events.TypeRequestAccepted || pub.keys[1] != events.TypeAlert {
		t.Fatalf("unexpected publish sequence %v", pub.keys)
	}
	// Emit after Close is ignored.
	g.Emit(context.Background(), requestEvent(events.TypeRequestAccepted, req, "O1"))
	g.Close()
}

func TestGatewaySwallowsPublishErrors(t *testing.T) {
	pub := &memPublisher{err: errors.New("broker down")}
	g := NewGateway(pub, NewRegistry(pub, PermissionGranted), zerolog.Nop(), 8)
	g.Start()
	g.Emit(context.Background(), requestEvent(events.TypeRequestArrived, models.AssistanceRequest{SeekerID: "S"}, "O1"))
	g.Close()
}

func TestParsePermission(t *testing.T) {
	if p, err := ParsePermission("Granted"); err != nil || p != PermissionGranted {
		t.Fatalf("unexpected %v %v", p, err)
	}
	if _, err := ParsePermission("maybe"); err == nil {
		t.Fatalf("expected error")
	}
}
