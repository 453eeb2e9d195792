package notify

import (
	"fmt"

	"github.com/dztow/backend/internal/events"
	"github.com/dztow/backend/internal/models"
)

// Alerts translates a domain event into the user-facing alerts it causes.
// Unknown events and events with no recipients yield nothing.
func Alerts(ev events.Envelope) []events.Alert {
	switch data := ev.Data.(type) {
	case events.RequestEvent:
		return requestAlerts(ev.Meta.Type, data)
	case events.MessageEvent:
		if data.ReceiverMuted {
			return nil
		}
		body := data.Message.Body
		if data.Message.Kind == models.KindLocation {
			body = "Shared a location"
		}
		return []events.Alert{{
			RecipientID:    data.Message.ReceiverID,
			Title:          "New message",
			Body:           body,
			ConversationID: data.Message.ConversationID,
			Source:         ev.Meta.Type,
		}}
	}
	return nil
}

func requestAlerts(eventType string, data events.RequestEvent) []events.Alert {
	req := data.Request
	one := func(to, title, body string) []events.Alert {
		if to == "" {
			return nil
		}
		return []events.Alert{{RecipientID: to, Title: title, Body: body, RequestID: req.ID, Source: eventType}}
	}

	switch eventType {
	case events.TypeRequestCreated:
		where := req.Address
		if where == "" {
			where = fmt.Sprintf("%.5f, %.5f", req.Position.Lat, req.Position.Lng)
		}
		body := "Driver needs help near " + where
		if req.Note != "" {
			body += ": " + req.Note
		}
		out := make([]events.Alert, 0, len(data.AffectedOperators))
		for _, id := range data.AffectedOperators {
			out = append(out, events.Alert{RecipientID: id, Title: "New assistance request", Body: body, RequestID: req.ID, Source: eventType})
		}
		return out
	case events.TypeRequestAccepted:
		return one(req.SeekerID, "Request accepted", "A tow truck is on the way")
	case events.TypeRequestArrived:
		return one(req.SeekerID, "Tow truck arrived", "Your operator has arrived")
	case events.TypeRequestCompleted:
		return one(req.SeekerID, "Assistance completed", "Your request has been completed")
	case events.TypeRequestCancelled:
		if data.ActorID == req.SeekerID {
			if req.OperatorID != "" {
				return one(req.OperatorID, "Request cancelled", "The driver cancelled the request")
			}
			out := make([]events.Alert, 0, len(req.NotifiedOperators))
			for _, id := range req.NotifiedOperators {
				out = append(out, events.Alert{RecipientID: id, Title: "Request cancelled", Body: "The driver cancelled the request", RequestID: req.ID, Source: eventType})
			}
			return out
		}
		return one(req.SeekerID, "Request cancelled", "The operator cancelled your request")
	}
	return nil
}
