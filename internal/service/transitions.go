package service

import (
	"errors"
	"fmt"

	"github.com/dztow/backend/internal/apperr"
	"github.com/dztow/backend/internal/models"
)

type Event string

const (
	EventAccept   Event = "accept"
	EventArrive   Event = "arrive"
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
)

var Events = []Event{EventAccept, EventArrive, EventComplete, EventCancel}

// ErrNoop marks a repeated transition that must leave the request untouched:
// the assigned operator accepting again.
var ErrNoop = errors.New("transition already applied")

// Transition is the request state machine. It returns the next status for ev
// applied to req by caller, ErrNoop for an idempotent repeat, or an error
// wrapping apperr.ErrInvalidTransition (wrong state) or apperr.ErrWriteRejected
// (wrong caller). State is checked before identity.
func Transition(req models.AssistanceRequest, caller models.Actor, ev Event) (models.RequestStatus, error) {
	if req.Status.Terminal() {
		return req.Status, invalid(req, ev)
	}
	callerID := caller.ActorProfile().ID
	isSeeker := caller.Role() == models.RoleSeeker && callerID == req.SeekerID
	isAssigned := caller.Role() == models.RoleOperator && req.OperatorID != "" && callerID == req.OperatorID

	switch ev {
	case EventAccept:
		switch req.Status {
		case models.StatusPending:
			if caller.Role() != models.RoleOperator {
				return req.Status, rejected(req, ev, callerID)
			}
			return models.StatusAccepted, nil
		case models.StatusAccepted:
			if isAssigned {
				return req.Status, ErrNoop
			}
		}
	case EventArrive:
		if req.Status == models.StatusAccepted {
			if !isAssigned {
				return req.Status, rejected(req, ev, callerID)
			}
			return models.StatusArrived, nil
		}
	case EventComplete:
		if req.Status == models.StatusArrived {
			if !isAssigned {
				return req.Status, rejected(req, ev, callerID)
			}
			return models.StatusCompleted, nil
		}
	case EventCancel:
		switch req.Status {
		case models.StatusPending:
			if !isSeeker {
				return req.Status, rejected(req, ev, callerID)
			}
			return models.StatusCancelled, nil
		case models.StatusAccepted, models.StatusArrived:
			if !isSeeker && !isAssigned {
				return req.Status, rejected(req, ev, callerID)
			}
			return models.StatusCancelled, nil
		}
	}
	return req.Status, invalid(req, ev)
}

func invalid(req models.AssistanceRequest, ev Event) error {
	return fmt.Errorf("%s on %s request %s: %w", ev, req.Status, req.ID, apperr.ErrInvalidTransition)
}

func rejected(req models.AssistanceRequest, ev Event, callerID string) error {
	return fmt.Errorf("%s on request %s by %s: %w", ev, req.ID, callerID, apperr.ErrWriteRejected)
}
