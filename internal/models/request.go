package models

import "time"

type RequestStatus string

const (
	StatusPending   RequestStatus = "PENDING"
	StatusAccepted  RequestStatus = "ACCEPTED"
	StatusArrived   RequestStatus = "ARRIVED"
	StatusCompleted RequestStatus = "COMPLETED"
	StatusCancelled RequestStatus = "CANCELLED"
)

// ActiveStatuses lists every non-terminal status.
var ActiveStatuses = []RequestStatus{StatusPending, StatusAccepted, StatusArrived}

func (s RequestStatus) Valid() bool {
	return s.Active() || s.Terminal()
}

func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s RequestStatus) Active() bool {
	return s == StatusPending || s == StatusAccepted || s == StatusArrived
}

type AssistanceRequest struct {
	ID       string   `json:"id"`
	SeekerID string   `json:"seeker_id"`
	Position Position `json:"position"`
	// Address is a best-effort reverse geocoded label for Position.
	Address       string        `json:"address,omitempty"`
	Note          string        `json:"note,omitempty"`
	OperatorID    string        `json:"operator_id,omitempty"`
	OperatorNotes string        `json:"operator_notes,omitempty"`
	Status        RequestStatus `json:"status"`
	// NotifiedOperators is the affected set frozen at creation time.
	NotifiedOperators []string  `json:"notified_operators"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Involves reports whether id is the seeker, the assigned operator, or one of
// the operators notified about the request.
func (r AssistanceRequest) Involves(id string) bool {
	if id == "" {
		return false
	}
	if r.SeekerID == id || r.OperatorID == id {
		return true
	}
	for _, op := range r.NotifiedOperators {
		if op == id {
			return true
		}
	}
	return false
}
