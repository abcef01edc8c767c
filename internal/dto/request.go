package dto

import "github.com/noah-isme/hd-request-api/internal/models"

// CreateRequestPayload creates a new draft owned by the calling student.
type CreateRequestPayload struct {
	Type           models.RequestType `json:"type" validate:"required"`
	Title          string             `json:"title" validate:"required"`
	SupervisorID   string             `json:"supervisorId" validate:"required"`
	CoSupervisorID string             `json:"coSupervisorId"`
	CoordinatorID  string             `json:"coordinatorId"`
}

// OpenRequestPayload carries the access code presented by the reviewer.
type OpenRequestPayload struct {
	Code string `json:"code" validate:"required,len=6"`
}

// ActionPayload carries the optional note attached to approve/forward calls.
type ActionPayload struct {
	Note string `json:"note"`
}

// DecidePayload records a committee decision.
type DecidePayload struct {
	Outcome models.RequestOutcome `json:"outcome" validate:"required"`
	Note    string                `json:"note"`
}

// ReferBackPayload sends the request back to the start of the review chain.
type ReferBackPayload struct {
	Reason string `json:"reason" validate:"required"`
}

// RequestQuery mirrors supported listing filters.
type RequestQuery struct {
	Status        []models.RequestStatus
	Type          models.RequestType
	ParticipantID string
	Limit         int
	Offset        int
}

// AuditQuery mirrors supported audit trail filters.
type AuditQuery struct {
	ActorID  string
	EntityID string
	Action   string
	From     string
	To       string
	Limit    int
	Offset   int
}
