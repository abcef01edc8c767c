package service

import (
	"fmt"

	"github.com/noah-isme/hd-request-api/internal/models"
	appErrors "github.com/noah-isme/hd-request-api/pkg/errors"
)

// transition is the computed outcome of one legal workflow step. It is pure
// data; the engine turns it into ledger appends and a snapshot write.
type transition struct {
	To            models.RequestStatus
	SignRole      models.UserRole // non-empty when the step completes a stage
	IssueGrant    bool            // target stage is code-gated
	ConsumeGrant  bool
	Outcome       models.RequestOutcome // set on committee decisions
	ClearReferral bool
}

// reviewStages are the statuses a supervisor or coordinator may refer back
// from. Draft and referred-back requests already sit with the student.
var reviewStages = map[models.RequestStatus]bool{
	models.StatusSubmittedToSupervisor: true,
	models.StatusSupervisorReview:      true,
	models.StatusCoSupervisorReview:    true,
	models.StatusCoordinatorReview:     true,
	models.StatusFHDPending:            true,
	models.StatusSHDPending:            true,
}

// nextTransition is the exhaustive transition table. It is the only place
// transition legality is decided; every other component asks it rather than
// branching on raw status strings.
func nextTransition(req *models.Request, role models.UserRole, action models.RequestAction, outcome models.RequestOutcome) (transition, error) {
	switch action {
	case models.ActionSubmit:
		if req.Status == models.StatusDraft && role == models.RoleStudent {
			return transition{To: models.StatusSubmittedToSupervisor, IssueGrant: true}, nil
		}

	case models.ActionOpen:
		if req.Status == models.StatusSubmittedToSupervisor && role == models.RoleSupervisor {
			return transition{To: models.StatusSupervisorReview, ConsumeGrant: true}, nil
		}

	case models.ActionApprove:
		if req.Status == models.StatusSupervisorReview && role == models.RoleSupervisor {
			to := models.StatusCoordinatorReview
			if req.HasCoSupervisor() {
				to = models.StatusCoSupervisorReview
			}
			return transition{To: to, SignRole: models.RoleSupervisor}, nil
		}
		if req.Status == models.StatusCoSupervisorReview && role == models.RoleCoSupervisor {
			return transition{To: models.StatusCoordinatorReview, SignRole: models.RoleCoSupervisor}, nil
		}

	case models.ActionForward:
		if req.Status == models.StatusCoordinatorReview && role == models.RoleCoordinator {
			return transition{To: models.StatusFHDPending, SignRole: models.RoleCoordinator}, nil
		}

	case models.ActionDecide:
		if req.Status == models.StatusFHDPending && role == models.RoleCoordinator {
			switch outcome {
			case models.OutcomeApproved:
				return transition{To: models.StatusApproved, SignRole: models.RoleCoordinator, Outcome: outcome}, nil
			case models.OutcomeRecommended:
				return transition{To: models.StatusSHDPending, SignRole: models.RoleCoordinator, Outcome: outcome}, nil
			case models.OutcomeReferredBack:
				return transition{To: models.StatusReferredBack, SignRole: models.RoleCoordinator, Outcome: outcome}, nil
			}
		}
		if req.Status == models.StatusSHDPending && role == models.RoleAdmin {
			switch outcome {
			case models.OutcomeApproved:
				return transition{To: models.StatusApproved, SignRole: models.RoleAdmin, Outcome: outcome}, nil
			case models.OutcomeRecommended:
				return transition{To: models.StatusRecommended, SignRole: models.RoleAdmin, Outcome: outcome}, nil
			case models.OutcomeReferredBack:
				return transition{To: models.StatusReferredBack, SignRole: models.RoleAdmin, Outcome: outcome}, nil
			}
		}

	case models.ActionReferBack:
		if reviewStages[req.Status] && (role == models.RoleSupervisor || role == models.RoleCoordinator) {
			return transition{To: models.StatusReferredBack}, nil
		}

	case models.ActionResubmit:
		if req.Status == models.StatusReferredBack && role == models.RoleStudent {
			return transition{To: models.StatusSubmittedToSupervisor, IssueGrant: true, ClearReferral: true}, nil
		}
	}

	return transition{}, appErrors.Clone(appErrors.ErrInvalidTransition,
		fmt.Sprintf("action %s by role %s is not legal in status %s", action, role, req.Status))
}

// ownerFor derives the next owner from the target status. The owner is an
// output of (status, participants) and never independently settable.
func ownerFor(status models.RequestStatus, req *models.Request) (*string, *models.UserRole) {
	var role models.UserRole
	switch status {
	case models.StatusDraft, models.StatusReferredBack:
		role = models.RoleStudent
	case models.StatusSubmittedToSupervisor, models.StatusSupervisorReview:
		role = models.RoleSupervisor
	case models.StatusCoSupervisorReview:
		role = models.RoleCoSupervisor
	case models.StatusCoordinatorReview, models.StatusFHDPending:
		role = models.RoleCoordinator
	case models.StatusSHDPending:
		role = models.RoleAdmin
	default:
		// terminal: nobody is awaited
		return nil, nil
	}

	if role == models.RoleAdmin {
		// the senate committee is a role, not a bound participant
		return nil, &role
	}
	return req.ParticipantFor(role), &role
}
