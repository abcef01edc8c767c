package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/hd-request-api/internal/models"
	appErrors "github.com/noah-isme/hd-request-api/pkg/errors"
)

func strPtr(s string) *string { return &s }

func TestNextTransitionHappyPathWithCoSupervisor(t *testing.T) {
	req := &models.Request{
		StudentID:      "student-1",
		SupervisorID:   "supervisor-1",
		CoSupervisorID: strPtr("co-supervisor-1"),
		CoordinatorID:  strPtr("coordinator-1"),
	}

	steps := []struct {
		status  models.RequestStatus
		role    models.UserRole
		action  models.RequestAction
		outcome models.RequestOutcome
		want    models.RequestStatus
	}{
		{models.StatusDraft, models.RoleStudent, models.ActionSubmit, "", models.StatusSubmittedToSupervisor},
		{models.StatusSubmittedToSupervisor, models.RoleSupervisor, models.ActionOpen, "", models.StatusSupervisorReview},
		{models.StatusSupervisorReview, models.RoleSupervisor, models.ActionApprove, "", models.StatusCoSupervisorReview},
		{models.StatusCoSupervisorReview, models.RoleCoSupervisor, models.ActionApprove, "", models.StatusCoordinatorReview},
		{models.StatusCoordinatorReview, models.RoleCoordinator, models.ActionForward, "", models.StatusFHDPending},
		{models.StatusFHDPending, models.RoleCoordinator, models.ActionDecide, models.OutcomeRecommended, models.StatusSHDPending},
		{models.StatusSHDPending, models.RoleAdmin, models.ActionDecide, models.OutcomeApproved, models.StatusApproved},
	}

	for _, step := range steps {
		req.Status = step.status
		tr, err := nextTransition(req, step.role, step.action, step.outcome)
		require.NoError(t, err, "step %s by %s from %s", step.action, step.role, step.status)
		require.Equal(t, step.want, tr.To)
	}
}

func TestNextTransitionSkipsCoSupervisorWhenAbsent(t *testing.T) {
	req := &models.Request{Status: models.StatusSupervisorReview, SupervisorID: "supervisor-1"}

	tr, err := nextTransition(req, models.RoleSupervisor, models.ActionApprove, "")
	require.NoError(t, err)
	require.Equal(t, models.StatusCoordinatorReview, tr.To)
	require.Equal(t, models.RoleSupervisor, tr.SignRole)
}

func TestNextTransitionGrantFlags(t *testing.T) {
	req := &models.Request{Status: models.StatusDraft}
	tr, err := nextTransition(req, models.RoleStudent, models.ActionSubmit, "")
	require.NoError(t, err)
	require.True(t, tr.IssueGrant)

	req.Status = models.StatusSubmittedToSupervisor
	tr, err = nextTransition(req, models.RoleSupervisor, models.ActionOpen, "")
	require.NoError(t, err)
	require.True(t, tr.ConsumeGrant)

	req.Status = models.StatusReferredBack
	tr, err = nextTransition(req, models.RoleStudent, models.ActionResubmit, "")
	require.NoError(t, err)
	require.True(t, tr.IssueGrant)
	require.True(t, tr.ClearReferral)
}

func TestNextTransitionDecideOutcomes(t *testing.T) {
	req := &models.Request{Status: models.StatusFHDPending}

	tr, err := nextTransition(req, models.RoleCoordinator, models.ActionDecide, models.OutcomeApproved)
	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, tr.To)

	tr, err = nextTransition(req, models.RoleCoordinator, models.ActionDecide, models.OutcomeReferredBack)
	require.NoError(t, err)
	require.Equal(t, models.StatusReferredBack, tr.To)

	req.Status = models.StatusSHDPending
	tr, err = nextTransition(req, models.RoleAdmin, models.ActionDecide, models.OutcomeRecommended)
	require.NoError(t, err)
	require.Equal(t, models.StatusRecommended, tr.To)
	require.True(t, tr.To.Terminal())
}

func TestNextTransitionReferBackOnlyFromReviewStages(t *testing.T) {
	req := &models.Request{}

	for _, status := range []models.RequestStatus{
		models.StatusSubmittedToSupervisor,
		models.StatusSupervisorReview,
		models.StatusCoSupervisorReview,
		models.StatusCoordinatorReview,
		models.StatusFHDPending,
		models.StatusSHDPending,
	} {
		req.Status = status
		_, err := nextTransition(req, models.RoleCoordinator, models.ActionReferBack, "")
		require.NoError(t, err, "refer-back from %s", status)
	}

	for _, status := range []models.RequestStatus{
		models.StatusDraft,
		models.StatusReferredBack,
		models.StatusApproved,
		models.StatusRecommended,
	} {
		req.Status = status
		_, err := nextTransition(req, models.RoleCoordinator, models.ActionReferBack, "")
		require.Error(t, err, "refer-back from %s", status)
	}
}

func TestNextTransitionRejectsIllegalPairs(t *testing.T) {
	cases := []struct {
		name   string
		status models.RequestStatus
		role   models.UserRole
		action models.RequestAction
	}{
		{"submit by supervisor", models.StatusDraft, models.RoleSupervisor, models.ActionSubmit},
		{"approve before open", models.StatusSubmittedToSupervisor, models.RoleSupervisor, models.ActionApprove},
		{"open twice", models.StatusSupervisorReview, models.RoleSupervisor, models.ActionOpen},
		{"forward by supervisor", models.StatusCoordinatorReview, models.RoleSupervisor, models.ActionForward},
		{"decide at fhd by admin", models.StatusFHDPending, models.RoleAdmin, models.ActionDecide},
		{"decide at shd by coordinator", models.StatusSHDPending, models.RoleCoordinator, models.ActionDecide},
		{"resubmit from draft", models.StatusDraft, models.RoleStudent, models.ActionResubmit},
		{"act on approved", models.StatusApproved, models.RoleStudent, models.ActionSubmit},
		{"act on recommended", models.StatusRecommended, models.RoleCoordinator, models.ActionForward},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := &models.Request{Status: tc.status}
			_, err := nextTransition(req, tc.role, tc.action, models.OutcomeApproved)
			require.Error(t, err)
			require.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)
		})
	}
}

func TestOwnerForDerivation(t *testing.T) {
	req := &models.Request{
		StudentID:      "student-1",
		SupervisorID:   "supervisor-1",
		CoSupervisorID: strPtr("co-supervisor-1"),
		CoordinatorID:  strPtr("coordinator-1"),
	}

	id, role := ownerFor(models.StatusDraft, req)
	require.Equal(t, "student-1", *id)
	require.Equal(t, models.RoleStudent, *role)

	id, role = ownerFor(models.StatusSubmittedToSupervisor, req)
	require.Equal(t, "supervisor-1", *id)
	require.Equal(t, models.RoleSupervisor, *role)

	id, role = ownerFor(models.StatusCoSupervisorReview, req)
	require.Equal(t, "co-supervisor-1", *id)
	require.Equal(t, models.RoleCoSupervisor, *role)

	id, role = ownerFor(models.StatusFHDPending, req)
	require.Equal(t, "coordinator-1", *id)
	require.Equal(t, models.RoleCoordinator, *role)

	id, role = ownerFor(models.StatusSHDPending, req)
	require.Nil(t, id)
	require.Equal(t, models.RoleAdmin, *role)

	id, role = ownerFor(models.StatusApproved, req)
	require.Nil(t, id)
	require.Nil(t, role)
}
