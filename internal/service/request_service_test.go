package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/hd-request-api/internal/dto"
	"github.com/noah-isme/hd-request-api/internal/models"
	"github.com/noah-isme/hd-request-api/internal/repository"
	appErrors "github.com/noah-isme/hd-request-api/pkg/errors"
)

type requestStoreStub struct {
	requests   map[string]*models.Request
	versions   map[string][]models.Version
	signatures map[string][]models.Signature
	audits     []*models.AuditLog
	filter     models.RequestFilter
}

func newRequestStoreStub() *requestStoreStub {
	return &requestStoreStub{
		requests:   make(map[string]*models.Request),
		versions:   make(map[string][]models.Version),
		signatures: make(map[string][]models.Signature),
	}
}

func (s *requestStoreStub) Create(ctx context.Context, req *models.Request, audit *models.AuditLog) error {
	copy := *req
	s.requests[req.ID] = &copy
	if audit != nil {
		s.audits = append(s.audits, audit)
	}
	return nil
}

func (s *requestStoreStub) GetByID(ctx context.Context, id string) (*models.Request, error) {
	stored, ok := s.requests[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copy := *stored
	copy.Versions = append([]models.Version(nil), s.versions[id]...)
	copy.Signatures = append([]models.Signature(nil), s.signatures[id]...)
	return &copy, nil
}

func (s *requestStoreStub) List(ctx context.Context, filter models.RequestFilter) ([]models.Request, error) {
	s.filter = filter
	result := make([]models.Request, 0, len(s.requests))
	for _, req := range s.requests {
		result = append(result, *req)
	}
	return result, nil
}

func (s *requestStoreStub) ListVersions(ctx context.Context, requestID string) ([]models.Version, error) {
	return append([]models.Version(nil), s.versions[requestID]...), nil
}

func (s *requestStoreStub) ListExpiredGrants(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	for id, req := range s.requests {
		if req.GrantCode != nil && req.GrantExpiresAt != nil && req.GrantExpiresAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *requestStoreStub) ApplyTransition(ctx context.Context, params repository.TransitionParams) error {
	stored, ok := s.requests[params.Request.ID]
	if !ok {
		return sql.ErrNoRows
	}
	if stored.LockVersion != params.ExpectedLock {
		return repository.ErrLockConflict
	}
	copy := *params.Request
	copy.LockVersion = params.ExpectedLock + 1
	copy.Versions = nil
	copy.Signatures = nil
	s.requests[copy.ID] = &copy
	s.versions[copy.ID] = append(s.versions[copy.ID], params.Version)
	if params.Signature != nil {
		s.signatures[copy.ID] = append(s.signatures[copy.ID], *params.Signature)
	}
	if params.Audit != nil {
		s.audits = append(s.audits, params.Audit)
	}
	return nil
}

type auditTrailStub struct {
	logs   []models.AuditLog
	filter models.AuditFilter
}

func (a *auditTrailStub) List(ctx context.Context, filter models.AuditFilter) ([]models.AuditLog, error) {
	a.filter = filter
	return a.logs, nil
}

type cacheStub struct {
	entries map[string][]byte
	deleted []string
}

func newCacheStub() *cacheStub { return &cacheStub{entries: make(map[string][]byte)} }

func (c *cacheStub) Get(ctx context.Context, key string, dest interface{}) error {
	return appErrors.ErrCacheMiss
}

func (c *cacheStub) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.entries[key] = []byte("cached")
	return nil
}

func (c *cacheStub) Delete(ctx context.Context, key string) error {
	c.deleted = append(c.deleted, key)
	delete(c.entries, key)
	return nil
}

var (
	student      = Actor{ID: "student-1", Name: "Nadia Rahma", Role: models.RoleStudent}
	supervisor   = Actor{ID: "supervisor-1", Name: "Dr. Wijaya", Role: models.RoleSupervisor}
	coSupervisor = Actor{ID: "co-supervisor-1", Name: "Dr. Lestari", Role: models.RoleCoSupervisor}
	coordinator  = Actor{ID: "coordinator-1", Name: "Prof. Santoso", Role: models.RoleCoordinator}
	admin        = Actor{ID: "admin-1", Name: "Senate Office", Role: models.RoleAdmin}
)

func newTestService(store *requestStoreStub) *RequestService {
	return NewRequestService(store, &auditTrailStub{}, NewGrantManager(time.Hour), nil)
}

func createDraft(t *testing.T, svc *RequestService, withCoSupervisor bool) *models.Request {
	t.Helper()
	payload := dto.CreateRequestPayload{
		Type:          models.RequestTypeProposal,
		Title:         "Distributed consensus for sensor networks",
		SupervisorID:  supervisor.ID,
		CoordinatorID: coordinator.ID,
	}
	if withCoSupervisor {
		payload.CoSupervisorID = coSupervisor.ID
	}
	req, err := svc.CreateDraft(context.Background(), payload, student)
	require.NoError(t, err)
	return req
}

func TestCreateDraft(t *testing.T) {
	store := newRequestStoreStub()
	svc := newTestService(store)

	req := createDraft(t, svc, false)
	require.NotEmpty(t, req.ID)
	require.Equal(t, models.StatusDraft, req.Status)
	require.Equal(t, student.ID, *req.OwnerID)
	require.Equal(t, models.RoleStudent, *req.OwnerRole)
	require.Zero(t, req.VersionSeq)
	require.Len(t, store.audits, 1)
	require.Equal(t, "CREATE", store.audits[0].Action)
	require.Equal(t, req.ID, *store.audits[0].EntityID)
}

func TestCreateDraftRejectsNonStudent(t *testing.T) {
	svc := newTestService(newRequestStoreStub())
	_, err := svc.CreateDraft(context.Background(), dto.CreateRequestPayload{
		Type:         models.RequestTypeProposal,
		Title:        "x",
		SupervisorID: supervisor.ID,
	}, supervisor)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestCreateDraftRejectsUnknownType(t *testing.T) {
	svc := newTestService(newRequestStoreStub())
	_, err := svc.CreateDraft(context.Background(), dto.CreateRequestPayload{
		Type:         "SABBATICAL",
		Title:        "x",
		SupervisorID: supervisor.ID,
	}, student)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestSubmitIssuesAccessGrant(t *testing.T) {
	store := newRequestStoreStub()
	svc := newTestService(store)
	req := createDraft(t, svc, false)

	submitted, err := svc.Submit(context.Background(), req.ID, student)
	require.NoError(t, err)
	require.Equal(t, models.StatusSubmittedToSupervisor, submitted.Status)
	require.Equal(t, supervisor.ID, *submitted.OwnerID)
	require.Equal(t, 1, submitted.VersionSeq)

	grant := submitted.ActiveGrant()
	require.NotNil(t, grant)
	require.Len(t, grant.Code, accessCodeLength)
	require.Equal(t, models.RoleSupervisor, grant.HolderRole)
	require.True(t, grant.ExpiresAt.After(grant.IssuedAt))

	versions := store.versions[req.ID]
	require.Len(t, versions, 1)
	require.Equal(t, models.ActionSubmit, versions[0].Action)
	require.Equal(t, 1, versions[0].Seq)
}

func TestSubmitRequiresCoordinator(t *testing.T) {
	store := newRequestStoreStub()
	svc := newTestService(store)

	req, err := svc.CreateDraft(context.Background(), dto.CreateRequestPayload{
		Type:         models.RequestTypeProposal,
		Title:        "Distributed consensus for sensor networks",
		SupervisorID: supervisor.ID,
	}, student)
	require.NoError(t, err)
	require.Equal(t, models.StatusDraft, req.Status)

	_, err = svc.Submit(context.Background(), req.ID, student)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	current, err := store.GetByID(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusDraft, current.Status)
	require.Equal(t, student.ID, *current.OwnerID)
}

func TestOpenWithCode(t *testing.T) {
	store := newRequestStoreStub()
	svc := newTestService(store)
	req := createDraft(t, svc, false)

	submitted, err := svc.Submit(context.Background(), req.ID, student)
	require.NoError(t, err)
	code := *submitted.GrantCode

	opened, err := svc.OpenWithCode(context.Background(), req.ID, supervisor, dto.OpenRequestPayload{Code: code})
	require.NoError(t, err)
	require.Equal(t, models.StatusSupervisorReview, opened.Status)
	require.Nil(t, opened.ActiveGrant(), "opening consumes the code")
	require.Equal(t, 2, opened.VersionSeq)
}

func TestOpenWithMalformedCodePayload(t *testing.T) {
	store := newRequestStoreStub()
	svc := newTestService(store)
	req := createDraft(t, svc, false)

	_, err := svc.Submit(context.Background(), req.ID, student)
	require.NoError(t, err)

	_, err = svc.OpenWithCode(context.Background(), req.ID, supervisor, dto.OpenRequestPayload{Code: "AB"})
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = svc.OpenWithCode(context.Background(), req.ID, supervisor, dto.OpenRequestPayload{})
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestOpenWithWrongCodeLeavesStateUntouched(t *testing.T) {
	store := newRequestStoreStub()
	svc := newTestService(store)
	req := createDraft(t, svc, false)

	_, err := svc.Submit(context.Background(), req.ID, student)
	require.NoError(t, err)

	_, err = svc.OpenWithCode(context.Background(), req.ID, supervisor, dto.OpenRequestPayload{Code: "XXXXXX"})
	require.Equal(t, appErrors.ErrInvalidCode.Code, appErrors.FromError(err).Code)

	stored := store.requests[req.ID]
	require.Equal(t, models.StatusSubmittedToSupervisor, stored.Status)
	require.Equal(t, 1, stored.VersionSeq)
	require.NotNil(t, stored.GrantCode, "the grant survives a failed attempt")
}

func TestOpenWithExpiredCode(t *testing.T) {
	store := newRequestStoreStub()
	svc := newTestService(store)
	req := createDraft(t, svc, false)

	submitted, err := svc.Submit(context.Background(), req.ID, student)
	require.NoError(t, err)
	code := *submitted.GrantCode

	svc.grants.now = func() time.Time { return submitted.GrantExpiresAt.Add(time.Minute) }
	_, err = svc.OpenWithCode(context.Background(), req.ID, supervisor, dto.OpenRequestPayload{Code: code})
	require.Equal(t, appErrors.ErrGrantExpired.Code, appErrors.FromError(err).Code)
}

func TestFullApprovalFlowWithCoSupervisor(t *testing.T) {
	ctx := context.Background()
	store := newRequestStoreStub()
	svc := newTestService(store)
	req := createDraft(t, svc, true)

	submitted, err := svc.Submit(ctx, req.ID, student)
	require.NoError(t, err)

	opened, err := svc.OpenWithCode(ctx, req.ID, supervisor, dto.OpenRequestPayload{Code: *submitted.GrantCode})
	require.NoError(t, err)
	require.Equal(t, models.StatusSupervisorReview, opened.Status)

	afterSupervisor, err := svc.Approve(ctx, req.ID, supervisor, "methodology is sound")
	require.NoError(t, err)
	require.Equal(t, models.StatusCoSupervisorReview, afterSupervisor.Status)
	require.Equal(t, coSupervisor.ID, *afterSupervisor.OwnerID)

	afterCo, err := svc.Approve(ctx, req.ID, coSupervisor, "")
	require.NoError(t, err)
	require.Equal(t, models.StatusCoordinatorReview, afterCo.Status)

	forwarded, err := svc.Forward(ctx, req.ID, coordinator, "complete dossier")
	require.NoError(t, err)
	require.Equal(t, models.StatusFHDPending, forwarded.Status)

	fhd, err := svc.Decide(ctx, req.ID, coordinator, dto.DecidePayload{Outcome: models.OutcomeRecommended, Note: "escalate to senate"})
	require.NoError(t, err)
	require.Equal(t, models.StatusSHDPending, fhd.Status)
	require.Equal(t, models.OutcomeRecommended, *fhd.Outcome)
	require.Nil(t, fhd.OwnerID)
	require.Equal(t, models.RoleAdmin, *fhd.OwnerRole)

	final, err := svc.Decide(ctx, req.ID, admin, dto.DecidePayload{Outcome: models.OutcomeApproved})
	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, final.Status)
	require.True(t, final.Status.Terminal())
	require.Nil(t, final.OwnerID)
	require.Nil(t, final.OwnerRole)
	require.Equal(t, models.OutcomeApproved, *final.Outcome)

	versions := store.versions[req.ID]
	require.Len(t, versions, 7)
	for i, v := range versions {
		require.Equal(t, i+1, v.Seq, "versions are gapless")
	}

	signatures := store.signatures[req.ID]
	require.Len(t, signatures, 5)
	require.Equal(t, models.RoleSupervisor, signatures[0].Role)
	require.Equal(t, models.RoleCoSupervisor, signatures[1].Role)
	require.Equal(t, models.RoleCoordinator, signatures[2].Role)
	require.Equal(t, models.RoleCoordinator, signatures[3].Role)
	require.Equal(t, models.RoleAdmin, signatures[4].Role)
}

func TestDecideRejectsUnknownOutcome(t *testing.T) {
	svc := newTestService(newRequestStoreStub())
	_, err := svc.Decide(context.Background(), "req-1", coordinator, dto.DecidePayload{Outcome: "POSTPONED"})
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = svc.Decide(context.Background(), "req-1", coordinator, dto.DecidePayload{})
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestReferBackRequiresReason(t *testing.T) {
	svc := newTestService(newRequestStoreStub())
	_, err := svc.ReferBack(context.Background(), "req-1", coordinator, dto.ReferBackPayload{Reason: "   "})
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = svc.ReferBack(context.Background(), "req-1", coordinator, dto.ReferBackPayload{})
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestReferBackAndResubmit(t *testing.T) {
	ctx := context.Background()
	store := newRequestStoreStub()
	svc := newTestService(store)
	req := createDraft(t, svc, false)

	submitted, err := svc.Submit(ctx, req.ID, student)
	require.NoError(t, err)
	firstCode := *submitted.GrantCode

	_, err = svc.OpenWithCode(ctx, req.ID, supervisor, dto.OpenRequestPayload{Code: firstCode})
	require.NoError(t, err)

	referred, err := svc.ReferBack(ctx, req.ID, supervisor, dto.ReferBackPayload{Reason: "literature review incomplete"})
	require.NoError(t, err)
	require.Equal(t, models.StatusReferredBack, referred.Status)
	require.Equal(t, student.ID, *referred.OwnerID)
	referral := referred.Referral()
	require.NotNil(t, referral)
	require.Equal(t, "literature review incomplete", referral.Reason)
	require.Equal(t, supervisor.ID, referral.ByActorID)

	resubmitted, err := svc.Resubmit(ctx, req.ID, student)
	require.NoError(t, err)
	require.Equal(t, models.StatusSubmittedToSupervisor, resubmitted.Status)
	require.Nil(t, resubmitted.Referral(), "referral fields reset on resubmit")
	require.NotNil(t, resubmitted.GrantCode)
	require.NotEqual(t, firstCode, *resubmitted.GrantCode, "resubmission issues a fresh code")

	versions := store.versions[req.ID]
	require.Len(t, versions, 4)
	require.Equal(t, models.ActionReferBack, versions[2].Action)
	require.Equal(t, "literature review incomplete", *versions[2].Note)
	require.Equal(t, models.ActionResubmit, versions[3].Action)
}

func TestConcurrentTransitionConflict(t *testing.T) {
	ctx := context.Background()
	store := newRequestStoreStub()
	svc := newTestService(store)
	req := createDraft(t, svc, false)

	submitted, err := svc.Submit(ctx, req.ID, student)
	require.NoError(t, err)
	_, err = svc.OpenWithCode(ctx, req.ID, supervisor, dto.OpenRequestPayload{Code: *submitted.GrantCode})
	require.NoError(t, err)

	// a competing transition lands between this caller's read and write
	loaded, err := store.GetByID(ctx, req.ID)
	require.NoError(t, err)
	store.requests[req.ID].LockVersion++

	tr, err := nextTransition(loaded, supervisor.Role, models.ActionApprove, "")
	require.NoError(t, err)
	_, err = svc.apply(ctx, loaded, supervisor, models.ActionApprove, tr, "")
	require.Equal(t, appErrors.ErrConcurrentModification.Code, appErrors.FromError(err).Code)
}

func TestActorMustBeBoundParticipant(t *testing.T) {
	ctx := context.Background()
	store := newRequestStoreStub()
	svc := newTestService(store)
	req := createDraft(t, svc, false)

	_, err := svc.Submit(ctx, req.ID, student)
	require.NoError(t, err)

	intruder := Actor{ID: "supervisor-2", Name: "Dr. Unknown", Role: models.RoleSupervisor}
	_, err = svc.OpenWithCode(ctx, req.ID, intruder, dto.OpenRequestPayload{Code: "ABC234"})
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	otherStudent := Actor{ID: "student-2", Role: models.RoleStudent}
	_, err = svc.Submit(ctx, req.ID, otherStudent)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestTransitionOnMissingRequest(t *testing.T) {
	svc := newTestService(newRequestStoreStub())
	_, err := svc.Submit(context.Background(), "nope", student)
	require.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestListScoping(t *testing.T) {
	ctx := context.Background()
	store := newRequestStoreStub()
	svc := newTestService(store)

	_, err := svc.List(ctx, dto.RequestQuery{}, student)
	require.NoError(t, err)
	require.Equal(t, student.ID, store.filter.StudentID)

	_, err = svc.List(ctx, dto.RequestQuery{}, supervisor)
	require.NoError(t, err)
	require.Equal(t, supervisor.ID, store.filter.ParticipantID)

	_, err = svc.List(ctx, dto.RequestQuery{ParticipantID: "someone"}, coordinator)
	require.NoError(t, err)
	require.Equal(t, "someone", store.filter.ParticipantID)
	require.Empty(t, store.filter.StudentID)
}

func TestGetAuthorization(t *testing.T) {
	ctx := context.Background()
	store := newRequestStoreStub()
	svc := newTestService(store)
	req := createDraft(t, svc, false)

	_, err := svc.Get(ctx, req.ID, student)
	require.NoError(t, err)
	_, err = svc.Get(ctx, req.ID, admin)
	require.NoError(t, err)

	stranger := Actor{ID: "student-9", Role: models.RoleStudent}
	_, err = svc.Get(ctx, req.ID, stranger)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestTransitionInvalidatesSnapshotCache(t *testing.T) {
	ctx := context.Background()
	store := newRequestStoreStub()
	cache := newCacheStub()
	svc := NewRequestService(store, &auditTrailStub{}, NewGrantManager(time.Hour), nil,
		WithSnapshotCache(cache, time.Minute))
	req := createDraft(t, svc, false)

	_, err := svc.Get(ctx, req.ID, student)
	require.NoError(t, err)
	require.Len(t, cache.entries, 1)

	_, err = svc.Submit(ctx, req.ID, student)
	require.NoError(t, err)
	require.Contains(t, cache.deleted, repository.SnapshotCacheKey(req.ID))
}

func TestGetAuditTrail(t *testing.T) {
	ctx := context.Background()
	trail := &auditTrailStub{logs: []models.AuditLog{{Action: "SUBMIT"}}}
	svc := NewRequestService(newRequestStoreStub(), trail, nil, nil)

	logs, err := svc.GetAuditTrail(ctx, dto.AuditQuery{Action: "submit", From: "2026-01-01T00:00:00Z"}, admin)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "SUBMIT", trail.filter.Action)
	require.NotNil(t, trail.filter.From)

	_, err = svc.GetAuditTrail(ctx, dto.AuditQuery{}, student)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	_, err = svc.GetAuditTrail(ctx, dto.AuditQuery{From: "yesterday"}, admin)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestExpireGrantRefersBack(t *testing.T) {
	ctx := context.Background()
	store := newRequestStoreStub()
	svc := newTestService(store)
	req := createDraft(t, svc, false)

	submitted, err := svc.Submit(ctx, req.ID, student)
	require.NoError(t, err)
	expiry := submitted.GrantExpiresAt.Add(time.Minute)
	svc.grants.now = func() time.Time { return expiry }
	svc.now = func() time.Time { return expiry }

	ids, err := svc.ExpiredGrantIDs(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, []string{req.ID}, ids)

	require.NoError(t, svc.ExpireGrant(ctx, req.ID))

	stored := store.requests[req.ID]
	require.Equal(t, models.StatusReferredBack, stored.Status)
	require.Equal(t, student.ID, *stored.OwnerID)
	require.Nil(t, stored.GrantCode)
	require.Equal(t, "access window expired", *stored.ReferralReason)
	require.Equal(t, models.SystemActorID, *stored.ReferralBy)

	versions := store.versions[req.ID]
	require.Equal(t, models.ActionReferBack, versions[len(versions)-1].Action)
}

func TestExpireGrantIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newRequestStoreStub()
	svc := newTestService(store)
	req := createDraft(t, svc, false)

	submitted, err := svc.Submit(ctx, req.ID, student)
	require.NoError(t, err)

	// still inside the window: nothing to do
	require.NoError(t, svc.ExpireGrant(ctx, req.ID))
	require.Equal(t, models.StatusSubmittedToSupervisor, store.requests[req.ID].Status)

	expiry := submitted.GrantExpiresAt.Add(time.Minute)
	svc.grants.now = func() time.Time { return expiry }
	svc.now = func() time.Time { return expiry }
	require.NoError(t, svc.ExpireGrant(ctx, req.ID))
	seq := store.requests[req.ID].VersionSeq

	// a second sweep of the same id is a no-op
	require.NoError(t, svc.ExpireGrant(ctx, req.ID))
	require.Equal(t, seq, store.requests[req.ID].VersionSeq)

	// unknown ids are tolerated
	require.NoError(t, svc.ExpireGrant(ctx, "vanished"))
}
