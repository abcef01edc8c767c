package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/hd-request-api/internal/dto"
	"github.com/noah-isme/hd-request-api/internal/models"
	"github.com/noah-isme/hd-request-api/internal/repository"
	appErrors "github.com/noah-isme/hd-request-api/pkg/errors"
)

// expiryReferralReason is recorded when the sweep refers an unattended request back.
const expiryReferralReason = "access window expired"

type requestStore interface {
	Create(ctx context.Context, req *models.Request, audit *models.AuditLog) error
	GetByID(ctx context.Context, id string) (*models.Request, error)
	List(ctx context.Context, filter models.RequestFilter) ([]models.Request, error)
	ListVersions(ctx context.Context, requestID string) ([]models.Version, error)
	ListExpiredGrants(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	ApplyTransition(ctx context.Context, params repository.TransitionParams) error
}

type auditTrail interface {
	List(ctx context.Context, filter models.AuditFilter) ([]models.AuditLog, error)
}

type snapshotCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type workflowMetrics interface {
	ObserveTransition(action models.RequestAction, to models.RequestStatus)
	ObserveTransitionFailure(code string)
}

// Actor identifies who is invoking an operation, resolved from JWT claims.
type Actor struct {
	ID   string
	Name string
	Role models.UserRole
}

// ActorFromClaims builds an Actor from validated token claims.
func ActorFromClaims(claims *models.JWTClaims) Actor {
	if claims == nil {
		return Actor{}
	}
	return Actor{ID: claims.UserID, Name: claims.FullName, Role: claims.Role}
}

// RequestService is the workflow engine. Every mutating operation runs as one
// linearized read-modify-write per request id; concurrent attempts surface
// CONCURRENT_MODIFICATION instead of overwriting state.
type RequestService struct {
	store     requestStore
	audit     auditTrail
	cache     snapshotCache
	grants    *GrantManager
	metrics   workflowMetrics
	validator *validator.Validate
	logger    *zap.Logger
	cacheTTL  time.Duration
	now       func() time.Time
}

// RequestServiceOption configures the service.
type RequestServiceOption func(*RequestService)

// WithSnapshotCache attaches a read-path cache for request snapshots.
func WithSnapshotCache(cache snapshotCache, ttl time.Duration) RequestServiceOption {
	return func(s *RequestService) {
		s.cache = cache
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithWorkflowMetrics attaches transition instrumentation.
func WithWorkflowMetrics(metrics workflowMetrics) RequestServiceOption {
	return func(s *RequestService) {
		s.metrics = metrics
	}
}

// NewRequestService constructs the engine with defaults.
func NewRequestService(store requestStore, audit auditTrail, grants *GrantManager, logger *zap.Logger, opts ...RequestServiceOption) *RequestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if grants == nil {
		grants = NewGrantManager(0)
	}
	svc := &RequestService{
		store:     store,
		audit:     audit,
		grants:    grants,
		validator: validator.New(),
		logger:    logger,
		cacheTTL:  5 * time.Minute,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// CreateDraft registers a new request owned by the calling student.
func (s *RequestService) CreateDraft(ctx context.Context, payload dto.CreateRequestPayload, actor Actor) (*models.Request, error) {
	if actor.Role != models.RoleStudent {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only students may create requests")
	}
	if err := s.validator.Struct(payload); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid request payload")
	}
	switch payload.Type {
	case models.RequestTypeTitleRegistration, models.RequestTypeProposal, models.RequestTypeProgressReport,
		models.RequestTypeThesisSubmission, models.RequestTypeExtension, models.RequestTypeOther:
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported request type")
	}

	req := &models.Request{
		ID:           uuid.NewString(),
		Type:         payload.Type,
		Title:        strings.TrimSpace(payload.Title),
		Status:       models.StatusDraft,
		StudentID:    actor.ID,
		SupervisorID: payload.SupervisorID,
	}
	if v := strings.TrimSpace(payload.CoSupervisorID); v != "" {
		req.CoSupervisorID = &v
	}
	if v := strings.TrimSpace(payload.CoordinatorID); v != "" {
		req.CoordinatorID = &v
	}
	req.OwnerID, req.OwnerRole = ownerFor(req.Status, req)

	audit := s.buildAudit(actor, "CREATE", req.ID, map[string]interface{}{
		"type":  req.Type,
		"title": req.Title,
	})
	if err := s.store.Create(ctx, req, audit); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create request")
	}
	return req, nil
}

// Get returns one request snapshot, serving the cache when warm.
func (s *RequestService) Get(ctx context.Context, id string, actor Actor) (*models.Request, error) {
	if s.cache != nil {
		var cached models.Request
		if err := s.cache.Get(ctx, repository.SnapshotCacheKey(id), &cached); err == nil {
			if err := s.authorizeRead(&cached, actor); err != nil {
				return nil, err
			}
			return &cached, nil
		}
	}

	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRead(req, actor); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, repository.SnapshotCacheKey(id), req, s.cacheTTL); err != nil {
			s.logger.Warn("failed to cache request snapshot", zap.String("request_id", id), zap.Error(err))
		}
	}
	return req, nil
}

// List returns requests visible to the actor.
func (s *RequestService) List(ctx context.Context, query dto.RequestQuery, actor Actor) ([]models.Request, error) {
	filter := models.RequestFilter{
		Status: query.Status,
		Type:   query.Type,
		Limit:  query.Limit,
		Offset: query.Offset,
	}
	switch actor.Role {
	case models.RoleAdmin, models.RoleCoordinator:
		filter.ParticipantID = query.ParticipantID
	case models.RoleStudent:
		filter.StudentID = actor.ID
	case models.RoleSupervisor, models.RoleCoSupervisor:
		filter.ParticipantID = actor.ID
	default:
		return nil, appErrors.ErrForbidden
	}
	requests, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list requests")
	}
	return requests, nil
}

// Submit hands a draft to the supervisor and issues the access code.
func (s *RequestService) Submit(ctx context.Context, id string, actor Actor) (*models.Request, error) {
	return s.perform(ctx, id, actor, models.ActionSubmit, transitionInput{})
}

// OpenWithCode consumes the access code and opens the supervisor review.
func (s *RequestService) OpenWithCode(ctx context.Context, id string, actor Actor, payload dto.OpenRequestPayload) (*models.Request, error) {
	if err := s.validator.Struct(payload); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid access code payload")
	}
	return s.perform(ctx, id, actor, models.ActionOpen, transitionInput{Code: payload.Code})
}

// Approve completes the supervisor or co-supervisor review stage.
func (s *RequestService) Approve(ctx context.Context, id string, actor Actor, note string) (*models.Request, error) {
	return s.perform(ctx, id, actor, models.ActionApprove, transitionInput{Note: note})
}

// Forward sends a coordinator-reviewed request to the faculty committee.
func (s *RequestService) Forward(ctx context.Context, id string, actor Actor, note string) (*models.Request, error) {
	return s.perform(ctx, id, actor, models.ActionForward, transitionInput{Note: note})
}

// Decide records a committee outcome at the FHD or SHD stage.
func (s *RequestService) Decide(ctx context.Context, id string, actor Actor, payload dto.DecidePayload) (*models.Request, error) {
	if err := s.validator.Struct(payload); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid decision payload")
	}
	switch payload.Outcome {
	case models.OutcomeApproved, models.OutcomeRecommended, models.OutcomeReferredBack:
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "outcome must be APPROVED, RECOMMENDED or REFERRED_BACK")
	}
	return s.perform(ctx, id, actor, models.ActionDecide, transitionInput{Outcome: payload.Outcome, Note: payload.Note})
}

// ReferBack returns a request to the start of the review chain with a reason.
func (s *RequestService) ReferBack(ctx context.Context, id string, actor Actor, payload dto.ReferBackPayload) (*models.Request, error) {
	if err := s.validator.Struct(payload); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "reason is required")
	}
	if strings.TrimSpace(payload.Reason) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "reason is required")
	}
	return s.perform(ctx, id, actor, models.ActionReferBack, transitionInput{Note: payload.Reason})
}

// Resubmit sends a referred-back request again; the prior referral stays
// visible in the version history.
func (s *RequestService) Resubmit(ctx context.Context, id string, actor Actor) (*models.Request, error) {
	return s.perform(ctx, id, actor, models.ActionResubmit, transitionInput{})
}

// GetHistory returns the append-only version trail in seq order.
func (s *RequestService) GetHistory(ctx context.Context, id string, actor Actor) ([]models.Version, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRead(req, actor); err != nil {
		return nil, err
	}
	return req.Versions, nil
}

// GetAuditTrail returns the cross-request compliance trail.
func (s *RequestService) GetAuditTrail(ctx context.Context, query dto.AuditQuery, actor Actor) ([]models.AuditLog, error) {
	if actor.Role != models.RoleAdmin && actor.Role != models.RoleCoordinator {
		return nil, appErrors.ErrForbidden
	}
	filter := models.AuditFilter{
		ActorID:  strings.TrimSpace(query.ActorID),
		EntityID: strings.TrimSpace(query.EntityID),
		Action:   strings.ToUpper(strings.TrimSpace(query.Action)),
		Limit:    query.Limit,
		Offset:   query.Offset,
	}
	if query.From != "" {
		from, err := time.Parse(time.RFC3339, query.From)
		if err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "from must be RFC3339")
		}
		filter.From = &from
	}
	if query.To != "" {
		to, err := time.Parse(time.RFC3339, query.To)
		if err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "to must be RFC3339")
		}
		filter.To = &to
	}
	logs, err := s.audit.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list audit trail")
	}
	return logs, nil
}

// ExpiredGrantIDs lists requests whose access window lapsed before now.
func (s *RequestService) ExpiredGrantIDs(ctx context.Context, limit int) ([]string, error) {
	return s.store.ListExpiredGrants(ctx, s.now(), limit)
}

// ExpireGrant runs the automatic referral for a lapsed access window. It is
// idempotent: a request already moved on or already swept is a no-op.
func (s *RequestService) ExpireGrant(ctx context.Context, id string) error {
	req, err := s.load(ctx, id)
	if err != nil {
		if appErrors.FromError(err).Code == appErrors.ErrNotFound.Code {
			return nil
		}
		return err
	}
	if !s.grants.Expired(req) {
		return nil
	}

	system := Actor{ID: models.SystemActorID, Name: "workflow engine", Role: models.RoleSupervisor}
	_, err = s.apply(ctx, req, system, models.ActionReferBack,
		transition{To: models.StatusReferredBack}, expiryReferralReason)
	if err != nil {
		code := appErrors.FromError(err).Code
		if code == appErrors.ErrConcurrentModification.Code || code == appErrors.ErrNotFound.Code {
			// another transition won the race; the grant is gone either way
			return nil
		}
		return err
	}
	return nil
}

type transitionInput struct {
	Outcome models.RequestOutcome
	Note    string
	Code    string
}

func (s *RequestService) perform(ctx context.Context, id string, actor Actor, action models.RequestAction, input transitionInput) (*models.Request, error) {
	if actor.ID == "" {
		return nil, appErrors.ErrUnauthorized
	}
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeAct(req, actor); err != nil {
		return nil, err
	}

	// the review chain needs a bound coordinator for the forward and FHD
	// stages; a request without one would stall in COORDINATOR_REVIEW
	if action == models.ActionSubmit || action == models.ActionResubmit {
		if req.ParticipantFor(models.RoleCoordinator) == nil || strings.TrimSpace(*req.CoordinatorID) == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, "a coordinator must be assigned before submission")
		}
	}

	tr, err := nextTransition(req, actor.Role, action, input.Outcome)
	if err != nil {
		s.observeFailure(err)
		return nil, err
	}
	if action == models.ActionOpen {
		if err := s.grants.Validate(req, input.Code); err != nil {
			s.observeFailure(err)
			return nil, err
		}
	}
	return s.apply(ctx, req, actor, action, tr, input.Note)
}

// apply turns a computed transition into the snapshot mutation plus ledger and
// audit appends, committed atomically by the repository.
func (s *RequestService) apply(ctx context.Context, req *models.Request, actor Actor, action models.RequestAction, tr transition, note string) (*models.Request, error) {
	now := s.now()
	from := req.Status
	expectedLock := req.LockVersion

	req.Status = tr.To
	req.OwnerID, req.OwnerRole = ownerFor(tr.To, req)
	if tr.Outcome != "" {
		outcome := tr.Outcome
		req.Outcome = &outcome
	}

	// a grant is live only while the request sits in a code-gated stage
	if from.CodeGated() || tr.ConsumeGrant {
		req.GrantCode = nil
		req.GrantIssuedAt = nil
		req.GrantExpiresAt = nil
		req.GrantHolderRole = nil
	}
	if tr.IssueGrant {
		grant, err := s.grants.Issue(req, models.RoleSupervisor)
		if err != nil {
			return nil, err
		}
		req.GrantCode = &grant.Code
		req.GrantIssuedAt = &grant.IssuedAt
		req.GrantExpiresAt = &grant.ExpiresAt
		req.GrantHolderRole = &grant.HolderRole
	}

	if tr.To == models.StatusReferredBack {
		reason := strings.TrimSpace(note)
		actorID := actor.ID
		req.ReferralReason = &reason
		req.ReferralBy = &actorID
		req.ReferralAt = &now
	} else if tr.ClearReferral {
		req.ReferralReason = nil
		req.ReferralBy = nil
		req.ReferralAt = nil
	}

	req.VersionSeq++
	version := models.Version{
		RequestID: req.ID,
		Seq:       req.VersionSeq,
		Action:    action,
		ActorID:   actor.ID,
		Note:      optionalString(note),
		At:        now,
	}

	var signature *models.Signature
	if tr.SignRole != "" {
		signature = &models.Signature{
			RequestID: req.ID,
			Role:      tr.SignRole,
			ActorID:   actor.ID,
			ActorName: actor.Name,
			SignedAt:  now,
		}
	}

	details := map[string]interface{}{
		"from": from,
		"to":   tr.To,
		"seq":  req.VersionSeq,
	}
	if tr.Outcome != "" {
		details["outcome"] = tr.Outcome
	}
	if strings.TrimSpace(note) != "" {
		details["note"] = note
	}

	err := s.store.ApplyTransition(ctx, repository.TransitionParams{
		Request:      req,
		ExpectedLock: expectedLock,
		Version:      version,
		Signature:    signature,
		Audit:        s.buildAudit(actor, string(action), req.ID, details),
	})
	if err != nil {
		if errors.Is(err, repository.ErrLockConflict) {
			s.observeFailure(appErrors.ErrConcurrentModification)
			return nil, appErrors.ErrConcurrentModification
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist transition")
	}

	req.Versions = append(req.Versions, version)
	if signature != nil {
		req.Signatures = append(req.Signatures, *signature)
	}

	if s.cache != nil {
		if err := s.cache.Delete(ctx, repository.SnapshotCacheKey(req.ID)); err != nil {
			s.logger.Warn("failed to invalidate request snapshot", zap.String("request_id", req.ID), zap.Error(err))
		}
	}
	if s.metrics != nil {
		s.metrics.ObserveTransition(action, tr.To)
	}
	s.logger.Info("request transitioned",
		zap.String("request_id", req.ID),
		zap.String("action", string(action)),
		zap.String("from", string(from)),
		zap.String("to", string(tr.To)),
		zap.String("actor_id", actor.ID),
		zap.Int("seq", req.VersionSeq),
	)
	return req, nil
}

func (s *RequestService) load(ctx context.Context, id string) (*models.Request, error) {
	req, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
	}
	return req, nil
}

// authorizeAct requires the actor to be the participant bound to their role.
// Admins act on behalf of the senate committee and carry no binding.
func (s *RequestService) authorizeAct(req *models.Request, actor Actor) error {
	if actor.Role == models.RoleAdmin {
		return nil
	}
	participant := req.ParticipantFor(actor.Role)
	if participant == nil || *participant != actor.ID {
		return appErrors.Clone(appErrors.ErrForbidden, "actor is not a participant of this request for the acting role")
	}
	return nil
}

// authorizeRead allows participants plus the oversight roles.
func (s *RequestService) authorizeRead(req *models.Request, actor Actor) error {
	if actor.Role == models.RoleAdmin || actor.Role == models.RoleCoordinator {
		return nil
	}
	for _, role := range []models.UserRole{models.RoleStudent, models.RoleSupervisor, models.RoleCoSupervisor, models.RoleCoordinator} {
		if participant := req.ParticipantFor(role); participant != nil && *participant == actor.ID {
			return nil
		}
	}
	return appErrors.ErrForbidden
}

func (s *RequestService) buildAudit(actor Actor, action, entityID string, details map[string]interface{}) *models.AuditLog {
	payload, err := json.Marshal(details)
	if err != nil {
		payload = []byte("{}")
	}
	actorID := actor.ID
	log := &models.AuditLog{
		ActorName:  actor.Name,
		Action:     action,
		EntityType: models.AuditEntityRequest,
		Details:    payload,
		IPAddress:  "system",
		UserAgent:  "request-service",
	}
	if actorID != "" {
		log.ActorID = &actorID
	}
	if entityID != "" {
		id := entityID
		log.EntityID = &id
	}
	return log
}

func (s *RequestService) observeFailure(err error) {
	if s.metrics == nil || err == nil {
		return
	}
	s.metrics.ObserveTransitionFailure(appErrors.FromError(err).Code)
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	v := strings.TrimSpace(value)
	return &v
}
