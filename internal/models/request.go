package models

import (
	"strings"
	"time"
)

// RequestType enumerates supported HD request categories.
type RequestType string

const (
	RequestTypeTitleRegistration RequestType = "TITLE_REGISTRATION"
	RequestTypeProposal          RequestType = "PROPOSAL_SUBMISSION"
	RequestTypeProgressReport    RequestType = "PROGRESS_REPORT"
	RequestTypeThesisSubmission  RequestType = "THESIS_SUBMISSION"
	RequestTypeExtension         RequestType = "EXTENSION"
	RequestTypeOther             RequestType = "OTHER"
)

// RequestStatus captures the workflow stage of an HD request.
type RequestStatus string

const (
	StatusDraft                 RequestStatus = "DRAFT"
	StatusSubmittedToSupervisor RequestStatus = "SUBMITTED_TO_SUPERVISOR"
	StatusSupervisorReview      RequestStatus = "SUPERVISOR_REVIEW"
	StatusCoSupervisorReview    RequestStatus = "CO_SUPERVISOR_REVIEW"
	StatusCoordinatorReview     RequestStatus = "COORDINATOR_REVIEW"
	StatusFHDPending            RequestStatus = "FHD_PENDING"
	StatusSHDPending            RequestStatus = "SHD_PENDING"
	StatusApproved              RequestStatus = "APPROVED"
	StatusRecommended           RequestStatus = "RECOMMENDED"
	StatusReferredBack          RequestStatus = "REFERRED_BACK"
)

// Terminal reports whether no further action is awaited for the status.
func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRecommended
}

// CodeGated reports whether entry out of this status requires an access code.
func (s RequestStatus) CodeGated() bool {
	return s == StatusSubmittedToSupervisor
}

// RequestAction enumerates the operations callers may attempt on a request.
type RequestAction string

const (
	ActionSubmit    RequestAction = "SUBMIT"
	ActionOpen      RequestAction = "OPEN"
	ActionApprove   RequestAction = "APPROVE"
	ActionForward   RequestAction = "FORWARD"
	ActionDecide    RequestAction = "DECIDE"
	ActionReferBack RequestAction = "REFER_BACK"
	ActionResubmit  RequestAction = "RESUBMIT"
)

// RequestOutcome records a committee decision at the FHD or SHD stage.
type RequestOutcome string

const (
	OutcomeApproved     RequestOutcome = "APPROVED"
	OutcomeRecommended  RequestOutcome = "RECOMMENDED"
	OutcomeReferredBack RequestOutcome = "REFERRED_BACK"
)

// Request is the central workflow entity. Ownership and grant fields are
// recomputed by the engine on every transition and are never settable by
// callers directly.
type Request struct {
	ID             string        `db:"id" json:"id"`
	Type           RequestType   `db:"type" json:"type"`
	Title          string        `db:"title" json:"title"`
	Status         RequestStatus `db:"status" json:"status"`
	StudentID      string        `db:"student_id" json:"studentId"`
	SupervisorID   string        `db:"supervisor_id" json:"supervisorId"`
	CoSupervisorID *string       `db:"co_supervisor_id" json:"coSupervisorId,omitempty"`
	CoordinatorID  *string       `db:"coordinator_id" json:"coordinatorId,omitempty"`

	OwnerID   *string   `db:"owner_id" json:"ownerId,omitempty"`
	OwnerRole *UserRole `db:"owner_role" json:"ownerRole,omitempty"`

	Outcome *RequestOutcome `db:"outcome" json:"outcome,omitempty"`

	GrantCode       *string    `db:"grant_code" json:"-"`
	GrantIssuedAt   *time.Time `db:"grant_issued_at" json:"grantIssuedAt,omitempty"`
	GrantExpiresAt  *time.Time `db:"grant_expires_at" json:"grantExpiresAt,omitempty"`
	GrantHolderRole *UserRole  `db:"grant_holder_role" json:"grantHolderRole,omitempty"`

	ReferralReason *string    `db:"referral_reason" json:"referralReason,omitempty"`
	ReferralBy     *string    `db:"referral_by" json:"referralBy,omitempty"`
	ReferralAt     *time.Time `db:"referral_at" json:"referralAt,omitempty"`

	// VersionSeq is the seq of the last appended version entry; gapless per request.
	VersionSeq  int `db:"version_seq" json:"versionSeq"`
	LockVersion int `db:"lock_version" json:"-"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`

	Signatures []Signature `db:"-" json:"signatures,omitempty"`
	Versions   []Version   `db:"-" json:"versions,omitempty"`
}

// HasCoSupervisor reports whether the optional co-supervisor stage applies.
func (r *Request) HasCoSupervisor() bool {
	return r.CoSupervisorID != nil && strings.TrimSpace(*r.CoSupervisorID) != ""
}

// ActiveGrant returns the current access grant view, or nil when none is live.
func (r *Request) ActiveGrant() *AccessGrant {
	if r.GrantCode == nil || r.GrantIssuedAt == nil || r.GrantExpiresAt == nil || r.GrantHolderRole == nil {
		return nil
	}
	return &AccessGrant{
		Code:       *r.GrantCode,
		IssuedAt:   *r.GrantIssuedAt,
		ExpiresAt:  *r.GrantExpiresAt,
		HolderRole: *r.GrantHolderRole,
	}
}

// Referral returns the active referral view, or nil outside REFERRED_BACK.
func (r *Request) Referral() *Referral {
	if r.ReferralReason == nil || r.ReferralBy == nil || r.ReferralAt == nil {
		return nil
	}
	return &Referral{Reason: *r.ReferralReason, ByActorID: *r.ReferralBy, At: *r.ReferralAt}
}

// ParticipantFor resolves the participant id bound to a reviewer role.
// The SHD committee is represented by the admin role and has no bound id.
func (r *Request) ParticipantFor(role UserRole) *string {
	switch role {
	case RoleStudent:
		return &r.StudentID
	case RoleSupervisor:
		return &r.SupervisorID
	case RoleCoSupervisor:
		return r.CoSupervisorID
	case RoleCoordinator:
		return r.CoordinatorID
	default:
		return nil
	}
}

// AccessGrant is the time-boxed single-use code gating entry into a review stage.
type AccessGrant struct {
	Code       string    `json:"code"`
	IssuedAt   time.Time `json:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	HolderRole UserRole  `json:"holderRole"`
}

// Referral records why and by whom a request was sent back.
type Referral struct {
	Reason    string    `json:"reason"`
	ByActorID string    `json:"byActorId"`
	At        time.Time `json:"at"`
}

// Signature is one completed-stage sign-off embedded in the request ledger.
type Signature struct {
	ID        string    `db:"id" json:"id"`
	RequestID string    `db:"request_id" json:"requestId"`
	Role      UserRole  `db:"role" json:"role"`
	ActorID   string    `db:"actor_id" json:"actorId"`
	ActorName string    `db:"actor_name" json:"actorName"`
	SignedAt  time.Time `db:"signed_at" json:"signedAt"`
}

// Version is one append-only transition record; seq starts at 1 and is gapless.
type Version struct {
	ID        string        `db:"id" json:"id"`
	RequestID string        `db:"request_id" json:"requestId"`
	Seq       int           `db:"seq" json:"seq"`
	Action    RequestAction `db:"action" json:"action"`
	ActorID   string        `db:"actor_id" json:"actorId"`
	Note      *string       `db:"note" json:"note,omitempty"`
	At        time.Time     `db:"at" json:"at"`
}

// RequestFilter constrains listing queries.
type RequestFilter struct {
	Status        []RequestStatus
	Type          RequestType
	StudentID     string
	SupervisorID  string
	CoordinatorID string
	ParticipantID string
	Limit         int
	Offset        int
}
