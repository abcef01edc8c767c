package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/hd-request-api/internal/models"
)

// ErrLockConflict is returned when a guarded write matched the request id but
// not the expected lock version, i.e. a concurrent transition won the race.
var ErrLockConflict = errors.New("request lock version conflict")

const requestColumns = `id, type, title, status, student_id, supervisor_id, co_supervisor_id, coordinator_id,
       owner_id, owner_role, outcome, grant_code, grant_issued_at, grant_expires_at, grant_holder_role,
       referral_reason, referral_by, referral_at, version_seq, lock_version, created_at, updated_at`

// RequestRepository persists HD request snapshots and their embedded ledger.
type RequestRepository struct {
	db *sqlx.DB
}

// NewRequestRepository constructs the repository.
func NewRequestRepository(db *sqlx.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create inserts a new draft together with its creation audit record.
func (r *RequestRepository) Create(ctx context.Context, req *models.Request, audit *models.AuditLog) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create request: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `INSERT INTO hd_requests
	(id, type, title, status, student_id, supervisor_id, co_supervisor_id, coordinator_id,
	 owner_id, owner_role, outcome, grant_code, grant_issued_at, grant_expires_at, grant_holder_role,
	 referral_reason, referral_by, referral_at, version_seq, lock_version, created_at, updated_at)
	VALUES (:id, :type, :title, :status, :student_id, :supervisor_id, :co_supervisor_id, :coordinator_id,
	 :owner_id, :owner_role, :outcome, :grant_code, :grant_issued_at, :grant_expires_at, :grant_holder_role,
	 :referral_reason, :referral_by, :referral_at, :version_seq, :lock_version, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, query, req); err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if audit != nil {
		if err := insertAuditLog(ctx, tx, audit); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create request: %w", err)
	}
	return nil
}

// GetByID fetches a request snapshot including its signatures and versions.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*models.Request, error) {
	query := fmt.Sprintf("SELECT %s FROM hd_requests WHERE id = $1", requestColumns)
	var req models.Request
	if err := r.db.GetContext(ctx, &req, query, id); err != nil {
		return nil, err
	}

	signatures, err := r.listSignatures(ctx, id)
	if err != nil {
		return nil, err
	}
	versions, err := r.ListVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	req.Signatures = signatures
	req.Versions = versions
	return &req, nil
}

// List returns request snapshots matching the filter (latest first, without
// the per-request ledgers).
func (r *RequestRepository) List(ctx context.Context, filter models.RequestFilter) ([]models.Request, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 6)
	builder.WriteString(fmt.Sprintf("SELECT %s FROM hd_requests", requestColumns))

	conditions := make([]string, 0, 4)
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if filter.SupervisorID != "" {
		args = append(args, filter.SupervisorID)
		conditions = append(conditions, fmt.Sprintf("supervisor_id = $%d", len(args)))
	}
	if filter.CoordinatorID != "" {
		args = append(args, filter.CoordinatorID)
		conditions = append(conditions, fmt.Sprintf("coordinator_id = $%d", len(args)))
	}
	if filter.ParticipantID != "" {
		args = append(args, filter.ParticipantID)
		p := fmt.Sprintf("$%d", len(args))
		conditions = append(conditions, fmt.Sprintf(
			"(student_id = %s OR supervisor_id = %s OR co_supervisor_id = %s OR coordinator_id = %s)", p, p, p, p))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY updated_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var requests []models.Request
	if err := r.db.SelectContext(ctx, &requests, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return requests, nil
}

// ListVersions returns the append-only transition history in seq order.
func (r *RequestRepository) ListVersions(ctx context.Context, requestID string) ([]models.Version, error) {
	const query = `SELECT id, request_id, seq, action, actor_id, note, at
	FROM hd_request_versions WHERE request_id = $1 ORDER BY seq ASC`
	var versions []models.Version
	if err := r.db.SelectContext(ctx, &versions, query, requestID); err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return versions, nil
}

func (r *RequestRepository) listSignatures(ctx context.Context, requestID string) ([]models.Signature, error) {
	const query = `SELECT id, request_id, role, actor_id, actor_name, signed_at
	FROM hd_request_signatures WHERE request_id = $1 ORDER BY signed_at ASC`
	var signatures []models.Signature
	if err := r.db.SelectContext(ctx, &signatures, query, requestID); err != nil {
		return nil, fmt.Errorf("list signatures: %w", err)
	}
	return signatures, nil
}

// ListExpiredGrants returns ids of requests whose access window has lapsed.
func (r *RequestRepository) ListExpiredGrants(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id FROM hd_requests
	WHERE grant_code IS NOT NULL AND grant_expires_at < $1 ORDER BY grant_expires_at ASC LIMIT $2`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("list expired grants: %w", err)
	}
	return ids, nil
}

// TransitionParams groups the writes one workflow step produces. They are
// committed as a single transaction guarded by the expected lock version.
type TransitionParams struct {
	Request      *models.Request
	ExpectedLock int
	Version      models.Version
	Signature    *models.Signature
	Audit        *models.AuditLog
}

// ApplyTransition persists the new snapshot, appends the version entry and
// optional signature, and writes the audit record atomically. A zero-row
// guarded update yields ErrLockConflict when the request exists and
// sql.ErrNoRows when it does not.
func (r *RequestRepository) ApplyTransition(ctx context.Context, params TransitionParams) error {
	req := params.Request
	req.UpdatedAt = time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const update = `UPDATE hd_requests SET
		status = :status,
		owner_id = :owner_id,
		owner_role = :owner_role,
		outcome = :outcome,
		grant_code = :grant_code,
		grant_issued_at = :grant_issued_at,
		grant_expires_at = :grant_expires_at,
		grant_holder_role = :grant_holder_role,
		referral_reason = :referral_reason,
		referral_by = :referral_by,
		referral_at = :referral_at,
		version_seq = :version_seq,
		lock_version = lock_version + 1,
		updated_at = :updated_at
	WHERE id = :id AND lock_version = :expected_lock`
	result, err := tx.NamedExecContext(ctx, update, map[string]interface{}{
		"id":                req.ID,
		"status":            req.Status,
		"owner_id":          req.OwnerID,
		"owner_role":        req.OwnerRole,
		"outcome":           req.Outcome,
		"grant_code":        req.GrantCode,
		"grant_issued_at":   req.GrantIssuedAt,
		"grant_expires_at":  req.GrantExpiresAt,
		"grant_holder_role": req.GrantHolderRole,
		"referral_reason":   req.ReferralReason,
		"referral_by":       req.ReferralBy,
		"referral_at":       req.ReferralAt,
		"version_seq":       req.VersionSeq,
		"updated_at":        req.UpdatedAt,
		"expected_lock":     params.ExpectedLock,
	})
	if err != nil {
		return fmt.Errorf("update request snapshot: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check transition rows: %w", err)
	}
	if rows == 0 {
		var exists bool
		if err := tx.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM hd_requests WHERE id = $1)", req.ID); err != nil {
			return fmt.Errorf("check request existence: %w", err)
		}
		if exists {
			return ErrLockConflict
		}
		return sql.ErrNoRows
	}

	version := params.Version
	if version.ID == "" {
		version.ID = uuid.NewString()
	}
	version.RequestID = req.ID
	const insertVersion = `INSERT INTO hd_request_versions (id, request_id, seq, action, actor_id, note, at)
	VALUES (:id, :request_id, :seq, :action, :actor_id, :note, :at)`
	if _, err := tx.NamedExecContext(ctx, insertVersion, version); err != nil {
		return fmt.Errorf("append version: %w", err)
	}

	if params.Signature != nil {
		signature := *params.Signature
		if signature.ID == "" {
			signature.ID = uuid.NewString()
		}
		signature.RequestID = req.ID
		const insertSignature = `INSERT INTO hd_request_signatures (id, request_id, role, actor_id, actor_name, signed_at)
		VALUES (:id, :request_id, :role, :actor_id, :actor_name, :signed_at)`
		if _, err := tx.NamedExecContext(ctx, insertSignature, signature); err != nil {
			return fmt.Errorf("append signature: %w", err)
		}
	}

	if params.Audit != nil {
		if err := insertAuditLog(ctx, tx, params.Audit); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	req.LockVersion = params.ExpectedLock + 1
	return nil
}

func insertAuditLog(ctx context.Context, tx *sqlx.Tx, log *models.AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO audit_logs (id, actor_id, actor_name, action, entity_type, entity_id, details, ip_address, user_agent, created_at)
	VALUES (:id, :actor_id, :actor_name, :action, :entity_type, :entity_id, :details, :ip_address, :user_agent, :created_at)`
	if _, err := tx.NamedExecContext(ctx, query, log); err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}
