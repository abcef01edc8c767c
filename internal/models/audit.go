package models

import "time"

// AuditEntityRequest is the entity type recorded for workflow transitions.
const AuditEntityRequest = "hd_request"

// AuditLog represents one immutable compliance record; one is appended per
// transition in the same transaction as the snapshot write.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	ActorID    *string   `db:"actor_id" json:"actorId,omitempty"`
	ActorName  string    `db:"actor_name" json:"actorName"`
	Action     string    `db:"action" json:"action"`
	EntityType string    `db:"entity_type" json:"entityType"`
	EntityID   *string   `db:"entity_id" json:"entityId,omitempty"`
	Details    []byte    `db:"details" json:"details,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ipAddress"`
	UserAgent  string    `db:"user_agent" json:"userAgent"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// AuditFilter constrains audit trail queries.
type AuditFilter struct {
	ActorID  string
	EntityID string
	Action   string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}
