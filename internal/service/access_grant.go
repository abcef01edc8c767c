package service

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/noah-isme/hd-request-api/internal/models"
	appErrors "github.com/noah-isme/hd-request-api/pkg/errors"
)

const accessCodeLength = 6

// accessCodeCharset avoids lookalike characters since codes are relayed manually.
const accessCodeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GrantManager issues and validates the short-lived access codes that gate
// entry into a review stage.
type GrantManager struct {
	ttl time.Duration
	now func() time.Time
}

// NewGrantManager constructs a manager with the configured code TTL.
func NewGrantManager(ttl time.Duration) *GrantManager {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &GrantManager{ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

// Issue creates a fresh grant for the holder role. Exactly one grant may be
// live per request.
func (m *GrantManager) Issue(req *models.Request, holder models.UserRole) (*models.AccessGrant, error) {
	if req.ActiveGrant() != nil {
		return nil, appErrors.Clone(appErrors.ErrGrantActive, "an access code is already active for this request")
	}
	issued := m.now()
	return &models.AccessGrant{
		Code:       generateAccessCode(),
		IssuedAt:   issued,
		ExpiresAt:  issued.Add(m.ttl),
		HolderRole: holder,
	}, nil
}

// Validate checks the supplied code against the live grant. Matching is
// case-insensitive; the grant is never silently extended.
func (m *GrantManager) Validate(req *models.Request, supplied string) error {
	grant := req.ActiveGrant()
	if grant == nil {
		return appErrors.Clone(appErrors.ErrInvalidCode, "no active access code for this request")
	}
	if !m.now().Before(grant.ExpiresAt) {
		return appErrors.ErrGrantExpired
	}
	if !strings.EqualFold(strings.TrimSpace(supplied), grant.Code) {
		return appErrors.ErrInvalidCode
	}
	return nil
}

// Expired reports whether the request carries a grant past its expiry.
func (m *GrantManager) Expired(req *models.Request) bool {
	grant := req.ActiveGrant()
	return grant != nil && !m.now().Before(grant.ExpiresAt)
}

func generateAccessCode() string {
	buf := make([]byte, accessCodeLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable for code issuance
		panic(err)
	}
	code := make([]byte, accessCodeLength)
	for i, b := range buf {
		code[i] = accessCodeCharset[int(b)%len(accessCodeCharset)]
	}
	return string(code)
}
