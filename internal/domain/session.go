package domain

import (
	"time"

	"github.com/google/uuid"
)

// Session represents an authenticated kiosk session. Only the SHA-256 hash of
// the bearer token is persisted; the raw token exists solely in the response
// to a successful login. Maps to the `sessions` table.
type Session struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	TokenHash      string    `json:"-"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Expired reports whether the session is past its expiry at the given instant.
// Stale sessions are not proactively purged; every lookup must apply this
// check.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
