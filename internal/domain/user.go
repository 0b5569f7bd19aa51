/**
 * @description
 * Core domain models for the kiosk backend's users and authentication flow.
 * These structs are shared by the store, the application services, and the
 * API layer.
 *
 * @notes
 * - Monetary values are stored as `int64` in the smallest currency unit
 *   (stotinki), which avoids floating-point inaccuracies with balance math.
 * - The PIN is never held in a domain struct beyond request DTOs; only its
 *   bcrypt hash is persisted.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// User represents a registered kiosk customer. Maps to the `users` table.
type User struct {
	ID              uuid.UUID  `json:"id"`
	IdentityNumber  string     `json:"identity_number"`
	FullName        string     `json:"full_name"`
	PINHash         string     `json:"-"`
	FaceTemplateRef *string    `json:"-"` // opaque handle in the face service, never raw imagery
	AccountNumber   string     `json:"account_number"`
	Balance         int64      `json:"balance"` // in stotinki
	Active          bool       `json:"active"`
	FailedAttempts  int        `json:"-"`
	LastLoginAt     *time.Time `json:"last_login_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// UserSummary is the identity/balance view returned to the kiosk UI after a
// successful login.
type UserSummary struct {
	ID            uuid.UUID `json:"id"`
	FullName      string    `json:"name"`
	AccountNumber string    `json:"account_number"`
	Balance       int64     `json:"balance"`
}

// RegisterRequest is the DTO for the registration endpoint.
type RegisterRequest struct {
	IdentityNumber string  `json:"identityNumber"`
	FullName       string  `json:"fullName"`
	PIN            string  `json:"pin"`
	AccountNumber  string  `json:"accountNumber"`
	FaceImage      *string `json:"faceImage,omitempty"` // base64, forwarded to the face service
}

// LoginRequest is the DTO for the three-factor verification endpoint.
type LoginRequest struct {
	IdentityNumber string  `json:"identityNumber"`
	PIN            string  `json:"pin"`
	FaceImage      *string `json:"faceImage,omitempty"`
}

// LoginResult is returned to the caller once every supplied factor passed.
type LoginResult struct {
	Token string      `json:"token"`
	User  UserSummary `json:"user"`
}

// UserContext identifies the authenticated user on downstream requests.
// Produced by session verification, consumed by the API middleware.
type UserContext struct {
	UserID   uuid.UUID
	FullName string
}
