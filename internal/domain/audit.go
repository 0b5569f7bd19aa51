package domain

import (
	"time"

	"github.com/google/uuid"
)

// Audit outcomes.
const (
	AuditOutcomeSuccess = "success"
	AuditOutcomeFailure = "failure"
)

// AuditEntry is an append-only record of a security-relevant or financial
// event. Entries are written by the auth and ledger services and are never
// mutated or deleted. Maps to the `audit_entries` table.
type AuditEntry struct {
	ID           uuid.UUID              `json:"id"`
	ActorID      *uuid.UUID             `json:"actor_id,omitempty"` // nil for system-initiated events
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Outcome      string                 `json:"outcome"`
	Payload      map[string]interface{} `json:"payload,omitempty"` // secrets redacted before persistence
	ErrorDetail  *string                `json:"error_detail,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}
