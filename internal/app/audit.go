/**
 * @description
 * Audit trail recorder. Every security-sensitive operation appends an entry
 * through here: authentication attempts, money movement, session lifecycle.
 *
 * Key behaviors:
 * - Fire-and-forget: a failed audit write is logged, never propagated, so an
 *   audit outage cannot block payments.
 * - Sensitive payload keys (PINs, captured frames, session tokens) are
 *   redacted before the entry is persisted or published.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain models and persistence.
 * - pkg/rabbitmq: Optional event publication to the audit exchange.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/domain"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/store"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/pkg/rabbitmq"
)

// AuditEventsExchange receives a copy of every audit entry for downstream
// consumers (fraud monitoring, regulatory export).
const AuditEventsExchange = "easypay.events"

// redactedKeys are payload fields that must never reach the audit store.
var redactedKeys = map[string]struct{}{
	"pin":        {},
	"pin_hash":   {},
	"face_image": {},
	"token":      {},
}

// AuditRecorder appends audit entries and mirrors them to the event exchange.
type AuditRecorder struct {
	repo     store.Repository
	producer rabbitmq.Publisher
}

func NewAuditRecorder(repo store.Repository, producer rabbitmq.Publisher) *AuditRecorder {
	return &AuditRecorder{repo: repo, producer: producer}
}

// Record appends one audit entry. actorID is nil for system-initiated
// actions (reconciliation, consumers). Failures are logged and swallowed.
func (a *AuditRecorder) Record(ctx context.Context, actorID *uuid.UUID, action, resourceType, resourceID, outcome string, payload map[string]interface{}, opErr error) {
	entry := &domain.AuditEntry{
		ID:           uuid.New(),
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      outcome,
		Payload:      redact(payload),
		CreatedAt:    time.Now(),
	}
	if opErr != nil {
		detail := opErr.Error()
		entry.ErrorDetail = &detail
	}

	// Detach from the request context so a cancelled request still gets its
	// audit entry written.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := a.repo.CreateAuditEntry(writeCtx, entry); err != nil {
		log.Printf("level=error component=audit msg=\"failed to persist audit entry\" action=%s outcome=%s err=%v", action, outcome, err)
	}

	if a.producer != nil {
		if err := a.producer.Publish(writeCtx, AuditEventsExchange, "audit."+action, entry); err != nil {
			log.Printf("level=warn component=audit msg=\"failed to publish audit entry\" action=%s err=%v", action, err)
		}
	}
}

func redact(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}
	clean := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if _, sensitive := redactedKeys[k]; sensitive {
			clean[k] = "[REDACTED]"
			continue
		}
		clean[k] = v
	}
	return clean
}
