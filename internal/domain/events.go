package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProcessorStatusEvent is the payload of a transfer-status message published
// by the payment processor's webhook relay. The consumer feeds it into the
// same settlement/compensation paths used by reconciliation polling.
type ProcessorStatusEvent struct {
	ProcessorReference string `json:"processor_reference"`
	Status             string `json:"status"`
	Reason             string `json:"reason,omitempty"`
}

// TransactionEvent is published to the events exchange whenever a ledger
// transaction reaches a terminal status. Consumers (receipt printing,
// notifications) must treat it as informational; the transactions table is
// the source of truth.
type TransactionEvent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	UserID        uuid.UUID `json:"user_id"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Timestamp     time.Time `json:"timestamp"`
}
