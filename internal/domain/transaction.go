/**
 * @description
 * Transaction domain models for the ledger engine. A Transaction row is the
 * durable record of intent for every money movement: it is created before
 * any remote processor call and is never deleted.
 *
 * @notes
 * - Amounts are `int64` in stotinki (two implied fraction digits). No
 *   floating-point arithmetic is used anywhere in balance math.
 * - Status transitions are monotonic: pending -> completed|failed|cancelled.
 *   A terminal status is never overwritten.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transaction types.
const (
	TxTypeDeposit     = "deposit"
	TxTypeTransfer    = "transfer"
	TxTypeBillPayment = "bill_payment"
	TxTypeWithdrawal  = "withdrawal"
)

// Transaction statuses.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
	TxStatusCancelled = "cancelled"
)

// IsTerminalStatus reports whether a transaction status admits no further
// transitions.
func IsTerminalStatus(status string) bool {
	switch status {
	case TxStatusCompleted, TxStatusFailed, TxStatusCancelled:
		return true
	}
	return false
}

// Transaction is the central ledger record. Maps to the `transactions` table.
type Transaction struct {
	ID                  uuid.UUID  `json:"id"`
	UserID              uuid.UUID  `json:"user_id"`
	Type                string     `json:"type"`
	Status              string     `json:"status"`
	Amount              int64      `json:"amount"` // in stotinki, always positive
	Currency            string     `json:"currency"`
	RecipientAccount    *string    `json:"recipient_account,omitempty"`
	RecipientName       *string    `json:"recipient_name,omitempty"`
	ProviderCode        *string    `json:"provider_code,omitempty"`
	BillAccountNumber   *string    `json:"bill_account_number,omitempty"`
	Description         string     `json:"description"`
	ProcessorReference  *string    `json:"processor_reference,omitempty"`
	FailureReason       *string    `json:"failure_reason,omitempty"`
	// Compensated marks a debit that was credited back after a processor
	// timeout while the remote outcome is still unknown. Settlement must
	// re-apply the debit before completing such a transaction.
	Compensated bool       `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TransactionResult is returned by ledger operations; NewBalance reflects the
// post-operation (post-compensation, if any) balance.
type TransactionResult struct {
	Transaction *Transaction `json:"transaction"`
	NewBalance  int64        `json:"new_balance"`
}

// DepositRequest is the DTO for cash deposits captured by the kiosk hardware.
type DepositRequest struct {
	Amount   int64  `json:"amount"` // in stotinki
	Currency string `json:"currency"`
}

// TransferRequest is the DTO for outgoing SEPA-style transfers.
type TransferRequest struct {
	Amount           int64  `json:"amount"` // in stotinki
	Currency         string `json:"currency"`
	RecipientAccount string `json:"recipientAccount"`
	RecipientName    string `json:"recipientName"`
	Description      string `json:"description"`
}

// BillPaymentRequest is the DTO for utility bill payments.
type BillPaymentRequest struct {
	Amount            int64  `json:"amount"` // in stotinki
	Currency          string `json:"currency"`
	ProviderCode      string `json:"providerCode"`
	BillAccountNumber string `json:"billAccountNumber"`
	Description       string `json:"description"`
}

// HistoryOptions controls filtering and pagination of a user's transaction
// history. Results are ordered by creation time.
type HistoryOptions struct {
	Type   string
	Limit  int
	Offset int
}

// BillProvider is a row of the read-only bill-provider catalog.
type BillProvider struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Active   bool   `json:"active"`
}
