/**
 * @description
 * Settlement and reconciliation for transactions whose remote outcome was
 * unknown at submission time. The same two settlement paths serve the status
 * poll in GetStatus, the periodic reconciliation job and the processor status
 * event consumer:
 *
 * - settleSuccess: re-applies a compensated debit (settlement debit) before
 *   marking the row COMPLETED. With insufficient funds the row stays PENDING
 *   and a `settlement_deferred` audit entry is written for a later pass.
 * - settleFailure: compensates once (if the debit still stands) and marks the
 *   row FAILED. Terminal rows are never touched.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Schedules the periodic reconciliation scan.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/domain"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/store"
)

// settleSuccess finalizes a PENDING transaction whose remote leg is confirmed
// executed. Idempotent: terminal rows are left alone.
func (s *LedgerService) settleSuccess(ctx context.Context, tx *domain.Transaction, reference string) error {
	if domain.IsTerminalStatus(tx.Status) {
		return nil
	}

	if tx.Compensated {
		// The debit was credited back at timeout; the money actually left, so
		// re-apply it before completing. The guarded flag clear elects exactly
		// one settler: a second caller holding a stale snapshot of the row
		// loses the claim and must not debit again.
		claimed, err := s.repo.ClaimCompensatedSettlement(ctx, tx.ID)
		if err != nil {
			return fmt.Errorf("claim settlement: %w", err)
		}
		if !claimed {
			return nil
		}
		if _, err := s.repo.DebitBalance(ctx, tx.UserID, tx.Amount); err != nil {
			if restoreErr := s.repo.SetTransactionCompensated(ctx, tx.ID, true); restoreErr != nil {
				log.Printf("level=error component=reconcile msg=\"CRITICAL: failed to restore compensated flag after debit failure\" transaction_id=%s err=%v", tx.ID, restoreErr)
			}
			if errors.Is(err, store.ErrInsufficientFunds) {
				s.audit.Record(ctx, nil, "settlement_deferred", "transaction", tx.ID.String(), domain.AuditOutcomeFailure, map[string]interface{}{
					"amount": tx.Amount,
					"reason": "insufficient_funds_for_settlement_debit",
				}, nil)
				return nil
			}
			return fmt.Errorf("settlement debit: %w", err)
		}
		tx.Compensated = false
	}

	refPtr := tx.ProcessorReference
	if trimmed := strings.TrimSpace(reference); trimmed != "" {
		refPtr = &trimmed
	}
	if err := s.repo.MarkTransactionCompleted(ctx, tx.ID, refPtr); err != nil {
		if errors.Is(err, store.ErrTransactionFinalized) {
			return nil
		}
		return fmt.Errorf("mark completed: %w", err)
	}
	tx.Status = domain.TxStatusCompleted

	s.audit.Record(ctx, nil, "transaction_settled", "transaction", tx.ID.String(), domain.AuditOutcomeSuccess, map[string]interface{}{
		"amount": tx.Amount,
		"type":   tx.Type,
	}, nil)
	s.publishTransactionEvent(ctx, tx, domain.TxStatusCompleted)
	return nil
}

// settleFailure finalizes a PENDING transaction whose remote leg is confirmed
// rejected. The guarded status transition makes the compensation credit
// single-shot: only the caller that wins the pending->failed update credits.
func (s *LedgerService) settleFailure(ctx context.Context, tx *domain.Transaction, reason string) error {
	if domain.IsTerminalStatus(tx.Status) {
		return nil
	}
	if strings.TrimSpace(reason) == "" {
		reason = "rejected by payment processor"
	}

	if err := s.repo.MarkTransactionFailed(ctx, tx.ID, tx.ProcessorReference, reason); err != nil {
		if errors.Is(err, store.ErrTransactionFinalized) {
			return nil
		}
		return fmt.Errorf("mark failed: %w", err)
	}
	tx.Status = domain.TxStatusFailed

	if !tx.Compensated {
		if _, err := s.repo.CreditBalance(ctx, tx.UserID, tx.Amount); err != nil {
			log.Printf("level=error component=reconcile msg=\"CRITICAL: compensation credit failed during settlement\" transaction_id=%s user_id=%s amount=%d err=%v", tx.ID, tx.UserID, tx.Amount, err)
			return fmt.Errorf("compensation credit: %w", err)
		}
	}

	s.audit.Record(ctx, nil, "transaction_failed", "transaction", tx.ID.String(), domain.AuditOutcomeFailure, map[string]interface{}{
		"amount": tx.Amount,
		"type":   tx.Type,
		"reason": reason,
	}, nil)
	s.publishTransactionEvent(ctx, tx, domain.TxStatusFailed)
	return nil
}

// Reconciler periodically scans stale PENDING transactions and resolves them
// against the processor.
type Reconciler struct {
	ledger       *LedgerService
	repo         store.Repository
	processor    Processor
	scanInterval time.Duration
	staleAfter   time.Duration
	batchSize    int
	cron         *cron.Cron
}

func NewReconciler(ledger *LedgerService, repo store.Repository, processor Processor, scanInterval, staleAfter time.Duration) *Reconciler {
	return &Reconciler{
		ledger:       ledger,
		repo:         repo,
		processor:    processor,
		scanInterval: scanInterval,
		staleAfter:   staleAfter,
		batchSize:    50,
	}
}

// Start schedules the periodic scan. Returns an error if the schedule cannot
// be registered.
func (r *Reconciler) Start() error {
	r.cron = cron.New()
	spec := fmt.Sprintf("@every %s", r.scanInterval)
	if _, err := r.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := r.RunOnce(ctx); err != nil {
			log.Printf("level=error component=reconcile msg=\"reconciliation pass failed\" err=%v", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule reconciliation: %w", err)
	}
	r.cron.Start()
	log.Printf("level=info component=reconcile msg=\"reconciliation scheduled\" interval=%s stale_after=%s", r.scanInterval, r.staleAfter)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// RunOnce resolves one batch of stale PENDING transactions.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	stale, err := r.repo.FindStalePendingTransactions(ctx, r.staleAfter, r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list stale transactions: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	log.Printf("level=info component=reconcile msg=\"reconciling stale transactions\" count=%d", len(stale))

	for i := range stale {
		tx := &stale[i]
		if tx.ProcessorReference == nil {
			continue
		}
		status, err := r.processor.GetTransferStatus(ctx, *tx.ProcessorReference)
		if err != nil {
			log.Printf("level=warn component=reconcile msg=\"status poll failed\" transaction_id=%s err=%v", tx.ID, err)
			continue
		}
		switch normalizeProcessorStatus(status.Status) {
		case domain.TxStatusCompleted:
			if err := r.ledger.settleSuccess(ctx, tx, status.Reference); err != nil {
				log.Printf("level=error component=reconcile msg=\"settlement failed\" transaction_id=%s err=%v", tx.ID, err)
			}
		case domain.TxStatusFailed:
			if err := r.ledger.settleFailure(ctx, tx, status.Reason); err != nil {
				log.Printf("level=error component=reconcile msg=\"failure settlement failed\" transaction_id=%s err=%v", tx.ID, err)
			}
		default:
			// Still in flight remotely; next pass will look again.
		}
	}
	return nil
}
