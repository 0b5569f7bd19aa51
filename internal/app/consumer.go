package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/domain"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/store"
)

// ProcessorEventsExchange carries transfer status events relayed from the
// payment processor's webhooks.
const ProcessorEventsExchange = "processor_events"

// ProcessorStatusRoutingKey is the binding for transfer status updates.
const ProcessorStatusRoutingKey = "transfer.status"

// ProcessorStatusConsumer feeds processor status events into the shared
// settlement paths. It is the push-based counterpart of the reconciliation
// poll.
type ProcessorStatusConsumer struct {
	ledger *LedgerService
	repo   store.Repository
}

func NewProcessorStatusConsumer(ledger *LedgerService, repo store.Repository) *ProcessorStatusConsumer {
	return &ProcessorStatusConsumer{ledger: ledger, repo: repo}
}

// HandleMessage processes one delivery. Returning true acknowledges the
// message; false re-queues it.
func (c *ProcessorStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.ProcessorStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=status_consumer msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		return true
	}

	if event.ProcessorReference == "" {
		log.Printf("level=warn component=status_consumer msg=\"missing processor reference; dropping\" event=%+v", event)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processEvent(ctx, event); err != nil {
		log.Printf("level=error component=status_consumer msg=\"processing error; re-queuing\" processor_reference=%s err=%v", event.ProcessorReference, err)
		return false
	}
	return true
}

func (c *ProcessorStatusConsumer) processEvent(ctx context.Context, event domain.ProcessorStatusEvent) error {
	tx, err := c.repo.FindTransactionByProcessorReference(ctx, event.ProcessorReference)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			// Either the reference belongs to another system or the event
			// raced the reference write; the reconciliation poll covers the
			// latter.
			log.Printf("level=warn component=status_consumer msg=\"no transaction for reference; acknowledging\" processor_reference=%s", event.ProcessorReference)
			return nil
		}
		return fmt.Errorf("lookup transaction: %w", err)
	}

	switch normalizeProcessorStatus(event.Status) {
	case domain.TxStatusCompleted:
		return c.ledger.settleSuccess(ctx, tx, event.ProcessorReference)
	case domain.TxStatusFailed:
		return c.ledger.settleFailure(ctx, tx, event.Reason)
	default:
		return nil
	}
}
