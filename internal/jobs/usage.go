package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/creditcore/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditcore/pkg/queue"
	"go.uber.org/zap"
)

// QueueTranscription carries usage-charge jobs for completed transcription
// units.
const QueueTranscription = "transcription"

// UsageJobID derives the dedupe key for one billable unit, so a unit is
// charged at most one job regardless of how often it is submitted.
func UsageJobID(reference string) string {
	return "usage-" + reference
}

// UsagePayload is the usage-charge job payload. Reference names the billable
// unit, e.g. a transcription id.
type UsagePayload struct {
	HolderID    string `json:"holder_id"`
	Amount      int64  `json:"amount"`
	Reference   string `json:"reference"`
	PerformedBy string `json:"performed_by,omitempty"`
}

// UsageCharger debits usage credits for completed work units.
type UsageCharger struct {
	ledgerService *ledger.Service
	logger        *zap.Logger
}

// NewUsageCharger wires a UsageCharger.
func NewUsageCharger(ledgerService *ledger.Service, logger *zap.Logger) (*UsageCharger, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger service is nil", ErrInvalidRegistration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageCharger{ledgerService: ledgerService, logger: logger}, nil
}

// Handle debits the holder for one usage unit. Insufficient funds and unknown
// holders fail permanently: retrying cannot make the charge succeed, and the
// submitter needs the failure surfaced, not masked by backoff.
func (charger *UsageCharger) Handle(ctx context.Context, job *queue.JobContext) ([]byte, error) {
	var payload UsagePayload
	if err := json.Unmarshal(job.Payload(), &payload); err != nil {
		return nil, queue.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	holderID, err := ledger.NewHolderID(payload.HolderID)
	if err != nil {
		return nil, queue.Permanent(err)
	}
	if payload.Amount <= 0 {
		return nil, queue.Permanent(fmt.Errorf("%w: usage amount must be positive", ledger.ErrInvalidAmount))
	}
	if strings.TrimSpace(payload.Reference) == "" {
		return nil, queue.Permanent(fmt.Errorf("usage reference is empty"))
	}

	job.ReportProgress(ctx, 50)
	transaction, err := charger.ledgerService.Debit(ctx, holderID, ledger.Amount(payload.Amount),
		ledger.KindUsage, "usage charge "+payload.Reference, payload.PerformedBy)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) || errors.Is(err, ledger.ErrHolderNotFound) {
			charger.logger.Warn("usage charge rejected",
				zap.String("holder_id", holderID.String()),
				zap.String("reference", payload.Reference),
				zap.Error(err))
			return nil, queue.Permanent(err)
		}
		return nil, err
	}
	return json.Marshal(map[string]interface{}{
		"transaction_id": transaction.ID,
		"balance":        transaction.ResultingBalance.Int64(),
	})
}
