// Package renewal tops up holders with a refill policy once per billing
// cycle, driven by a daily sweep.
package renewal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditcore/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditcore/pkg/queue"
	"go.uber.org/zap"
)

// Queue carries renewal jobs.
const Queue = "subscription-renewal"

const renewalAttempts = 3

// ErrInvalidServiceConfig reports a bad wiring of Service.
var ErrInvalidServiceConfig = errors.New("invalid renewal service config")

// Enqueuer is the slice of the queue manager the sweeper needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, jobID string, payload []byte, options queue.Options) (queue.Job, error)
}

// JobID derives the dedupe key for one holder and cycle. The cycle stamp
// makes the sweep idempotent within a month and fresh the next.
func JobID(holderID string, cycle string) string {
	return fmt.Sprintf("renewal-%s-%s", holderID, cycle)
}

// Cycle formats the billing cycle for a point in time, e.g. "2026-08".
func Cycle(at time.Time) string {
	return at.UTC().Format("2006-01")
}

// Payload is the renewal job payload.
type Payload struct {
	HolderID string `json:"holder_id"`
	Cycle    string `json:"cycle"`
}

// Service finds holders due for their monthly refill and credits them up to
// their target balance.
type Service struct {
	ledgerService *ledger.Service
	store         ledger.Store
	enqueuer      Enqueuer
	nowFn         func() int64
	logger        *zap.Logger
}

// NewService wires a Service.
func NewService(ledgerService *ledger.Service, store ledger.Store, enqueuer Enqueuer, nowFn func() int64, logger *zap.Logger) (*Service, error) {
	if ledgerService == nil || store == nil || enqueuer == nil || nowFn == nil {
		return nil, fmt.Errorf("%w: missing dependency", ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		ledgerService: ledgerService,
		store:         store,
		enqueuer:      enqueuer,
		nowFn:         nowFn,
		logger:        logger,
	}, nil
}

// Sweep enqueues a renewal job for every holder whose refill day is today.
// Refill days past the end of a short month run on its last day.
func (service *Service) Sweep(ctx context.Context) (int, error) {
	now := time.Unix(service.nowFn(), 0).UTC()
	day := now.Day()
	lastDay := now.AddDate(0, 0, 1).Day() == 1
	due, err := service.store.ListHoldersDueForRefill(ctx, day, lastDay)
	if err != nil {
		return 0, err
	}
	cycle := Cycle(now)
	enqueued := 0
	for _, holder := range due {
		payload, err := json.Marshal(Payload{HolderID: holder.ID.String(), Cycle: cycle})
		if err != nil {
			return enqueued, err
		}
		if _, err := service.enqueuer.Enqueue(ctx, Queue, JobID(holder.ID.String(), cycle), payload, queue.Options{
			Attempts: renewalAttempts,
			Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: time.Minute},
		}); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// Handle performs one renewal. Redelivery is safe: a holder already at or
// above its target balance is a no-op.
func (service *Service) Handle(ctx context.Context, job *queue.JobContext) ([]byte, error) {
	var payload Payload
	if err := json.Unmarshal(job.Payload(), &payload); err != nil {
		return nil, queue.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	holderID, err := ledger.NewHolderID(payload.HolderID)
	if err != nil {
		return nil, queue.Permanent(err)
	}
	holder, err := service.store.GetHolder(ctx, holderID)
	if err != nil {
		if errors.Is(err, ledger.ErrHolderNotFound) {
			return nil, queue.Permanent(err)
		}
		return nil, err
	}
	if holder.Refill == nil {
		service.logger.Info("renewal skipped, refill policy removed", zap.String("holder_id", holderID.String()))
		return []byte(`{"skipped":true}`), nil
	}
	if holder.Balance >= holder.Refill.TargetBalance {
		return []byte(`{"skipped":true}`), nil
	}
	topUp := holder.Refill.TargetBalance - holder.Balance
	transaction, err := service.ledgerService.Credit(ctx, holderID, topUp,
		ledger.KindSubscriptionRenewal, "subscription renewal "+payload.Cycle, "")
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]int64{
		"credited": transaction.Amount.Int64(),
		"balance":  transaction.ResultingBalance.Int64(),
	})
}
