package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/creditcore/internal/gdpr"
	"github.com/MarkoPoloResearchLab/creditcore/internal/mail"
	"github.com/MarkoPoloResearchLab/creditcore/internal/renewal"
	"github.com/MarkoPoloResearchLab/creditcore/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditcore/pkg/queue"
	"go.uber.org/zap"
)

type noopQueueStore struct{}

func (noopQueueStore) InsertJob(ctx context.Context, job queue.Job) error { return nil }
func (noopQueueStore) GetJob(ctx context.Context, queueName string, jobID string) (queue.Job, error) {
	return queue.Job{}, queue.ErrJobNotFound
}
func (noopQueueStore) ResetJob(ctx context.Context, job queue.Job) error { return nil }
func (noopQueueStore) ClaimNextJob(ctx context.Context, queueName string, nowUnixUTC int64) (*queue.Job, error) {
	return nil, nil
}
func (noopQueueStore) UpdateProgress(ctx context.Context, queueName string, jobID string, progress int) error {
	return nil
}
func (noopQueueStore) MarkCompleted(ctx context.Context, queueName string, jobID string, result []byte, completedUnixUTC int64) error {
	return nil
}
func (noopQueueStore) MarkRetry(ctx context.Context, queueName string, jobID string, runAtUnixUTC int64, failureReason string) error {
	return nil
}
func (noopQueueStore) MarkFailed(ctx context.Context, queueName string, jobID string, failureReason string, completedUnixUTC int64) error {
	return nil
}
func (noopQueueStore) PurgeTerminal(ctx context.Context, queueName string, olderThanUnixUTC int64, keepCount int) error {
	return nil
}
func (noopQueueStore) RequeueStalled(ctx context.Context, queueName string, activeBeforeUnixUTC int64) (int, error) {
	return 0, nil
}

type noopGDPRStore struct{}

func (noopGDPRStore) CreateRequest(ctx context.Context, request gdpr.Request) (gdpr.Request, error) {
	return request, nil
}
func (noopGDPRStore) GetRequest(ctx context.Context, requestID string) (gdpr.Request, error) {
	return gdpr.Request{}, gdpr.ErrRequestNotFound
}
func (noopGDPRStore) UpdateStatus(ctx context.Context, requestID string, from gdpr.Status, to gdpr.Status, atUnixUTC int64) error {
	return nil
}
func (noopGDPRStore) ListDue(ctx context.Context, nowUnixUTC int64) ([]gdpr.Request, error) {
	return nil, nil
}
func (noopGDPRStore) ListPendingScheduledBetween(ctx context.Context, fromUnixUTC int64, toUnixUTC int64) ([]gdpr.Request, error) {
	return nil, nil
}

type noopEnqueuer struct{}

func (noopEnqueuer) Enqueue(ctx context.Context, queueName string, jobID string, payload []byte, options queue.Options) (queue.Job, error) {
	return queue.Job{Queue: queueName, ID: jobID}, nil
}

type noopEraser struct{}

func (noopEraser) EraseSubject(ctx context.Context, subjectID string) error { return nil }

type noopSender struct{}

func (noopSender) Send(ctx context.Context, message mail.Message) error { return nil }

func TestRegisterBindsAllQueues(test *testing.T) {
	test.Parallel()
	nowFn := func() int64 { return 1_000_000 }
	manager, err := queue.NewManager(noopQueueStore{}, zap.NewNop(), nowFn, queue.ManagerConfig{})
	if err != nil {
		test.Fatalf("new manager: %v", err)
	}
	gdprService, err := gdpr.NewService(noopGDPRStore{}, noopEnqueuer{}, noopEraser{}, noopSender{}, nowFn, zap.NewNop())
	if err != nil {
		test.Fatalf("gdpr service: %v", err)
	}
	ledgerStore := newMemoryLedgerStore()
	ledgerService, err := ledger.NewService(ledgerStore, nowFn)
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	renewalService, err := renewal.NewService(ledgerService, ledgerStore, noopEnqueuer{}, nowFn, zap.NewNop())
	if err != nil {
		test.Fatalf("renewal service: %v", err)
	}
	usage, err := NewUsageCharger(ledgerService, zap.NewNop())
	if err != nil {
		test.Fatalf("usage charger: %v", err)
	}

	if err := Register(manager, gdprService, renewalService, usage, Concurrency{}); err != nil {
		test.Fatalf("register: %v", err)
	}
	// A second registration of the same queues must be rejected.
	if err := Register(manager, gdprService, renewalService, usage, Concurrency{}); err == nil {
		test.Fatalf("expected duplicate registration to fail")
	}
}

func TestRegisterValidation(test *testing.T) {
	test.Parallel()
	if err := Register(nil, nil, nil, nil, Concurrency{}); !errors.Is(err, ErrInvalidRegistration) {
		test.Fatalf("expected ErrInvalidRegistration, got %v", err)
	}
}
