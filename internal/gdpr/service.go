package gdpr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditcore/internal/mail"
	"github.com/MarkoPoloResearchLab/creditcore/pkg/queue"
	"go.uber.org/zap"
)

const (
	// QueueDeletion carries due deletion jobs; processed single-file.
	QueueDeletion = "gdpr-deletion"
	// QueueReminders carries upcoming-deletion reminder jobs.
	QueueReminders = "gdpr-reminders"

	templateReminder = "deletion-reminder"
	templateDeleted  = "deletion-completed"

	deletionAttempts = 3
	reminderAttempts = 3
)

// ReminderOffsetsDays are the day offsets ahead of the scheduled deletion at
// which a reminder goes out. The offset is baked into the job id so the 7-day
// and 1-day reminders for one request are distinct jobs.
var ReminderOffsetsDays = []int{7, 1}

// DeletionJobID derives the dedupe key for a due deletion. Deterministic per
// request, so repeated sweeps enqueue each request at most once.
func DeletionJobID(requestID string) string {
	return "deletion-" + requestID
}

// ReminderJobID derives the dedupe key for one reminder window.
func ReminderJobID(requestID string, offsetDays int) string {
	return fmt.Sprintf("deletion-reminder-%s-%dd", requestID, offsetDays)
}

// DeletionPayload is the job payload for both deletion and reminder jobs.
type DeletionPayload struct {
	RequestID  string `json:"request_id"`
	OffsetDays int    `json:"offset_days,omitempty"`
}

// Service owns scheduled deletion requests: scheduling, cancellation, the
// sweepers that enqueue due work, and the job handlers.
type Service struct {
	store    Store
	enqueuer Enqueuer
	eraser   Eraser
	sender   mail.Sender
	nowFn    func() int64
	logger   *zap.Logger
}

// NewService wires a Service.
func NewService(store Store, enqueuer Enqueuer, eraser Eraser, sender mail.Sender, nowFn func() int64, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if enqueuer == nil {
		return nil, fmt.Errorf("%w: enqueuer dependency is nil", ErrInvalidServiceConfig)
	}
	if eraser == nil {
		return nil, fmt.Errorf("%w: eraser dependency is nil", ErrInvalidServiceConfig)
	}
	if sender == nil {
		return nil, fmt.Errorf("%w: mail sender dependency is nil", ErrInvalidServiceConfig)
	}
	if nowFn == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		enqueuer: enqueuer,
		eraser:   eraser,
		sender:   sender,
		nowFn:    nowFn,
		logger:   logger,
	}, nil
}

// Schedule records a new pending deletion request.
func (service *Service) Schedule(ctx context.Context, subjectID string, email string, scheduledForUnixUTC int64) (Request, error) {
	if strings.TrimSpace(subjectID) == "" {
		return Request{}, fmt.Errorf("%w: empty value", ErrInvalidSubjectID)
	}
	now := service.nowFn()
	if scheduledForUnixUTC <= now {
		return Request{}, fmt.Errorf("%w: must lie in the future", ErrInvalidSchedule)
	}
	return service.store.CreateRequest(ctx, Request{
		SubjectID:           strings.TrimSpace(subjectID),
		Email:               strings.TrimSpace(email),
		Status:              StatusPending,
		ScheduledForUnixUTC: scheduledForUnixUTC,
		CreatedUnixUTC:      now,
	})
}

// Get returns the request or ErrRequestNotFound.
func (service *Service) Get(ctx context.Context, requestID string) (Request, error) {
	return service.store.GetRequest(ctx, requestID)
}

// Cancel withdraws a pending request. Cancellation past the scheduled time is
// rejected with ErrTooLate: the request may already be mid-processing.
func (service *Service) Cancel(ctx context.Context, requestID string) error {
	request, err := service.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if request.Status != StatusPending {
		return fmt.Errorf("%w: status is %s", ErrNotCancellable, request.Status)
	}
	now := service.nowFn()
	if now >= request.ScheduledForUnixUTC {
		return ErrTooLate
	}
	return service.store.UpdateStatus(ctx, requestID, StatusPending, StatusCancelled, now)
}

// SweepDue enqueues a deletion job for every pending request whose scheduled
// time has passed. Job ids derive from the request id, so re-running the
// sweep before the queue drains enqueues nothing new.
func (service *Service) SweepDue(ctx context.Context) (int, error) {
	due, err := service.store.ListDue(ctx, service.nowFn())
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, request := range due {
		payload, err := json.Marshal(DeletionPayload{RequestID: request.ID})
		if err != nil {
			return enqueued, err
		}
		if _, err := service.enqueuer.Enqueue(ctx, QueueDeletion, DeletionJobID(request.ID), payload, queue.Options{
			Attempts: deletionAttempts,
			Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: 30 * time.Second},
		}); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// SweepReminders enqueues reminder jobs for pending requests whose scheduled
// time falls on a reminder day, using UTC start/end-of-day bounds.
func (service *Service) SweepReminders(ctx context.Context) (int, error) {
	now := time.Unix(service.nowFn(), 0).UTC()
	enqueued := 0
	for _, offsetDays := range ReminderOffsetsDays {
		dayStart, dayEnd := dayBoundsUTC(now.AddDate(0, 0, offsetDays))
		candidates, err := service.store.ListPendingScheduledBetween(ctx, dayStart, dayEnd)
		if err != nil {
			return enqueued, err
		}
		for _, request := range candidates {
			payload, err := json.Marshal(DeletionPayload{RequestID: request.ID, OffsetDays: offsetDays})
			if err != nil {
				return enqueued, err
			}
			if _, err := service.enqueuer.Enqueue(ctx, QueueReminders, ReminderJobID(request.ID, offsetDays), payload, queue.Options{
				Attempts: reminderAttempts,
				Backoff:  queue.Backoff{Type: queue.BackoffFixed, Delay: time.Minute},
			}); err != nil {
				return enqueued, err
			}
			enqueued++
		}
	}
	return enqueued, nil
}

// HandleDeletion executes one due deletion. Delivery is at least once, so the
// handler re-checks the request is still pending and due before acting; a
// request cancelled in the sweep-to-execution gap is a benign skip. Only this
// handler moves requests into processing, and the queue claim admits one run
// per job at a time, so a redelivered job that finds the request already in
// processing resumes a run that died before completing, it never skips.
func (service *Service) HandleDeletion(ctx context.Context, job *queue.JobContext) ([]byte, error) {
	var payload DeletionPayload
	if err := json.Unmarshal(job.Payload(), &payload); err != nil {
		return nil, queue.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	request, err := service.store.GetRequest(ctx, payload.RequestID)
	if err != nil {
		return nil, err
	}
	now := service.nowFn()
	switch {
	case request.Status == StatusProcessing:
		// Interrupted earlier run; fall through and redo the erasure.
	case request.Status == StatusPending && request.ScheduledForUnixUTC <= now:
		if err := service.store.UpdateStatus(ctx, request.ID, StatusPending, StatusProcessing, now); err != nil {
			if errors.Is(err, ErrStaleState) {
				return []byte(`{"skipped":true}`), nil
			}
			return nil, err
		}
	default:
		service.logger.Info("deletion skipped, request no longer due",
			zap.String("request_id", request.ID),
			zap.String("status", request.Status.String()))
		return []byte(`{"skipped":true}`), nil
	}
	job.ReportProgress(ctx, 25)
	if err := service.eraser.EraseSubject(ctx, request.SubjectID); err != nil {
		// Put the request back so a retry can claim it again.
		if revertErr := service.store.UpdateStatus(ctx, request.ID, StatusProcessing, StatusPending, now); revertErr != nil {
			service.logger.Error("revert to pending failed",
				zap.String("request_id", request.ID), zap.Error(revertErr))
		}
		return nil, err
	}
	job.ReportProgress(ctx, 75)
	if err := service.store.UpdateStatus(ctx, request.ID, StatusProcessing, StatusCompleted, service.nowFn()); err != nil {
		return nil, err
	}
	service.notify(ctx, request, templateDeleted, nil)
	return []byte(`{"deleted":true}`), nil
}

// HandleReminder sends one upcoming-deletion reminder, re-validating that the
// request is still pending and still ahead of its scheduled time.
func (service *Service) HandleReminder(ctx context.Context, job *queue.JobContext) ([]byte, error) {
	var payload DeletionPayload
	if err := json.Unmarshal(job.Payload(), &payload); err != nil {
		return nil, queue.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	request, err := service.store.GetRequest(ctx, payload.RequestID)
	if err != nil {
		return nil, err
	}
	if request.Status != StatusPending || request.ScheduledForUnixUTC <= service.nowFn() {
		service.logger.Info("reminder skipped, request no longer pending",
			zap.String("request_id", request.ID),
			zap.String("status", request.Status.String()))
		return []byte(`{"skipped":true}`), nil
	}
	service.notify(ctx, request, templateReminder, map[string]string{
		"days_remaining": fmt.Sprintf("%d", payload.OffsetDays),
	})
	return []byte(`{"reminded":true}`), nil
}

// notify hands off to the mail collaborator. Failures are logged only; the
// ledger/job state already committed stays committed.
func (service *Service) notify(ctx context.Context, request Request, template string, extra map[string]string) {
	if request.Email == "" {
		return
	}
	data := map[string]string{
		"subject_id":    request.SubjectID,
		"scheduled_for": time.Unix(request.ScheduledForUnixUTC, 0).UTC().Format(time.RFC3339),
	}
	for key, value := range extra {
		data[key] = value
	}
	if err := service.sender.Send(ctx, mail.Message{
		Recipient:    request.Email,
		Template:     template,
		TemplateData: data,
	}); err != nil {
		service.logger.Warn("mail handoff failed",
			zap.String("request_id", request.ID),
			zap.String("template", template),
			zap.Error(err))
	}
}

// dayBoundsUTC returns [start, end] of the UTC calendar day containing at.
func dayBoundsUTC(at time.Time) (int64, int64) {
	year, month, day := at.UTC().Date()
	start := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1).Add(-time.Second)
	return start.Unix(), end.Unix()
}
