package gdpr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditcore/internal/mail"
	"github.com/MarkoPoloResearchLab/creditcore/pkg/queue"
	"go.uber.org/zap"
)

type stubStore struct {
	requests map[string]*Request
	nextID   int
}

func newStubStore() *stubStore {
	return &stubStore{requests: make(map[string]*Request)}
}

func (store *stubStore) CreateRequest(ctx context.Context, request Request) (Request, error) {
	store.nextID++
	request.ID = fmt.Sprintf("req-%d", store.nextID)
	stored := request
	store.requests[request.ID] = &stored
	return request, nil
}

func (store *stubStore) GetRequest(ctx context.Context, requestID string) (Request, error) {
	stored, ok := store.requests[requestID]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	return *stored, nil
}

func (store *stubStore) UpdateStatus(ctx context.Context, requestID string, from Status, to Status, atUnixUTC int64) error {
	stored, ok := store.requests[requestID]
	if !ok {
		return ErrRequestNotFound
	}
	if stored.Status != from {
		return ErrStaleState
	}
	stored.Status = to
	switch to {
	case StatusCompleted, StatusProcessing:
		stored.ProcessedUnixUTC = atUnixUTC
	case StatusCancelled:
		stored.CancelledUnixUTC = atUnixUTC
	}
	return nil
}

func (store *stubStore) ListDue(ctx context.Context, nowUnixUTC int64) ([]Request, error) {
	matched := make([]Request, 0)
	for _, stored := range store.requests {
		if stored.Status == StatusPending && stored.ScheduledForUnixUTC <= nowUnixUTC {
			matched = append(matched, *stored)
		}
	}
	return matched, nil
}

func (store *stubStore) ListPendingScheduledBetween(ctx context.Context, fromUnixUTC int64, toUnixUTC int64) ([]Request, error) {
	matched := make([]Request, 0)
	for _, stored := range store.requests {
		if stored.Status == StatusPending && stored.ScheduledForUnixUTC >= fromUnixUTC && stored.ScheduledForUnixUTC <= toUnixUTC {
			matched = append(matched, *stored)
		}
	}
	return matched, nil
}

// recordingEnqueuer mimics the manager's dedupe-by-id contract.
type recordingEnqueuer struct {
	jobs map[string]queue.Job
}

func newRecordingEnqueuer() *recordingEnqueuer {
	return &recordingEnqueuer{jobs: make(map[string]queue.Job)}
}

func (enqueuer *recordingEnqueuer) Enqueue(ctx context.Context, queueName string, jobID string, payload []byte, options queue.Options) (queue.Job, error) {
	key := queueName + "/" + jobID
	if existing, ok := enqueuer.jobs[key]; ok {
		return existing, nil
	}
	job := queue.Job{Queue: queueName, ID: jobID, Payload: payload, State: queue.StateWaiting}
	enqueuer.jobs[key] = job
	return job, nil
}

type stubEraser struct {
	erased []string
	err    error
}

func (eraser *stubEraser) EraseSubject(ctx context.Context, subjectID string) error {
	if eraser.err != nil {
		return eraser.err
	}
	eraser.erased = append(eraser.erased, subjectID)
	return nil
}

type recordingSender struct {
	messages []mail.Message
}

func (sender *recordingSender) Send(ctx context.Context, message mail.Message) error {
	sender.messages = append(sender.messages, message)
	return nil
}

type testClock struct {
	unix int64
}

func (clock *testClock) now() int64 { return clock.unix }

func newTestService(test *testing.T, store *stubStore, enqueuer *recordingEnqueuer, eraser *stubEraser, sender *recordingSender, clock *testClock) *Service {
	test.Helper()
	service, err := NewService(store, enqueuer, eraser, sender, clock.now, zap.NewNop())
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func TestSweepDueFindsOnlyDueRequests(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	enqueuer := newRecordingEnqueuer()
	clock := &testClock{unix: 1_000_000}
	service := newTestService(test, store, enqueuer, &stubEraser{}, &recordingSender{}, clock)

	scheduledFor := clock.unix + 3600
	request, err := service.Schedule(context.Background(), "user-9", "user9@example.com", scheduledFor)
	if err != nil {
		test.Fatalf("schedule: %v", err)
	}

	// One second before the scheduled time: nothing due.
	clock.unix = scheduledFor - 1
	enqueued, err := service.SweepDue(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if enqueued != 0 {
		test.Fatalf("expected zero candidates before schedule, got %d", enqueued)
	}

	// One second after: exactly one, with the deterministic job id.
	clock.unix = scheduledFor + 1
	enqueued, err = service.SweepDue(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if enqueued != 1 {
		test.Fatalf("expected one candidate after schedule, got %d", enqueued)
	}
	if _, ok := enqueuer.jobs[QueueDeletion+"/"+DeletionJobID(request.ID)]; !ok {
		test.Fatalf("expected job %s", DeletionJobID(request.ID))
	}

	// Immediate re-run before the queue drains: no additional jobs.
	if _, err := service.SweepDue(context.Background()); err != nil {
		test.Fatalf("second sweep: %v", err)
	}
	if len(enqueuer.jobs) != 1 {
		test.Fatalf("expected exactly one stored job, got %d", len(enqueuer.jobs))
	}
}

func TestSweepRemindersUsesDayWindows(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	enqueuer := newRecordingEnqueuer()
	now := time.Date(2026, time.March, 10, 15, 30, 0, 0, time.UTC)
	clock := &testClock{unix: now.Unix()}
	service := newTestService(test, store, enqueuer, &stubEraser{}, &recordingSender{}, clock)

	sevenDaysOut := now.AddDate(0, 0, 7).Unix()
	oneDayOut := now.AddDate(0, 0, 1).Unix()
	farOut := now.AddDate(0, 0, 3).Unix()

	seven, _ := service.Schedule(context.Background(), "user-7", "u7@example.com", sevenDaysOut)
	one, _ := service.Schedule(context.Background(), "user-1", "u1@example.com", oneDayOut)
	if _, err := service.Schedule(context.Background(), "user-3", "u3@example.com", farOut); err != nil {
		test.Fatalf("schedule: %v", err)
	}

	enqueued, err := service.SweepReminders(context.Background())
	if err != nil {
		test.Fatalf("sweep reminders: %v", err)
	}
	if enqueued != 2 {
		test.Fatalf("expected two reminders, got %d", enqueued)
	}
	if _, ok := enqueuer.jobs[QueueReminders+"/"+ReminderJobID(seven.ID, 7)]; !ok {
		test.Fatalf("expected 7-day reminder for %s", seven.ID)
	}
	if _, ok := enqueuer.jobs[QueueReminders+"/"+ReminderJobID(one.ID, 1)]; !ok {
		test.Fatalf("expected 1-day reminder for %s", one.ID)
	}
}

func TestReminderJobIDsDistinctPerOffset(test *testing.T) {
	test.Parallel()
	if ReminderJobID("req-1", 7) == ReminderJobID("req-1", 1) {
		test.Fatalf("expected distinct ids per offset")
	}
	if ReminderJobID("req-1", 7) == ReminderJobID("req-2", 7) {
		test.Fatalf("expected distinct ids per request")
	}
	if DeletionJobID("req-1") == ReminderJobID("req-1", 1) {
		test.Fatalf("expected sweeper families to never collide")
	}
}

func TestCancelRules(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	enqueuer := newRecordingEnqueuer()
	clock := &testClock{unix: 1_000_000}
	service := newTestService(test, store, enqueuer, &stubEraser{}, &recordingSender{}, clock)

	request, err := service.Schedule(context.Background(), "user-4", "", clock.unix+100)
	if err != nil {
		test.Fatalf("schedule: %v", err)
	}
	if err := service.Cancel(context.Background(), request.ID); err != nil {
		test.Fatalf("cancel: %v", err)
	}
	stored, _ := service.Get(context.Background(), request.ID)
	if stored.Status != StatusCancelled {
		test.Fatalf("expected cancelled, got %s", stored.Status)
	}
	// Cancelled requests cannot be cancelled again.
	if err := service.Cancel(context.Background(), request.ID); !errors.Is(err, ErrNotCancellable) {
		test.Fatalf("expected ErrNotCancellable, got %v", err)
	}

	late, err := service.Schedule(context.Background(), "user-5", "", clock.unix+50)
	if err != nil {
		test.Fatalf("schedule: %v", err)
	}
	clock.unix += 50
	if err := service.Cancel(context.Background(), late.ID); !errors.Is(err, ErrTooLate) {
		test.Fatalf("expected ErrTooLate, got %v", err)
	}
}

func TestScheduleValidation(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	clock := &testClock{unix: 1_000_000}
	service := newTestService(test, store, newRecordingEnqueuer(), &stubEraser{}, &recordingSender{}, clock)

	if _, err := service.Schedule(context.Background(), "  ", "", clock.unix+10); !errors.Is(err, ErrInvalidSubjectID) {
		test.Fatalf("expected ErrInvalidSubjectID, got %v", err)
	}
	if _, err := service.Schedule(context.Background(), "user-1", "", clock.unix-10); !errors.Is(err, ErrInvalidSchedule) {
		test.Fatalf("expected ErrInvalidSchedule, got %v", err)
	}
}
