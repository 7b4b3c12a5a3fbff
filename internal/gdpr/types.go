package gdpr

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/creditcore/pkg/queue"
)

// Status is the lifecycle of a scheduled deletion request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// String returns the stored representation.
func (status Status) String() string {
	return string(status)
}

// ParseStatus validates a stored request status.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusCancelled:
		return Status(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// Request is one scheduled account deletion. A pending request moves to
// processing exactly once; cancellation is legal only while pending and
// before the scheduled time.
type Request struct {
	ID                  string
	SubjectID           string
	Email               string
	Status              Status
	ScheduledForUnixUTC int64
	ProcessedUnixUTC    int64
	CancelledUnixUTC    int64
	CreatedUnixUTC      int64
}

// Store is the persistence contract used by Service. UpdateStatus must be a
// compare-and-swap: it fails with ErrStaleState when the current status does
// not match the expected one.
type Store interface {
	CreateRequest(ctx context.Context, request Request) (Request, error)
	GetRequest(ctx context.Context, requestID string) (Request, error)
	UpdateStatus(ctx context.Context, requestID string, from Status, to Status, atUnixUTC int64) error
	ListDue(ctx context.Context, nowUnixUTC int64) ([]Request, error)
	ListPendingScheduledBetween(ctx context.Context, fromUnixUTC int64, toUnixUTC int64) ([]Request, error)
}

// Enqueuer is the slice of the queue manager the sweepers need.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, jobID string, payload []byte, options queue.Options) (queue.Job, error)
}

// Eraser performs the actual subject data deletion. The storage/drive side of
// erasure lives outside this core.
type Eraser interface {
	EraseSubject(ctx context.Context, subjectID string) error
}
