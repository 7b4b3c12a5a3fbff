package queue

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle of a job. Delayed is waiting with a future run time
// (initial delay or retry backoff).
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// String returns the stored representation.
func (state State) String() string {
	return string(state)
}

// Terminal reports whether no further automatic transition occurs.
func (state State) Terminal() bool {
	return state == StateCompleted || state == StateFailed
}

// ParseState validates a stored job state.
func ParseState(raw string) (State, error) {
	switch State(raw) {
	case StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed:
		return State(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidJobState, raw)
}

// BackoffType selects the retry delay curve.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff is the retry policy applied between failed attempts.
type Backoff struct {
	Type  BackoffType
	Delay time.Duration
}

// NextDelay returns the delay before the attempt following attemptsMade
// failures: constant for fixed, delay*2^(attemptsMade-1) for exponential.
func (backoff Backoff) NextDelay(attemptsMade int) time.Duration {
	if backoff.Delay <= 0 {
		return 0
	}
	if backoff.Type != BackoffExponential {
		return backoff.Delay
	}
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	delay := backoff.Delay
	for i := 1; i < attemptsMade; i++ {
		delay *= 2
	}
	return delay
}

// Options configures one enqueue call.
type Options struct {
	Attempts int
	Backoff  Backoff
	Delay    time.Duration
}

// Job is one durable unit of work. The (Queue, ID) pair is globally unique;
// callers supply the ID, which is what makes sweeper enqueues idempotent.
type Job struct {
	Queue            string
	ID               string
	Payload          []byte
	State            State
	Progress         int
	AttemptsMade     int
	MaxAttempts      int
	Backoff          Backoff
	RunAtUnixUTC     int64
	Result           []byte
	FailureReason    string
	CreatedUnixUTC   int64
	ProcessedUnixUTC int64
	CompletedUnixUTC int64
}

// Handler executes one job. Returning an error triggers the retry policy.
// Delivery is at least once: a handler must tolerate re-invocation for the
// same job and re-check the state it acts on before acting.
type Handler func(ctx context.Context, job *JobContext) ([]byte, error)

// RetentionPolicy bounds how long terminal jobs are kept.
type RetentionPolicy struct {
	MaxAge   time.Duration
	MaxCount int
}

// Store is the persistence contract for durable jobs. Implementations must
// make InsertJob and ClaimNextJob atomic with respect to concurrent callers.
// The Mark operations apply only while the row is still active; a row the
// janitor requeued since the caller's claim returns ErrJobNotActive.
type Store interface {
	InsertJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, queueName string, jobID string) (Job, error)
	ResetJob(ctx context.Context, job Job) error
	ClaimNextJob(ctx context.Context, queueName string, nowUnixUTC int64) (*Job, error)
	UpdateProgress(ctx context.Context, queueName string, jobID string, progress int) error
	MarkCompleted(ctx context.Context, queueName string, jobID string, result []byte, completedUnixUTC int64) error
	MarkRetry(ctx context.Context, queueName string, jobID string, runAtUnixUTC int64, failureReason string) error
	MarkFailed(ctx context.Context, queueName string, jobID string, failureReason string, completedUnixUTC int64) error
	PurgeTerminal(ctx context.Context, queueName string, olderThanUnixUTC int64, keepCount int) error
	RequeueStalled(ctx context.Context, queueName string, activeBeforeUnixUTC int64) (int, error)
}

func validateName(queueName string, jobID string) error {
	if strings.TrimSpace(queueName) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidQueueName)
	}
	if strings.TrimSpace(jobID) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidJobID)
	}
	return nil
}
