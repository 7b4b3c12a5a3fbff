package queue

import "errors"

// Domain-level error values returned by the queue.
var (
	ErrJobNotFound          = errors.New("job not found")
	ErrJobNotActive         = errors.New("job not active")
	ErrDuplicateJob         = errors.New("job already exists")
	ErrInvalidQueueName     = errors.New("invalid queue name")
	ErrInvalidJobID         = errors.New("invalid job id")
	ErrInvalidJobState      = errors.New("invalid job state")
	ErrInvalidConcurrency   = errors.New("invalid concurrency")
	ErrUnknownQueue         = errors.New("unknown queue")
	ErrManagerStarted       = errors.New("manager already started")
	ErrInvalidManagerConfig = errors.New("invalid manager config")
)

type permanentError struct {
	err error
}

func (permanent permanentError) Error() string {
	return permanent.err.Error()
}

func (permanent permanentError) Unwrap() error {
	return permanent.err
}

// Permanent marks a handler error as non-retryable: the job fails terminally
// even when attempts remain. Used for failures that retrying cannot fix,
// e.g. insufficient funds.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var permanent permanentError
	return errors.As(err, &permanent)
}
