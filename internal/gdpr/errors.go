package gdpr

import "errors"

// Domain-level error values returned by the deletion request service.
var (
	ErrRequestNotFound      = errors.New("deletion request not found")
	ErrNotCancellable       = errors.New("deletion request is not cancellable")
	ErrTooLate              = errors.New("deletion request is past its scheduled time")
	ErrStaleState           = errors.New("deletion request changed state")
	ErrInvalidStatus        = errors.New("invalid deletion request status")
	ErrInvalidSubjectID     = errors.New("invalid subject id")
	ErrInvalidSchedule      = errors.New("invalid schedule time")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)
