package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the store.
	ErrJobNotFound = errors.New("job not found")

	// ErrResultNotFound is returned when a result cannot be found in the store.
	ErrResultNotFound = errors.New("result not found")

	// ErrStaleClaim is returned when a claim finds the job in a state other
	// than queued or error. The message that triggered the claim is stale
	// (duplicate delivery or an already finalized job) and must be dropped.
	ErrStaleClaim = errors.New("job not claimable in its current state")

	// ErrJobBlocked is returned when a start is attempted on a job that is
	// dead-lettered or has exhausted its failure budget.
	ErrJobBlocked = errors.New("job blocked pending administrative action")

	// ErrJobRunning is returned when an admin operation or delete targets a
	// job that is currently being processed.
	ErrJobRunning = errors.New("job is running")

	// ErrConflict is returned when an operation is not valid for the job's
	// current state.
	ErrConflict = errors.New("operation not valid for job state")

	// ErrInvalidEnvelope is returned for message bodies that cannot be
	// decoded into an envelope.
	ErrInvalidEnvelope = errors.New("invalid message envelope")

	// ErrSourceMissing marks a permanently failed input: the source artifact
	// referenced by the job does not exist or cannot be read.
	ErrSourceMissing = errors.New("source artifact missing")

	// ErrWriteConflict marks a transient store write collision. The write is
	// retried once and the conflict is never counted as a job failure.
	ErrWriteConflict = errors.New("store write conflict")

	// ErrNoQueueConfigured is returned when no queue can be resolved at all.
	ErrNoQueueConfigured = errors.New("no queue configured")

	// ErrQueueEmpty is returned by DLQ administration when a pop finds no message.
	ErrQueueEmpty = errors.New("queue empty")
)

// RetryableError wraps transient broker or store errors: the message is left
// for redelivery instead of being finalized.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps err as retryable.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is wrapped as retryable.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
