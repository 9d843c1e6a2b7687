package domain

import "errors"

var (
	// ErrUninitialized is returned when the report manager is accessed before Init.
	ErrUninitialized = errors.New("crash reporting is not initialized")

	// ErrInvalidConfiguration aborts Init; the pipeline stays disabled.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrDuplicateInit is logged (never returned) when Init runs twice.
	ErrDuplicateInit = errors.New("init called more than once")

	// ErrStoreIO wraps storage failures on a single record.
	ErrStoreIO = errors.New("report store I/O failure")

	// ErrInvalidTransition means a state change would break monotonicity.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotFound means the report id does not exist.
	ErrNotFound = errors.New("report not found")

	// ErrDuplicate means a report with the same id is already stored.
	ErrDuplicate = errors.New("report already exists")

	// ErrDelivery is a retryable delivery failure.
	ErrDelivery = errors.New("delivery failed")

	// ErrPermanentDelivery is a delivery failure that retrying cannot fix.
	ErrPermanentDelivery = errors.New("delivery permanently rejected")

	// ErrNullArgument is returned for a required argument that is nil.
	ErrNullArgument = errors.New("argument must not be nil")

	// ErrTypeMismatch is returned when a setting holds a value of another type.
	ErrTypeMismatch = errors.New("setting has unexpected type")

	// ErrWriteOnce is returned when resetting a write-once setting.
	ErrWriteOnce = errors.New("setting is write-once")

	// ErrWrongRole is returned for an operation the process role does not run.
	ErrWrongRole = errors.New("operation not available in this process role")
)
