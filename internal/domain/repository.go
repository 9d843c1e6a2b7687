package domain

import "context"

// ReportStore is the durable, partitioned report queue.
// Implementation: SQLCipher encrypted SQLite database.
type ReportStore interface {
	// Enqueue persists a new report. Assigns ID and CapturedAt when empty.
	Enqueue(ctx context.Context, r *Report) error

	// Transition atomically moves a report between partitions.
	// Returns ErrNotFound or ErrInvalidTransition.
	Transition(ctx context.Context, id string, to ApprovalState) error

	// List returns a snapshot cursor over one partition in insertion order.
	List(ctx context.Context, state ApprovalState) (*Cursor, error)

	// Get returns a single report.
	Get(ctx context.Context, id string) (*Report, error)

	// Delete removes a report. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// RecordAttempt durably bumps the delivery attempt counter.
	RecordAttempt(ctx context.Context, id string, lastErr string) (int, error)

	// Count returns the number of reports in a partition.
	Count(ctx context.Context, state ApprovalState) (int, error)

	// Close releases resources (e.g., database connection).
	Close() error
}

// SettingsStore holds user-adjustable toggles.
// Implementation: YAML file committed atomically, watched with fsnotify.
type SettingsStore interface {
	// GetBool returns the value for key, def when absent, ErrTypeMismatch on a non-bool.
	GetBool(key string, def bool) (bool, error)

	// GetString returns the value for key, def when absent, ErrTypeMismatch on a non-string.
	GetString(key string, def string) (string, error)

	// Set durably commits a value and notifies subscribers.
	Set(key string, value any) error

	// Subscribe registers fn for key changes. The caller owns the handle.
	Subscribe(fn func(key string)) Subscription
}

// Subscription is a registered settings listener.
type Subscription interface {
	Close()
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// Identity returns argv[0] of a live process as the OS reports it.
	Identity(pid int) (string, error)

	// FindBySuffix returns PIDs of live processes whose argv[0] ends with suffix.
	FindBySuffix(suffix string) ([]int, error)

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// RoleResolver decides whether this process captures or sends.
type RoleResolver interface {
	Resolve() ProcessRole
}

// Transport uploads one report to the remote collector.
type Transport interface {
	// Send returns nil on confirmed delivery. Errors wrapping
	// ErrPermanentDelivery are not retried.
	Send(ctx context.Context, r Report) error
}

// Dispatcher hands approved reports to a sender.
type Dispatcher interface {
	Dispatch(ctx context.Context, reports []Report) error
}

// LegacyEntry is one report in the pre-partition flat layout.
type LegacyEntry struct {
	Name   string // Source file name
	Report Report
	Err    error // Set when the file could not be read; Report is empty
}

// LegacySource is the old undifferentiated report collection.
type LegacySource interface {
	// Entries returns every remaining legacy report.
	Entries() ([]LegacyEntry, error)

	// Remove deletes one legacy report after it has been moved.
	Remove(entry LegacyEntry) error
}

// KeyProvider holds the report database key shared by every process role.
type KeyProvider interface {
	// Load returns the stored key. A key that was never created is reported
	// as fs.ErrNotExist.
	Load() ([]byte, error)

	// Create stores key unless a key already exists, and returns whichever
	// key is stored afterwards.
	Create(key []byte) ([]byte, error)
}

// MetricsRecorder receives pipeline events.
// Implementation: Prometheus counters.
type MetricsRecorder interface {
	ReportCaptured(state ApprovalState)
	DeliveryOutcome(outcome DeliveryState)
	TriageDeleted(reason string, n int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ReportCaptured(ApprovalState)  {}
func (NopMetrics) DeliveryOutcome(DeliveryState) {}
func (NopMetrics) TriageDeleted(string, int)     {}
