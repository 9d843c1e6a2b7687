// Package domain contains core crash-report entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// ProcessRole identifies which half of the pipeline the current process runs.
type ProcessRole string

const (
	RoleCapturing ProcessRole = "capturing"
	RoleSending   ProcessRole = "sending"
)

// ApprovalState is the partition a report lives in.
type ApprovalState string

const (
	StatePending    ApprovalState = "pending"
	StateApproved   ApprovalState = "approved"
	StateUnapproved ApprovalState = "unapproved"
	// StatePoisoned holds reports that exhausted their delivery budget.
	// They are kept for diagnostics and never picked up by a send cycle.
	StatePoisoned ApprovalState = "poisoned"
)

// AllStates lists every partition in display order.
var AllStates = []ApprovalState{StatePending, StateApproved, StateUnapproved, StatePoisoned}

// Valid reports whether s is a known partition.
func (s ApprovalState) Valid() bool {
	switch s {
	case StatePending, StateApproved, StateUnapproved, StatePoisoned:
		return true
	}
	return false
}

// Report is one persisted failure.
type Report struct {
	ID         string // UUIDv7, immutable once assigned
	Seq        int64  // Store insertion order
	CapturedAt time.Time
	AppVersion string // Version of the app that crashed
	State      ApprovalState
	Attempts   int    // Delivery attempts so far
	LastError  string // Last delivery error, if any
	Payload    []byte // Opaque to the pipeline
}

// DeliveryState is the in-memory per-record state used by the sender.
// Only queued/poisoned survive a restart (through Report.State).
type DeliveryState string

const (
	DeliveryQueued    DeliveryState = "queued"
	DeliverySending   DeliveryState = "sending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryPoisoned  DeliveryState = "poisoned"
)

// DeliveryResult summarizes one Deliver call.
type DeliveryResult struct {
	Attempted int // Reports handed to the sender
	Delivered []string
	Poisoned  []string
	Pending   []string // Still approved (ctx ended before they settled)
	Errors    []error
}

// TriageResult captures what happened during a startup triage pass.
type TriageResult struct {
	StaleDeleted     int
	ExcessDeleted    int
	Dispatched       int
	CrashesCollected int
	Errors           []error
	ExecutedAt       time.Time
	DurationMs       int64
}

// MigrationResult captures what a legacy migration moved.
type MigrationResult struct {
	Moved    int
	Skipped  int // Already present in the store (interrupted earlier run)
	Failed   int
	Complete bool
}
