// Package policy holds the pure decision rules of the crash pipeline:
// which partition a new report lands in, and whether capture is enabled.
package policy

import (
	"github.com/eliteGoblin/focusd/crash_mon/internal/config"
	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
)

// Decide returns the initial state for a freshly captured report.
// It depends only on the configured mode, so it gives the same answer
// no matter when or in which process it is evaluated.
func Decide(mode config.ApprovalMode) domain.ApprovalState {
	if mode == config.ApproveAll {
		return domain.StateApproved
	}
	return domain.StatePending
}

// DecideWithOverride applies the user's "always accept" setting on top of Decide.
func DecideWithOverride(mode config.ApprovalMode, alwaysAccept bool) domain.ApprovalState {
	if alwaysAccept {
		return domain.StateApproved
	}
	return Decide(mode)
}

// MigrationTarget is the partition legacy reports move into.
// Legacy reports were never explicitly approved, so they are parked as
// unapproved unless everything is auto-approved.
func MigrationTarget(mode config.ApprovalMode) domain.ApprovalState {
	if mode == config.ApproveAll {
		return domain.StateApproved
	}
	return domain.StateUnapproved
}
