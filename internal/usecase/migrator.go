package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/crash_mon/internal/config"
	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
	"github.com/eliteGoblin/focusd/crash_mon/internal/policy"
)

// Migrator moves reports from the old flat layout into the partitioned store.
type Migrator struct {
	source   domain.LegacySource
	store    domain.ReportStore
	settings domain.SettingsStore
	mode     config.ApprovalMode
	logger   *zap.Logger
}

// NewMigrator creates a legacy migrator.
func NewMigrator(
	source domain.LegacySource,
	store domain.ReportStore,
	settings domain.SettingsStore,
	mode config.ApprovalMode,
	logger *zap.Logger,
) *Migrator {
	return &Migrator{
		source:   source,
		store:    store,
		settings: settings,
		mode:     mode,
		logger:   logger,
	}
}

// Done reports whether a previous run already moved everything.
func (m *Migrator) Done() bool {
	done, err := m.settings.GetBool(domain.SettingLegacyMigrated, false)
	return err == nil && done
}

// Migrate moves every legacy report. Each source file is removed only after
// its insert has committed, and an id already present counts as moved, so an
// interrupted run never loses or duplicates a report. The migrated flag is set
// only when nothing is left behind.
func (m *Migrator) Migrate(ctx context.Context) (domain.MigrationResult, error) {
	var result domain.MigrationResult
	if m.Done() {
		result.Complete = true
		return result, nil
	}

	entries, err := m.source.Entries()
	if err != nil {
		return result, fmt.Errorf("failed to list legacy reports: %w", err)
	}

	target := policy.MigrationTarget(m.mode)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if entry.Err != nil {
			m.logger.Warn("unreadable legacy report left in place",
				zap.String("file", entry.Name),
				zap.Error(entry.Err))
			result.Failed++
			continue
		}

		r := entry.Report
		r.State = target
		r.Attempts = 0
		r.LastError = ""

		err := m.store.Enqueue(ctx, &r)
		switch {
		case errors.Is(err, domain.ErrDuplicate):
			result.Skipped++
		case err != nil:
			m.logger.Warn("failed to migrate legacy report",
				zap.String("file", entry.Name),
				zap.Error(err))
			result.Failed++
			continue
		default:
			result.Moved++
		}

		if err := m.source.Remove(entry); err != nil {
			m.logger.Warn("migrated legacy report could not be removed",
				zap.String("file", entry.Name),
				zap.Error(err))
			result.Failed++
		}
	}

	if result.Failed > 0 {
		m.logger.Warn("legacy migration incomplete, will retry on next launch",
			zap.Int("moved", result.Moved),
			zap.Int("failed", result.Failed))
		return result, nil
	}

	if err := m.settings.Set(domain.SettingLegacyMigrated, true); err != nil {
		return result, fmt.Errorf("failed to mark legacy migration complete: %w", err)
	}
	result.Complete = true

	m.logger.Info("legacy migration complete",
		zap.Int("moved", result.Moved),
		zap.Int("skipped", result.Skipped),
		zap.String("target", string(target)))
	return result, nil
}
