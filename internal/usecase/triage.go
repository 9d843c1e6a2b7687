package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/crash_mon/internal/config"
	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
)

const (
	reasonStale  = "stale"
	reasonExcess = "excess"
)

// Triage is the once-per-launch cleanup of the capturing process.
type Triage struct {
	cfg        config.TriageConfig
	appVersion string
	store      domain.ReportStore
	settings   domain.SettingsStore
	dispatcher domain.Dispatcher
	enabled    func() bool
	metrics    domain.MetricsRecorder
	logger     *zap.Logger
}

// NewTriage creates a startup triage. enabled reports whether capture is on
// at the moment approved reports would be dispatched.
func NewTriage(
	cfg config.TriageConfig,
	appVersion string,
	store domain.ReportStore,
	settings domain.SettingsStore,
	dispatcher domain.Dispatcher,
	enabled func() bool,
	metrics domain.MetricsRecorder,
	logger *zap.Logger,
) *Triage {
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &Triage{
		cfg:        cfg,
		appVersion: appVersion,
		store:      store,
		settings:   settings,
		dispatcher: dispatcher,
		enabled:    enabled,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run executes every step in order. A failing step is logged and does not
// stop the ones after it.
func (t *Triage) Run(ctx context.Context) domain.TriageResult {
	start := time.Now()
	result := domain.TriageResult{ExecutedAt: start}

	if err := t.settings.Set(domain.SettingLastVersion, t.appVersion); err != nil {
		t.logger.Warn("failed to record app version", zap.Error(err))
		result.Errors = append(result.Errors, err)
	}

	if t.cfg.DeleteStaleOnStart {
		n, errs := t.deleteStale(ctx)
		result.StaleDeleted = n
		result.Errors = append(result.Errors, errs...)
		t.metrics.TriageDeleted(reasonStale, n)
	}

	if t.cfg.DeleteExcessUnapprovedOnStart {
		n, errs := t.deleteExcessUnapproved(ctx)
		result.ExcessDeleted = n
		result.Errors = append(result.Errors, errs...)
		t.metrics.TriageDeleted(reasonExcess, n)
	}

	if t.dispatcher != nil && t.enabled() {
		n, err := t.dispatchApproved(ctx)
		result.Dispatched = n
		if err != nil {
			t.logger.Warn("failed to dispatch approved reports", zap.Error(err))
			result.Errors = append(result.Errors, err)
		}
	}

	result.DurationMs = time.Since(start).Milliseconds()
	t.logger.Info("startup triage finished",
		zap.Int("stale_deleted", result.StaleDeleted),
		zap.Int("excess_deleted", result.ExcessDeleted),
		zap.Int("dispatched", result.Dispatched),
		zap.Int("errors", len(result.Errors)),
		zap.Int64("duration_ms", result.DurationMs))
	return result
}

// deleteStale removes undelivered, unsent reports captured by another app version.
func (t *Triage) deleteStale(ctx context.Context) (int, []error) {
	var (
		deleted int
		errs    []error
	)
	for _, state := range []domain.ApprovalState{domain.StatePending, domain.StateUnapproved} {
		cur, err := t.store.List(ctx, state)
		if err != nil {
			t.logger.Warn("failed to list reports", zap.String("state", string(state)), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		for cur.Next() {
			r := cur.Report()
			if r.AppVersion == t.appVersion {
				continue
			}
			if err := t.store.Delete(ctx, r.ID); err != nil {
				t.logger.Warn("failed to delete stale report", zap.String("report", r.ID), zap.Error(err))
				errs = append(errs, err)
				continue
			}
			deleted++
		}
	}
	return deleted, errs
}

// deleteExcessUnapproved keeps only the most recent unapproved report.
func (t *Triage) deleteExcessUnapproved(ctx context.Context) (int, []error) {
	cur, err := t.store.List(ctx, domain.StateUnapproved)
	if err != nil {
		t.logger.Warn("failed to list unapproved reports", zap.Error(err))
		return 0, []error{err}
	}
	reports := cur.All()
	if len(reports) <= 1 {
		return 0, nil
	}

	newest := 0
	for i, r := range reports {
		if newer(r, reports[newest]) {
			newest = i
		}
	}

	var (
		deleted int
		errs    []error
	)
	for i, r := range reports {
		if i == newest {
			continue
		}
		if err := t.store.Delete(ctx, r.ID); err != nil {
			t.logger.Warn("failed to delete excess report", zap.String("report", r.ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	return deleted, errs
}

func (t *Triage) dispatchApproved(ctx context.Context) (int, error) {
	cur, err := t.store.List(ctx, domain.StateApproved)
	if err != nil {
		return 0, fmt.Errorf("failed to list approved reports: %w", err)
	}
	if cur.Len() == 0 {
		return 0, nil
	}
	reports := cur.All()
	if err := t.dispatcher.Dispatch(ctx, reports); err != nil {
		return 0, err
	}
	return len(reports), nil
}

// newer orders by capture time, then by insertion order.
func newer(a, b domain.Report) bool {
	if !a.CapturedAt.Equal(b.CapturedAt) {
		return a.CapturedAt.After(b.CapturedAt)
	}
	return a.Seq > b.Seq
}
