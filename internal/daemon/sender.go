// Package daemon runs the sending role and spawns it from the capturing role.
package daemon

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
	"github.com/eliteGoblin/focusd/crash_mon/internal/infra"
)

// CycleRunner delivers the approved partition once.
type CycleRunner interface {
	RunCycle(ctx context.Context) (domain.DeliveryResult, error)
}

// MetricsWriter persists metrics after each cycle.
type MetricsWriter interface {
	WriteTextfile(path string) error
}

// SenderConfig holds sending-process configuration.
type SenderConfig struct {
	PollInterval time.Duration // How often to rescan the store
	PIDPath      string        // Single-instance lock
	MetricsPath  string        // Empty disables the textfile
}

// SenderDaemon is the main loop of the sending-role process. It drains the
// approved partition and exits once a cycle finds nothing to send.
type SenderDaemon struct {
	config  SenderConfig
	runner  CycleRunner
	metrics MetricsWriter
	logger  *zap.Logger
}

// NewSenderDaemon creates the sending-role loop.
func NewSenderDaemon(config SenderConfig, runner CycleRunner, metrics MetricsWriter, logger *zap.Logger) *SenderDaemon {
	return &SenderDaemon{
		config:  config,
		runner:  runner,
		metrics: metrics,
		logger:  logger,
	}
}

// Run blocks until the store has no approved reports or ctx is done.
// A second sending process exits at once without error.
func (d *SenderDaemon) Run(ctx context.Context) error {
	pidFile, err := infra.AcquirePIDFile(d.config.PIDPath)
	if errors.Is(err, infra.ErrAlreadyRunning) {
		d.logger.Info("sender already running, exiting")
		return nil
	}
	if err != nil {
		return err
	}
	defer pidFile.Release()

	d.logger.Info("sender daemon started", zap.Duration("poll_interval", d.config.PollInterval))

	if !d.cycle(ctx) {
		return nil
	}

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("sender daemon stopping")
			return ctx.Err()

		case <-ticker.C:
			if !d.cycle(ctx) {
				return nil
			}
		}
	}
}

// cycle runs one delivery pass and reports whether to keep polling.
func (d *SenderDaemon) cycle(ctx context.Context) bool {
	res, err := d.runner.RunCycle(ctx)
	d.writeMetrics()

	if err != nil {
		// Store trouble is usually transient (busy, locked); poll again.
		d.logger.Warn("send cycle failed", zap.Error(err))
		return ctx.Err() == nil
	}
	if res.Attempted == 0 {
		d.logger.Info("no approved reports left, sender exiting")
		return false
	}
	return ctx.Err() == nil
}

func (d *SenderDaemon) writeMetrics() {
	if d.metrics == nil || d.config.MetricsPath == "" {
		return
	}
	if err := d.metrics.WriteTextfile(d.config.MetricsPath); err != nil {
		d.logger.Warn("failed to write metrics", zap.Error(err))
	}
}
