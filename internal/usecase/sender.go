package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/crash_mon/internal/config"
	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
)

// Sender delivers approved reports to the collector with bounded retry.
// Each report runs in its own goroutine so one in backoff does not hold up
// the rest.
type Sender struct {
	store     domain.ReportStore
	transport domain.Transport
	retry     config.RetryConfig
	backoff   *Backoff
	metrics   domain.MetricsRecorder
	logger    *zap.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSender creates a sender.
func NewSender(
	store domain.ReportStore,
	transport domain.Transport,
	retry config.RetryConfig,
	metrics domain.MetricsRecorder,
	logger *zap.Logger,
) *Sender {
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &Sender{
		store:     store,
		transport: transport,
		retry:     retry,
		backoff:   NewBackoff(retry),
		metrics:   metrics,
		logger:    logger,
		sleep:     sleepContext,
	}
}

// RunCycle delivers every report currently in the approved partition.
func (s *Sender) RunCycle(ctx context.Context) (domain.DeliveryResult, error) {
	cur, err := s.store.List(ctx, domain.StateApproved)
	if err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("failed to list approved reports: %w", err)
	}
	if cur.Len() == 0 {
		return domain.DeliveryResult{}, nil
	}
	return s.Deliver(ctx, cur.All()), nil
}

// Deliver sends reports concurrently and blocks until each one settles:
// delivered, poisoned, or left approved because ctx ended.
func (s *Sender) Deliver(ctx context.Context, reports []domain.Report) domain.DeliveryResult {
	result := domain.DeliveryResult{Attempted: len(reports)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.retry.Concurrency)

	for _, r := range reports {
		r := r
		g.Go(func() error {
			outcome, err := s.deliverOne(ctx, r)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case domain.DeliveryDelivered:
				result.Delivered = append(result.Delivered, r.ID)
			case domain.DeliveryPoisoned:
				result.Poisoned = append(result.Poisoned, r.ID)
			default:
				result.Pending = append(result.Pending, r.ID)
			}
			if err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("report %s: %w", r.ID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("delivery finished",
		zap.Int("attempted", result.Attempted),
		zap.Int("delivered", len(result.Delivered)),
		zap.Int("poisoned", len(result.Poisoned)),
		zap.Int("pending", len(result.Pending)))
	return result
}

// deliverOne drives one report through queued -> sending -> {delivered, failed}
// until it is delivered, poisoned, or ctx ends. The error return carries
// store failures only; transport errors are consumed by the retry loop.
func (s *Sender) deliverOne(ctx context.Context, r domain.Report) (domain.DeliveryState, error) {
	log := s.logger.With(zap.String("report", r.ID))
	attempts := r.Attempts
	lastErr := r.LastError

	for {
		// queued
		if attempts >= s.retry.MaxAttempts {
			log.Warn("retry budget exhausted, poisoning report",
				zap.Int("attempts", attempts),
				zap.String("last_error", lastErr))
			return s.poison(ctx, r.ID)
		}
		if ctx.Err() != nil {
			return domain.DeliveryQueued, nil
		}

		// Persist the attempt before sending so a crash mid-send still counts.
		n, err := s.store.RecordAttempt(ctx, r.ID, lastErr)
		if errors.Is(err, domain.ErrNotFound) {
			log.Debug("report removed before delivery")
			return domain.DeliveryFailed, err
		}
		if err != nil {
			if ctx.Err() != nil {
				return domain.DeliveryQueued, nil
			}
			log.Warn("failed to record delivery attempt", zap.Error(err))
			return domain.DeliveryQueued, err
		}
		attempts = n
		r.Attempts = n

		// sending
		err = s.transport.Send(ctx, r)
		if err == nil {
			s.metrics.DeliveryOutcome(domain.DeliveryDelivered)
			if err := s.store.Delete(ctx, r.ID); err != nil {
				log.Warn("delivered report could not be deleted", zap.Error(err))
				return domain.DeliveryDelivered, err
			}
			log.Debug("report delivered", zap.Int("attempt", attempts))
			return domain.DeliveryDelivered, nil
		}

		// failed
		s.metrics.DeliveryOutcome(domain.DeliveryFailed)
		lastErr = err.Error()
		if errors.Is(err, domain.ErrPermanentDelivery) {
			log.Warn("collector rejected report, poisoning", zap.Error(err))
			return s.poison(ctx, r.ID)
		}
		if ctx.Err() != nil {
			return domain.DeliveryQueued, nil
		}
		if attempts >= s.retry.MaxAttempts {
			log.Warn("final delivery attempt failed, poisoning report",
				zap.Int("attempts", attempts),
				zap.Error(err))
			return s.poison(ctx, r.ID)
		}

		delay := s.backoff.Next(attempts)
		log.Info("delivery failed, will retry",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if err := s.sleep(ctx, delay); err != nil {
			return domain.DeliveryQueued, nil
		}
	}
}

func (s *Sender) poison(ctx context.Context, id string) (domain.DeliveryState, error) {
	if err := s.store.Transition(ctx, id, domain.StatePoisoned); err != nil {
		s.logger.Warn("failed to poison report", zap.String("report", id), zap.Error(err))
		return domain.DeliveryQueued, err
	}
	s.metrics.DeliveryOutcome(domain.DeliveryPoisoned)
	return domain.DeliveryPoisoned, nil
}
