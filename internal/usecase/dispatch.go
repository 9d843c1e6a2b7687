package usecase

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
)

// AsyncDispatcher implements domain.Dispatcher by delivering from a goroutine
// of the current process. Dispatch never blocks the caller.
type AsyncDispatcher struct {
	sender *Sender
	logger *zap.Logger

	// ctx outlives any single Dispatch call; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewAsyncDispatcher creates a dispatcher backed by sender.
func NewAsyncDispatcher(sender *Sender, logger *zap.Logger) *AsyncDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncDispatcher{
		sender:   sender,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(map[string]bool),
	}
}

// Dispatch hands reports to the sender and returns at once. Reports already
// being delivered by this dispatcher are skipped. The caller's ctx only
// gates the hand-off, not the delivery itself.
func (d *AsyncDispatcher) Dispatch(ctx context.Context, reports []domain.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	batch := make([]domain.Report, 0, len(reports))
	for _, r := range reports {
		if d.inFlight[r.ID] {
			continue
		}
		d.inFlight[r.ID] = true
		batch = append(batch, r)
	}
	d.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.release(batch)

		result := d.sender.Deliver(d.ctx, batch)
		for _, err := range result.Errors {
			d.logger.Warn("async delivery error", zap.Error(err))
		}
	}()
	return nil
}

func (d *AsyncDispatcher) release(batch []domain.Report) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range batch {
		delete(d.inFlight, r.ID)
	}
}

// Wait blocks until every dispatched batch has settled.
func (d *AsyncDispatcher) Wait() {
	d.wg.Wait()
}

// Close abandons in-flight retries and waits for the goroutines to return.
// Unsent reports stay approved for the next launch.
func (d *AsyncDispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// Ensure AsyncDispatcher implements domain.Dispatcher.
var _ domain.Dispatcher = (*AsyncDispatcher)(nil)
