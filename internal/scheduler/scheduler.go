// Package scheduler drives the periodic maintenance passes of the
// gateway: scheduling due retries, purging expired messages and
// recovering pull deliveries. Externally triggered operations race
// against these passes; every mutation goes through the same atomic
// delivery-log updates, so the races resolve to one winner.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sirosfoundation/go-gateway/internal/queue"
	"github.com/sirosfoundation/go-gateway/internal/storage"
	"github.com/sirosfoundation/go-gateway/pkg/pmode"
)

// LegResolver resolves the leg configuration behind a pmode key.
type LegResolver interface {
	LegByPModeKey(pmodeKey string) (*pmode.LegConfiguration, error)
}

// RetryService is the slice of the retry state machine the scheduler
// needs.
type RetryService interface {
	FailIfExpired(ctx context.Context, messageID string, leg *pmode.LegConfiguration, tolerance time.Duration) (bool, error)
}

// PullCoordinator runs the pull recovery passes.
type PullCoordinator interface {
	ResetWaitingForReceiptPullMessages(ctx context.Context) ([]string, error)
	BulkExpirePullMessages(ctx context.Context) ([]string, error)
}

// Scheduler runs the periodic maintenance tick.
type Scheduler struct {
	logs  storage.DeliveryLogStore
	queue queue.Queue
	legs  LegResolver
	retry RetryService
	pull  PullCoordinator

	tickInterval time.Duration
	tickTimeout  time.Duration
	tolerance    time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// Config holds the scheduler's collaborators and timing.
type Config struct {
	Logs  storage.DeliveryLogStore
	Queue queue.Queue
	Legs  LegResolver
	Retry RetryService

	// Pull is optional; without it the pull passes are skipped.
	Pull PullCoordinator

	TickInterval time.Duration
	TickTimeout  time.Duration

	// Tolerance widens the expiry check so a message is not purged
	// while a scheduled attempt may still be in flight.
	Tolerance time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	tickInterval := cfg.TickInterval
	if tickInterval == 0 {
		tickInterval = 30 * time.Second
	}
	tickTimeout := cfg.TickTimeout
	if tickTimeout == 0 {
		tickTimeout = tickInterval
	}
	return &Scheduler{
		logs:         cfg.Logs,
		queue:        cfg.Queue,
		legs:         cfg.Legs,
		retry:        cfg.Retry,
		pull:         cfg.Pull,
		tickInterval: tickInterval,
		tickTimeout:  tickTimeout,
		tolerance:    cfg.Tolerance,
		logger:       logger,
		now:          now,
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick runs one maintenance pass: the retry scan and the two pull
// recovery passes, concurrently, bounded by the tick timeout.
func (s *Scheduler) Tick(ctx context.Context) error {
	tickCtx, cancel := context.WithTimeout(ctx, s.tickTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(tickCtx)
	g.Go(func() error {
		return s.retryPass(gctx)
	})
	if s.pull != nil {
		g.Go(func() error {
			reset, err := s.pull.ResetWaitingForReceiptPullMessages(gctx)
			if err != nil {
				return fmt.Errorf("pull receipt reset: %w", err)
			}
			if len(reset) > 0 {
				s.logger.Info("pull messages reset for another pull", "count", len(reset))
			}
			return nil
		})
		g.Go(func() error {
			expired, err := s.pull.BulkExpirePullMessages(gctx)
			if err != nil {
				return fmt.Errorf("pull expiry: %w", err)
			}
			if len(expired) > 0 {
				s.logger.Info("pull messages expired", "count", len(expired))
			}
			return nil
		})
	}
	return g.Wait()
}

// retryPass purges timed-out messages first, then enqueues the due ones
// that are not already in the outbound queue. The browse-then-enqueue
// check is best-effort: delivery is at-least-once, not exactly-once.
func (s *Scheduler) retryPass(ctx context.Context) error {
	due, err := s.logs.FindRetryDue(ctx, s.now())
	if err != nil {
		return fmt.Errorf("finding due retries: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	browsed, err := s.queue.Browse(ctx, queue.CommandSend)
	if err != nil {
		return fmt.Errorf("browsing send queue: %w", err)
	}
	queued := make(map[string]bool, len(browsed))
	for _, id := range browsed {
		queued[id] = true
	}

	for _, id := range due {
		leg, err := s.legFor(ctx, id)
		if err != nil {
			s.logger.Error("resolving leg for due message", "message_id", id, "error", err)
			continue
		}
		expired, err := s.retry.FailIfExpired(ctx, id, leg, s.tolerance)
		if err != nil {
			s.logger.Error("purging expired message", "message_id", id, "error", err)
			continue
		}
		if expired {
			continue
		}
		if queued[id] {
			continue
		}
		if err := s.enqueueRetry(ctx, id); err != nil {
			s.logger.Error("enqueueing retry", "message_id", id, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) enqueueRetry(ctx context.Context, messageID string) error {
	_, err := s.logs.UpdateDeliveryLog(ctx, messageID, func(l *storage.DeliveryLog) error {
		if l.Status != storage.StatusWaitingForRetry && l.Status != storage.StatusSendEnqueued {
			return fmt.Errorf("message %s no longer retryable, status %s", messageID, l.Status)
		}
		l.Status = storage.StatusSendEnqueued
		return nil
	})
	if err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, queue.CommandSend, messageID)
}

func (s *Scheduler) legFor(ctx context.Context, messageID string) (*pmode.LegConfiguration, error) {
	log, err := s.logs.GetDeliveryLog(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return s.legs.LegByPModeKey(log.PModeKey)
}
