// Package pull coordinates partner-initiated message retrieval. A
// message routed through a pull process gets an exclusive lock keyed by
// message, MPC and pulling party; the lock's state tracks the retrieval
// handshake and stale locks funnel the message into the regular
// terminal-failure path.
package pull

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sirosfoundation/go-gateway/internal/storage"
	"github.com/sirosfoundation/go-gateway/pkg/pmode"
)

// LegResolver resolves the leg configuration behind a pmode key.
type LegResolver interface {
	LegByPModeKey(pmodeKey string) (*pmode.LegConfiguration, error)
}

// Expirer moves a message whose retry window closed into terminal
// failure.
type Expirer interface {
	FailIfExpired(ctx context.Context, messageID string, leg *pmode.LegConfiguration, tolerance time.Duration) (bool, error)
}

// Coordinator manages pull locks.
type Coordinator struct {
	locks   storage.PullLockStore
	logs    storage.DeliveryLogStore
	legs    LegResolver
	expirer Expirer

	dynamicInitiator bool
	receiptWindow    time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// Config holds the coordinator's collaborators and policy.
type Config struct {
	Locks storage.PullLockStore
	Logs  storage.DeliveryLogStore
	Legs  LegResolver

	// Expirer is used by BulkExpirePullMessages; optional when that
	// pass is not scheduled.
	Expirer Expirer

	// DynamicInitiator is the tenant-wide gate allowing pull requests
	// without a configured initiator party.
	DynamicInitiator bool

	// ReceiptWindow is how long a pulled message may wait for its
	// receipt before the lock is reset for another pull.
	ReceiptWindow time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// NewCoordinator creates a pull lock coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		locks:            cfg.Locks,
		logs:             cfg.Logs,
		legs:             cfg.Legs,
		expirer:          cfg.Expirer,
		dynamicInitiator: cfg.DynamicInitiator,
		receiptWindow:    cfg.ReceiptWindow,
		logger:           logger,
		now:              now,
	}
}

// SetExpirer installs the expirer after construction. The retry
// service and the coordinator reference each other, so one of the two
// is wired late.
func (c *Coordinator) SetExpirer(e Expirer) {
	c.expirer = e
}

// AllowDynamicInitiatorInPullProcess reports the tenant-wide gate for
// pull requests without a configured initiator party. Intentionally a
// single tenant-wide setting, not per process.
func (c *Coordinator) AllowDynamicInitiatorInPullProcess() bool {
	return c.dynamicInitiator
}

// AllowDynamicInitiator is a shorthand for
// AllowDynamicInitiatorInPullProcess.
func (c *Coordinator) AllowDynamicInitiator() bool {
	return c.AllowDynamicInitiatorInPullProcess()
}

// AddPullMessageLock makes the message available for pulling by the
// party on the MPC. Idempotent: re-adding an existing lock is a no-op.
func (c *Coordinator) AddPullMessageLock(ctx context.Context, partyID, mpc, messageID string, log *storage.DeliveryLog) error {
	now := c.now()
	expiry := now.Add(c.lockWindow(log))
	created, err := c.locks.AcquirePullLock(ctx, &storage.PullLock{
		MessageID: messageID,
		Mpc:       mpc,
		PartyID:   partyID,
		State:     storage.PullWaitingForPull,
		Created:   now,
		Expiry:    expiry,
	})
	if err != nil {
		return fmt.Errorf("acquiring pull lock for %s: %w", messageID, err)
	}
	if !created {
		c.logger.Debug("pull lock already present", "message_id", messageID, "mpc", mpc)
	}
	return nil
}

// lockWindow derives how long the lock stays valid from the leg's retry
// window, falling back to the receipt window when the leg cannot be
// resolved.
func (c *Coordinator) lockWindow(log *storage.DeliveryLog) time.Duration {
	if log != nil && c.legs != nil {
		leg, err := c.legs.LegByPModeKey(log.PModeKey)
		if err == nil && leg.ReceptionAwareness != nil {
			return leg.ReceptionAwareness.TimeoutDuration()
		}
		if err != nil {
			c.logger.Warn("resolving leg for pull lock window",
				"message_id", log.MessageID,
				"pmode_key", log.PModeKey,
				"error", err)
		}
	}
	return c.receiptWindow
}

// DeletePullMessageLock removes the lock for the message, if any.
func (c *Coordinator) DeletePullMessageLock(ctx context.Context, messageID string) error {
	return c.locks.DeletePullLock(ctx, messageID)
}

// MarkPulled records that the message was handed out to a pull request
// and now awaits its receipt. Returns false when the lock was not in a
// pullable state, which means a concurrent pull won.
func (c *Coordinator) MarkPulled(ctx context.Context, messageID string) (bool, error) {
	won, err := c.locks.TransitionPullLock(ctx, messageID, storage.PullWaitingForPull, storage.PullWaitingForReceipt)
	if err != nil || !won {
		return false, err
	}
	_, err = c.logs.UpdateDeliveryLog(ctx, messageID, func(l *storage.DeliveryLog) error {
		if l.Status != storage.StatusReadyToPull {
			return nil
		}
		l.Status = storage.StatusWaitingForReceipt
		return nil
	})
	if err != nil {
		return true, fmt.Errorf("updating delivery log for pulled message %s: %w", messageID, err)
	}
	return true, nil
}

// MarkReceiptReceived acknowledges the message and releases its lock.
func (c *Coordinator) MarkReceiptReceived(ctx context.Context, messageID string) error {
	_, err := c.logs.UpdateDeliveryLog(ctx, messageID, func(l *storage.DeliveryLog) error {
		if l.Status == storage.StatusDeleted {
			return nil
		}
		l.Status = storage.StatusAcknowledged
		l.NextAttempt = nil
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("acknowledging pulled message %s: %w", messageID, err)
	}
	return c.locks.DeletePullLock(ctx, messageID)
}

// ResetWaitingForReceiptPullMessages recovers messages whose receipt
// never arrived within the receipt window: their locks go back to
// waiting-for-pull so another pull request can retrieve them. A lock
// transitioned by a concurrent node is skipped. Returns the ids reset.
func (c *Coordinator) ResetWaitingForReceiptPullMessages(ctx context.Context) ([]string, error) {
	waiting, err := c.locks.FindPullLocksByState(ctx, storage.PullWaitingForReceipt)
	if err != nil {
		return nil, fmt.Errorf("finding locks waiting for receipt: %w", err)
	}

	now := c.now()
	var reset []string
	for _, lock := range waiting {
		if c.receiptWindow > 0 && now.Before(lock.Created.Add(c.receiptWindow)) {
			continue
		}
		won, err := c.locks.TransitionPullLock(ctx, lock.MessageID, storage.PullWaitingForReceipt, storage.PullWaitingForPull)
		if err != nil {
			c.logger.Error("resetting pull lock", "message_id", lock.MessageID, "error", err)
			continue
		}
		if !won {
			continue
		}
		_, err = c.logs.UpdateDeliveryLog(ctx, lock.MessageID, func(l *storage.DeliveryLog) error {
			if l.Status != storage.StatusWaitingForReceipt {
				return nil
			}
			l.Status = storage.StatusReadyToPull
			return nil
		})
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			c.logger.Error("resetting delivery log of pulled message", "message_id", lock.MessageID, "error", err)
			continue
		}
		reset = append(reset, lock.MessageID)
	}
	return reset, nil
}

// BulkExpirePullMessages stales locks older than their leg's retry
// window and moves the corresponding messages into terminal failure
// through the regular expiration path. Returns the ids expired.
func (c *Coordinator) BulkExpirePullMessages(ctx context.Context) ([]string, error) {
	expired, err := c.locks.FindExpiredPullLocks(ctx, c.now())
	if err != nil {
		return nil, fmt.Errorf("finding expired pull locks: %w", err)
	}

	var staled []string
	for _, lock := range expired {
		leg, err := c.legForMessage(ctx, lock.MessageID)
		if err != nil {
			// The leg can vanish on a configuration reload; the
			// message still has to fail, so the expirer runs without
			// one.
			c.logger.Warn("resolving leg for expired pull message", "message_id", lock.MessageID, "error", err)
			leg = nil
		}
		failed, err := c.expirer.FailIfExpired(ctx, lock.MessageID, leg, 0)
		if err != nil {
			c.logger.Error("expiring pull message", "message_id", lock.MessageID, "error", err)
			continue
		}
		if !failed {
			continue
		}
		// The lock goes STALED only once the message is failed; an
		// interrupted pass leaves it for the next tick.
		c.staleLock(ctx, lock)
		staled = append(staled, lock.MessageID)
	}
	return staled, nil
}

// staleLock transitions the lock to STALED from whichever live state it
// is in. False means another node got there first.
func (c *Coordinator) staleLock(ctx context.Context, lock *storage.PullLock) bool {
	for _, from := range []storage.PullLockState{storage.PullWaitingForPull, storage.PullWaitingForReceipt} {
		won, err := c.locks.TransitionPullLock(ctx, lock.MessageID, from, storage.PullStaled)
		if err != nil {
			c.logger.Error("staling pull lock", "message_id", lock.MessageID, "error", err)
			return false
		}
		if won {
			return true
		}
	}
	return false
}

func (c *Coordinator) legForMessage(ctx context.Context, messageID string) (*pmode.LegConfiguration, error) {
	log, err := c.logs.GetDeliveryLog(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return c.legs.LegByPModeKey(log.PModeKey)
}

// StaledLocks lists locks already marked STALED, for the admin surface.
func (c *Coordinator) StaledLocks(ctx context.Context) ([]*storage.PullLock, error) {
	return c.locks.FindPullLocksByState(ctx, storage.PullStaled)
}
