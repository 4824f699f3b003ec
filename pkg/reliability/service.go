package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sirosfoundation/go-gateway/internal/storage"
	"github.com/sirosfoundation/go-gateway/pkg/exchange"
	"github.com/sirosfoundation/go-gateway/pkg/pmode"
)

// Notifier tells the submitter about status changes. Calls are
// fire-and-forget: failures are logged, never retried.
type Notifier interface {
	NotifyStatusChange(ctx context.Context, messageID string, status storage.MessageStatus)
}

// ContextResolver re-derives the exchange context of a stored message.
type ContextResolver interface {
	BuildContext(msg *storage.Message, role storage.MSHRole) (*exchange.Context, error)
}

// PullLocker manages pull locks for messages delivered by
// partner-initiated retrieval.
type PullLocker interface {
	AddPullMessageLock(ctx context.Context, partyID, mpc, messageID string, log *storage.DeliveryLog) error
	DeletePullMessageLock(ctx context.Context, messageID string) error
}

// Dispatcher hands a message to the outbound work queue for an
// immediate delivery attempt.
type Dispatcher interface {
	EnqueueSend(ctx context.Context, messageID string) error
}

// Policy carries the tenant-resolved effect switches applied when a
// message reaches terminal failure.
type Policy struct {
	DeleteFailedPayload bool
	NotifyOnFailure     bool
}

// Service is the retry state machine.
type Service struct {
	logs       storage.DeliveryLogStore
	messages   storage.MessageStore
	contexts   ContextResolver
	locks      PullLocker
	dispatcher Dispatcher
	notifier   Notifier
	policy     Policy
	logger     *slog.Logger
	now        func() time.Time
}

// Config holds the service's collaborators. Logs, Messages and Contexts
// are required; the rest degrade to no-ops when absent.
type Config struct {
	Logs       storage.DeliveryLogStore
	Messages   storage.MessageStore
	Contexts   ContextResolver
	Locks      PullLocker
	Dispatcher Dispatcher
	Notifier   Notifier
	Policy     Policy
	Logger     *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewService creates a retry state machine service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		logs:       cfg.Logs,
		messages:   cfg.Messages,
		contexts:   cfg.Contexts,
		locks:      cfg.Locks,
		dispatcher: cfg.Dispatcher,
		notifier:   cfg.Notifier,
		policy:     cfg.Policy,
		logger:     logger,
		now:        now,
	}
}

// UpdateRetryLogging records the outcome of a failed or undetermined
// delivery attempt against the leg's retry policy. The message either
// gets a next attempt scheduled (WAITING_FOR_RETRY) or, when the retry
// window closed or the attempt budget is spent, moves to SEND_FAILURE
// with its terminal effects applied. A message deleted concurrently is
// left untouched.
func (s *Service) UpdateRetryLogging(ctx context.Context, messageID string, leg *pmode.LegConfiguration) error {
	alg := s.algorithmForLeg(leg)
	updated, err := s.logs.UpdateDeliveryLog(ctx, messageID, func(l *storage.DeliveryLog) error {
		if l.Status == storage.StatusDeleted {
			return ErrAlreadyDeleted
		}
		now := s.now()
		baseline := l.ScheduledStart()
		expired := now.After(baseline.Add(alg.Timeout))
		maxReached := l.SendAttempts+1 >= l.SendAttemptsMax
		if expired || maxReached {
			failTerminally(l, now)
			return nil
		}
		l.SendAttempts++
		next := alg.NextAttempt(baseline)
		l.NextAttempt = &next
		l.Status = storage.StatusWaitingForRetry
		return nil
	})
	if errors.Is(err, ErrAlreadyDeleted) {
		s.logger.Debug("retry update skipped, message deleted", "message_id", messageID)
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if updated.Status == storage.StatusSendFailure {
		s.applyTerminalFailureEffects(ctx, updated)
	}
	return nil
}

// MarkDelivered records a successful delivery attempt, acknowledging
// the message. The pull lock, if any, is released. A message deleted
// concurrently is left untouched.
func (s *Service) MarkDelivered(ctx context.Context, messageID string) error {
	updated, err := s.logs.UpdateDeliveryLog(ctx, messageID, func(l *storage.DeliveryLog) error {
		if l.Status == storage.StatusDeleted {
			return ErrAlreadyDeleted
		}
		if l.Status.IsTerminal() {
			return fmt.Errorf("%w: status %s", ErrInvalidState, l.Status)
		}
		l.SendAttempts++
		l.Status = storage.StatusAcknowledged
		l.NextAttempt = nil
		return nil
	})
	if errors.Is(err, ErrAlreadyDeleted) {
		s.logger.Debug("delivery record skipped, message deleted", "message_id", messageID)
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if s.locks != nil {
		if err := s.locks.DeletePullMessageLock(ctx, messageID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error("deleting pull lock of delivered message", "message_id", messageID, "error", err)
		}
	}
	if s.notifier != nil && updated.NotificationRequired {
		s.notifier.NotifyStatusChange(ctx, messageID, storage.StatusAcknowledged)
	}
	return nil
}

// FailIfExpired moves the message to SEND_FAILURE when its retry window
// closed more than tolerance ago, and reports whether it did. Used by
// the periodic scan to purge timed-out messages before scheduling
// retries.
func (s *Service) FailIfExpired(ctx context.Context, messageID string, leg *pmode.LegConfiguration, tolerance time.Duration) (bool, error) {
	alg := s.algorithmForLeg(leg)
	updated, err := s.logs.UpdateDeliveryLog(ctx, messageID, func(l *storage.DeliveryLog) error {
		if l.Status == storage.StatusDeleted {
			return ErrAlreadyDeleted
		}
		if l.Status.IsTerminal() || l.Status == storage.StatusSendFailure {
			return ErrInvalidState
		}
		now := s.now()
		deadline := l.ScheduledStart().Add(alg.Timeout + tolerance)
		if !now.After(deadline) {
			return ErrInvalidState
		}
		failTerminally(l, now)
		return nil
	})
	if errors.Is(err, ErrAlreadyDeleted) || errors.Is(err, ErrInvalidState) {
		return false, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	s.applyTerminalFailureEffects(ctx, updated)
	return true, nil
}

// RestoreFailedMessage brings a SEND_FAILURE message back into
// delivery. The attempt budget is recomputed additively from the
// current leg policy, so a restore always grants a fresh budget on top
// of whatever remained; the maximum never decreases. A message whose
// exchange context resolves to pull gets a pull lock instead of being
// re-enqueued for push; errors on that pull path are logged and
// swallowed, without falling back to push.
func (s *Service) RestoreFailedMessage(ctx context.Context, messageID string) error {
	msg, err := s.messages.GetMessage(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	ec, err := s.contexts.BuildContext(msg, storage.RoleSending)
	if err != nil {
		return fmt.Errorf("resolving exchange context for %s: %w", messageID, err)
	}
	alg := s.algorithmForLeg(ec.Leg)

	updated, err := s.logs.UpdateDeliveryLog(ctx, messageID, func(l *storage.DeliveryLog) error {
		if l.Status == storage.StatusDeleted {
			return ErrAlreadyDeleted
		}
		if l.Status != storage.StatusSendFailure {
			return ErrInvalidState
		}
		now := s.now()
		l.SendAttemptsMax = l.SendAttemptsMax + alg.Count + 1
		l.Failed = nil
		restored := now
		l.Restored = &restored
		next := now
		l.NextAttempt = &next
		if ec.IsPull() {
			l.Status = storage.StatusReadyToPull
		} else {
			l.Status = storage.StatusWaitingForRetry
		}
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	s.logger.Info("message restored",
		"message_id", messageID,
		"status", updated.Status,
		"send_attempts_max", updated.SendAttemptsMax)

	if ec.IsPull() {
		if s.locks == nil {
			s.logger.Error("restored pull message but no pull locker configured", "message_id", messageID)
			return nil
		}
		if err := s.locks.AddPullMessageLock(ctx, msg.ToPartyID, ec.Mpc, messageID, updated); err != nil {
			s.logger.Error("adding pull lock for restored message",
				"message_id", messageID,
				"mpc", ec.Mpc,
				"error", err)
		}
		return nil
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.EnqueueSend(ctx, messageID); err != nil {
			s.logger.Error("enqueueing restored message", "message_id", messageID, "error", err)
		}
	}
	return nil
}

// RestoreFailedMessagesDuringPeriod restores every message that failed
// within [start, end]. Per-message errors are logged and skipped; the
// returned ids are the messages actually restored.
func (s *Service) RestoreFailedMessagesDuringPeriod(ctx context.Context, start, end time.Time) ([]string, error) {
	ids, err := s.logs.FindByStatus(ctx, storage.StatusSendFailure, 0)
	if err != nil {
		return nil, err
	}

	var restored []string
	for _, id := range ids {
		l, err := s.logs.GetDeliveryLog(ctx, id)
		if err != nil {
			s.logger.Error("loading delivery log during bulk restore", "message_id", id, "error", err)
			continue
		}
		if l.Failed == nil || l.Failed.Before(start) || l.Failed.After(end) {
			continue
		}
		if err := s.RestoreFailedMessage(ctx, id); err != nil {
			s.logger.Error("restoring message during bulk restore", "message_id", id, "error", err)
			continue
		}
		restored = append(restored, id)
	}
	return restored, nil
}

// SendEnqueuedMessage re-triggers immediate dispatch of a message stuck
// in SEND_ENQUEUED without touching its attempt counters.
func (s *Service) SendEnqueuedMessage(ctx context.Context, messageID string) error {
	_, err := s.logs.UpdateDeliveryLog(ctx, messageID, func(l *storage.DeliveryLog) error {
		if l.Status == storage.StatusDeleted {
			return ErrAlreadyDeleted
		}
		if l.Status != storage.StatusSendEnqueued {
			return fmt.Errorf("%w: status %s", ErrInvalidState, l.Status)
		}
		next := s.now()
		l.NextAttempt = &next
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.EnqueueSend(ctx, messageID); err != nil {
			return fmt.Errorf("enqueueing message %s: %w", messageID, err)
		}
	}
	return nil
}

// ResendFailedOrSendEnqueuedMessage dispatches on the current status:
// SEND_ENQUEUED re-triggers immediate dispatch, anything else goes
// through RestoreFailedMessage. Unknown or deleted messages fail with
// ErrNotFound.
func (s *Service) ResendFailedOrSendEnqueuedMessage(ctx context.Context, messageID string) error {
	l, err := s.logs.GetDeliveryLog(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	switch l.Status {
	case storage.StatusDeleted:
		return ErrNotFound
	case storage.StatusSendEnqueued:
		return s.SendEnqueuedMessage(ctx, messageID)
	default:
		return s.RestoreFailedMessage(ctx, messageID)
	}
}

// DeleteFailedMessage deletes a message currently in SEND_FAILURE.
func (s *Service) DeleteFailedMessage(ctx context.Context, messageID string) error {
	return s.delete(ctx, messageID, true)
}

// DeleteMessage deletes a message regardless of its current status.
// Deletion is the only cancellation mechanism: an in-flight attempt is
// not interrupted, but no further attempt is scheduled.
func (s *Service) DeleteMessage(ctx context.Context, messageID string) error {
	return s.delete(ctx, messageID, false)
}

func (s *Service) delete(ctx context.Context, messageID string, requireFailed bool) error {
	updated, err := s.logs.UpdateDeliveryLog(ctx, messageID, func(l *storage.DeliveryLog) error {
		if l.Status == storage.StatusDeleted {
			return ErrAlreadyDeleted
		}
		if requireFailed && l.Status != storage.StatusSendFailure {
			return fmt.Errorf("%w: status %s", ErrInvalidState, l.Status)
		}
		l.Status = storage.StatusDeleted
		l.NextAttempt = nil
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if err := s.messages.ClearPayload(ctx, messageID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error("clearing payload of deleted message", "message_id", messageID, "error", err)
	}
	if s.locks != nil {
		if err := s.locks.DeletePullMessageLock(ctx, messageID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error("deleting pull lock of deleted message", "message_id", messageID, "error", err)
		}
	}
	if s.notifier != nil && updated.NotificationRequired {
		s.notifier.NotifyStatusChange(ctx, messageID, storage.StatusDeleted)
	}
	return nil
}

// FailedMessageElapsedTime returns how long ago the message reached
// SEND_FAILURE.
func (s *Service) FailedMessageElapsedTime(ctx context.Context, messageID string) (time.Duration, error) {
	l, err := s.logs.GetDeliveryLog(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if l.Status != storage.StatusSendFailure || l.Failed == nil {
		return 0, fmt.Errorf("%w: message %s is not failed", ErrInvalidState, messageID)
	}
	return s.now().Sub(*l.Failed), nil
}

func (s *Service) algorithmForLeg(leg *pmode.LegConfiguration) RetryAlgorithm {
	var alg RetryAlgorithm
	if leg != nil {
		alg = FromReceptionAwareness(leg.ReceptionAwareness)
	} else {
		alg = FromReceptionAwareness(nil)
	}
	if !alg.Known() {
		s.logger.Warn("unknown retry algorithm, using constant interval", "algorithm", alg.Kind)
	}
	return alg
}

func failTerminally(l *storage.DeliveryLog, now time.Time) {
	l.Status = storage.StatusSendFailure
	failed := now
	l.Failed = &failed
	l.NextAttempt = nil
}

// applyTerminalFailureEffects runs the policy-gated side effects of a
// terminal failure. Effects are external collaborators and are never
// retried when they fail.
func (s *Service) applyTerminalFailureEffects(ctx context.Context, l *storage.DeliveryLog) {
	s.logger.Warn("message delivery failed terminally",
		"message_id", l.MessageID,
		"send_attempts", l.SendAttempts,
		"send_attempts_max", l.SendAttemptsMax)

	if s.policy.DeleteFailedPayload {
		if err := s.messages.ClearPayload(ctx, l.MessageID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error("clearing payload of failed message", "message_id", l.MessageID, "error", err)
		}
	}
	if s.policy.NotifyOnFailure && l.NotificationRequired && s.notifier != nil {
		s.notifier.NotifyStatusChange(ctx, l.MessageID, storage.StatusSendFailure)
	}
}
