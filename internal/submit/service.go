// Package submit accepts messages into the gateway. Submission
// resolves the delivery leg, records the message and its delivery log,
// and hands the message to fragmentation or directly to the send
// queue.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-gateway/internal/fragment"
	"github.com/sirosfoundation/go-gateway/internal/storage"
	"github.com/sirosfoundation/go-gateway/pkg/exchange"
	"github.com/sirosfoundation/go-gateway/pkg/reliability"
)

// ErrDuplicate is returned when the message id is already known.
var ErrDuplicate = errors.New("duplicate message id")

// ContextResolver resolves the exchange context of an outgoing message.
type ContextResolver interface {
	BuildContext(msg *storage.Message, role storage.MSHRole) (*exchange.Context, error)
}

// Dispatcher hands a stored message to the send queue.
type Dispatcher interface {
	EnqueueSend(ctx context.Context, messageID string) error
}

// PullLocker registers a lock for messages delivered by pull.
type PullLocker interface {
	AddPullMessageLock(ctx context.Context, partyID, mpc, messageID string, log *storage.DeliveryLog) error
}

// Service accepts messages for delivery.
type Service struct {
	messages   storage.MessageStore
	logs       storage.DeliveryLogStore
	contexts   ContextResolver
	fragments  *fragment.Coordinator
	dispatcher Dispatcher
	locks      PullLocker
	threshold  int
	logger     *slog.Logger
	now        func() time.Time
}

// Config holds the service's collaborators. Fragments is optional;
// without it oversized payloads are sent whole.
type Config struct {
	Messages   storage.MessageStore
	Logs       storage.DeliveryLogStore
	Contexts   ContextResolver
	Fragments  *fragment.Coordinator
	Dispatcher Dispatcher
	Locks      PullLocker

	// Threshold is the payload size in bytes above which a message is
	// fragmented. Zero disables fragmentation.
	Threshold int

	Logger *slog.Logger
	Now    func() time.Time
}

// NewService creates a submission service.
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
		messages:   cfg.Messages,
		logs:       cfg.Logs,
		contexts:   cfg.Contexts,
		fragments:  cfg.Fragments,
		dispatcher: cfg.Dispatcher,
		locks:      cfg.Locks,
		threshold:  cfg.Threshold,
		logger:     logger,
		now:        now,
	}
}

// Submit accepts a message for delivery. The message id is generated
// when absent. The resolved leg decides the retry budget and whether
// the message waits to be pulled or is pushed from the send queue.
func (s *Service) Submit(ctx context.Context, msg *storage.Message, notify bool) (string, error) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}

	ec, err := s.contexts.BuildContext(msg, storage.RoleSending)
	if err != nil {
		return "", fmt.Errorf("resolving exchange context: %w", err)
	}

	alg := reliability.FromReceptionAwareness(ec.Leg.ReceptionAwareness)
	now := s.now()
	fragmented := !ec.IsPull() && s.fragments != nil &&
		s.threshold > 0 && len(msg.Payload) > s.threshold

	log := &storage.DeliveryLog{
		MessageID:            msg.MessageID,
		Role:                 storage.RoleSending,
		Received:             now,
		SendAttemptsMax:      alg.Count + 1,
		NotificationRequired: notify,
		PModeKey:             ec.PModeKey,
	}
	switch {
	case ec.IsPull():
		log.Status = storage.StatusReadyToPull
	case fragmented:
		// Fragments carry the retry schedule; the source waits for
		// the group outcome.
		log.Status = storage.StatusSendInProgress
	default:
		log.Status = storage.StatusSendEnqueued
		log.NextAttempt = &now
	}

	if err := s.messages.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return "", fmt.Errorf("message %s: %w", msg.MessageID, ErrDuplicate)
		}
		return "", fmt.Errorf("storing message: %w", err)
	}
	if err := s.logs.CreateDeliveryLog(ctx, log); err != nil {
		return "", fmt.Errorf("storing delivery log: %w", err)
	}

	if ec.IsPull() {
		if s.locks != nil {
			if err := s.locks.AddPullMessageLock(ctx, msg.ToPartyID, ec.Mpc, msg.MessageID, log); err != nil {
				return "", fmt.Errorf("creating pull lock: %w", err)
			}
		}
		s.logger.Info("message accepted for pull",
			"message_id", msg.MessageID, "mpc", ec.Mpc)
		return msg.MessageID, nil
	}

	if fragmented {
		group, err := s.fragments.CreateMessageFragments(ctx, msg, s.threshold)
		if err != nil {
			return "", fmt.Errorf("fragmenting message: %w", err)
		}
		s.logger.Info("message accepted and fragmented",
			"message_id", msg.MessageID,
			"group_id", group.GroupID,
			"fragments", group.FragmentCount)
		return msg.MessageID, nil
	}

	if err := s.dispatcher.EnqueueSend(ctx, msg.MessageID); err != nil {
		return "", fmt.Errorf("enqueueing message: %w", err)
	}
	s.logger.Info("message accepted", "message_id", msg.MessageID)
	return msg.MessageID, nil
}
