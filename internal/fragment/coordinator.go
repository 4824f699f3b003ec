// Package fragment splits oversized payloads into ordered fragment
// messages that share one group and are delivered and retried
// independently. The group completes when every fragment is delivered
// and fails on the first definitive fragment failure; group failure is
// propagated once and never retried at the group level.
package fragment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-gateway/internal/storage"
)

// Dispatcher hands a fragment to the outbound work queue.
type Dispatcher interface {
	EnqueueSend(ctx context.Context, messageID string) error
}

// GroupNotifier receives the group-level lifecycle events of a
// fragmented message.
type GroupNotifier interface {
	NotifyGroupCompleted(ctx context.Context, groupID, sourceMessageID string)
	NotifyGroupFailed(ctx context.Context, groupID, sourceMessageID string)
}

// Coordinator manages message groups and their fragments.
type Coordinator struct {
	messages   storage.MessageStore
	logs       storage.DeliveryLogStore
	groups     storage.MessageGroupStore
	dispatcher Dispatcher
	notifier   GroupNotifier
	logger     *slog.Logger
	now        func() time.Time
}

// Config holds the coordinator's collaborators.
type Config struct {
	Messages   storage.MessageStore
	Logs       storage.DeliveryLogStore
	Groups     storage.MessageGroupStore
	Dispatcher Dispatcher
	Notifier   GroupNotifier
	Logger     *slog.Logger
	Now        func() time.Time
}

// NewCoordinator creates a fragmentation coordinator.
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
		messages:   cfg.Messages,
		logs:       cfg.Logs,
		groups:     cfg.Groups,
		dispatcher: cfg.Dispatcher,
		notifier:   cfg.Notifier,
		logger:     logger,
		now:        now,
	}
}

// CreateMessageFragments splits the source message's payload into
// fragments of at most threshold bytes and enqueues each fragment for
// independent delivery. A payload at or below the threshold needs no
// fragmentation and yields a nil group.
func (c *Coordinator) CreateMessageFragments(ctx context.Context, source *storage.Message, threshold int) (*storage.MessageGroup, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("fragmentation threshold must be positive, got %d", threshold)
	}
	if len(source.Payload) <= threshold {
		return nil, nil
	}

	sourceLog, err := c.logs.GetDeliveryLog(ctx, source.MessageID)
	if err != nil {
		return nil, fmt.Errorf("loading delivery log of %s: %w", source.MessageID, err)
	}

	now := c.now()
	count := (len(source.Payload) + threshold - 1) / threshold
	group := &storage.MessageGroup{
		GroupID:         uuid.NewString(),
		SourceMessageID: source.MessageID,
		FragmentCount:   count,
		Created:         now,
	}
	if err := c.groups.CreateMessageGroup(ctx, group); err != nil {
		return nil, fmt.Errorf("creating message group: %w", err)
	}

	for i := 0; i < count; i++ {
		start := i * threshold
		end := start + threshold
		if end > len(source.Payload) {
			end = len(source.Payload)
		}
		fragmentID := fmt.Sprintf("%s-fragment-%d", source.MessageID, i+1)
		fragment := &storage.Message{
			MessageID:       fragmentID,
			ConversationID:  source.ConversationID,
			FromPartyID:     source.FromPartyID,
			ToPartyID:       source.ToPartyID,
			Service:         source.Service,
			Action:          source.Action,
			Agreement:       source.Agreement,
			Mpc:             source.Mpc,
			FinalRecipient:  source.FinalRecipient,
			Payload:         source.Payload[start:end],
			GroupID:         group.GroupID,
			FragmentNumber:  i + 1,
			SourceMessageID: source.MessageID,
		}
		if err := c.messages.CreateMessage(ctx, fragment); err != nil {
			return nil, fmt.Errorf("creating fragment %d: %w", i+1, err)
		}
		if err := c.logs.CreateDeliveryLog(ctx, &storage.DeliveryLog{
			MessageID:            fragmentID,
			Role:                 sourceLog.Role,
			Status:               storage.StatusSendEnqueued,
			SendAttemptsMax:      sourceLog.SendAttemptsMax,
			Received:             now,
			NotificationRequired: false,
			PModeKey:             sourceLog.PModeKey,
		}); err != nil {
			return nil, fmt.Errorf("creating fragment delivery log %d: %w", i+1, err)
		}
		if c.dispatcher != nil {
			if err := c.dispatcher.EnqueueSend(ctx, fragmentID); err != nil {
				c.logger.Error("enqueueing fragment", "message_id", fragmentID, "error", err)
			}
		}
	}

	c.logger.Info("message fragmented",
		"message_id", source.MessageID,
		"group_id", group.GroupID,
		"fragments", count)
	return group, nil
}

// OnFragmentDelivered records a fragment's terminal success. When the
// last fragment arrives the group completes and the source message is
// acknowledged.
func (c *Coordinator) OnFragmentDelivered(ctx context.Context, fragmentID string) error {
	fragment, err := c.fragmentMessage(ctx, fragmentID)
	if err != nil {
		return err
	}

	var completed bool
	group, err := c.groups.UpdateMessageGroup(ctx, fragment.GroupID, func(g *storage.MessageGroup) error {
		completed = false
		for _, id := range g.DeliveredFragmentIDs {
			if id == fragmentID {
				return nil
			}
		}
		g.DeliveredFragmentIDs = append(g.DeliveredFragmentIDs, fragmentID)
		if !g.Failed && len(g.DeliveredFragmentIDs) == g.FragmentCount {
			g.Completed = true
			completed = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("updating group %s: %w", fragment.GroupID, err)
	}

	if completed {
		c.setSourceStatus(ctx, group.SourceMessageID, storage.StatusAcknowledged)
		if c.notifier != nil {
			c.notifier.NotifyGroupCompleted(ctx, group.GroupID, group.SourceMessageID)
		}
	}
	return nil
}

// OnFragmentFailed records a fragment's definitive failure. The first
// failure fails the whole group; later fragment outcomes no longer
// change it.
func (c *Coordinator) OnFragmentFailed(ctx context.Context, fragmentID string) error {
	fragment, err := c.fragmentMessage(ctx, fragmentID)
	if err != nil {
		return err
	}

	var firstFailure bool
	group, err := c.groups.UpdateMessageGroup(ctx, fragment.GroupID, func(g *storage.MessageGroup) error {
		firstFailure = !g.Failed && !g.Completed
		g.Failed = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("updating group %s: %w", fragment.GroupID, err)
	}

	if firstFailure {
		c.setSourceStatus(ctx, group.SourceMessageID, storage.StatusSendFailure)
		if c.notifier != nil {
			c.notifier.NotifyGroupFailed(ctx, group.GroupID, group.SourceMessageID)
		}
	}
	return nil
}

// Group returns the message group by id.
func (c *Coordinator) Group(ctx context.Context, groupID string) (*storage.MessageGroup, error) {
	return c.groups.GetMessageGroup(ctx, groupID)
}

func (c *Coordinator) fragmentMessage(ctx context.Context, fragmentID string) (*storage.Message, error) {
	msg, err := c.messages.GetMessage(ctx, fragmentID)
	if err != nil {
		return nil, fmt.Errorf("loading fragment %s: %w", fragmentID, err)
	}
	if !msg.IsFragment() {
		return nil, fmt.Errorf("message %s is not a fragment", fragmentID)
	}
	return msg, nil
}

func (c *Coordinator) setSourceStatus(ctx context.Context, sourceMessageID string, status storage.MessageStatus) {
	now := c.now()
	_, err := c.logs.UpdateDeliveryLog(ctx, sourceMessageID, func(l *storage.DeliveryLog) error {
		if l.Status == storage.StatusDeleted {
			return nil
		}
		l.Status = status
		l.NextAttempt = nil
		if status == storage.StatusSendFailure {
			failed := now
			l.Failed = &failed
		}
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.logger.Error("updating source message status",
			"message_id", sourceMessageID,
			"status", status,
			"error", err)
	}
}
