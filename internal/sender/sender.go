// Package sender drains the outbound work queue and drives delivery
// attempts.
//
// Each attempt resolves the message's exchange context, looks up the
// receiver's endpoint in the active configuration, and hands the
// message to the transport. A successful attempt acknowledges the
// message; a failed one is reported to the retry state machine, which
// either schedules the next attempt or fails the message terminally.
// Fragment outcomes are additionally reported to the fragmentation
// coordinator so the group can complete or fail.
//
// The worker processes entries sequentially within each polling batch.
// Multiple workers can run concurrently; the per-message optimistic
// update in the delivery log store prevents double counting.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sirosfoundation/go-gateway/internal/queue"
	"github.com/sirosfoundation/go-gateway/internal/storage"
	"github.com/sirosfoundation/go-gateway/pkg/exchange"
	"github.com/sirosfoundation/go-gateway/pkg/pmode"
)

// Transport delivers a message to a partner endpoint. A nil return
// means the receiver acknowledged the message.
type Transport interface {
	Send(ctx context.Context, endpoint string, msg *storage.Message) error
}

// ContextResolver resolves the exchange context of an outgoing message.
type ContextResolver interface {
	BuildContext(msg *storage.Message, role storage.MSHRole) (*exchange.Context, error)
}

// PartyResolver looks parties up in the active configuration.
type PartyResolver interface {
	PartyByIdentifier(partyID string) *pmode.Party
}

// RetryReporter records attempt outcomes against the retry state
// machine.
type RetryReporter interface {
	MarkDelivered(ctx context.Context, messageID string) error
	UpdateRetryLogging(ctx context.Context, messageID string, leg *pmode.LegConfiguration) error
}

// FragmentReporter records fragment outcomes against the group.
type FragmentReporter interface {
	OnFragmentDelivered(ctx context.Context, fragmentID string) error
	OnFragmentFailed(ctx context.Context, fragmentID string) error
}

// Sender is the background delivery worker.
type Sender struct {
	queue     queue.Queue
	messages  storage.MessageStore
	logs      storage.DeliveryLogStore
	contexts  ContextResolver
	parties   PartyResolver
	transport Transport
	retry     RetryReporter
	fragments FragmentReporter
	logger    *slog.Logger

	pollInterval time.Duration
	batchSize    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds the sender's collaborators. Fragments is optional.
type Config struct {
	Queue     queue.Queue
	Messages  storage.MessageStore
	Logs      storage.DeliveryLogStore
	Contexts  ContextResolver
	Parties   PartyResolver
	Transport Transport
	Retry     RetryReporter
	Fragments FragmentReporter

	PollInterval time.Duration
	BatchSize    int

	Logger *slog.Logger
}

// NewSender creates a background delivery worker.
func NewSender(cfg Config) *Sender {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = 5 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 10
	}
	return &Sender{
		queue:        cfg.Queue,
		messages:     cfg.Messages,
		logs:         cfg.Logs,
		contexts:     cfg.Contexts,
		parties:      cfg.Parties,
		transport:    cfg.Transport,
		retry:        cfg.Retry,
		fragments:    cfg.Fragments,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

// Start begins background message processing.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Info("sender started", "poll_interval", s.pollInterval)
}

// Stop gracefully stops the sender.
func (s *Sender) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("sender stopped")
}

func (s *Sender) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch dequeues and delivers up to the configured batch size.
// It returns the number of entries processed.
func (s *Sender) ProcessBatch(ctx context.Context) int {
	processed := 0
	for processed < s.batchSize {
		entry, ok, err := s.queue.Dequeue(ctx, queue.CommandSend)
		if err != nil {
			s.logger.Error("dequeueing send work", "error", err)
			return processed
		}
		if !ok {
			return processed
		}
		processed++
		s.deliver(ctx, entry.MessageID)
	}
	return processed
}

func (s *Sender) deliver(ctx context.Context, messageID string) {
	log := s.logger.With("message_id", messageID)

	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		log.Error("loading message", "error", err)
		return
	}

	claimed, err := s.claim(ctx, messageID)
	if err != nil {
		log.Error("claiming message", "error", err)
		return
	}
	if !claimed {
		log.Debug("message no longer sendable, skipping")
		return
	}

	ec, err := s.contexts.BuildContext(msg, storage.RoleSending)
	if err != nil {
		log.Error("resolving exchange context", "error", err)
		s.recordFailure(ctx, msg, nil)
		return
	}

	endpoint, err := s.endpointFor(msg)
	if err != nil {
		log.Error("resolving endpoint", "error", err)
		s.recordFailure(ctx, msg, ec.Leg)
		return
	}

	if err := s.transport.Send(ctx, endpoint, msg); err != nil {
		log.Warn("delivery attempt failed", "endpoint", endpoint, "error", err)
		s.recordFailure(ctx, msg, ec.Leg)
		return
	}

	log.Info("message delivered", "endpoint", endpoint)
	if err := s.retry.MarkDelivered(ctx, messageID); err != nil {
		log.Error("recording delivery", "error", err)
		return
	}
	if s.fragments != nil && msg.IsFragment() {
		if err := s.fragments.OnFragmentDelivered(ctx, messageID); err != nil {
			log.Error("recording fragment delivery", "error", err)
		}
	}
}

// claim moves the message to SEND_IN_PROGRESS. It reports false when
// the message is not in a sendable state, which happens when the entry
// is stale: the message was delivered, deleted, or failed since it was
// queued.
func (s *Sender) claim(ctx context.Context, messageID string) (bool, error) {
	_, err := s.logs.UpdateDeliveryLog(ctx, messageID, func(l *storage.DeliveryLog) error {
		switch l.Status {
		case storage.StatusSendEnqueued, storage.StatusWaitingForRetry, storage.StatusReadyToSend:
			l.Status = storage.StatusSendInProgress
			return nil
		default:
			return errNotSendable
		}
	})
	if errors.Is(err, errNotSendable) || errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

var errNotSendable = errors.New("message not in a sendable state")

func (s *Sender) endpointFor(msg *storage.Message) (string, error) {
	party := s.parties.PartyByIdentifier(msg.ToPartyID)
	if party == nil {
		return "", fmt.Errorf("party %s not in the active configuration", msg.ToPartyID)
	}
	if party.Endpoint == "" {
		return "", fmt.Errorf("party %s has no endpoint configured", party.Name)
	}
	return party.Endpoint, nil
}

func (s *Sender) recordFailure(ctx context.Context, msg *storage.Message, leg *pmode.LegConfiguration) {
	log := s.logger.With("message_id", msg.MessageID)

	if err := s.retry.UpdateRetryLogging(ctx, msg.MessageID, leg); err != nil {
		log.Error("recording failed attempt", "error", err)
		return
	}
	if s.fragments == nil || !msg.IsFragment() {
		return
	}

	// The retry update decides whether the failure was terminal; only
	// a terminal failure counts against the group.
	updated, err := s.logs.GetDeliveryLog(ctx, msg.MessageID)
	if err != nil {
		log.Error("loading delivery log after failed attempt", "error", err)
		return
	}
	if updated.Status == storage.StatusSendFailure {
		if err := s.fragments.OnFragmentFailed(ctx, msg.MessageID); err != nil {
			log.Error("recording fragment failure", "error", err)
		}
	}
}
