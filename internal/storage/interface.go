// Package storage provides data storage interfaces and implementations
// for the exchange gateway.
//
// # Interface Design
//
// The storage layer is organized into focused interfaces:
//
//   - [MessageStore]: business attributes and payloads of accepted messages
//   - [DeliveryLogStore]: per-message delivery state driven by the retry machine
//   - [PullLockStore]: ready-to-be-pulled markers for partner-initiated retrieval
//   - [MessageGroupStore]: fragment groups for split-and-join deliveries
//
// The [Store] interface combines all sub-stores for convenience.
//
// # Implementations
//
// The mongodb sub-package provides a production-ready MongoDB
// implementation; the memory sub-package backs tests and single-node
// deployments.
//
// # Concurrency
//
// All store implementations must be safe for concurrent use from
// multiple goroutines. Delivery-log mutation is per-message-exclusive:
// UpdateDeliveryLog applies its mutate function in a read-modify-write
// cycle guarded by optimistic versioning, so a concurrent loser
// observes the winner's already-updated state and re-runs its mutate
// against it rather than overwriting.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by conditional updates that lost their race
// and could not be retried.
var ErrConflict = errors.New("conflicting concurrent update")

// Store is the main storage interface combining all sub-stores
type Store interface {
	MessageStore
	DeliveryLogStore
	PullLockStore
	MessageGroupStore

	// Close releases storage resources
	Close(ctx context.Context) error

	// Ping checks connectivity
	Ping(ctx context.Context) error
}

// MSHRole distinguishes the gateway's role for one message.
type MSHRole string

const (
	RoleSending   MSHRole = "sending"
	RoleReceiving MSHRole = "receiving"
)

// MessageStatus is the delivery lifecycle state of a message.
type MessageStatus string

const (
	StatusReadyToSend       MessageStatus = "READY_TO_SEND"
	StatusSendEnqueued      MessageStatus = "SEND_ENQUEUED"
	StatusSendInProgress    MessageStatus = "SEND_IN_PROGRESS"
	StatusWaitingForRetry   MessageStatus = "WAITING_FOR_RETRY"
	StatusWaitingForReceipt MessageStatus = "WAITING_FOR_RECEIPT"
	StatusReadyToPull       MessageStatus = "READY_TO_PULL"
	StatusAcknowledged      MessageStatus = "ACKNOWLEDGED"
	StatusSendFailure       MessageStatus = "SEND_FAILURE"
	StatusDeleted           MessageStatus = "DELETED"
)

// IsTerminal reports whether no further delivery attempts may be
// scheduled from this status. ACKNOWLEDGED is terminal for delivery but
// may still be explicitly deleted later.
func (s MessageStatus) IsTerminal() bool {
	return s == StatusDeleted || s == StatusAcknowledged
}

// Message carries the business attributes of an accepted message. The
// attributes are what the exchange context builder needs to re-derive
// the delivery leg; the payload is opaque.
type Message struct {
	MessageID      string  `bson:"_id" json:"messageId"`
	ConversationID string  `bson:"conversation_id" json:"conversationId"`
	FromPartyID    string  `bson:"from_party_id" json:"fromPartyId"`
	ToPartyID      string  `bson:"to_party_id" json:"toPartyId"`
	Service        string  `bson:"service" json:"service"`
	Action         string  `bson:"action" json:"action"`
	Agreement      string  `bson:"agreement,omitempty" json:"agreement,omitempty"`
	Mpc            string  `bson:"mpc,omitempty" json:"mpc,omitempty"`
	FinalRecipient string  `bson:"final_recipient,omitempty" json:"finalRecipient,omitempty"`
	Payload        []byte  `bson:"payload,omitempty" json:"-"`
	PayloadCleared bool    `bson:"payload_cleared" json:"payloadCleared"`

	// Fragmentation
	GroupID         string `bson:"group_id,omitempty" json:"groupId,omitempty"`
	FragmentNumber  int    `bson:"fragment_number,omitempty" json:"fragmentNumber,omitempty"`
	SourceMessageID string `bson:"source_message_id,omitempty" json:"sourceMessageId,omitempty"`
}

// IsFragment reports whether the message is part of a fragment group.
func (m *Message) IsFragment() bool {
	return m.GroupID != "" && m.SourceMessageID != ""
}

// MessageStore manages accepted messages
type MessageStore interface {
	// CreateMessage stores a new message
	CreateMessage(ctx context.Context, msg *Message) error

	// GetMessage retrieves a message by ID
	GetMessage(ctx context.Context, messageID string) (*Message, error)

	// ClearPayload drops the payload bytes of a message, keeping its
	// business attributes. Idempotent.
	ClearPayload(ctx context.Context, messageID string) error

	// DeleteMessage removes a message
	DeleteMessage(ctx context.Context, messageID string) error
}

// DeliveryLog is the per-message delivery state mutated by the retry
// state machine. Once Status reaches DELETED the record is never
// mutated again.
type DeliveryLog struct {
	MessageID       string        `bson:"_id" json:"messageId"`
	Role            MSHRole       `bson:"role" json:"role"`
	Status          MessageStatus `bson:"status" json:"status"`
	SendAttempts    int           `bson:"send_attempts" json:"sendAttempts"`
	SendAttemptsMax int           `bson:"send_attempts_max" json:"sendAttemptsMax"`

	Received    time.Time  `bson:"received" json:"received"`
	Restored    *time.Time `bson:"restored,omitempty" json:"restored,omitempty"`
	Failed      *time.Time `bson:"failed,omitempty" json:"failed,omitempty"`
	NextAttempt *time.Time `bson:"next_attempt,omitempty" json:"nextAttempt,omitempty"`

	// NotificationRequired mirrors the submitter's request to be told
	// about terminal status changes.
	NotificationRequired bool `bson:"notification_required" json:"notificationRequired"`

	// PModeKey is the key of the leg resolved when the message was
	// accepted; the retry machine re-derives policy from it.
	PModeKey string `bson:"pmode_key" json:"pmodeKey"`

	// Version guards optimistic concurrency; managed by the store.
	Version int64 `bson:"version" json:"-"`
}

// ScheduledStart returns the baseline for retry computations: the
// restored timestamp when present, the received timestamp otherwise.
func (l *DeliveryLog) ScheduledStart() time.Time {
	if l.Restored != nil {
		return *l.Restored
	}
	return l.Received
}

// DeliveryLogStore manages delivery logs
type DeliveryLogStore interface {
	// CreateDeliveryLog stores a new delivery log
	CreateDeliveryLog(ctx context.Context, log *DeliveryLog) error

	// GetDeliveryLog retrieves a delivery log by message ID
	GetDeliveryLog(ctx context.Context, messageID string) (*DeliveryLog, error)

	// UpdateDeliveryLog applies mutate to the current record as a
	// single atomic read-modify-write. mutate may be invoked more than
	// once when the update races with another writer; it must derive
	// everything from the record it is handed. Returning an error from
	// mutate aborts the update and propagates the error unchanged.
	UpdateDeliveryLog(ctx context.Context, messageID string, mutate func(*DeliveryLog) error) (*DeliveryLog, error)

	// FindRetryDue returns the message IDs in WAITING_FOR_RETRY or
	// SEND_ENQUEUED with attempts remaining and a next-attempt time at
	// or before now.
	FindRetryDue(ctx context.Context, now time.Time) ([]string, error)

	// FindByStatus returns the message IDs currently in the given
	// status, oldest first, up to limit (0 = no limit).
	FindByStatus(ctx context.Context, status MessageStatus, limit int) ([]string, error)
}

// PullLockState is the lifecycle state of a pull lock.
type PullLockState string

const (
	PullWaitingForPull    PullLockState = "WAITING_FOR_PULL"
	PullWaitingForReceipt PullLockState = "WAITING_FOR_RECEIPT"
	PullStaled            PullLockState = "STALED"
)

// PullLock marks one message as retrievable by one party from one MPC.
// The (MessageID, Mpc, PartyID) triple is unique.
type PullLock struct {
	MessageID string        `bson:"message_id" json:"messageId"`
	Mpc       string        `bson:"mpc" json:"mpc"`
	PartyID   string        `bson:"party_id" json:"partyId"`
	State     PullLockState `bson:"state" json:"state"`
	Created   time.Time     `bson:"created" json:"created"`

	// Expiry is when the lock goes stale, derived from the leg's retry
	// timeout at creation.
	Expiry time.Time `bson:"expiry" json:"expiry"`
}

// PullLockStore manages pull locks
type PullLockStore interface {
	// AcquirePullLock creates the lock if no lock exists for its
	// (message, mpc, party) key. Returns false when the lock already
	// existed; that is not an error.
	AcquirePullLock(ctx context.Context, lock *PullLock) (bool, error)

	// GetPullLock retrieves the lock for a message
	GetPullLock(ctx context.Context, messageID string) (*PullLock, error)

	// TransitionPullLock moves the lock from one state to another.
	// Returns false when the lock is not currently in from; the caller
	// lost the race and must not proceed.
	TransitionPullLock(ctx context.Context, messageID string, from, to PullLockState) (bool, error)

	// DeletePullLock removes the lock for a message. Deleting an
	// absent lock is a no-op.
	DeletePullLock(ctx context.Context, messageID string) error

	// FindPullLocksByState returns locks in the given state
	FindPullLocksByState(ctx context.Context, state PullLockState) ([]*PullLock, error)

	// FindExpiredPullLocks returns locks whose expiry is at or before
	// now, in any non-staled state
	FindExpiredPullLocks(ctx context.Context, now time.Time) ([]*PullLock, error)
}

// MessageGroup tracks the fragments of one split message.
type MessageGroup struct {
	GroupID         string    `bson:"_id" json:"groupId"`
	SourceMessageID string    `bson:"source_message_id" json:"sourceMessageId"`
	FragmentCount   int       `bson:"fragment_count" json:"fragmentCount"`
	Created         time.Time `bson:"created" json:"created"`

	DeliveredFragmentIDs []string `bson:"delivered_fragment_ids" json:"deliveredFragmentIds"`
	Failed               bool     `bson:"failed" json:"failed"`
	Completed            bool     `bson:"completed" json:"completed"`

	Version int64 `bson:"version" json:"-"`
}

// MessageGroupStore manages fragment groups
type MessageGroupStore interface {
	// CreateMessageGroup stores a new group
	CreateMessageGroup(ctx context.Context, group *MessageGroup) error

	// GetMessageGroup retrieves a group by ID
	GetMessageGroup(ctx context.Context, groupID string) (*MessageGroup, error)

	// UpdateMessageGroup applies mutate atomically, with the same
	// contract as DeliveryLogStore.UpdateDeliveryLog.
	UpdateMessageGroup(ctx context.Context, groupID string, mutate func(*MessageGroup) error) (*MessageGroup, error)

	// DeleteMessageGroup removes a group
	DeleteMessageGroup(ctx context.Context, groupID string) error
}
