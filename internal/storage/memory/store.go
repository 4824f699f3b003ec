// Package memory implements the storage interfaces in process memory.
// It backs tests and single-node deployments; every record is deep
// copied on the way in and out so callers never share state with the
// store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirosfoundation/go-gateway/internal/storage"
)

// Store implements storage.Store using mutex-guarded maps
type Store struct {
	mu sync.Mutex

	messages  map[string]*storage.Message
	logs      map[string]*storage.DeliveryLog
	pullLocks map[string]*storage.PullLock
	groups    map[string]*storage.MessageGroup
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		messages:  make(map[string]*storage.Message),
		logs:      make(map[string]*storage.DeliveryLog),
		pullLocks: make(map[string]*storage.PullLock),
		groups:    make(map[string]*storage.MessageGroup),
	}
}

func (s *Store) Close(ctx context.Context) error { return nil }

func (s *Store) Ping(ctx context.Context) error { return nil }

// MessageStore implementation

func (s *Store) CreateMessage(ctx context.Context, msg *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.MessageID]; ok {
		return fmt.Errorf("message %s already exists: %w", msg.MessageID, storage.ErrConflict)
	}
	copied := *msg
	copied.Payload = append([]byte(nil), msg.Payload...)
	s.messages[msg.MessageID] = &copied
	return nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *msg
	copied.Payload = append([]byte(nil), msg.Payload...)
	return &copied, nil
}

func (s *Store) ClearPayload(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return storage.ErrNotFound
	}
	msg.Payload = nil
	msg.PayloadCleared = true
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, messageID)
	return nil
}

// DeliveryLogStore implementation

func (s *Store) CreateDeliveryLog(ctx context.Context, log *storage.DeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[log.MessageID]; ok {
		return fmt.Errorf("delivery log %s already exists: %w", log.MessageID, storage.ErrConflict)
	}
	copied := copyLog(log)
	copied.Version = 1
	s.logs[log.MessageID] = copied
	return nil
}

func (s *Store) GetDeliveryLog(ctx context.Context, messageID string) (*storage.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyLog(log), nil
}

func (s *Store) UpdateDeliveryLog(ctx context.Context, messageID string, mutate func(*storage.DeliveryLog) error) (*storage.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	// under the store mutex the read-modify-write is already exclusive
	working := copyLog(log)
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.Version = log.Version + 1
	s.logs[messageID] = working
	return copyLog(working), nil
}

func (s *Store) FindRetryDue(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var logs []*storage.DeliveryLog
	for _, log := range s.logs {
		eligible := log.Status == storage.StatusWaitingForRetry || log.Status == storage.StatusSendEnqueued
		if !eligible || log.NextAttempt == nil || log.NextAttempt.After(now) {
			continue
		}
		if log.SendAttempts >= log.SendAttemptsMax {
			continue
		}
		logs = append(logs, log)
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].NextAttempt.Before(*logs[j].NextAttempt) })
	ids := make([]string, 0, len(logs))
	for _, log := range logs {
		ids = append(ids, log.MessageID)
	}
	return ids, nil
}

func (s *Store) FindByStatus(ctx context.Context, status storage.MessageStatus, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var logs []*storage.DeliveryLog
	for _, log := range s.logs {
		if log.Status == status {
			logs = append(logs, log)
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].Received.Before(logs[j].Received) })
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	ids := make([]string, 0, len(logs))
	for _, log := range logs {
		ids = append(ids, log.MessageID)
	}
	return ids, nil
}

// PullLockStore implementation

func (s *Store) AcquirePullLock(ctx context.Context, lock *storage.PullLock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pullLocks[lock.MessageID]; ok {
		return false, nil
	}
	copied := *lock
	s.pullLocks[lock.MessageID] = &copied
	return true, nil
}

func (s *Store) GetPullLock(ctx context.Context, messageID string) (*storage.PullLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.pullLocks[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *lock
	return &copied, nil
}

func (s *Store) TransitionPullLock(ctx context.Context, messageID string, from, to storage.PullLockState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.pullLocks[messageID]
	if !ok || lock.State != from {
		return false, nil
	}
	lock.State = to
	return true, nil
}

func (s *Store) DeletePullLock(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pullLocks, messageID)
	return nil
}

func (s *Store) FindPullLocksByState(ctx context.Context, state storage.PullLockState) ([]*storage.PullLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*storage.PullLock
	for _, lock := range s.pullLocks {
		if lock.State == state {
			copied := *lock
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Created.Before(result[j].Created) })
	return result, nil
}

func (s *Store) FindExpiredPullLocks(ctx context.Context, now time.Time) ([]*storage.PullLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*storage.PullLock
	for _, lock := range s.pullLocks {
		if lock.State != storage.PullStaled && !lock.Expiry.After(now) {
			copied := *lock
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Created.Before(result[j].Created) })
	return result, nil
}

// MessageGroupStore implementation

func (s *Store) CreateMessageGroup(ctx context.Context, group *storage.MessageGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[group.GroupID]; ok {
		return fmt.Errorf("message group %s already exists: %w", group.GroupID, storage.ErrConflict)
	}
	copied := copyGroup(group)
	copied.Version = 1
	s.groups[group.GroupID] = copied
	return nil
}

func (s *Store) GetMessageGroup(ctx context.Context, groupID string) (*storage.MessageGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyGroup(group), nil
}

func (s *Store) UpdateMessageGroup(ctx context.Context, groupID string, mutate func(*storage.MessageGroup) error) (*storage.MessageGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	working := copyGroup(group)
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.Version = group.Version + 1
	s.groups[groupID] = working
	return copyGroup(working), nil
}

func (s *Store) DeleteMessageGroup(ctx context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, groupID)
	return nil
}

func copyLog(log *storage.DeliveryLog) *storage.DeliveryLog {
	copied := *log
	copied.Restored = copyTime(log.Restored)
	copied.Failed = copyTime(log.Failed)
	copied.NextAttempt = copyTime(log.NextAttempt)
	return &copied
}

func copyGroup(group *storage.MessageGroup) *storage.MessageGroup {
	copied := *group
	copied.DeliveredFragmentIDs = append([]string(nil), group.DeliveredFragmentIDs...)
	return &copied
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}
