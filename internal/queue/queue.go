// Package queue abstracts the outbound work queue. Delivery is
// at-least-once; FIFO ordering per key is not guaranteed. Browse
// exposes the queued ids without consuming them, which the scheduler
// uses to avoid enqueueing a message twice.
package queue

import (
	"context"
	"sync"
	"time"
)

// Command names the work a queued entry asks for.
type Command string

const (
	// CommandSend asks for a delivery attempt of the message.
	CommandSend Command = "send"

	// CommandNotify asks for a submitter notification about the message.
	CommandNotify Command = "notify"
)

// Entry is one unit of queued work.
type Entry struct {
	Command   Command
	MessageID string
	Enqueued  time.Time
}

// Queue is the outbound work queue.
type Queue interface {
	// Enqueue appends work for the message.
	Enqueue(ctx context.Context, cmd Command, messageID string) error

	// Browse returns the message ids currently queued for cmd without
	// consuming them.
	Browse(ctx context.Context, cmd Command) ([]string, error)

	// Dequeue pops the oldest entry for cmd. ok is false when the
	// queue holds no such entry.
	Dequeue(ctx context.Context, cmd Command) (entry Entry, ok bool, err error)
}

// Memory is a mutex-guarded in-process queue for tests and single-node
// deployments.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

// NewMemory creates an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (q *Memory) Enqueue(ctx context.Context, cmd Command, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, Entry{
		Command:   cmd,
		MessageID: messageID,
		Enqueued:  q.now(),
	})
	return nil
}

func (q *Memory) Browse(ctx context.Context, cmd Command) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for _, e := range q.entries {
		if e.Command == cmd {
			ids = append(ids, e.MessageID)
		}
	}
	return ids, nil
}

func (q *Memory) Dequeue(ctx context.Context, cmd Command) (Entry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.Command == cmd {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// Len reports the number of queued entries across all commands.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// SendDispatcher adapts a Queue to the single-method dispatcher
// interface the reliability and fragmentation services expect.
type SendDispatcher struct {
	Queue Queue
}

// EnqueueSend queues a delivery attempt for the message.
func (d SendDispatcher) EnqueueSend(ctx context.Context, messageID string) error {
	return d.Queue.Enqueue(ctx, CommandSend, messageID)
}
