// Package events fans out job lifecycle events to live subscribers. Delivery
// is best-effort: a subscriber whose channel is full misses events rather
// than blocking producers.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event kind.
type Type string

const (
	TypeJobQueued     Type = "job_queued"
	TypeJobStarted    Type = "job_started"
	TypeJobCompleted  Type = "job_completed"
	TypeJobFailed     Type = "job_failed"
	TypeJobCancelled  Type = "job_cancelled"
	TypeJobProgress   Type = "job_progress"
	TypeTaskStarted   Type = "task_started"
	TypeTaskCompleted Type = "task_completed"
	TypeTaskFailed    Type = "task_failed"
	TypeTaskOutput    Type = "task_output"
	TypeKeepalive     Type = "keepalive"
)

// Event is an immutable fan-out message.
type Event struct {
	Type      Type           `json:"type"`
	JobID     string         `json:"job_id,omitempty"`
	TaskIndex *int           `json:"task_index,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Subscription is one registered consumer.
type Subscription struct {
	id string
	ch chan Event
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Broadcaster maintains the subscriber registry.
type Broadcaster struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	queueSize int
	keepalive time.Duration
	logger    *slog.Logger
}

// NewBroadcaster creates a broadcaster whose subscriber channels hold up to
// queueSize events and whose streams emit a keepalive after the given quiet
// interval.
func NewBroadcaster(queueSize int, keepalive time.Duration, logger *slog.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = 100
	}
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	return &Broadcaster{
		subs:      make(map[string]*Subscription),
		queueSize: queueSize,
		keepalive: keepalive,
		logger:    logger,
	}
}

// Subscribe registers a new bounded subscriber channel.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{
		id: uuid.New().String(),
		ch: make(chan Event, b.queueSize),
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	b.logger.Debug("event subscriber added", "subscriber_id", sub.id, "total", b.SubscriberCount())
	return sub
}

// Unsubscribe removes the subscription and closes its channel, which ends any
// Stream reading from it.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// SubscriberCount returns the number of registered subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Broadcast pushes the event to every subscriber without blocking. Events are
// dropped per-subscriber when a channel is full.
func (b *Broadcaster) Broadcast(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Debug("subscriber channel full, dropping event",
				"subscriber_id", sub.id, "type", string(ev.Type))
		}
	}
}

// Stream yields events for the subscription, interleaving synthetic keepalive
// events when no event arrives within the keepalive interval. The stream ends
// when the subscription is unsubscribed or the context is cancelled.
func (b *Broadcaster) Stream(ctx context.Context, sub *Subscription) <-chan Event {
	out := make(chan Event)

	go func() {
		defer close(out)
		timer := time.NewTimer(b.keepalive)
		defer timer.Stop()

		for {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(b.keepalive)
			select {
			case ev, ok := <-sub.ch:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-timer.C:
				keepalive := Event{Type: TypeKeepalive, Timestamp: time.Now().UTC()}
				select {
				case out <- keepalive:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
