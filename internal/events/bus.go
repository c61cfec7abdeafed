// Package events fans out control plane events to in-process subscribers
// and an optional external publisher.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type names an event.
type Type string

const (
	RequestReceived    Type = "request.received"
	PlanAccepted       Type = "plan.accepted"
	PlanCompleted      Type = "plan.completed"
	MigrationCommitted Type = "migration.committed"
	MigrationFailed    Type = "migration.failed"
	MigrationCancelled Type = "migration.cancelled"
	HostPowerChanged   Type = "host.power"
	AlertCreated       Type = "alert.created"
)

// Event is a single notification.
type Event struct {
	Type       Type      `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	HostID     string    `json:"host_id,omitempty"`
	VMID       string    `json:"vm_id,omitempty"`
	PlanID     string    `json:"plan_id,omitempty"`
	Generation uint64    `json:"generation,omitempty"`
	Data       any       `json:"data,omitempty"`
}

// Publisher forwards events out of process.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Bus delivers events to subscribers without blocking the publisher. A
// subscriber that falls behind loses events.
type Bus struct {
	external Publisher
	logger   *zap.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// NewBus creates a bus. external may be nil.
func NewBus(external Publisher, logger *zap.Logger) *Bus {
	return &Bus{
		external: external,
		logger:   logger.With(zap.String("component", "events")),
		subs:     make(map[int]chan Event),
	}
}

// Publish delivers e to every subscriber and the external publisher.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if b == nil {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Debug("Dropping event for slow subscriber", zap.Int("subscriber", id), zap.String("type", string(e.Type)))
		}
	}
	b.mu.RUnlock()

	if b.external != nil {
		if err := b.external.Publish(ctx, e); err != nil {
			b.logger.Warn("Failed to publish event", zap.String("type", string(e.Type)), zap.Error(err))
		}
	}
	return nil
}

// Subscribe returns a channel of events and a function that ends the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
