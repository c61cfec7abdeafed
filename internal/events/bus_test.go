package events

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

type mockPublisher struct {
	events []Event
	err    error
}

func (m *mockPublisher) Publish(_ context.Context, e Event) error {
	m.events = append(m.events, e)
	return m.err
}

func TestBus_FansOut(t *testing.T) {
	ext := &mockPublisher{err: errors.New("redis down")}
	b := NewBus(ext, zap.NewNop())
	a, cancelA := b.Subscribe(1)
	c, cancelC := b.Subscribe(1)
	defer cancelA()
	defer cancelC()

	if err := b.Publish(t.Context(), Event{Type: PlanAccepted, PlanID: "p1"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.PlanID != "p1" || e.Timestamp.IsZero() {
			t.Errorf("unexpected event %+v", e)
		}
	}
	if len(ext.events) != 1 {
		t.Errorf("external publisher saw %d events, want 1", len(ext.events))
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus(nil, zap.NewNop())
	ch, cancel := b.Subscribe(1)
	for i := 0; i < 5; i++ {
		_ = b.Publish(t.Context(), Event{Type: AlertCreated})
	}
	cancel()
	n := 0
	for range ch {
		n++
	}
	if n != 1 {
		t.Errorf("received %d events, want 1", n)
	}
	cancel()
}

func TestBus_NilIsNoop(t *testing.T) {
	var b *Bus
	if err := b.Publish(t.Context(), Event{Type: AlertCreated}); err != nil {
		t.Errorf("Publish() error = %v", err)
	}
}
