package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBus_PublishToSubscribers(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()

	bus.Publish(Event{Type: TaskEnqueued, Swarm: "coordinator"})

	select {
	case e := <-ch:
		assert.Equal(t, TaskEnqueued, e.Type)
		assert.Equal(t, "coordinator", e.Swarm)
		assert.False(t, e.At.IsZero(), "publish stamps the event")
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestBus_SlowSubscriberNeverBlocks(t *testing.T) {
	bus := NewBus()
	_, unsubscribe := bus.Subscribe(1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ { // far beyond the buffer
			bus.Publish(Event{Type: QueueUpdate, QueueSize: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe(1)

	unsubscribe()
	unsubscribe() // idempotent

	_, open := <-ch
	assert.False(t, open)

	bus.Publish(Event{Type: TaskCompleted}) // no subscribers left, still fine
}

func TestBus_NilBusDropsEverything(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() {
		bus.Publish(Event{Type: RequestCompleted})
	})
}
