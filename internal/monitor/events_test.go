package monitor

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_FansOutToAllSubscribers(t *testing.T) {
	bus := NewBus(8, quietLogger())

	var a, b atomic.Int64
	bus.Subscribe("a", func(Event) { a.Add(1) })
	bus.Subscribe("b", func(Event) { b.Add(1) })

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventIdentityBlocked, Identity: "u1"})
	}
	bus.Close()

	assert.Equal(t, int64(5), a.Load())
	assert.Equal(t, int64(5), b.Load())
}

func TestBus_FillsIDAndTimestamp(t *testing.T) {
	bus := NewBus(1, quietLogger())
	got := make(chan Event, 1)
	bus.Subscribe("one", func(evt Event) { got <- evt })

	bus.Publish(Event{Type: EventOriginBlocked})
	bus.Close()

	evt := <-got
	assert.NotEmpty(t, evt.ID)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestBus_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	bus := NewBus(1, quietLogger())

	release := make(chan struct{})
	var fast atomic.Int64
	bus.Subscribe("slow", func(Event) { <-release })
	bus.Subscribe("fast", func(Event) { fast.Add(1) })

	for i := 0; i < 50; i++ {
		bus.Publish(Event{Type: EventAttemptRecorded})
	}

	dropped := bus.Dropped()
	assert.Greater(t, dropped["slow"], int64(0))

	close(release)
	bus.Close()
	assert.Equal(t, int64(50)-bus.Dropped()["fast"], fast.Load())
}

func TestBus_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(4, quietLogger())
	var seen atomic.Int64
	bus.Subscribe("flaky", func(evt Event) {
		seen.Add(1)
		if evt.Identity == "boom" {
			panic("handler failure")
		}
	})

	bus.Publish(Event{Identity: "boom"})
	bus.Publish(Event{Identity: "ok"})
	bus.Close()

	assert.Equal(t, int64(2), seen.Load())
}

func TestBus_PublishAfterCloseIsNoop(t *testing.T) {
	bus := NewBus(4, quietLogger())
	var seen atomic.Int64
	bus.Subscribe("s", func(Event) { seen.Add(1) })
	bus.Close()
	bus.Close()

	assert.NotPanics(t, func() { bus.Publish(Event{Type: EventDeviceRevoked}) })
	bus.Subscribe("late", func(Event) { seen.Add(1) })
	assert.Zero(t, seen.Load())
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(1000, quietLogger())
	var seen atomic.Int64
	bus.Subscribe("counter", func(Event) { seen.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(Event{Type: EventSessionCreated})
			}
		}()
	}
	wg.Wait()
	bus.Close()

	assert.Equal(t, int64(500)-bus.Dropped()["counter"], seen.Load())
}
