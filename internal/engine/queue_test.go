package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/geocore/internal/app"
)

func TestEventQueue_EnqueueDequeue(t *testing.T) {
	q := newEventQueue()

	ok := q.Enqueue(app.ShowMessage{Text: "hello"})
	require.True(t, ok, "enqueue should succeed")

	got, ok := q.TryDequeue()
	require.True(t, ok, "dequeue should succeed")
	assert.Equal(t, app.ShowMessage{Text: "hello"}, got)
}

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()

	for _, text := range []string{"A", "B", "C"} {
		q.Enqueue(app.ShowMessage{Text: text})
	}

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got.(app.ShowMessage).Text)
	}
}

func TestEventQueue_TryDequeue_Empty(t *testing.T) {
	q := newEventQueue()

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestEventQueue_Wait_SignalsEnqueue(t *testing.T) {
	q := newEventQueue()

	done := make(chan app.Event)
	go func() {
		<-q.Wait()
		ev, ok := q.TryDequeue()
		if ok {
			done <- ev
		}
	}()

	// Give goroutine time to block
	time.Sleep(10 * time.Millisecond)
	q.Enqueue(app.ShowMessage{Text: "wake"})

	select {
	case ev := <-done:
		assert.Equal(t, "wake", ev.(app.ShowMessage).Text)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("waiter did not wake up")
	}
}

func TestEventQueue_Wait_CoalescesSignals(t *testing.T) {
	q := newEventQueue()

	q.Enqueue(app.ShowMessage{Text: "1"})
	q.Enqueue(app.ShowMessage{Text: "2"})

	<-q.Wait()
	select {
	case <-q.Wait():
		t.Fatal("two enqueues should leave a single wake-up")
	default:
	}
	assert.Equal(t, 2, q.Len())
}

func TestEventQueue_Close_WakesWaiter(t *testing.T) {
	q := newEventQueue()

	done := make(chan struct{})
	go func() {
		<-q.Wait()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close() // idempotent

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("waiter did not wake up after close")
	}
}

func TestEventQueue_Enqueue_AfterClose(t *testing.T) {
	q := newEventQueue()
	q.Close()

	ok := q.Enqueue(app.ShowMessage{Text: "late"})
	assert.False(t, ok, "enqueue after close should return false")
	assert.Equal(t, 0, q.Len())
}

func TestEventQueue_DrainsAfterClose(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(app.ShowMessage{Text: "queued"})
	q.Close()

	ev, ok := q.TryDequeue()
	require.True(t, ok, "events queued before close are still delivered")
	assert.Equal(t, "queued", ev.(app.ShowMessage).Text)
}

func TestEventQueue_Len(t *testing.T) {
	q := newEventQueue()

	assert.Equal(t, 0, q.Len())

	q.Enqueue(app.ShowMessage{Text: "1"})
	assert.Equal(t, 1, q.Len())

	q.Enqueue(app.ShowMessage{Text: "2"})
	assert.Equal(t, 2, q.Len())

	q.TryDequeue()
	assert.Equal(t, 1, q.Len())

	q.TryDequeue()
	assert.Equal(t, 0, q.Len())
}

func TestEventQueue_ThreadSafe(t *testing.T) {
	q := newEventQueue()

	const producers = 10
	const eventsPerProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(producerID int) {
			defer wg.Done()
			for i := 0; i < eventsPerProducer; i++ {
				q.Enqueue(app.ShowMessage{Text: fmt.Sprintf("%d-%d", producerID, i)})
			}
		}(p)
	}

	received := make(map[string]bool, producers*eventsPerProducer)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for len(received) < producers*eventsPerProducer {
			ev, ok := q.TryDequeue()
			if !ok {
				time.Sleep(time.Millisecond)
				continue
			}
			received[ev.(app.ShowMessage).Text] = true
		}
	}()

	wg.Wait()

	select {
	case <-consumerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer timeout")
	}
	assert.Len(t, received, producers*eventsPerProducer)
}
