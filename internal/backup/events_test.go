package backup

import (
	"testing"
	"time"

	"mssql-recovery/internal/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_FiltersByKind(t *testing.T) {
	b := newBroadcaster()
	progress, _ := b.subscribe(engine.EventProgress)
	all, _ := b.subscribe()

	b.publish(Event{Kind: engine.EventInformation, Message: "hello"})
	b.publish(Event{Kind: engine.EventProgress, Percent: 10})
	b.close()

	var got []Event
	for e := range progress {
		got = append(got, e)
	}
	require.Len(t, got, 1)
	assert.Equal(t, 10, got[0].Percent)

	count := 0
	for range all {
		count++
	}
	assert.Equal(t, 2, count)
}

func TestBroadcaster_UnsubscribeUnblocksPublish(t *testing.T) {
	b := newBroadcaster()
	_, unsubscribe := b.subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+5; i++ {
			b.publish(Event{Kind: engine.EventProgress, Percent: i})
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("publish should block on a full subscriber")
	case <-time.After(50 * time.Millisecond):
	}

	unsubscribe()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unsubscribe did not unblock publish")
	}
	unsubscribe()
}

func TestBroadcaster_SubscribeAfterClose(t *testing.T) {
	b := newBroadcaster()
	b.close()
	b.close()

	ch, unsubscribe := b.subscribe()
	_, open := <-ch
	assert.False(t, open)
	unsubscribe()

	b.publish(Event{Kind: engine.EventComplete})
}
