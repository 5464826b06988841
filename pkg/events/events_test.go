package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDelivers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(New(EventTaskLaunched, "task launched", "task", "jetdb"))

	select {
	case ev := <-sub:
		assert.Equal(t, EventTaskLaunched, ev.Type)
		assert.Equal(t, "jetdb", ev.Metadata["task"])
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroker() // not started, queue fills up

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(New(EventUnitFailed, "x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full queue")
	}
}

type recordingSink struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (s *recordingSink) Send(subject string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects = append(s.subjects, subject)
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *recordingSink) Close() {}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subjects)
}

func TestForward(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{}
	Forward(ctx, b, sink, "")
	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	b.Publish(New(EventZoneRemoved, "zone removed", "zone", "z1"))
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "flotilla.events.zone.removed", sink.subjects[0])

	var ev Event
	require.NoError(t, json.Unmarshal(sink.payloads[0], &ev))
	assert.Equal(t, "z1", ev.Metadata["zone"])
}
