package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/shehryarbajwa/browserbase-geo/internal/logger"
)

func receive(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-s.C():
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublishOrderAndNoDrops(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(0)

	// nobody reads while publishing; the queue must absorb all of it
	const n = 5000
	for i := 0; i < n; i++ {
		bus.Publish(Event{Name: SessionMigrating, SessionID: fmt.Sprintf("s-%d", i)})
	}

	for i := 0; i < n; i++ {
		e := receive(t, sub)
		assert.Equal(t, fmt.Sprintf("s-%d", i), e.SessionID)
		assert.False(t, e.At.IsZero())
	}
}

func TestFanOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a := bus.Subscribe(1)
	b := bus.Subscribe(1)
	assert.Equal(t, 2, bus.Len())

	bus.Publish(Event{Name: RegionEvacuating, RegionID: "us-east"})

	assert.Equal(t, RegionEvacuating, receive(t, a).Name)
	assert.Equal(t, "us-east", receive(t, b).RegionID)
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(0)
	sub.Close()
	sub.Close()

	assert.Equal(t, 0, bus.Len())
	bus.Publish(Event{Name: SessionTerminated})

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(0)
	bus.Close()
	bus.Close()

	bus.Publish(Event{Name: SessionTerminated})

	for range sub.C() {
	}

	late := bus.Subscribe(0)
	_, ok := <-late.C()
	assert.False(t, ok)
}

func TestBusCloseDeliversQueuedEvents(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(0)

	const n = 100
	for i := 0; i < n; i++ {
		bus.Publish(Event{Name: SessionMigrating, SessionID: fmt.Sprintf("s-%d", i)})
	}
	bus.Close()

	var got []string
	for e := range sub.C() {
		got = append(got, e.SessionID)
	}
	require.Len(t, got, n)
	assert.Equal(t, "s-0", got[0])
	assert.Equal(t, fmt.Sprintf("s-%d", n-1), got[n-1])

	sub.Close()
}

func TestEventKey(t *testing.T) {
	assert.Equal(t, "s1", Event{SessionID: "s1", RegionID: "r"}.Key())
	assert.Equal(t, "r", Event{RegionID: "r"}.Key())
}

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	flushed bool
	closed  bool
}

func (p *fakeProducer) Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	p.mu.Lock()
	p.records = append(p.records, r)
	p.mu.Unlock()
	promise(r, nil)
}

func (p *fakeProducer) Flush(ctx context.Context) error {
	p.mu.Lock()
	p.flushed = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProducer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakeProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

func TestKafkaForwarder(t *testing.T) {
	bus := NewBus()

	prod := &fakeProducer{}
	fwd := NewKafkaForwarder(bus, prod, "fleet-events", logger.Nop())

	bus.Publish(Event{Name: SessionMigrated, SessionID: "s1", RegionID: "eu-west"})
	bus.Publish(Event{Name: RegionEvacuated, RegionID: "us-east"})

	require.Eventually(t, func() bool { return prod.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	bus.Close()
	require.NoError(t, fwd.Close(context.Background()))

	assert.True(t, prod.flushed)
	assert.True(t, prod.closed)

	assert.Equal(t, "fleet-events", prod.records[0].Topic)
	assert.Equal(t, []byte("s1"), prod.records[0].Key)
	assert.Equal(t, []byte("us-east"), prod.records[1].Key)

	var decoded Event
	require.NoError(t, json.Unmarshal(prod.records[0].Value, &decoded))
	assert.Equal(t, SessionMigrated, decoded.Name)
	assert.Equal(t, "eu-west", decoded.RegionID)
}

type slowProducer struct {
	fakeProducer
	gate chan struct{}
}

func (p *slowProducer) Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	<-p.gate
	p.fakeProducer.Produce(ctx, r, promise)
}

func TestKafkaForwarderFlushesEventsPublishedBeforeShutdown(t *testing.T) {
	bus := NewBus()
	prod := &slowProducer{gate: make(chan struct{})}
	fwd := NewKafkaForwarder(bus, prod, "fleet-events", logger.Nop())

	const n = 20
	for i := 0; i < n; i++ {
		bus.Publish(Event{Name: SessionTerminated, SessionID: fmt.Sprintf("s-%d", i)})
	}
	bus.Close()
	close(prod.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fwd.Close(ctx))

	assert.Equal(t, n, prod.count())
	assert.True(t, prod.flushed)
	assert.Equal(t, []byte(fmt.Sprintf("s-%d", n-1)), prod.records[n-1].Key)
}
