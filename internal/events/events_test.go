package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentmarket/internal/circuitbreaker"
	"github.com/mbd888/agentmarket/internal/retry"
)

func evt(id string, t Type) Event {
	return Event{ID: id, Type: t, Subject: "req_1", Timestamp: time.Now()}
}

func TestLog_PublishAndSince(t *testing.T) {
	l := NewLog(10)
	require.NoError(t, l.Publish(context.Background(), []Event{
		evt("1", RequestCreated), evt("2", ResultSubmitted), evt("3", PaymentReleased),
	}))

	all := l.Events()
	require.Len(t, all, 3)
	assert.Equal(t, "1", all[0].ID)

	since := l.Since("1", 0)
	require.Len(t, since, 2)
	assert.Equal(t, "2", since[0].ID)

	assert.Len(t, l.Since("", 1), 1)
	assert.Len(t, l.OfType(PaymentReleased), 1)
}

func TestLog_DropsOldest(t *testing.T) {
	l := NewLog(2)
	_ = l.Publish(context.Background(), []Event{evt("1", RequestCreated), evt("2", RequestCreated), evt("3", RequestCreated)})

	all := l.Events()
	require.Len(t, all, 2)
	assert.Equal(t, "2", all[0].ID)
	assert.Equal(t, "3", all[1].ID)
}

func TestLog_Subscribe(t *testing.T) {
	l := NewLog(10)
	ch, cancel := l.Subscribe(4)
	defer cancel()

	_ = l.Publish(context.Background(), []Event{evt("1", RatingSubmitted)})

	select {
	case e := <-ch:
		assert.Equal(t, RatingSubmitted, e.Type)
	case <-time.After(time.Second):
		t.Fatal("expected event on subscription")
	}

	cancel()
	cancel() // idempotent
	_, open := <-ch
	assert.False(t, open)
}

func TestEvent_Involves(t *testing.T) {
	e := New(PaymentReleased, "req_1", "0xrequester", nil, "0xcreator", "0xplatform")
	assert.True(t, e.Involves("0xrequester"))
	assert.True(t, e.Involves("0xplatform"))
	assert.False(t, e.Involves("0xstranger"))
}

func TestMulti_JoinsErrors(t *testing.T) {
	l := NewLog(10)
	boom := errors.New("sink down")
	p := Multi(l, PublisherFunc(func(context.Context, []Event) error { return boom }), nil)

	err := p.Publish(context.Background(), []Event{evt("1", RequestCreated)})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, l.Events(), 1, "healthy sinks still receive the batch")
}

type fakeWriter struct {
	failures int
	calls    int
	written  []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("leader not available")
	}
	f.written = append(f.written, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_RetriesAndEncodes(t *testing.T) {
	w := &fakeWriter{failures: 1}
	p := newKafkaPublisher(w, retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}, circuitbreaker.New(5, time.Minute), "events")

	e := New(PaymentReleased, "req_9", "0xrequester", map[string]any{"creator": 850})
	e.ID = "evt_1"
	require.NoError(t, p.Publish(context.Background(), []Event{e}))

	assert.Equal(t, 2, w.calls)
	require.Len(t, w.written, 1)
	assert.Equal(t, "req_9", string(w.written[0].Key))

	var decoded Event
	require.NoError(t, json.Unmarshal(w.written[0].Value, &decoded))
	assert.Equal(t, PaymentReleased, decoded.Type)
	assert.Equal(t, "evt_1", decoded.ID)
}

func TestKafkaPublisher_BreakerSkipsDownBroker(t *testing.T) {
	w := &fakeWriter{failures: 100}
	p := newKafkaPublisher(w, retry.Policy{Attempts: 2, BaseDelay: time.Millisecond}, circuitbreaker.New(1, time.Hour), "events")
	batch := []Event{evt("1", RequestCreated)}

	require.Error(t, p.Publish(context.Background(), batch))
	assert.Equal(t, 2, w.calls)

	err := p.Publish(context.Background(), batch)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, w.calls, "open circuit must not reach the writer")
}

func TestNewKafkaPublisher_RequiresConfig(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "events"})
	assert.Error(t, err)
	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

func TestAsync_DeliversInOrderAndDrainsOnStop(t *testing.T) {
	sink := NewLog(100)
	a := NewAsync("test", sink, 8, nil)

	require.NoError(t, a.Publish(context.Background(), []Event{evt("1", RequestCreated)}))
	require.NoError(t, a.Publish(context.Background(), []Event{evt("2", RequestStarted), evt("3", ResultSubmitted)}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Run drains the queue even when started after cancellation
	a.Run(ctx)
	a.Wait()

	got := sink.Events()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestAsync_DropsWhenFull(t *testing.T) {
	sink := NewLog(100)
	a := NewAsync("test", sink, 1, nil)

	batch := []Event{evt("1", RequestCreated)}
	require.NoError(t, a.Publish(context.Background(), batch))
	require.NoError(t, a.Publish(context.Background(), []Event{evt("2", RequestCreated)}))
	batch[0].ID = "mutated"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Run(ctx)

	got := sink.Events()
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID, "queued batch is a copy")
}
