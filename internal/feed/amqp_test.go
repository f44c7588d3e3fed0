package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/lamport-weather-aggregation/internal/weather"
)

// recorder is an amqp.Acknowledger that remembers what happened to each tag.
type recorder struct {
	mu      sync.Mutex
	acked   []uint64
	dropped []uint64
	requeue bool
}

func (r *recorder) Ack(tag uint64, multiple bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acked = append(r.acked, tag)
	return nil
}

func (r *recorder) Nack(tag uint64, multiple, requeue bool) error {
	return r.Reject(tag, requeue)
}

func (r *recorder) Reject(tag uint64, requeue bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, tag)
	r.requeue = r.requeue || requeue
	return nil
}

func delivery(ack amqp.Acknowledger, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, RoutingKey: "station.sa", Body: []byte(body)}
}

func TestDecodeObservation(t *testing.T) {
	obs, err := DecodeObservation([]byte(`{"id":"IDS60901","air_temp":13.3}`))
	require.NoError(t, err)
	require.Equal(t, "IDS60901", obs.ID)

	_, err = DecodeObservation([]byte(`not json`))
	require.ErrorIs(t, err, ErrParse)

	_, err = DecodeObservation([]byte(`{"name":"no id"}`))
	require.ErrorIs(t, err, weather.ErrInvalidRecord)
}

func TestConsume(t *testing.T) {
	ack := &recorder{}
	deliveries := make(chan amqp.Delivery, 4)
	deliveries <- delivery(ack, 1, `{"id":"IDS60901"}`)
	deliveries <- delivery(ack, 2, `{broken`)
	deliveries <- delivery(ack, 3, `{"id":"REFUSED"}`)
	deliveries <- delivery(ack, 4, `{"id":"IDS60902"}`)
	close(deliveries)

	var got []string
	handle := func(_ context.Context, obs weather.Observation) error {
		if obs.ID == "REFUSED" {
			return errors.New("server replied 400")
		}
		got = append(got, obs.ID)
		return nil
	}

	s := NewSubscriber(AMQPConfig{Tag: "test"}, nil, nil)
	err := s.Consume(context.Background(), deliveries, handle)
	require.Error(t, err)

	require.Equal(t, []string{"IDS60901", "IDS60902"}, got)
	require.Equal(t, []uint64{1, 4}, ack.acked)
	require.Equal(t, []uint64{2, 3}, ack.dropped)
	require.False(t, ack.requeue)
}

func TestConsume_StopsOnContext(t *testing.T) {
	s := NewSubscriber(AMQPConfig{}, []string{"station.#"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Consume(ctx, make(chan amqp.Delivery), func(context.Context, weather.Observation) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakeChannel struct {
	failBind bool
	closed   bool
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if f.failBind {
		return errors.New("NOT_FOUND - no exchange")
	}
	return nil
}

func (f *fakeChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	return 0, nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return make(chan amqp.Delivery), nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

// subscriberWithChannels hands out channels whose bind fails for the first
// failures openings.
func subscriberWithChannels(failures int) (*Subscriber, *[]*fakeChannel) {
	s := NewSubscriber(AMQPConfig{Tag: "test", Exchange: "amq.topic"}, []string{"station.#"}, nil)
	s.setupDelay = time.Millisecond

	opened := &[]*fakeChannel{}
	s.openChannel = func() (amqpChannel, error) {
		ch := &fakeChannel{failBind: len(*opened) < failures}
		*opened = append(*opened, ch)
		return ch, nil
	}
	return s, opened
}

func TestSetup_ClosesChannelsOfFailedAttempts(t *testing.T) {
	s, opened := subscriberWithChannels(2)

	require.NoError(t, s.setup(context.Background()))
	require.Len(t, *opened, 3)
	require.True(t, (*opened)[0].closed)
	require.True(t, (*opened)[1].closed)
	require.False(t, (*opened)[2].closed)
	require.Same(t, (*opened)[2], s.channel)
	require.Equal(t, "lamport-weather-feed-test", s.queue.Name)
}

func TestSetup_GivesUpWithEveryChannelClosed(t *testing.T) {
	s, opened := subscriberWithChannels(100)

	err := s.setup(context.Background())
	require.ErrorContains(t, err, "bind key")
	require.Len(t, *opened, 5)
	for _, ch := range *opened {
		require.True(t, ch.closed)
	}
	require.Nil(t, s.channel)
	require.Nil(t, s.queue)
}

func TestShutdown_NotConnected(t *testing.T) {
	require.NoError(t, NewSubscriber(AMQPConfig{}, nil, nil).Shutdown())
}
