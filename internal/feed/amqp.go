package feed

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/segmentio/encoding/json"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/i474232898/lamport-weather-aggregation/internal/weather"
)

// AMQPConfig represents the config of the Subscriber
type AMQPConfig struct {
	Tag      string `yaml:"tag"`
	Exchange string `yaml:"exchange"`
	DSN      string `yaml:"dsn"`
	TLS      bool   `yaml:"tls"`
}

// Handler receives each decoded observation.
type Handler func(ctx context.Context, obs weather.Observation) error

// amqpChannel is the part of *amqp.Channel the subscriber uses.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Subscriber consumes JSON observations from a topic exchange.
type Subscriber struct {
	config     AMQPConfig
	topics     []string
	connection *amqp.Connection
	channel    amqpChannel
	queue      *amqp.Queue
	logger     *zap.SugaredLogger

	openChannel func() (amqpChannel, error)
	setupDelay  time.Duration
}

// NewSubscriber creates a new Subscriber
func NewSubscriber(config AMQPConfig, topics []string, logger *zap.SugaredLogger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if len(topics) == 0 {
		topics = []string{"#"}
	}
	return &Subscriber{
		config:     config,
		topics:     topics,
		logger:     logger,
		setupDelay: time.Second,
	}
}

func (s *Subscriber) dial() error {
	var err error
	if s.config.TLS {
		s.connection, err = amqp.DialTLS(s.config.DSN, &tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		s.connection, err = amqp.Dial(s.config.DSN)
	}
	if err != nil {
		return fmt.Errorf("subscriber: dial: %w", err)
	}
	s.logger.Infow("subscriber: connection established")

	s.openChannel = func() (amqpChannel, error) {
		ch, err := s.connection.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	return nil
}

// Declare a non-durable queue that goes away with its last consumer.
func (s *Subscriber) declareQueue() error {
	name := fmt.Sprintf("lamport-weather-feed-%s", s.config.Tag)
	queue, err := s.channel.QueueDeclare(
		name,
		false, // durable
		true,  // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("subscriber: declare queue %s: %w", name, err)
	}
	s.queue = &queue
	s.logger.Infow("subscriber: declared queue", "queue", name)
	return nil
}

func (s *Subscriber) bindQueue() error {
	for _, topic := range s.topics {
		err := s.channel.QueueBind(
			s.queue.Name,      // name
			topic,             // key
			s.config.Exchange, // exchange
			false,             // noWait
			nil,               // arguments
		)
		if err != nil {
			return fmt.Errorf("subscriber: bind key %q: %w", topic, err)
		}
		s.logger.Infow("subscriber: bound queue", "exchange", s.config.Exchange, "key", topic)
	}
	return nil
}

// Subscribe connects, sets up the queue and starts consuming.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan amqp.Delivery, error) {
	if err := s.dial(); err != nil {
		return nil, err
	}

	if err := s.setup(ctx); err != nil {
		s.connection.Close()
		return nil, err
	}

	deliveries, err := s.channel.Consume(
		s.queue.Name,
		s.config.Tag,
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		s.connection.Close()
		return nil, fmt.Errorf("subscriber: consume: %w", err)
	}
	return deliveries, nil
}

// setup opens a channel, declares and binds the queue. It is retried since
// the exchange may be declared after we start; a failed attempt closes its
// channel before the next one opens a new one.
func (s *Subscriber) setup(ctx context.Context) error {
	return retry.Do(
		s.openQueue,
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(s.setupDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warnw("subscriber: setup failed, retrying", "attempt", n+1, "error", err)
		}),
	)
}

func (s *Subscriber) openQueue() error {
	ch, err := s.openChannel()
	if err != nil {
		return fmt.Errorf("subscriber: open channel: %w", err)
	}
	s.channel = ch

	err = s.declareQueue()
	if err == nil {
		err = s.bindQueue()
	}
	if err != nil {
		if cerr := ch.Close(); cerr != nil {
			s.logger.Debugw("subscriber: close channel failed", "error", cerr)
		}
		s.channel = nil
		s.queue = nil
		return err
	}
	return nil
}

// Consume hands each delivery to handle until ctx is done or the delivery
// channel closes. Deliveries that cannot be decoded, or that handle
// refuses, are rejected without requeue.
func (s *Subscriber) Consume(ctx context.Context, deliveries <-chan amqp.Delivery, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("subscriber: delivery channel closed")
			}
			s.handleDelivery(ctx, d, handle)
		}
	}
}

func (s *Subscriber) handleDelivery(ctx context.Context, d amqp.Delivery, handle Handler) {
	obs, err := DecodeObservation(d.Body)
	if err != nil {
		s.logger.Warnw("subscriber: dropping delivery", "key", d.RoutingKey, "error", err)
		if rerr := d.Reject(false); rerr != nil {
			s.logger.Errorw("subscriber: reject failed", "error", rerr)
		}
		return
	}

	if err := handle(ctx, obs); err != nil {
		s.logger.Errorw("subscriber: handler failed", "id", obs.ID, "error", err)
		if rerr := d.Reject(false); rerr != nil {
			s.logger.Errorw("subscriber: reject failed", "error", rerr)
		}
		return
	}

	if err := d.Ack(false); err != nil {
		s.logger.Errorw("subscriber: ack failed", "error", err)
	}
}

// DecodeObservation decodes one JSON delivery body and checks it has an id.
func DecodeObservation(body []byte) (weather.Observation, error) {
	var obs weather.Observation
	if err := json.Unmarshal(body, &obs); err != nil {
		return weather.Observation{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if err := obs.Validate(); err != nil {
		return weather.Observation{}, err
	}
	return obs, nil
}

// Shutdown deletes the queue and closes the connection.
func (s *Subscriber) Shutdown() error {
	s.logger.Infow("subscriber: shutting down")
	if s.connection == nil {
		return nil
	}

	if s.channel != nil && s.queue != nil {
		if _, err := s.channel.QueueDelete(s.queue.Name, true, false, false); err != nil {
			s.logger.Warnw("subscriber: delete queue failed", "queue", s.queue.Name, "error", err)
		}
	}
	if err := s.connection.Close(); err != nil {
		return fmt.Errorf("subscriber: close connection: %w", err)
	}
	return nil
}
