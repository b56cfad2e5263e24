package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vitaliisemenov/cdc-bridge/internal/config"
	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

const (
	// DefaultInFlightLimit bounds the publisher window; when full, Publish
	// blocks and backpressure propagates to the source worker.
	DefaultInFlightLimit = 1024

	// DefaultDeliveryDeadline is how long a single event is retried before
	// it is reported back as unacknowledged.
	DefaultDeliveryDeadline = 2 * time.Minute
)

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// sender is the broker-facing surface of sarama's SyncProducer, narrowed for
// testability.
type sender interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// pending is one event in the in-flight window.
type pending struct {
	id      string
	topic   string
	key     string
	payload []byte
	ack     core.AckFunc
}

// Publisher delivers serialized events with at-least-once semantics. Events
// for the same topic run through one serial loop: the broker acknowledgement
// of message N is awaited before message N+1 is sent, so two events for the
// same key can never be acknowledged out of order.
type Publisher struct {
	producer sender
	resolver *TopicResolver
	logger   *slog.Logger

	deadline time.Duration
	window   chan struct{}
	inFlight atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	loops  map[string]chan *pending
	closed bool
	wg     sync.WaitGroup

	healthy   atomic.Bool
	lastError atomic.Value // string
	errLog    *rate.Limiter
}

// Options tune the publisher window and delivery deadline.
type Options struct {
	InFlightLimit    int
	DeliveryDeadline time.Duration
}

// NewPublisher connects a SyncProducer to the configured brokers.
func NewPublisher(spec config.BrokerSpec, opts Options, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	saramaCfg, err := buildSaramaConfig(spec, logger)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(spec.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrBrokerUnavailable, err)
	}

	return newPublisher(producer, NewTopicResolver(spec.TopicPattern), opts, logger), nil
}

// newPublisher wires a publisher around any sender; tests inject fakes here.
func newPublisher(producer sender, resolver *TopicResolver, opts Options, logger *slog.Logger) *Publisher {
	if opts.InFlightLimit <= 0 {
		opts.InFlightLimit = DefaultInFlightLimit
	}
	if opts.DeliveryDeadline <= 0 {
		opts.DeliveryDeadline = DefaultDeliveryDeadline
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		producer: producer,
		resolver: resolver,
		logger:   logger.With("component", "publisher"),
		deadline: opts.DeliveryDeadline,
		window:   make(chan struct{}, opts.InFlightLimit),
		ctx:      ctx,
		cancel:   cancel,
		loops:    make(map[string]chan *pending),
		errLog:   rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	p.healthy.Store(true)
	return p
}

// Publish serializes the event and hands it to the topic's serial send loop.
// It blocks while the in-flight window is full. The ack function is invoked
// exactly once: nil after broker acknowledgement, or the delivery error once
// the deadline expired.
func (p *Publisher) Publish(ctx context.Context, event *core.ChangeEvent, ack core.AckFunc) error {
	payload, err := Serialize(event)
	if err != nil {
		return err
	}

	item := &pending{
		id:      uuid.NewString(),
		topic:   p.resolver.Resolve(event.Table),
		key:     MessageKey(event),
		payload: payload,
		ack:     ack,
	}
	p.logger.Debug("Event submitted",
		"job_id", item.id, "topic", item.topic, "table", event.Table.FQN())

	select {
	case p.window <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return fmt.Errorf("%w: publisher closed", core.ErrBrokerUnavailable)
	}
	p.inFlight.Add(1)

	if err := p.enqueue(item); err != nil {
		p.release()
		return err
	}
	return nil
}

// InFlight returns the current window occupancy.
func (p *Publisher) InFlight() int {
	return int(p.inFlight.Load())
}

// Healthy reports the broker delivery health and the last delivery error.
func (p *Publisher) Healthy() (bool, string) {
	msg, _ := p.lastError.Load().(string)
	return p.healthy.Load(), msg
}

// Close stops accepting events and drains the in-flight window. If the
// context expires first, outstanding events are abandoned: each is
// acknowledged with an error so its offset is never advanced, and restart
// redelivers it.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, loop := range p.loops {
		close(loop)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var drainErr error
	select {
	case <-done:
	case <-ctx.Done():
		abandoned := p.inFlight.Load()
		p.logger.Warn("Publisher drain deadline expired, abandoning in-flight events",
			"abandoned", abandoned)
		p.cancel()
		<-done
		drainErr = fmt.Errorf("%w: %d events abandoned at shutdown", core.ErrBrokerUnavailable, abandoned)
	}

	p.cancel()
	if err := p.producer.Close(); err != nil && drainErr == nil {
		drainErr = fmt.Errorf("%w: close producer: %v", core.ErrBrokerUnavailable, err)
	}
	return drainErr
}

// enqueue hands the item to its topic's serial send loop, creating the loop
// on first use. The loop channel's capacity matches the window, so the send
// never blocks while a window slot is held; doing it under the mutex keeps
// Close from closing a channel mid-send.
func (p *Publisher) enqueue(item *pending) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("%w: publisher closed", core.ErrBrokerUnavailable)
	}
	loop, ok := p.loops[item.topic]
	if !ok {
		loop = make(chan *pending, cap(p.window))
		p.loops[item.topic] = loop
		p.wg.Add(1)
		go p.run(item.topic, loop)
	}
	loop <- item
	return nil
}

// run is the per-topic serial send loop.
func (p *Publisher) run(topic string, loop chan *pending) {
	defer p.wg.Done()

	for item := range loop {
		err := p.send(item)
		item.ack(err)
		p.release()
	}
}

// send delivers one message, retrying with exponential backoff until the
// delivery deadline.
func (p *Publisher) send(item *pending) error {
	msg := &sarama.ProducerMessage{
		Topic: item.topic,
		Value: sarama.ByteEncoder(item.payload),
	}
	if item.key != "" {
		msg.Key = sarama.StringEncoder(item.key)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = p.deadline

	err := backoff.Retry(func() error {
		if _, _, err := p.producer.SendMessage(msg); err != nil {
			if p.errLog.Allow() {
				p.logger.Warn("Broker send failed, retrying",
					"job_id", item.id, "topic", item.topic, "error", err)
			}
			return err
		}
		return nil
	}, backoff.WithContext(bo, p.ctx))

	if err != nil {
		p.healthy.Store(false)
		p.lastError.Store(err.Error())
		return fmt.Errorf("%w: %v", core.ErrBrokerUnavailable, err)
	}
	p.healthy.Store(true)
	p.lastError.Store("")
	return nil
}

func (p *Publisher) release() {
	p.inFlight.Add(-1)
	<-p.window
}

var _ core.Publisher = (*Publisher)(nil)
