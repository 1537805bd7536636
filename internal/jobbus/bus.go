// Package jobbus is the Job Bus: named durable queues with delayed
// delivery, one worker per queue.  It generalizes this project's earlier
// single-purpose RabbitMQ plumbing (internal/queue's booking.confirmed
// consumer and internal/service's matching publisher) into a reusable
// publish/consume pair that the dequeue, check-in-expiry and seat-expiry
// services all share.
//
// Delayed delivery needs no broker plugin: a message published to
// "<queue>.delay" carries a per-message TTL (amqp.Publishing.Expiration) and
// that delay queue's dead-letter-exchange points back at "<queue>", so the
// message resurfaces on the real queue once its TTL elapses.  This is the
// standard TTL+DLX idiom for amqp091-go.
package jobbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/waitlist-coordinator/internal/logging"
)

// Queue names used by the admission-control pipeline.
const (
	QueueDequeue        = "dequeue"
	QueueCheckinExpired = "checkin-expired"
	QueueSeatExpired    = "seat-expired"
)

const delayExchangeSuffix = ".delay"

// Bus publishes jobs and runs workers against the AMQP broker at its URL.
// One Bus is shared by the API process (publishing only) and by each worker
// process (publishing follow-up jobs and consuming its own queue).
type Bus struct {
	url string
	log *logging.Logger
}

// New returns a Bus that dials url lazily: each Enqueue and each Worker
// call establishes its own connection rather than holding one long-lived
// shared connection that every caller must coordinate around.  Enqueue dials
// once and returns the dial error on failure; Worker retries with backoff,
// mirroring this project's existing StartBookingConsumer reconnect behavior.
func New(url string) *Bus {
	return &Bus{url: url, log: logging.New("jobbus")}
}

// Enqueue delivers payload on queue no earlier than now+delay.  Payloads in
// this system are always empty (the three services re-query state instead
// of trusting the job body), but Enqueue still accepts one so the Bus stays
// usable for anything that does want a body.
func (b *Bus) Enqueue(ctx context.Context, queue string, payload []byte, delay time.Duration) error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("jobbus: dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("jobbus: channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := declareTopology(ch, queue); err != nil {
		return err
	}

	target := queue
	pub := amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}
	if delay > 0 {
		target = queue + delayExchangeSuffix
		pub.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	return ch.PublishWithContext(ctx, "", target, false, false, pub)
}

// Worker binds handle to queue.  It declares the queue's topology, sets QoS
// to 1 so at most one job runs at a time on this process (admission
// correctness rests on single-worker-per-queue serialization), runs one
// synchronous catch-up invocation of handle before consuming, and
// then consumes forever with the same capped-exponential-backoff reconnect
// loop this project's StartBookingConsumer used for its one queue.  Worker
// blocks until ctx is cancelled.
func (b *Bus) Worker(ctx context.Context, queue string, handle func(ctx context.Context) error) error {
	b.log.Info("worker for queue %q starting catch-up run", queue)
	if err := handle(ctx); err != nil {
		b.log.Error("catch-up run for queue %q failed: %v", queue, err)
	}

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := amqp.Dial(b.url)
		if err != nil {
			b.log.Warn("dial failed for queue %q: %v; retrying in %s", queue, err, backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = time.Second

		err = b.consumeLoop(ctx, conn, queue, handle)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.log.Warn("consume loop for queue %q ended: %v; reconnecting", queue, err)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (b *Bus) consumeLoop(ctx context.Context, conn *amqp.Connection, queue string, handle func(ctx context.Context) error) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("jobbus: channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := declareTopology(ch, queue); err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		b.log.Warn("set QoS failed for queue %q: %v", queue, err)
	}

	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("jobbus: consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("jobbus: deliveries channel closed")
			}
			if err := handle(ctx); err != nil {
				b.log.Error("handler for queue %q failed: %v", queue, err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// declareTopology declares queue, its delay twin and the dead-letter
// exchange connecting them back together.
func declareTopology(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("jobbus: declare %q: %w", queue, err)
	}
	dlx := queue + ".dlx"
	if err := ch.ExchangeDeclare(dlx, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("jobbus: declare exchange %q: %w", dlx, err)
	}
	if err := ch.QueueBind(queue, queue, dlx, false, nil); err != nil {
		return fmt.Errorf("jobbus: bind %q: %w", queue, err)
	}
	delayArgs := amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": queue,
	}
	if _, err := ch.QueueDeclare(queue+delayExchangeSuffix, true, false, false, false, delayArgs); err != nil {
		return fmt.Errorf("jobbus: declare %q: %w", queue+delayExchangeSuffix, err)
	}
	return nil
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > 30*time.Second {
		return 30 * time.Second
	}
	return next
}

// sleep waits for d or until ctx is cancelled, returning false in the
// latter case.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
