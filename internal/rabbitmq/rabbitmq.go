package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ariefcatur/go-groupbuy-orders/internal/logger"
	"github.com/ariefcatur/go-groupbuy-orders/internal/metrics"
	"github.com/ariefcatur/go-groupbuy-orders/internal/orders"
)

// SMSJob is one queued customer text.
type SMSJob struct {
	Phone      string    `json:"phone"`
	Message    string    `json:"message"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handler returns nil once the job is delivered. Any error dead-letters the message.
type Handler func(ctx context.Context, job SMSJob) error

// Queue is a durable SMS work queue with a dead-letter queue behind it.
type Queue struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
	name    string
	log     *logger.Logger

	mu sync.Mutex
}

var _ orders.Notifier = (*Queue)(nil)

func New(url, name string, log *logger.Logger) (*Queue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &Queue{Conn: conn, Channel: ch, name: name, log: log.With("queue", name)}, nil
}

func DeadLetterQueue(name string) string    { return name + "_dlq" }
func DeadLetterExchange(name string) string { return DeadLetterQueue(name) + "_exchange" }

func queueArgs(name string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchange(name),
		"x-dead-letter-routing-key": DeadLetterQueue(name),
	}
}

// SetupQueues declares the dead-letter exchange and queue, then the main queue that
// dead-letters into them.
func (q *Queue) SetupQueues() error {
	dlq := DeadLetterQueue(q.name)
	if err := q.Channel.ExchangeDeclare(
		DeadLetterExchange(q.name),
		"direct",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare dlx: %w", err)
	}
	if _, err := q.Channel.QueueDeclare(dlq, true, false, false, false,
		amqp.Table{"x-queue-type": "classic"}); err != nil {
		return fmt.Errorf("declare dlq: %w", err)
	}
	if err := q.Channel.QueueBind(dlq, dlq, DeadLetterExchange(q.name), false, nil); err != nil {
		return fmt.Errorf("bind dlq: %w", err)
	}
	if _, err := q.Channel.QueueDeclare(q.name, true, false, false, false, queueArgs(q.name)); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	return nil
}

func (q *Queue) Publish(ctx context.Context, job SMSJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    job.EnqueuedAt,
		ContentType:  "application/json",
		Body:         body,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Channel.PublishWithContext(ctx, "", q.name, false, false, msg)
}

// Notify enqueues the text for cmd/notifier. Broker failures are logged and counted.
func (q *Queue) Notify(ctx context.Context, phone, message string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	err := q.Publish(ctx, SMSJob{Phone: phone, Message: message, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		q.log.Error("enqueue sms failed", "phone", phone, "error", err)
	}
	metrics.RecordNotification("queue", err == nil)
}

// Consume processes jobs until ctx ends or the delivery channel closes. Failed and
// malformed jobs are nacked without requeue so they land in the dead-letter queue.
func (q *Queue) Consume(ctx context.Context, consumer string, prefetch int, h Handler) error {
	if prefetch > 0 {
		if err := q.Channel.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("qos: %w", err)
		}
	}
	msgs, err := q.Channel.Consume(
		q.name,
		consumer,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			q.handle(ctx, d, h)
		}
	}
}

// DrainDeadLetters logs and acks whatever reached the dead-letter queue.
func (q *Queue) DrainDeadLetters(ctx context.Context, consumer string) error {
	msgs, err := q.Channel.Consume(DeadLetterQueue(q.name), consumer+"-dlq", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("register dlq consumer: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			q.log.Warn("sms dead letter", "body", string(d.Body))
			if err := d.Ack(false); err != nil {
				q.log.Error("ack dead letter failed", "error", err)
			}
		}
	}
}

func (q *Queue) handle(ctx context.Context, d amqp.Delivery, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("sms handler panic", "panic", r)
			_ = d.Nack(false, false)
		}
	}()

	var job SMSJob
	if err := json.Unmarshal(d.Body, &job); err != nil || job.Phone == "" {
		q.log.Warn("malformed sms job", "body", string(d.Body))
		_ = d.Nack(false, false)
		return
	}
	if err := h(ctx, job); err != nil {
		q.log.Error("sms job failed", "phone", job.Phone, "error", err)
		_ = d.Nack(false, false)
		return
	}
	if err := d.Ack(false); err != nil {
		q.log.Error("ack failed", "error", err)
	}
}

func (q *Queue) Close() {
	if q.Channel != nil {
		_ = q.Channel.Close()
	}
	if q.Conn != nil {
		_ = q.Conn.Close()
	}
}
