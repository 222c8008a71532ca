package notify

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/go-groupbuy-orders/internal/logger"
	"github.com/ariefcatur/go-groupbuy-orders/internal/metrics"
	"github.com/ariefcatur/go-groupbuy-orders/internal/orders"
	"github.com/ariefcatur/go-groupbuy-orders/internal/sms"
)

// Sender delivers one text message. *sms.Client implements it.
type Sender interface {
	SendSMS(ctx context.Context, to, body string) (*sms.Message, error)
}

type job struct {
	phone   string
	message string
}

// Dispatcher delivers notifications on a fixed worker pool so the engine never waits on
// the SMS gateway. A full buffer drops the message.
type Dispatcher struct {
	sender  Sender
	log     *logger.Logger
	workers int
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	wg     sync.WaitGroup
}

var _ orders.Notifier = (*Dispatcher)(nil)

func NewDispatcher(sender Sender, log *logger.Logger, workers, buf int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if buf <= 0 {
		buf = 256
	}
	return &Dispatcher{
		sender:  sender,
		log:     log.With("component", "notify"),
		workers: workers,
		timeout: 30 * time.Second,
		jobs:    make(chan job, buf),
	}
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for j := range d.jobs {
				d.deliver(j)
			}
		}()
	}
}

func (d *Dispatcher) Notify(_ context.Context, phone, message string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn("notification after close dropped", "phone", phone)
		metrics.RecordNotification("direct", false)
		return
	}
	select {
	case d.jobs <- job{phone: phone, message: message}:
	default:
		d.log.Warn("notification buffer full, dropped", "phone", phone)
		metrics.RecordNotification("direct", false)
	}
}

// Close stops intake and waits for queued messages to go out.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) deliver(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	msg, err := d.sender.SendSMS(ctx, j.phone, j.message)
	if err != nil {
		d.log.Error("sms delivery failed", "phone", j.phone, "error", err)
		metrics.RecordNotification("direct", false)
		return
	}
	sid := ""
	if msg != nil {
		sid = msg.SID
	}
	d.log.Debug("sms sent", "phone", j.phone, "sid", sid)
	metrics.RecordNotification("direct", true)
}
