package rabbitmq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ariefcatur/go-groupbuy-orders/internal/logger"
)

type fakeAck struct {
	acked, nacked, requeued int
}

func (f *fakeAck) Ack(uint64, bool) error { f.acked++; return nil }
func (f *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked++
	if requeue {
		f.requeued++
	}
	return nil
}
func (f *fakeAck) Reject(uint64, bool) error { return nil }

func testQueue() *Queue {
	return &Queue{name: "groupbuy.sms", log: logger.Nop()}
}

func TestHandleAcksDeliveredJob(t *testing.T) {
	ack := &fakeAck{}
	var got SMSJob
	testQueue().handle(context.Background(),
		amqp.Delivery{Acknowledger: ack, Body: []byte(`{"phone":"+1","message":"hi"}`)},
		func(_ context.Context, job SMSJob) error { got = job; return nil })

	if ack.acked != 1 || ack.nacked != 0 {
		t.Fatalf("acked=%d nacked=%d", ack.acked, ack.nacked)
	}
	if got.Phone != "+1" || got.Message != "hi" {
		t.Fatalf("job = %+v", got)
	}
}

func TestHandleDeadLettersFailures(t *testing.T) {
	cases := map[string]struct {
		body string
		h    Handler
	}{
		"malformed":  {body: `not json`, h: func(context.Context, SMSJob) error { return nil }},
		"no phone":   {body: `{"message":"hi"}`, h: func(context.Context, SMSJob) error { return nil }},
		"send error": {body: `{"phone":"+1"}`, h: func(context.Context, SMSJob) error { return errors.New("down") }},
		"panic":      {body: `{"phone":"+1"}`, h: func(context.Context, SMSJob) error { panic("boom") }},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ack := &fakeAck{}
			testQueue().handle(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte(tc.body)}, tc.h)
			if ack.acked != 0 || ack.nacked != 1 || ack.requeued != 0 {
				t.Fatalf("acked=%d nacked=%d requeued=%d", ack.acked, ack.nacked, ack.requeued)
			}
		})
	}
}

func TestQueueArgsPointAtDeadLetterExchange(t *testing.T) {
	args := queueArgs("groupbuy.sms")
	if args["x-dead-letter-exchange"] != "groupbuy.sms_dlq_exchange" {
		t.Fatalf("dlx = %v", args["x-dead-letter-exchange"])
	}
	if args["x-dead-letter-routing-key"] != "groupbuy.sms_dlq" {
		t.Fatalf("routing key = %v", args["x-dead-letter-routing-key"])
	}
}
