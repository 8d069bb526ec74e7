package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/streadway/amqp"

	"github.com/deuxdrop/chat/server/logs"
	"github.com/deuxdrop/chat/server/pipeline"
	"github.com/deuxdrop/chat/server/store/types"
)

// Delivery headers which address an inbound event. Exactly one is expected.
const (
	HeaderUser    = "user"
	HeaderTellKey = "tellKey"
)

// Submitter queues events for the user pipelines. Implemented by *pipeline.Runner.
type Submitter interface {
	Submit(ctx context.Context, userRootKey string, ev types.Event) (<-chan pipeline.Outcome, error)
	SubmitForTellKey(ctx context.Context, tellKey string, ev types.Event) (<-chan pipeline.Outcome, error)
}

// Consumer feeds inbound deliveries to the pipelines. A delivery is acknowledged once its
// event is applied or found to be garbage; retryable failures are requeued.
type Consumer struct {
	ch     channel
	queue  string
	submit Submitter

	wg sync.WaitGroup
}

// NewConsumer creates a consumer of the inbound queue.
func (b *Broker) NewConsumer(queue string, submit Submitter) *Consumer {
	return &Consumer{ch: b.ch, queue: queue, submit: submit}
}

// Run consumes until ctx is done or the delivery channel closes, then waits for the
// outcomes of the submitted events.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	defer c.wg.Wait()

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, d)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	ev, err := types.DecodeEvent(d.Body)
	if err != nil {
		logs.Warn.Printf("queue: dropped delivery %d: %v", d.DeliveryTag, err)
		d.Reject(false)
		return
	}

	var done <-chan pipeline.Outcome
	if user, ok := d.Headers[HeaderUser].(string); ok && user != "" {
		done, err = c.submit.Submit(ctx, user, ev)
	} else if tell, ok := d.Headers[HeaderTellKey].(string); ok && tell != "" {
		done, err = c.submit.SubmitForTellKey(ctx, tell, ev)
	} else {
		err = types.Errorf(types.ErrMalformedPayload, "delivery %d has no recipient", d.DeliveryTag)
	}
	if err != nil {
		settle(d, err)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		settle(d, (<-done).Err)
	}()
}

// settle acknowledges the delivery according to the outcome of its event.
func settle(d amqp.Delivery, err error) {
	var ackErr error
	switch {
	case err == nil, types.IsNoop(err):
		ackErr = d.Ack(false)
	case types.IsRetryable(err), errors.Is(err, pipeline.ErrStopped), errors.Is(err, context.Canceled):
		ackErr = d.Nack(false, true)
	default:
		logs.Warn.Printf("queue: rejected delivery %d: %v", d.DeliveryTag, err)
		ackErr = d.Reject(false)
	}
	if ackErr != nil {
		logs.Err.Printf("queue: failed to settle delivery %d: %v", d.DeliveryTag, ackErr)
	}
}
