// Package queue wraps the NATS JetStream work queue that carries execution
// tasks. Delivery is at-least-once: consumers ack on completion and nak with
// a delay to requeue; an unacked task is redelivered after the ack wait.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Task is the message a trigger enqueues. ExecutionID is minted once at
// enqueue time and is the idempotency key for the whole pipeline.
type Task struct {
	ExecutionID string    `json:"execution_id"`
	TestID      string    `json:"test_id"`
	TriggerTime time.Time `json:"trigger_time"`
}

type Publisher struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	subject string
}

func NewPublisher(url, stream, subject string) (*Publisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if err := ensureStream(js, stream, subject); err != nil {
		conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, js: js, subject: subject}, nil
}

func (p *Publisher) Enqueue(ctx context.Context, task Task) error {
	if task.ExecutionID == "" {
		return errors.New("task is missing execution_id")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	// MsgId dedupes a double-submitted trigger at the broker as well
	_, err = p.js.Publish(p.subject, data, nats.MsgId(task.ExecutionID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ExecutionID, err)
	}
	return nil
}

func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Drain()
		p.conn.Close()
	}
}

// Delivery is one dequeue of a task. Deliveries counts broker deliveries of
// this message including this one; every Retry increments it.
type Delivery struct {
	Task       Task
	Deliveries int
	msg        *nats.Msg
}

func (d *Delivery) Ack() error {
	return d.msg.Ack()
}

// Retry requeues the same task for redelivery after delay.
func (d *Delivery) Retry(delay time.Duration) error {
	return d.msg.NakWithDelay(delay)
}

type Consumer struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	sub  *nats.Subscription

	stream  string
	subject string
	durable string
	ackWait time.Duration
}

func NewConsumer(url, stream, subject, durable string, ackWait time.Duration) (*Consumer, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if err := ensureStream(js, stream, subject); err != nil {
		conn.Close()
		return nil, err
	}
	return &Consumer{
		conn:    conn,
		js:      js,
		stream:  stream,
		subject: subject,
		durable: durable,
		ackWait: ackWait,
	}, nil
}

// Subscribe delivers tasks to handler on the queue group named by the durable
// consumer, so multiple worker processes share the stream.
func (c *Consumer) Subscribe(handler func(*Delivery)) error {
	sub, err := c.js.QueueSubscribe(c.subject, c.durable, func(msg *nats.Msg) {
		var task Task
		if err := json.Unmarshal(msg.Data, &task); err != nil {
			// malformed payloads are dropped, redelivery cannot fix them
			_ = msg.Term()
			return
		}
		deliveries := 1
		if meta, err := msg.Metadata(); err == nil {
			deliveries = int(meta.NumDelivered)
		}
		handler(&Delivery{Task: task, Deliveries: deliveries, msg: msg})
	},
		nats.Durable(c.durable),
		nats.ManualAck(),
		nats.AckWait(c.ackWait),
		// the worker enforces the retry budget; the broker redelivers
		// until acked, so a busy-lease requeue never drops a task
		nats.MaxDeliver(-1),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.subject, err)
	}
	c.sub = sub
	return nil
}

func (c *Consumer) Close() {
	if c.sub != nil {
		_ = c.sub.Drain()
	}
	if c.conn != nil {
		c.conn.Drain()
		c.conn.Close()
	}
}

func ensureStream(js nats.JetStreamContext, stream, subject string) error {
	_, err := js.StreamInfo(stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", stream, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", stream, err)
	}
	return nil
}
