package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

const defaultQueue = "campaign_sends"

// AMQP hands each message to a broker queue for a downstream sender. The
// connection is opened on first use and reopened after a failure.
type AMQP struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQP(d Definition) (*AMQP, error) {
	if d.URL == "" {
		return nil, fmt.Errorf("channel %s: url is required", d.ID)
	}
	q := d.Queue
	if q == "" {
		q = defaultQueue
	}
	return &AMQP{url: d.URL, queue: q}, nil
}

func (a *AMQP) connect() error {
	if a.ch != nil {
		return nil
	}
	conn, err := amqp.Dial(a.url)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	_, err = ch.QueueDeclare(
		a.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	a.conn, a.ch = conn, ch
	return nil
}

func (a *AMQP) reset() {
	if a.ch != nil {
		a.ch.Close()
	}
	if a.conn != nil {
		a.conn.Close()
	}
	a.conn, a.ch = nil, nil
}

func (a *AMQP) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.connect(); err != nil {
		return err
	}
	err = a.ch.Publish(
		"",
		a.queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			MessageId:    m.CampaignID + ":" + m.RecipientID,
			Body:         body,
		},
	)
	if err != nil {
		a.reset()
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
	return nil
}
