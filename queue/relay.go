// Package queue relays committed resource writes to RabbitMQ for downstream
// integration consumers. Publishing is best-effort: a broker failure is
// logged and never fails the triggering write.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"

	"github.com/vitalbase/vitalbase/common"
	"github.com/vitalbase/vitalbase/db"
)

// ChangePublisher is the outbound surface the write path sees.
type ChangePublisher interface {
	// PublishChange publishes one committed write.
	PublishChange(event db.ChangeEvent) error

	// Close closes the broker connection.
	Close() error
}

// Relay owns a connection and channel to RabbitMQ and publishes change
// events to a durable queue.
type Relay struct {
	connection AMQPConnection
	channel    AMQPChannel
	queueName  string
}

// NewRelay connects to the broker and declares the durable queue.
func NewRelay(url, queueName string) (*Relay, error) {
	return NewRelayWithDialer(url, queueName, &RealAMQPDialer{})
}

// NewRelayWithDialer creates the relay with an injected dialer, used by
// tests.
func NewRelayWithDialer(url, queueName string, dialer AMQPDialer) (*Relay, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Durable so events survive broker restarts.
	_, err = ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return &Relay{
		connection: conn,
		channel:    ch,
		queueName:  queueName,
	}, nil
}

// PublishChange serializes the event to JSON and publishes it with
// persistent delivery.
func (r *Relay) PublishChange(event db.ChangeEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize change event: %w", err)
	}
	err = r.channel.Publish(
		"",          // default exchange
		r.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	common.Logger.WithField("kind", event.Kind).WithField("operation", event.Operation).
		Debug("change event relayed")
	return nil
}

// Close closes the channel and the connection.
func (r *Relay) Close() error {
	if err := r.channel.Close(); err != nil {
		return fmt.Errorf("failed to close channel: %w", err)
	}
	if err := r.connection.Close(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}
