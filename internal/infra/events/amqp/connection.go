package amqp

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection owns the broker connection and channel behind a Publisher.
type Connection struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to url, declares exchange as a durable topic exchange and
// puts the channel in confirm mode.
func Dial(url, exchange string, opts ...Option) (*Publisher, *Connection, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("enable confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	opts = append([]Option{WithConfirms(confirms)}, opts...)
	return NewPublisher(ch, exchange, opts...), &Connection{conn: conn, ch: ch}, nil
}

// Close closes the channel and the connection.
func (c *Connection) Close() error {
	if c == nil {
		return nil
	}
	_ = c.ch.Close()
	return c.conn.Close()
}
