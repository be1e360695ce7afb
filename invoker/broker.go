package invoker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// brokerConn is the slice of AMQP the broker watcher needs. The seam
// keeps the watcher testable without a live broker.
type brokerConn interface {
	// DeclareFanout declares the job's fanout exchange and binds an
	// exclusive queue to it.
	DeclareFanout(exchange, queue string) error

	// Consume starts delivery on the queue; each received message is
	// surfaced as one empty signal. The channel closes when the
	// underlying connection dies.
	Consume(queue string) (<-chan struct{}, error)

	// DeleteExchange removes the job's exchange after completion.
	DeleteExchange(exchange string) error

	Close() error
}

// dialAMQP opens a connection and channel to the configured broker.
func dialAMQP(url string) (brokerConn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &amqpConn{conn: conn, ch: ch}, nil
}

type amqpConn struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (a *amqpConn) DeclareFanout(exchange, queue string) error {
	if err := a.ch.ExchangeDeclare(exchange, "fanout", false, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare %s: %w", exchange, err)
	}
	if _, err := a.ch.QueueDeclare(queue, false, false, true, false, nil); err != nil {
		return fmt.Errorf("queue declare %s: %w", queue, err)
	}
	if err := a.ch.QueueBind(queue, "", exchange, false, nil); err != nil {
		return fmt.Errorf("queue bind %s: %w", queue, err)
	}
	return nil
}

func (a *amqpConn) Consume(queue string) (<-chan struct{}, error) {
	deliveries, err := a.ch.Consume(queue, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	signals := make(chan struct{})
	go func() {
		defer close(signals)
		for range deliveries {
			signals <- struct{}{}
		}
	}()
	return signals, nil
}

func (a *amqpConn) DeleteExchange(exchange string) error {
	return a.ch.ExchangeDelete(exchange, false, false)
}

func (a *amqpConn) Close() error {
	return a.conn.Close()
}
