package notify

import (
	"context"
	"encoding/json"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQConfig struct {
	URL      string
	Exchange string
}

// RabbitMQ publishes events to a durable topic exchange with routing key
// "<project>.<event type>", e.g. "testproj.job.added".
type RabbitMQ struct {
	conn     *amqp.Connection
	exchange string

	mu sync.Mutex
	ch *amqp.Channel
}

var _ Publisher = (*RabbitMQ)(nil)

func NewRabbitMQ(cfg RabbitMQConfig) (*RabbitMQ, error) {
	// create tcp connection to rabbitmq
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &RabbitMQ{
		conn:     conn,
		ch:       ch,
		exchange: cfg.Exchange,
	}, nil
}

func RoutingKey(ev Event) string {
	return ev.Project + "." + ev.Type
}

func (r *RabbitMQ) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.ch.PublishWithContext(
		ctx,
		r.exchange,
		RoutingKey(ev),
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   ev.At,
			Body:        body,
		},
	)
}

func (r *RabbitMQ) Close() error {
	if err := r.ch.Close(); err != nil {
		r.conn.Close()
		return err
	}
	return r.conn.Close()
}
