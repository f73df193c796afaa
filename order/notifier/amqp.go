package notifier

import (
	"context"
	"encoding/json"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wfchen/durable/define"
)

// amqpNotifier publishes notifications to a rabbitmq queue.
type amqpNotifier struct {
	mutex   sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

func NewAmqpNotifier(url string, queue string) (Notifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	_, err = channel.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &amqpNotifier{
		conn:    conn,
		channel: channel,
		queue:   queue,
	}, nil
}

func (an *amqpNotifier) Notify(ctx context.Context, n *define.OrderNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	notifyCounter.Inc("amqp")
	an.mutex.Lock()
	defer an.mutex.Unlock()
	return an.channel.PublishWithContext(ctx, "", an.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (an *amqpNotifier) Close() error {
	an.mutex.Lock()
	defer an.mutex.Unlock()
	an.channel.Close()
	return an.conn.Close()
}
