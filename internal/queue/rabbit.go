package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/franzego/teleconsult/internal/config"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// MessageNotificationReceived tells other instances of the same user to
// refresh their notification view. It is never a source of truth.
const MessageNotificationReceived = "notification_received"

type SyncMessage struct {
	Type    string          `json:"type"`
	UserID  string          `json:"user_id"`
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Channel is the subset of *amqp.Channel the client uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

type RabbitMqClient struct {
	Conn    *amqp.Connection
	Channel Channel
	Config  config.RabbitMQConfig
	// InstanceID marks broadcasts from this process so it can skip its own.
	InstanceID string
	logger     *zap.Logger
}

func NewRabbitMqService(cfg config.RabbitMQConfig, logger *zap.Logger) (*RabbitMqClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	return &RabbitMqClient{
		Conn:       conn,
		Channel:    channel,
		Config:     cfg,
		InstanceID: uuid.New().String(),
		logger:     logger.With(zap.String("component", "rabbitmq")),
	}, nil
}

// NewWithChannel builds a client over an existing channel.
func NewWithChannel(ch Channel, cfg config.RabbitMQConfig, logger *zap.Logger) *RabbitMqClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitMqClient{Channel: ch, Config: cfg, InstanceID: uuid.New().String(), logger: logger}
}

func (r *RabbitMqClient) CloseConnection() {
	if r.Channel != nil {
		r.Channel.Close()
	}
	if r.Conn != nil {
		r.Conn.Close()
	}
}

func (r *RabbitMqClient) IsConnected() bool {
	if r.Conn == nil {
		return r.Channel != nil
	}
	return !r.Conn.IsClosed()
}

// SetUpExchangeAndQueue declares the direct exchange with the push queue
// bound to it, and the fanout exchange used for cross-instance sync.
func (r *RabbitMqClient) SetUpExchangeAndQueue() error {
	if err := r.Channel.ExchangeDeclare(
		r.Config.Exchange,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("declare exchange %s: %w", r.Config.Exchange, err)
	}
	if _, err := r.Channel.QueueDeclare(
		r.Config.PushQueue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", r.Config.PushQueue, err)
	}
	if err := r.Channel.QueueBind(
		r.Config.PushQueue,
		r.Config.PushQueue,
		r.Config.Exchange,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", r.Config.PushQueue, err)
	}
	if err := r.Channel.ExchangeDeclare(
		r.Config.SyncExchange,
		"fanout",
		false,
		true,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare sync exchange %s: %w", r.Config.SyncExchange, err)
	}
	return nil
}

func (r *RabbitMqClient) publish(ctx context.Context, exchange, routingKey string, message interface{}, mode uint8) error {
	by, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	err = r.Channel.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         by,
			DeliveryMode: mode,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (r *RabbitMqClient) Publish(ctx context.Context, routingKey string, message interface{}) error {
	return r.publish(ctx, r.Config.Exchange, routingKey, message, amqp.Persistent)
}

func (r *RabbitMqClient) PublishPush(ctx context.Context, message interface{}) error {
	return r.Publish(ctx, r.Config.PushQueue, message)
}

// Broadcast fans a notification_received message out to every instance.
// Delivery is fire and forget.
func (r *RabbitMqClient) Broadcast(ctx context.Context, userID string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	msg := SyncMessage{Type: MessageNotificationReceived, UserID: userID, Origin: r.InstanceID, Payload: raw}
	return r.publish(ctx, r.Config.SyncExchange, "", msg, amqp.Transient)
}

// ConsumeBroadcasts binds a private queue to the sync exchange and hands
// every message from other instances to handle until ctx is cancelled or
// the channel closes.
func (r *RabbitMqClient) ConsumeBroadcasts(ctx context.Context, handle func(SyncMessage)) error {
	q, err := r.Channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare sync queue: %w", err)
	}
	if err := r.Channel.QueueBind(q.Name, "", r.Config.SyncExchange, false, nil); err != nil {
		return fmt.Errorf("bind sync queue: %w", err)
	}
	deliveries, err := r.Channel.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume sync queue: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var msg SyncMessage
				if err := json.Unmarshal(d.Body, &msg); err != nil {
					r.logger.Warn("dropping malformed sync message", zap.Error(err))
					continue
				}
				if msg.Origin == r.InstanceID {
					continue
				}
				handle(msg)
			}
		}
	}()
	return nil
}
