package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/models"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// MessageWriter is the subset of *kafkago.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type BreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
}

// Producer publishes offline notifications and message-sent events. Writes
// go through a circuit breaker so a broker outage fails fast instead of
// stalling the router.
type Producer struct {
	notifications MessageWriter
	events        MessageWriter
	cb            *gobreaker.CircuitBreaker
	log           *zap.Logger
}

func newWriter(brokers []string, topic string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		Async:        false,
		WriteTimeout: 5 * time.Second,
	}
}

func NewProducer(brokers []string, notificationTopic, eventTopic string, bc BreakerConfig, log *zap.Logger) *Producer {
	return NewProducerWithWriters(newWriter(brokers, notificationTopic), newWriter(brokers, eventTopic), bc, log)
}

func NewProducerWithWriters(notifications, events MessageWriter, bc BreakerConfig, log *zap.Logger) *Producer {
	if bc.MaxFailures == 0 {
		bc.MaxFailures = 5
	}
	st := gobreaker.Settings{
		Name:        "kafka-producer",
		MaxRequests: 1,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Producer{
		notifications: notifications,
		events:        events,
		cb:            gobreaker.NewCircuitBreaker(st),
		log:           log,
	}
}

func (p *Producer) write(ctx context.Context, w MessageWriter, key string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := kafkago.Message{
		Key:   []byte(key),
		Value: b,
		Time:  time.Now(),
	}
	_, err = p.cb.Execute(func() (interface{}, error) {
		return nil, w.WriteMessages(ctx, msg)
	})
	return err
}

// Notify hands n to the notification topic, keyed by recipient.
func (p *Producer) Notify(ctx context.Context, n models.Notification) error {
	return p.write(ctx, p.notifications, n.UserID, n)
}

// PublishMessageSent emits the persisted message, keyed by conversation so
// consumers see one conversation in order.
func (p *Producer) PublishMessageSent(ctx context.Context, m *models.Message) error {
	return p.write(ctx, p.events, m.ConversationID, m)
}

// IsOpen reports whether the breaker is currently rejecting writes.
func (p *Producer) IsOpen() bool {
	return p.cb.State() == gobreaker.StateOpen
}

func (p *Producer) Close() error {
	return errors.Join(p.notifications.Close(), p.events.Close())
}
