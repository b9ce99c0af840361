package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Shopify/sarama"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Publisher ships encoded updates to a message broker.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, body []byte) error
	Close() error
}

type PublisherConfig struct {
	KafkaBrokers string
	AMQPURL      string
	AMQPExchange string
}

// NewPublisher picks Kafka, then AMQP, and falls back to a noop publisher
// when neither is configured or reachable.
func NewPublisher(cfg PublisherConfig, logger logrus.FieldLogger) Publisher {
	if len(cfg.KafkaBrokers) > 0 {
		p, err := NewKafkaPublisher(strings.Split(cfg.KafkaBrokers, ","))
		if err == nil {
			logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka publisher connected")
			return p
		}
		logger.WithError(err).Warning("kafka disabled, trying next publisher")
	}

	if len(cfg.AMQPURL) > 0 {
		p, err := NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err == nil {
			logger.WithField("exchange", cfg.AMQPExchange).Info("rabbitmq publisher connected")
			return p
		}
		logger.WithError(err).Warning("rabbitmq disabled, using noop")
		return &noopPublisher{reason: err.Error(), logger: logger}
	}

	return &noopPublisher{reason: "no broker configured", logger: logger}
}

// PublisherMode reports the publisher mode for logging.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *KafkaPublisher:
		return "kafka"
	case *AMQPPublisher:
		return "amqp"
	case *noopPublisher:
		return "noop"
	default:
		return "custom"
	}
}

type KafkaPublisher struct {
	producer sarama.SyncProducer
}

func NewKafkaPublisher(addrs []string) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Timeout = 10 * time.Second
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(addrs, config)
	if err != nil {
		return nil, fmt.Errorf("can't create producer: %w", err)
	}
	return NewKafkaPublisherFromProducer(producer), nil
}

func NewKafkaPublisherFromProducer(producer sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
	}
}

func (p *KafkaPublisher) Publish(_ context.Context, topic, key string, body []byte) error {
	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(body),
		Timestamp: time.Now().UTC(),
	})
	return err
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish uses topic.key as the routing key.
func (p *AMQPPublisher) Publish(ctx context.Context, topic, key string, body []byte) error {
	return p.ch.PublishWithContext(ctx, p.exchange, topic+"."+key, false, false, amqp.Publishing{
		ContentType:  "application/x-protobuf",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type noopPublisher struct {
	reason string
	logger logrus.FieldLogger
}

func (p *noopPublisher) Publish(_ context.Context, topic, key string, body []byte) error {
	p.logger.
		WithField("topic", topic).
		WithField("key", key).
		WithField("size", len(body)).
		Debug("noop publish")
	return nil
}

func (p *noopPublisher) Close() error {
	return nil
}
