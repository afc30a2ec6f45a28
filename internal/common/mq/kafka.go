package mq

import (
	"context"
	"strings"
	"sync"
	"time"

	appErr "judged/pkg/errors"
	"judged/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	defaultMinBytes    = 1
	defaultMaxBytes    = 10 * 1024 * 1024
	defaultMaxWait     = 500 * time.Millisecond
	defaultDialTimeout = 10 * time.Second
)

// KafkaConfig holds Kafka connection settings.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ClientID      string        `yaml:"clientID"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	MinBytes      int           `yaml:"minBytes"`
	MaxBytes      int           `yaml:"maxBytes"`
	MaxWait       time.Duration `yaml:"maxWait"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
}

// KafkaQueue implements MessageQueue on top of segmentio/kafka-go.
type KafkaQueue struct {
	cfg    KafkaConfig
	writer *kafka.Writer

	mu      sync.Mutex
	subs    []*kafkaSubscription
	started bool
	closed  bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

type kafkaSubscription struct {
	topic   string
	handler HandlerFunc
}

// NewKafkaQueue creates a queue against the configured brokers.
func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, appErr.ValidationError("brokers", "required")
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = defaultMinBytes
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaQueue{cfg: cfg, writer: writer}, nil
}

// Publish sends one message to the topic.
func (k *KafkaQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if topic == "" {
		return appErr.ValidationError("topic", "required")
	}
	if message == nil {
		return appErr.ValidationError("message", "required")
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if err := k.writer.WriteMessages(ctx, toKafkaMessage(topic, message)); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "kafka publish failed")
	}
	return nil
}

// Subscribe registers a handler; consumption begins at Start.
func (k *KafkaQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc) error {
	if topic == "" {
		return appErr.ValidationError("topic", "required")
	}
	if handler == nil {
		return appErr.ValidationError("handler", "required")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("subscribe after start")
	}
	k.subs = append(k.subs, &kafkaSubscription{topic: topic, handler: handler})
	return nil
}

// Start launches one reader loop per subscription.
func (k *KafkaQueue) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	for _, sub := range k.subs {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  k.cfg.Brokers,
			GroupID:  k.cfg.ConsumerGroup,
			Topic:    sub.topic,
			MinBytes: k.cfg.MinBytes,
			MaxBytes: k.cfg.MaxBytes,
			MaxWait:  k.cfg.MaxWait,
		})
		k.wg.Add(1)
		go k.consumeLoop(ctx, reader, sub)
	}
	k.started = true
	return nil
}

func (k *KafkaQueue) consumeLoop(ctx context.Context, reader *kafka.Reader, sub *kafkaSubscription) {
	defer k.wg.Done()
	defer func() {
		_ = reader.Close()
	}()
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn(ctx, "kafka fetch failed", zap.String("topic", sub.topic), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		message := fromKafkaMessage(msg)
		if err := k.dispatch(ctx, sub, message); err != nil {
			logger.Error(ctx, "message handling failed",
				zap.String("topic", sub.topic),
				zap.String("message_id", message.ID),
				zap.Error(err))
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Warn(ctx, "kafka commit failed", zap.String("topic", sub.topic), zap.Error(err))
		}
	}
}

// dispatch retries the handler with a fixed delay before giving up on
// the message.
func (k *KafkaQueue) dispatch(ctx context.Context, sub *kafkaSubscription, message *Message) error {
	attempts := k.cfg.MaxRetries + 1
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = sub.handler(ctx, message); err == nil {
			return nil
		}
		message.RetryCount++
		if i < attempts-1 && k.cfg.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(k.cfg.RetryDelay):
			}
		}
	}
	return err
}

// Stop cancels the consumer loops and waits for them.
func (k *KafkaQueue) Stop() error {
	k.mu.Lock()
	if k.cancel != nil {
		k.cancel()
	}
	k.started = false
	k.mu.Unlock()
	k.wg.Wait()
	return nil
}

// Ping dials the first broker.
func (k *KafkaQueue) Ping(ctx context.Context) error {
	dialer := &kafka.Dialer{Timeout: k.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", k.cfg.Brokers[0])
	if err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "kafka ping failed")
	}
	return conn.Close()
}

// Close stops consumption and releases the producer.
func (k *KafkaQueue) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	_ = k.Stop()
	return k.writer.Close()
}

func toKafkaMessage(topic string, message *Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(message.Headers)+1)
	headers = append(headers, kafka.Header{Key: "message_id", Value: []byte(message.ID)})
	for key, value := range message.Headers {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(message.ID),
		Value:   message.Body,
		Headers: headers,
		Time:    message.Timestamp,
	}
}

func fromKafkaMessage(msg kafka.Message) *Message {
	message := &Message{
		Body:      msg.Value,
		Headers:   make(map[string]string, len(msg.Headers)),
		Timestamp: msg.Time,
	}
	for _, header := range msg.Headers {
		if header.Key == "message_id" {
			message.ID = string(header.Value)
			continue
		}
		message.Headers[header.Key] = string(header.Value)
	}
	if message.ID == "" {
		message.ID = strings.TrimSpace(string(msg.Key))
	}
	return message
}
