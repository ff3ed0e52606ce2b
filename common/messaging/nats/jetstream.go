package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/logstream/common/logging"
	"github.com/telhawk-systems/logstream/common/messaging"
)

// JetStreamClient adds the durable events stream to Client.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig describes a stream's subjects and retention limits.
type StreamConfig struct {
	Name      string
	Subjects  []string
	MaxAge    time.Duration
	MaxBytes  int64
	MaxMsgs   int64
	Retention jetstream.RetentionPolicy
	Storage   jetstream.StorageType
}

func (s StreamConfig) jetstream() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      s.Name,
		Subjects:  s.Subjects,
		MaxAge:    s.MaxAge,
		MaxBytes:  s.MaxBytes,
		MaxMsgs:   s.MaxMsgs,
		Retention: s.Retention,
		Storage:   s.Storage,
	}
}

// ConsumerConfig describes a durable consumer of the events stream.
type ConsumerConfig struct {
	Name          string
	FilterSubject string

	// AckWait is how long an unacked batch waits before redelivery.
	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int

	// DeliverNew skips batches stored before the consumer was created.
	DeliverNew bool
}

// DefaultConsumerConfig returns a consumer that replays the whole stream.
func DefaultConsumerConfig(name, filterSubject string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		FilterSubject: filterSubject,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
		MaxAckPending: 100,
	}
}

func (c ConsumerConfig) jetstream() jetstream.ConsumerConfig {
	deliver := jetstream.DeliverAllPolicy
	if c.DeliverNew {
		deliver = jetstream.DeliverNewPolicy
	}
	return jetstream.ConsumerConfig{
		Name:          c.Name,
		Durable:       c.Name,
		FilterSubject: c.FilterSubject,
		AckWait:       c.AckWait,
		MaxDeliver:    c.MaxDeliver,
		MaxAckPending: c.MaxAckPending,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: deliver,
	}
}

// EventsStream retains every emitted batch so consumers can replay a job's
// output after the poller has moved on.
var EventsStream = StreamConfig{
	Name:      "LOGSTREAM_EVENTS",
	Subjects:  []string{messaging.EventWildcard("logstream.events")},
	MaxAge:    24 * time.Hour,
	MaxBytes:  1 << 30,
	MaxMsgs:   1_000_000,
	Retention: jetstream.LimitsPolicy,
	Storage:   jetstream.FileStorage,
}

// NewJetStreamClient connects and opens a JetStream context.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(client.conn)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &JetStreamClient{Client: client, js: js}, nil
}

// CreateOrUpdateStream makes sure the stream exists with cfg's limits.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, cfg.jetstream())
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	c.logger.Debug("stream ready", slog.String("stream", cfg.Name), slog.Any("subjects", cfg.Subjects))
	return stream, nil
}

// CreateOrUpdateConsumer makes sure the durable consumer exists on streamName.
func (c *JetStreamClient) CreateOrUpdateConsumer(ctx context.Context, streamName string, cfg ConsumerConfig) (jetstream.Consumer, error) {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, streamName, cfg.jetstream())
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, fmt.Errorf("stream %s does not exist (is a service publishing with nats.jetstream?): %w", streamName, err)
		}
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", cfg.Name, err)
	}
	return consumer, nil
}

// PublishMsgSync persists msg and waits for the stream ack.
func (c *JetStreamClient) PublishMsgSync(ctx context.Context, msg *messaging.Message) (*jetstream.PubAck, error) {
	return c.js.PublishMsg(ctx, messageToNats(withRequestID(ctx, msg)))
}

// PublishSync persists data on subject and waits for the stream ack.
func (c *JetStreamClient) PublishSync(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error) {
	return c.PublishMsgSync(ctx, &messaging.Message{Subject: subject, Data: data})
}

// nakDelay postpones redelivery after a handler error.
const nakDelay = 5 * time.Second

// ConsumeMessages delivers the durable consumer's messages to handler. A
// handler error NAKs the message so it is redelivered after nakDelay. The
// returned function stops consumption.
func (c *JetStreamClient) ConsumeMessages(ctx context.Context, streamName, consumerName string, handler messaging.MessageHandler) (func(), error) {
	consumer, err := c.js.Consumer(ctx, streamName, consumerName)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer %s on %s: %w", consumerName, streamName, err)
	}
	log := c.logger.With(slog.String("stream", streamName), slog.String("consumer", consumerName))
	consumeCtx, cancel := context.WithCancel(ctx)

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		m := &messaging.Message{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Metadata:  headerMap(msg.Headers()),
			Timestamp: time.Now(),
		}
		if meta, err := msg.Metadata(); err == nil {
			m.Timestamp = meta.Timestamp
		}
		hctx := consumeCtx
		if id := m.Header(messaging.HeaderRequestID); id != "" {
			hctx = logging.ContextWithRequestID(hctx, id)
		}

		if err := handler(hctx, m); err != nil {
			logging.FromContext(hctx, log).Warn("jetstream handler failed, redelivering",
				slog.String("subject", m.Subject), logging.Error(err))
			_ = msg.NakWithDelay(nakDelay)
			return
		}
		_ = msg.Ack()
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		log.Warn("jetstream consume error", logging.Error(err))
	}))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	return func() {
		cancel()
		cons.Stop()
	}, nil
}
