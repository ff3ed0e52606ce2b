package sink

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/logstream/common/messaging"
	"github.com/telhawk-systems/logstream/internal/models"
)

// TopicSubject maps a topic onto its event subject prefix.
func TopicSubject(topic models.Topic) string {
	switch topic {
	case models.TopicCorrelated:
		return messaging.SubjectEventsCorrelated
	case models.TopicPcap:
		return messaging.SubjectEventsPcap
	default:
		return messaging.SubjectEventsPlain
	}
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// Subject returns the subject a batch is published on. Source ids are
// opaque, so tokens that are special in subjects are replaced.
func Subject(topic models.Topic, source string) string {
	return messaging.EventSubject(TopicSubject(topic), subjectReplacer.Replace(source))
}

func headers(b models.Batch) map[string]string {
	h := map[string]string{
		messaging.HeaderSource: b.Source,
	}
	if b.LogType != "" {
		h[messaging.HeaderLogType] = b.LogType
	}
	if b.IsEndOfStream() {
		h[messaging.HeaderEndOfStream] = strconv.FormatBool(true)
	}
	return h
}

// JSONPublisher is the part of the NATS client the publisher sink needs.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, subject string, v interface{}, opts ...messaging.PublishOption) error
}

// Publisher publishes each batch on core NATS. Publishing is buffered by the
// connection, so it is safe to use through Direct.
type Publisher struct {
	pub JSONPublisher
}

// NewPublisher creates a core NATS publisher sink.
func NewPublisher(pub JSONPublisher) *Publisher {
	return &Publisher{pub: pub}
}

func (p *Publisher) Name() string { return "nats" }

func (p *Publisher) Write(ctx context.Context, topic models.Topic, b models.Batch) error {
	var opts []messaging.PublishOption
	for k, v := range headers(b) {
		opts = append(opts, messaging.WithHeader(k, v))
	}
	if err := p.pub.PublishJSON(ctx, Subject(topic, b.Source), b, opts...); err != nil {
		return fmt.Errorf("publish %s batch: %w", topic, err)
	}
	return nil
}

// StreamPublisher is the part of the JetStream client the durable sink needs.
type StreamPublisher interface {
	PublishMsgSync(ctx context.Context, msg *messaging.Message) (*jetstream.PubAck, error)
}

// JetStream persists each batch in the events stream and waits for the
// stream ack. Use it behind a Queue.
type JetStream struct {
	js StreamPublisher
}

// NewJetStream creates a durable publisher sink.
func NewJetStream(js StreamPublisher) *JetStream {
	return &JetStream{js: js}
}

func (j *JetStream) Name() string { return "jetstream" }

func (j *JetStream) Write(ctx context.Context, topic models.Topic, b models.Batch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	_, err = j.js.PublishMsgSync(ctx, &messaging.Message{
		Subject:  Subject(topic, b.Source),
		Data:     data,
		Metadata: headers(b),
	})
	if err != nil {
		return fmt.Errorf("persist %s batch: %w", topic, err)
	}
	return nil
}

// TopicForSubject returns the topic an event subject belongs to.
func TopicForSubject(subject string) (models.Topic, bool) {
	for _, t := range models.Topics {
		prefix := TopicSubject(t)
		if subject == prefix || strings.HasPrefix(subject, prefix+".") {
			return t, true
		}
	}
	return "", false
}

// Decode returns the topic and batch carried by a message published by
// Publisher or JetStream.
func Decode(msg *messaging.Message) (models.Topic, models.Batch, error) {
	topic, ok := TopicForSubject(msg.Subject)
	if !ok {
		return "", models.Batch{}, fmt.Errorf("subject %q is not an event subject", msg.Subject)
	}
	var b models.Batch
	if err := json.Unmarshal(msg.Data, &b); err != nil {
		return "", models.Batch{}, fmt.Errorf("decode batch on %s: %w", msg.Subject, err)
	}
	if b.Source == "" {
		b.Source = msg.Header(messaging.HeaderSource)
	}
	if b.LogType == "" {
		b.LogType = msg.Header(messaging.HeaderLogType)
	}
	return topic, b, nil
}
