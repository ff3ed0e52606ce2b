// Package messaging provides abstractions for message broker communication.
// The remote query transport and the event sinks depend on these interfaces,
// not on a specific broker.
package messaging

import (
	"context"
	"time"
)

// Message is one broker message. Emitted batches travel as JSON in Data with
// their source and log type repeated in Metadata so consumers can filter
// without decoding.
type Message struct {
	Subject   string
	Data      []byte
	Reply     string
	Metadata  map[string]string
	Timestamp time.Time // receive time, or the stream's store time for JetStream
}

// Header returns the metadata value for key, or "".
func (m *Message) Header(key string) string {
	if m == nil || m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// MessageHandler processes a received message.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription is a live subscription. Client.Close ends all of them.
type Subscription interface {
	Unsubscribe() error
	Subject() string
	IsValid() bool
}

// Publisher sends batches and remote query requests.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishMsg(ctx context.Context, msg *Message) error

	// Request waits up to timeout for a single reply.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*Message, error)

	Close() error
}

// Subscriber receives messages. QueueSubscribe spreads a subject over the
// members of queue.
type Subscriber interface {
	Subscribe(subject string, handler MessageHandler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler MessageHandler) (Subscription, error)
	Close() error
}

// Client combines Publisher and Subscriber.
type Client interface {
	Publisher
	Subscriber

	Drain() error

	IsConnected() bool
}

// PublishOption configures message publishing behavior.
type PublishOption func(*PublishOptions)

// PublishOptions is the resolved set of publish options.
type PublishOptions struct {
	Headers map[string]string
}

// WithHeader adds a header to the published message.
func WithHeader(key, value string) PublishOption {
	return func(o *PublishOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]string)
		}
		o.Headers[key] = value
	}
}

// ApplyPublishOptions folds opts into a PublishOptions value.
func ApplyPublishOptions(opts ...PublishOption) PublishOptions {
	var o PublishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
