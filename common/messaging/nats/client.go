// Package nats provides a NATS implementation of the messaging interfaces.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/logstream/common/logging"
	"github.com/telhawk-systems/logstream/common/messaging"
)

// Client implements messaging.Client using NATS.
type Client struct {
	conn         *nats.Conn
	logger       *slog.Logger
	flushTimeout time.Duration

	mu   sync.Mutex
	subs []*subscription
}

// Config holds NATS client configuration.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL  string
	Name string

	// MaxReconnects of -1 reconnects forever.
	MaxReconnects int
	ReconnectWait time.Duration

	// Timeout bounds the initial connect and the flush on Close.
	Timeout time.Duration

	Username string
	Password string
	Token    string

	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "logstream",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

func (cfg Config) options(logger *slog.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			// Slow consumers land here when a subscriber cannot keep up.
			attrs := []any{logging.Error(err)}
			if sub != nil {
				attrs = append(attrs, slog.String("subject", sub.Subject))
			}
			logger.Warn("NATS async error", attrs...)
		}),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	return opts
}

// NewClient connects to NATS with the given configuration.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String(logging.FieldComponent, "nats"))

	conn, err := nats.Connect(cfg.URL, cfg.options(logger)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	flushTimeout := cfg.Timeout
	if flushTimeout <= 0 {
		flushTimeout = 5 * time.Second
	}
	return &Client{conn: conn, logger: logger, flushTimeout: flushTimeout}, nil
}

// Publish sends data on subject.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	return c.PublishMsg(ctx, &messaging.Message{Subject: subject, Data: data})
}

// PublishJSON marshals v and publishes it with the given headers.
func (c *Client) PublishJSON(ctx context.Context, subject string, v interface{}, opts ...messaging.PublishOption) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", subject, err)
	}
	return c.PublishMsg(ctx, &messaging.Message{
		Subject:  subject,
		Data:     data,
		Metadata: messaging.ApplyPublishOptions(opts...).Headers,
	})
}

// PublishMsg sends msg. The request id carried by ctx is added as a header
// unless msg already has one. Publishing is buffered by the connection.
func (c *Client) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.PublishMsg(messageToNats(withRequestID(ctx, msg)))
}

// Request sends data and waits for a single reply.
func (c *Client) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*messaging.Message, error) {
	return c.RequestMsg(ctx, &messaging.Message{Subject: subject, Data: data}, timeout)
}

// RequestMsg sends msg and waits for a single reply. The deadline is the
// earlier of timeout and ctx's deadline.
func (c *Client) RequestMsg(ctx context.Context, msg *messaging.Message, timeout time.Duration) (*messaging.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := c.conn.RequestMsgWithContext(ctx, messageToNats(withRequestID(ctx, msg)))
	if err != nil {
		return nil, err
	}
	return natsToMessage(resp), nil
}

// Subscribe delivers every message on subject to handler.
func (c *Client) Subscribe(subject string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	return c.subscribe(subject, "", handler)
}

// QueueSubscribe delivers each message on subject to one member of queue.
func (c *Client) QueueSubscribe(subject, queue string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	return c.subscribe(subject, queue, handler)
}

func (c *Client) subscribe(subject, queue string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	log := c.logger.With(slog.String("subject", subject))
	if queue != "" {
		log = log.With(slog.String("queue", queue))
	}
	cb := func(msg *nats.Msg) {
		m := natsToMessage(msg)
		ctx := context.Background()
		if id := m.Header(messaging.HeaderRequestID); id != "" {
			ctx = logging.ContextWithRequestID(ctx, id)
		}
		if err := handler(ctx, m); err != nil {
			logging.FromContext(ctx, log).Error("message handler failed", logging.Error(err))
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = c.conn.Subscribe(subject, cb)
	} else {
		sub, err = c.conn.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	s := &subscription{natsSub: sub}
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()
	return s, nil
}

// Close flushes buffered publishes, unsubscribes everything and closes the
// connection. Batches published just before Close still reach the server.
func (c *Client) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}

	var err error
	if c.conn.IsConnected() {
		if ferr := c.conn.FlushTimeout(c.flushTimeout); ferr != nil {
			err = fmt.Errorf("flush before close: %w", ferr)
		}
	}
	c.conn.Close()
	return err
}

// Drain closes after in-flight messages are processed.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

type subscription struct {
	natsSub *nats.Subscription
}

func (s *subscription) Unsubscribe() error { return s.natsSub.Unsubscribe() }
func (s *subscription) Subject() string    { return s.natsSub.Subject }
func (s *subscription) IsValid() bool      { return s.natsSub.IsValid() }

// withRequestID returns msg, or a copy carrying ctx's request id.
func withRequestID(ctx context.Context, msg *messaging.Message) *messaging.Message {
	id := logging.RequestIDFromContext(ctx)
	if id == "" || msg.Header(messaging.HeaderRequestID) != "" {
		return msg
	}
	out := *msg
	out.Metadata = make(map[string]string, len(msg.Metadata)+1)
	for k, v := range msg.Metadata {
		out.Metadata[k] = v
	}
	out.Metadata[messaging.HeaderRequestID] = id
	return &out
}

func messageToNats(msg *messaging.Message) *nats.Msg {
	m := nats.NewMsg(msg.Subject)
	m.Data = msg.Data
	m.Reply = msg.Reply
	for k, v := range msg.Metadata {
		m.Header.Set(k, v)
	}
	return m
}

func natsToMessage(msg *nats.Msg) *messaging.Message {
	return &messaging.Message{
		Subject:   msg.Subject,
		Data:      msg.Data,
		Reply:     msg.Reply,
		Metadata:  headerMap(msg.Header),
		Timestamp: time.Now(),
	}
}

func headerMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	m := make(map[string]string, len(h))
	for k := range h {
		m[k] = h.Get(k)
	}
	return m
}
