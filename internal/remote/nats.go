package remote

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/telhawk-systems/logstream/common/messaging"
	"github.com/telhawk-systems/logstream/internal/models"
)

// Requester is the part of a messaging client NATSClient needs.
// *nats.Client from common/messaging/nats satisfies it.
type Requester interface {
	RequestMsg(ctx context.Context, msg *messaging.Message, timeout time.Duration) (*messaging.Message, error)
}

// NATSConfig configures a NATSClient.
type NATSConfig struct {
	ChannelID string

	// Timeout bounds each request on top of any long-poll budget it carries.
	Timeout time.Duration

	Tokens TokenSource
}

// NATSClient implements QueryClient and ChannelClient over NATS
// request/reply. Replies carry the same JSON bodies as the REST API; a
// failed request sets the status and error headers instead.
type NATSClient struct {
	conn      Requester
	channelID string
	timeout   time.Duration
	tokens    TokenSource
}

// NewNATSClient creates a client that sends requests through conn.
func NewNATSClient(conn Requester, cfg NATSConfig) *NATSClient {
	if cfg.ChannelID == "" {
		cfg.ChannelID = DefaultChannelID
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &NATSClient{
		conn:      conn,
		channelID: cfg.ChannelID,
		timeout:   cfg.Timeout,
		tokens:    cfg.Tokens,
	}
}

// ChannelID returns the event channel this client drives.
func (c *NATSClient) ChannelID() string {
	return c.channelID
}

func (c *NATSClient) SubmitQuery(ctx context.Context, spec QuerySpec) (*Page, error) {
	const op = "submit query"
	if strings.TrimSpace(spec.Query) == "" {
		return nil, models.ConfigError("query text is empty")
	}
	body, err := c.request(ctx, op, messaging.SubjectQuerySubmit, newQueryRequest(spec), spec.MaxWaitTime)
	if err != nil {
		return nil, err
	}
	return decodeJob(op, body)
}

func (c *NATSClient) Poll(ctx context.Context, queryID string, sequenceNo int, maxWaitTime time.Duration) (*Page, error) {
	const op = "poll query"
	body, err := c.request(ctx, op, messaging.SubjectQueryPoll, pollRequest{
		QueryID:     queryID,
		SequenceNo:  sequenceNo,
		MaxWaitTime: maxWaitTime.Milliseconds(),
	}, maxWaitTime)
	if err != nil {
		return nil, err
	}
	return decodeJob(op, body)
}

func (c *NATSClient) DeleteQuery(ctx context.Context, queryID string) error {
	_, err := c.request(ctx, "delete query", messaging.SubjectQueryDelete, pollRequest{QueryID: queryID}, 0)
	return err
}

// Channel returns a ChannelClient view of c.
func (c *NATSClient) Channel() ChannelClient {
	return natsChannel{c}
}

type natsChannel struct {
	*NATSClient
}

type channelRequest struct {
	ChannelID    string        `json:"channelId"`
	Filters      []filterEntry `json:"filters,omitempty"`
	Flush        bool          `json:"flush,omitempty"`
	Timeout      int64         `json:"timeout,omitempty"`
	MaxBatchSize int           `json:"maxBatchSize,omitempty"`
}

func (n natsChannel) SetFilters(ctx context.Context, spec FilterSpec) (*FilterResponse, error) {
	const op = "set filters"
	fr := newFilterRequest(spec)
	body, err := n.request(ctx, op, messaging.SubjectChannelFilters, channelRequest{
		ChannelID: n.channelID,
		Filters:   fr.Filters,
		Flush:     fr.Flush,
	}, 0)
	if err != nil {
		return nil, err
	}
	return decodeFilters(op, body)
}

func (n natsChannel) ClearFilters(ctx context.Context, flush bool) error {
	_, err := n.request(ctx, "clear filters", messaging.SubjectChannelFilters, channelRequest{
		ChannelID: n.channelID,
		Flush:     flush,
	}, 0)
	return err
}

func (n natsChannel) Poll(ctx context.Context, opts PollOptions) ([]models.Batch, error) {
	const op = "poll channel"
	body, err := n.request(ctx, op, messaging.SubjectChannelPoll, channelRequest{
		ChannelID:    n.channelID,
		Timeout:      opts.Timeout.Milliseconds(),
		MaxBatchSize: opts.BatchSize,
	}, opts.Timeout)
	if err != nil {
		return nil, err
	}
	return decodeChannelPoll(op, n.channelID, body)
}

func (n natsChannel) Ack(ctx context.Context) error {
	_, err := n.request(ctx, "ack channel", messaging.SubjectChannelAck, channelRequest{ChannelID: n.channelID}, 0)
	return err
}

func (n natsChannel) Nack(ctx context.Context) error {
	_, err := n.request(ctx, "nack channel", messaging.SubjectChannelNack, channelRequest{ChannelID: n.channelID}, 0)
	return err
}

func (n natsChannel) Flush(ctx context.Context) error {
	_, err := n.request(ctx, "flush channel", messaging.SubjectChannelFlush, channelRequest{ChannelID: n.channelID}, 0)
	return err
}

func (c *NATSClient) request(ctx context.Context, op, subject string, payload interface{}, longPoll time.Duration) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", op, err)
	}

	headers := map[string]string{
		messaging.HeaderRequestID: requestID(ctx),
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, models.NewTransientError(op, err)
		}
		headers["Authorization"] = "Bearer " + tok
	}

	reply, err := c.conn.RequestMsg(ctx, &messaging.Message{
		Subject:  subject,
		Data:     data,
		Metadata: headers,
	}, c.timeout+longPoll)
	if err != nil {
		return nil, classifyTransport(op, err)
	}

	if status := reply.Header(messaging.HeaderStatusCode); status != "" {
		code, convErr := strconv.Atoi(status)
		if convErr != nil {
			return nil, models.NewProtocolError(op, 0, fmt.Errorf("bad status header %q", status))
		}
		msg := reply.Header(messaging.HeaderError)
		if msg == "" {
			msg = string(reply.Data)
		}
		if err := classifyStatus(op, code, []byte(msg)); err != nil {
			if code == 401 {
				if inv, ok := c.tokens.(invalidator); ok {
					inv.Invalidate()
				}
			}
			return nil, err
		}
	}
	return reply.Data, nil
}

var (
	_ QueryClient   = (*NATSClient)(nil)
	_ ChannelClient = natsChannel{}
)
