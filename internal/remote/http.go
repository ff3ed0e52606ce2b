package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/telhawk-systems/logstream/internal/models"
)

const (
	queriesPath  = "/logging-service/v1/queries"
	channelsPath = "/event-service/v1/channels"

	// DefaultChannelID is the channel used when none is configured.
	DefaultChannelID = "EventFilter"

	maxResponseBytes = 64 << 20
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	BaseURL   string
	ChannelID string

	// Timeout bounds each request on top of any long-poll budget it carries.
	Timeout time.Duration

	Tokens    TokenSource
	UserAgent string

	// HTTPClient overrides the transport; mainly for tests.
	HTTPClient *http.Client
}

// HTTPClient implements QueryClient and ChannelClient over the REST API.
type HTTPClient struct {
	baseURL    string
	channelID  string
	timeout    time.Duration
	tokens     TokenSource
	userAgent  string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the services at cfg.BaseURL.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.ChannelID == "" {
		cfg.ChannelID = DefaultChannelID
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "logstream"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		channelID:  cfg.ChannelID,
		timeout:    cfg.Timeout,
		tokens:     cfg.Tokens,
		userAgent:  cfg.UserAgent,
		httpClient: hc,
	}
}

// ChannelID returns the event channel this client drives.
func (c *HTTPClient) ChannelID() string {
	return c.channelID
}

// SubmitQuery starts a job and returns its first page.
func (c *HTTPClient) SubmitQuery(ctx context.Context, spec QuerySpec) (*Page, error) {
	const op = "submit query"
	if strings.TrimSpace(spec.Query) == "" {
		return nil, models.ConfigError("query text is empty")
	}
	body, err := c.do(ctx, op, http.MethodPost, queriesPath, nil, newQueryRequest(spec), spec.MaxWaitTime)
	if err != nil {
		return nil, err
	}
	return decodeJob(op, body)
}

// Poll fetches page sequenceNo of a job.
func (c *HTTPClient) Poll(ctx context.Context, queryID string, sequenceNo int, maxWaitTime time.Duration) (*Page, error) {
	const op = "poll query"
	path := queriesPath + "/" + url.PathEscape(queryID) + "/" + strconv.Itoa(sequenceNo)
	q := url.Values{}
	if maxWaitTime > 0 {
		q.Set("maxWaitTime", strconv.FormatInt(maxWaitTime.Milliseconds(), 10))
	}
	body, err := c.do(ctx, op, http.MethodGet, path, q, nil, maxWaitTime)
	if err != nil {
		return nil, err
	}
	return decodeJob(op, body)
}

// DeleteQuery releases a job on the service.
func (c *HTTPClient) DeleteQuery(ctx context.Context, queryID string) error {
	_, err := c.do(ctx, "delete query", http.MethodDelete, queriesPath+"/"+url.PathEscape(queryID), nil, nil, 0)
	return err
}

// SetFilters replaces the channel's filter set.
func (c *HTTPClient) SetFilters(ctx context.Context, spec FilterSpec) (*FilterResponse, error) {
	const op = "set filters"
	body, err := c.do(ctx, op, http.MethodPut, c.channelPath("filters"), nil, newFilterRequest(spec), 0)
	if err != nil {
		return nil, err
	}
	return decodeFilters(op, body)
}

// ClearFilters removes every filter from the channel.
func (c *HTTPClient) ClearFilters(ctx context.Context, flush bool) error {
	_, err := c.do(ctx, "clear filters", http.MethodPut, c.channelPath("filters"), nil, filterRequest{Filters: []filterEntry{}, Flush: flush}, 0)
	return err
}

// pollChannel returns the queued events grouped by log type.
func (c *HTTPClient) pollChannel(ctx context.Context, opts PollOptions) ([]models.Batch, error) {
	const op = "poll channel"
	q := url.Values{}
	if opts.Timeout > 0 {
		q.Set("timeout", strconv.FormatInt(opts.Timeout.Milliseconds(), 10))
	}
	if opts.BatchSize > 0 {
		q.Set("maxBatchSize", strconv.Itoa(opts.BatchSize))
	}
	body, err := c.do(ctx, op, http.MethodGet, c.channelPath("poll"), q, nil, opts.Timeout)
	if err != nil {
		return nil, err
	}
	return decodeChannelPoll(op, c.channelID, body)
}

// Ack commits everything returned by previous polls.
func (c *HTTPClient) Ack(ctx context.Context) error {
	_, err := c.do(ctx, "ack channel", http.MethodPut, c.channelPath("ack"), nil, nil, 0)
	return err
}

// Nack asks the service to redeliver everything since the last ack.
func (c *HTTPClient) Nack(ctx context.Context) error {
	_, err := c.do(ctx, "nack channel", http.MethodPut, c.channelPath("nack"), nil, nil, 0)
	return err
}

// Flush discards everything queued for the channel.
func (c *HTTPClient) Flush(ctx context.Context) error {
	_, err := c.do(ctx, "flush channel", http.MethodPut, c.channelPath("flush"), nil, nil, 0)
	return err
}

// Channel returns a ChannelClient view of c.
func (c *HTTPClient) Channel() ChannelClient {
	return httpChannel{c}
}

// httpChannel resolves the Poll name clash between the two client roles.
type httpChannel struct {
	*HTTPClient
}

func (h httpChannel) Poll(ctx context.Context, opts PollOptions) ([]models.Batch, error) {
	return h.pollChannel(ctx, opts)
}

func (c *HTTPClient) channelPath(action string) string {
	return channelsPath + "/" + url.PathEscape(c.channelID) + "/" + action
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, query url.Values, payload interface{}, longPoll time.Duration) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("remote client not configured")
	}

	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout+longPoll)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, models.NewProtocolError(op, 0, fmt.Errorf("build request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID(ctx))

	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, models.NewTransientError(op, err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, models.NewTransientError(op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if inv, ok := c.tokens.(invalidator); ok {
			inv.Invalidate()
		}
	}
	if err := classifyStatus(op, resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(io.LimitReader(r, maxResponseBytes))
}

var (
	_ QueryClient   = (*HTTPClient)(nil)
	_ ChannelClient = httpChannel{}
)
