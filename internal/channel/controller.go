// Package channel drives a single server-side event channel: it installs
// filters, drains the channel and routes what it receives through the same
// correlation and fan-out path as query jobs.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/telhawk-systems/logstream/common/logging"
	"github.com/telhawk-systems/logstream/internal/correlation"
	"github.com/telhawk-systems/logstream/internal/fanout"
	"github.com/telhawk-systems/logstream/internal/metrics"
	"github.com/telhawk-systems/logstream/internal/models"
	"github.com/telhawk-systems/logstream/internal/remote"
)

var tracer = otel.Tracer("logstream.channel")

// ErrNoFilter is returned when polling is requested before a filter is installed.
var ErrNoFilter = errors.New("no filter installed")

// Stats is a snapshot of controller activity.
type Stats struct {
	ChannelID       string   `json:"channel_id"`
	Filters         []string `json:"filters"`
	Running         bool     `json:"running"`
	Paused          bool     `json:"paused"`
	LastError       string   `json:"last_error,omitempty"`
	Polls           int64    `json:"polls"`
	EmptyPolls      int64    `json:"empty_polls"`
	Batches         int64    `json:"batches"`
	Records         int64    `json:"records"`
	Acks            int64    `json:"acks"`
	Nacks           int64    `json:"nacks"`
	Discarded       int64    `json:"discarded"`
	TransientErrors int64    `json:"transient_errors"`
	ProtocolErrors  int64    `json:"protocol_errors"`
}

// Controller owns one channel. Emission happens under mu; listeners must not
// call back into the Controller.
type Controller struct {
	mu      sync.Mutex
	client  remote.ChannelClient
	fan     *fanout.Fanout
	engine  *correlation.Engine
	cfg     Config
	logger  *slog.Logger
	filters []string
	paused  bool
	lastErr error
	stats   Stats

	running  bool
	stopChan chan struct{}
	cancel   context.CancelFunc
	wake     chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithEngine routes polled batches through a correlation engine.
func WithEngine(e *correlation.Engine) Option {
	return func(c *Controller) {
		c.engine = e
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// New validates cfg and returns a stopped controller with no filter.
func New(client remote.ChannelClient, fan *fanout.Fanout, cfg Config, opts ...Option) (*Controller, error) {
	if client == nil {
		return nil, models.ConfigError("channel controller requires a channel client")
	}
	if fan == nil {
		return nil, models.ConfigError("channel controller requires a fanout")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		client: client,
		fan:    fan,
		cfg:    cfg,
		logger: slog.Default(),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(
		slog.String(logging.FieldComponent, "channel"),
		logging.ChannelID(client.ChannelID()),
	)
	c.stats.ChannelID = client.ChannelID()
	return c, nil
}

// InstallFilter replaces the channel's filters and returns the set the
// service reports as installed. A controller paused by a protocol error
// stays paused until Resume.
func (c *Controller) InstallFilter(ctx context.Context, spec remote.FilterSpec) ([]string, error) {
	filters := make([]string, 0, len(spec.Filters))
	for _, f := range spec.Filters {
		if f = strings.TrimSpace(f); f != "" {
			filters = append(filters, f)
		}
	}
	if len(filters) == 0 {
		return nil, models.ConfigError("at least one filter is required")
	}
	spec.Filters = filters

	resp, err := c.client.SetFilters(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("install filter: %w", err)
	}
	installed := resp.Expressions()

	c.mu.Lock()
	c.filters = installed
	c.mu.Unlock()

	c.logger.Info("filter installed", logging.Count(len(installed)), slog.Bool("flush", spec.Flush))
	c.signal()
	return installed, nil
}

// ClearFilter removes the filters and emits the channel's end-of-stream
// sentinel.
func (c *Controller) ClearFilter(ctx context.Context, flush bool) error {
	if err := c.client.ClearFilters(ctx, flush); err != nil {
		return fmt.Errorf("clear filter: %w", err)
	}

	c.mu.Lock()
	c.filters = nil
	c.fan.EmitEndOfStream(c.client.ChannelID())
	c.mu.Unlock()

	c.logger.Info("filter cleared", slog.Bool("flush", flush))
	return nil
}

// Filters returns the installed filter expressions.
func (c *Controller) Filters() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.filters...)
}

// Ack commits everything returned by previous polls.
func (c *Controller) Ack(ctx context.Context) error {
	if err := c.client.Ack(ctx); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	c.mu.Lock()
	c.stats.Acks++
	c.mu.Unlock()
	return nil
}

// Nack asks the service to redeliver everything since the last ack.
func (c *Controller) Nack(ctx context.Context) error {
	if err := c.client.Nack(ctx); err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	c.mu.Lock()
	c.stats.Nacks++
	c.mu.Unlock()
	return nil
}

// Flush discards everything queued for the channel on the service side.
func (c *Controller) Flush(ctx context.Context) error {
	if err := c.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Start begins draining the channel.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("channel controller already running")
	}
	c.running = true
	c.stopChan = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Info("channel controller starting", slog.Duration("idle_delay", c.cfg.IdleDelay))

	c.wg.Add(1)
	go c.run(runCtx)
	return nil
}

// Stop halts the loop and aborts any in-flight poll.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("channel controller not running")
	}
	c.running = false
	close(c.stopChan)
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("channel controller stopped")
	return nil
}

// Pause stops polling.
func (c *Controller) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume restarts polling and clears a retained protocol error.
func (c *Controller) Resume() {
	c.mu.Lock()
	c.paused = false
	c.lastErr = nil
	c.mu.Unlock()
	c.signal()
}

// Err returns the protocol error that paused the controller, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Stats returns a snapshot of controller activity.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Filters = append([]string(nil), c.filters...)
	s.Running = c.running
	s.Paused = c.paused
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.paused && len(c.filters) > 0
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		if !c.ready() {
			select {
			case <-ctx.Done():
				return
			case <-c.stopChan:
				return
			case <-c.wake:
				continue
			}
		}

		// Non-empty polls are drained back to back.
		n, err := c.pollOnce(ctx)
		if err == nil && n > 0 {
			continue
		}

		timer := time.NewTimer(c.cfg.IdleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.stopChan:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pollOnce polls the channel once and emits what it returns. It reports the
// number of records emitted.
func (c *Controller) pollOnce(ctx context.Context) (int, error) {
	if !c.ready() {
		return 0, ErrNoFilter
	}
	ctx = logging.ContextWithRequestID(ctx, uuid.NewString())
	log := logging.FromContext(ctx, c.logger)

	batches, err := c.poll(ctx)

	c.mu.Lock()
	c.stats.Polls++
	if err != nil {
		switch {
		case models.IsProtocol(err):
			c.stats.ProtocolErrors++
			c.paused = true
			c.lastErr = err
			c.mu.Unlock()
			metrics.PollsTotal.WithLabelValues("channel", "protocol_error").Inc()
			log.Error("protocol error, channel polling paused", logging.Error(err))
		case models.IsTransient(err):
			c.stats.TransientErrors++
			c.mu.Unlock()
			metrics.PollsTotal.WithLabelValues("channel", "transient_error").Inc()
			log.Warn("channel poll failed, will retry", logging.Error(err))
		default:
			c.mu.Unlock()
			metrics.PollsTotal.WithLabelValues("channel", "error").Inc()
			if !errors.Is(err, context.Canceled) {
				log.Warn("channel poll failed", logging.Error(err))
			}
		}
		return 0, err
	}

	// A filter cleared while the poll was in flight already ended the stream.
	if len(c.filters) == 0 {
		c.stats.Discarded++
		c.mu.Unlock()
		metrics.PollsTotal.WithLabelValues("channel", "stale").Inc()
		return 0, nil
	}

	n := 0
	for _, b := range batches {
		n += b.Len()
		c.emit(b)
	}
	if n == 0 {
		c.stats.EmptyPolls++
	} else {
		c.stats.Batches += int64(len(batches))
		c.stats.Records += int64(n)
	}
	c.mu.Unlock()
	metrics.PollsTotal.WithLabelValues("channel", "ok").Inc()

	if n > 0 && c.cfg.AutoAck {
		if err := c.Ack(ctx); err != nil {
			log.Warn("auto-ack failed", logging.Error(err))
		}
	}
	return n, nil
}

func (c *Controller) poll(ctx context.Context) ([]models.Batch, error) {
	ctx, span := tracer.Start(ctx, "channel.Poll", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("logstream.channel_id", c.client.ChannelID()),
		attribute.Int("logstream.batch_size", c.cfg.BatchSize),
	)
	defer span.End()

	start := time.Now()
	batches, err := c.client.Poll(ctx, remote.PollOptions{Timeout: c.cfg.PollTimeout, BatchSize: c.cfg.BatchSize})
	metrics.PollDuration.WithLabelValues("channel").Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("logstream.batches", len(batches)))
	span.SetStatus(codes.Ok, "")
	return batches, nil
}

// emit routes one batch through the engine and fanout. Caller holds mu.
func (c *Controller) emit(b models.Batch) {
	rest, pcap := fanout.SplitPcap(b)
	if len(pcap.Message) > 0 {
		c.fan.Emit(models.TopicPcap, pcap)
	}
	if len(rest.Message) == 0 {
		return
	}
	if c.engine == nil {
		c.fan.Emit(models.TopicPlain, rest)
		return
	}
	r := c.engine.Process(rest)
	for _, p := range r.Plain {
		c.fan.Emit(models.TopicPlain, p)
	}
	if r.Correlated != nil {
		c.fan.Emit(models.TopicCorrelated, *r.Correlated)
	}
}
