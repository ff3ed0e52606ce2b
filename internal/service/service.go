// Package service wires the poller, the channel controller, the correlation
// engine and the sinks behind one facade.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/logstream/common/logging"
	"github.com/telhawk-systems/logstream/common/messaging"
	"github.com/telhawk-systems/logstream/internal/channel"
	"github.com/telhawk-systems/logstream/internal/correlation"
	"github.com/telhawk-systems/logstream/internal/fanout"
	"github.com/telhawk-systems/logstream/internal/jobs"
	"github.com/telhawk-systems/logstream/internal/models"
	"github.com/telhawk-systems/logstream/internal/poller"
	"github.com/telhawk-systems/logstream/internal/remote"
	"github.com/telhawk-systems/logstream/internal/sink"
	"github.com/telhawk-systems/logstream/internal/state"
)

// SnapshotName is the key the service statistics are saved under.
const SnapshotName = "stats"

// Sink attaches a writer to the fanout.
type Sink struct {
	Writer sink.Writer

	// Topics defaults to every topic.
	Topics []models.Topic

	// Queued writes through a bounded buffer drained by Run instead of inline.
	Queued bool
}

// Options are the collaborators and settings of a Service.
type Options struct {
	Queries remote.QueryClient
	Channel remote.ChannelClient

	// State caches terminal job statuses and statistics snapshots. Optional.
	State *state.Manager

	// Broker is checked by Ping when set.
	Broker messaging.Client

	Poller      poller.Config
	ChannelCfg  channel.Config
	Correlation *correlation.Config // nil disables correlation

	AllowDuplicates bool
	QueueSize       int
	WriteTimeout    time.Duration

	Sinks  []Sink
	Logger *slog.Logger
}

// Stats is a point-in-time view of the whole pipeline.
type Stats struct {
	Poller      map[string]interface{} `json:"poller"`
	Channel     *channel.Stats         `json:"channel,omitempty"`
	Correlation *correlation.Stats     `json:"correlation,omitempty"`
	TableSize   int                    `json:"table_size"`
	Fanout      fanout.Stats           `json:"fanout"`
	Sinks       map[string]SinkStats   `json:"sinks"`
	TakenAt     time.Time              `json:"taken_at"`
}

// SinkStats counts a queued sink's traffic.
type SinkStats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
}

// Service is the facade the CLI and the control API drive.
type Service struct {
	logger  *slog.Logger
	fan     *fanout.Fanout
	engine  *correlation.Engine
	poller  *poller.Poller
	channel *channel.Controller
	state   *state.Manager
	broker  messaging.Client
	queues  []*sink.Queue

	mu      sync.Mutex
	closers []func() error
}

// New validates opts and assembles an idle service.
func New(opts Options) (*Service, error) {
	if opts.Queries == nil {
		return nil, models.ConfigError("service requires a query client")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fanOpts := []fanout.Option{fanout.WithLogger(logger)}
	if opts.AllowDuplicates {
		fanOpts = append(fanOpts, fanout.WithDuplicates())
	}
	s := &Service{
		logger: logger.With(slog.String(logging.FieldComponent, "service")),
		fan:    fanout.New(fanOpts...),
		state:  opts.State,
		broker: opts.Broker,
	}

	if opts.Correlation != nil {
		engine, err := correlation.New(*opts.Correlation)
		if err != nil {
			return nil, err
		}
		s.engine = engine
	}

	pollOpts := []poller.Option{poller.WithLogger(logger)}
	chanOpts := []channel.Option{channel.WithLogger(logger)}
	if s.engine != nil {
		pollOpts = append(pollOpts, poller.WithEngine(s.engine))
		chanOpts = append(chanOpts, channel.WithEngine(s.engine))
	}
	if opts.State != nil && opts.State.IsEnabled() {
		pollOpts = append(pollOpts, poller.WithStatusStore(opts.State))
	}

	p, err := poller.New(opts.Queries, s.fan, opts.Poller, pollOpts...)
	if err != nil {
		return nil, err
	}
	s.poller = p

	if opts.Channel != nil {
		c, err := channel.New(opts.Channel, s.fan, opts.ChannelCfg, chanOpts...)
		if err != nil {
			return nil, err
		}
		s.channel = c
	}

	for _, sk := range opts.Sinks {
		s.attach(sk, opts.QueueSize, opts.WriteTimeout, logger)
	}
	return s, nil
}

func (s *Service) attach(sk Sink, queueSize int, timeout time.Duration, logger *slog.Logger) {
	var l fanout.Listener
	if sk.Queued {
		q := sink.NewQueue(sk.Writer, queueSize, logger)
		s.queues = append(s.queues, q)
		l = q
	} else {
		l = sink.NewDirect(sk.Writer, timeout, logger)
	}
	topics := sk.Topics
	if len(topics) == 0 {
		topics = models.Topics
	}
	for _, t := range topics {
		s.fan.Register(t, l)
	}
}

// OnClose registers fn to run when the service closes, in reverse order.
func (s *Service) OnClose(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

// Fanout exposes listener registration.
func (s *Service) Fanout() *fanout.Fanout {
	return s.fan
}

// Start launches the poller and the channel controller.
func (s *Service) Start(ctx context.Context) error {
	if err := s.poller.Start(ctx); err != nil {
		return err
	}
	if s.channel != nil {
		if err := s.channel.Start(ctx); err != nil {
			_ = s.poller.Stop()
			return err
		}
	}
	return nil
}

// Stop halts the poller and the channel controller.
func (s *Service) Stop() {
	if err := s.poller.Stop(); err != nil {
		s.logger.Debug("poller stop", logging.Error(err))
	}
	if s.channel != nil {
		if err := s.channel.Stop(); err != nil {
			s.logger.Debug("channel stop", logging.Error(err))
		}
	}
}

// Run starts the service and blocks until ctx is done. It then stops
// polling, flushes the correlation table, saves a statistics snapshot and
// drains the queued sinks before returning.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	// Queues outlive ctx so the final flush still reaches them; Close ends them.
	qctx := context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, q := range s.queues {
		g.Go(func() error {
			return q.Run(qctx)
		})
	}

	<-ctx.Done()
	s.Stop()
	s.Flush()

	saveCtx, cancel := context.WithTimeout(qctx, 5*time.Second)
	defer cancel()
	if err := s.SaveSnapshot(saveCtx); err != nil {
		s.logger.Warn("failed to save stats snapshot", logging.Error(err))
	}
	for _, q := range s.queues {
		q.Close()
	}
	return g.Wait()
}

// Close runs the registered closers.
func (s *Service) Close() error {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var first error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Submit starts a query job.
func (s *Service) Submit(ctx context.Context, spec remote.QuerySpec) (*jobs.Handle, error) {
	return s.poller.Submit(ctx, spec)
}

// Query submits a job and waits for it to reach a terminal status.
func (s *Service) Query(ctx context.Context, spec remote.QuerySpec) (jobs.Status, error) {
	h, err := s.poller.Submit(ctx, spec)
	if err != nil {
		if h != nil {
			return h.Status(), err
		}
		return "", err
	}
	return h.Wait(ctx)
}

// Cancel stops polling a job.
func (s *Service) Cancel(ctx context.Context, queryID string) bool {
	return s.poller.Cancel(ctx, queryID)
}

// CancelAll stops polling every job.
func (s *Service) CancelAll(ctx context.Context) int {
	return s.poller.CancelAll(ctx)
}

// Status returns a job's live or recorded state.
func (s *Service) Status(ctx context.Context, queryID string) (*jobs.Job, error) {
	return s.poller.Status(ctx, queryID)
}

// Active lists the ids of jobs being polled.
func (s *Service) Active() []string {
	return s.poller.Active()
}

// Recent lists recently finished jobs from the state store.
func (s *Service) Recent(ctx context.Context, limit int) ([]jobs.Job, error) {
	if s.state == nil {
		return nil, fmt.Errorf("state store is not configured")
	}
	return s.state.Recent(ctx, limit)
}

// Pause suspends polling of jobs and of the channel.
func (s *Service) Pause() {
	s.poller.Pause()
	if s.channel != nil {
		s.channel.Pause()
	}
}

// Resume restarts polling.
func (s *Service) Resume() {
	s.poller.Resume()
	if s.channel != nil {
		s.channel.Resume()
	}
}

// Flush emits everything held by the correlation table.
func (s *Service) Flush() {
	s.poller.Flush()
}

// InstallFilter sets the channel filters.
func (s *Service) InstallFilter(ctx context.Context, spec remote.FilterSpec) ([]string, error) {
	if s.channel == nil {
		return nil, models.ConfigError("no event channel configured")
	}
	return s.channel.InstallFilter(ctx, spec)
}

// ClearFilter removes the channel filters.
func (s *Service) ClearFilter(ctx context.Context, flush bool) error {
	if s.channel == nil {
		return models.ConfigError("no event channel configured")
	}
	return s.channel.ClearFilter(ctx, flush)
}

// Channel returns the channel controller, or nil.
func (s *Service) Channel() *channel.Controller {
	return s.channel
}

// Stats gathers every component's counters.
func (s *Service) Stats() Stats {
	st := Stats{
		Poller:  s.poller.GetMetrics(),
		Fanout:  s.fan.Stats(),
		Sinks:   make(map[string]SinkStats, len(s.queues)),
		TakenAt: time.Now().UTC(),
	}
	if s.channel != nil {
		cs := s.channel.Stats()
		st.Channel = &cs
	}
	if s.engine != nil {
		es := s.engine.Stats()
		st.Correlation = &es
		st.TableSize = s.engine.Len()
	}
	for _, q := range s.queues {
		st.Sinks[q.Name()] = SinkStats{Written: q.Written(), Dropped: q.Dropped()}
	}
	return st
}

// SaveSnapshot stores the current statistics in the state store.
func (s *Service) SaveSnapshot(ctx context.Context) error {
	if s.state == nil {
		return nil
	}
	return s.state.SaveSnapshot(ctx, SnapshotName, s.Stats())
}

// LastSnapshot loads the statistics saved by a previous run.
func (s *Service) LastSnapshot(ctx context.Context) (*Stats, error) {
	if s.state == nil {
		return nil, fmt.Errorf("state store is not configured")
	}
	var st Stats
	found, err := s.state.LoadSnapshot(ctx, SnapshotName, &st)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, jobs.ErrNotFound
	}
	return &st, nil
}

// Ping checks the message broker and the state store.
func (s *Service) Ping(ctx context.Context) error {
	if s.broker != nil {
		if st := messaging.CheckClientHealth(ctx, s.broker); !st.Connected {
			return fmt.Errorf("message broker: %s", st.Error)
		}
	}
	if s.state == nil {
		return nil
	}
	return s.state.Ping(ctx)
}
