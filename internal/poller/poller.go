// Package poller drives every outstanding query job through its pages with
// a single timer chain, one job per tick, in round-robin order.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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
	"github.com/telhawk-systems/logstream/internal/jobs"
	"github.com/telhawk-systems/logstream/internal/metrics"
	"github.com/telhawk-systems/logstream/internal/models"
	"github.com/telhawk-systems/logstream/internal/remote"
)

var tracer = otel.Tracer("logstream.poller")

// Poller owns the job registry. Every registry mutation, engine call and
// emission happens under mu; remote I/O never does.
//
// Listeners run synchronously under mu and must not call back into the
// Poller.
type Poller struct {
	mu       sync.Mutex
	client   remote.QueryClient
	fan      *fanout.Fanout
	engine   *correlation.Engine
	store    jobs.StatusStore
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	registry *jobs.Registry
	handles  map[string]*jobs.Handle
	paused   bool

	running  bool
	stopChan chan struct{}
	cancel   context.CancelFunc
	wake     chan struct{}
	wg       sync.WaitGroup

	metrics *Metrics
}

// Metrics tracks scheduler activity.
type Metrics struct {
	mu              sync.RWMutex
	Polls           int64
	Pages           int64
	Records         int64
	TransientErrors int64
	ProtocolErrors  int64
	OtherErrors     int64
	StaleResults    int64
	JobsFinished    int64
	JobsFailed      int64
	JobsCancelled   int64
	LastPollTime    time.Time
}

// Option configures a Poller.
type Option func(*Poller)

// WithEngine routes every page through a correlation engine before emission.
func WithEngine(e *correlation.Engine) Option {
	return func(p *Poller) {
		p.engine = e
	}
}

// WithStatusStore keeps terminal job states for lookup after removal.
func WithStatusStore(s jobs.StatusStore) Option {
	return func(p *Poller) {
		p.store = s
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		p.logger = l
	}
}

// WithClock overrides time.Now for job timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// New validates cfg and returns an idle scheduler.
func New(client remote.QueryClient, fan *fanout.Fanout, cfg Config, opts ...Option) (*Poller, error) {
	if client == nil {
		return nil, models.ConfigError("poller requires a query client")
	}
	if fan == nil {
		return nil, models.ConfigError("poller requires a fanout")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Poller{
		client:   client,
		fan:      fan,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		registry: jobs.NewRegistry(),
		handles:  make(map[string]*jobs.Handle),
		wake:     make(chan struct{}, 1),
		metrics:  &Metrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.store == nil {
		p.store = jobs.NewMemoryStatusStore(jobs.DefaultStatusCapacity)
	}
	p.logger = p.logger.With(slog.String(logging.FieldComponent, "poller"))
	return p, nil
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller already running")
	}
	p.running = true
	p.stopChan = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.logger.Info("poll scheduler starting", slog.Duration("poll_delay", p.cfg.PollDelay))

	p.wg.Add(1)
	go p.run(runCtx)

	return nil
}

// Stop halts the loop and aborts any in-flight poll. Jobs stay registered.
func (p *Poller) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller not running")
	}
	p.running = false
	close(p.stopChan)
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("poll scheduler stopped")
	return nil
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		if !p.ready() {
			select {
			case <-ctx.Done():
				return
			case <-p.stopChan:
				return
			case <-p.wake:
				continue
			}
		}

		timer := time.NewTimer(p.cfg.PollDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.stopChan:
			timer.Stop()
			return
		case <-timer.C:
		}

		p.tick(ctx)
	}
}

// ready reports whether there is a job to poll.
func (p *Poller) ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.paused && p.registry.Len() > 0
}

func (p *Poller) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// completion is the part of a terminal transition that runs outside the lock.
type completion struct {
	job    jobs.Job
	handle *jobs.Handle
	cause  error
}

// tick polls the job at the round-robin cursor once.
func (p *Poller) tick(ctx context.Context) {
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return
	}
	job, ok := p.registry.Next()
	if !ok {
		p.mu.Unlock()
		return
	}
	id, seq, maxWait := job.QueryID, job.SequenceNo, job.MaxWaitTime
	p.mu.Unlock()

	ctx = logging.ContextWithQueryID(logging.ContextWithRequestID(ctx, uuid.NewString()), id)
	page, err := p.poll(ctx, id, seq, maxWait)

	p.mu.Lock()
	job, ok = p.registry.Get(id)
	if !ok || job.SequenceNo != seq {
		p.mu.Unlock()
		p.metrics.mu.Lock()
		p.metrics.StaleResults++
		p.metrics.mu.Unlock()
		metrics.PollsTotal.WithLabelValues("query", "stale").Inc()
		logging.FromContext(ctx, p.logger).Debug("discarding stale poll result", logging.SequenceNo(seq))
		return
	}
	job.Polls++
	job.LastPolled = p.now()
	done := p.apply(ctx, job, seq, page, err)
	p.mu.Unlock()

	p.finish(ctx, done)
}

func (p *Poller) poll(ctx context.Context, id string, seq int, maxWait time.Duration) (*remote.Page, error) {
	ctx, span := tracer.Start(ctx, "poller.Poll", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("logstream.query_id", id),
		attribute.Int("logstream.sequence_no", seq),
		attribute.Int64("logstream.max_wait_ms", maxWait.Milliseconds()),
	)
	defer span.End()

	start := time.Now()
	page, err := p.client.Poll(ctx, id, seq, maxWait)
	metrics.PollDuration.WithLabelValues("query").Observe(time.Since(start).Seconds())

	p.metrics.mu.Lock()
	p.metrics.Polls++
	p.metrics.LastPollTime = p.now()
	p.metrics.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("logstream.status", page.Status.String()),
		attribute.Int("logstream.records", len(page.Events)),
	)
	span.SetStatus(codes.Ok, "")
	return page, nil
}

// apply folds one poll outcome into the job. Caller holds mu.
func (p *Poller) apply(ctx context.Context, job *jobs.Job, seq int, page *remote.Page, err error) []completion {
	log := logging.FromContext(ctx, p.logger).With(logging.SequenceNo(seq))

	if err == nil {
		err = checkPage(job.QueryID, seq, page)
	}
	if err != nil {
		switch {
		case models.IsProtocol(err):
			p.countError(&p.metrics.ProtocolErrors, "protocol_error")
			log.Error("protocol error, cancelling job", logging.Error(err))
			return []completion{p.retire(job, jobs.StatusCancelled, err)}
		case models.IsTransient(err):
			p.countError(&p.metrics.TransientErrors, "transient_error")
			log.Warn("poll failed, will retry", logging.Error(err))
		default:
			p.countError(&p.metrics.OtherErrors, "error")
			if !errors.Is(err, context.Canceled) {
				log.Warn("poll failed", logging.Error(err))
			}
		}
		return nil
	}

	metrics.PollsTotal.WithLabelValues("query", "ok").Inc()
	p.deliver(job, page)

	switch page.Status {
	case jobs.StatusFinished:
		job.SequenceNo++
		log.Debug("page complete", logging.Count(len(page.Events)))
	case jobs.StatusJobFinished, jobs.StatusJobFailed, jobs.StatusCancelled:
		if page.Status == jobs.StatusJobFailed {
			log.Warn("remote job failed")
		}
		return []completion{p.retire(job, page.Status, nil)}
	}
	return nil
}

func checkPage(id string, seq int, page *remote.Page) error {
	if page.QueryID != id {
		return models.NewProtocolError("poll query", 0, fmt.Errorf("response for query %q, expected %q", page.QueryID, id))
	}
	if page.SequenceNo != seq {
		return models.NewProtocolError("poll query", 0, fmt.Errorf("response for page %d, expected %d", page.SequenceNo, seq))
	}
	return nil
}

func (p *Poller) countError(counter *int64, outcome string) {
	p.metrics.mu.Lock()
	*counter++
	p.metrics.mu.Unlock()
	metrics.PollsTotal.WithLabelValues("query", outcome).Inc()
}

// deliver emits the page's records under the job's id. Caller holds mu.
func (p *Poller) deliver(job *jobs.Job, page *remote.Page) {
	if len(page.Events) == 0 {
		return
	}
	logType := page.LogType
	if logType == "" {
		logType = job.LogType
	}

	job.Pages++
	job.Records += int64(len(page.Events))
	p.metrics.mu.Lock()
	p.metrics.Pages++
	p.metrics.Records += int64(len(page.Events))
	p.metrics.mu.Unlock()

	p.emit(models.Batch{Source: job.QueryID, LogType: logType, Message: page.Events})
}

func (p *Poller) emit(b models.Batch) {
	rest, pcap := fanout.SplitPcap(b)
	if len(pcap.Message) > 0 {
		p.fan.Emit(models.TopicPcap, pcap)
	}
	if len(rest.Message) == 0 {
		return
	}
	if p.engine == nil {
		p.fan.Emit(models.TopicPlain, rest)
		return
	}
	p.emitResult(p.engine.Process(rest))
}

func (p *Poller) emitResult(r correlation.Result) {
	for _, b := range r.Plain {
		p.fan.Emit(models.TopicPlain, b)
	}
	if r.Correlated != nil {
		p.fan.Emit(models.TopicCorrelated, *r.Correlated)
	}
}

// retire moves job to a terminal status, drops it from the registry and
// emits its end-of-stream sentinel. Caller holds mu.
func (p *Poller) retire(job *jobs.Job, status jobs.Status, cause error) completion {
	if _, ok := p.registry.Terminate(job.QueryID, status); !ok {
		job.Status = status
	}
	h := p.handles[job.QueryID]
	delete(p.handles, job.QueryID)

	p.fan.EmitEndOfStream(job.QueryID)

	p.metrics.mu.Lock()
	switch status {
	case jobs.StatusJobFinished:
		p.metrics.JobsFinished++
	case jobs.StatusJobFailed:
		p.metrics.JobsFailed++
	default:
		p.metrics.JobsCancelled++
	}
	p.metrics.mu.Unlock()
	metrics.JobsCompleted.WithLabelValues(status.String()).Inc()
	metrics.ActiveJobs.Set(float64(p.registry.Len()))

	return completion{job: job.Snapshot(), handle: h, cause: cause}
}

// finish records terminal states, releases the remote jobs and then wakes
// waiters, so Wait returns only after cleanup.
func (p *Poller) finish(ctx context.Context, done []completion) {
	for _, c := range done {
		log := p.logger.With(logging.QueryID(c.job.QueryID), logging.JobStatus(c.job.Status.String()))

		if err := p.store.Put(ctx, c.job); err != nil {
			log.Warn("failed to record job status", logging.Error(err))
		}

		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.DeleteTimeout)
		if err := p.client.DeleteQuery(dctx, c.job.QueryID); err != nil {
			log.Warn("failed to delete remote query", logging.Error(err))
		}
		cancel()

		log.Info("job ended", slog.Int64("pages", c.job.Pages), slog.Int64("records", c.job.Records))
		if c.handle != nil {
			c.handle.Complete(c.job.Status, c.cause)
		}
	}
}

// Submit starts a query, emits its first page and schedules the rest.
// A job that fails on submission returns its handle along with an error
// wrapping models.ErrJobFailed.
func (p *Poller) Submit(ctx context.Context, spec remote.QuerySpec) (*jobs.Handle, error) {
	if spec.MaxWaitTime == 0 {
		spec.MaxWaitTime = p.cfg.MaxWaitTime
	}
	if err := validateMaxWait(spec.MaxWaitTime); err != nil {
		return nil, err
	}

	page, err := p.client.SubmitQuery(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("submit query: %w", err)
	}
	if page.QueryID == "" {
		return nil, models.NewProtocolError("submit query", 0, errors.New("missing queryId"))
	}

	job := &jobs.Job{
		QueryID:     page.QueryID,
		SequenceNo:  page.SequenceNo,
		Status:      page.Status,
		LogType:     spec.LogType,
		MaxWaitTime: spec.MaxWaitTime,
		SubmittedAt: p.now(),
	}
	h := jobs.NewHandle(job.QueryID)
	log := p.logger.With(logging.QueryID(job.QueryID))

	p.mu.Lock()
	if p.registry.Contains(job.QueryID) {
		p.mu.Unlock()
		return nil, models.NewProtocolError("submit query", 0, fmt.Errorf("query %s already active", job.QueryID))
	}
	p.handles[job.QueryID] = h
	p.deliver(job, page)

	var done []completion
	if page.Status.IsTerminal() {
		done = append(done, p.retire(job, page.Status, nil))
	} else {
		if page.Status == jobs.StatusFinished {
			job.SequenceNo++
		}
		job.Status = jobs.StatusRunning
		if err := p.registry.Add(job); err != nil {
			delete(p.handles, job.QueryID)
			p.mu.Unlock()
			return nil, err
		}
		metrics.ActiveJobs.Set(float64(p.registry.Len()))
	}
	p.mu.Unlock()

	log.Info("query submitted", logging.JobStatus(page.Status.String()), logging.SequenceNo(job.SequenceNo))
	p.signal()
	p.finish(ctx, done)

	if page.Status == jobs.StatusJobFailed {
		return h, fmt.Errorf("query %s: %w", job.QueryID, models.ErrJobFailed)
	}
	return h, nil
}

// Cancel removes a job immediately. A poll already in flight for it is
// discarded when it returns.
func (p *Poller) Cancel(ctx context.Context, queryID string) bool {
	p.mu.Lock()
	job, ok := p.registry.Get(queryID)
	if !ok {
		p.mu.Unlock()
		return false
	}
	c := p.retire(job, jobs.StatusCancelled, nil)
	p.mu.Unlock()

	p.finish(ctx, []completion{c})
	return true
}

// CancelAll cancels every active job and returns how many were cancelled.
func (p *Poller) CancelAll(ctx context.Context) int {
	p.mu.Lock()
	var done []completion
	for _, id := range p.registry.IDs() {
		job, _ := p.registry.Get(id)
		done = append(done, p.retire(job, jobs.StatusCancelled, nil))
	}
	p.mu.Unlock()

	p.finish(ctx, done)
	return len(done)
}

// Pause stops polling without touching registered jobs.
func (p *Poller) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume restarts polling after Pause.
func (p *Poller) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.signal()
}

// Paused reports whether polling is paused.
func (p *Poller) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Flush emits every half-event still waiting in the correlation engine.
func (p *Poller) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.engine == nil {
		return
	}
	p.emitResult(p.engine.Flush())
}

// Status returns an active job, or the recorded terminal state of a
// finished one.
func (p *Poller) Status(ctx context.Context, queryID string) (*jobs.Job, error) {
	p.mu.Lock()
	if job, ok := p.registry.Get(queryID); ok {
		snap := job.Snapshot()
		p.mu.Unlock()
		return &snap, nil
	}
	p.mu.Unlock()
	return p.store.Get(ctx, queryID)
}

// Active returns the ids of registered jobs in polling order.
func (p *Poller) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registry.IDs()
}

// GetMetrics returns a snapshot of scheduler metrics.
func (p *Poller) GetMetrics() map[string]interface{} {
	p.mu.Lock()
	active := p.registry.Len()
	paused := p.paused
	p.mu.Unlock()

	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()

	lastPoll := ""
	if !p.metrics.LastPollTime.IsZero() {
		lastPoll = p.metrics.LastPollTime.Format(time.RFC3339)
	}
	return map[string]interface{}{
		"polls":            p.metrics.Polls,
		"pages":            p.metrics.Pages,
		"records":          p.metrics.Records,
		"transient_errors": p.metrics.TransientErrors,
		"protocol_errors":  p.metrics.ProtocolErrors,
		"other_errors":     p.metrics.OtherErrors,
		"stale_results":    p.metrics.StaleResults,
		"jobs_finished":    p.metrics.JobsFinished,
		"jobs_failed":      p.metrics.JobsFailed,
		"jobs_cancelled":   p.metrics.JobsCancelled,
		"last_poll_time":   lastPoll,
		"active_jobs":      active,
		"paused":           paused,
	}
}
