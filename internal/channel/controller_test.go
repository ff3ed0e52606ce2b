package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/logstream/internal/correlation"
	"github.com/telhawk-systems/logstream/internal/fanout"
	"github.com/telhawk-systems/logstream/internal/models"
	"github.com/telhawk-systems/logstream/internal/remote"
)

type pollResult struct {
	batches []models.Batch
	err     error
}

// mockChannel returns queued poll results in order, then empty polls.
type mockChannel struct {
	mu       sync.Mutex
	polls    []pollResult
	pollOpts []remote.PollOptions
	filters  []string
	setErr   error
	cleared  int
	acks     int
	nacks    int
	flushes  int

	// When set, Poll signals entered and waits for release before returning.
	entered chan struct{}
	release chan struct{}
}

func (m *mockChannel) ChannelID() string { return "EventFilter" }

func (m *mockChannel) SetFilters(_ context.Context, spec remote.FilterSpec) (*remote.FilterResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return nil, m.setErr
	}
	m.filters = spec.Filters
	entries := make([]map[string]string, 0, len(spec.Filters))
	for _, f := range spec.Filters {
		entries = append(entries, map[string]string{"filter": f})
	}
	data, _ := json.Marshal(map[string]interface{}{"filters": entries})
	var resp remote.FilterResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (m *mockChannel) ClearFilters(context.Context, bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared++
	m.filters = nil
	return nil
}

func (m *mockChannel) Poll(_ context.Context, opts remote.PollOptions) ([]models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollOpts = append(m.pollOpts, opts)
	var r pollResult
	if len(m.polls) > 0 {
		r = m.polls[0]
		m.polls = m.polls[1:]
	}
	entered, release := m.entered, m.release
	m.mu.Unlock()

	if release != nil {
		entered <- struct{}{}
		<-release
	}
	m.mu.Lock()
	return r.batches, r.err
}

func (m *mockChannel) Ack(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks++
	return nil
}

func (m *mockChannel) Nack(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nacks++
	return nil
}

func (m *mockChannel) Flush(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

func (m *mockChannel) queue(r pollResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls = append(m.polls, r)
}

func (m *mockChannel) pollCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pollOpts)
}

func (m *mockChannel) ackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acks
}

func trafficBatch(n int) models.Batch {
	b := models.Batch{Source: "EventFilter", LogType: "traffic"}
	for i := 0; i < n; i++ {
		b.Message = append(b.Message, models.Event{"src": gofakeit.IPv4Address(), "dst": gofakeit.IPv4Address()})
	}
	return b
}

func newTestController(t *testing.T, client *mockChannel, cfg Config, opts ...Option) (*Controller, *fanout.ChannelListener) {
	t.Helper()
	fan := fanout.New()
	listener := fanout.NewChannelListener(64)
	for _, topic := range models.Topics {
		require.True(t, fan.Register(topic, listener))
	}
	c, err := New(client, fan, cfg, opts...)
	require.NoError(t, err)
	return c, listener
}

func drain(l *fanout.ChannelListener) []fanout.Delivery {
	var out []fanout.Delivery
	for {
		select {
		case d := <-l.C():
			out = append(out, d)
		default:
			return out
		}
	}
}

func TestController_InstallFilterValidation(t *testing.T) {
	client := &mockChannel{}
	c, _ := newTestController(t, client, DefaultConfig())
	ctx := context.Background()

	_, err := c.InstallFilter(ctx, remote.FilterSpec{})
	assert.ErrorIs(t, err, models.ErrConfiguration)

	_, err = c.InstallFilter(ctx, remote.FilterSpec{Filters: []string{" ", ""}})
	assert.ErrorIs(t, err, models.ErrConfiguration)

	installed, err := c.InstallFilter(ctx, remote.FilterSpec{Filters: []string{" LogType.TRAFFIC ", "LogType.THREAT"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"LogType.TRAFFIC", "LogType.THREAT"}, installed)
	assert.Equal(t, installed, c.Filters())

	client.setErr = models.NewProtocolError("set filters", 400, errors.New("bad filter"))
	_, err = c.InstallFilter(ctx, remote.FilterSpec{Filters: []string{"x"}})
	assert.True(t, models.IsProtocol(err))
	assert.Equal(t, installed, c.Filters(), "failed install keeps the previous filters")
}

func TestController_PollOnceRequiresFilter(t *testing.T) {
	c, _ := newTestController(t, &mockChannel{}, DefaultConfig())
	_, err := c.pollOnce(context.Background())
	assert.ErrorIs(t, err, ErrNoFilter)
}

func TestController_PollEmitsAndAutoAcks(t *testing.T) {
	client := &mockChannel{}
	client.queue(pollResult{batches: []models.Batch{trafficBatch(3), trafficBatch(2)}})

	c, listener := newTestController(t, client, Config{PollTimeout: 5 * time.Second, BatchSize: 500, AutoAck: true})
	ctx := context.Background()
	_, err := c.InstallFilter(ctx, remote.FilterSpec{Filters: []string{"LogType.TRAFFIC"}})
	require.NoError(t, err)

	n, err := c.pollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 1, client.ackCount())
	assert.Equal(t, remote.PollOptions{Timeout: 5 * time.Second, BatchSize: 500}, client.pollOpts[0])

	deliveries := drain(listener)
	require.Len(t, deliveries, 2)
	assert.Equal(t, models.TopicPlain, deliveries[0].Topic)

	n, err = c.pollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, client.ackCount(), "empty polls are not acked")

	st := c.Stats()
	assert.Equal(t, int64(2), st.Polls)
	assert.Equal(t, int64(1), st.EmptyPolls)
	assert.Equal(t, int64(5), st.Records)
	assert.Equal(t, int64(1), st.Acks)
}

func TestController_ProtocolErrorPauses(t *testing.T) {
	client := &mockChannel{}
	client.queue(pollResult{err: models.NewProtocolError("poll channel", 0, errors.New("entry 0 has no logType"))})

	c, _ := newTestController(t, client, DefaultConfig())
	ctx := context.Background()
	_, err := c.InstallFilter(ctx, remote.FilterSpec{Filters: []string{"LogType.TRAFFIC"}})
	require.NoError(t, err)

	_, err = c.pollOnce(ctx)
	assert.True(t, models.IsProtocol(err))
	assert.True(t, models.IsProtocol(c.Err()))

	st := c.Stats()
	assert.True(t, st.Paused)
	assert.NotEmpty(t, st.LastError)

	_, err = c.pollOnce(ctx)
	assert.ErrorIs(t, err, ErrNoFilter, "paused controller does not poll")
	assert.Equal(t, 1, client.pollCount())

	c.Resume()
	assert.NoError(t, c.Err())
	_, err = c.pollOnce(ctx)
	assert.NoError(t, err)
}

func TestController_TransientErrorKeepsPolling(t *testing.T) {
	client := &mockChannel{}
	client.queue(pollResult{err: models.NewTransientError("poll channel", context.DeadlineExceeded)})
	client.queue(pollResult{batches: []models.Batch{trafficBatch(1)}})

	c, _ := newTestController(t, client, DefaultConfig())
	ctx := context.Background()
	_, err := c.InstallFilter(ctx, remote.FilterSpec{Filters: []string{"LogType.TRAFFIC"}})
	require.NoError(t, err)

	_, err = c.pollOnce(ctx)
	assert.True(t, models.IsTransient(err))
	assert.False(t, c.Stats().Paused)

	n, err := c.pollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestController_ClearFilterEmitsSentinel(t *testing.T) {
	client := &mockChannel{}
	c, listener := newTestController(t, client, DefaultConfig())
	ctx := context.Background()

	_, err := c.InstallFilter(ctx, remote.FilterSpec{Filters: []string{"LogType.TRAFFIC"}})
	require.NoError(t, err)
	require.NoError(t, c.ClearFilter(ctx, true))

	assert.Empty(t, c.Filters())
	assert.Equal(t, 1, client.cleared)

	deliveries := drain(listener)
	require.Len(t, deliveries, 1, "one sentinel for the listener on every topic")
	assert.True(t, deliveries[0].Batch.IsEndOfStream())
	assert.Equal(t, "EventFilter", deliveries[0].Batch.Source)
}

func TestController_ResultAfterClearIsDiscarded(t *testing.T) {
	client := &mockChannel{entered: make(chan struct{}, 1), release: make(chan struct{})}
	client.queue(pollResult{batches: []models.Batch{trafficBatch(2)}})

	c, listener := newTestController(t, client, Config{AutoAck: true})
	ctx := context.Background()
	_, err := c.InstallFilter(ctx, remote.FilterSpec{Filters: []string{"LogType.TRAFFIC"}})
	require.NoError(t, err)

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := c.pollOnce(ctx)
		done <- result{n, err}
	}()

	select {
	case <-client.entered:
	case <-time.After(time.Second):
		t.Fatal("poll never started")
	}
	require.NoError(t, c.ClearFilter(ctx, false))
	close(client.release)

	var r result
	select {
	case r = <-done:
	case <-time.After(time.Second):
		t.Fatal("poll never returned")
	}
	require.NoError(t, r.err)
	assert.Zero(t, r.n)

	deliveries := drain(listener)
	require.Len(t, deliveries, 1, "only the sentinel reaches listeners")
	assert.True(t, deliveries[0].Batch.IsEndOfStream())

	st := c.Stats()
	assert.Equal(t, int64(1), st.Discarded)
	assert.Zero(t, st.Records)
	assert.Zero(t, client.ackCount(), "discarded results are not acked")
}

func TestController_AckNackFlush(t *testing.T) {
	client := &mockChannel{}
	c, _ := newTestController(t, client, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, c.Ack(ctx))
	require.NoError(t, c.Nack(ctx))
	require.NoError(t, c.Flush(ctx))

	assert.Equal(t, 1, client.acks)
	assert.Equal(t, 1, client.nacks)
	assert.Equal(t, 1, client.flushes)
	assert.Equal(t, int64(1), c.Stats().Nacks)
}

func TestController_CorrelatesThroughEngine(t *testing.T) {
	engine, err := correlation.New(correlation.DefaultConfig())
	require.NoError(t, err)

	l2 := models.Event{
		"sessionid":                    "77",
		"time_generated":               json.Number("1700000000"),
		"extended_traffic_log_mac":     gofakeit.MacAddress(),
		"extended_traffic_log_mac_stc": gofakeit.MacAddress(),
	}
	l3 := models.Event{
		"sessionid":      "77",
		"time_generated": json.Number("1700000001"),
		"src":            gofakeit.IPv4Address(),
		"dst":            gofakeit.IPv4Address(),
	}
	client := &mockChannel{}
	client.queue(pollResult{batches: []models.Batch{
		{Source: "EventFilter", LogType: "traffic", Message: []models.Event{l2}},
		{Source: "EventFilter", LogType: "traffic", Message: []models.Event{l3}},
	}})

	c, listener := newTestController(t, client, DefaultConfig(), WithEngine(engine))
	ctx := context.Background()
	_, err = c.InstallFilter(ctx, remote.FilterSpec{Filters: []string{"LogType.TRAFFIC"}})
	require.NoError(t, err)

	_, err = c.pollOnce(ctx)
	require.NoError(t, err)

	var correlated, plain int
	for _, d := range drain(listener) {
		switch d.Topic {
		case models.TopicCorrelated:
			correlated += d.Batch.Len()
			assert.Equal(t, models.SourceCorrelated, d.Batch.Source)
		case models.TopicPlain:
			plain += d.Batch.Len()
		}
	}
	assert.Equal(t, 1, correlated)
	assert.Equal(t, 1, plain, "the L3 half is also emitted plain")
}

func TestController_RunDrainsBackToBack(t *testing.T) {
	client := &mockChannel{}
	for i := 0; i < 3; i++ {
		client.queue(pollResult{batches: []models.Batch{trafficBatch(1)}})
	}

	// A long idle delay means every poll after the first empty one would
	// take a full second; three non-empty polls must not wait at all.
	c, listener := newTestController(t, client, Config{IdleDelay: time.Second, AutoAck: true})
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	assert.Error(t, c.Start(ctx))

	_, err := c.InstallFilter(ctx, remote.FilterSpec{Filters: []string{"LogType.TRAFFIC"}})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return client.pollCount() >= 4
	}, 500*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 3, client.ackCount())

	require.NoError(t, c.Stop())
	assert.Error(t, c.Stop())
	assert.Len(t, drain(listener), 3)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"zero idle delay takes default", Config{}, false},
		{"idle delay too short", Config{IdleDelay: time.Millisecond}, true},
		{"timeout at limit", Config{PollTimeout: 60 * time.Second}, false},
		{"timeout too long", Config{PollTimeout: 61 * time.Second}, true},
		{"negative timeout", Config{PollTimeout: -1}, true},
		{"batch at limit", Config{BatchSize: 10000}, false},
		{"batch too large", Config{BatchSize: 10001}, true},
		{"negative batch", Config{BatchSize: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrConfiguration)
				return
			}
			assert.NoError(t, err)
			assert.NotZero(t, cfg.IdleDelay)
		})
	}
}
