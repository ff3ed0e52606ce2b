// Package fanout delivers emitted batches to the listeners registered for
// each topic and keeps per-topic emission counters.
package fanout

import (
	"log/slog"
	"sync"

	"github.com/telhawk-systems/logstream/internal/metrics"
	"github.com/telhawk-systems/logstream/internal/models"
)

// Listener receives batches for the topics it is registered on.
// Implementations must be comparable (pointer types are) so duplicates can
// be detected, and must not block for long: delivery is synchronous.
type Listener interface {
	Deliver(topic models.Topic, batch models.Batch)
}

// TopicStats counts what a topic has delivered.
type TopicStats struct {
	Listeners    int   `json:"listeners"`
	Batches      int64 `json:"batches"`
	Records      int64 `json:"records"`
	EndOfStreams int64 `json:"end_of_streams"`
}

// Stats is a snapshot of every topic's counters.
type Stats map[models.Topic]TopicStats

// Records returns the total records delivered across topics.
func (s Stats) Records() int64 {
	var n int64
	for _, ts := range s {
		n += ts.Records
	}
	return n
}

// Fanout owns listener registrations. Emit never inspects payloads beyond
// counting records.
type Fanout struct {
	mu              sync.RWMutex
	listeners       map[models.Topic][]Listener
	stats           map[models.Topic]*TopicStats
	allowDuplicates bool
	logger          *slog.Logger
}

// Option configures a Fanout.
type Option func(*Fanout)

// WithDuplicates lets the same listener register more than once per topic.
func WithDuplicates() Option {
	return func(f *Fanout) {
		f.allowDuplicates = true
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fanout) {
		f.logger = l
	}
}

// New creates a Fanout with no listeners.
func New(opts ...Option) *Fanout {
	f := &Fanout{
		listeners: make(map[models.Topic][]Listener),
		stats:     make(map[models.Topic]*TopicStats),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(slog.String("component", "fanout"))
	for _, t := range models.Topics {
		f.stats[t] = &TopicStats{}
	}
	return f
}

// Register adds l to topic. It returns false for an unknown topic, a nil
// listener, or a duplicate when duplicates are not allowed.
func (f *Fanout) Register(topic models.Topic, l Listener) bool {
	if !topic.IsValid() || l == nil {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.allowDuplicates {
		for _, existing := range f.listeners[topic] {
			if existing == l {
				return false
			}
		}
	}
	f.listeners[topic] = append(f.listeners[topic], l)
	f.logger.Debug("listener registered", slog.String("topic", string(topic)),
		slog.Int("listeners", len(f.listeners[topic])))
	return true
}

// Unregister removes one registration of l from topic.
func (f *Fanout) Unregister(topic models.Topic, l Listener) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	ls := f.listeners[topic]
	for i, existing := range ls {
		if existing != l {
			continue
		}
		f.listeners[topic] = append(ls[:i:i], ls[i+1:]...)
		return true
	}
	return false
}

// HasListeners reports whether anything is registered on topic.
func (f *Fanout) HasListeners(topic models.Topic) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.listeners[topic]) > 0
}

// Emit delivers b to every listener on topic and returns how many received
// it. Nothing is delivered or counted when the topic has no listeners.
func (f *Fanout) Emit(topic models.Topic, b models.Batch) int {
	f.mu.RLock()
	ls := f.listeners[topic]
	f.mu.RUnlock()
	if len(ls) == 0 {
		return 0
	}

	for _, l := range ls {
		l.Deliver(topic, b)
	}

	f.mu.Lock()
	st := f.stats[topic]
	if b.IsEndOfStream() {
		st.EndOfStreams++
	} else {
		st.Batches++
		st.Records += int64(len(b.Message))
	}
	f.mu.Unlock()

	if !b.IsEndOfStream() {
		metrics.EmittedBatches.WithLabelValues(string(topic)).Inc()
		metrics.EmittedRecords.WithLabelValues(string(topic)).Add(float64(len(b.Message)))
	}
	return len(ls)
}

// EmitEndOfStream sends the sentinel for source once to every distinct
// listener. A listener registered on several topics receives it on the first
// of them in models.Topics order, and only that topic's counter moves.
func (f *Fanout) EmitEndOfStream(source string) int {
	sentinel := models.EndOfStream(source)

	type target struct {
		topic models.Topic
		l     Listener
	}
	var targets []target
	seen := make(map[Listener]struct{})
	f.mu.RLock()
	for _, t := range models.Topics {
		for _, l := range f.listeners[t] {
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			targets = append(targets, target{topic: t, l: l})
		}
	}
	f.mu.RUnlock()

	for _, tg := range targets {
		tg.l.Deliver(tg.topic, sentinel)
	}

	f.mu.Lock()
	for _, tg := range targets {
		f.stats[tg.topic].EndOfStreams++
	}
	f.mu.Unlock()
	return len(targets)
}

// Stats returns a snapshot of the per-topic counters.
func (f *Fanout) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(Stats, len(f.stats))
	for t, st := range f.stats {
		s := *st
		s.Listeners = len(f.listeners[t])
		out[t] = s
	}
	return out
}
