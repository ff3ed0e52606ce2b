// Package correlation joins L2 (MAC) and L3 (IP) half-events that share a
// session id inside a bounded, time-windowed table.
package correlation

import (
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/logstream/internal/metrics"
	"github.com/telhawk-systems/logstream/internal/models"
)

// Meta records where a half-event came from.
type Meta struct {
	Source  string
	LogType string
}

type entry struct {
	ts      int64
	session string
	kind    halfKind
	element models.Event
	meta    Meta
}

// Stats are monotonically non-decreasing for the life of an Engine.
type Stats struct {
	AgedOut    int64 `json:"aged_out"`
	WaterMark  int64 `json:"water_mark"`
	Inserts    int64 `json:"inserts"`
	Discarded  int64 `json:"discarded"`
	Correlated int64 `json:"correlated"`
	Late       int64 `json:"late"`
}

// Result is the output of one Process or Flush call.
type Result struct {
	Plain      []models.Batch
	Correlated *models.Batch
}

// Empty reports whether the result carries nothing to emit.
func (r Result) Empty() bool {
	return len(r.Plain) == 0 && r.Correlated == nil
}

// Engine is the temporal join. Process and Flush are safe for concurrent use
// but are expected to be driven by a single scheduler.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	table  []*entry
	last   int64
	gcTick int
	stats  Stats
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock used in absolute-time mode.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New validates cfg and returns an empty engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg: cfg,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the validated configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Process runs every element of b through the join.
func (e *Engine) Process(b models.Batch) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := newCollector()
	meta := Meta{Source: b.Source, LogType: b.LogType}

	for _, x := range b.Message {
		ts, okTS := parseTimestamp(x[e.cfg.TimestampField])
		session, okSession := sessionKey(x[e.cfg.SessionField])
		if !okTS || !okSession {
			e.stats.Discarded++
			metrics.CorrelationDiscarded.Inc()
			out.plain(meta, x)
			continue
		}
		e.update(&entry{
			ts:      ts,
			session: session,
			kind:    e.kindOf(x),
			element: x,
			meta:    meta,
		}, out)
	}

	metrics.CorrelationTableSize.Set(float64(len(e.table)))
	return out.result()
}

// Flush empties the table, returning every waiting half-event as plain output.
func (e *Engine) Flush() Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := newCollector()
	for _, en := range e.table {
		out.plain(en.meta, en.element)
	}
	e.table = nil
	metrics.CorrelationTableSize.Set(0)
	return out.result()
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Len returns the number of half-events waiting for a partner.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.table)
}

func (e *Engine) update(n *entry, out *collector) {
	if n.ts > e.last {
		e.last = n.ts
	}

	for _, aged := range e.collectGarbage() {
		out.plain(aged.meta, aged.element)
	}

	cutoff := e.reference() - e.cfg.AgeoutWindow
	if n.ts < cutoff {
		e.stats.Late++
		out.plain(n.meta, n.element)
		return
	}

	idx := e.find(n.session)
	if idx < 0 {
		e.insert(n)
		return
	}

	match := e.table[idx]
	if match.ts < cutoff {
		// Stale but not collected yet: it can no longer pair, so it ages out
		// here and the newcomer takes its slot.
		e.removeAt(idx)
		e.stats.AgedOut++
		metrics.CorrelationAgedOut.Inc()
		out.plain(match.meta, match.element)
		e.insert(n)
		return
	}

	l2, l3 := complementary(match, n)
	if l2 == nil {
		// Same layer twice for one session. The stored half is kept and may stay
		// until it ages out; the newcomer passes through uncorrelated.
		out.plain(n.meta, n.element)
		return
	}

	e.removeAt(idx)
	e.stats.Correlated++
	metrics.CorrelationMatches.Inc()
	out.plain(l3.meta, l3.element)
	out.correlated(n.meta.LogType, e.merge(l2, l3))
}

// reference is the time against which age is measured.
func (e *Engine) reference() int64 {
	if e.cfg.AbsoluteTime {
		return e.now().Unix()
	}
	return e.last
}

// collectGarbage evicts entries older than the cutoff once every GCMultiplier+1 calls.
func (e *Engine) collectGarbage() []*entry {
	e.gcTick++
	if e.gcTick <= e.cfg.GCMultiplier {
		return nil
	}
	e.gcTick = 0

	cutoff := e.reference() - e.cfg.AgeoutWindow
	sort.SliceStable(e.table, func(i, j int) bool {
		return e.table[i].ts < e.table[j].ts
	})
	n := sort.Search(len(e.table), func(i int) bool {
		return e.table[i].ts >= cutoff
	})
	if n == 0 {
		return nil
	}

	aged := make([]*entry, n)
	copy(aged, e.table[:n])
	e.table = append([]*entry(nil), e.table[n:]...)

	e.stats.AgedOut += int64(n)
	metrics.CorrelationAgedOut.Add(float64(n))
	return aged
}

func (e *Engine) find(session string) int {
	for i, en := range e.table {
		if en.session == session {
			return i
		}
	}
	return -1
}

func (e *Engine) insert(n *entry) {
	e.table = append(e.table, n)
	e.stats.Inserts++
	if size := int64(len(e.table)); size > e.stats.WaterMark {
		e.stats.WaterMark = size
	}
}

func (e *Engine) removeAt(i int) {
	copy(e.table[i:], e.table[i+1:])
	e.table[len(e.table)-1] = nil
	e.table = e.table[:len(e.table)-1]
}

// complementary returns the L2 and L3 halves of a pair, or nils when a and b
// are not one of each.
func complementary(a, b *entry) (l2, l3 *entry) {
	switch {
	case a.kind == kindL2 && b.kind == kindL3:
		return a, b
	case a.kind == kindL3 && b.kind == kindL2:
		return b, a
	default:
		return nil, nil
	}
}

// collector groups plain output by source and log type in first-seen order
// and accumulates correlated records into a single batch.
type collector struct {
	order      []groupKey
	groups     map[groupKey]*models.Batch
	correlates *models.Batch
}

type groupKey struct {
	source  string
	logType string
}

func newCollector() *collector {
	return &collector{groups: make(map[groupKey]*models.Batch)}
}

func (c *collector) plain(meta Meta, ev models.Event) {
	k := groupKey{source: meta.Source, logType: meta.LogType}
	b, ok := c.groups[k]
	if !ok {
		b = &models.Batch{Source: meta.Source, LogType: meta.LogType}
		c.groups[k] = b
		c.order = append(c.order, k)
	}
	b.Message = append(b.Message, ev)
}

func (c *collector) correlated(logType string, ev models.Event) {
	if c.correlates == nil {
		c.correlates = &models.Batch{Source: models.SourceCorrelated, LogType: logType}
	}
	c.correlates.Message = append(c.correlates.Message, ev)
}

func (c *collector) result() Result {
	var r Result
	for _, k := range c.order {
		r.Plain = append(r.Plain, *c.groups[k])
	}
	r.Correlated = c.correlates
	return r
}
