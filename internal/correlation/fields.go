package correlation

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/telhawk-systems/logstream/internal/models"
)

type halfKind int

const (
	kindUnknown halfKind = iota
	kindL2
	kindL3
)

// parseTimestamp reads an integer-seconds timestamp. Fractional numbers are truncated.
func parseTimestamp(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case uint32:
		return int64(t), true
	case float64:
		// float64(math.MaxInt64) rounds up to 2^63, which does not fit.
		if math.IsNaN(t) || t >= math.MaxInt64 || t < math.MinInt64 {
			return 0, false
		}
		return int64(t), true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return parseTimestamp(f)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// sessionKey normalises a session id to a comparable string.
func sessionKey(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return "", false
		}
		return t, true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return "", false
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case int:
		return strconv.Itoa(t), true
	case json.Number:
		return t.String(), t.String() != ""
	default:
		return "", false
	}
}

func hasAny(ev models.Event, fields []string) bool {
	for _, f := range fields {
		v, ok := ev[f]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			continue
		}
		return true
	}
	return false
}

func (e *Engine) kindOf(ev models.Event) halfKind {
	l2 := hasAny(ev, e.cfg.L2Fields)
	l3 := hasAny(ev, e.cfg.L3Fields)
	switch {
	case l2 && !l3:
		return kindL2
	case l3 && !l2:
		return kindL3
	default:
		return kindUnknown
	}
}

// merge combines the L3 address fields with the L2 MAC tags.
func (e *Engine) merge(l2, l3 *entry) models.Event {
	rec := models.Event{
		e.cfg.SessionField:   l3.element[e.cfg.SessionField],
		e.cfg.TimestampField: l3.element[e.cfg.TimestampField],
	}
	for _, f := range e.cfg.L3Fields {
		if v, ok := l3.element[f]; ok {
			rec[f] = v
		}
	}
	for _, f := range e.cfg.L2Fields {
		if v, ok := l2.element[f]; ok {
			rec[f] = v
		}
	}
	return rec
}
