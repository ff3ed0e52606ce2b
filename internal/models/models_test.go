package models

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatch_EndOfStream(t *testing.T) {
	sentinel := EndOfStream("q-1")
	assert.True(t, sentinel.IsEndOfStream())
	assert.Equal(t, "q-1", sentinel.Source)

	b := Batch{Source: "q-1", Message: []Event{{"a": 1}}}
	assert.False(t, b.IsEndOfStream())
	assert.Equal(t, 1, b.Len())
}

func TestEvent_Clone(t *testing.T) {
	e := Event{"src": "10.0.0.1"}
	c := e.Clone()
	c["src"] = "10.0.0.2"
	assert.Equal(t, "10.0.0.1", e["src"])
}

func TestTopic_IsValid(t *testing.T) {
	for _, topic := range Topics {
		assert.True(t, topic.IsValid(), topic)
	}
	assert.False(t, Topic("bogus").IsValid())
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		protocol  bool
	}{
		{"transient", NewTransientError("poll", context.DeadlineExceeded), true, false},
		{"wrapped transient", fmt.Errorf("query q-1: %w", NewTransientError("poll", errors.New("reset"))), true, false},
		{"protocol", NewProtocolError("poll", 400, errors.New("bad request")), false, true},
		{"wrapped protocol", fmt.Errorf("x: %w", NewProtocolError("decode", 0, errors.New("eof"))), false, true},
		{"plain", errors.New("boom"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.protocol, IsProtocol(tt.err))
		})
	}
}

func TestProtocolError_Unwrap(t *testing.T) {
	cause := errors.New("missing queryId")
	err := NewProtocolError("submit", 0, cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "submit")
}

func TestConfigError(t *testing.T) {
	err := ConfigError("ageout window %d out of range", 0)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "ageout window 0 out of range")
}
