// Package models holds the envelope and record types shared by the polling,
// correlation and fan-out layers.
package models

// Event is a raw log record as returned by the remote query service.
type Event map[string]interface{}

// Clone returns a shallow copy of the event.
func (e Event) Clone() Event {
	out := make(Event, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Topic names an independent fan-out stream.
type Topic string

const (
	TopicPlain      Topic = "plain"
	TopicCorrelated Topic = "correlated"
	TopicPcap       Topic = "pcap"
)

// Topics lists every topic in delivery order.
var Topics = []Topic{TopicPlain, TopicCorrelated, TopicPcap}

// IsValid reports whether t is a known topic.
func (t Topic) IsValid() bool {
	switch t {
	case TopicPlain, TopicCorrelated, TopicPcap:
		return true
	default:
		return false
	}
}

// SourceCorrelated is the source attached to correlated batches.
const SourceCorrelated = "correlated"

// Batch is the envelope delivered to listeners. A batch without messages is the
// end-of-stream sentinel for its source.
type Batch struct {
	Source  string  `json:"source"`
	LogType string  `json:"logType,omitempty"`
	Message []Event `json:"message,omitempty"`
}

// EndOfStream builds the sentinel batch for source.
func EndOfStream(source string) Batch {
	return Batch{Source: source}
}

// IsEndOfStream reports whether b carries no payload.
func (b Batch) IsEndOfStream() bool {
	return len(b.Message) == 0
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Message)
}
