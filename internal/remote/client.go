// Package remote talks to the log query and event channel services.
//
// The poller and the channel controller only see the QueryClient and
// ChannelClient interfaces. HTTPClient speaks the services' REST API and
// NATSClient carries the same JSON bodies over NATS request/reply.
package remote

import (
	"context"
	"time"

	"github.com/telhawk-systems/logstream/internal/jobs"
	"github.com/telhawk-systems/logstream/internal/models"
)

// QuerySpec describes a query to submit.
type QuerySpec struct {
	Query     string
	StartTime int64
	EndTime   int64

	// MaxWaitTime is the long-poll budget forwarded on every request for the job.
	MaxWaitTime time.Duration

	// LogType tags emitted batches when the service does not report one.
	LogType string

	// Client identifies the caller to the service.
	Client string
}

// Page is one decoded job response.
type Page struct {
	QueryID    string
	SequenceNo int
	Status     jobs.Status
	LogType    string
	Events     []models.Event
}

// QueryClient submits and advances query jobs.
type QueryClient interface {
	SubmitQuery(ctx context.Context, spec QuerySpec) (*Page, error)
	Poll(ctx context.Context, queryID string, sequenceNo int, maxWaitTime time.Duration) (*Page, error)
	DeleteQuery(ctx context.Context, queryID string) error
}

// FilterSpec is the set of filters installed on an event channel.
type FilterSpec struct {
	Filters []string

	// Flush discards events already queued for the channel.
	Flush bool
}

// PollOptions tune one channel poll.
type PollOptions struct {
	// Timeout is how long the service may hold the poll open.
	Timeout time.Duration

	// BatchSize caps the number of events returned; 0 lets the service decide.
	BatchSize int
}

// ChannelClient drives a single event channel.
type ChannelClient interface {
	ChannelID() string
	SetFilters(ctx context.Context, spec FilterSpec) (*FilterResponse, error)
	ClearFilters(ctx context.Context, flush bool) error
	Poll(ctx context.Context, opts PollOptions) ([]models.Batch, error)
	Ack(ctx context.Context) error
	Nack(ctx context.Context) error
	Flush(ctx context.Context) error
}
