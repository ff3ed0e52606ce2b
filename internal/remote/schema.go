package remote

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/telhawk-systems/logstream/internal/jobs"
	"github.com/telhawk-systems/logstream/internal/models"
)

type queryRequest struct {
	Query       string `json:"query"`
	StartTime   int64  `json:"startTime,omitempty"`
	EndTime     int64  `json:"endTime,omitempty"`
	MaxWaitTime int64  `json:"maxWaitTime,omitempty"`
	Client      string `json:"client,omitempty"`
}

func newQueryRequest(spec QuerySpec) queryRequest {
	return queryRequest{
		Query:       spec.Query,
		StartTime:   spec.StartTime,
		EndTime:     spec.EndTime,
		MaxWaitTime: spec.MaxWaitTime.Milliseconds(),
		Client:      spec.Client,
	}
}

type pollRequest struct {
	QueryID     string `json:"queryId"`
	SequenceNo  int    `json:"sequenceNo"`
	MaxWaitTime int64  `json:"maxWaitTime,omitempty"`
}

// JobResponse is the body returned by query submit and poll.
type JobResponse struct {
	QueryID     string     `json:"queryId"`
	SequenceNo  *int       `json:"sequenceNo"`
	QueryStatus string     `json:"queryStatus"`
	Result      *JobResult `json:"result,omitempty"`
}

// JobResult carries the page of hits.
type JobResult struct {
	EsResult *struct {
		Hits struct {
			Hits []Hit `json:"hits"`
		} `json:"hits"`
	} `json:"esResult,omitempty"`
}

// Hit is one search hit.
type Hit struct {
	ID     string       `json:"_id,omitempty"`
	Type   string       `json:"_type,omitempty"`
	Source models.Event `json:"_source"`
}

// Page validates the response and converts it to a Page.
func (r *JobResponse) Page() (*Page, error) {
	if r.QueryID == "" {
		return nil, errors.New("missing queryId")
	}
	if r.SequenceNo == nil {
		return nil, errors.New("missing sequenceNo")
	}
	if *r.SequenceNo < 0 {
		return nil, fmt.Errorf("negative sequenceNo %d", *r.SequenceNo)
	}
	status, err := jobs.ParseStatus(r.QueryStatus)
	if err != nil {
		return nil, err
	}

	p := &Page{
		QueryID:    r.QueryID,
		SequenceNo: *r.SequenceNo,
		Status:     status,
	}
	if r.Result == nil || r.Result.EsResult == nil {
		return p, nil
	}
	for i, h := range r.Result.EsResult.Hits.Hits {
		if h.Source == nil {
			return nil, fmt.Errorf("hit %d has no _source", i)
		}
		if p.LogType == "" {
			p.LogType = h.Type
		}
		p.Events = append(p.Events, h.Source)
	}
	return p, nil
}

type filterEntry struct {
	Filter string `json:"filter"`
}

type filterRequest struct {
	Filters []filterEntry `json:"filters"`
	Flush   bool          `json:"flush"`
}

func newFilterRequest(spec FilterSpec) filterRequest {
	req := filterRequest{Filters: make([]filterEntry, 0, len(spec.Filters)), Flush: spec.Flush}
	for _, f := range spec.Filters {
		req.Filters = append(req.Filters, filterEntry{Filter: f})
	}
	return req
}

// FilterResponse is the filter set the service reports as installed.
type FilterResponse struct {
	Filters []struct {
		Filter string `json:"filter"`
	} `json:"filters"`
}

// Expressions returns the installed filter strings.
func (r *FilterResponse) Expressions() []string {
	out := make([]string, 0, len(r.Filters))
	for _, f := range r.Filters {
		out = append(out, f.Filter)
	}
	return out
}

func (r *FilterResponse) validate() error {
	if r.Filters == nil {
		return errors.New("missing filters")
	}
	for i, f := range r.Filters {
		if f.Filter == "" {
			return fmt.Errorf("filter %d is empty", i)
		}
	}
	return nil
}

// ChannelPollResponse is the body returned by a channel poll.
type ChannelPollResponse []ChannelEntry

// ChannelEntry groups the events of one log type.
type ChannelEntry struct {
	LogType string         `json:"logType"`
	Event   []models.Event `json:"event"`
}

// Batches validates the response and converts it to batches for source.
func (r ChannelPollResponse) Batches(source string) ([]models.Batch, error) {
	out := make([]models.Batch, 0, len(r))
	for i, e := range r {
		if e.LogType == "" {
			return nil, fmt.Errorf("entry %d has no logType", i)
		}
		if len(e.Event) == 0 {
			continue
		}
		out = append(out, models.Batch{Source: source, LogType: e.LogType, Message: e.Event})
	}
	return out, nil
}

// decode unmarshals body into v, keeping numbers as json.Number so that
// integer timestamps survive intact.
func decode(body []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

func decodeJob(op string, body []byte) (*Page, error) {
	var resp JobResponse
	if err := decode(body, &resp); err != nil {
		return nil, models.NewProtocolError(op, 0, fmt.Errorf("decode job response: %w", err))
	}
	p, err := resp.Page()
	if err != nil {
		return nil, models.NewProtocolError(op, 0, err)
	}
	return p, nil
}

func decodeFilters(op string, body []byte) (*FilterResponse, error) {
	var resp FilterResponse
	if err := decode(body, &resp); err != nil {
		return nil, models.NewProtocolError(op, 0, fmt.Errorf("decode filter response: %w", err))
	}
	if err := resp.validate(); err != nil {
		return nil, models.NewProtocolError(op, 0, err)
	}
	return &resp, nil
}

func decodeChannelPoll(op, source string, body []byte) ([]models.Batch, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var resp ChannelPollResponse
	if err := decode(body, &resp); err != nil {
		return nil, models.NewProtocolError(op, 0, fmt.Errorf("decode poll response: %w", err))
	}
	batches, err := resp.Batches(source)
	if err != nil {
		return nil, models.NewProtocolError(op, 0, err)
	}
	return batches, nil
}
