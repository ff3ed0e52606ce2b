package sink

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/logstream/internal/models"
)

// OpenSearchConfig holds the connection and index settings for the index sink.
type OpenSearchConfig struct {
	URL           string
	Username      string
	Password      string
	TLSSkipVerify bool
	IndexPrefix   string
}

// DefaultOpenSearchConfig returns local development defaults.
func DefaultOpenSearchConfig() OpenSearchConfig {
	return OpenSearchConfig{
		URL:           "https://localhost:9200",
		Username:      "admin",
		Password:      "admin",
		TLSSkipVerify: true,
		IndexPrefix:   "logstream",
	}
}

// IndexResult summarises one bulk write.
type IndexResult struct {
	Indexed int64
	Failed  int64
	Errors  []string
}

// OpenSearch bulk-indexes every record into one index per topic. Use it
// behind a Queue.
type OpenSearch struct {
	client *opensearch.Client
	prefix string

	indexed atomic.Int64
	failed  atomic.Int64
}

// NewOpenSearch creates an index sink.
func NewOpenSearch(cfg OpenSearchConfig) (*OpenSearch, error) {
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = DefaultOpenSearchConfig().IndexPrefix
	}
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.TLSSkipVerify,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	return &OpenSearch{client: client, prefix: cfg.IndexPrefix}, nil
}

func (o *OpenSearch) Name() string { return "opensearch" }

// Index returns the index a topic is written to.
func (o *OpenSearch) Index(topic models.Topic) string {
	return strings.ToLower(o.prefix + "-" + string(topic))
}

// Write indexes every record of b. End-of-stream sentinels carry nothing to
// index and are skipped.
func (o *OpenSearch) Write(ctx context.Context, topic models.Topic, b models.Batch) error {
	if b.IsEndOfStream() {
		return nil
	}
	res, err := o.Bulk(ctx, topic, b)
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d records failed to index: %s", res.Failed, b.Len(), strings.Join(res.Errors, "; "))
	}
	return nil
}

// Bulk indexes b and reports per-record outcomes.
func (o *OpenSearch) Bulk(ctx context.Context, topic models.Topic, b models.Batch) (*IndexResult, error) {
	res := &IndexResult{}
	var indexed, failed atomic.Int64
	errs := make(chan string, b.Len())

	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:     o.client,
		Index:      o.Index(topic),
		NumWorkers: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	for _, ev := range b.Message {
		data, err := json.Marshal(document(b, ev))
		if err != nil {
			failed.Add(1)
			errs <- fmt.Sprintf("marshal record: %v", err)
			continue
		}

		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action: "index",
			Body:   bytes.NewReader(data),
			OnSuccess: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem) {
				indexed.Add(1)
			},
			OnFailure: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				failed.Add(1)
				if err != nil {
					errs <- err.Error()
				} else {
					errs <- fmt.Sprintf("%s: %s", res.Error.Type, res.Error.Reason)
				}
			},
		})
		if err != nil {
			failed.Add(1)
			errs <- fmt.Sprintf("add to bulk indexer: %v", err)
		}
	}

	if err := bi.Close(ctx); err != nil {
		return nil, fmt.Errorf("bulk indexer close: %w", err)
	}
	close(errs)

	res.Indexed = indexed.Load()
	res.Failed = failed.Load()
	for e := range errs {
		res.Errors = append(res.Errors, e)
	}
	o.indexed.Add(res.Indexed)
	o.failed.Add(res.Failed)
	return res, nil
}

// Counts returns the records indexed and failed over the sink's lifetime.
func (o *OpenSearch) Counts() (indexed, failed int64) {
	return o.indexed.Load(), o.failed.Load()
}

// document adds the batch envelope to a record under the "logstream" key.
func document(b models.Batch, ev models.Event) models.Event {
	doc := ev.Clone()
	meta := map[string]string{"source": b.Source}
	if b.LogType != "" {
		meta["log_type"] = b.LogType
	}
	doc["logstream"] = meta
	return doc
}
