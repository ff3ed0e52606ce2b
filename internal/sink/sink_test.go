package sink

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/logstream/common/messaging"
	"github.com/telhawk-systems/logstream/internal/models"
)

func testBatch(source string, n int) models.Batch {
	b := models.Batch{Source: source, LogType: "traffic"}
	for i := 0; i < n; i++ {
		b.Message = append(b.Message, models.Event{
			"sessionid": gofakeit.Number(1, 1<<20),
			"src":       gofakeit.IPv4Address(),
			"dst":       gofakeit.IPv4Address(),
		})
	}
	return b
}

type published struct {
	subject string
	data    []byte
	headers map[string]string
}

type mockPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (m *mockPublisher) PublishJSON(_ context.Context, subject string, v interface{}, opts ...messaging.PublishOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.msgs = append(m.msgs, published{subject: subject, data: data, headers: messaging.ApplyPublishOptions(opts...).Headers})
	return nil
}

func (m *mockPublisher) PublishMsgSync(_ context.Context, msg *messaging.Message) (*jetstream.PubAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.msgs = append(m.msgs, published{subject: msg.Subject, data: msg.Data, headers: msg.Metadata})
	return &jetstream.PubAck{Stream: "LOGSTREAM_EVENTS", Sequence: uint64(len(m.msgs))}, nil
}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

func TestSubject(t *testing.T) {
	tests := []struct {
		topic  models.Topic
		source string
		want   string
	}{
		{models.TopicPlain, "Q1", "logstream.events.plain.Q1"},
		{models.TopicCorrelated, models.SourceCorrelated, "logstream.events.correlated.correlated"},
		{models.TopicPcap, "a.b*c>d e", "logstream.events.pcap.a_b_c_d_e"},
		{models.TopicPlain, "", "logstream.events.plain"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Subject(tt.topic, tt.source))
	}
}

func TestPublisher_Write(t *testing.T) {
	pub := &mockPublisher{}
	p := NewPublisher(pub)
	ctx := context.Background()

	require.NoError(t, p.Write(ctx, models.TopicPlain, testBatch("Q1", 2)))
	require.NoError(t, p.Write(ctx, models.TopicPlain, models.EndOfStream("Q1")))

	require.Equal(t, 2, pub.count())
	first := pub.msgs[0]
	assert.Equal(t, "logstream.events.plain.Q1", first.subject)
	assert.Equal(t, "Q1", first.headers[messaging.HeaderSource])
	assert.Equal(t, "traffic", first.headers[messaging.HeaderLogType])
	assert.Empty(t, first.headers[messaging.HeaderEndOfStream])

	var b models.Batch
	require.NoError(t, json.Unmarshal(first.data, &b))
	assert.Len(t, b.Message, 2)

	assert.Equal(t, "true", pub.msgs[1].headers[messaging.HeaderEndOfStream])

	pub.err = errors.New("nats: connection closed")
	assert.Error(t, p.Write(ctx, models.TopicPlain, testBatch("Q1", 1)))
}

func TestJetStream_Write(t *testing.T) {
	pub := &mockPublisher{}
	js := NewJetStream(pub)

	require.NoError(t, js.Write(context.Background(), models.TopicCorrelated, testBatch(models.SourceCorrelated, 1)))
	require.Equal(t, 1, pub.count())
	assert.Equal(t, "logstream.events.correlated.correlated", pub.msgs[0].subject)
	assert.Equal(t, models.SourceCorrelated, pub.msgs[0].headers[messaging.HeaderSource])

	pub.err = errors.New("nats: no response from stream")
	assert.Error(t, js.Write(context.Background(), models.TopicCorrelated, testBatch("Q1", 1)))
}

func TestDecode(t *testing.T) {
	pub := &mockPublisher{}
	require.NoError(t, NewPublisher(pub).Write(context.Background(), models.TopicCorrelated, testBatch(models.SourceCorrelated, 2)))

	msg := &messaging.Message{Subject: pub.msgs[0].subject, Data: pub.msgs[0].data, Metadata: pub.msgs[0].headers}
	topic, b, err := Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, models.TopicCorrelated, topic)
	assert.Equal(t, models.SourceCorrelated, b.Source)
	assert.Len(t, b.Message, 2)

	// Sentinels carry no message field; the source comes from the body or the header.
	topic, b, err = Decode(&messaging.Message{
		Subject:  "logstream.events.plain.Q1",
		Data:     []byte(`{}`),
		Metadata: map[string]string{messaging.HeaderSource: "Q1"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TopicPlain, topic)
	assert.True(t, b.IsEndOfStream())
	assert.Equal(t, "Q1", b.Source)

	_, _, err = Decode(&messaging.Message{Subject: "logstream.events.plainish", Data: []byte(`{}`)})
	assert.Error(t, err)
	_, _, err = Decode(&messaging.Message{Subject: "logstream.events.pcap.Q1", Data: []byte(`{`)})
	assert.Error(t, err)
}

// blockingWriter records writes and can be made to fail.
type blockingWriter struct {
	mu      sync.Mutex
	batches []models.Batch
	fail    bool
}

func (w *blockingWriter) Name() string { return "test" }

func (w *blockingWriter) Write(_ context.Context, _ models.Topic, b models.Batch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("write failed")
	}
	w.batches = append(w.batches, b)
	return nil
}

func (w *blockingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches)
}

func TestQueue_RunAndClose(t *testing.T) {
	w := &blockingWriter{}
	q := NewQueue(w, 16, nil)

	done := make(chan error, 1)
	go func() {
		done <- q.Run(context.Background())
	}()

	for i := 0; i < 5; i++ {
		q.Deliver(models.TopicPlain, testBatch("Q1", 1))
	}
	assert.Eventually(t, func() bool { return w.count() == 5 }, time.Second, 5*time.Millisecond)

	q.Close()
	q.Close()
	require.NoError(t, <-done)
	assert.Equal(t, int64(5), q.Written())

	q.Deliver(models.TopicPlain, testBatch("Q1", 1))
	assert.Equal(t, 5, w.count(), "closed queue ignores deliveries")
}

func TestQueue_DropsWhenFull(t *testing.T) {
	w := &blockingWriter{}
	q := NewQueue(w, 2, nil)

	for i := 0; i < 5; i++ {
		q.Deliver(models.TopicPlain, testBatch("Q1", 1))
	}
	assert.Equal(t, int64(3), q.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, q.Run(ctx))
	assert.Equal(t, 2, w.count(), "buffered batches are drained on shutdown")
}

func TestDirect_LogsFailures(t *testing.T) {
	w := &blockingWriter{fail: true}
	d := NewDirect(w, time.Second, nil)
	d.Deliver(models.TopicPlain, testBatch("Q1", 1))
	assert.Equal(t, 0, w.count())

	w.fail = false
	d.Deliver(models.TopicPlain, testBatch("Q1", 1))
	assert.Equal(t, 1, w.count())
}

func TestStream_JSONLines(t *testing.T) {
	var buf bytes.Buffer
	s, err := NewStream(&buf, FormatJSON)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, models.TopicPlain, testBatch("Q1", 2)))
	require.NoError(t, s.Write(ctx, models.TopicPlain, models.EndOfStream("Q1")))

	scanner := bufio.NewScanner(&buf)
	var lines []map[string]interface{}
	for scanner.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "plain", lines[0]["topic"])
	assert.Equal(t, "Q1", lines[0]["source"])
	assert.Len(t, lines[0]["message"], 2)
	assert.Equal(t, true, lines[1]["endOfStream"])
}

func TestStream_YAML(t *testing.T) {
	var buf bytes.Buffer
	s, err := NewStream(&buf, FormatYAML, WithoutSentinels())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, models.TopicCorrelated, testBatch(models.SourceCorrelated, 1)))
	require.NoError(t, s.Write(ctx, models.TopicCorrelated, models.EndOfStream("Q1")))

	dec := yaml.NewDecoder(&buf)
	var docs []record
	for {
		var r record
		if err := dec.Decode(&r); err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		docs = append(docs, r)
	}
	require.Len(t, docs, 1)
	assert.Equal(t, models.TopicCorrelated, docs[0].Topic)
	assert.Len(t, docs[0].Message, 1)
}

func TestNewStream_UnknownFormat(t *testing.T) {
	_, err := NewStream(io.Discard, "xml")
	assert.Error(t, err)
}

func TestOpenSearch_Write(t *testing.T) {
	var mu sync.Mutex
	var docs []map[string]interface{}
	var paths []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path)

		body, _ := io.ReadAll(r.Body)
		lines := strings.Split(strings.TrimSpace(string(body)), "\n")
		var items []string
		hasErrors := false
		for i := 1; i < len(lines); i += 2 {
			var doc map[string]interface{}
			assert.NoError(t, json.Unmarshal([]byte(lines[i]), &doc))
			docs = append(docs, doc)
			status := 201
			errBody := ""
			if doc["reject"] == true {
				status = 400
				hasErrors = true
				errBody = `,"error":{"type":"mapper_parsing_exception","reason":"bad field"}`
			}
			items = append(items, fmt.Sprintf(`{"index":{"_index":"logstream-plain","_id":"%d","status":%d%s}}`, i, status, errBody))
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"took":1,"errors":%t,"items":[%s]}`, hasErrors, strings.Join(items, ","))
	}))
	defer server.Close()

	idx, err := NewOpenSearch(OpenSearchConfig{URL: server.URL, IndexPrefix: "LogStream"})
	require.NoError(t, err)
	assert.Equal(t, "logstream-plain", idx.Index(models.TopicPlain))

	ctx := context.Background()
	require.NoError(t, idx.Write(ctx, models.TopicPlain, testBatch("Q1", 3)))
	require.NoError(t, idx.Write(ctx, models.TopicPlain, models.EndOfStream("Q1")))

	mu.Lock()
	require.Len(t, docs, 3)
	meta, ok := docs[0]["logstream"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Q1", meta["source"])
	assert.Equal(t, "traffic", meta["log_type"])
	assert.Len(t, paths, 1, "sentinels are not indexed")
	assert.Contains(t, paths[0], "_bulk")
	mu.Unlock()

	bad := testBatch("Q1", 1)
	bad.Message = append(bad.Message, models.Event{"reject": true})
	err = idx.Write(ctx, models.TopicPlain, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapper_parsing_exception")

	indexed, failed := idx.Counts()
	assert.Equal(t, int64(4), indexed)
	assert.Equal(t, int64(1), failed)
}
