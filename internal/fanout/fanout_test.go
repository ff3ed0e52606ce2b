package fanout

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/logstream/internal/models"
)

type recorder struct {
	mu      sync.Mutex
	batches []Delivery
}

func (r *recorder) Deliver(topic models.Topic, b models.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, Delivery{Topic: topic, Batch: b})
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func testBatch(source string, n int) models.Batch {
	b := models.Batch{Source: source, LogType: "traffic"}
	for i := 0; i < n; i++ {
		b.Message = append(b.Message, models.Event{"i": i})
	}
	return b
}

func TestFanout_RegisterDuplicates(t *testing.T) {
	f := New()
	r := &recorder{}

	assert.True(t, f.Register(models.TopicPlain, r))
	assert.False(t, f.Register(models.TopicPlain, r), "duplicate")
	assert.True(t, f.Register(models.TopicCorrelated, r), "same listener, other topic")
	assert.False(t, f.Register(models.Topic("bogus"), r))
	assert.False(t, f.Register(models.TopicPlain, nil))

	dup := New(WithDuplicates())
	assert.True(t, dup.Register(models.TopicPlain, r))
	assert.True(t, dup.Register(models.TopicPlain, r))
	assert.Equal(t, 2, dup.Emit(models.TopicPlain, testBatch("q-1", 1)))
	assert.Equal(t, 2, r.count())
}

func TestFanout_EmitOnlyWithListeners(t *testing.T) {
	f := New()
	r := &recorder{}
	require.True(t, f.Register(models.TopicPlain, r))

	assert.Equal(t, 0, f.Emit(models.TopicCorrelated, testBatch("q-1", 3)))
	assert.Equal(t, 1, f.Emit(models.TopicPlain, testBatch("q-1", 3)))

	st := f.Stats()
	assert.Equal(t, int64(0), st[models.TopicCorrelated].Records)
	assert.Equal(t, int64(3), st[models.TopicPlain].Records)
	assert.Equal(t, int64(1), st[models.TopicPlain].Batches)
	assert.Equal(t, 1, st[models.TopicPlain].Listeners)
	assert.Equal(t, int64(3), st.Records())
}

func TestFanout_Unregister(t *testing.T) {
	f := New()
	a, b := &recorder{}, &recorder{}
	f.Register(models.TopicPlain, a)
	f.Register(models.TopicPlain, b)

	assert.True(t, f.Unregister(models.TopicPlain, a))
	assert.False(t, f.Unregister(models.TopicPlain, a))
	assert.True(t, f.HasListeners(models.TopicPlain))

	f.Emit(models.TopicPlain, testBatch("q-1", 1))
	assert.Equal(t, 0, a.count())
	assert.Equal(t, 1, b.count())

	assert.True(t, f.Unregister(models.TopicPlain, b))
	assert.False(t, f.HasListeners(models.TopicPlain))
}

func TestFanout_EmitEndOfStream(t *testing.T) {
	f := New()
	plain, pcap := &recorder{}, &recorder{}
	f.Register(models.TopicPlain, plain)
	f.Register(models.TopicPcap, pcap)

	f.EmitEndOfStream("q-1")

	require.Equal(t, 1, plain.count())
	require.Equal(t, 1, pcap.count())
	assert.True(t, plain.batches[0].Batch.IsEndOfStream())
	assert.Equal(t, "q-1", plain.batches[0].Batch.Source)

	st := f.Stats()
	assert.Equal(t, int64(1), st[models.TopicPlain].EndOfStreams)
	assert.Equal(t, int64(0), st[models.TopicPlain].Batches)
	assert.Equal(t, int64(0), st[models.TopicCorrelated].EndOfStreams)
}

func TestFanout_EmitEndOfStream_OncePerListener(t *testing.T) {
	f := New()
	everywhere, pcap := &recorder{}, &recorder{}
	for _, topic := range models.Topics {
		require.True(t, f.Register(topic, everywhere))
	}
	f.Register(models.TopicPcap, pcap)

	assert.Equal(t, 2, f.EmitEndOfStream("Q1"))

	require.Equal(t, 1, everywhere.count(), "one sentinel per job, not per topic")
	assert.Equal(t, models.TopicPlain, everywhere.batches[0].Topic)
	require.Equal(t, 1, pcap.count())
	assert.Equal(t, models.TopicPcap, pcap.batches[0].Topic)

	st := f.Stats()
	assert.Equal(t, int64(1), st[models.TopicPlain].EndOfStreams)
	assert.Equal(t, int64(0), st[models.TopicCorrelated].EndOfStreams)
	assert.Equal(t, int64(1), st[models.TopicPcap].EndOfStreams)
}

func TestFanout_EmitEndOfStream_DuplicateRegistration(t *testing.T) {
	f := New(WithDuplicates())
	l := &recorder{}
	f.Register(models.TopicPlain, l)
	f.Register(models.TopicPlain, l)

	f.Emit(models.TopicPlain, testBatch("Q1", 1))
	assert.Equal(t, 2, l.count(), "batches follow every registration")

	f.EmitEndOfStream("Q1")
	assert.Equal(t, 3, l.count(), "the sentinel does not")
}

func TestChannelListener_DropsWhenFull(t *testing.T) {
	l := NewChannelListener(1)
	l.Deliver(models.TopicPlain, testBatch("q-1", 1))
	l.Deliver(models.TopicPlain, testBatch("q-1", 2))

	assert.Equal(t, int64(1), l.Dropped())
	d := <-l.C()
	assert.Equal(t, models.TopicPlain, d.Topic)
	assert.Len(t, d.Batch.Message, 1)
}

func TestFuncListener(t *testing.T) {
	var got []models.Topic
	l := NewFuncListener(func(topic models.Topic, _ models.Batch) {
		got = append(got, topic)
	})

	f := New()
	f.Register(models.TopicCorrelated, l)
	f.Emit(models.TopicCorrelated, testBatch(models.SourceCorrelated, 1))
	assert.Equal(t, []models.Topic{models.TopicCorrelated}, got)
}

func TestSplitPcap(t *testing.T) {
	b := models.Batch{Source: "q-1", LogType: "threat", Message: []models.Event{
		{"sessionid": "A"},
		{"sessionid": "B", PcapField: "1MOyAAIABAAAAAAA"},
		{"sessionid": "C", PcapField: ""},
	}}

	rest, pcap := SplitPcap(b)
	assert.Len(t, rest.Message, 2)
	require.Len(t, pcap.Message, 1)
	assert.Equal(t, "B", pcap.Message[0]["sessionid"])
	assert.Equal(t, "q-1", pcap.Source)
	assert.Equal(t, "threat", pcap.LogType)
}
