package fanout

import (
	"sync/atomic"

	"github.com/telhawk-systems/logstream/internal/metrics"
	"github.com/telhawk-systems/logstream/internal/models"
)

// FuncListener adapts a function to Listener.
type FuncListener struct {
	fn func(models.Topic, models.Batch)
}

// NewFuncListener wraps fn.
func NewFuncListener(fn func(models.Topic, models.Batch)) *FuncListener {
	return &FuncListener{fn: fn}
}

func (l *FuncListener) Deliver(topic models.Topic, b models.Batch) {
	l.fn(topic, b)
}

// Delivery is one batch received by a ChannelListener.
type Delivery struct {
	Topic models.Topic
	Batch models.Batch
}

// ChannelListener forwards batches to a buffered channel. A full buffer
// drops the batch and counts it rather than stalling the scheduler.
type ChannelListener struct {
	ch      chan Delivery
	dropped atomic.Int64
}

// NewChannelListener creates a listener with the given buffer size.
func NewChannelListener(buffer int) *ChannelListener {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelListener{ch: make(chan Delivery, buffer)}
}

func (l *ChannelListener) Deliver(topic models.Topic, b models.Batch) {
	select {
	case l.ch <- Delivery{Topic: topic, Batch: b}:
	default:
		l.dropped.Add(1)
		metrics.ListenerDrops.WithLabelValues(string(topic)).Inc()
	}
}

// C returns the delivery channel.
func (l *ChannelListener) C() <-chan Delivery {
	return l.ch
}

// Dropped returns the number of batches lost to a full buffer.
func (l *ChannelListener) Dropped() int64 {
	return l.dropped.Load()
}

// PcapField marks an event that carries a captured packet payload.
const PcapField = "pcap"

// SplitPcap separates events carrying a packet capture from the rest of b.
// Both results keep b's source and log type.
func SplitPcap(b models.Batch) (rest, pcap models.Batch) {
	rest = models.Batch{Source: b.Source, LogType: b.LogType}
	pcap = models.Batch{Source: b.Source, LogType: b.LogType}
	for _, ev := range b.Message {
		if v, ok := ev[PcapField]; ok && v != nil && v != "" {
			pcap.Message = append(pcap.Message, ev)
			continue
		}
		rest.Message = append(rest.Message, ev)
	}
	return rest, pcap
}
