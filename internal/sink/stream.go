package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/logstream/internal/models"
)

// Output formats understood by Stream.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Stream writes batches to an io.Writer, one JSON object per line or one
// YAML document per batch.
type Stream struct {
	mu      sync.Mutex
	w       *bufio.Writer
	format  string
	skipEOS bool
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithoutSentinels suppresses end-of-stream batches.
func WithoutSentinels() StreamOption {
	return func(s *Stream) {
		s.skipEOS = true
	}
}

// NewStream creates a stream sink. format is FormatJSON or FormatYAML.
func NewStream(w io.Writer, format string, opts ...StreamOption) (*Stream, error) {
	switch format {
	case "", FormatJSON:
		format = FormatJSON
	case FormatYAML:
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
	s := &Stream{w: bufio.NewWriter(w), format: format}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Stream) Name() string { return "stream" }

// record is the on-the-wire form of one delivery.
type record struct {
	Topic       models.Topic   `json:"topic" yaml:"topic"`
	Source      string         `json:"source" yaml:"source"`
	LogType     string         `json:"logType,omitempty" yaml:"logType,omitempty"`
	EndOfStream bool           `json:"endOfStream,omitempty" yaml:"endOfStream,omitempty"`
	Message     []models.Event `json:"message,omitempty" yaml:"message,omitempty"`
}

func (s *Stream) Write(_ context.Context, topic models.Topic, b models.Batch) error {
	if b.IsEndOfStream() && s.skipEOS {
		return nil
	}
	rec := record{
		Topic:       topic,
		Source:      b.Source,
		LogType:     b.LogType,
		EndOfStream: b.IsEndOfStream(),
		Message:     b.Message,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.format {
	case FormatYAML:
		if _, err := s.w.WriteString("---\n"); err != nil {
			return err
		}
		enc := yaml.NewEncoder(s.w)
		enc.SetIndent(2)
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return err
		}
	default:
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		if _, err := s.w.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	return s.w.Flush()
}
