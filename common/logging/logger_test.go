package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		level  slog.Level
		format string
	}{
		{
			name:   "json format with info level",
			level:  slog.LevelInfo,
			format: "json",
		},
		{
			name:   "text format with debug level",
			level:  slog.LevelDebug,
			format: "text",
		},
		{
			name:   "default format (json) with error level",
			level:  slog.LevelError,
			format: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level, tt.format)
			if logger == nil {
				t.Fatal("expected non-nil logger")
			}
			if logger.Logger == nil {
				t.Fatal("expected non-nil underlying logger")
			}
			if err := logger.Close(); err != nil {
				t.Errorf("Close() without a file returned %v", err)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	logger := Default()
	if logger == nil || logger.Logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := &Logger{Logger: slog.New(handler)}

	tests := []struct {
		name   string
		ctx    context.Context
		expect []string
		absent []string
	}{
		{
			name:   "context with request ID",
			ctx:    ContextWithRequestID(context.Background(), "test-req-123"),
			expect: []string{"test-req-123", FieldRequestID},
			absent: []string{FieldQueryID},
		},
		{
			name:   "context with request and query ID",
			ctx:    ContextWithQueryID(ContextWithRequestID(context.Background(), "req-9"), "Q1"),
			expect: []string{"req-9", `"query_id":"Q1"`},
		},
		{
			name:   "context without IDs",
			ctx:    context.Background(),
			absent: []string{FieldRequestID, FieldQueryID},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()

			logger.WithContext(tt.ctx).Info("test message")

			for _, s := range tt.expect {
				if !strings.Contains(buf.String(), s) {
					t.Errorf("expected %q in log output, got: %s", s, buf.String())
				}
			}
			for _, s := range tt.absent {
				if strings.Contains(buf.String(), s) {
					t.Errorf("did not expect %q in log output, got: %s", s, buf.String())
				}
			}
		})
	}
}

func TestRequestIDFromContext(t *testing.T) {
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}
	ctx := ContextWithRequestID(context.Background(), "abc")
	if got := RequestIDFromContext(ctx); got != "abc" {
		t.Errorf("expected %q, got %q", "abc", got)
	}
	if got := QueryIDFromContext(ctx); got != "" {
		t.Errorf("expected empty query ID, got %q", got)
	}
}

func TestLevelContextMethods(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *Logger, ctx context.Context)
		level string
	}{
		{"info", func(l *Logger, ctx context.Context) { l.InfoContext(ctx, "msg", "key", "value") }, "INFO"},
		{"warn", func(l *Logger, ctx context.Context) { l.WarnContext(ctx, "msg") }, "WARN"},
		{"error", func(l *Logger, ctx context.Context) { l.ErrorContext(ctx, "msg", "error", "boom") }, "ERROR"},
		{"debug", func(l *Logger, ctx context.Context) { l.DebugContext(ctx, "msg") }, "DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := &Logger{Logger: slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}

			tt.log(logger, ContextWithRequestID(context.Background(), "ctx-req"))

			output := buf.String()
			if !strings.Contains(output, tt.level) {
				t.Errorf("expected %s level in output, got: %s", tt.level, output)
			}
			if !strings.Contains(output, "ctx-req") {
				t.Errorf("expected request ID in output, got: %s", output)
			}
		})
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := &Logger{Logger: slog.New(handler)}

	enrichedLogger := logger.With("service", "logstream", "version", "1.0")
	if enrichedLogger == nil {
		t.Fatal("expected non-nil logger from With()")
	}

	enrichedLogger.Info("test message")
	output := buf.String()

	if !strings.Contains(output, "logstream") {
		t.Errorf("expected service field in output, got: %s", output)
	}
	if !strings.Contains(output, "1.0") {
		t.Errorf("expected version field in output, got: %s", output)
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	logger.Component("poller").Info("tick")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if entry[FieldComponent] != "poller" {
		t.Errorf("expected component=poller, got: %s", buf.String())
	}
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logstream.log")

	logger, err := NewWithFile(slog.LevelInfo, "text", path)
	if err != nil {
		t.Fatalf("NewWithFile: %v", err)
	}
	logger.Info("written to file", QueryID("Q1"))
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("expected a JSON line in the log file, got %q: %v", data, err)
	}
	if entry["msg"] != "written to file" || entry[FieldQueryID] != "Q1" {
		t.Errorf("unexpected file entry: %v", entry)
	}
}

func TestNewWithFile_BadPath(t *testing.T) {
	logger, err := NewWithFile(slog.LevelInfo, "json", filepath.Join(t.TempDir(), "missing", "x.log"))
	if err == nil {
		t.Fatal("expected an error for an unwritable path")
	}
	if logger == nil || logger.Logger == nil {
		t.Fatal("expected a stdout fallback logger")
	}
}

func TestNewWithWriters(t *testing.T) {
	var console, file bytes.Buffer
	logger := NewWithWriters(&console, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("shown", Source("Q1"))

	if strings.Contains(console.String(), "hidden") || strings.Contains(file.String(), "hidden") {
		t.Error("debug record should be filtered")
	}
	if !strings.Contains(console.String(), "source=Q1") {
		t.Errorf("expected text output on console, got: %s", console.String())
	}
	if !strings.Contains(file.String(), `"source":"Q1"`) {
		t.Errorf("expected JSON output in file, got: %s", file.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelInfo}, // Case sensitive, defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := ParseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, expected %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestSetDefault(t *testing.T) {
	originalDefault := slog.Default()
	defer slog.SetDefault(originalDefault)

	logger := New(slog.LevelInfo, "json")
	SetDefault(logger)

	if slog.Default() != logger.Logger {
		t.Error("SetDefault did not update slog.Default()")
	}
}

func TestNewTo(t *testing.T) {
	var console bytes.Buffer
	logger, err := NewTo(&console, slog.LevelWarn, "json", "")
	if err != nil {
		t.Fatalf("NewTo: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", ChannelID("EventFilter"))

	if strings.Contains(console.String(), "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(console.String(), `"msg":"shown"`) {
		t.Errorf("expected JSON output on the writer, got: %s", console.String())
	}
}
