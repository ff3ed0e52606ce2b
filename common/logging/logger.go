package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// Logger wraps slog.Logger to provide context-aware structured logging.
// It automatically extracts request IDs and query IDs from the context.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// New creates a new Logger with the specified log level and format.
// format can be "json" or "text" (default is json).
func New(level slog.Level, format string) *Logger {
	return &Logger{Logger: slog.New(newHandler(os.Stdout, level, format))}
}

// NewWithFile logs to stdout in format and additionally appends JSON lines
// to path. If the file cannot be opened the logger falls back to stdout
// only and returns the open error alongside it.
func NewWithFile(level slog.Level, format, path string) (*Logger, error) {
	return NewTo(os.Stdout, level, format, path)
}

// NewTo is NewWithFile with the console output on w. The CLI passes stderr
// so records streamed to stdout stay clean.
func NewTo(w io.Writer, level slog.Level, format, path string) (*Logger, error) {
	console := newHandler(w, level, format)
	if path == "" {
		return &Logger{Logger: slog.New(console)}, nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &Logger{Logger: slog.New(console)}, err
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return &Logger{
		Logger: slog.New(slogmulti.Fanout(console, fileHandler)),
		closer: file,
	}, nil
}

// NewWithWriters fans out to two writers: text to console, JSON to file.
func NewWithWriters(console, file io.Writer, level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slogmulti.Fanout(
		slog.NewTextHandler(console, &slog.HandlerOptions{Level: level}),
		slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}),
	))}
}

func newHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		// Add source location for errors and above
		AddSource: level <= slog.LevelError,
	}
	switch format {
	case "text":
		return slog.NewTextHandler(w, opts)
	default:
		return slog.NewJSONHandler(w, opts)
	}
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Default returns the default logger (uses slog.Default).
func Default() *Logger {
	return &Logger{Logger: slog.Default()}
}

type contextKey int

const (
	requestIDKey contextKey = iota
	queryIDKey
)

// ContextWithRequestID returns a copy of ctx carrying a request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request ID carried by ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ContextWithQueryID returns a copy of ctx carrying the query being worked on.
func ContextWithQueryID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, queryIDKey, id)
}

// QueryIDFromContext returns the query ID carried by ctx, or "".
func QueryIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(queryIDKey).(string)
	return id
}

// WithContext returns a logger that includes the request and query IDs
// carried by ctx.
func (l *Logger) WithContext(ctx context.Context) *slog.Logger {
	return FromContext(ctx, l.Logger)
}

// FromContext decorates base with the IDs carried by ctx.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	logger := base
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		logger = logger.With(RequestID(reqID))
	}
	if qid := QueryIDFromContext(ctx); qid != "" {
		logger = logger.With(QueryID(qid))
	}
	return logger
}

// InfoContext logs at Info level with context-aware fields.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).InfoContext(ctx, msg, args...)
}

// WarnContext logs at Warn level with context-aware fields.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).WarnContext(ctx, msg, args...)
}

// ErrorContext logs at Error level with context-aware fields.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).ErrorContext(ctx, msg, args...)
}

// DebugContext logs at Debug level with context-aware fields.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).DebugContext(ctx, msg, args...)
}

// With returns a new logger with the given attributes added.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), closer: l.closer}
}

// Component returns the underlying slog.Logger tagged with a component name,
// the form injected into schedulers and clients.
func (l *Logger) Component(name string) *slog.Logger {
	return l.Logger.With(slog.String(FieldComponent, name))
}

// ParseLevel converts a string log level to slog.Level.
// Valid values: "debug", "info", "warn", "error".
// Returns slog.LevelInfo for invalid values.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault sets the default logger for the application.
// This affects both slog.Default() and log package functions.
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}
