package logging

import "log/slog"

// Common field names for consistent logging across components.
const (
	FieldService    = "service"
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldQueryID    = "query_id"
	FieldSequenceNo = "sequence_no"
	FieldJobStatus  = "job_status"
	FieldSource     = "source"
	FieldLogType    = "log_type"
	FieldTopic      = "topic"
	FieldChannelID  = "channel_id"
	FieldCount      = "count"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldQuery      = "query"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// RequestID returns a slog attribute for a remote request ID.
func RequestID(id string) slog.Attr {
	return slog.String(FieldRequestID, id)
}

// QueryID returns a slog attribute for a remote query job ID.
func QueryID(id string) slog.Attr {
	return slog.String(FieldQueryID, id)
}

// SequenceNo returns a slog attribute for a job's page cursor.
func SequenceNo(n int) slog.Attr {
	return slog.Int(FieldSequenceNo, n)
}

// JobStatus returns a slog attribute for a job status.
func JobStatus(status string) slog.Attr {
	return slog.String(FieldJobStatus, status)
}

// Source returns a slog attribute for the source of an emitted batch.
func Source(src string) slog.Attr {
	return slog.String(FieldSource, src)
}

func LogType(t string) slog.Attr {
	return slog.String(FieldLogType, t)
}

func Topic(t string) slog.Attr {
	return slog.String(FieldTopic, t)
}

// ChannelID returns a slog attribute for an event channel.
func ChannelID(id string) slog.Attr {
	return slog.String(FieldChannelID, id)
}

// Count returns a slog attribute for a number of records.
func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

// Query returns a slog attribute for a query string.
func Query(query string) slog.Attr {
	return slog.String(FieldQuery, query)
}
