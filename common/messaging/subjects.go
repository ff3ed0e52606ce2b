package messaging

// Subject names on the logstream message bus.
// Follow the pattern: {domain}.{action}.{resource}
const (
	// Remote query service, request/reply
	SubjectQuerySubmit = "logstream.query.submit"
	SubjectQueryPoll   = "logstream.query.poll"
	SubjectQueryDelete = "logstream.query.delete"

	// Event channel service, request/reply
	SubjectChannelFilters = "logstream.channel.filters"
	SubjectChannelPoll    = "logstream.channel.poll"
	SubjectChannelAck     = "logstream.channel.ack"
	SubjectChannelNack    = "logstream.channel.nack"
	SubjectChannelFlush   = "logstream.channel.flush"

	// Emitted batches (append .{source} for a specific job or channel)
	SubjectEventsPlain      = "logstream.events.plain"
	SubjectEventsCorrelated = "logstream.events.correlated"
	SubjectEventsPcap       = "logstream.events.pcap"
)

// Header names carried on published batches.
const (
	HeaderSource      = "Logstream-Source"
	HeaderLogType     = "Logstream-Log-Type"
	HeaderEndOfStream = "Logstream-End-Of-Stream"
	HeaderRequestID   = "X-Request-ID"
	HeaderError       = "Logstream-Error"
	HeaderStatusCode  = "Logstream-Status"
)

// Queue group for services answering query requests.
const QueueQueryWorkers = "logstream-query-workers"

// EventSubject returns the subject for batches of one topic from one source.
// Example: logstream.events.plain.abc123
func EventSubject(topicSubject, source string) string {
	if source == "" {
		return topicSubject
	}
	return topicSubject + "." + source
}

// EventWildcard returns the subject matching every source of a topic.
func EventWildcard(topicSubject string) string {
	return topicSubject + ".>"
}
