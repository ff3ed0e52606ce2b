package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/telhawk-systems/logstream/common/logging"
	"github.com/telhawk-systems/logstream/internal/models"
)

// requestID reuses the caller's request ID so one poll can be traced across
// the scheduler and the service logs.
func requestID(ctx context.Context) string {
	if id := logging.RequestIDFromContext(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

// classifyStatus maps a non-success status code onto the error taxonomy.
// Throttling and server-side failures are retried; anything else the
// service rejects is a protocol error.
func classifyStatus(op string, code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	cause := fmt.Errorf("status %d: %s", code, msg)

	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests,
		code == http.StatusUnauthorized,
		code >= 500:
		return models.NewTransientError(op, cause)
	default:
		return models.NewProtocolError(op, code, cause)
	}
}

// classifyTransport wraps a failure to reach the service. Cancellation by
// the caller is passed through so shutdown is not mistaken for an outage.
func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return models.NewTransientError(op, err)
}
