package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/telhawk-systems/logstream/internal/models"
)

// Handle is returned to the caller that submitted a job.
type Handle struct {
	id   string
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	status Status
	err    error
}

// NewHandle returns a pending handle for id.
func NewHandle(id string) *Handle {
	return &Handle{
		id:     id,
		done:   make(chan struct{}),
		status: StatusRunning,
	}
}

// ID returns the query id.
func (h *Handle) ID() string {
	return h.id
}

// Done is closed once the job reaches a terminal status.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Status returns the last known status without blocking.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Wait blocks until the job terminates or ctx is done.
// JOB_FAILED yields models.ErrJobFailed. CANCELLED yields the error that
// cancelled the job, or models.ErrJobCancelled.
func (h *Handle) Wait(ctx context.Context) (Status, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return h.Status(), ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.err
}

// Complete records the terminal outcome. Only the first call has effect.
func (h *Handle) Complete(status Status, cause error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.status = status
		switch status {
		case StatusJobFailed:
			h.err = models.ErrJobFailed
			if cause != nil {
				h.err = fmt.Errorf("%w: %w", models.ErrJobFailed, cause)
			}
		case StatusCancelled:
			h.err = models.ErrJobCancelled
			if cause != nil {
				h.err = fmt.Errorf("%w: %w", models.ErrJobCancelled, cause)
			}
		}
		h.mu.Unlock()
		close(h.done)
	})
}
