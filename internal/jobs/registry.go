package jobs

import (
	"fmt"
)

// Registry maps query ids to jobs and keeps an ordered id list for
// round-robin polling. The list and the map always hold the same ids.
//
// A Registry is not safe for concurrent use; the scheduler that owns it
// serialises every call.
type Registry struct {
	jobs   map[string]*Job
	order  []string
	cursor int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*Job),
	}
}

// Add tracks a new job. Terminal or duplicate jobs are rejected.
func (r *Registry) Add(j *Job) error {
	if j.QueryID == "" {
		return fmt.Errorf("job has no query id")
	}
	if j.Status.IsTerminal() {
		return fmt.Errorf("job %s is already %s", j.QueryID, j.Status)
	}
	if _, exists := r.jobs[j.QueryID]; exists {
		return fmt.Errorf("job %s already registered", j.QueryID)
	}
	r.jobs[j.QueryID] = j
	r.order = append(r.order, j.QueryID)
	return nil
}

// Get returns the live job for id.
func (r *Registry) Get(id string) (*Job, bool) {
	j, ok := r.jobs[id]
	return j, ok
}

// Contains reports whether id is still tracked.
func (r *Registry) Contains(id string) bool {
	_, ok := r.jobs[id]
	return ok
}

// Remove stops tracking id and returns the removed job.
func (r *Registry) Remove(id string) (*Job, bool) {
	j, ok := r.jobs[id]
	if !ok {
		return nil, false
	}
	delete(r.jobs, id)

	for i, qid := range r.order {
		if qid != id {
			continue
		}
		r.order = append(r.order[:i], r.order[i+1:]...)
		// Keep the cursor pointing at the job that followed the removed one.
		if i < r.cursor {
			r.cursor--
		}
		break
	}
	if r.cursor >= len(r.order) {
		r.cursor = 0
	}
	return j, true
}

// Terminate sets a terminal status and removes the job in one step.
func (r *Registry) Terminate(id string, status Status) (*Job, bool) {
	if !status.IsTerminal() {
		return nil, false
	}
	j, ok := r.Remove(id)
	if !ok {
		return nil, false
	}
	j.Status = status
	return j, true
}

// Next returns the job at the round-robin cursor and advances it, wrapping
// at the end of the list.
func (r *Registry) Next() (*Job, bool) {
	if len(r.order) == 0 {
		return nil, false
	}
	if r.cursor >= len(r.order) {
		r.cursor = 0
	}
	id := r.order[r.cursor]
	r.cursor = (r.cursor + 1) % len(r.order)
	return r.jobs[id], true
}

// IDs returns the active ids in polling order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	return len(r.order)
}
