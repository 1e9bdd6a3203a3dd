package pipeline

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/google/uuid"
)

// defaultJobRetention bounds how many finished jobs are kept for status lookups
const defaultJobRetention = 100

// Job tracks one run
type Job struct {
	id        string
	cancelled atomic.Bool
	done      chan struct{}

	mu      sync.RWMutex
	summary types.RunSummary
}

// ID returns the run id
func (j *Job) ID() string { return j.id }

// Cancel marks the run cancelled. No further pages are requested; in-flight
// requests complete.
func (j *Job) Cancel() { j.cancelled.Store(true) }

// Cancelled reports whether Cancel was called
func (j *Job) Cancelled() bool { return j.cancelled.Load() }

// Done is closed when the run reaches a terminal status
func (j *Job) Done() <-chan struct{} { return j.done }

// Summary returns a snapshot of the run summary
func (j *Job) Summary() types.RunSummary {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.summary
}

func (j *Job) update(fn func(s *types.RunSummary)) types.RunSummary {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(&j.summary)
	return j.summary
}

func (j *Job) finish(sum types.RunSummary) {
	j.mu.Lock()
	j.summary = sum
	j.mu.Unlock()
	close(j.done)
}

// Jobs is the run registry
type Jobs struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	retention int
	now       func() time.Time
}

// NewJobs creates a registry keeping at most retention finished jobs
func NewJobs(retention int) *Jobs {
	if retention <= 0 {
		retention = defaultJobRetention
	}
	return &Jobs{
		jobs:      make(map[string]*Job),
		retention: retention,
		now:       time.Now,
	}
}

// Create registers a pending run
func (r *Jobs) Create(tenant, caller string, window types.TimeRange) *Job {
	job := &Job{
		id:   uuid.New().String(),
		done: make(chan struct{}),
		summary: types.RunSummary{
			Tenant:    tenant,
			Caller:    caller,
			Window:    window,
			Status:    types.RunPending,
			StartedAt: r.now().UTC(),
		},
	}
	job.summary.RunID = job.id

	r.mu.Lock()
	r.jobs[job.id] = job
	r.prune()
	r.mu.Unlock()
	return job
}

// Get looks up a run by id
func (r *Jobs) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok
}

// List returns summaries of every known run, newest first
func (r *Jobs) List() []types.RunSummary {
	r.mu.RLock()
	out := make([]types.RunSummary, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job.Summary())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].StartedAt.Equal(out[k].StartedAt) {
			return out[i].RunID > out[k].RunID
		}
		return out[i].StartedAt.After(out[k].StartedAt)
	})
	return out
}

// prune drops the oldest finished jobs beyond retention. Callers hold r.mu.
func (r *Jobs) prune() {
	var finished []*Job
	for _, job := range r.jobs {
		if job.Summary().Status.Terminal() {
			finished = append(finished, job)
		}
	}
	if len(finished) <= r.retention {
		return
	}
	sort.Slice(finished, func(i, k int) bool {
		return finished[i].Summary().StartedAt.Before(finished[k].Summary().StartedAt)
	})
	for _, job := range finished[:len(finished)-r.retention] {
		delete(r.jobs, job.id)
	}
}
