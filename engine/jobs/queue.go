package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/WessleyAI/warmpath/engine/domain"
)

var (
	// ErrEmpty is returned by ClaimNext when no pending job is due.
	ErrEmpty = errors.New("jobs: no job due")
	// ErrNotRunning is returned when a state change targets a job that is
	// not running, for example one already finished by another worker.
	ErrNotRunning = errors.New("jobs: job is not running")
)

// Queue persists jobs and their state transitions. ClaimNext must be safe
// against two coordinators claiming the same job.
type Queue interface {
	Enqueue(ctx context.Context, j domain.Job) error
	// ClaimNext marks the highest-priority pending job due at now as
	// running and returns it.
	ClaimNext(ctx context.Context, now time.Time) (domain.Job, error)
	Complete(ctx context.Context, id string, now time.Time) error
	// Retry returns a running job to pending, due at at.
	Retry(ctx context.Context, id string, attempts int, at time.Time, lastErr string, now time.Time) error
	Fail(ctx context.Context, id string, attempts int, lastErr string, now time.Time) error
	Get(ctx context.Context, id string) (domain.Job, error)
	Status(ctx context.Context) (domain.QueueStatus, error)
	// ResetRunning returns jobs left running since before cutoff to pending.
	ResetRunning(ctx context.Context, cutoff time.Time) (int, error)
}

// before orders pending jobs: priority desc, then scheduled time, creation
// time and id.
func before(a, b domain.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// MemoryQueue keeps jobs in process memory.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]domain.Job)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, j domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[j.ID]; ok {
		return fmt.Errorf("jobs: duplicate id %s", j.ID)
	}
	q.jobs[j.ID] = j
	return nil
}

func (q *MemoryQueue) ClaimNext(_ context.Context, now time.Time) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var (
		best  domain.Job
		found bool
	)
	for _, j := range q.jobs {
		if j.Status != domain.JobPending || j.ScheduledAt.After(now) {
			continue
		}
		if !found || before(j, best) {
			best, found = j, true
		}
	}
	if !found {
		return domain.Job{}, ErrEmpty
	}
	best.Status = domain.JobRunning
	best.UpdatedAt = now
	q.jobs[best.ID] = best
	return best, nil
}

// transition applies f to a running job.
func (q *MemoryQueue) transition(id string, f func(*domain.Job)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("jobs: %s: %w", id, domain.ErrNotFound)
	}
	if j.Status != domain.JobRunning {
		return fmt.Errorf("jobs: %s is %s: %w", id, j.Status, ErrNotRunning)
	}
	f(&j)
	q.jobs[id] = j
	return nil
}

func (q *MemoryQueue) Complete(_ context.Context, id string, now time.Time) error {
	return q.transition(id, func(j *domain.Job) {
		j.Status = domain.JobCompleted
		j.LastError = ""
		j.UpdatedAt = now
	})
}

func (q *MemoryQueue) Retry(_ context.Context, id string, attempts int, at time.Time, lastErr string, now time.Time) error {
	return q.transition(id, func(j *domain.Job) {
		j.Status = domain.JobPending
		j.Attempts = attempts
		j.ScheduledAt = at
		j.LastError = lastErr
		j.UpdatedAt = now
	})
}

func (q *MemoryQueue) Fail(_ context.Context, id string, attempts int, lastErr string, now time.Time) error {
	return q.transition(id, func(j *domain.Job) {
		j.Status = domain.JobFailed
		j.Attempts = attempts
		j.LastError = lastErr
		j.UpdatedAt = now
	})
}

func (q *MemoryQueue) Get(_ context.Context, id string) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("jobs: %s: %w", id, domain.ErrNotFound)
	}
	return j, nil
}

func (q *MemoryQueue) Status(context.Context) (domain.QueueStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := emptyStatus()
	for _, j := range q.jobs {
		st[j.Status]++
	}
	return st, nil
}

func (q *MemoryQueue) ResetRunning(_ context.Context, cutoff time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, j := range q.jobs {
		if j.Status == domain.JobRunning && j.UpdatedAt.Before(cutoff) {
			j.Status = domain.JobPending
			q.jobs[id] = j
			n++
		}
	}
	return n, nil
}

// List returns jobs with the given status in claim order. An empty status
// lists every job.
func (q *MemoryQueue) List(status domain.JobStatus) []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.Job
	for _, j := range q.jobs {
		if status == "" || j.Status == status {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return before(out[a], out[b]) })
	return out
}

func emptyStatus() domain.QueueStatus {
	return domain.QueueStatus{
		domain.JobPending:   0,
		domain.JobRunning:   0,
		domain.JobCompleted: 0,
		domain.JobFailed:    0,
	}
}
