package handlers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Job statuses.
const (
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

var (
	jobSeq atomic.Int64
	jobs   sync.Map // map[int64]*job
)

type job struct {
	mu         sync.Mutex
	id         int64
	name       string
	status     string
	err        string
	startedAt  time.Time
	finishedAt time.Time
}

type jobView struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"startedAt"`
	FinishedAt string `json:"finishedAt,omitempty"`
}

func (j *job) snapshot() jobView {
	j.mu.Lock()
	defer j.mu.Unlock()
	v := jobView{
		ID:        j.id,
		Name:      j.name,
		Status:    j.status,
		Error:     j.err,
		StartedAt: j.startedAt.UTC().Format(time.RFC3339),
	}
	if !j.finishedAt.IsZero() {
		v.FinishedAt = j.finishedAt.UTC().Format(time.RFC3339)
	}
	return v
}

func (j *job) finish(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finishedAt = time.Now()
	if err != nil {
		j.status = JobFailed
		j.err = err.Error()
		return
	}
	j.status = JobSucceeded
}

// startJob runs fn detached from the request so slow sync and rebuild passes
// survive client disconnects. Progress is polled via the jobs endpoint.
func startJob(name string, fn func(ctx context.Context) error) *job {
	j := &job{
		id:        jobSeq.Add(1),
		name:      name,
		status:    JobRunning,
		startedAt: time.Now(),
	}
	jobs.Store(j.id, j)
	go func() {
		err := fn(context.Background())
		j.finish(err)
		if err != nil {
			log.Error().Err(err).Str("job", name).Int64("job_id", j.id).Msg("background job failed")
			return
		}
		log.Info().Str("job", name).Int64("job_id", j.id).Msg("background job finished")
	}()
	return j
}

func getJob(id int64) (*job, bool) {
	v, ok := jobs.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*job), true
}
