package wlm

import (
	"time"

	"github.com/google/uuid"
)

// Job is one queued inference request. It is owned by the queue until a
// batch claims it, by the worker until the terminal chunk, then by the
// caller through its streaming result.
type Job struct {
	ID        string
	ModelID   string
	Payload   []byte
	Result    *StreamingResult
	Deadline  time.Time
	CreatedAt time.Time
}

func newJob(modelID string, payload []byte, res *StreamingResult) *Job {
	return &Job{
		ID:        uuid.NewString(),
		ModelID:   modelID,
		Payload:   payload,
		Result:    res,
		CreatedAt: time.Now(),
	}
}

// Expired reports whether the job's deadline passed at t.
func (j *Job) Expired(t time.Time) bool {
	return !j.Deadline.IsZero() && t.After(j.Deadline)
}
