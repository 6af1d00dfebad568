package task

import (
    "sync"
    "time"
)

type Status string

const (
    StatusStaged     Status = "staged"
    StatusQueued     Status = "queued"
    StatusProcessing Status = "processing"
    StatusCompleted  Status = "completed"
    StatusFailed     Status = "failed"
    StatusCanceled   Status = "canceled"
)

// Job is one conversion attempt. It owns Dir exclusively; nothing outside
// the owning request writes to or deletes from it while the job is in flight.
type Job struct {
    ID          string    `json:"id"`
    Request     Request   `json:"request"`
    Dir         string    `json:"-"`
    InputPath   string    `json:"-"`
    OutputPath  string    `json:"-"`
    CreatedAt   time.Time `json:"createdAt"`
    StartedAt   time.Time `json:"startedAt,omitempty"`
    CompletedAt time.Time `json:"completedAt,omitempty"`

    mu         sync.Mutex
    status     Status
    diagnostic string
}

func (j *Job) Status() Status {
    j.mu.Lock()
    defer j.mu.Unlock()
    return j.status
}

// Diagnostic is the ffmpeg stderr captured for the last run, if any.
func (j *Job) Diagnostic() string {
    j.mu.Lock()
    defer j.mu.Unlock()
    return j.diagnostic
}

func (j *Job) setStatus(s Status) {
    j.mu.Lock()
    j.status = s
    switch s {
    case StatusProcessing:
        j.StartedAt = time.Now()
    case StatusCompleted, StatusFailed, StatusCanceled:
        j.CompletedAt = time.Now()
    }
    j.mu.Unlock()
}

func (j *Job) setDiagnostic(d string) {
    j.mu.Lock()
    j.diagnostic = d
    j.mu.Unlock()
}

// Snapshot is the JSON view of an in-flight job.
type Snapshot struct {
    ID          string    `json:"id"`
    Status      Status    `json:"status"`
    Request     Request   `json:"request"`
    CreatedAt   time.Time `json:"createdAt"`
    StartedAt   time.Time `json:"startedAt,omitempty"`
    CompletedAt time.Time `json:"completedAt,omitempty"`
}

func (j *Job) Snapshot() Snapshot {
    j.mu.Lock()
    defer j.mu.Unlock()
    return Snapshot{
        ID:          j.ID,
        Status:      j.status,
        Request:     j.Request,
        CreatedAt:   j.CreatedAt,
        StartedAt:   j.StartedAt,
        CompletedAt: j.CompletedAt,
    }
}
