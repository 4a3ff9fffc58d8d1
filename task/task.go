// clipforge/task/task.go
package task

import (
	"context"
	"time"

	"clipforge/pipeline"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

type Job struct {
	ID          string            `json:"id"`
	Status      Status            `json:"status"`
	Command     pipeline.Command  `json:"command"`
	Args        string            `json:"-"` // Don't expose raw arguments
	Outcome     *pipeline.Outcome `json:"outcome,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	StartedAt   time.Time         `json:"startedAt,omitempty"`
	CompletedAt time.Time         `json:"completedAt,omitempty"`
	cancelFunc  context.CancelFunc
}
