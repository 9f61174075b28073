package queue

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued     Status = "Queued"
	StatusProcessing Status = "Processing"
	StatusFailed     Status = "Failed"
	StatusSuccess    Status = "Success"
	StatusUnknown    Status = "Unknown"
)

func parseStatus(s string) Status {
	switch Status(s) {
	case StatusQueued, StatusProcessing, StatusFailed, StatusSuccess:
		return Status(s)
	default:
		return StatusUnknown
	}
}

// Task is one queued work item carrying a payload of type P.
type Task[P any] struct {
	ID             int64      `json:"id"`
	Queue          string     `json:"queue"`
	Database       string     `json:"databaseName"`
	SequenceNumber *int64     `json:"sequenceNumber,omitempty"`
	Status         Status     `json:"status"`
	Data           P          `json:"data"`
	Error          string     `json:"error,omitempty"`
	AcquiredAt     *time.Time `json:"acquiredAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}
