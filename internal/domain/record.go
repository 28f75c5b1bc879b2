package domain

import (
	"strconv"
	"time"
)

// Record is a finished download as kept by a catalogue.
type Record struct {
	Ref         string     `json:"ref"`
	TaskID      uint64     `json:"task_id"`
	URL         string     `json:"url"`
	Path        string     `json:"path"`
	Status      TaskStatus `json:"status"`
	Size        int64      `json:"size"`
	ContentType string     `json:"content_type,omitempty"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	FinishedAt  time.Time  `json:"finished_at"`
}

// NewRecord converts a task snapshot into a catalogue row. Tasks without a
// producer reference are keyed by their numeric id.
func NewRecord(info TaskInfo) Record {
	ref := info.Ref
	if ref == "" {
		ref = strconv.FormatUint(info.ID, 10)
	}
	finished := info.EndedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	return Record{
		Ref:        ref,
		TaskID:     info.ID,
		URL:        info.URL,
		Path:       info.Path,
		Status:     info.Status,
		Size:       info.Size,
		Attempts:   info.Attempts,
		Error:      info.Error,
		FinishedAt: finished,
	}
}
