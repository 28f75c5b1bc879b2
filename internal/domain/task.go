package domain

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

// DefaultRetries is the number of failures tolerated inside one retry window.
const DefaultRetries = 5

// RequestBuilder produces the request for one attempt. It is called again
// before every retry so short-lived signatures and headers stay fresh.
type RequestBuilder func(ctx context.Context) (*http.Request, error)

// Hook receives the final state of a task.
type Hook func(ctx context.Context, info TaskInfo) error

// Hooks are the optional terminal callbacks of a task. Skipped tasks fire neither.
type Hooks struct {
	OnSuccess Hook
	OnError   Hook
}

// TaskOptions describe where the artifact lands and how hard to retry.
// If Path is empty the file name is taken from the response headers or the
// URL and joined with Dir. With neither set the task fails.
type TaskOptions struct {
	Path       string
	Dir        string
	SkipExists bool
	// Retries is the maximum number of failed attempts within the retry window.
	Retries int
}

// DefaultOptions returns options for a task downloading into dir.
func DefaultOptions(dir string) TaskOptions {
	return TaskOptions{
		Dir:        dir,
		SkipExists: true,
		Retries:    DefaultRetries,
	}
}

var lastTaskID atomic.Uint64

// Task is one file transfer. Everything except the runtime fields is fixed
// once NewTask returns; the runtime fields are owned by the engine while the
// task executes.
type Task struct {
	id      uint64
	build   RequestBuilder
	Ref     string
	Options TaskOptions
	Hooks   Hooks

	// runtime fields
	Status    TaskStatus
	URL       string
	Size      int64
	TotalSize int64
	Err       error
	Attempts  int
	StartedAt time.Time
	EndedAt   time.Time
}

// NewTask assigns the next task id. url is informational until the first
// request is built.
func NewTask(build RequestBuilder, url string, opts TaskOptions, hooks Hooks) *Task {
	return &Task{
		id:      lastTaskID.Add(1),
		build:   build,
		Options: opts,
		Hooks:   hooks,
		Status:  StatusPending,
		URL:     url,
	}
}

func (t *Task) ID() uint64 { return t.id }

// BuildRequest runs the task's request builder and records the URL it targets.
func (t *Task) BuildRequest(ctx context.Context) (*http.Request, error) {
	if t.build == nil {
		return nil, &RequestError{Err: ErrNoRequestBuilder}
	}
	req, err := t.build(ctx)
	if err != nil {
		return nil, &RequestError{Err: err}
	}
	if req == nil {
		return nil, &RequestError{Err: ErrNoRequestBuilder}
	}
	t.URL = req.URL.String()
	return req, nil
}

// Info returns a snapshot of the task.
func (t *Task) Info() TaskInfo {
	info := TaskInfo{
		ID:        t.id,
		Ref:       t.Ref,
		URL:       t.URL,
		Path:      t.Options.Path,
		Status:    t.Status,
		Size:      t.Size,
		TotalSize: t.TotalSize,
		Attempts:  t.Attempts,
		StartedAt: t.StartedAt,
		EndedAt:   t.EndedAt,
	}
	if t.Err != nil {
		info.Error = t.Err.Error()
		info.Err = t.Err
	}
	return info
}

// TaskInfo is an immutable view of a task, safe to share across goroutines.
type TaskInfo struct {
	ID        uint64     `json:"id"`
	Ref       string     `json:"ref,omitempty"`
	URL       string     `json:"url"`
	Path      string     `json:"path,omitempty"`
	Status    TaskStatus `json:"status"`
	Size      int64      `json:"size"`
	TotalSize int64      `json:"total_size,omitempty"`
	Attempts  int        `json:"attempts"`
	Error     string     `json:"error,omitempty"`
	Err       error      `json:"-"`
	StartedAt time.Time  `json:"started_at,omitzero"`
	EndedAt   time.Time  `json:"ended_at,omitzero"`
}

// Request is the serialisable description of a download, as received from a
// producer over the API, a manifest file or a stream.
type Request struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Path       string            `json:"path,omitempty"`
	Dir        string            `json:"dir,omitempty"`
	SkipExists *bool             `json:"skip_exists,omitempty"`
	Retries    int               `json:"retries,omitempty"`
}
