package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks.
var (
	ErrEngineClosed     = errors.New("fetchq: engine closed")
	ErrTaskNotFound     = errors.New("fetchq: task not found")
	ErrNoRequestBuilder = errors.New("fetchq: task has no request builder")
	ErrPathNotSet       = errors.New("fetchq: neither path nor dir is set")
	ErrPathNotAbsolute  = errors.New("fetchq: path is not absolute")
	ErrNoFilename       = errors.New("fetchq: cannot derive a file name")
)

// PathResolutionError means no final path could be resolved. Permanent.
type PathResolutionError struct {
	URL string
	Err error
}

func (e *PathResolutionError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("resolve path for %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("resolve path: %v", e.Err)
}

func (e *PathResolutionError) Unwrap() error { return e.Err }

// FilesystemError wraps a failed open, seek, write or rename. Permanent.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// TransportError is a connection level failure. Retryable.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MaxErrorBody bounds the response body kept on an HTTPStatusError.
const MaxErrorBody = 100 * 1024

// HTTPStatusError is a non-2xx response. Retryable.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Body       []byte
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d from %s", e.StatusCode, e.URL)
}

// RequestError means the task's request builder failed. Permanent.
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("build request: %v", e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// HookError is raised inside a success or error hook. It is logged by the
// engine and never reaches a submitter.
type HookError struct {
	TaskID uint64
	Hook   string
	Err    error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("task %d %s hook: %v", e.TaskID, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// IsRetryable reports whether err may succeed on another attempt.
func IsRetryable(err error) bool {
	var te *TransportError
	var he *HTTPStatusError
	return errors.As(err, &te) || errors.As(err, &he)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var he *HTTPStatusError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}
