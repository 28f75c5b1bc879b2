package domain

// TaskStatus is the lifecycle state of a download task.
//
// Lifecycle: pending -> running -> success | skipped | error
type TaskStatus string

const (
	StatusPending TaskStatus = "pending"
	StatusRunning TaskStatus = "running"
	StatusSuccess TaskStatus = "success"
	StatusSkipped TaskStatus = "skipped"
	StatusError   TaskStatus = "error"
)

func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition can happen from s.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusSkipped || s == StatusError
}

// IsActive reports whether the task holds an execution permit.
func (s TaskStatus) IsActive() bool {
	return s == StatusRunning
}

// CanTransition reports whether moving from s to next respects the
// single-directional lifecycle.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}
