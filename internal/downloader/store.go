package downloader

import (
	"container/heap"
	"context"
	"slices"

	"fetchq/internal/domain"
)

// pendingQueue is a min-heap of tasks keyed by id.
type pendingQueue []*domain.Task

func (q pendingQueue) Len() int           { return len(q) }
func (q pendingQueue) Less(i, j int) bool { return q[i].ID() < q[j].ID() }
func (q pendingQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *pendingQueue) Push(x any)        { *q = append(*q, x.(*domain.Task)) }
func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

type runningEntry struct {
	info   domain.TaskInfo
	cancel context.CancelFunc
}

// statusStore holds the three task partitions. Only the scheduler goroutine
// touches it, so it has no lock.
type statusStore struct {
	pending  pendingQueue
	byID     map[uint64]*domain.Task // pending tasks by id, for queries
	running  map[uint64]runningEntry
	finished map[uint64]domain.TaskInfo
}

func newStatusStore() *statusStore {
	return &statusStore{
		byID:     make(map[uint64]*domain.Task),
		running:  make(map[uint64]runningEntry),
		finished: make(map[uint64]domain.TaskInfo),
	}
}

func (s *statusStore) addPending(t *domain.Task) {
	t.Status = domain.StatusPending
	heap.Push(&s.pending, t)
	s.byID[t.ID()] = t
}

// popPending removes the lowest-id pending task.
func (s *statusStore) popPending() (*domain.Task, bool) {
	if s.pending.Len() == 0 {
		return nil, false
	}
	t := heap.Pop(&s.pending).(*domain.Task)
	delete(s.byID, t.ID())
	return t, true
}

func (s *statusStore) setRunning(info domain.TaskInfo, cancel context.CancelFunc) {
	s.running[info.ID] = runningEntry{info: info, cancel: cancel}
}

func (s *statusStore) setFinished(info domain.TaskInfo) {
	if e, ok := s.running[info.ID]; ok {
		e.cancel()
		delete(s.running, info.ID)
	}
	s.finished[info.ID] = info
}

func (s *statusStore) get(id uint64) (domain.TaskInfo, bool) {
	if t, ok := s.byID[id]; ok {
		return t.Info(), true
	}
	if e, ok := s.running[id]; ok {
		return e.info, true
	}
	info, ok := s.finished[id]
	return info, ok
}

func (s *statusStore) cancelRunning() {
	for _, e := range s.running {
		e.cancel()
	}
}

func (s *statusStore) stats() Stats {
	st := Stats{
		Pending:  s.pending.Len(),
		Running:  len(s.running),
		Finished: len(s.finished),
	}
	for _, info := range s.finished {
		switch info.Status {
		case domain.StatusSuccess:
			st.Success++
		case domain.StatusSkipped:
			st.Skipped++
		case domain.StatusError:
			st.Failed++
		}
	}
	return st
}

func (s *statusStore) finishedList() []domain.TaskInfo {
	out := make([]domain.TaskInfo, 0, len(s.finished))
	for _, info := range s.finished {
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b domain.TaskInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Stats are the partition sizes of an engine at one instant.
type Stats struct {
	Pending  int `json:"pending"`
	Running  int `json:"running"`
	Finished int `json:"finished"`
	Success  int `json:"success"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}
