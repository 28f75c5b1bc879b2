// Package downloader runs download tasks with bounded concurrency, resumable
// transfers and windowed retries.
//
// An Engine owns a single scheduler goroutine. Submissions, completions and
// queries all reach it as messages, so the pending, running and finished
// partitions need no locking of their own.
package downloader

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"fetchq/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConcurrency = 4
	DefaultRetryDelay  = 5 * time.Second
	DefaultRetryWindow = 60 * time.Second
)

// Observer is told about every task that reaches a terminal status, skipped
// ones included, after the task's own hooks have run.
type Observer interface {
	TaskFinished(ctx context.Context, info domain.TaskInfo)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, info domain.TaskInfo)

func (f ObserverFunc) TaskFinished(ctx context.Context, info domain.TaskInfo) { f(ctx, info) }

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRetryDelay sets the pause between a failed attempt and the next one.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) { e.retryDelay = d }
}

// WithRetryWindow sets the span over which failed attempts are counted.
func WithRetryWindow(d time.Duration) Option {
	return func(e *Engine) { e.retryWindow = d }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// Engine schedules and executes download tasks.
type Engine struct {
	client      *http.Client
	concurrency int
	retryDelay  time.Duration
	retryWindow time.Duration
	logger      zerolog.Logger
	observers   []Observer
	runID       string

	// submitMu keeps batches in the order they were submitted.
	submitMu sync.Mutex
	intake   chan []*domain.Task
	results  chan domain.TaskInfo
	queries  chan func(*statusStore)
	tracker  *Tracker

	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once
}

// New starts an engine running at most concurrency tasks at a time. The
// client is shared read-only by every execution.
func New(client *http.Client, concurrency int, opts ...Option) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		client:      client,
		concurrency: concurrency,
		retryDelay:  DefaultRetryDelay,
		retryWindow: DefaultRetryWindow,
		logger:      log.Logger,
		runID:       uuid.NewString(),
		intake:      make(chan []*domain.Task),
		results:     make(chan domain.TaskInfo),
		queries:     make(chan func(*statusStore)),
		tracker:     NewTracker(),
		ctx:         ctx,
		cancel:      cancel,
		loopDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("engine", e.runID).Logger()

	go e.run()
	return e
}

// RunID identifies this engine instance in logs and external state.
func (e *Engine) RunID() string { return e.runID }

func (e *Engine) Submit(ctx context.Context, t *domain.Task) error {
	return e.SubmitBatch(ctx, []*domain.Task{t})
}

// SubmitBatch enqueues tasks. The engine owns them afterwards; callers must
// not touch a submitted task until its hooks run or Drain returns.
func (e *Engine) SubmitBatch(ctx context.Context, tasks []*domain.Task) error {
	batch := slices.DeleteFunc(slices.Clone(tasks), func(t *domain.Task) bool { return t == nil })
	if len(batch) == 0 {
		return nil
	}

	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	if e.ctx.Err() != nil {
		return domain.ErrEngineClosed
	}

	e.tracker.Add(len(batch))
	select {
	case e.intake <- batch:
		e.logger.Debug().Int("tasks", len(batch)).Uint64("first", batch[0].ID()).Msg("tasks submitted")
		return nil
	case <-e.ctx.Done():
		e.tracker.Add(-len(batch))
		return domain.ErrEngineClosed
	case <-ctx.Done():
		e.tracker.Add(-len(batch))
		return ctx.Err()
	}
}

// Drain blocks until every task submitted so far is terminal.
func (e *Engine) Drain(ctx context.Context) error {
	zero := e.tracker.done()
	select {
	case <-zero:
		return nil
	default:
	}

	select {
	case <-zero:
		return nil
	case <-e.ctx.Done():
		return domain.ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outstanding is the number of submitted tasks not yet terminal.
func (e *Engine) Outstanding() int { return e.tracker.Count() }

// Query returns the current state of a task.
func (e *Engine) Query(ctx context.Context, id uint64) (domain.TaskInfo, error) {
	var (
		info domain.TaskInfo
		ok   bool
	)
	if err := e.do(ctx, func(s *statusStore) { info, ok = s.get(id) }); err != nil {
		return domain.TaskInfo{}, err
	}
	if !ok {
		return domain.TaskInfo{}, domain.ErrTaskNotFound
	}
	return info, nil
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := e.do(ctx, func(s *statusStore) { st = s.stats() })
	return st, err
}

// Finished returns every terminal task ordered by id.
func (e *Engine) Finished(ctx context.Context) ([]domain.TaskInfo, error) {
	var out []domain.TaskInfo
	err := e.do(ctx, func(s *statusStore) { out = s.finishedList() })
	return out, err
}

// Close stops admission and aborts every running task. Aborted tasks leave
// their partial files on disk.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		<-e.loopDone
		e.logger.Info().Msg("engine closed")
	})
}

func (e *Engine) do(ctx context.Context, fn func(*statusStore)) error {
	done := make(chan struct{})
	q := func(s *statusStore) {
		fn(s)
		close(done)
	}
	select {
	case e.queries <- q:
	case <-e.loopDone:
		return domain.ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

func (e *Engine) run() {
	defer close(e.loopDone)

	store := newStatusStore()
	free := e.concurrency

	admit := func() {
		for free > 0 {
			t, ok := store.popPending()
			if !ok {
				return
			}
			free--
			taskCtx, cancel := context.WithCancel(e.ctx)
			t.Status = domain.StatusRunning
			t.StartedAt = time.Now()
			store.setRunning(t.Info(), cancel)
			go e.execute(taskCtx, t)
		}
	}

	for {
		select {
		case <-e.ctx.Done():
			store.cancelRunning()
			return
		case batch := <-e.intake:
			for _, t := range batch {
				store.addPending(t)
			}
			admit()
		case info := <-e.results:
			store.setFinished(info)
			free++
			admit()
			e.tracker.Done()
		case q := <-e.queries:
			q(store)
		}
	}
}

// execute runs one admitted task to a terminal status and reports back to the
// scheduler. A task aborted by Close is never reported.
func (e *Engine) execute(ctx context.Context, t *domain.Task) {
	logger := e.logger.With().Uint64("task", t.ID()).Logger()
	ctx = logger.WithContext(ctx)

	status, err := e.download(ctx, t)
	if e.ctx.Err() != nil {
		logger.Debug().Msg("task aborted")
		return
	}
	t.Status = status
	t.Err = err
	t.EndedAt = time.Now()

	switch status {
	case domain.StatusSuccess:
		logger.Info().Str("path", t.Options.Path).Int64("size", t.Size).Msg("task finished")
	case domain.StatusSkipped:
		logger.Debug().Str("path", t.Options.Path).Msg("task skipped")
	case domain.StatusError:
		logger.Error().Err(err).Str("url", t.URL).Int("attempts", t.Attempts).Msg("task failed")
	}

	e.dispatchHooks(ctx, t)

	info := t.Info()
	for _, o := range e.observers {
		o.TaskFinished(ctx, info)
	}

	select {
	case e.results <- info:
	case <-e.ctx.Done():
	}
}

// dispatchHooks fires the hook matching the terminal status, at most once.
func (e *Engine) dispatchHooks(ctx context.Context, t *domain.Task) {
	var (
		hook domain.Hook
		name string
	)
	switch t.Status {
	case domain.StatusSuccess:
		hook, name = t.Hooks.OnSuccess, "success"
	case domain.StatusError:
		hook, name = t.Hooks.OnError, "error"
	}
	t.Hooks = domain.Hooks{}
	if hook == nil {
		return
	}

	if err := callHook(ctx, hook, t.Info()); err != nil {
		herr := &domain.HookError{TaskID: t.ID(), Hook: name, Err: err}
		zerolog.Ctx(ctx).Error().Err(herr).Msg("hook failed")
	}
}

func callHook(ctx context.Context, hook domain.Hook, info domain.TaskInfo) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return hook(ctx, info)
}
