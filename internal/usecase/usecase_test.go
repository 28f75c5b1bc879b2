package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fetchq/internal/domain"
	"fetchq/internal/downloader"
	"fetchq/internal/ports"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memIntake struct {
	mu     sync.Mutex
	queue  []domain.Request
	seq    int
	acked  []string
	dead   map[string]string
	notify chan struct{}
}

func newMemIntake(reqs ...domain.Request) *memIntake {
	return &memIntake{queue: reqs, dead: map[string]string{}, notify: make(chan struct{}, 64)}
}

func (m *memIntake) Publish(ctx context.Context, req domain.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, req)
	return fmt.Sprintf("%d-0", len(m.queue)), nil
}

func (m *memIntake) Claim(ctx context.Context, consumer string, block time.Duration) (*domain.Request, string, error) {
	m.mu.Lock()
	if len(m.queue) > 0 {
		req := m.queue[0]
		m.queue = m.queue[1:]
		m.seq++
		id := fmt.Sprintf("%d-0", m.seq)
		m.mu.Unlock()
		return &req, id, nil
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-time.After(block):
		return nil, "", nil
	}
}

func (m *memIntake) Ack(ctx context.Context, streamID string) error {
	m.mu.Lock()
	m.acked = append(m.acked, streamID)
	m.mu.Unlock()
	m.notify <- struct{}{}
	return nil
}

func (m *memIntake) ToDLQ(ctx context.Context, streamID string, req domain.Request, reason string) error {
	m.mu.Lock()
	m.dead[req.ID] = reason
	m.mu.Unlock()
	m.notify <- struct{}{}
	return nil
}

type recordingSink struct {
	mu    sync.Mutex
	infos []domain.TaskInfo
	err   error
}

func (s *recordingSink) Save(ctx context.Context, info domain.TaskInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos = append(s.infos, info)
	return s.err
}

func TestFactory_Task(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	f := Factory{
		Defaults:  domain.DefaultOptions("/srv/downloads"),
		Headers:   map[string]string{"Referer": "https://www.pixiv.net/", "X-Env": "default"},
		UserAgent: "fetchq-test",
	}
	skip := false
	task, err := f.Task(domain.Request{
		ID:         "req-1",
		URL:        srv.URL + "/a.jpg",
		Headers:    map[string]string{"X-Env": "override"},
		SkipExists: &skip,
		Retries:    2,
	}, domain.Hooks{})
	require.NoError(t, err)

	assert.Equal(t, "req-1", task.Ref)
	assert.Equal(t, "/srv/downloads", task.Options.Dir)
	assert.False(t, task.Options.SkipExists)
	assert.Equal(t, 2, task.Options.Retries)

	req, err := task.BuildRequest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, req.Method)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "https://www.pixiv.net/", got.Get("Referer"))
	assert.Equal(t, "override", got.Get("X-Env"))
	assert.Equal(t, "fetchq-test", got.Get("User-Agent"))

	again, err := task.BuildRequest(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, req, again)
}

func TestFactory_Validate(t *testing.T) {
	f := Factory{}
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://example.com/a", false},
		{"http://example.com", false},
		{"ftp://example.com/a", true},
		{"/relative/only", true},
		{"https://", true},
		{"://bad", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			req := domain.Request{URL: tt.url, Method: "get"}
			err := f.Validate(&req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, req.ID)
			assert.Equal(t, http.MethodGet, req.Method)
		})
	}
}

func TestFactory_ConfinesPaths(t *testing.T) {
	root := t.TempDir()
	f := Factory{Root: root}
	tests := []struct {
		name     string
		path     string
		dir      string
		wantPath string
		wantDir  string
		wantErr  bool
	}{
		{name: "inside", path: filepath.Join(root, "a", "b.bin"), wantPath: filepath.Join(root, "a", "b.bin")},
		{name: "relative", path: "c/d.bin", wantPath: filepath.Join(root, "c", "d.bin")},
		{name: "dir inside", dir: "sub", wantDir: filepath.Join(root, "sub")},
		{name: "dotted name", path: "..cache", wantPath: filepath.Join(root, "..cache")},
		{name: "absolute outside", path: "/etc/passwd", wantErr: true},
		{name: "climbs out", path: "../escape.bin", wantErr: true},
		{name: "dir outside", dir: filepath.Dir(root), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := domain.Request{URL: "https://example.com/x", Path: tt.path, Dir: tt.dir}
			err := f.Validate(&req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, req.Path)
			assert.Equal(t, tt.wantDir, req.Dir)
		})
	}

	unconfined := Factory{}
	req := domain.Request{URL: "https://example.com/x", Path: "/anywhere/x.bin"}
	require.NoError(t, unconfined.Validate(&req))
	assert.Equal(t, "/anywhere/x.bin", req.Path)
}

func TestEnqueuer_Now(t *testing.T) {
	in := newMemIntake()
	e := Enqueuer{Intake: in}

	id, err := e.Now(context.Background(), domain.Request{URL: "https://example.com/x"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Len(t, in.queue, 1)
	assert.Equal(t, id, in.queue[0].ID)

	_, err = e.Now(context.Background(), domain.Request{URL: "mailto:nobody"})
	assert.Error(t, err)
	assert.Len(t, in.queue, 1)
}

func TestPipeline_RunsEverySink(t *testing.T) {
	failing := &recordingSink{err: errors.New("disk full")}
	ok := &recordingSink{}
	p := Pipeline{Sinks: []ports.ResultSink{failing, ok}}

	hooks := p.Hooks()
	require.NotNil(t, hooks.OnSuccess)
	require.NotNil(t, hooks.OnError)

	err := hooks.OnSuccess(context.Background(), domain.TaskInfo{ID: 7, Status: domain.StatusSuccess})
	assert.ErrorContains(t, err, "disk full")
	assert.Len(t, failing.infos, 1)
	assert.Len(t, ok.infos, 1)

	assert.Equal(t, domain.Hooks{}, Pipeline{}.Hooks())
}

func TestPipeline_RecordsSkippedTasks(t *testing.T) {
	sink := &recordingSink{}
	p := Pipeline{Sinks: []ports.ResultSink{sink}}

	p.TaskFinished(context.Background(), domain.TaskInfo{ID: 1, Status: domain.StatusSuccess})
	p.TaskFinished(context.Background(), domain.TaskInfo{ID: 2, Status: domain.StatusError})
	p.TaskFinished(context.Background(), domain.TaskInfo{ID: 3, Status: domain.StatusSkipped})

	require.Len(t, sink.infos, 1)
	assert.Equal(t, uint64(3), sink.infos[0].ID)

	Pipeline{}.TaskFinished(context.Background(), domain.TaskInfo{Status: domain.StatusSkipped})
}

func TestConsumer_HoldsInFlightEntries(t *testing.T) {
	c := &Consumer{}
	c.init()
	c.inflight[4] = claim{streamID: "5-0"}

	assert.True(t, c.holds("5-0"))
	assert.False(t, c.holds("6-0"))

	_, ok := c.forget(4)
	assert.True(t, ok)
	assert.False(t, c.holds("5-0"))
}

func TestConsumer_SettlesClaims(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	in := newMemIntake(
		domain.Request{ID: "good-1", URL: srv.URL + "/one", Path: filepath.Join(dir, "one")},
		domain.Request{ID: "bad-url", URL: "gopher://nowhere"},
		domain.Request{ID: "gone", URL: srv.URL + "/missing", Path: filepath.Join(dir, "gone"), Retries: 1},
		domain.Request{ID: "good-2", URL: srv.URL + "/two", Path: filepath.Join(dir, "two")},
	)
	sink := &recordingSink{}

	c := &Consumer{
		Intake:       in,
		Factory:      Factory{Defaults: domain.DefaultOptions(dir)},
		Pipeline:     Pipeline{Sinks: []ports.ResultSink{sink}},
		ConsumerName: "test",
		BaseBackoff:  time.Millisecond,
		MaxBackoff:   10 * time.Millisecond,
		Block:        10 * time.Millisecond,
	}
	engine := downloader.New(nil, 2,
		downloader.WithLogger(zerolog.Nop()),
		downloader.WithRetryDelay(time.Millisecond),
		downloader.WithObserver(c),
	)
	defer engine.Close()
	c.Engine = engine

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	for range 4 {
		select {
		case <-in.notify:
		case <-time.After(10 * time.Second):
			t.Fatal("requests were not settled")
		}
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	in.mu.Lock()
	defer in.mu.Unlock()
	assert.Len(t, in.acked, 2)
	assert.Len(t, in.dead, 2)
	assert.Contains(t, in.dead, "bad-url")
	assert.Contains(t, in.dead["gone"], "404")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.infos, 3)
}
