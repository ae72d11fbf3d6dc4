package app_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/raysh454/vigil/internal/app"
	"github.com/raysh454/vigil/internal/metrics"
	"github.com/raysh454/vigil/internal/model"
	"github.com/raysh454/vigil/internal/queue"
	"github.com/raysh454/vigil/internal/retry"
	"github.com/raysh454/vigil/internal/sqlitedb"
	"github.com/raysh454/vigil/internal/testutil"
)

var fastPoll = retry.Policy{InitDelay: time.Millisecond, Strategy: retry.Constant}

var (
	_ app.Heartbeater = (*queue.SQLiteQueue)(nil)
	_ app.Maintainer  = (*queue.SQLiteQueue)(nil)
)

// fakeRunner records the jobs it was given.
type fakeRunner struct {
	mu   sync.Mutex
	jobs []model.Job
	scan *model.Scan
	err  error
}

func (f *fakeRunner) RunScan(_ context.Context, job model.Job) (*model.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return f.scan, f.err
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorker_RunOnce(t *testing.T) {
	t.Parallel()
	q := &testutil.FakeQueue{}
	r := &fakeRunner{scan: &model.Scan{Status: model.ScanDone}}
	w := app.NewWorker(1, q, r, fastPoll, &testutil.DummyLogger{})

	ok, err := w.RunOnce(t.Context())
	if ok || err != nil {
		t.Fatalf("empty queue: got %v, %v", ok, err)
	}

	q.Push(acmeJob("s1"))
	ok, err = w.RunOnce(t.Context())
	if !ok || err != nil {
		t.Fatalf("expected a processed job, got %v, %v", ok, err)
	}
	if r.count() != 1 || r.jobs[0].ScanID != "s1" {
		t.Fatalf("runner got %+v", r.jobs)
	}
}

func TestWorker_RunOnce_DequeueError(t *testing.T) {
	t.Parallel()
	q := &testutil.FakeQueue{NextErr: testutil.ErrBoom}
	w := app.NewWorker(1, q, &fakeRunner{}, fastPoll, nil)

	if _, err := w.RunOnce(t.Context()); err == nil {
		t.Fatal("expected dequeue error")
	}
}

func TestWorker_FailsJobWithoutScanRecord(t *testing.T) {
	t.Parallel()
	q := &testutil.FakeQueue{}
	r := &fakeRunner{err: testutil.ErrBoom}
	w := app.NewWorker(1, q, r, fastPoll, nil)

	q.Push(acmeJob("s-lost"))
	if _, err := w.RunOnce(t.Context()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got := q.Statuses("s-lost")
	if len(got) != 1 || got[0] != model.ScanFailed {
		t.Fatalf("expected the job to be failed in the queue, got %v", got)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	q := &testutil.FakeQueue{}
	r := &fakeRunner{scan: &model.Scan{}}
	w := app.NewWorker(1, q, r, fastPoll, nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	q.Push(acmeJob("s1"))
	waitFor(t, func() bool { return r.count() == 1 })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

// beatingQueue adds the Heartbeater method to FakeQueue.
type beatingQueue struct {
	*testutil.FakeQueue
	mu    sync.Mutex
	beats []string
}

func (b *beatingQueue) Heartbeat(_ context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.beats = append(b.beats, jobID)
	return nil
}

func (b *beatingQueue) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.beats)
}

// blockingRunner runs until release is closed.
type blockingRunner struct {
	release chan struct{}
}

func (b *blockingRunner) RunScan(ctx context.Context, _ model.Job) (*model.Scan, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return &model.Scan{Status: model.ScanDone}, nil
}

func TestWorker_HeartbeatsWhileScanRuns(t *testing.T) {
	t.Parallel()
	q := &beatingQueue{FakeQueue: &testutil.FakeQueue{}}
	r := &blockingRunner{release: make(chan struct{})}
	w := app.NewWorker(1, q, r, fastPoll, nil).WithHeartbeat(2 * time.Millisecond)

	q.Push(acmeJob("s-slow"))
	done := make(chan error, 1)
	go func() {
		_, err := w.RunOnce(t.Context())
		done <- err
	}()

	waitFor(t, func() bool { return q.count() >= 3 })
	close(r.release)
	if err := <-done; err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	after := q.count()
	time.Sleep(20 * time.Millisecond)
	if q.count() != after {
		t.Error("heartbeats must stop once the scan returns")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.beats {
		if id != "job-s-slow" {
			t.Fatalf("heartbeat for unexpected job %q", id)
		}
	}
}

func TestWorker_NoHeartbeatByDefault(t *testing.T) {
	t.Parallel()
	q := &beatingQueue{FakeQueue: &testutil.FakeQueue{}}
	r := &blockingRunner{release: make(chan struct{})}
	close(r.release)
	w := app.NewWorker(1, q, r, fastPoll, nil)

	q.Push(acmeJob("s1"))
	if ok, err := w.RunOnce(t.Context()); !ok || err != nil {
		t.Fatalf("RunOnce: %v, %v", ok, err)
	}
	if q.count() != 0 {
		t.Errorf("expected no heartbeats, got %d", q.count())
	}
}

// maintainedQueue adds the Maintainer methods to FakeQueue.
type maintainedQueue struct {
	*testutil.FakeQueue
	mu       sync.Mutex
	requeued int
}

func (m *maintainedQueue) Depth(context.Context) (int, error) { return 7, nil }

func (m *maintainedQueue) Requeue(context.Context, time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeued++
	return 0, nil
}

func TestPool_ProcessesAllJobs(t *testing.T) {
	t.Parallel()
	q := &maintainedQueue{FakeQueue: &testutil.FakeQueue{}}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		q.Push(acmeJob(id))
	}
	r := &fakeRunner{scan: &model.Scan{}}
	m, err := metrics.New()
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}
	p := app.NewPool(app.WorkerConfig{Count: 3, Poll: fastPoll, StaleAfter: time.Hour}, q, r, m, nil)
	if p.Size() != 3 {
		t.Fatalf("expected 3 workers, got %d", p.Size())
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitFor(t, func() bool { return r.count() == 5 })
	waitFor(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.requeued > 0
	})
	waitFor(t, func() bool {
		return promtest.GatherAndCompare(m.Registry(), strings.NewReader(`
# HELP vigil_queue_depth Jobs waiting in the queue
# TYPE vigil_queue_depth gauge
vigil_queue_depth 7
`), "vigil_queue_depth") == nil
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("pool returned %v", err)
	}
}

func TestPool_EndToEndWithSQLiteQueue(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	db, err := sqlitedb.Open(t.TempDir() + "/queue.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	q, err := queue.NewSQLiteQueue(db, nil)
	if err != nil {
		t.Fatalf("NewSQLiteQueue: %v", err)
	}

	task := &testutil.FakeTask{TaskName: "a", Findings: 1, Evidence: s.ev}
	o := newOrchestrator(t, s, app.Deps{Queue: q}, task)

	jobID, err := q.Enqueue(t.Context(), model.Job{ScanID: "scan-e2e", OrganizationName: "Acme", Domain: "acme.com"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	w := app.NewWorker(1, q, o, fastPoll, nil)
	if ok, err := w.RunOnce(t.Context()); !ok || err != nil {
		t.Fatalf("RunOnce: %v, %v", ok, err)
	}

	entry, err := q.Get(t.Context(), jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.State != queue.StateFinished || entry.ScanStatus != model.ScanDone {
		t.Fatalf("expected finished/done, got %s/%s", entry.State, entry.ScanStatus)
	}
	scan, err := s.reg.Get(t.Context(), "scan-e2e")
	if err != nil || scan.Status != model.ScanDone {
		t.Fatalf("scan not done: %+v, %v", scan, err)
	}
}
