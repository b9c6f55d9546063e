package db

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/orrn/posprint/internal/core"
)

type notification struct {
	id     string
	status core.Status
}

type recordingListener struct {
	mu    sync.Mutex
	calls []notification
}

func (l *recordingListener) OnPrinted(job *core.Job, status core.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, notification{id: job.ID(), status: status})
}

func (l *recordingListener) snapshot() []notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]notification(nil), l.calls...)
}

func newTestStore(t *testing.T) (*JobStore, *recordingListener) {
	t.Helper()
	database, err := Open(Config{Path: filepath.Join(t.TempDir(), "posprint.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	listener := &recordingListener{}
	return NewJobStore(database, listener), listener
}

func makeJob(id, sourceIP, operatorID string) *core.Job {
	return &core.Job{
		Receipt: core.Receipt{
			ID:          id,
			Amount:      200.0,
			Currency:    "BGN",
			PrefixLines: []string{"Shop 42", "Main street"},
			SuffixLines: []string{"Thank you", "Thank you"},
			Items: []core.ReceiptItem{
				{Name: "coffee", Price: 2.5, Quantity: 2},
				{Name: "coffee", Price: 2.5, Quantity: 1},
			},
		},
		SourceIP:   sourceIP,
		OperatorID: operatorID,
		IsFiscal:   true,
	}
}

func mustRegister(t *testing.T, store *JobStore, job *core.Job) {
	t.Helper()
	if _, err := store.Register(context.Background(), job); err != nil {
		t.Fatalf("Register(%s): %v", job.ID(), err)
	}
}

func TestRegisterAndGet(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	job := makeJob("R1", "10.0.0.1", "op-1")
	id, err := store.Register(ctx, job)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if id != "R1" {
		t.Errorf("id = %q, want R1", id)
	}

	got, err := store.GetByID(ctx, "R1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != core.StatusPrinting {
		t.Errorf("Status = %q, want PRINTING", got.Status)
	}
	if got.SourceIP != "10.0.0.1" || got.OperatorID != "op-1" || !got.IsFiscal {
		t.Errorf("job metadata = %+v", got)
	}
	if got.Receipt.Amount != 200.0 || got.Receipt.Currency != "BGN" {
		t.Errorf("receipt = %+v", got.Receipt)
	}
	if len(got.Receipt.Items) != 2 || got.Receipt.Items[1].Quantity != 1 {
		t.Errorf("items = %+v", got.Receipt.Items)
	}
	if len(got.Receipt.SuffixLines) != 2 || got.Receipt.SuffixLines[0] != "Thank you" {
		t.Errorf("suffix lines = %+v", got.Receipt.SuffixLines)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero")
	}
}

func TestRegister_ForcesPrinting(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	job := makeJob("R1", "10.0.0.1", "op-1")
	job.Status = core.StatusPrinted
	mustRegister(t, store, job)

	status, err := store.GetStatus(ctx, "R1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != core.StatusPrinting {
		t.Errorf("status = %q, want PRINTING", status)
	}
}

func TestRegister_DuplicateLeavesOriginal(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	mustRegister(t, store, makeJob("R1", "10.0.0.1", "op-1"))

	dup := makeJob("R1", "10.0.0.99", "op-2")
	dup.Receipt.Amount = 1
	_, err := store.Register(ctx, dup)
	if !errors.Is(err, core.ErrAlreadyQueued) {
		t.Fatalf("second Register err = %v, want ErrAlreadyQueued", err)
	}

	got, err := store.GetByID(ctx, "R1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.SourceIP != "10.0.0.1" || got.Receipt.Amount != 200.0 {
		t.Errorf("original record changed: %+v", got)
	}

	bySource, err := store.GetBySource(ctx, "10.0.0.99")
	if err != nil {
		t.Fatalf("GetBySource: %v", err)
	}
	if len(bySource) != 0 {
		t.Errorf("duplicate left a partial record: %+v", bySource)
	}
}

func TestRegister_ConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Register(ctx, makeJob("R1", "10.0.0.1", "op-1"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, core.ErrAlreadyQueued):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != callers-1 {
		t.Errorf("ok = %d, conflicts = %d", ok, conflicts)
	}

	jobs, err := store.GetByStatus(ctx, core.StatusPrinting)
	if err != nil {
		t.Fatalf("GetByStatus: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("store holds %d records, want 1", len(jobs))
	}
}

func TestGetStatus_NotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.GetStatus(context.Background(), "missing")
	if !errors.Is(err, core.ErrNotQueued) {
		t.Errorf("err = %v, want ErrNotQueued", err)
	}
}

func TestGetStatus_Idempotent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	mustRegister(t, store, makeJob("R1", "10.0.0.1", "op-1"))

	first, err := store.GetStatus(ctx, "R1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := store.GetStatus(ctx, "R1")
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		if again != first {
			t.Errorf("GetStatus = %q, want %q", again, first)
		}
	}
}

func TestFinish(t *testing.T) {
	ctx := context.Background()
	store, listener := newTestStore(t)
	mustRegister(t, store, makeJob("R1", "10.0.0.1", "op-1"))

	job, err := store.Finish(ctx, "R1")
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if job.Status != core.StatusPrinted {
		t.Errorf("returned status = %q, want PRINTED", job.Status)
	}

	status, err := store.GetStatus(ctx, "R1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != core.StatusPrinted {
		t.Errorf("status = %q, want PRINTED", status)
	}

	calls := listener.snapshot()
	if len(calls) != 1 || calls[0] != (notification{"R1", core.StatusPrinted}) {
		t.Errorf("listener calls = %+v", calls)
	}
}

func TestFail(t *testing.T) {
	ctx := context.Background()
	store, listener := newTestStore(t)
	mustRegister(t, store, makeJob("R2", "10.0.0.2", "op-1"))

	if _, err := store.Fail(ctx, "R2"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	status, _ := store.GetStatus(ctx, "R2")
	if status != core.StatusFailed {
		t.Errorf("status = %q, want FAILED", status)
	}

	calls := listener.snapshot()
	if len(calls) != 1 || calls[0] != (notification{"R2", core.StatusFailed}) {
		t.Errorf("listener calls = %+v", calls)
	}
}

func TestTransitions_Refused(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		setup  func(t *testing.T, s *JobStore)
		op     func(s *JobStore) error
		want   error
		status core.Status
	}{
		{
			name:  "finish missing",
			setup: func(t *testing.T, s *JobStore) {},
			op:    func(s *JobStore) error { _, err := s.Finish(ctx, "R1"); return err },
			want:  core.ErrNotQueued,
		},
		{
			name:  "fail missing",
			setup: func(t *testing.T, s *JobStore) {},
			op:    func(s *JobStore) error { _, err := s.Fail(ctx, "R1"); return err },
			want:  core.ErrNotQueued,
		},
		{
			name: "finish printed",
			setup: func(t *testing.T, s *JobStore) {
				mustRegister(t, s, makeJob("R1", "ip", "op"))
				if _, err := s.Finish(ctx, "R1"); err != nil {
					t.Fatal(err)
				}
			},
			op:     func(s *JobStore) error { _, err := s.Finish(ctx, "R1"); return err },
			want:   core.ErrNotQueued,
			status: core.StatusPrinted,
		},
		{
			name: "fail printed",
			setup: func(t *testing.T, s *JobStore) {
				mustRegister(t, s, makeJob("R1", "ip", "op"))
				if _, err := s.Finish(ctx, "R1"); err != nil {
					t.Fatal(err)
				}
			},
			op:     func(s *JobStore) error { _, err := s.Fail(ctx, "R1"); return err },
			want:   core.ErrNotQueued,
			status: core.StatusPrinted,
		},
		{
			name:   "requeue printing",
			setup:  func(t *testing.T, s *JobStore) { mustRegister(t, s, makeJob("R1", "ip", "op")) },
			op:     func(s *JobStore) error { _, err := s.Requeue(ctx, "R1"); return err },
			want:   core.ErrAlreadyQueued,
			status: core.StatusPrinting,
		},
		{
			name: "requeue printed",
			setup: func(t *testing.T, s *JobStore) {
				mustRegister(t, s, makeJob("R1", "ip", "op"))
				if _, err := s.Finish(ctx, "R1"); err != nil {
					t.Fatal(err)
				}
			},
			op:     func(s *JobStore) error { _, err := s.Requeue(ctx, "R1"); return err },
			want:   core.ErrNotQueued,
			status: core.StatusPrinted,
		},
		{
			name:  "requeue missing",
			setup: func(t *testing.T, s *JobStore) {},
			op:    func(s *JobStore) error { _, err := s.Requeue(ctx, "R1"); return err },
			want:  core.ErrNotQueued,
		},
		{
			name:  "remove missing",
			setup: func(t *testing.T, s *JobStore) {},
			op:    func(s *JobStore) error { _, err := s.Remove(ctx, "R1"); return err },
			want:  core.ErrNotQueued,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newTestStore(t)
			tt.setup(t, store)

			if err := tt.op(store); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}

			if tt.status != "" {
				got, err := store.GetStatus(ctx, "R1")
				if err != nil {
					t.Fatalf("GetStatus: %v", err)
				}
				if got != tt.status {
					t.Errorf("status after refused op = %q, want %q", got, tt.status)
				}
			}
		})
	}
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	mustRegister(t, store, makeJob("R3", "10.0.0.3", "op-1"))

	if _, err := store.Fail(ctx, "R3"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	job, err := store.Requeue(ctx, "R3")
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if job.Status != core.StatusPrinting {
		t.Errorf("requeued status = %q, want PRINTING", job.Status)
	}

	if _, err := store.Requeue(ctx, "R3"); !errors.Is(err, core.ErrAlreadyQueued) {
		t.Errorf("second Requeue err = %v, want ErrAlreadyQueued", err)
	}
}

func TestRequeue_FromRejected(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	mustRegister(t, store, makeJob("R4", "10.0.0.4", "op-1"))

	// Rows written by older deployments may carry REJECTED.
	if _, err := store.db.Exec(`UPDATE print_jobs SET status = 'REJECTED' WHERE id = 'R4'`); err != nil {
		t.Fatalf("mark rejected: %v", err)
	}

	job, err := store.Requeue(ctx, "R4")
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if job.Status != core.StatusPrinting {
		t.Errorf("status = %q, want PRINTING", job.Status)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	mustRegister(t, store, makeJob("R1", "10.0.0.1", "op-1"))

	removed, err := store.Remove(ctx, "R1")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if removed.ID() != "R1" || removed.Receipt.Amount != 200.0 {
		t.Errorf("removed = %+v", removed)
	}

	if _, err := store.GetStatus(ctx, "R1"); !errors.Is(err, core.ErrNotQueued) {
		t.Errorf("GetStatus after remove err = %v, want ErrNotQueued", err)
	}

	// The id may be registered again once removed.
	mustRegister(t, store, makeJob("R1", "10.0.0.1", "op-1"))
}

func TestSecondaryLookups(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	mustRegister(t, store, makeJob("A", "10.0.0.1", "op-1"))
	mustRegister(t, store, makeJob("B", "10.0.0.1", "op-2"))
	mustRegister(t, store, makeJob("C", "10.0.0.2", "op-1"))
	if _, err := store.Finish(ctx, "B"); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	ids := func(jobs []*core.Job) []string {
		out := make([]string, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, j.ID())
		}
		return out
	}

	bySource, err := store.GetBySource(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("GetBySource: %v", err)
	}
	if got := ids(bySource); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("GetBySource = %v, want [A B]", got)
	}

	byOperator, err := store.GetByOperator(ctx, "op-1")
	if err != nil {
		t.Fatalf("GetByOperator: %v", err)
	}
	if got := ids(byOperator); len(got) != 2 || got[0] != "A" || got[1] != "C" {
		t.Errorf("GetByOperator = %v, want [A C]", got)
	}

	printing, err := store.GetByStatus(ctx, core.StatusPrinting)
	if err != nil {
		t.Fatalf("GetByStatus: %v", err)
	}
	if got := ids(printing); len(got) != 2 {
		t.Errorf("GetByStatus(PRINTING) = %v, want 2 jobs", got)
	}

	none, err := store.GetByOperator(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetByOperator: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("GetByOperator(nobody) = %#v, want empty slice", none)
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[core.StatusPrinting] != 2 || counts[core.StatusPrinted] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestGetTerminalBefore(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	mustRegister(t, store, makeJob("A", "ip", "op"))
	mustRegister(t, store, makeJob("B", "ip", "op"))
	if _, err := store.Finish(ctx, "A"); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	jobs, err := store.GetTerminalBefore(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("GetTerminalBefore: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID() != "A" {
		t.Errorf("GetTerminalBefore = %+v, want only A", jobs)
	}

	jobs, err = store.GetTerminalBefore(ctx, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("GetTerminalBefore: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("GetTerminalBefore(past) = %d jobs, want 0", len(jobs))
	}
}

func TestRemoveTerminal(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	mustRegister(t, store, makeJob("A", "ip", "op"))
	mustRegister(t, store, makeJob("B", "ip", "op"))
	failed, err := store.Fail(ctx, "A")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	printing, err := store.GetByID(ctx, "B")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}

	if removed, err := store.RemoveTerminal(ctx, printing); err != nil || removed {
		t.Errorf("RemoveTerminal(printing) = %v, %v, want false", removed, err)
	}
	if removed, err := store.RemoveTerminal(ctx, failed); err != nil || !removed {
		t.Errorf("RemoveTerminal(failed) = %v, %v, want true", removed, err)
	}
	if _, err := store.GetByID(ctx, "A"); !errors.Is(err, core.ErrNotQueued) {
		t.Errorf("GetByID after remove err = %v, want ErrNotQueued", err)
	}
}

func TestRemoveTerminal_StaleSnapshot(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	mustRegister(t, store, makeJob("A", "ip", "op"))
	snapshot, err := store.Fail(ctx, "A")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}

	// Requeued and printed again after the snapshot was taken.
	time.Sleep(2 * time.Millisecond)
	if _, err := store.Requeue(ctx, "A"); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if _, err := store.Finish(ctx, "A"); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if removed, err := store.RemoveTerminal(ctx, snapshot); err != nil || removed {
		t.Errorf("RemoveTerminal(stale) = %v, %v, want false", removed, err)
	}
	if status, err := store.GetStatus(ctx, "A"); err != nil || status != core.StatusPrinted {
		t.Errorf("GetStatus = %s, %v, want PRINTED", status, err)
	}

	// Same status, older timestamp.
	stale := *snapshot
	stale.Status = core.StatusPrinted
	if removed, err := store.RemoveTerminal(ctx, &stale); err != nil || removed {
		t.Errorf("RemoveTerminal(old timestamp) = %v, %v, want false", removed, err)
	}
}

func TestOpen_MigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "posprint.db")

	first, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	store := NewJobStore(first, nil)
	mustRegister(t, store, makeJob("R1", "ip", "op"))
	first.Close()

	second, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	status, err := NewJobStore(second, nil).GetStatus(context.Background(), "R1")
	if err != nil {
		t.Fatalf("GetStatus after reopen: %v", err)
	}
	if status != core.StatusPrinting {
		t.Errorf("status = %q, want PRINTING", status)
	}
}
