package core

import (
	"context"
	"sort"
	"sync"
)

// memStore is a map-backed Store with the same transition rules as the
// SQLite store.
type memStore struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	order    []string
	listener PrintingListener
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*Job)}
}

func (s *memStore) Register(ctx context.Context, job *Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID()]; ok {
		return "", ErrAlreadyQueued
	}
	cp := *job
	cp.Status = StatusPrinting
	s.jobs[job.ID()] = &cp
	s.order = append(s.order, job.ID())
	return job.ID(), nil
}

func (s *memStore) GetByID(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotQueued
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) GetStatus(ctx context.Context, id string) (Status, error) {
	j, err := s.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return j.Status, nil
}

func (s *memStore) filter(keep func(*Job) bool) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, id := range s.order {
		if j, ok := s.jobs[id]; ok && keep(j) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out
}

func (s *memStore) GetByStatus(ctx context.Context, status Status) ([]*Job, error) {
	return s.filter(func(j *Job) bool { return j.Status == status }), nil
}

func (s *memStore) GetBySource(ctx context.Context, sourceIP string) ([]*Job, error) {
	return s.filter(func(j *Job) bool { return j.SourceIP == sourceIP }), nil
}

func (s *memStore) GetByOperator(ctx context.Context, operatorID string) ([]*Job, error) {
	return s.filter(func(j *Job) bool { return j.OperatorID == operatorID }), nil
}

func (s *memStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	counts := make(map[Status]int)
	for _, j := range s.filter(func(*Job) bool { return true }) {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *memStore) transition(id string, next Status) (*Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || !j.Status.CanTransitionTo(next) {
		s.mu.Unlock()
		if ok && next == StatusPrinting && j.Status == StatusPrinting {
			return nil, ErrAlreadyQueued
		}
		return nil, ErrNotQueued
	}
	j.Status = next
	cp := *j
	listener := s.listener
	s.mu.Unlock()

	if listener != nil && next.IsTerminal() {
		listener.OnPrinted(&cp, next)
	}
	return &cp, nil
}

func (s *memStore) Finish(ctx context.Context, id string) (*Job, error) {
	return s.transition(id, StatusPrinted)
}

func (s *memStore) Fail(ctx context.Context, id string) (*Job, error) {
	return s.transition(id, StatusFailed)
}

func (s *memStore) Requeue(ctx context.Context, id string) (*Job, error) {
	return s.transition(id, StatusPrinting)
}

func (s *memStore) Remove(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotQueued
	}
	delete(s.jobs, id)
	return j, nil
}

// chanQueue is an unbounded-enough DispatchQueue for tests.
type chanQueue struct {
	jobs      chan *Job
	closed    chan struct{}
	closeOnce sync.Once
}

func newChanQueue() *chanQueue {
	return &chanQueue{jobs: make(chan *Job, 100), closed: make(chan struct{})}
}

func (q *chanQueue) Enqueue(ctx context.Context, job *Job) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	cp := *job
	q.jobs <- &cp
	return nil
}

func (q *chanQueue) Dequeue(ctx context.Context) (*Job, error) {
	select {
	case <-q.closed:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case j := <-q.jobs:
		return j, nil
	}
}

func (q *chanQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}

// scriptedPrinter answers every print request with the same outcome.
type scriptedPrinter struct {
	factory *scriptedFactory
}

func (p *scriptedPrinter) PrintReceipt(ctx context.Context, r Receipt) (PrintResponse, error) {
	return p.factory.answer(r, false)
}

func (p *scriptedPrinter) PrintFiscalReceipt(ctx context.Context, r Receipt) (PrintResponse, error) {
	return p.factory.answer(r, true)
}

func (p *scriptedPrinter) Close() error {
	p.factory.mu.Lock()
	p.factory.closes++
	p.factory.mu.Unlock()
	return nil
}

type scriptedFactory struct {
	mu       sync.Mutex
	resp     PrintResponse
	err      error
	panicMsg string
	// gate, when set, blocks each print until a value is received.
	gate    chan struct{}
	started chan string

	acquires int
	closes   int
	printed  []string
	fiscal   []bool
}

func (f *scriptedFactory) GetPrinter(ctx context.Context, sourceIP string) (ReceiptPrinter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sourceIP == "unknown" {
		return nil, ErrDeviceNotFound
	}
	f.acquires++
	return &scriptedPrinter{factory: f}, nil
}

func (f *scriptedFactory) answer(r Receipt, fiscal bool) (PrintResponse, error) {
	if f.started != nil {
		f.started <- r.ID
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.printed = append(f.printed, r.ID)
	f.fiscal = append(f.fiscal, fiscal)
	panicMsg := f.panicMsg
	f.mu.Unlock()
	if panicMsg != "" {
		panic(panicMsg)
	}
	return f.resp, f.err
}

func (f *scriptedFactory) counts() (acquires, closes int, printed []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := append([]string(nil), f.printed...)
	sort.Strings(p)
	return f.acquires, f.closes, p
}

type listenerCall struct {
	id     string
	status Status
}

type recordingListener struct {
	mu    sync.Mutex
	calls []listenerCall
	ch    chan listenerCall
}

func newRecordingListener() *recordingListener {
	return &recordingListener{ch: make(chan listenerCall, 100)}
}

func (l *recordingListener) OnPrinted(job *Job, status Status) {
	l.mu.Lock()
	l.calls = append(l.calls, listenerCall{job.ID(), status})
	l.mu.Unlock()
	l.ch <- listenerCall{job.ID(), status}
}
