package deferred

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"llmbridge/internal/metrics"
)

var (
	ErrPoolClosed = errors.New("deferred pool is closed")
	ErrQueueFull  = errors.New("deferred queue is full")
)

type State int32

const (
	// Created tasks are queued and wait for a free worker.
	Created State = iota
	// Pending tasks are running; nobody can observe a value yet.
	Pending
	Resolved
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Task is a handle on a call launched in the background. Its outcome is set
// exactly once and every Wait returns that same outcome.
type Task[T any] struct {
	id    string
	state atomic.Int32
	done  chan struct{}
	val   T
	err   error
}

func (t *Task[T]) ID() string { return t.id }

func (t *Task[T]) State() State { return State(t.state.Load()) }

func (t *Task[T]) Done() <-chan struct{} { return t.done }

func (t *Task[T]) Wait() (T, error) {
	<-t.done
	return t.val, t.err
}

// WaitContext stops waiting when ctx ends. The task itself keeps running.
func (t *Task[T]) WaitContext(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.val, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (t *Task[T]) run(ctx context.Context, fn func(context.Context) (T, error)) {
	t.state.Store(int32(Pending))
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			t.err = fmt.Errorf("deferred task panicked: %v", r)
			t.state.Store(int32(Failed))
		}
	}()
	t.val, t.err = fn(ctx)
	if t.err != nil {
		t.state.Store(int32(Failed))
		return
	}
	t.state.Store(int32(Resolved))
}

type Config struct {
	Workers   int
	QueueSize int
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

type Pool struct {
	jobs    chan func(ctx context.Context)
	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewPool(cfg Config) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	// Tasks are never cancelled once launched, so workers run them on a
	// context that outlives the caller.
	p := &Pool{
		jobs:    make(chan func(ctx context.Context), cfg.QueueSize),
		ctx:     context.Background(),
		logger:  cfg.Logger,
		metrics: m,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go func(slot int) {
			defer p.wg.Done()
			p.consumeLoop(slot)
		}(i)
	}
	return p
}

func (p *Pool) consumeLoop(slot int) {
	log := p.logger.With().Int("slot", slot).Logger()
	for job := range p.jobs {
		job(p.ctx)
	}
	log.Debug().Msg("deferred worker stopped")
}

// Submit queues fn and returns its handle without waiting.
func Submit[T any](p *Pool, fn func(ctx context.Context) (T, error)) (*Task[T], error) {
	t := &Task[T]{id: uuid.NewString(), done: make(chan struct{})}
	job := func(ctx context.Context) {
		t.run(ctx, fn)
		state := t.State()
		p.metrics.AsyncTasks.WithLabelValues(state.String()).Inc()
		if state == Failed {
			p.logger.Debug().Err(t.err).Str("task_id", t.id).Msg("deferred task failed")
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		return t, nil
	default:
		return nil, ErrQueueFull
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
