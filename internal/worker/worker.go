// Package worker runs best-effort background tasks on a single goroutine fed
// by a buffered channel. It replaces fire-and-forget goroutines so that
// lifecycle (Stop drains pending work) and failures (logged, never
// propagated) stay visible.
package worker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Task is a named unit of background work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pool executes tasks in submission order. Submit never blocks the caller:
// when the queue is full the task is dropped and logged.
type Pool struct {
	mu      sync.Mutex
	stopped bool
	tasks   chan Task
	done    chan struct{}
	logger  zerolog.Logger
}

// NewPool starts a pool with the given queue depth.
func NewPool(queueSize int, logger zerolog.Logger) *Pool {
	if queueSize < 1 {
		queueSize = 16
	}
	p := &Pool{
		tasks:  make(chan Task, queueSize),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "worker").Logger(),
	}
	go p.run()
	return p
}

func (p *Pool) run() {
	defer close(p.done)
	for task := range p.tasks {
		if err := task.Run(context.Background()); err != nil {
			p.logger.Warn().Err(err).Str("task", task.Name).Msg("background task failed")
		}
	}
}

// Submit queues a task. Returns false if the pool is stopped or the queue
// is full.
func (p *Pool) Submit(task Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		p.logger.Warn().Str("task", task.Name).Msg("queue full, dropping task")
		return false
	}
}

// Stop closes the queue and waits for in-flight and queued tasks to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.tasks)
	}
	p.mu.Unlock()
	<-p.done
}
