// Package concurrency wraps the pond worker pool with panic recovery and
// standardized configuration.
package concurrency

import (
	"fmt"
	"time"

	"bfx_trader/internal/core"

	"github.com/alitto/pond"
)

// PoolConfig sizes a worker pool. NonBlocking makes Submit fail fast when
// the queue is full instead of blocking the caller.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	NonBlocking bool
}

// WorkerPool is a bounded task pool. A panicking task is recovered and
// logged; it never takes the process down.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger
}

func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	logger = logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)
	return &WorkerPool{
		pool: pond.New(
			cfg.MaxWorkers,
			cfg.MaxCapacity,
			pond.MinWorkers(1),
			pond.IdleTimeout(cfg.IdleTimeout),
			pond.Strategy(pond.Balanced()),
			pond.PanicHandler(func(p interface{}) {
				logger.Error("Task panic recovered", "panic", p)
			}),
		),
		config: cfg,
		logger: logger,
	}
}

// Submit queues a task. In non-blocking mode a full queue is an error;
// otherwise the call blocks until the task is accepted.
func (wp *WorkerPool) Submit(task func()) error {
	if !wp.config.NonBlocking {
		wp.pool.Submit(task)
		return nil
	}
	if !wp.pool.TrySubmit(task) {
		return fmt.Errorf("worker pool %q is full (capacity %d)", wp.config.Name, wp.config.MaxCapacity)
	}
	return nil
}

// SubmitAndWait queues a task and blocks until it has run.
func (wp *WorkerPool) SubmitAndWait(task func()) {
	done := make(chan struct{})
	wp.pool.Submit(func() {
		defer close(done)
		task()
	})
	<-done
}

// Stop drains queued tasks and waits for running ones to finish.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}
