// Package scheduler runs the periodic maintenance jobs on a single
// time-ordered loop. Jobs carry a priority and a jittered interval; ready
// jobs are handed to a bounded worker pool, and a job whose previous run
// is still in flight is coalesced rather than stacked.
package scheduler

import (
	"container/heap"
	"context"
	"math/rand"
	"sync"
	"time"

	"bfx_trader/internal/config"
	"bfx_trader/internal/core"
	"bfx_trader/pkg/concurrency"

	"golang.org/x/sync/semaphore"
)

// Priority orders jobs that come due at the same instant.
type Priority int

const (
	Critical Priority = iota
	High
	Medium
	Low
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Medium:
		return "medium"
	default:
		return "low"
	}
}

// Job is one registered periodic task.
type Job struct {
	Name     string
	Priority Priority
	Interval time.Duration
	Jitter   time.Duration // uniform ± spread applied to each interval
	Run      func(ctx context.Context) error
}

// RunReport records one job execution.
type RunReport struct {
	Job     string    `json:"job"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
}

const reportHistory = 128

// item is a heap entry: the job plus its next due time.
type item struct {
	job *Job
	due time.Time
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].job.Priority < h[j].job.Priority
	}
	return h[i].due.Before(h[j].due)
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Scheduler owns the job queue and worker pool.
type Scheduler struct {
	clock  core.Clock
	logger core.ILogger
	pool   *concurrency.WorkerPool
	sem    *semaphore.Weighted
	rng    *rand.Rand

	mu       sync.Mutex
	queue    itemHeap
	running  map[string]bool
	reports  []RunReport
	started  bool
	wake     chan struct{}
	stopped  chan struct{}
	cancel   context.CancelFunc
}

// New creates a scheduler sized from cfg.
func New(cfg config.SchedulerConfig, clk core.Clock, logger core.ILogger) *Scheduler {
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 4
	}
	inFlight := cfg.MaxInFlight
	if inFlight <= 0 {
		inFlight = workers
	}
	return &Scheduler{
		clock:  clk,
		logger: logger.WithField("component", "scheduler"),
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "scheduler",
			MaxWorkers:  workers,
			MaxCapacity: workers * 4,
		}, logger),
		sem:     semaphore.NewWeighted(int64(inFlight)),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		running: make(map[string]bool),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Register queues a job. The first run is jittered from now so a fleet of
// jobs registered together does not fire in lockstep.
func (s *Scheduler) Register(job *Job) {
	s.mu.Lock()
	heap.Push(&s.queue, &item{job: job, due: s.clock.Now().Add(s.jitteredLocked(job))})
	s.mu.Unlock()
	s.poke()
	s.logger.Info("Job registered",
		"job", job.Name, "priority", job.Priority.String(), "interval", job.Interval.String())
}

// Start launches the dispatch loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop halts dispatch and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-s.stopped
	s.pool.Stop()
}

// Reports returns the most recent run reports, oldest first.
func (s *Scheduler) Reports() []RunReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunReport, len(s.reports))
	copy(out, s.reports)
	return out
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.stopped)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.dispatchDue(ctx)

		s.mu.Lock()
		var wait time.Duration
		if len(s.queue) == 0 {
			wait = time.Hour
		} else {
			wait = s.queue[0].due.Sub(s.clock.Now())
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
		}
	}
}

// dispatchDue pops every job whose due time has passed and hands it to the
// pool. A job still running from its previous tick is coalesced: the tick
// is skipped and the job is rescheduled one interval out.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.clock.Now()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0].due.After(now) {
			s.mu.Unlock()
			return
		}
		it := heap.Pop(&s.queue).(*item)
		job := it.job

		if s.running[job.Name] {
			s.logger.Debug("Run still in flight, coalescing tick", "job", job.Name)
			heap.Push(&s.queue, &item{job: job, due: now.Add(s.jitteredLocked(job))})
			s.mu.Unlock()
			continue
		}
		s.running[job.Name] = true
		heap.Push(&s.queue, &item{job: job, due: now.Add(s.jitteredLocked(job))})
		s.mu.Unlock()

		s.submit(ctx, job)
	}
}

func (s *Scheduler) submit(ctx context.Context, job *Job) {
	s.pool.Submit(func() {
		defer s.finish(job.Name)
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		s.execute(ctx, job)
	})
}

func (s *Scheduler) execute(ctx context.Context, job *Job) {
	report := RunReport{Job: job.Name, Start: s.clock.Now()}
	err := job.Run(ctx)
	report.End = s.clock.Now()
	report.Success = err == nil
	if err != nil {
		report.Error = err.Error()
		s.logger.Warn("Job failed",
			"job", job.Name, "duration", report.End.Sub(report.Start).String(), "error", err)
	} else {
		s.logger.Debug("Job finished",
			"job", job.Name, "duration", report.End.Sub(report.Start).String())
	}

	s.mu.Lock()
	s.reports = append(s.reports, report)
	if len(s.reports) > reportHistory {
		s.reports = s.reports[len(s.reports)-reportHistory:]
	}
	s.mu.Unlock()
}

func (s *Scheduler) finish(name string) {
	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()
	s.poke()
}

// jitteredLocked returns the job interval with its uniform jitter applied.
// Must be called with the mutex held (rng is not goroutine safe).
func (s *Scheduler) jitteredLocked(job *Job) time.Duration {
	if job.Jitter <= 0 {
		return job.Interval
	}
	spread := time.Duration(s.rng.Int63n(int64(2*job.Jitter))) - job.Jitter
	d := job.Interval + spread
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
