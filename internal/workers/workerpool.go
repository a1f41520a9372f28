// Package workers runs callbacks off the caller's goroutine on a fixed set
// of workers. The multiplexer uses it to fan status changes, notices and
// auth challenges out to listeners without stalling a socket read loop.
package workers

import (
	"sync"

	"github.com/Shugur-Network/relaymux/internal/logger"
	"go.uber.org/zap"
)

// WorkerPool manages a pool of workers that execute jobs concurrently.
// With a single worker, jobs run in the order they were added.
type WorkerPool struct {
	jobCh   chan func()
	pending sync.WaitGroup
	running sync.WaitGroup

	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once
	log      *zap.Logger
}

// NewWorkerPool initializes a worker pool with a fixed number of workers.
func NewWorkerPool(workerCount, jobBufferSize int) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	wp := &WorkerPool{
		jobCh: make(chan func(), jobBufferSize),
		log:   logger.New("workers"),
	}
	wp.running.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.running.Done()
	for job := range wp.jobCh {
		wp.run(job)
	}
}

func (wp *WorkerPool) run(job func()) {
	defer wp.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			wp.log.Error("job panicked", zap.Any("panic", r))
		}
	}()
	job()
}

// AddJob enqueues a job without blocking. It reports false when the queue
// is full or the pool has been stopped.
func (wp *WorkerPool) AddJob(job func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}
	wp.pending.Add(1)
	select {
	case wp.jobCh <- job:
		return true
	default:
		wp.pending.Done()
		return false
	}
}

// Wait blocks until all queued jobs are completed.
func (wp *WorkerPool) Wait() {
	wp.pending.Wait()
}

// Stop lets queued jobs finish, then stops the workers. Safe to call more
// than once.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.mu.Lock()
		wp.stopped = true
		close(wp.jobCh)
		wp.mu.Unlock()
		wp.running.Wait()
	})
}
