package core

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/odin-rt/core/observability"
)

// Task is a unit of work the dispatch pool runs asynchronously —
// typically one inbound message handed off from a supervisor's Inbound()
// channel so a slow application handler never backs up the reader loop.
type Task func()

// WorkerPool is a fixed-size goroutine pool with a bounded task queue.
// Adapted from the teacher's WorkerPool (there sized for Kafka-to-client
// broadcast fanout); here it runs the client's own inbound-message
// handlers instead, with the same drop-on-full backpressure policy.
type WorkerPool struct {
	workerCount  int
	taskQueue    chan Task
	ctx          context.Context
	wg           sync.WaitGroup
	droppedTasks int64
	logger       zerolog.Logger
}

// NewWorkerPool builds a pool of workerCount goroutines draining a queue
// of size queueSize.
func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger,
	}
}

// Start launches the worker goroutines. ctx cancellation drains the
// current task per worker, then exits.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx = ctx
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for {
		select {
		case task, ok := <-wp.taskQueue:
			if !ok {
				return
			}
			if task != nil {
				wp.runTask(task)
			}
		case <-wp.ctx.Done():
			return
		}
	}
}

func (wp *WorkerPool) runTask(task Task) {
	defer observability.RecoverPanic(wp.logger, "workerpool.task", nil)
	task()
}

// Submit enqueues task for async execution. If the queue is full, task
// is dropped and droppedTasks is incremented rather than blocking the
// caller — the same backpressure-over-goroutine-explosion trade-off the
// teacher's pool makes.
func (wp *WorkerPool) Submit(task Task) {
	select {
	case wp.taskQueue <- task:
	default:
		atomic.AddInt64(&wp.droppedTasks, 1)
	}
}

// Stop closes the task queue and waits for all workers to drain it.
func (wp *WorkerPool) Stop() {
	close(wp.taskQueue)
	wp.wg.Wait()
}

// DroppedTasks returns the number of tasks dropped due to a full queue —
// a backpressure signal that the application's inbound handler is too
// slow for the workerCount/queueSize configured.
func (wp *WorkerPool) DroppedTasks() int64 { return atomic.LoadInt64(&wp.droppedTasks) }

// QueueDepth returns the current number of queued tasks.
func (wp *WorkerPool) QueueDepth() int { return len(wp.taskQueue) }

// QueueCapacity returns the task queue's capacity.
func (wp *WorkerPool) QueueCapacity() int { return cap(wp.taskQueue) }
