package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one unit of background work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Worker is a bounded background queue: a buffered channel drained by a
// fixed goroutine pool. Failures are logged and counted, never silent;
// a full queue rejects instead of blocking the webhook.
type Worker struct {
	tasks    chan Task
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	workers  int
	failures atomic.Int64
	dropped  atomic.Int64
	logger   *slog.Logger
}

func NewWorker(log *slog.Logger, workers, queueSize int) *Worker {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		tasks:   make(chan Task, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		workers: workers,
		logger:  log.With(slog.String("service", "pipeline")),
	}
}

// Start launches the pool.
func (w *Worker) Start() {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.loop()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for task := range w.tasks {
		w.run(task)
	}
}

func (w *Worker) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			w.failures.Add(1)
			w.logger.Error("background task panicked",
				slog.String("task", task.Name), slog.Any("panic", r))
		}
	}()

	started := time.Now()
	if err := task.Run(w.ctx); err != nil {
		w.failures.Add(1)
		w.logger.Error("background task failed",
			slog.String("task", task.Name),
			slog.Duration("elapsed", time.Since(started)),
			slog.Any("error", err))
		return
	}
	w.logger.Debug("background task done",
		slog.String("task", task.Name), slog.Duration("elapsed", time.Since(started)))
}

// Submit enqueues a task without blocking. A full queue drops the task and
// reports false; the caller decides what the rejection means.
func (w *Worker) Submit(task Task) bool {
	select {
	case w.tasks <- task:
		return true
	default:
		w.dropped.Add(1)
		w.logger.Warn("task queue full, dropping", slog.String("task", task.Name))
		return false
	}
}

// Stop drains queued tasks and waits for in-flight ones, bounded by ctx.
func (w *Worker) Stop(ctx context.Context) error {
	close(w.tasks)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		return fmt.Errorf("worker drain: %w", ctx.Err())
	}
}

// Failures reports how many tasks have failed or panicked since start.
func (w *Worker) Failures() int64 { return w.failures.Load() }

// Dropped reports how many tasks were rejected on a full queue.
func (w *Worker) Dropped() int64 { return w.dropped.Load() }
