// Package workerpool provides a bounded worker pool with retries for
// calculation jobs.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrShuttingDown is returned when submitting to a stopped pool
	ErrShuttingDown = errors.New("pool is shutting down")
	// ErrQueueFull is returned when the task queue has no room
	ErrQueueFull = errors.New("task queue is full")
)

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context

	done chan *Result
}

// Result represents the outcome of task processing
type Result struct {
	TaskID  string
	Success bool
	// Permanent marks a failure that retrying cannot fix
	Permanent bool
	Error     error
	Data      interface{}
	Attempts  int
}

// WorkerFunc processes one task
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries
	RetryDelay              time.Duration
	GracefulShutdownTimeout time.Duration
	// OnResult is called for every finished task, from the worker goroutine
	OnResult func(*Result)
}

// DefaultConfig returns defaults for the calculation worker
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              3,
		RetryDelay:              200 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	taskChan chan *Task
	wg       sync.WaitGroup
	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	queueDepth     int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task without waiting for it
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrShuttingDown
	}

	select {
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait queues a task and waits for its result
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	task.done = make(chan *Result, 1)
	if err := p.Submit(task); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-task.done:
		return result, nil
	}
}

// Stop drains queued tasks and shuts down the pool
func (p *Pool) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool")

		p.mu.Lock()
		p.stopped = true
		close(p.taskChan)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped gracefully")
		case <-time.After(p.config.GracefulShutdownTimeout):
			p.cancel()
			err = errors.New("worker pool shutdown timed out")
			p.logger.Warn("worker pool shutdown timed out")
		}
		p.cancel()
	})
	return err
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.taskChan {
		atomic.AddInt64(&p.queueDepth, -1)
		p.processTask(id, task)
	}
}

func (p *Pool) processTask(workerID int, task *Task) {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	result := p.run(ctx, task)
	result.TaskID = task.ID

	if result.Success {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", result.Attempts),
			zap.Bool("permanent", result.Permanent),
			zap.Error(result.Error))
	}

	if p.config.OnResult != nil {
		p.config.OnResult(result)
	}
	if task.done != nil {
		task.done <- result
	}
}

// run executes the task, retrying transient failures with linear backoff
func (p *Pool) run(ctx context.Context, task *Task) *Result {
	var last *Result
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Result{Error: err, Attempts: attempt}
		}

		last = p.safeCall(ctx, task)
		last.Attempts = attempt + 1
		if last.Success || last.Permanent {
			return last
		}

		if attempt < p.config.MaxRetries {
			atomic.AddInt64(&p.tasksRetried, 1)
			p.logger.Debug("retrying task",
				zap.String("task_id", task.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(last.Error))

			select {
			case <-ctx.Done():
				return &Result{Error: ctx.Err(), Attempts: attempt + 1}
			case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
			}
		}
	}

	last.Error = fmt.Errorf("task failed after %d attempts: %w", last.Attempts, last.Error)
	return last
}

func (p *Pool) safeCall(ctx context.Context, task *Task) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			result = &Result{Permanent: true, Error: fmt.Errorf("task panicked: %v", r)}
		}
	}()
	result = p.workerFunc(ctx, task)
	if result == nil {
		result = &Result{Success: true}
	}
	return result
}

// Stats holds pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% capacity
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
