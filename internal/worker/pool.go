package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/apk-analysis/droidscan/internal/analysis"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull 任务队列已满
var ErrQueueFull = errors.New("task queue is full")

// ErrPoolStopped Worker 池已停止
var ErrPoolStopped = errors.New("worker pool stopped")

// Pool Worker 池，多个样本并行分析
type Pool struct {
	workers      int
	taskChan     chan *Task
	orchestrator *Orchestrator
	logger       *logrus.Logger
	wg           sync.WaitGroup
	active       atomic.Int32

	mu      sync.RWMutex
	stopped bool
}

// Task 任务
type Task struct {
	Sample   analysis.Sample
	resultCh chan taskResult // 用于同步等待任务完成
}

type taskResult struct {
	report *analysis.Report
	err    error
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, orchestrator *Orchestrator, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		workers:      workers,
		taskChan:     make(chan *Task, queueSize),
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// worker Worker 协程
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.WithField("worker_id", id).Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case task, ok := <-p.taskChan:
			if !ok {
				p.logger.WithField("worker_id", id).Debug("Task channel closed, worker exiting")
				return
			}

			p.logger.WithFields(logrus.Fields{
				"worker_id": id,
				"sample_id": task.Sample.ID,
				"root":      task.Sample.Root,
			}).Debug("Processing task")

			p.active.Add(1)
			rep, err := p.orchestrator.ExecuteTask(ctx, task.Sample)
			p.active.Add(-1)

			if task.resultCh != nil {
				task.resultCh <- taskResult{report: rep, err: err}
				close(task.resultCh)
			}
		}
	}
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(sample analysis.Sample) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.taskChan <- &Task{Sample: sample}:
		p.logger.WithField("sample_id", sample.ID).Debug("Task submitted to pool")
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, sample analysis.Sample) (*analysis.Report, error) {
	task := &Task{Sample: sample, resultCh: make(chan taskResult, 1)}

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return nil, ErrPoolStopped
	}
	select {
	case p.taskChan <- task:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, ctx.Err()
	}

	select {
	case res := <-task.resultCh:
		return res.report, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop 停止 Worker 池，等待已排队任务完成
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskChan)
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.taskChan)
}

// Stats 返回 worker 数、运行中数量、排队数量
func (p *Pool) Stats() (size, active, queued int) {
	return p.workers, int(p.active.Load()), len(p.taskChan)
}
