package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apk-analysis/droidscan/internal/analysis"
	"github.com/apk-analysis/droidscan/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// AnalysisHandler 分析任务处理函数
type AnalysisHandler func(ctx context.Context, msg *AnalysisMessage) error

// Consumer 从分析队列取消息并交给 handler
// 失败消息最多重投一次，之后进入死信队列
type Consumer struct {
	mq      *RabbitMQ
	handler AnalysisHandler
	workers int
	logger  *logrus.Logger

	mu       sync.Mutex
	wg       *conc.WaitGroup
	cancel   context.CancelFunc
	running  bool
	watching bool

	active atomic.Int32
}

// NewConsumer 创建消费者
func NewConsumer(mq *RabbitMQ, handler AnalysisHandler, workers int, logger *logrus.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		mq:      mq,
		handler: handler,
		workers: workers,
		logger:  logger,
	}
}

// Start 开始消费；重复调用无副作用
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		c.logger.Warn("Consumer already running, skipping start")
		return nil
	}

	msgs, err := c.mq.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	wg := conc.NewWaitGroup()
	for i := 0; i < c.workers; i++ {
		id := i
		wg.Go(func() { c.worker(workerCtx, id, msgs) })
	}
	c.wg, c.cancel, c.running = wg, cancel, true

	// 重连后再次 Start 时不重复启动监听
	if !c.watching {
		c.watching = true
		c.mq.StartConnectionWatcher()
		go c.handleReconnect(ctx)
	}

	c.logger.Infof("Consumer started with %d workers", c.workers)
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	c.logger.Debugf("Worker %d started", id)
	for {
		select {
		case <-ctx.Done():
			c.logger.Debugf("Worker %d stopped", id)
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warnf("Worker %d: delivery channel closed", id)
				return
			}
			c.active.Add(1)
			c.processMessage(ctx, id, msg)
			c.active.Add(-1)
		}
	}
}

// processMessage 处理单条消息并确认
func (c *Consumer) processMessage(ctx context.Context, workerID int, delivery amqp.Delivery) {
	started := time.Now()

	msg, err := DecodeMessage(delivery.Body)
	if err != nil {
		c.logger.WithError(err).Error("Failed to decode message, dead-lettering")
		c.nack(delivery, false)
		return
	}

	log := c.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"sample_id": msg.SampleID,
		"name":      msg.Name,
	})
	log.Info("Processing analysis")

	var handlerErr error
	if rec := panics.Try(func() { handlerErr = c.handler(ctx, msg) }); rec != nil {
		log.WithField("panic", rec.String()).Error("Analysis handler panicked, dead-lettering")
		c.nack(delivery, false)
		return
	}

	if handlerErr != nil {
		requeue := !delivery.Redelivered && !isPermanent(handlerErr)
		log.WithError(handlerErr).WithField("requeue", requeue).Error("Analysis processing failed")
		c.nack(delivery, requeue)
		return
	}

	if err := delivery.Ack(false); err != nil {
		log.WithError(err).Error("Failed to acknowledge message")
	}
	log.WithField("duration", time.Since(started).Seconds()).Info("Analysis message done")
}

func (c *Consumer) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		c.logger.WithError(err).Error("Failed to reject message")
	}
}

// isPermanent 样本缺失或消息非法时重试没有意义
func isPermanent(err error) bool {
	return errors.Is(err, analysis.ErrSampleNotFound) ||
		errors.Is(err, ErrInvalidMessage) ||
		retry.IsPermanent(err)
}

// handleReconnect 收到重连信号后停下 worker，重连成功再重新消费
func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-c.mq.GetReconnectChan():
			if !ok {
				c.logger.Info("Reconnect channel closed, stopping reconnect handler")
				return
			}

			c.logger.Warn("Connection lost, attempting to reconnect...")
			c.stopWorkers(30 * time.Second)

			for {
				err := c.mq.Reconnect(ctx)
				if err == nil {
					break
				}
				if ctx.Err() != nil {
					return
				}
				c.logger.WithError(err).Error("Reconnect attempts exhausted, starting over")
			}

			if err := c.Start(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

// stopWorkers 取消 worker 并等待当前消息处理完
func (c *Consumer) stopWorkers(timeout time.Duration) {
	c.mu.Lock()
	wg, cancel := c.wg, c.cancel
	c.wg, c.cancel, c.running = nil, nil, false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wg == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		if rec := wg.WaitAndRecover(); rec != nil {
			c.logger.WithField("panic", rec.String()).Error("Consumer worker panicked")
		}
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("All consumer workers stopped")
	case <-time.After(timeout):
		c.logger.Warn("Timeout waiting for consumer workers to stop")
	}
}

// Stop 停止消费者
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer...")
	c.stopWorkers(5 * time.Minute)
	c.logger.Info("Consumer stopped")
}

// GetActiveWorkers 正在处理消息的 worker 数
func (c *Consumer) GetActiveWorkers() int {
	return int(c.active.Load())
}

// IsRunning 是否正在消费
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
