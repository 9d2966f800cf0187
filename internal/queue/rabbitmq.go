package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apk-analysis/droidscan/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrChannelClosed 通道未建立或已关闭
var ErrChannelClosed = errors.New("rabbitmq channel is closed")

// RabbitMQConfig RabbitMQ 配置
type RabbitMQConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	VHost     string
	Heartbeat time.Duration // 心跳间隔，默认 10 秒
}

// URL 连接地址
func (c *RabbitMQConfig) URL() string {
	return (&amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    c.VHost,
	}).String()
}

// Topology 分析队列及其死信队列的名称
type Topology struct {
	Queue          string
	DeadLetterExch string
	DeadLetterQ    string
}

// NewTopology 由主队列名派生死信交换机与死信队列
func NewTopology(queue string) Topology {
	return Topology{
		Queue:          queue,
		DeadLetterExch: queue + ".dlx",
		DeadLetterQ:    queue + ".dead",
	}
}

// queueArgs 主队列参数：被拒绝且不重投的消息转入死信队列
func (t Topology) queueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    t.DeadLetterExch,
		"x-dead-letter-routing-key": t.Queue,
	}
}

// QueueStats 队列状态
type QueueStats struct {
	Ready       int `json:"ready"`
	Consumers   int `json:"consumers"`
	DeadLetters int `json:"dead_letters"`
}

// RabbitMQ RabbitMQ 客户端
type RabbitMQ struct {
	config   *RabbitMQConfig
	topology Topology
	prefetch int
	retry    retry.Config
	logger   *logrus.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	closed    bool
	closeErrs chan *amqp.Error

	reconnect chan struct{}
}

// NewRabbitMQ 创建 RabbitMQ 客户端
func NewRabbitMQ(config *RabbitMQConfig, queueName string, logger *logrus.Logger) (*RabbitMQ, error) {
	return NewRabbitMQWithPrefetch(config, queueName, 1, logger)
}

// NewRabbitMQWithPrefetch 创建 RabbitMQ 客户端
// prefetchCount 应不小于同时分析的样本数
func NewRabbitMQWithPrefetch(config *RabbitMQConfig, queueName string, prefetchCount int, logger *logrus.Logger) (*RabbitMQ, error) {
	if prefetchCount <= 0 {
		prefetchCount = 1
	}
	if config.Heartbeat == 0 {
		config.Heartbeat = 10 * time.Second
	}

	mq := &RabbitMQ{
		config:   config,
		topology: NewTopology(queueName),
		prefetch: prefetchCount,
		retry: retry.Config{
			MaxAttempts:     10,
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			Logger:          logger,
		},
		logger:    logger,
		reconnect: make(chan struct{}, 1),
	}

	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

// connect 建立连接并声明拓扑
func (mq *RabbitMQ) connect() error {
	conn, err := amqp.DialConfig(mq.config.URL(), amqp.Config{
		Heartbeat: mq.config.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declare(ch, mq.topology, mq.prefetch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	// 连接与通道任一关闭都写入同一个通知通道
	closeErrs := make(chan *amqp.Error, 2)
	conn.NotifyClose(forward(closeErrs))
	ch.NotifyClose(forward(closeErrs))

	mq.mu.Lock()
	mq.conn = conn
	mq.channel = ch
	mq.closeErrs = closeErrs
	mq.mu.Unlock()

	mq.logger.WithFields(logrus.Fields{
		"host":        mq.config.Host,
		"port":        mq.config.Port,
		"queue":       mq.topology.Queue,
		"dead_letter": mq.topology.DeadLetterQ,
		"prefetch":    mq.prefetch,
	}).Info("Connected to RabbitMQ")
	return nil
}

// declare 声明死信交换机、死信队列与主队列
func declare(ch *amqp.Channel, t Topology, prefetch int) error {
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	if err := ch.ExchangeDeclare(t.DeadLetterExch, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(t.DeadLetterQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(t.DeadLetterQ, t.Queue, t.DeadLetterExch, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue: %w", err)
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, t.queueArgs()); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	return nil
}

// forward amqp 关闭时会 close 通知通道，这里转发到共享通道
func forward(dst chan *amqp.Error) chan *amqp.Error {
	src := make(chan *amqp.Error, 1)
	go func() {
		for err := range src {
			select {
			case dst <- err:
			default:
			}
		}
		select {
		case dst <- nil:
		default:
		}
	}()
	return src
}

// StartConnectionWatcher 监听连接/通道关闭并发出重连信号，直到客户端关闭
func (mq *RabbitMQ) StartConnectionWatcher() {
	go func() {
		for {
			mq.mu.RLock()
			closed, closeErrs := mq.closed, mq.closeErrs
			mq.mu.RUnlock()
			if closed {
				mq.logger.Info("Connection watcher stopped: RabbitMQ client closed")
				return
			}

			err := <-closeErrs

			mq.mu.RLock()
			closed = mq.closed
			mq.mu.RUnlock()
			if closed {
				return
			}

			if err != nil {
				mq.logger.WithError(err).Error("RabbitMQ connection lost")
			} else {
				mq.logger.Warn("RabbitMQ connection closed")
			}

			mq.mu.RLock()
			if !mq.closed {
				select {
				case mq.reconnect <- struct{}{}:
				default:
				}
			}
			mq.mu.RUnlock()

			// 等待 Reconnect 换上新的通知通道
			for {
				mq.mu.RLock()
				same := mq.closeErrs == closeErrs && !mq.closed
				mq.mu.RUnlock()
				if !same {
					break
				}
				time.Sleep(100 * time.Millisecond)
			}
		}
	}()
}

// GetReconnectChan 重连信号
func (mq *RabbitMQ) GetReconnectChan() <-chan struct{} {
	return mq.reconnect
}

// Reconnect 指数退避重连
func (mq *RabbitMQ) Reconnect(ctx context.Context) error {
	mq.closeConnections()

	attempt := 0
	err := retry.Do(ctx, &mq.retry, func(ctx context.Context) error {
		attempt++
		mq.logger.WithField("attempt", attempt).Info("Attempting to reconnect to RabbitMQ")
		return mq.connect()
	})
	if err != nil {
		return fmt.Errorf("reconnect to RabbitMQ: %w", err)
	}

	mq.logger.Info("Successfully reconnected to RabbitMQ")
	return nil
}

// closeConnections 关闭现有连接，不标记客户端关闭
func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	ch, conn := mq.channel, mq.conn
	mq.channel, mq.conn = nil, nil
	mq.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if conn != nil {
		conn.Close()
	}
}

func (mq *RabbitMQ) currentChannel() (*amqp.Channel, error) {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	if mq.channel == nil || mq.channel.IsClosed() {
		return nil, ErrChannelClosed
	}
	return mq.channel, nil
}

// Publish 发布持久化消息到分析队列
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	ch, err := mq.currentChannel()
	if err != nil {
		return err
	}

	return ch.PublishWithContext(ctx, "", mq.topology.Queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// Consume 手动确认模式消费分析队列
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return nil, err
	}

	msgs, err := ch.Consume(mq.topology.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// Stats 主队列与死信队列状态
func (mq *RabbitMQ) Stats() (QueueStats, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return QueueStats{}, err
	}

	q, err := ch.QueueInspect(mq.topology.Queue)
	if err != nil {
		return QueueStats{}, err
	}
	dead, err := ch.QueueInspect(mq.topology.DeadLetterQ)
	if err != nil {
		return QueueStats{}, err
	}

	return QueueStats{Ready: q.Messages, Consumers: q.Consumers, DeadLetters: dead.Messages}, nil
}

// PurgeQueue 清空主队列，死信队列保留
func (mq *RabbitMQ) PurgeQueue() (int, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return 0, err
	}

	count, err := ch.QueuePurge(mq.topology.Queue, false)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue: %w", err)
	}

	mq.logger.WithFields(logrus.Fields{
		"queue":        mq.topology.Queue,
		"purged_count": count,
	}).Info("Queue purged")
	return count, nil
}

// IsConnected 连接是否可用
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

// Close 关闭客户端，之后不再重连
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	if mq.closed {
		mq.mu.Unlock()
		return nil
	}
	mq.closed = true
	close(mq.reconnect)
	mq.mu.Unlock()

	mq.closeConnections()

	mq.logger.Info("RabbitMQ connection closed")
	return nil
}
