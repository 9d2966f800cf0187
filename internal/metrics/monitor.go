package metrics

import (
	"database/sql"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MemoryStats 内存统计
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`       // 当前分配的内存 (字节)
	TotalAlloc uint64 `json:"total_alloc"` // 累计分配的内存
	Sys        uint64 `json:"sys"`         // 从系统获取的内存
	NumGC      uint32 `json:"num_gc"`      // GC 次数
	Goroutines int    `json:"goroutines"`  // Goroutine 数量
	AllocMB    uint64 `json:"alloc_mb"`    // 当前分配 (MB)
	SysMB      uint64 `json:"sys_mb"`      // 系统内存 (MB)
}

// PoolStatsFunc 返回 worker 数、运行中数量、排队数量
type PoolStatsFunc func() (size, active, queued int)

// DBStatsFunc 返回数据库连接池状态
type DBStatsFunc func() sql.DBStats

// highMemoryMB 超过后输出告警
const highMemoryMB = 1536

// Monitor 周期性采集运行时、worker pool 与数据库连接状态
type Monitor struct {
	logger   *logrus.Logger
	metrics  *PrometheusMetrics
	interval time.Duration
	pool     PoolStatsFunc
	db       DBStatsFunc

	mutex    sync.RWMutex
	stats    MemoryStats
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewMonitor 创建监控器；metrics 可为 nil（只记录日志）
func NewMonitor(logger *logrus.Logger, pm *PrometheusMetrics, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		logger:   logger,
		metrics:  pm,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// WithPool 采集 worker pool 状态
func (m *Monitor) WithPool(fn PoolStatsFunc) *Monitor {
	m.pool = fn
	return m
}

// WithDB 采集数据库连接池状态
func (m *Monitor) WithDB(fn DBStatsFunc) *Monitor {
	m.db = fn
	return m
}

// Start 启动监控
func (m *Monitor) Start() {
	go m.loop()
}

// Stop 停止监控，可重复调用
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample 立即采集一次
func (m *Monitor) Sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := MemoryStats{
		Alloc:      ms.Alloc,
		TotalAlloc: ms.TotalAlloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    ms.Alloc / 1024 / 1024,
		SysMB:      ms.Sys / 1024 / 1024,
	}

	m.mutex.Lock()
	m.stats = stats
	m.mutex.Unlock()

	fields := logrus.Fields{
		"alloc_mb":   stats.AllocMB,
		"sys_mb":     stats.SysMB,
		"num_gc":     stats.NumGC,
		"goroutines": stats.Goroutines,
	}

	if m.metrics != nil {
		m.metrics.UpdateMemoryStats(stats)
	}
	if m.pool != nil {
		size, active, queued := m.pool()
		fields["pool_active"] = active
		fields["pool_queued"] = queued
		if m.metrics != nil {
			m.metrics.UpdateWorkerPoolStats(size, active, queued)
		}
	}
	if m.db != nil && m.metrics != nil {
		dbs := m.db()
		m.metrics.UpdateDBStats(dbs.OpenConnections, dbs.Idle, dbs.InUse)
	}

	m.logger.WithFields(fields).Debug("Runtime stats")
	if stats.AllocMB > highMemoryMB {
		m.logger.WithFields(logrus.Fields{
			"alloc_mb": stats.AllocMB,
			"sys_mb":   stats.SysMB,
		}).Warn("High memory usage detected")
	}
}

// GetStats 获取最近一次内存统计
func (m *Monitor) GetStats() MemoryStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.stats
}
