package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apk-analysis/droidscan/internal/analysis"
	"github.com/apk-analysis/droidscan/internal/domain"
	"github.com/apk-analysis/droidscan/internal/properties"
	"github.com/apk-analysis/droidscan/internal/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SampleAnalyzer 单样本分析器
type SampleAnalyzer interface {
	Analyze(ctx context.Context, sample analysis.Sample) (*analysis.Report, error)
}

// LifecycleRecorder 样本生命周期指标
type LifecycleRecorder interface {
	RecordAnalysisQueued()
	RecordAnalysisStarted()
	RecordAnalysisFinished(err error)
}

// EventType 分析事件类型
type EventType string

const (
	EventQueued    EventType = "queued"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event 推送给监听者的分析事件
type Event struct {
	Type     EventType `json:"type"`
	SampleID string    `json:"sample_id"`
	Name     string    `json:"name"`
	Kits     []string  `json:"kits,omitempty"`
	URLCount int       `json:"url_count,omitempty"`
	Packed   bool      `json:"packed,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// Listener 分析事件监听者
type Listener interface {
	OnAnalysisEvent(Event)
}

// ListenerFunc 函数形式的 Listener
type ListenerFunc func(Event)

func (f ListenerFunc) OnAnalysisEvent(e Event) { f(e) }

// Orchestrator 串联分析、报告落盘、持久化与事件通知
type Orchestrator struct {
	analyzer    SampleAnalyzer
	repo        repository.ReportRepository // 可为 nil
	metrics     LifecycleRecorder           // 可为 nil
	writeReport bool
	logger      *logrus.Logger

	mu        sync.RWMutex
	listeners []Listener
}

// OrchestratorOption Orchestrator 选项
type OrchestratorOption func(*Orchestrator)

// WithRepository 持久化分析报告
func WithRepository(repo repository.ReportRepository) OrchestratorOption {
	return func(o *Orchestrator) { o.repo = repo }
}

// WithLifecycleMetrics 记录生命周期指标
func WithLifecycleMetrics(m LifecycleRecorder) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithReportFile 在样本目录写 report.json
func WithReportFile(enabled bool) OrchestratorOption {
	return func(o *Orchestrator) { o.writeReport = enabled }
}

// NewOrchestrator 创建 Orchestrator
func NewOrchestrator(analyzer SampleAnalyzer, logger *logrus.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		analyzer: analyzer,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AddListener 注册事件监听者
func (o *Orchestrator) AddListener(l Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

func (o *Orchestrator) notify(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	o.mu.RLock()
	listeners := append([]Listener(nil), o.listeners...)
	o.mu.RUnlock()

	for _, l := range listeners {
		l.OnAnalysisEvent(e)
	}
}

// Prepare 补全样本 ID 与名称
func Prepare(sample analysis.Sample) analysis.Sample {
	if sample.ID == "" {
		sample.ID = uuid.New().String()
	}
	if sample.Name == "" {
		sample.Name = filepath.Base(filepath.Clean(sample.Root))
	}
	return sample
}

// Enqueue 登记排队中的样本
func (o *Orchestrator) Enqueue(ctx context.Context, sample analysis.Sample) (analysis.Sample, error) {
	sample = Prepare(sample)

	if o.repo != nil {
		err := o.repo.Upsert(ctx, &domain.SampleReport{
			SampleID: sample.ID,
			Name:     sample.Name,
			SHA256:   sample.SHA256,
			Root:     sample.Root,
			Status:   domain.AnalysisStatusQueued,
		})
		if err != nil {
			return sample, fmt.Errorf("record queued sample %s: %w", sample.ID, err)
		}
	}
	if o.metrics != nil {
		o.metrics.RecordAnalysisQueued()
	}

	o.notify(Event{Type: EventQueued, SampleID: sample.ID, Name: sample.Name})
	return sample, nil
}

// ExecuteTask 分析一个样本并保存结果
func (o *Orchestrator) ExecuteTask(ctx context.Context, sample analysis.Sample) (*analysis.Report, error) {
	sample = Prepare(sample)
	log := o.logger.WithFields(logrus.Fields{
		"sample_id": sample.ID,
		"root":      sample.Root,
	})
	log.Info("Starting task execution")

	if o.metrics != nil {
		o.metrics.RecordAnalysisStarted()
	}
	o.updateStatus(ctx, sample, domain.AnalysisStatusAnalyzing, "")
	o.notify(Event{Type: EventStarted, SampleID: sample.ID, Name: sample.Name})

	rep, err := o.analyzer.Analyze(ctx, sample)
	if err != nil {
		return nil, o.failTask(ctx, sample, err)
	}

	if o.writeReport {
		if err := writeReportFile(rep); err != nil {
			log.WithError(err).Warn("Failed to write report file")
		}
	}

	if o.repo != nil {
		record, err := domain.NewSampleReport(rep)
		if err != nil {
			return nil, o.failTask(ctx, sample, err)
		}
		if err := o.repo.Upsert(ctx, record); err != nil {
			return nil, o.failTask(ctx, sample, fmt.Errorf("save report: %w", err))
		}
	}

	if o.metrics != nil {
		o.metrics.RecordAnalysisFinished(nil)
	}

	o.notify(Event{
		Type:     EventCompleted,
		SampleID: sample.ID,
		Name:     sample.Name,
		Kits:     rep.Kits,
		URLCount: len(rep.Wide.Items(properties.PropURLs)),
		Packed:   rep.Smali.IsTrue(properties.PropPacked) || (rep.Packer != nil && rep.Packer.IsPacked),
	})

	log.WithField("duration_ms", rep.DurationMS).Info("Task completed")
	return rep, nil
}

// failTask 标记失败并通知
func (o *Orchestrator) failTask(ctx context.Context, sample analysis.Sample, err error) error {
	o.logger.WithError(err).WithField("sample_id", sample.ID).Error("Task execution failed")

	if o.metrics != nil {
		o.metrics.RecordAnalysisFinished(err)
	}
	// 取消后仍需记录失败状态
	o.updateStatus(context.WithoutCancel(ctx), sample, domain.AnalysisStatusFailed, err.Error())
	o.notify(Event{Type: EventFailed, SampleID: sample.ID, Name: sample.Name, Error: err.Error()})
	return err
}

// updateStatus 更新持久化状态；记录不存在时补建
func (o *Orchestrator) updateStatus(ctx context.Context, sample analysis.Sample, status domain.AnalysisStatus, errMsg string) {
	if o.repo == nil {
		return
	}
	err := o.repo.UpdateStatus(ctx, sample.ID, status, errMsg)
	if errors.Is(err, repository.ErrReportNotFound) {
		err = o.repo.Upsert(ctx, &domain.SampleReport{
			SampleID:     sample.ID,
			Name:         sample.Name,
			SHA256:       sample.SHA256,
			Root:         sample.Root,
			Status:       status,
			ErrorMessage: errMsg,
		})
	}
	if err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"sample_id": sample.ID,
			"status":    status,
		}).Warn("Failed to update sample status")
	}
}

// writeReportFile 写 <root>/report.json
func writeReportFile(rep *analysis.Report) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	path := filepath.Join(rep.Root, analysis.ReportFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
