package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apk-analysis/droidscan/internal/analysis"
	"github.com/sirupsen/logrus"
)

// ErrInvalidMessage 消息无法解析或缺少样本目录
var ErrInvalidMessage = errors.New("invalid analysis message")

// AnalysisMessage 分析任务消息
type AnalysisMessage struct {
	SampleID     string    `json:"sample_id"`
	Name         string    `json:"name"`
	Root         string    `json:"root"`
	SHA256       string    `json:"sha256,omitempty"`
	MainActivity string    `json:"main_activity,omitempty"`
	DexPath      string    `json:"dex_path,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// NewAnalysisMessage 由样本构建消息
func NewAnalysisMessage(sample analysis.Sample) *AnalysisMessage {
	return &AnalysisMessage{
		SampleID:     sample.ID,
		Name:         sample.Name,
		Root:         sample.Root,
		SHA256:       sample.SHA256,
		MainActivity: sample.MainActivity,
		DexPath:      sample.DexPath,
		EnqueuedAt:   time.Now().UTC(),
	}
}

// Sample 还原为待分析样本
func (m *AnalysisMessage) Sample() analysis.Sample {
	return analysis.Sample{
		ID:           m.SampleID,
		Name:         m.Name,
		Root:         m.Root,
		SHA256:       m.SHA256,
		MainActivity: m.MainActivity,
		DexPath:      m.DexPath,
	}
}

// DecodeMessage 解析消息体
func DecodeMessage(body []byte) (*AnalysisMessage, error) {
	var msg AnalysisMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.SampleID == "" || msg.Root == "" {
		return nil, fmt.Errorf("%w: sample_id and root are required", ErrInvalidMessage)
	}
	return &msg, nil
}

// Publisher 消息发布接口
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 消息生产者
type Producer struct {
	pub    Publisher
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(pub Publisher, logger *logrus.Logger) *Producer {
	return &Producer{
		pub:    pub,
		logger: logger,
	}
}

// PublishAnalysis 发布分析任务
func (p *Producer) PublishAnalysis(ctx context.Context, msg *AnalysisMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.pub.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("sample_id", msg.SampleID).Error("Failed to publish analysis")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"sample_id": msg.SampleID,
		"name":      msg.Name,
	}).Info("Analysis published to queue")

	return nil
}

// Submit 发布样本
func (p *Producer) Submit(ctx context.Context, sample analysis.Sample) error {
	return p.PublishAnalysis(ctx, NewAnalysisMessage(sample))
}
