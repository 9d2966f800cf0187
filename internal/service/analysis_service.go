package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apk-analysis/droidscan/internal/analysis"
	"github.com/apk-analysis/droidscan/internal/domain"
	"github.com/apk-analysis/droidscan/internal/repository"
	"github.com/sirupsen/logrus"
)

// ErrInvalidSample 样本目录无效
var ErrInvalidSample = errors.New("invalid sample")

// Enqueuer 登记排队样本
type Enqueuer interface {
	Enqueue(ctx context.Context, sample analysis.Sample) (analysis.Sample, error)
}

// Dispatcher 将样本交给执行端（本地 worker pool 或消息队列）
type Dispatcher interface {
	Submit(ctx context.Context, sample analysis.Sample) error
}

// DispatchFunc 函数形式的 Dispatcher
type DispatchFunc func(ctx context.Context, sample analysis.Sample) error

func (f DispatchFunc) Submit(ctx context.Context, sample analysis.Sample) error { return f(ctx, sample) }

// SubmitRequest 提交分析请求
type SubmitRequest struct {
	Root         string `json:"root" binding:"required"`
	Name         string `json:"name"`
	SHA256       string `json:"sha256"`
	MainActivity string `json:"main_activity"`
	DexPath      string `json:"dex_path"`
}

// AnalysisService 样本分析服务接口
type AnalysisService interface {
	// 提交分析
	Submit(ctx context.Context, req SubmitRequest) (analysis.Sample, error)

	// 获取报告
	GetReport(ctx context.Context, sampleID string) (*domain.SampleReport, error)

	// 报告列表
	ListReports(ctx context.Context, filter repository.ListFilter) ([]domain.SampleReport, int64, error)

	// 删除报告
	DeleteReport(ctx context.Context, sampleID string) error
}

type analysisService struct {
	repo       repository.ReportRepository
	enqueuer   Enqueuer
	dispatcher Dispatcher
	logger     *logrus.Logger
}

// NewAnalysisService 创建分析服务实例
func NewAnalysisService(repo repository.ReportRepository, enqueuer Enqueuer, dispatcher Dispatcher, logger *logrus.Logger) AnalysisService {
	return &analysisService{
		repo:       repo,
		enqueuer:   enqueuer,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (s *analysisService) Submit(ctx context.Context, req SubmitRequest) (analysis.Sample, error) {
	root, err := filepath.Abs(req.Root)
	if err != nil {
		return analysis.Sample{}, fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return analysis.Sample{}, fmt.Errorf("%w: %s is not a directory", ErrInvalidSample, root)
	}

	sample, err := s.enqueuer.Enqueue(ctx, analysis.Sample{
		Name:         req.Name,
		SHA256:       req.SHA256,
		Root:         root,
		MainActivity: req.MainActivity,
		DexPath:      req.DexPath,
	})
	if err != nil {
		return sample, err
	}

	if err := s.dispatcher.Submit(ctx, sample); err != nil {
		s.logger.WithError(err).WithField("sample_id", sample.ID).Error("Failed to dispatch sample")
		if uerr := s.repo.UpdateStatus(ctx, sample.ID, domain.AnalysisStatusFailed, err.Error()); uerr != nil {
			s.logger.WithError(uerr).Warn("Failed to mark sample as failed")
		}
		return sample, fmt.Errorf("dispatch sample %s: %w", sample.ID, err)
	}

	s.logger.WithFields(logrus.Fields{
		"sample_id": sample.ID,
		"root":      sample.Root,
	}).Info("Sample submitted")
	return sample, nil
}

func (s *analysisService) GetReport(ctx context.Context, sampleID string) (*domain.SampleReport, error) {
	return s.repo.FindBySampleID(ctx, sampleID)
}

func (s *analysisService) ListReports(ctx context.Context, filter repository.ListFilter) ([]domain.SampleReport, int64, error) {
	reports, total, err := s.repo.ListRecent(ctx, filter)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list reports")
		return nil, 0, fmt.Errorf("list reports: %w", err)
	}
	return reports, total, nil
}

func (s *analysisService) DeleteReport(ctx context.Context, sampleID string) error {
	if _, err := s.repo.FindBySampleID(ctx, sampleID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, sampleID); err != nil {
		return fmt.Errorf("delete report %s: %w", sampleID, err)
	}
	s.logger.WithField("sample_id", sampleID).Info("Report deleted")
	return nil
}
