package main

import (
	"context"
	"fmt"

	"github.com/apk-analysis/droidscan/internal/domain"
	"github.com/apk-analysis/droidscan/internal/repository"
	"github.com/apk-analysis/droidscan/internal/service"
	"github.com/sirupsen/logrus"
)

const recoveryPageSize = 500

// interruptedMessage 重启时仍在分析中的样本的错误信息
const interruptedMessage = "analysis interrupted by service restart"

// listByStatus 分页读取指定状态的全部记录
func listByStatus(ctx context.Context, repo repository.ReportRepository, status domain.AnalysisStatus) ([]domain.SampleReport, error) {
	var all []domain.SampleReport
	for offset := 0; ; offset += recoveryPageSize {
		items, _, err := repo.ListRecent(ctx, repository.ListFilter{
			Status: status,
			Limit:  recoveryPageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s reports: %w", status, err)
		}
		all = append(all, items...)
		if len(items) < recoveryPageSize {
			return all, nil
		}
	}
}

// recoverInterrupted 将上次运行中断的 analyzing 记录标记为 failed
// queued 记录不在此处理，由 redispatchQueued 重新投递
func recoverInterrupted(ctx context.Context, repo repository.ReportRepository, logger *logrus.Logger) error {
	stuck, err := listByStatus(ctx, repo, domain.AnalysisStatusAnalyzing)
	if err != nil {
		return err
	}
	if len(stuck) == 0 {
		logger.Info("No interrupted analyses found")
		return nil
	}

	ids := make([]string, 0, len(stuck))
	for _, r := range stuck {
		if err := repo.UpdateStatus(ctx, r.SampleID, domain.AnalysisStatusFailed, interruptedMessage); err != nil {
			logger.WithError(err).WithField("sample_id", r.SampleID).Warn("Failed to mark interrupted analysis")
			continue
		}
		ids = append(ids, r.SampleID)
	}

	logger.WithFields(logrus.Fields{
		"count":   len(ids),
		"samples": ids,
	}).Warn("Marked interrupted analyses as failed due to service restart")
	return nil
}

// redispatchQueued 重新投递排队中的样本，数据库为唯一数据源
func redispatchQueued(ctx context.Context, repo repository.ReportRepository, dispatcher service.Dispatcher, logger *logrus.Logger) error {
	queued, err := listByStatus(ctx, repo, domain.AnalysisStatusQueued)
	if err != nil {
		return err
	}
	if len(queued) == 0 {
		return nil
	}

	// 先入先出
	success := 0
	for i := len(queued) - 1; i >= 0; i-- {
		r := queued[i]
		if err := dispatcher.Submit(ctx, r.Sample()); err != nil {
			logger.WithError(err).WithField("sample_id", r.SampleID).Error("Failed to redispatch sample")
			continue
		}
		success++
	}

	logger.WithFields(logrus.Fields{
		"total":   len(queued),
		"success": success,
		"failed":  len(queued) - success,
	}).Info("Queued analyses redispatched")
	return nil
}
