package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/apk-analysis/droidscan/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrReportNotFound 报告不存在
var ErrReportNotFound = errors.New("report not found")

// ReportRepository 样本分析报告 Repository
type ReportRepository interface {
	Upsert(ctx context.Context, report *domain.SampleReport) error
	UpdateStatus(ctx context.Context, sampleID string, status domain.AnalysisStatus, errMsg string) error
	FindBySampleID(ctx context.Context, sampleID string) (*domain.SampleReport, error)
	ListRecent(ctx context.Context, filter ListFilter) ([]domain.SampleReport, int64, error)
	Delete(ctx context.Context, sampleID string) error
}

// ListFilter 列表查询条件
type ListFilter struct {
	Status domain.AnalysisStatus
	Name   string
	Limit  int
	Offset int
}

// reportRepo 样本分析报告 Repository 实现
type reportRepo struct {
	db *gorm.DB
}

// NewReportRepository 创建样本分析报告 Repository
func NewReportRepository(db *gorm.DB) ReportRepository {
	return &reportRepo{db: db}
}

// Upsert 插入或更新报告（sample_id 冲突时覆盖）
func (r *reportRepo) Upsert(ctx context.Context, report *domain.SampleReport) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "sample_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "sha256", "root", "status",
				"kit_count", "url_count", "packed", "packer_name",
				"kits_json", "report_json",
				"error_message", "duration_ms", "analyzed_at", "updated_at",
			}),
		}).
		Create(report).Error
}

// UpdateStatus 更新分析状态
func (r *reportRepo) UpdateStatus(ctx context.Context, sampleID string, status domain.AnalysisStatus, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.SampleReport{}).
		Where("sample_id = ?", sampleID).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errMsg,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrReportNotFound, sampleID)
	}
	return nil
}

// FindBySampleID 根据样本 ID 查询报告
func (r *reportRepo) FindBySampleID(ctx context.Context, sampleID string) (*domain.SampleReport, error) {
	var report domain.SampleReport
	err := r.db.WithContext(ctx).Where("sample_id = ?", sampleID).First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, sampleID)
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// ListRecent 按更新时间倒序分页查询，返回记录与总数
func (r *reportRepo) ListRecent(ctx context.Context, filter ListFilter) ([]domain.SampleReport, int64, error) {
	var total int64
	if err := r.filtered(ctx, filter).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var reports []domain.SampleReport
	// 列表不返回完整报告
	err := r.filtered(ctx, filter).
		Omit("report_json").
		Order("updated_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&reports).Error
	if err != nil {
		return nil, 0, err
	}
	return reports, total, nil
}

func (r *reportRepo) filtered(ctx context.Context, filter ListFilter) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&domain.SampleReport{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Name != "" {
		query = query.Where("name LIKE ?", "%"+filter.Name+"%")
	}
	return query
}

// Delete 删除报告
func (r *reportRepo) Delete(ctx context.Context, sampleID string) error {
	return r.db.WithContext(ctx).Where("sample_id = ?", sampleID).Delete(&domain.SampleReport{}).Error
}
