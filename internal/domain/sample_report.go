package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/apk-analysis/droidscan/internal/analysis"
	"github.com/apk-analysis/droidscan/internal/properties"
)

// AnalysisStatus 样本分析状态
type AnalysisStatus string

const (
	AnalysisStatusQueued    AnalysisStatus = "queued"
	AnalysisStatusAnalyzing AnalysisStatus = "analyzing"
	AnalysisStatusCompleted AnalysisStatus = "completed"
	AnalysisStatusFailed    AnalysisStatus = "failed"
)

// SampleReport 样本分析报告表
// 常用字段单独成列，完整报告以 JSON 形式保存
type SampleReport struct {
	ID       uint           `gorm:"primaryKey" json:"id"`
	SampleID string         `gorm:"type:varchar(64);uniqueIndex;not null" json:"sample_id"`
	Name     string         `gorm:"type:varchar(255);index" json:"name"`
	SHA256   string         `gorm:"type:varchar(64);index" json:"sha256,omitempty"`
	Root     string         `gorm:"type:varchar(1024)" json:"root"`
	Status   AnalysisStatus `gorm:"type:varchar(20);index;not null;default:'queued'" json:"status"`

	// 摘要
	KitCount   int    `gorm:"default:0" json:"kit_count"`
	URLCount   int    `gorm:"default:0" json:"url_count"`
	Packed     bool   `gorm:"default:false" json:"packed"`
	PackerName string `gorm:"type:varchar(100)" json:"packer_name,omitempty"`

	// 完整报告
	KitsJSON   string `gorm:"type:text" json:"-"`
	ReportJSON string `gorm:"type:mediumtext" json:"-"`

	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
	DurationMS   int64      `gorm:"default:0" json:"duration_ms"`
	AnalyzedAt   *time.Time `json:"analyzed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (SampleReport) TableName() string {
	return "sample_reports"
}

// NewSampleReport 由分析结果构建报告记录
func NewSampleReport(rep *analysis.Report) (*SampleReport, error) {
	data, err := json.Marshal(rep)
	if err != nil {
		return nil, fmt.Errorf("marshal report %s: %w", rep.SampleID, err)
	}
	kits, err := json.Marshal(rep.Kits)
	if err != nil {
		return nil, fmt.Errorf("marshal kits %s: %w", rep.SampleID, err)
	}

	analyzedAt := rep.StartedAt.Add(time.Duration(rep.DurationMS) * time.Millisecond)
	sr := &SampleReport{
		SampleID:   rep.SampleID,
		Name:       rep.Name,
		SHA256:     rep.SHA256,
		Root:       rep.Root,
		Status:     AnalysisStatusCompleted,
		KitCount:   len(rep.Kits),
		URLCount:   len(rep.Wide.Items(properties.PropURLs)),
		Packed:     rep.Smali.IsTrue(properties.PropPacked),
		KitsJSON:   string(kits),
		ReportJSON: string(data),
		DurationMS: rep.DurationMS,
		AnalyzedAt: &analyzedAt,
	}
	if rep.Packer != nil && rep.Packer.IsPacked {
		sr.Packed = true
		sr.PackerName = rep.Packer.PackerName
	}
	return sr, nil
}

// Report 解析完整报告；尚未完成的记录返回 nil
func (s *SampleReport) Report() (*analysis.Report, error) {
	if s.ReportJSON == "" {
		return nil, nil
	}
	var rep analysis.Report
	if err := json.Unmarshal([]byte(s.ReportJSON), &rep); err != nil {
		return nil, fmt.Errorf("unmarshal report %s: %w", s.SampleID, err)
	}
	return &rep, nil
}

// Kits 检测到的第三方 SDK 列表
func (s *SampleReport) Kits() []string {
	if s.KitsJSON == "" {
		return nil
	}
	var kits []string
	if err := json.Unmarshal([]byte(s.KitsJSON), &kits); err != nil {
		return nil
	}
	return kits
}

// Sample 还原待分析样本，用于重启后重新投递
func (s *SampleReport) Sample() analysis.Sample {
	return analysis.Sample{
		ID:     s.SampleID,
		Name:   s.Name,
		SHA256: s.SHA256,
		Root:   s.Root,
	}
}
