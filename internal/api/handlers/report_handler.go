package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/apk-analysis/droidscan/internal/domain"
	"github.com/apk-analysis/droidscan/internal/repository"
	"github.com/apk-analysis/droidscan/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ReportHandler 分析报告与提交接口
type ReportHandler struct {
	svc    service.AnalysisService
	logger *logrus.Logger
}

// NewReportHandler 创建处理器
func NewReportHandler(svc service.AnalysisService, logger *logrus.Logger) *ReportHandler {
	return &ReportHandler{svc: svc, logger: logger}
}

// reportSummary 列表项
type reportSummary struct {
	SampleID     string                `json:"sample_id"`
	Name         string                `json:"name"`
	SHA256       string                `json:"sha256,omitempty"`
	Status       domain.AnalysisStatus `json:"status"`
	Kits         []string              `json:"kits"`
	KitCount     int                   `json:"kit_count"`
	URLCount     int                   `json:"url_count"`
	Packed       bool                  `json:"packed"`
	PackerName   string                `json:"packer_name,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
	DurationMS   int64                 `json:"duration_ms"`
	UpdatedAt    string                `json:"updated_at"`
}

func toSummary(r *domain.SampleReport) reportSummary {
	kits := r.Kits()
	if kits == nil {
		kits = []string{}
	}
	return reportSummary{
		SampleID:     r.SampleID,
		Name:         r.Name,
		SHA256:       r.SHA256,
		Status:       r.Status,
		Kits:         kits,
		KitCount:     r.KitCount,
		URLCount:     r.URLCount,
		Packed:       r.Packed,
		PackerName:   r.PackerName,
		ErrorMessage: r.ErrorMessage,
		DurationMS:   r.DurationMS,
		UpdatedAt:    r.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

// ListReports 报告列表
// GET /api/reports?status=completed&name=foo&limit=50&offset=0
func (h *ReportHandler) ListReports(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	reports, total, err := h.svc.ListReports(c.Request.Context(), repository.ListFilter{
		Status: domain.AnalysisStatus(c.Query("status")),
		Name:   c.Query("name"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list reports"})
		return
	}

	items := make([]reportSummary, 0, len(reports))
	for i := range reports {
		items = append(items, toSummary(&reports[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"total": total,
		"items": items,
	})
}

// GetReport 单个样本报告（含完整分析结果）
// GET /api/reports/:id
func (h *ReportHandler) GetReport(c *gin.Context) {
	id := c.Param("id")

	record, err := h.svc.GetReport(c.Request.Context(), id)
	if errors.Is(err, repository.ErrReportNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("sample_id", id).Error("Failed to get report")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get report"})
		return
	}

	full, err := record.Report()
	if err != nil {
		h.logger.WithError(err).WithField("sample_id", id).Error("Stored report is corrupt")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stored report is corrupt"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"summary": toSummary(record),
		"report":  full,
	})
}

// DeleteReport 删除报告
// DELETE /api/reports/:id
func (h *ReportHandler) DeleteReport(c *gin.Context) {
	id := c.Param("id")

	err := h.svc.DeleteReport(c.Request.Context(), id)
	if errors.Is(err, repository.ErrReportNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete report"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SubmitAnalysis 提交样本目录
// POST /api/analyses {"root": "/data/unpacked/app"}
func (h *ReportHandler) SubmitAnalysis(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sample, err := h.svc.Submit(c.Request.Context(), req)
	if errors.Is(err, service.ErrInvalidSample) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"sample_id": sample.ID,
		"name":      sample.Name,
		"status":    domain.AnalysisStatusQueued,
	})
}
