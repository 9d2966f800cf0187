package analysis

import (
	"time"

	"github.com/apk-analysis/droidscan/internal/dex"
	"github.com/apk-analysis/droidscan/internal/packer"
	"github.com/apk-analysis/droidscan/internal/properties"
	"github.com/apk-analysis/droidscan/internal/scanner"
)

// Sample 待分析样本：一个已由外部工具解包/反汇编的目录
type Sample struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SHA256       string `json:"sha256,omitempty"`
	Root         string `json:"root"`                    // 解包输出目录
	MainActivity string `json:"main_activity,omitempty"` // 清单中的入口类，由外部解析
	DexPath      string `json:"dex_path,omitempty"`      // 为空时在 Root 下查找 classes.dex
}

// FileStats smali 目录统计
type FileStats struct {
	Dirs    int `json:"file_nb_dir"`
	Classes int `json:"file_nb_classes"`
}

// EmbeddedFile 资源目录中嵌入的可执行文件或安装包
type EmbeddedFile struct {
	Path string `json:"path"`
	Kind string `json:"kind"` // arm / apk
	MIME string `json:"mime"`
}

// Report 单个样本的分析结果
type Report struct {
	SampleID   string                   `json:"sample_id"`
	Name       string                   `json:"sanitized_basename"`
	SHA256     string                   `json:"sha256,omitempty"`
	Root       string                   `json:"root"`
	Files      FileStats                `json:"file_stats"`
	Kits       []string                 `json:"kits"`
	Smali      properties.Record        `json:"smali_properties"`
	Wide       properties.Record        `json:"wide_properties"`
	Arm        properties.Record        `json:"arm_properties"`
	Dex        *dex.HeaderFacts         `json:"dex_properties"`
	Packer     *packer.PackerInfo       `json:"packer"`
	Embedded   []EmbeddedFile           `json:"embedded,omitempty"`
	ScanStats  map[string]scanner.Stats `json:"scan_stats"`
	StartedAt  time.Time                `json:"started_at"`
	DurationMS int64                    `json:"duration_ms"`
}

// MetricsRecorder 分析过程指标
type MetricsRecorder interface {
	ObserveScan(category string, stats scanner.Stats, elapsed time.Duration)
	ObserveAnalysis(kits int, elapsed time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) ObserveScan(string, scanner.Stats, time.Duration) {}
func (nopRecorder) ObserveAnalysis(int, time.Duration, error)       {}
