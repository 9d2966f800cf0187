package analysis

import (
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/droidscan/internal/scanner"
	"github.com/apk-analysis/droidscan/internal/utils"
)

// MatchDetail details.jsonl 中的一行
type MatchDetail struct {
	Category   string `json:"category"`
	Key        string `json:"key"`
	File       string `json:"file"`
	LineNumber int    `json:"line_number"`
	Line       string `json:"line"`
}

type detailsDump struct {
	w      *utils.StreamJSONLWriter
	log    *logrus.Entry
	failed bool // 首次写失败后不再写
}

func newDetailsDump(root string, log *logrus.Entry) (*detailsDump, error) {
	w, err := utils.NewStreamJSONLWriter(filepath.Join(root, DetailsFileName))
	if err != nil {
		return nil, err
	}
	return &detailsDump{w: w, log: log}, nil
}

// write 按命中文本输出全部记录，文件路径相对样本目录；nil 时不做任何事
func (d *detailsDump) write(category, root string, index *scanner.MatchIndex) {
	if d == nil || d.failed {
		return
	}
	for _, key := range index.Keys() {
		for _, rec := range index.Get(key) {
			file := rec.File
			if rel, err := filepath.Rel(root, rec.File); err == nil {
				file = filepath.ToSlash(rel)
			}
			err := d.w.WriteLine(MatchDetail{
				Category:   category,
				Key:        key,
				File:       file,
				LineNumber: rec.LineNumber,
				Line:       rec.LineText(),
			})
			// 写失败不影响分析结果
			if err != nil {
				d.failed = true
				d.log.WithError(err).WithField("category", category).Warn("Failed to write match details, giving up")
				return
			}
		}
	}
}

func (d *detailsDump) Close() error {
	return d.w.Close()
}

// ReadDetails 读取 details.jsonl
func ReadDetails(path string) ([]MatchDetail, error) {
	var out []MatchDetail
	err := utils.ReadJSONLFile(path, func(item MatchDetail) error {
		out = append(out, item)
		return nil
	})
	return out, err
}
