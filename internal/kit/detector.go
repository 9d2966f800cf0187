package kit

import (
	"context"
	"io/fs"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/iter"

	"github.com/apk-analysis/droidscan/internal/rules"
	"github.com/apk-analysis/droidscan/internal/scanner"
)

// Detector 基于目录路径识别第三方 SDK
type Detector struct {
	workers int
	logger  *logrus.Logger
}

// NewDetector 创建检测器，workers 为并发检查规则段的 goroutine 数
func NewDetector(logger *logrus.Logger, workers int) *Detector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Detector{workers: workers, logger: logger}
}

// Detect 返回在 root 下检测到的 SDK 名称（按规则集顺序）
// 每个规则段按候选顺序检查，某个候选是任一目录路径的子串即判定存在，不再检查后续候选
func (d *Detector) Detect(ctx context.Context, root string, corpus *rules.Corpus) []string {
	return d.DetectDirs(ctx, []string{root}, corpus)
}

// DetectDirs 同 Detect，目录来自多个根（如多 DEX 的各个 smali 目录）
func (d *Detector) DetectDirs(ctx context.Context, roots []string, corpus *rules.Corpus) []string {
	if corpus == nil || corpus.Len() == 0 {
		return nil
	}

	var dirs []string
	for _, root := range roots {
		dirs = append(dirs, d.listDirs(ctx, root)...)
	}
	if len(dirs) == 0 {
		return nil
	}

	sections := corpus.Sections()
	mapper := iter.Mapper[string, bool]{MaxGoroutines: d.workers}
	found := mapper.Map(sections, func(name *string) bool {
		return d.sectionPresent(ctx, *name, corpus.PatternsOf(*name), dirs)
	})

	var detected []string
	for i, ok := range found {
		if ok {
			detected = append(detected, sections[i])
		}
	}

	d.logger.WithFields(logrus.Fields{
		"roots":    len(roots),
		"detected": len(detected),
	}).Debug("Kit detection finished")
	return detected
}

func (d *Detector) sectionPresent(ctx context.Context, name string, patterns []string, dirs []string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		for _, dir := range dirs {
			if ctx.Err() != nil {
				return false
			}
			if strings.Contains(dir, p) {
				d.logger.WithFields(logrus.Fields{"kit": name, "pattern": p}).Debug("Kit detected")
				return true
			}
		}
	}
	return false
}

// listDirs 收集 root 及其下所有目录的完整路径（斜杠分隔），不可读的子目录跳过
func (d *Detector) listDirs(ctx context.Context, root string) []string {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			d.logger.WithError(err).WithField("path", path).Warn("Failed to walk directory, skipped")
			if entry != nil && entry.IsDir() && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			dirs = append(dirs, filepath.ToSlash(path))
		}
		return nil
	})
	if err != nil {
		d.logger.WithError(err).WithField("root", root).Warn("Kit detection walk aborted")
	}
	return dirs
}

// Exclusions 将检测到的 SDK 的全部候选转成扫描排除集合
func Exclusions(detected []string, corpus *rules.Corpus, logger *logrus.Logger) *scanner.ExclusionSet {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var entries []string
	for _, name := range detected {
		for _, p := range corpus.PatternsOf(name) {
			if p == "" {
				logger.WithField("kit", name).Warn("Empty pattern in kit rules, ignored")
				continue
			}
			entries = append(entries, p)
		}
	}
	return scanner.NewExclusionSet(entries...)
}
