package packer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// 命中阈值
const detectThreshold = 0.4

// Detector 壳检测器，基于解包后的目录树
type Detector struct {
	rules   []PackerRule
	markers []string
	logger  *logrus.Logger
}

// NewDetector 创建壳检测器
func NewDetector(logger *logrus.Logger) *Detector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	rules := GetBuiltinRules()
	// 按优先级降序排序
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	// 可疑文件：通用加固关键字加上各规则的特征片段
	markers := append([]string{}, suspiciousPatterns...)
	for _, r := range rules {
		for _, str := range r.Strings {
			markers = append(markers, strings.ToLower(str))
		}
	}

	return &Detector{
		rules:   rules,
		markers: markers,
		logger:  logger,
	}
}

// Detect 检测解包目录是否带有已知加固特征
func (d *Detector) Detect(ctx context.Context, root string, smaliDirs []string) *PackerInfo {
	result := &PackerInfo{Indicators: []string{}}

	stats, err := d.collectTreeStats(ctx, root)
	if err != nil {
		d.logger.WithError(err).WithField("root", root).Warn("Failed to collect packer stats")
		return result
	}

	d.logger.WithFields(logrus.Fields{
		"native_libs": len(stats.NativeLibs),
		"dex_size":    stats.DEXSize,
		"native_size": stats.NativeSize,
		"dex_count":   stats.DEXCount,
		"suspicious":  len(stats.SuspiciousFiles),
	}).Debug("Packer stats collected")

	for _, rule := range d.rules {
		confidence, indicators := d.matchRule(rule, stats, smaliDirs)
		if confidence < detectThreshold {
			continue
		}

		result.IsPacked = true
		result.PackerName = rule.Name
		result.PackerType = rule.Type
		result.Confidence = min(confidence, 1.0)
		result.Indicators = indicators

		d.logger.WithFields(logrus.Fields{
			"packer_name": result.PackerName,
			"packer_type": result.PackerType,
			"confidence":  result.Confidence,
			"indicators":  result.Indicators,
		}).Info("Packer detected")
		return result
	}

	d.logger.Debug("No packer detected")
	return result
}

// collectTreeStats 遍历目录收集 Native 库、DEX 与可疑文件，smali 目录不展开
func (d *Detector) collectTreeStats(ctx context.Context, root string) (*TreeStats, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, err
	}

	stats := &TreeStats{}
	dexSizes := make(map[string]int64)

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if entry.IsDir() {
			if strings.HasPrefix(entry.Name(), "smali") && path != root {
				return filepath.SkipDir
			}
			return nil
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			return nil
		}
		name := entry.Name()

		if strings.HasSuffix(name, ".so") && (strings.HasPrefix(rel, "lib/") || strings.Contains(rel, "/lib/")) {
			stats.NativeLibs = append(stats.NativeLibs, name)
			stats.NativeSize += info.Size()
		}

		// unzipped/ 下的 DEX 与根目录副本只计一次
		if strings.HasSuffix(name, ".dex") && info.Size() > dexSizes[name] {
			dexSizes[name] = info.Size()
		}

		if d.isSuspiciousFile(rel) {
			stats.SuspiciousFiles = append(stats.SuspiciousFiles, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, size := range dexSizes {
		stats.DEXSize += size
	}
	stats.DEXCount = len(dexSizes)
	return stats, nil
}

// matchRule 匹配单个规则
func (d *Detector) matchRule(rule PackerRule, stats *TreeStats, smaliDirs []string) (float64, []string) {
	confidence := 0.0
	indicators := []string{}

	for _, ruleLib := range rule.NativeLibs {
		for _, lib := range stats.NativeLibs {
			if d.matchLibName(ruleLib, lib) {
				confidence += 0.4
				indicators = append(indicators, "native_lib:"+lib)
			}
		}
	}

	for _, class := range rule.ClassNames {
		if classPresent(smaliDirs, class) {
			confidence += 0.4
			indicators = append(indicators, "class:"+class)
		}
	}

	if rule.FileSize.DEXMaxKB > 0 && stats.DEXSize > 0 && stats.DEXSize/1024 < rule.FileSize.DEXMaxKB {
		confidence += 0.3
		indicators = append(indicators, "dex_size_anomaly")
	}

	if rule.FileSize.NativeMinMB > 0 && stats.NativeSize/(1024*1024) > rule.FileSize.NativeMinMB {
		confidence += 0.3
		indicators = append(indicators, "native_size_anomaly")
	}

	for _, suspFile := range stats.SuspiciousFiles {
		for _, ruleStr := range rule.Strings {
			if strings.Contains(strings.ToLower(suspFile), strings.ToLower(ruleStr)) {
				confidence += 0.2
				indicators = append(indicators, "suspicious_file:"+suspFile)
			}
		}
	}

	return confidence, indicators
}

// matchLibName 匹配库名（忽略版本后缀，如 libshellx-2.10.3.4.so）
func (d *Detector) matchLibName(pattern, name string) bool {
	if pattern == name {
		return true
	}

	patternBase := strings.TrimSuffix(pattern, ".so")
	nameBase := strings.TrimSuffix(name, ".so")
	if strings.HasPrefix(nameBase, patternBase) {
		return true
	}

	patternCore := strings.Split(strings.TrimPrefix(patternBase, "lib"), "-")[0]
	nameCore := strings.Split(strings.TrimPrefix(nameBase, "lib"), "-")[0]
	return patternCore != "" && patternCore == nameCore
}

var suspiciousPatterns = []string{
	// 加固相关
	"stub",
	"shell",
	"protect",
	"guard",
	"jiagu",
	"secneo",
	"ijiami",
	"bangcle",
	"nagapt",
	// 可疑资源
	"assets/classes",
	"assets/dex",
}

// isSuspiciousFile 检查是否为可疑文件
func (d *Detector) isSuspiciousFile(rel string) bool {
	nameLower := strings.ToLower(rel)
	for _, pattern := range d.markers {
		if strings.Contains(nameLower, pattern) {
			return true
		}
	}
	return false
}

func classPresent(smaliDirs []string, class string) bool {
	rel := filepath.Join(strings.Split(class, ".")...) + ".smali"
	for _, dir := range smaliDirs {
		if _, err := os.Stat(filepath.Join(dir, rel)); err == nil {
			return true
		}
	}
	return false
}

// Summary 检测摘要
func Summary(info *PackerInfo) string {
	if info == nil || !info.IsPacked {
		return "no packer detected"
	}
	return info.PackerName + " (" + info.PackerType + ")"
}
