package scanner

import (
	"path/filepath"
	"regexp"
	"strings"
)

type exclusion struct {
	raw string
	re  *regexp.Regexp
}

// ExclusionSet 扫描时需要跳过的路径片段
// 条目既作为正则在路径中搜索，也作为普通子串比较，任一命中即排除
type ExclusionSet struct {
	entries []exclusion
}

// NewExclusionSet 创建排除集合，空条目会被忽略
func NewExclusionSet(entries ...string) *ExclusionSet {
	return (&ExclusionSet{}).With(entries...)
}

// With 返回追加了新条目的副本
func (e *ExclusionSet) With(entries ...string) *ExclusionSet {
	out := &ExclusionSet{}
	if e != nil {
		out.entries = append(out.entries, e.entries...)
	}
	for _, raw := range entries {
		if raw == "" {
			continue
		}
		ex := exclusion{raw: raw}
		// 非法正则仍按子串生效
		if re, err := regexp.Compile(raw); err == nil {
			ex.re = re
		}
		out.entries = append(out.entries, ex)
	}
	return out
}

// Entries 原始条目
func (e *ExclusionSet) Entries() []string {
	if e == nil {
		return nil
	}
	out := make([]string, len(e.entries))
	for i, ex := range e.entries {
		out[i] = ex.raw
	}
	return out
}

// Len 条目数量
func (e *ExclusionSet) Len() int {
	if e == nil {
		return 0
	}
	return len(e.entries)
}

// IsExcluded 判断路径是否被排除（文件与目录同样适用）
func (e *ExclusionSet) IsExcluded(path string) bool {
	if e == nil {
		return false
	}
	p := filepath.ToSlash(path)
	for _, ex := range e.entries {
		if strings.Contains(p, ex.raw) {
			return true
		}
		if ex.re != nil && ex.re.MatchString(p) {
			return true
		}
	}
	return false
}
