package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// PatternKey 规则段中模式字段名
const PatternKey = "pattern"

// DescriptionKey 规则段中描述字段名
const DescriptionKey = "description"

// RuleSection 一条指标规则（名称 + 若干 | 分隔的候选模式 + 可选描述）
type RuleSection struct {
	Name        string
	Pattern     string // 原始模式串，候选之间以 | 分隔
	Patterns    []string
	Description *string
}

// Corpus 一类规则的有序集合（kit / smali / wide / arm）
type Corpus struct {
	Category string
	sections []RuleSection
	index    map[string]int
}

// NewCorpus 由已解析的规则段构建规则集，校验名称与模式
func NewCorpus(category string, sections []RuleSection) (*Corpus, error) {
	c := &Corpus{
		Category: category,
		sections: make([]RuleSection, 0, len(sections)),
		index:    make(map[string]int, len(sections)),
	}

	for _, s := range sections {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, &ConfigError{Category: category, Reason: "section without a name"}
		}
		if _, dup := c.index[name]; dup {
			return nil, &ConfigError{Category: category, Section: name, Reason: "duplicate section"}
		}
		if strings.TrimSpace(s.Pattern) == "" {
			return nil, &ConfigError{Category: category, Section: name, Reason: "empty pattern"}
		}

		section := RuleSection{
			Name:     name,
			Pattern:  s.Pattern,
			Patterns: strings.Split(s.Pattern, "|"),
		}
		if s.Description != nil {
			desc := *s.Description
			section.Description = &desc
		}

		c.index[name] = len(c.sections)
		c.sections = append(c.sections, section)
	}

	return c, nil
}

// Load 从文件加载规则集，按扩展名选择 INI 或 YAML 格式
func Load(path string) (*Corpus, error) {
	category := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule corpus %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(category, data)
	default:
		return ParseINI(category, data)
	}
}

// ParseINI 解析 configparser 风格的规则文件
// 不支持行内注释与变量插值；字段名不区分大小写；重复的规则段视为错误
func ParseINI(category string, data []byte) (*Corpus, error) {
	file, err := ini.LoadSources(ini.LoadOptions{
		InsensitiveKeys:            true,
		AllowNonUniqueSections:     true,
		IgnoreInlineComment:        true,
		IgnoreContinuation:         true,
		AllowPythonMultilineValues: true,
		PreserveSurroundedQuote:    true,
	}, data)
	if err != nil {
		return nil, &ConfigError{Category: category, Reason: "malformed ini", Err: err}
	}

	var sections []RuleSection
	for _, sec := range file.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		if !sec.HasKey(PatternKey) {
			return nil, &ConfigError{Category: category, Section: sec.Name(), Reason: "missing pattern"}
		}

		rs := RuleSection{
			Name:    sec.Name(),
			Pattern: sec.Key(PatternKey).Value(),
		}
		if sec.HasKey(DescriptionKey) {
			desc := sec.Key(DescriptionKey).Value()
			rs.Description = &desc
		}
		sections = append(sections, rs)
	}

	return NewCorpus(category, sections)
}

type yamlCorpus struct {
	Sections []struct {
		Name        string  `yaml:"name"`
		Pattern     string  `yaml:"pattern"`
		Description *string `yaml:"description"`
	} `yaml:"sections"`
}

// ParseYAML 解析 YAML 格式的规则文件
func ParseYAML(category string, data []byte) (*Corpus, error) {
	var doc yamlCorpus
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Category: category, Reason: "malformed yaml", Err: err}
	}

	sections := make([]RuleSection, 0, len(doc.Sections))
	for _, s := range doc.Sections {
		sections = append(sections, RuleSection{
			Name:        s.Name,
			Pattern:     s.Pattern,
			Description: s.Description,
		})
	}

	return NewCorpus(category, sections)
}

// Sections 返回规则段名称（保持加载顺序）
func (c *Corpus) Sections() []string {
	names := make([]string, len(c.sections))
	for i, s := range c.sections {
		names[i] = s.Name
	}
	return names
}

// Len 规则段数量
func (c *Corpus) Len() int {
	return len(c.sections)
}

// Section 按名称查找规则段
func (c *Corpus) Section(name string) (RuleSection, bool) {
	i, ok := c.index[name]
	if !ok {
		return RuleSection{}, false
	}
	return c.sections[i], true
}

// PatternsOf 返回规则段的候选模式；未知规则段返回 nil
func (c *Corpus) PatternsOf(name string) []string {
	s, ok := c.Section(name)
	if !ok {
		return nil
	}
	out := make([]string, len(s.Patterns))
	copy(out, s.Patterns)
	return out
}

// DescriptionOf 返回规则段描述，未配置时为 nil
func (c *Corpus) DescriptionOf(name string) *string {
	s, ok := c.Section(name)
	if !ok || s.Description == nil {
		return nil
	}
	desc := *s.Description
	return &desc
}

// IsGenericMatch 判断候选模式是否已被现有规则覆盖：
// 与某个候选完全相同，或某个非空候选是它的子串
func (c *Corpus) IsGenericMatch(candidate string) bool {
	for _, s := range c.sections {
		for _, p := range s.Patterns {
			if p == candidate {
				return true
			}
			if p != "" && strings.Contains(candidate, p) {
				return true
			}
		}
	}
	return false
}

// CombinedAlternation 将所有规则段的原始模式串以 | 拼接，用于单次扫描
func (c *Corpus) CombinedAlternation() string {
	parts := make([]string, len(c.sections))
	for i, s := range c.sections {
		parts[i] = s.Pattern
	}
	return strings.Join(parts, "|")
}

// Compile 编译合并后的正则
func (c *Corpus) Compile() (*regexp.Regexp, error) {
	re, err := regexp.Compile(c.CombinedAlternation())
	if err != nil {
		return nil, &ConfigError{Category: c.Category, Reason: "invalid combined pattern", Err: err}
	}
	return re, nil
}

// SectionRegexp 编译单个规则段的正则
func (c *Corpus) SectionRegexp(name string) (*regexp.Regexp, error) {
	s, ok := c.Section(name)
	if !ok {
		return nil, &ConfigError{Category: c.Category, Section: name, Reason: "unknown section"}
	}
	re, err := regexp.Compile(s.Pattern)
	if err != nil {
		return nil, &ConfigError{Category: c.Category, Section: name, Reason: "invalid pattern", Err: err}
	}
	return re, nil
}
