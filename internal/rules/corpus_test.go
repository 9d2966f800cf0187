package rules

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smaliConf = `[dex_class_loader]
pattern=Ldalvik/system/DexClassLoader;
description=Dynamically loads a DEX file

[send_sms]
pattern=sendTextMessage|sendMultipartTextMessage

[url]
pattern=http[s]*://[a-zA-Z0-9.\-/_?=&%]*
description=URL
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestParseINI 测试解析 INI 规则文件
func TestParseINI(t *testing.T) {
	c, err := ParseINI("smali", []byte(smaliConf))
	require.NoError(t, err)

	assert.Equal(t, []string{"dex_class_loader", "send_sms", "url"}, c.Sections())
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, []string{"sendTextMessage", "sendMultipartTextMessage"}, c.PatternsOf("send_sms"))
	assert.Equal(t, []string{`http[s]*://[a-zA-Z0-9.\-/_?=&%]*`}, c.PatternsOf("url"))

	desc := c.DescriptionOf("dex_class_loader")
	require.NotNil(t, desc)
	assert.Equal(t, "Dynamically loads a DEX file", *desc)
	assert.Nil(t, c.DescriptionOf("send_sms"))
	assert.Nil(t, c.DescriptionOf("nope"))
	assert.Nil(t, c.PatternsOf("nope"))
}

// TestParseINI_MissingPattern 测试缺少 pattern 的规则段
func TestParseINI_MissingPattern(t *testing.T) {
	_, err := ParseINI("smali", []byte("[broken]\ndescription=no pattern here\n"))
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "broken", cfgErr.Section)
	assert.Equal(t, "missing pattern", cfgErr.Reason)
}

// TestParseINI_EmptyPattern 测试空 pattern
func TestParseINI_EmptyPattern(t *testing.T) {
	_, err := ParseINI("smali", []byte("[empty]\npattern=\n"))

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "empty", cfgErr.Section)
}

// TestParseINI_NoInterpolation 测试不做变量插值与行内注释处理
func TestParseINI_NoInterpolation(t *testing.T) {
	c, err := ParseINI("wide", []byte("[fmt]\npattern=%(name)s ; not a comment\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"%(name)s ; not a comment"}, c.PatternsOf("fmt"))
}

// TestParseINI_Duplicate 测试重复规则段不会被合并
func TestParseINI_Duplicate(t *testing.T) {
	_, err := ParseINI("kit", []byte("[a]\npattern=x\n\n[b]\npattern=y\n\n[a]\npattern=z\n"))

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "a", cfgErr.Section)
	assert.Equal(t, "duplicate section", cfgErr.Reason)
}

// TestParseINI_KeyCase 测试字段名不区分大小写
func TestParseINI_KeyCase(t *testing.T) {
	c, err := ParseINI("smali", []byte("[a]\nPattern=x|y\nDESCRIPTION=mixed case\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, c.PatternsOf("a"))

	desc := c.DescriptionOf("a")
	require.NotNil(t, desc)
	assert.Equal(t, "mixed case", *desc)
}

func TestParseYAML(t *testing.T) {
	doc := `
sections:
  - name: vendorsdk
    pattern: com/vendorsdk|Lcom/vendorsdk
    description: Vendor SDK
  - name: other
    pattern: org/other
`
	c, err := ParseYAML("kit", []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, []string{"vendorsdk", "other"}, c.Sections())
	assert.Equal(t, []string{"com/vendorsdk", "Lcom/vendorsdk"}, c.PatternsOf("vendorsdk"))
	assert.Nil(t, c.DescriptionOf("other"))
}

func TestParseYAML_Duplicate(t *testing.T) {
	doc := `
sections:
  - name: a
    pattern: x
  - name: a
    pattern: y
`
	_, err := ParseYAML("kit", []byte(doc))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "duplicate section", cfgErr.Reason)
}

// TestLoad 测试按扩展名加载
func TestLoad(t *testing.T) {
	dir := t.TempDir()

	c, err := Load(writeFile(t, dir, "smali.conf", smaliConf))
	require.NoError(t, err)
	assert.Equal(t, "smali", c.Category)

	y, err := Load(writeFile(t, dir, "kit.yaml", "sections:\n  - name: k\n    pattern: com/k\n"))
	require.NoError(t, err)
	assert.Equal(t, "kit", y.Category)
	assert.Equal(t, []string{"k"}, y.Sections())

	_, err = Load(filepath.Join(dir, "missing.conf"))
	assert.Error(t, err)
}

// TestPatternsNeverEmpty 测试所有规则段的候选模式非空
func TestPatternsNeverEmpty(t *testing.T) {
	c, err := ParseINI("smali", []byte(smaliConf))
	require.NoError(t, err)
	for _, name := range c.Sections() {
		assert.NotEmpty(t, c.PatternsOf(name), name)
	}
}

// TestIsGenericMatch 测试通用模式判定
func TestIsGenericMatch(t *testing.T) {
	c, err := NewCorpus("kit", []RuleSection{
		{Name: "exact", Pattern: "sig/sub|other/thing"},
		{Name: "short", Pattern: "com/ads"},
	})
	require.NoError(t, err)

	assert.True(t, c.IsGenericMatch("sig/sub"))
	assert.True(t, c.IsGenericMatch("other/thing"))
	assert.True(t, c.IsGenericMatch("com/ads/banner"))
	assert.False(t, c.IsGenericMatch("sig"))
	assert.False(t, c.IsGenericMatch("org/unrelated"))
}

func TestCombinedAlternation(t *testing.T) {
	c, err := ParseINI("smali", []byte(smaliConf))
	require.NoError(t, err)

	combined := c.CombinedAlternation()
	assert.Contains(t, combined, "Ldalvik/system/DexClassLoader;")
	assert.Contains(t, combined, "sendTextMessage|sendMultipartTextMessage")

	re, err := c.Compile()
	require.NoError(t, err)
	assert.Equal(t, "sendMultipartTextMessage", re.FindString("invoke sendMultipartTextMessage(...)"))
}

func TestCompile_Invalid(t *testing.T) {
	c, err := NewCorpus("wide", []RuleSection{{Name: "bad", Pattern: "(unclosed"}})
	require.NoError(t, err)

	_, err = c.Compile()
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)

	_, err = c.SectionRegexp("bad")
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "bad", cfgErr.Section)

	_, err = c.SectionRegexp("unknown")
	assert.Error(t, err)
}

// TestLoadCorpora 测试加载全部规则集
func TestLoadCorpora(t *testing.T) {
	dir := t.TempDir()
	paths := Paths{
		Kit:   writeFile(t, dir, "kit.conf", "[vendorsdk]\npattern=vendorsdk\n"),
		Smali: writeFile(t, dir, "smali.conf", smaliConf),
		Wide:  writeFile(t, dir, "wide.conf", "[url]\npattern=http[s]*://[a-z./]*\n"),
	}

	cs, err := LoadCorpora(paths)
	require.NoError(t, err)
	assert.Equal(t, CategoryKit, cs.Kit.Category)
	assert.Equal(t, CategorySmali, cs.Smali.Category)
	assert.Nil(t, cs.Arm)

	paths.Wide = ""
	_, err = LoadCorpora(paths)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
