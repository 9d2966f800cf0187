package analysis

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"hash/adler32"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/droidscan/internal/properties"
	"github.com/apk-analysis/droidscan/internal/rules"
	"github.com/apk-analysis/droidscan/internal/scanner"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func corpus(t *testing.T, category string, sections ...rules.RuleSection) *rules.Corpus {
	t.Helper()
	c, err := rules.NewCorpus(category, sections)
	require.NoError(t, err)
	return c
}

func testCorpora(t *testing.T) *rules.Corpora {
	return &rules.Corpora{
		Kit: corpus(t, rules.CategoryKit,
			rules.RuleSection{Name: "absent", Pattern: "org/absent"},
			rules.RuleSection{Name: "vendorsdk", Pattern: "com/vendorsdk"},
		),
		Smali: corpus(t, rules.CategorySmali,
			rules.RuleSection{Name: "dex_class_loader", Pattern: "Ldalvik/system/DexClassLoader;"},
			rules.RuleSection{Name: "dex_file", Pattern: "Ldalvik/system/DexFile;"},
			rules.RuleSection{Name: "device_id", Pattern: "getDeviceId"},
			rules.RuleSection{Name: "android_id", Pattern: `const-string v[0-9]*, "android_id"`},
		),
		Wide: corpus(t, rules.CategoryWide,
			rules.RuleSection{Name: "url", Pattern: `http[s]*://[a-zA-Z0-9./_?=-]*`},
			rules.RuleSection{Name: "has_phonenumbers", Pattern: "tel:"},
			rules.RuleSection{Name: "phone_number", Pattern: `\+[0-9]{11,17}`},
			rules.RuleSection{Name: "pm_install", Pattern: "pm install"},
		),
		Arm: corpus(t, rules.CategoryArm,
			rules.RuleSection{Name: "url_in_exec", Pattern: `http[s]*://[a-zA-Z0-9./_-]*`},
			rules.RuleSection{Name: "su", Pattern: "/system/xbin/su"},
		),
	}
}

func write(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// armELF 构造最小的 AArch64 ELF 头并附带字符串
func armELF(extra string) []byte {
	hdr := make([]byte, 64)
	copy(hdr, "\x7fELF")
	hdr[4] = 2 // 64 位
	hdr[5] = 1 // 小端
	hdr[6] = 1
	binary.LittleEndian.PutUint16(hdr[16:], 3)   // ET_DYN
	binary.LittleEndian.PutUint16(hdr[18:], 183) // EM_AARCH64
	binary.LittleEndian.PutUint32(hdr[20:], 1)
	binary.LittleEndian.PutUint16(hdr[52:], 64)
	return append(hdr, []byte("\x00\x00"+extra+"\x00\x00")...)
}

func validDex() []byte {
	buf := make([]byte, 0x70+16)
	copy(buf, "dex\n035\x00")
	binary.LittleEndian.PutUint32(buf[36:], 0x70)
	sum := sha1.Sum(buf[32:])
	copy(buf[12:32], sum[:])
	binary.LittleEndian.PutUint32(buf[8:], adler32.Checksum(buf[12:]))
	return buf
}

func buildSample(t *testing.T) string {
	root := t.TempDir()
	write(t, root, "smali/com/sample/Main.smali", []byte(`.class public Lcom/sample/Main;
invoke-virtual {v0}, Landroid/telephony/TelephonyManager;->getDeviceId()Ljava/lang/String;
new-instance v1, Ldalvik/system/DexClassLoader;
const-string v1, "aGVsbG8="
const-string v2, "http://evil.example/x.apk"
const-string v3, "android_id"
`))
	write(t, root, "smali/com/vendorsdk/ads/Ad.smali", []byte(`invoke-virtual {v0}, Lx;->getDeviceId()V
const-string v0, "http://ads.vendorsdk.example/track"
`))
	write(t, root, "smali_classes2/com/sample/Extra.smali", []byte(`const-string v1, "aGVsbG8="
`))
	write(t, root, "res/values/strings.xml", []byte(`<resources>
    <string name="app_name">Sample App</string>
    <string name="support">tel:</string>
    <string name="hotline">+33612345678901</string>
    <string name="home">https://www.google.com/</string>
</resources>
`))
	write(t, root, "assets/payload.bin", armELF("http://c2.example/gate"))
	write(t, root, "unzipped/assets/ijiami.dat", []byte("x"))
	write(t, root, "unzipped/AndroidManifest.xml", []byte("pm install"))
	write(t, root, "classes.dex", validDex())
	return root
}

type recorder struct {
	scans    map[string]int
	analyses int
	lastErr  error
}

func (r *recorder) ObserveScan(category string, stats scanner.Stats, elapsed time.Duration) {
	r.scans[category]++
}

func (r *recorder) ObserveAnalysis(kits int, elapsed time.Duration, err error) {
	r.analyses++
	r.lastErr = err
}

// TestAnalyze_EndToEnd 测试完整分析流程
func TestAnalyze_EndToEnd(t *testing.T) {
	root := buildSample(t)
	rec := &recorder{scans: map[string]int{}}

	a, err := NewAnalyzer(testCorpora(t), quietLogger(), Options{Workers: 4, DumpDetails: true, Metrics: rec})
	require.NoError(t, err)

	rep, err := a.Analyze(context.Background(), Sample{
		ID:           "s1",
		Name:         "sample",
		Root:         root,
		MainActivity: "com.sample.Missing",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"vendorsdk"}, rep.Kits)
	assert.Equal(t, 4, rep.Files.Dirs)
	assert.Equal(t, 2, rep.Files.Classes)

	// smali
	assert.True(t, rep.Smali.IsTrue("dex_class_loader"))
	assert.True(t, rep.Smali.IsTrue("device_id"))
	assert.False(t, rep.Smali.IsTrue("dex_file"))
	assert.True(t, rep.Smali.IsTrue(properties.PropAndroidID))
	assert.True(t, rep.Smali.IsTrue(properties.PropPacked))
	assert.Equal(t, []string{"classes2.dex"}, rep.Smali.Items(properties.PropMultidex))

	// wide
	urls := rep.Wide.Items(properties.PropURLs)
	assert.Contains(t, urls, "http://evil.example/x.apk")
	assert.Contains(t, urls, "http://c2.example/gate")
	assert.NotContains(t, urls, "https://www.google.com/")
	assert.NotContains(t, urls, "http://ads.vendorsdk.example/track")
	assert.True(t, rep.Wide.IsTrue(properties.PropAPKZipURL))
	assert.True(t, rep.Wide.IsTrue("has_phonenumbers"))
	assert.Equal(t, []string{"+33612345678901"}, rep.Wide.Items(properties.PropPhoneNumbers))
	assert.Equal(t, []string{"hello"}, rep.Wide.Items(properties.PropBase64Strings))
	assert.True(t, rep.Wide.IsTrue(properties.PropIjiami))
	assert.True(t, rep.Wide.IsTrue(properties.PropEmbedExec))
	assert.False(t, rep.Wide.IsTrue("pm_install"), "unzipped/ is excluded from the wide pass")
	assert.Equal(t, "Sample App", rep.Wide[properties.PropAppName].String())

	// arm
	assert.True(t, rep.Arm.IsTrue(properties.PropURLInExec))
	assert.False(t, rep.Arm.IsTrue("su"))
	require.Len(t, rep.Embedded, 1)
	assert.Equal(t, EmbeddedARM, rep.Embedded[0].Kind)

	// dex
	require.NotNil(t, rep.Dex)
	assert.False(t, rep.Dex.BadSHA1)
	assert.False(t, rep.Dex.BadAdler32)
	require.NotNil(t, rep.Dex.MagicVersion)
	assert.Equal(t, 35, *rep.Dex.MagicVersion)

	require.NotNil(t, rep.Packer)
	assert.Equal(t, 1, rec.analyses)
	assert.NoError(t, rec.lastErr)
	assert.Equal(t, 2, rec.scans[rules.CategorySmali])
	assert.Equal(t, 1, rec.scans[rules.CategoryWide])

	details, err := ReadDetails(filepath.Join(root, DetailsFileName))
	require.NoError(t, err)
	require.NotEmpty(t, details)
	for _, d := range details {
		assert.NotContains(t, d.File, "com/vendorsdk")
	}
}

// TestAnalyze_NoKitException 测试关闭 SDK 排除
func TestAnalyze_NoKitException(t *testing.T) {
	root := buildSample(t)
	a, err := NewAnalyzer(testCorpora(t), quietLogger(), Options{NoKitException: true})
	require.NoError(t, err)

	rep, err := a.Analyze(context.Background(), Sample{ID: "s2", Root: root})
	require.NoError(t, err)

	assert.Equal(t, []string{"vendorsdk"}, rep.Kits)
	assert.Contains(t, rep.Wide.Items(properties.PropURLs), "http://ads.vendorsdk.example/track")
	assert.False(t, rep.Smali.IsTrue(properties.PropPacked), "no main activity given")
	assert.NoFileExists(t, filepath.Join(root, DetailsFileName))
}

// TestAnalyze_NoSmali 测试缺少 smali 目录时 smali 属性为未知
func TestAnalyze_NoSmali(t *testing.T) {
	root := t.TempDir()
	write(t, root, "res/values/strings.xml", []byte(`<resources><string name="x">https://c2.example/p</string></resources>`))

	a, err := NewAnalyzer(testCorpora(t), quietLogger(), Options{})
	require.NoError(t, err)

	rep, err := a.Analyze(context.Background(), Sample{ID: "s3", Root: root})
	require.NoError(t, err)

	assert.Empty(t, rep.Kits)
	for name, v := range rep.Smali {
		assert.Equal(t, properties.KindUnknown, v.Kind(), name)
	}
	assert.Equal(t, []string{"https://c2.example/p"}, rep.Wide.Items(properties.PropURLs))
	assert.Nil(t, rep.Dex)
	assert.Equal(t, properties.KindUnknown, rep.Wide[properties.PropAppName].Kind())
}

func TestAnalyze_MissingRoot(t *testing.T) {
	rec := &recorder{scans: map[string]int{}}
	a, err := NewAnalyzer(testCorpora(t), quietLogger(), Options{Metrics: rec})
	require.NoError(t, err)

	_, err = a.Analyze(context.Background(), Sample{Root: filepath.Join(t.TempDir(), "gone")})
	assert.True(t, errors.Is(err, ErrSampleNotFound))
	assert.Error(t, rec.lastErr)
}

// TestAnalyze_Cancelled 测试取消后返回错误而不是全部为 false 的报告
func TestAnalyze_Cancelled(t *testing.T) {
	root := buildSample(t)
	rec := &recorder{scans: map[string]int{}}
	a, err := NewAnalyzer(testCorpora(t), quietLogger(), Options{Metrics: rec})
	require.NoError(t, err)

	rep, err := a.Analyze(context.Background(), Sample{ID: "ok", Root: root})
	require.NoError(t, err)
	require.True(t, rep.Smali.IsTrue("dex_class_loader"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err = a.Analyze(ctx, Sample{ID: "cancelled", Root: root})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, rep)
	assert.ErrorIs(t, rec.lastErr, context.Canceled)
}

func TestNewAnalyzer_RequiresCorpora(t *testing.T) {
	_, err := NewAnalyzer(&rules.Corpora{}, quietLogger(), Options{})
	assert.Error(t, err)

	bad := testCorpora(t)
	bad.Wide = corpus(t, rules.CategoryWide, rules.RuleSection{Name: "broken", Pattern: "(x"})
	_, err = NewAnalyzer(bad, quietLogger(), Options{})
	var cfgErr *rules.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestExtractStrings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bin")
	require.NoError(t, os.WriteFile(path, []byte("ab\x00abcd\x01/system/xbin/su\x00"), 0o644))

	text, err := extractStrings(path)
	require.NoError(t, err)
	assert.Equal(t, "abcd\n/system/xbin/su\n", text)
}
