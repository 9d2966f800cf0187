package properties

import (
	"strings"

	"github.com/apk-analysis/droidscan/internal/rules"
	"github.com/apk-analysis/droidscan/internal/scanner"
)

// 派生属性名
const (
	PropURLs            = "urls"
	PropPhoneNumbers    = "phonenumbers"
	PropHasPhoneNumbers = "has_phonenumbers"
	PropBase64Strings   = "base64_strings"
	PropAPKZipURL       = "apk_zip_url"
	PropPacked          = "packed"
	PropMultidex        = "multidex"
	PropEmbedExec       = "embed_exec"
	PropIjiami          = "ijiami"
	PropAppName         = "app_name"
	PropURLInExec       = "url_in_exec"
	PropDexClassLoader  = "dex_class_loader"
	PropDexFile         = "dex_file"
	PropAndroidID       = "android_id"
	PropSCP             = "scp"
	PropSSH             = "ssh"
)

// Defaults 规则集中每个规则段初始化为 false
func Defaults(corpus *rules.Corpus) Record {
	rec := make(Record, corpus.Len())
	for _, name := range corpus.Sections() {
		rec[name] = Bool(false)
	}
	return rec
}

// Aggregate 将扫描结果映射回规则段：
// 任一候选（去掉用于转义的反斜杠后）作为命中文本出现即为 true
func Aggregate(index *scanner.MatchIndex, corpus *rules.Corpus) Record {
	rec := Defaults(corpus)
	for _, name := range corpus.Sections() {
		for _, alt := range corpus.PatternsOf(name) {
			if index.Has(strings.ReplaceAll(alt, `\`, "")) {
				rec[name] = Bool(true)
				break
			}
		}
	}
	return rec
}
