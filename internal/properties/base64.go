package properties

import (
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/apk-analysis/droidscan/internal/scanner"
)

// Base64Pattern 可能承载 base64 内容的 const-string 常量
var Base64Pattern = regexp.MustCompile(`const-string v[0-9]*, "[a-zA-Z0-9/+?=]*"`)

var (
	constStringPrefix = regexp.MustCompile(`const-string v[0-9]*, "`)
	nonBase64Chars    = regexp.MustCompile(`[^A-Za-z0-9+/=]`)
)

// printable 与 Python string.printable 相同的字符集
const printable = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~ \t\n\r\x0b\x0c"

// DecodeLiteral 解码 const-string 常量中的 base64 内容
// 解码失败、结果为空或包含不可打印字符时返回 false
func DecodeLiteral(key string) (string, bool) {
	literal := constStringPrefix.ReplaceAllString(key, "")
	literal = strings.ReplaceAll(literal, `"`, "")
	literal = nonBase64Chars.ReplaceAllString(literal, "")

	decoded, err := base64.StdEncoding.DecodeString(literal)
	if err != nil || len(decoded) == 0 {
		return "", false
	}
	for _, c := range decoded {
		if strings.IndexByte(printable, c) < 0 {
			return "", false
		}
	}
	return string(decoded), true
}

// RecoverBase64 对扫描到的常量逐个尝试解码，去重追加到 base64_strings
func RecoverBase64(rec Record, index *scanner.MatchIndex) []string {
	if _, ok := rec[PropBase64Strings]; !ok {
		rec[PropBase64Strings] = List()
	}

	var added []string
	for _, key := range index.Keys() {
		decoded, ok := DecodeLiteral(key)
		if !ok {
			continue
		}
		if rec.AppendUnique(PropBase64Strings, decoded) {
			added = append(added, decoded)
		}
	}
	return added
}
