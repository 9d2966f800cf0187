package properties

import (
	"regexp"
	"strings"

	"github.com/apk-analysis/droidscan/internal/scanner"
)

// 国际号码：+ 加 1-3 位国家码再加 10-14 位号码，宽松写法误报太多
var phoneNumberPattern = regexp.MustCompile(`\+[0-9]{1,3}[0-9]{10,14}`)

// IsPhoneNumber 是否为国际电话号码形态
func IsPhoneNumber(key string) bool {
	return strings.HasPrefix(key, "+") && phoneNumberPattern.MatchString(key)
}

// ExtractPhoneNumbers 仅在 has_phonenumbers 为 true 时收集号码，返回新增的号码
func ExtractPhoneNumbers(rec Record, index *scanner.MatchIndex) []string {
	if _, ok := rec[PropPhoneNumbers]; !ok {
		rec[PropPhoneNumbers] = List()
	}
	if !rec.IsTrue(PropHasPhoneNumbers) {
		return nil
	}

	var added []string
	for _, key := range index.Keys() {
		if IsPhoneNumber(key) && rec.AppendUnique(PropPhoneNumbers, key) {
			added = append(added, key)
		}
	}
	return added
}
