package properties

import (
	"strings"

	"github.com/apk-analysis/droidscan/internal/scanner"
)

// MarkSmaliKeywords 根据命中文本补充 android_id、scp、ssh 标记
func MarkSmaliKeywords(rec Record, index *scanner.MatchIndex) {
	for _, key := range index.Keys() {
		if !index.Has(key) {
			continue
		}
		constString := strings.Contains(key, "const-string")
		if strings.Contains(key, "android_id") {
			rec.SetBool(PropAndroidID, true)
		}
		if constString && strings.Contains(key, "scp") {
			rec.SetBool(PropSCP, true)
		}
		if constString && strings.Contains(key, "ssh") {
			rec.SetBool(PropSSH, true)
		}
	}
}
