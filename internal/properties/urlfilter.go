package properties

import (
	"regexp"
	"strings"
)

// noiseURLPatterns 无分析价值的 URL：占位地址、常见正规站点、XML 命名空间、运营商网关等
var noiseURLPatterns = []string{
	// 占位
	`^(http://)127\.0\.0\.1$`,
	`^8\.8\.8\.8$`,
	`^8\.8\.4\.4$`,
	`^https*://%s:%d%s`,
	`^(http://)*192\.168\.[0-9.:]*`,
	`host:port`,
	`^(http://)*localhost$`,
	`^https*://$`,
	`^https*$`,
	`temporary$`,
	`^https*://unknown$`,
	`^https*://images$`,
	`^http://ads$`,
	`^http://app$`,
	`^http://server$`,
	`^http://server/.*`,
	`username:password@YOUR`,
	`www\.dummyurl\.com`,

	// 正规站点
	`creativecommons\.org`,
	`docs\.google\.`,
	`jsoup\.org`,
	`www\.jcip\.net`,
	`finance\.google\.`,
	`maps\.google`,
	`^https*://play\.google\.com`,
	`https*://[a-zA-Z]*\.google\.com/`,
	`www\.google\.`,
	`checkout\.google\.com`,
	`\.google-analytics\.com`,
	`^https*://[a-z]*\.googleapis\.com/`,
	`plus\.url\.google\.com`,
	`market\.android\.com`,
	`source\.android\.com`,
	`material\.io`,
	`java\.sun\.com`,
	`\.facebook\.com/help`,
	`\.facebook\.com$`,
	`forum\.xda-developers\.com/showthread\.php`,
	`mozilla\.org`,
	`www\.android\.com`,
	`developer\.android\.com/reference/`,
	`fontforge\.sf\.net`,
	`www\.apache\.org`,
	`www\.apple\.com`,
	`travis-ci\.org`,
	`twitter\.com`,
	`www\.gnu\.org`,
	`www\.fsf\.org`,
	`www\.iec\.ch`,
	`www\.paypal\.com`,
	`www\.macromedia\.com/go/getflashplayer`,
	`www\.mozilla\.org`,
	`opensource\.org`,
	`www\.openssl\.org`,
	`www\.gstatic\.com`,
	`www\.JSON\.org`,
	`www\.junit\.com`,
	`http://www\.amazon\.com/gp/mas/dl/android`,
	`.\.youtube.com`,
	`\.hockeyapp\.net`,
	`http://ns\.adobe\.com/`,
	`https*://[a-zA-Z]*\.jquery\.com`,
	`https*://jqueryui\.com`,
	`^https*://jquery\.[com|org]/*$`,
	`scripts\.sil\.org`,
	`www\.ajaxplorer\.info`,
	`wikipedia\.org`,
	`play\.google\.com`,
	`github\.com`,
	`jquery\.org`,
	`www\.iana\.org`,

	// 安全厂商
	`www\.fortinet\.com`,
	`docs\.fortinet\.com/fclient/android/`,
	`home\.mcafee\.com`,
	`\.norton\.com`,
	`www\.avast\.com`,
	`\.symantec\.com`,
	`www\.mcafeemobilesecurity\.com/eula\.aspx`,
	`www\.trendmicro\.com`,
	`https*://[a-zA-Z0-9]*\.360safe\.com`,

	// 搜索引擎
	`search\.twitter\.com`,
	`search\.yahoo\.com`,
	`www\.baidu\.com`,
	`wap\.baidu\.com`,
	`map\.baidu\.com`,
	`www\.searchmobileonline\.com`,

	// XML
	`^https*://push$`,
	`^https*://schemas`,
	`^https*://www\.$`,
	`www\.w3\.org`,
	`xml\.apache\.org`,
	`xml\.org`,
	`xmlpull\.org`,
	`^https*://.*/configure[-_0-9]*\.dtd$`,

	// 运营商
	`10\.0\.0\.172`,
	`10\.0\.0\.200`,
	`wap\.uni-info\.com\.cn`,
	`mmsc\.myuni\.com\.cn`,
	`mmsc\.vnet\.mobi`,
	`wap\.vnet\.mobi`,
	`10\.151\.0\.1`,
	`62\.201\.134\.17`,
	`mmsbouygtel\.com`,
	`\.monternet\.com`,

	// 协议
	`oauth_token`,

	// 偶尔出现在 SDK 路径之外的广告地址
	`pflexads\.com`,
	`admob\.com`,
	`^https*://api\.weibo\.com`,
	`^https*://.*\.alipay.com`,
}

var (
	urlCutPattern  = regexp.MustCompile(`[,;" \n\r].*`)
	nonPrintable   = regexp.MustCompile(`[^\x20-\x7e]`)
	ipv4Prefix     = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`)
	payloadPattern = regexp.MustCompile(`\.apk|\.zip`)
)

// URLFilter 过滤无价值 URL，保留可疑地址
type URLFilter struct {
	deny *regexp.Regexp
}

// NewURLFilter 使用内置噪声列表创建过滤器，extra 为额外的噪声正则
func NewURLFilter(extra ...string) (*URLFilter, error) {
	patterns := append(append([]string{}, noiseURLPatterns...), extra...)
	deny, err := regexp.Compile(strings.Join(patterns, "|"))
	if err != nil {
		return nil, err
	}
	return &URLFilter{deny: deny}, nil
}

// DefaultURLFilter 内置噪声列表的过滤器
func DefaultURLFilter() *URLFilter {
	f, err := NewURLFilter()
	if err != nil {
		panic(err)
	}
	return f
}

// IsCandidate 命中文本是否需要当作 URL 处理（包含 http 或以 IPv4 地址开头）
func IsCandidate(key string) bool {
	return strings.Contains(key, "http") || ipv4Prefix.MatchString(key)
}

// Normalize 在第一个空白、引号、逗号、分号或换行处截断，并去掉不可打印字符
func Normalize(raw string) string {
	url := urlCutPattern.ReplaceAllString(raw, "")
	return nonPrintable.ReplaceAllString(url, "")
}

// IsNoise 是否命中噪声列表
func (f *URLFilter) IsNoise(url string) bool {
	return f.deny.MatchString(url)
}

// Apply 规范化候选 URL，非噪声时去重追加到 urls，并在指向 apk/zip 时置 apk_zip_url
// 返回规范化后的 URL 与是否被保留
func (f *URLFilter) Apply(rec Record, candidate string) (string, bool) {
	url := Normalize(candidate)
	if url == "" || f.IsNoise(url) {
		return url, false
	}
	if _, ok := rec[PropURLs]; !ok {
		rec[PropURLs] = List()
	}
	rec.AppendUnique(PropURLs, url)
	if payloadPattern.MatchString(url) {
		rec.SetBool(PropAPKZipURL, true)
	}
	return url, true
}
