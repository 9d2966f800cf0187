package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/droidscan/internal/retry"
)

// DefaultTrackerURL Exodus ETIP 追踪器导出地址
const DefaultTrackerURL = "https://etip.exodus-privacy.eu.org/trackers/export"

// Tracker ETIP 导出中的单个追踪器
type Tracker struct {
	Name          string `json:"name"`
	CodeSignature string `json:"code_signature"`
	NetworkSig    string `json:"network_signature"`
	Website       string `json:"website"`
}

type trackerExport struct {
	Trackers []Tracker `json:"trackers"`
}

// TrackerClient 拉取追踪器列表
type TrackerClient struct {
	HTTP   *http.Client
	Retry  *retry.Config
	Logger *logrus.Logger
}

// NewTrackerClient 创建追踪器客户端
func NewTrackerClient(logger *logrus.Logger) *TrackerClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg := retry.DefaultConfig()
	cfg.Logger = logger
	return &TrackerClient{
		HTTP:   &http.Client{Timeout: 10 * time.Second},
		Retry:  cfg,
		Logger: logger,
	}
}

// FetchTrackers 下载追踪器导出，5xx 与网络错误会重试
func (c *TrackerClient) FetchTrackers(ctx context.Context, url string) ([]Tracker, error) {
	if url == "" {
		url = DefaultTrackerURL
	}

	trackers, err := retry.DoWithResult(ctx, c.Retry, func(ctx context.Context) ([]Tracker, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("tracker export: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, retry.Permanent(fmt.Errorf("tracker export: status %d", resp.StatusCode))
		}

		var export trackerExport
		if err := json.NewDecoder(resp.Body).Decode(&export); err != nil {
			return nil, retry.Permanent(fmt.Errorf("decode tracker export: %w", err))
		}
		return export.Trackers, nil
	})
	if err != nil {
		return nil, err
	}

	c.Logger.WithField("count", len(trackers)).Info("Tracker export fetched")
	return trackers, nil
}

var sectionNameChars = regexp.MustCompile(`[a-z0-9]`)

// TrackerSignature 取第一个代码签名，点号转斜杠并去除首尾空格与斜杠
func TrackerSignature(t Tracker) string {
	first := strings.SplitN(t.CodeSignature, "|", 2)[0]
	sig := strings.ReplaceAll(first, ".", "/")
	return strings.Trim(strings.TrimSpace(sig), "/")
}

// TrackerSectionName 由追踪器名称生成规则段名（仅保留小写字母与数字）
func TrackerSectionName(t Tracker) string {
	return strings.Join(sectionNameChars.FindAllString(strings.ToLower(t.Name), -1), "")
}

// SuggestKitSections 返回 kit 规则集尚未覆盖的追踪器规则段
func SuggestKitSections(trackers []Tracker, kit *Corpus, logger *logrus.Logger) []RuleSection {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var out []RuleSection
	seen := make(map[string]bool)
	for _, t := range trackers {
		sig := TrackerSignature(t)
		if sig == "" {
			logger.WithField("tracker", t.Name).Debug("Tracker has no code signature")
			continue
		}
		if strings.ContainsAny(sig, " \t") {
			logger.WithFields(logrus.Fields{"tracker": t.Name, "signature": sig}).Warn("Signature contains whitespace, skipped")
			continue
		}
		if kit != nil && kit.IsGenericMatch(sig) {
			continue
		}

		name := TrackerSectionName(t)
		if name == "" || seen[name] {
			continue
		}
		if kit != nil {
			if _, exists := kit.Section(name); exists {
				continue
			}
		}
		seen[name] = true

		section := RuleSection{Name: name, Pattern: sig, Patterns: []string{sig}}
		if t.Website != "" {
			desc := t.Name + " (" + t.Website + ")"
			section.Description = &desc
		}
		out = append(out, section)
	}
	return out
}

// FormatINI 以 kit.conf 格式渲染规则段
func FormatINI(sections []RuleSection) string {
	var b strings.Builder
	for _, s := range sections {
		fmt.Fprintf(&b, "[%s]\n", s.Name)
		fmt.Fprintf(&b, "%s=%s\n", PatternKey, s.Pattern)
		if s.Description != nil {
			fmt.Fprintf(&b, "%s=%s\n", DescriptionKey, *s.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}
