// Package security 检查预热模板内容，避免发出带垃圾邮件特征的邮件。
package security

import (
	"regexp"
	"strings"

	"mailwarm/backend/internal/domain"
)

// ContentFilter 模板内容过滤器
type ContentFilter struct {
	// 脚本与嵌入对象，预热邮件不应包含
	activePatterns []*regexp.Regexp

	// 垃圾邮件关键词
	spamKeywords []string

	// 命中多少个关键词判定为垃圾内容
	spamThreshold int
}

// NewContentFilter 创建内容过滤器
func NewContentFilter() *ContentFilter {
	return &ContentFilter{
		activePatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
			regexp.MustCompile(`(?i)javascript:`),
			regexp.MustCompile(`(?i)\bon(load|error|click)\s*=`),
			regexp.MustCompile(`(?i)<iframe[^>]*>`),
			regexp.MustCompile(`(?i)<object[^>]*>`),
			regexp.MustCompile(`(?i)<embed[^>]*>`),
		},
		spamKeywords: []string{
			"viagra", "casino", "lottery", "winner", "congratulations",
			"free money", "click here", "limited time", "act now",
			"guaranteed", "no risk", "earn money", "work from home",
			"unsubscribe", "100% free", "cash bonus",
		},
		spamThreshold: 3,
	}
}

// Check 检查一段文本
//
// 返回值:
//   - bool: 内容可用时为 true
//   - string: 不可用时的原因
func (cf *ContentFilter) Check(content string) (bool, string) {
	for _, pattern := range cf.activePatterns {
		if pattern.MatchString(content) {
			return false, "active content matched " + pattern.String()
		}
	}

	lower := strings.ToLower(content)
	hits := 0
	for _, keyword := range cf.spamKeywords {
		if strings.Contains(lower, keyword) {
			hits++
		}
	}
	if hits >= cf.spamThreshold {
		return false, "multiple spam keywords found"
	}
	return true, ""
}

// CheckTemplate 检查模板主题与正文
func (cf *ContentFilter) CheckTemplate(t domain.Template) (bool, string) {
	return cf.Check(t.Subject + "\n" + t.Body)
}

// Rejected 被过滤的模板及原因
type Rejected struct {
	TemplateID string
	Reason     string
}

// FilterTemplates 拆分可用与被拒绝的模板，保持原有顺序
func (cf *ContentFilter) FilterTemplates(list []domain.Template) ([]domain.Template, []Rejected) {
	kept := make([]domain.Template, 0, len(list))
	var rejected []Rejected
	for _, t := range list {
		if ok, reason := cf.CheckTemplate(t); !ok {
			rejected = append(rejected, Rejected{TemplateID: t.ID, Reason: reason})
			continue
		}
		kept = append(kept, t)
	}
	return kept, rejected
}
