package policy

import (
	"net/url"
	"regexp"
	"strings"
)

// Rule 判断一个 URL 是否允许写入缓存；返回 false 即"拒绝"。
type Rule interface {
	Allow(rawURL string) bool
}

// RuleFunc adapts a plain predicate to the Rule interface.
type RuleFunc func(rawURL string) bool

// Allow makes RuleFunc satisfy Rule.
func (f RuleFunc) Allow(rawURL string) bool {
	return f(rawURL)
}

// PathRule 拒绝 path 命中 Prefix / Suffix / Pattern 中任意一项的 URL。
// 三个字段都为空时该规则放行所有 URL。
type PathRule struct {
	Prefix  string
	Suffix  string
	Pattern *regexp.Regexp
}

// Allow implements Rule.
func (r PathRule) Allow(rawURL string) bool {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	if r.Prefix != "" && strings.HasPrefix(p, r.Prefix) {
		return false
	}
	if r.Suffix != "" && strings.HasSuffix(p, r.Suffix) {
		return false
	}
	if r.Pattern != nil && r.Pattern.MatchString(p) {
		return false
	}
	return true
}

// Blacklist 是有序规则集合，构造后不再修改。
type Blacklist struct {
	rules []Rule
}

// NewBlacklist 复制 rules，忽略 nil 项。
func NewBlacklist(rules ...Rule) Blacklist {
	copied := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if rule != nil {
			copied = append(copied, rule)
		}
	}
	return Blacklist{rules: copied}
}

// Len 返回规则数量。
func (b Blacklist) Len() int {
	return len(b.rules)
}

// IsBlacklisted 当规则集非空且至少有一条规则拒绝该 URL 时返回 true。
func (b Blacklist) IsBlacklisted(rawURL string) bool {
	for _, rule := range b.rules {
		if !rule.Allow(rawURL) {
			return true
		}
	}
	return false
}
