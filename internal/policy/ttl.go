package policy

import (
	"net/url"
	"strings"
	"time"
)

// RootToken 是以 `/` 结尾的路径所对应的扩展名占位符。
const RootToken = "/"

// TTLTable 将扩展名（或 RootToken）映射为新鲜度时长。
type TTLTable map[string]time.Duration

// DefaultTTLTable 返回内置的 TTL 表：HTML 与目录索引 1 小时，JSON/JS/CSS 1 天。
func DefaultTTLTable() TTLTable {
	return TTLTable{
		RootToken: time.Hour,
		"html":    time.Hour,
		"json":    24 * time.Hour,
		"js":      24 * time.Hour,
		"css":     24 * time.Hour,
	}
}

// ExtensionOf 去掉 query 后返回最后一个路径段中 `.` 之后的部分；路径以 `/` 结尾时返回 RootToken。
// 不含 `.` 的最后一段原样返回，通常查不到 TTL，因此永不过期。
func ExtensionOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	p := u.Path
	if p == "" && u.Opaque == "" {
		p = "/"
	}
	if strings.HasSuffix(p, "/") {
		return RootToken, nil
	}
	segment := p[strings.LastIndex(p, "/")+1:]
	if idx := strings.LastIndex(segment, "."); idx >= 0 {
		return segment[idx+1:], nil
	}
	return segment, nil
}

// For 返回 URL 对应的 TTL；扩展名按原样区分大小写匹配。扩展名未配置或 URL 无法解析时
// ok 为 false，表示"永不过期"。
func (t TTLTable) For(rawURL string) (ttl time.Duration, ok bool) {
	if len(t) == 0 {
		return 0, false
	}
	ext, err := ExtensionOf(rawURL)
	if err != nil {
		return 0, false
	}
	ttl, ok = t[ext]
	if !ok || ttl <= 0 {
		return 0, false
	}
	return ttl, true
}
