package cache

import (
	"errors"
	"net/http"
	"net/url"
)

// ErrUnsupportedMethod 表示请求方法不可缓存（仅支持 GET）。
var ErrUnsupportedMethod = errors.New("request method is not cacheable")

// RequestKey 返回请求的缓存键：去掉 fragment 的绝对 URL。只有 GET 请求可以生成键。
func RequestKey(req *http.Request) (string, error) {
	if req == nil || req.URL == nil {
		return "", errors.New("request url required")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet {
		return "", ErrUnsupportedMethod
	}
	return URLKey(req.URL)
}

// URLKey 规范化 URL：要求是绝对地址，去掉 fragment，空路径补为 `/`。
func URLKey(u *url.URL) (string, error) {
	if u == nil || !u.IsAbs() || u.Host == "" {
		return "", errors.New("absolute url required")
	}
	normalized := *u
	normalized.Fragment = ""
	normalized.RawFragment = ""
	if normalized.Path == "" {
		normalized.Path = "/"
	}
	return normalized.String(), nil
}
