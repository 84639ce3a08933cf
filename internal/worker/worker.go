// Package worker implements the request-caching policy for a single origin:
// the fetch interceptor (cache-first with age-gated revalidation), the manual
// precache command and the install/activate lifecycle steps. A Worker is
// bound to one cache generation; the host decides which Worker controls a
// client and when lifecycle steps run.
package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/namespace"
	"github.com/any-hub/swcache/internal/policy"
)

// Fetcher 执行真实的网络请求。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Lifecycle 是宿主提供的生命周期信号。
type Lifecycle interface {
	// SkipWaiting 让安装完成的 worker 立即激活，不等待旧实例处理完在途请求。
	SkipWaiting()
	// Claim 接管所有已存在的客户端。
	Claim(ctx context.Context) error
}

// Options 汇总构造 Worker 所需的静态配置。
type Options struct {
	Storage    cache.Storage
	Fetcher    Fetcher
	Origin     *url.URL
	Generation int

	AssetFiles   []string
	OfflinePage  string
	NotFoundPage string

	TTL              policy.TTLTable
	Blacklist        policy.Blacklist
	SupportedMethods []string

	Logger *logrus.Logger
	Now    func() time.Time
}

// Worker 持有单一缓存代的策略与缓存命名空间。
type Worker struct {
	caches       *namespace.Manager
	fetcher      Fetcher
	ttl          policy.TTLTable
	blacklist    policy.Blacklist
	methods      map[string]struct{}
	offlinePage  string
	notFoundPage string
	logger       *logrus.Logger
	now          func() time.Time
}

// New 校验配置并构建 Worker。
func New(opts Options) (*Worker, error) {
	if opts.OfflinePage == "" {
		return nil, errors.New("offline page is required")
	}
	if opts.NotFoundPage == "" {
		return nil, errors.New("not-found page is required")
	}

	precache := map[namespace.Role][]string{
		namespace.RoleOffline:  {opts.OfflinePage},
		namespace.RoleNotFound: {opts.NotFoundPage},
	}
	if len(opts.AssetFiles) > 0 {
		precache[namespace.RoleAssets] = opts.AssetFiles
	}
	caches, err := namespace.New(namespace.Options{
		Storage:    opts.Storage,
		Fetcher:    opts.Fetcher,
		Origin:     opts.Origin,
		Generation: opts.Generation,
		Precache:   precache,
	})
	if err != nil {
		return nil, err
	}

	methods := make(map[string]struct{}, len(opts.SupportedMethods))
	for _, method := range opts.SupportedMethods {
		methods[strings.ToUpper(strings.TrimSpace(method))] = struct{}{}
	}
	if len(methods) == 0 {
		methods[http.MethodGet] = struct{}{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Worker{
		caches:       caches,
		fetcher:      opts.Fetcher,
		ttl:          opts.TTL,
		blacklist:    opts.Blacklist,
		methods:      methods,
		offlinePage:  opts.OfflinePage,
		notFoundPage: opts.NotFoundPage,
		logger:       logger,
		now:          now,
	}, nil
}

// Caches 返回 worker 的缓存命名空间。
func (w *Worker) Caches() *namespace.Manager {
	return w.caches
}

// Generation 返回 worker 绑定的缓存代号。
func (w *Worker) Generation() int {
	return w.caches.Generation()
}

// Intercepts 报告某个请求方法是否进入拦截流程；只有 GET 会被拦截。
func Intercepts(method string) bool {
	return method == "" || method == http.MethodGet
}

func (w *Worker) storable(req *http.Request) bool {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if _, ok := w.methods[method]; !ok {
		return false
	}
	return !w.blacklist.IsBlacklisted(req.URL.String())
}

// clientValidators 是客户端条件请求与范围请求头。缓存条目只保存完整响应，
// 回源时必须去掉它们。
var clientValidators = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// networkRequest 克隆 req 并去掉 clientValidators，用于拦截路径上的回源。
func networkRequest(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	for _, name := range clientValidators {
		out.Header.Del(name)
	}
	return out
}

// cacheableResponse 报告响应能否作为共享条目写入缓存：
// 206/304 不是完整响应，带 Set-Cookie 的响应属于单个客户端。
func cacheableResponse(resp *http.Response) bool {
	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusNotModified:
		return false
	}
	return len(resp.Header.Values("Set-Cookie")) == 0
}

func (w *Worker) fields(action string, req *http.Request) logrus.Fields {
	fields := logrus.Fields{
		"action":     action,
		"generation": w.Generation(),
	}
	if req != nil && req.URL != nil {
		fields["url"] = req.URL.String()
		fields["method"] = req.Method
	}
	return fields
}
