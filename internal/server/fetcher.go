package server

import (
	"context"
	"errors"
	"net/http"
)

// UpstreamFetcher 通过共享 http.Client 执行真实回源，是 worker 与宿主看到的“网络”。
type UpstreamFetcher struct {
	client *http.Client
}

// NewUpstreamFetcher 包装 client；client 为空时使用 NewUpstreamClient(nil)。
func NewUpstreamFetcher(client *http.Client) *UpstreamFetcher {
	if client == nil {
		client = NewUpstreamClient(nil)
	}
	return &UpstreamFetcher{client: client}
}

// Fetch 发送 req 的副本。请求与响应中的 hop-by-hop 头都会被移除，
// Accept-Encoding 交由 Transport 协商以便拿到解压后的正文。
func (f *UpstreamFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("fetch: request url is required")
	}
	out := req.Clone(ctx)
	out.RequestURI = ""
	out.Host = ""
	StripHopByHop(out.Header)
	out.Header.Del("Accept-Encoding")
	out.Header.Del("Host")

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, err
	}
	StripHopByHop(resp.Header)
	return resp, nil
}
