package cache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"time"
)

// Entry 是一次完整保存的响应快照（状态码、头部、正文）。
type Entry struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// NewEntry 读取 resp 的正文生成快照，并把 resp.Body 替换为可再次读取的副本，
// 调用方仍可将 resp 原样返回给客户端。
func NewEntry(resp *http.Response) (Entry, error) {
	if resp == nil {
		return Entry{}, fmt.Errorf("nil response")
	}
	var body []byte
	if resp.Body != nil {
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return Entry{}, fmt.Errorf("read response body: %w", err)
		}
		body = data
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	return Entry{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredAt:   time.Now().UTC(),
	}, nil
}

// Response 基于快照构造新的 *http.Response，每次调用互不共享 Body。
func (e Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	status := e.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Date 解析源站 Date 头；缺失或无法解析时 ok 为 false。
func (e Entry) Date() (time.Time, bool) {
	raw := e.Header.Get("Date")
	if raw == "" {
		return time.Time{}, false
	}
	parsed, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

const (
	entryPrefix      = "---SWCACHE-ENTRY---\n"
	storedAtHeader   = "X-Swcache-Stored-At"
	entryHeaderLimit = 64
)

// Encode 以 HTTP/1.1 报文格式序列化条目，供磁盘/SQLite 驱动持久化。
func (e Entry) Encode() ([]byte, error) {
	resp := e.Response(nil)
	if !e.StoredAt.IsZero() {
		resp.Header.Set(storedAtHeader, e.StoredAt.UTC().Format(time.RFC3339Nano))
	}
	dump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return nil, fmt.Errorf("dump response: %w", err)
	}
	return append([]byte(entryPrefix), dump...), nil
}

// DecodeEntry 是 Encode 的逆操作。
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) < len(entryPrefix) || string(data[:len(entryPrefix)]) != entryPrefix {
		head := data
		if len(head) > entryHeaderLimit {
			head = head[:entryHeaderLimit]
		}
		return nil, fmt.Errorf("invalid entry prefix: %q", head)
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data[len(entryPrefix):])), nil)
	if err != nil {
		return nil, fmt.Errorf("parse entry: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read entry body: %w", err)
	}

	entry := &Entry{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}
	if raw := resp.Header.Get(storedAtHeader); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			entry.StoredAt = ts
		}
		entry.Header.Del(storedAtHeader)
	}
	return entry, nil
}

func cloneEntry(e Entry) Entry {
	e.Header = e.Header.Clone()
	e.Body = append([]byte(nil), e.Body...)
	return e
}
