package host

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/any-hub/swcache/internal/worker"
)

type fakeWorker struct {
	generation int
	skip       bool
	claim      bool

	mu          sync.Mutex
	installErrs []error
	installs    int
	activations int
	fetches     int
	messages    []worker.Message
	block       chan struct{}
	entered     chan struct{}
}

func (f *fakeWorker) Generation() int { return f.generation }

func (f *fakeWorker) Install(_ context.Context, lc worker.Lifecycle) error {
	f.mu.Lock()
	f.installs++
	var err error
	if len(f.installErrs) > 0 {
		err = f.installErrs[0]
		f.installErrs = f.installErrs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if f.skip {
		lc.SkipWaiting()
	}
	return nil
}

func (f *fakeWorker) Activate(ctx context.Context, lc worker.Lifecycle) error {
	f.mu.Lock()
	f.activations++
	f.mu.Unlock()
	if f.claim {
		return lc.Claim(ctx)
	}
	return nil
}

func (f *fakeWorker) HandleFetch(_ context.Context, req *http.Request) (*worker.Outcome, error) {
	f.mu.Lock()
	f.fetches++
	block, entered := f.block, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return &worker.Outcome{Response: textResponse("worker"), Source: worker.SourceCache}, nil
}

func (f *fakeWorker) HandleMessage(_ context.Context, msg worker.Message) {
	f.mu.Lock()
	f.messages = append(f.messages, msg)
	f.mu.Unlock()
}

func (f *fakeWorker) count() (installs, activations, fetches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installs, f.activations, f.fetches
}

func textResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestHost(t *testing.T, maxRetries int) (*Host, *int) {
	t.Helper()
	var network int
	h, err := New(Options{
		Fetcher: worker.FetcherFunc(func(context.Context, *http.Request) (*http.Response, error) {
			network++
			return textResponse("network"), nil
		}),
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	return h, &network
}

func getRequest(t *testing.T, method string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, "https://app.example.com/index.html", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func TestRegisterActivatesWorker(t *testing.T) {
	h, _ := newTestHost(t, 0)
	w := &fakeWorker{generation: 1, skip: true, claim: true}
	if err := h.Register(context.Background(), w); err != nil {
		t.Fatalf("register: %v", err)
	}
	snap := h.Snapshot()
	if snap.Active == nil || snap.Active.State != StateActive || snap.Active.Generation != 1 {
		t.Fatalf("unexpected active registration: %+v", snap.Active)
	}
	if !snap.Active.SkipWaiting {
		t.Fatalf("skip waiting flag not recorded")
	}
	if snap.Installing != nil {
		t.Fatalf("installing should be cleared, got %+v", snap.Installing)
	}
}

func TestRegisterRetriesInstall(t *testing.T) {
	h, _ := newTestHost(t, 2)
	w := &fakeWorker{generation: 1, installErrs: []error{errors.New("boom"), errors.New("boom")}}
	if err := h.Register(context.Background(), w); err != nil {
		t.Fatalf("register: %v", err)
	}
	if installs, activations, _ := w.count(); installs != 3 || activations != 1 {
		t.Fatalf("expected 3 installs and 1 activation, got %d/%d", installs, activations)
	}
}

func TestRegisterGivesUpAfterRetries(t *testing.T) {
	h, _ := newTestHost(t, 1)
	first := &fakeWorker{generation: 1}
	if err := h.Register(context.Background(), first); err != nil {
		t.Fatalf("register first: %v", err)
	}

	bad := &fakeWorker{generation: 2, installErrs: []error{errors.New("a"), errors.New("b"), errors.New("c")}}
	if err := h.Register(context.Background(), bad); err == nil {
		t.Fatalf("expected install failure")
	}
	if installs, activations, _ := bad.count(); installs != 2 || activations != 0 {
		t.Fatalf("expected 2 installs and no activation, got %d/%d", installs, activations)
	}
	snap := h.Snapshot()
	if snap.Active == nil || snap.Active.Generation != 1 {
		t.Fatalf("previous registration should stay active: %+v", snap.Active)
	}
}

func TestFetchWithoutControllerGoesToNetwork(t *testing.T) {
	h, network := newTestHost(t, 0)
	out, err := h.Fetch(context.Background(), "client-1", getRequest(t, http.MethodGet))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if out.Source != worker.SourcePassthrough || *network != 1 {
		t.Fatalf("expected passthrough, got %s (network=%d)", out.Source, *network)
	}
	if len(h.Snapshot().Clients) != 0 {
		t.Fatalf("uncontrolled client must not be bound")
	}
}

func TestNonGetBypassesWorker(t *testing.T) {
	h, network := newTestHost(t, 0)
	w := &fakeWorker{generation: 1, skip: true}
	if err := h.Register(context.Background(), w); err != nil {
		t.Fatalf("register: %v", err)
	}
	out, err := h.Fetch(context.Background(), "client-1", getRequest(t, http.MethodPost))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if out.Source != worker.SourcePassthrough || *network != 1 {
		t.Fatalf("expected passthrough, got %s", out.Source)
	}
	if _, _, fetches := w.count(); fetches != 0 {
		t.Fatalf("worker should not see POST, fetches=%d", fetches)
	}
}

func TestClientsKeepControllerUntilClaim(t *testing.T) {
	h, _ := newTestHost(t, 0)
	ctx := context.Background()
	first := &fakeWorker{generation: 1, skip: true}
	if err := h.Register(ctx, first); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if _, err := h.Fetch(ctx, "old-client", getRequest(t, http.MethodGet)); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	second := &fakeWorker{generation: 2, skip: true}
	if err := h.Register(ctx, second); err != nil {
		t.Fatalf("register second: %v", err)
	}
	if _, err := h.Fetch(ctx, "old-client", getRequest(t, http.MethodGet)); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, err := h.Fetch(ctx, "new-client", getRequest(t, http.MethodGet)); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, _, fetches := first.count(); fetches != 2 {
		t.Fatalf("old client should stay on generation 1, first fetches=%d", fetches)
	}
	if _, _, fetches := second.count(); fetches != 1 {
		t.Fatalf("new client should bind to generation 2, second fetches=%d", fetches)
	}

	third := &fakeWorker{generation: 3, skip: true, claim: true}
	if err := h.Register(ctx, third); err != nil {
		t.Fatalf("register third: %v", err)
	}
	for _, binding := range h.Snapshot().Clients {
		if binding.Generation != 3 {
			t.Fatalf("client %s not claimed: %+v", binding.ClientID, binding)
		}
	}
}

func TestRegisterWaitsForInflightFetches(t *testing.T) {
	h, _ := newTestHost(t, 0)
	ctx := context.Background()
	first := &fakeWorker{generation: 1, skip: true}
	if err := h.Register(ctx, first); err != nil {
		t.Fatalf("register first: %v", err)
	}

	first.mu.Lock()
	first.block = make(chan struct{})
	first.entered = make(chan struct{}, 1)
	first.mu.Unlock()

	fetchDone := make(chan struct{})
	go func() {
		defer close(fetchDone)
		_, _ = h.Fetch(ctx, "client-1", getRequest(t, http.MethodGet))
	}()
	<-first.entered

	second := &fakeWorker{generation: 2}
	registered := make(chan error, 1)
	go func() { registered <- h.Register(ctx, second) }()

	deadline := time.After(2 * time.Second)
	for {
		snap := h.Snapshot()
		if snap.Installing != nil && snap.Installing.State == StateWaiting {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("second registration never reached waiting state: %+v", snap)
		case <-time.After(5 * time.Millisecond):
		}
	}
	if _, activations, _ := second.count(); activations != 0 {
		t.Fatalf("second worker activated before previous drained")
	}

	close(first.block)
	<-fetchDone
	if err := <-registered; err != nil {
		t.Fatalf("register second: %v", err)
	}
	if snap := h.Snapshot(); snap.Active == nil || snap.Active.Generation != 2 {
		t.Fatalf("expected generation 2 active, got %+v", snap.Active)
	}
}

func TestRegisterHonoursContextWhileWaiting(t *testing.T) {
	h, _ := newTestHost(t, 0)
	first := &fakeWorker{generation: 1, skip: true}
	if err := h.Register(context.Background(), first); err != nil {
		t.Fatalf("register first: %v", err)
	}
	first.mu.Lock()
	first.block = make(chan struct{})
	first.entered = make(chan struct{}, 1)
	first.mu.Unlock()
	defer close(first.block)

	go func() { _, _ = h.Fetch(context.Background(), "client-1", getRequest(t, http.MethodGet)) }()
	<-first.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.Register(ctx, &fakeWorker{generation: 2}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if snap := h.Snapshot(); snap.Active == nil || snap.Active.Generation != 1 {
		t.Fatalf("generation 1 should remain active: %+v", snap.Active)
	}
}

func TestPostMessageDeliversAsynchronously(t *testing.T) {
	h, _ := newTestHost(t, 0)
	msg := worker.Message{Action: worker.ActionCache, URL: "/a.html"}
	if err := h.PostMessage(context.Background(), msg); !errors.Is(err, ErrNoActiveWorker) {
		t.Fatalf("expected ErrNoActiveWorker, got %v", err)
	}

	w := &fakeWorker{generation: 1, skip: true}
	if err := h.Register(context.Background(), w); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.PostMessage(ctx, msg); err != nil {
		t.Fatalf("post message: %v", err)
	}
	cancel()
	h.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.messages) != 1 || w.messages[0] != msg {
		t.Fatalf("unexpected messages: %+v", w.messages)
	}
}

// slowMessages 记录消息处理的最大并发数。
type slowMessages struct {
	*fakeWorker
	mu      sync.Mutex
	running int
	peak    int
	order   []string
}

func (s *slowMessages) HandleMessage(_ context.Context, msg worker.Message) {
	s.mu.Lock()
	s.running++
	if s.running > s.peak {
		s.peak = s.running
	}
	s.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	s.mu.Lock()
	s.running--
	s.order = append(s.order, msg.URL)
	s.mu.Unlock()
}

func TestPostMessageDeliversInOrder(t *testing.T) {
	h, _ := newTestHost(t, 0)
	w := &slowMessages{fakeWorker: &fakeWorker{generation: 1, skip: true}}
	if err := h.Register(context.Background(), w); err != nil {
		t.Fatalf("register: %v", err)
	}

	urls := []string{"/a.html", "/b.html", "/c.html", "/a.html"}
	for _, u := range urls {
		if err := h.PostMessage(context.Background(), worker.Message{Action: worker.ActionCache, URL: u}); err != nil {
			t.Fatalf("post message: %v", err)
		}
	}
	h.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.peak != 1 {
		t.Fatalf("messages should be handled one at a time, peak concurrency %d", w.peak)
	}
	if len(w.order) != len(urls) {
		t.Fatalf("expected %d messages, got %v", len(urls), w.order)
	}
	for i, u := range urls {
		if w.order[i] != u {
			t.Fatalf("messages out of order: %v", w.order)
		}
	}
}
