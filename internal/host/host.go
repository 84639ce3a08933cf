// Package host plays the role the browser plays for a service worker: it
// owns registrations, runs install/activate, tracks which registration
// controls each client and routes fetches and messages to it.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/worker"
)

// ErrNoActiveWorker 表示当前没有已激活的注册，消息无法投递。
var ErrNoActiveWorker = errors.New("no active worker")

// Worker 是宿主驱动的 worker 能力集合，*worker.Worker 满足该接口。
type Worker interface {
	Generation() int
	Install(ctx context.Context, lc worker.Lifecycle) error
	Activate(ctx context.Context, lc worker.Lifecycle) error
	HandleFetch(ctx context.Context, req *http.Request) (*worker.Outcome, error)
	HandleMessage(ctx context.Context, msg worker.Message)
}

// State 描述注册所处的生命周期阶段。
type State string

const (
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// Options 配置宿主。
type Options struct {
	// Fetcher 处理不被拦截的请求（非 GET、无受控注册）。
	Fetcher        worker.Fetcher
	MaxRetries     int
	InitialBackoff time.Duration
	Logger         *logrus.Logger
}

// Host 管理注册与客户端绑定，可被多个 goroutine 并发使用。
type Host struct {
	fetcher        worker.Fetcher
	maxRetries     int
	initialBackoff time.Duration
	logger         *logrus.Logger

	mu         sync.RWMutex
	nextID     int
	active     *registration
	installing *registration
	clients    map[string]*registration

	deliveries sync.WaitGroup
}

// New 创建宿主。
func New(opts Options) (*Host, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("host fetcher is required")
	}
	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative: %d", opts.MaxRetries)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Host{
		fetcher:        opts.Fetcher,
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
		logger:         logger,
		clients:        make(map[string]*registration),
	}, nil
}

type registration struct {
	id     int
	worker Worker

	mu          sync.Mutex
	state       State
	skipWaiting bool
	inflight    int
	idle        []chan struct{}

	mailbox    []envelope
	delivering bool
}

type envelope struct {
	ctx context.Context
	msg worker.Message
}

func (r *registration) setState(state State) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

func (r *registration) acquire() {
	r.mu.Lock()
	r.inflight++
	r.mu.Unlock()
}

func (r *registration) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight--
	if r.inflight == 0 {
		for _, ch := range r.idle {
			close(ch)
		}
		r.idle = nil
	}
}

// drained 返回的 channel 在在途请求数首次归零时关闭。
func (r *registration) drained() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	if r.inflight == 0 {
		close(ch)
	} else {
		r.idle = append(r.idle, ch)
	}
	return ch
}

// lifecycle 把 worker 的生命周期信号绑定到具体注册上。
type lifecycle struct {
	host *Host
	reg  *registration
}

func (l lifecycle) SkipWaiting() {
	l.reg.mu.Lock()
	l.reg.skipWaiting = true
	l.reg.mu.Unlock()
}

func (l lifecycle) Claim(ctx context.Context) error {
	return l.host.claim(ctx, l.reg)
}

// Register 安装并激活 w。安装按 MaxRetries 与指数退避重试，全部失败后返回错误，
// 原有的活动注册保持不变。
func (h *Host) Register(ctx context.Context, w Worker) error {
	h.mu.Lock()
	h.nextID++
	reg := &registration{id: h.nextID, worker: w, state: StateInstalling}
	h.installing = reg
	h.mu.Unlock()

	fields := logrus.Fields{
		"action":       "register",
		"registration": reg.id,
		"generation":   w.Generation(),
	}
	lc := lifecycle{host: h, reg: reg}

	if err := h.install(ctx, reg, lc, fields); err != nil {
		reg.setState(StateRedundant)
		h.mu.Lock()
		if h.installing == reg {
			h.installing = nil
		}
		h.mu.Unlock()
		return err
	}

	reg.mu.Lock()
	reg.state = StateWaiting
	skip := reg.skipWaiting
	reg.mu.Unlock()

	h.mu.RLock()
	prev := h.active
	h.mu.RUnlock()
	if prev != nil && !skip {
		h.logger.WithFields(fields).Info("waiting_for_previous")
		select {
		case <-prev.drained():
		case <-ctx.Done():
			reg.setState(StateRedundant)
			h.mu.Lock()
			if h.installing == reg {
				h.installing = nil
			}
			h.mu.Unlock()
			return ctx.Err()
		}
	}

	h.mu.Lock()
	h.active = reg
	if h.installing == reg {
		h.installing = nil
	}
	h.mu.Unlock()
	if prev != nil {
		prev.setState(StateRedundant)
	}

	reg.setState(StateActivating)
	if err := w.Activate(ctx, lc); err != nil {
		h.logger.WithError(err).WithFields(fields).Warn("activate_interrupted")
	}
	reg.setState(StateActive)
	h.logger.WithFields(fields).Info("worker_active")
	return nil
}

func (h *Host) install(ctx context.Context, reg *registration, lc lifecycle, fields logrus.Fields) error {
	backoff := h.initialBackoff
	var err error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
			backoff *= 2
		}
		if err = reg.worker.Install(ctx, lc); err == nil {
			return nil
		}
		h.logger.WithError(err).WithFields(fields).WithField("attempt", attempt+1).Warn("install_attempt_failed")
	}
	return fmt.Errorf("install failed after %d attempts: %w", h.maxRetries+1, err)
}

func (h *Host) claim(_ context.Context, reg *registration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active != reg {
		return fmt.Errorf("registration %d is not active", reg.id)
	}
	for id := range h.clients {
		h.clients[id] = reg
	}
	return nil
}

// Fetch 将请求路由到 clientID 的控制者。非拦截方法与无控制者的客户端直接回源。
func (h *Host) Fetch(ctx context.Context, clientID string, req *http.Request) (*worker.Outcome, error) {
	if !worker.Intercepts(req.Method) {
		return h.passthrough(ctx, req)
	}

	h.mu.Lock()
	reg := h.clients[clientID]
	if reg == nil {
		reg = h.active
		if reg != nil && clientID != "" {
			h.clients[clientID] = reg
		}
	}
	if reg != nil {
		reg.acquire()
	}
	h.mu.Unlock()

	if reg == nil {
		return h.passthrough(ctx, req)
	}
	defer reg.release()
	return reg.worker.HandleFetch(ctx, req)
}

func (h *Host) passthrough(ctx context.Context, req *http.Request) (*worker.Outcome, error) {
	resp, err := h.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return &worker.Outcome{Response: resp, Source: worker.SourcePassthrough}, nil
}

// PostMessage 把消息放入活动注册的信箱后立即返回。同一注册的消息由单个
// goroutine 按投递顺序逐条处理，投递不随 ctx 取消。
func (h *Host) PostMessage(ctx context.Context, msg worker.Message) error {
	h.mu.RLock()
	reg := h.active
	h.mu.RUnlock()
	if reg == nil {
		return ErrNoActiveWorker
	}

	h.deliveries.Add(1)
	reg.mu.Lock()
	reg.mailbox = append(reg.mailbox, envelope{ctx: context.WithoutCancel(ctx), msg: msg})
	start := !reg.delivering
	reg.delivering = true
	reg.mu.Unlock()
	if start {
		go h.deliver(reg)
	}
	return nil
}

// deliver 依次处理 reg 的信箱，信箱清空后退出。
func (h *Host) deliver(reg *registration) {
	for {
		reg.mu.Lock()
		if len(reg.mailbox) == 0 {
			reg.delivering = false
			reg.mu.Unlock()
			return
		}
		next := reg.mailbox[0]
		reg.mailbox = reg.mailbox[1:]
		reg.mu.Unlock()

		reg.worker.HandleMessage(next.ctx, next.msg)
		h.deliveries.Done()
	}
}

// Wait 阻塞直到所有信箱中的消息处理完毕。
func (h *Host) Wait() {
	h.deliveries.Wait()
}

// RegistrationInfo 是单个注册的只读视图。
type RegistrationInfo struct {
	ID          int   `json:"id"`
	Generation  int   `json:"generation"`
	State       State `json:"state"`
	InFlight    int   `json:"inFlight"`
	SkipWaiting bool  `json:"skipWaiting"`
}

// Snapshot 汇总宿主状态，用于诊断接口。
type Snapshot struct {
	Active     *RegistrationInfo `json:"active,omitempty"`
	Installing *RegistrationInfo `json:"installing,omitempty"`
	Clients    []ClientBinding   `json:"clients"`
}

// ClientBinding 记录客户端当前的控制者。
type ClientBinding struct {
	ClientID     string `json:"clientId"`
	Registration int    `json:"registration"`
	Generation   int    `json:"generation"`
}

// Snapshot 返回当前状态的拷贝。
func (h *Host) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	snap := Snapshot{
		Active:     h.active.info(),
		Installing: h.installing.info(),
		Clients:    make([]ClientBinding, 0, len(h.clients)),
	}
	for id, reg := range h.clients {
		snap.Clients = append(snap.Clients, ClientBinding{
			ClientID:     id,
			Registration: reg.id,
			Generation:   reg.worker.Generation(),
		})
	}
	sort.Slice(snap.Clients, func(i, j int) bool {
		return snap.Clients[i].ClientID < snap.Clients[j].ClientID
	})
	return snap
}

func (r *registration) info() *RegistrationInfo {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return &RegistrationInfo{
		ID:          r.id,
		Generation:  r.worker.Generation(),
		State:       r.state,
		InFlight:    r.inflight,
		SkipWaiting: r.skipWaiting,
	}
}
