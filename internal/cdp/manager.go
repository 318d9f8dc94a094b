package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mocktail/internal/handler"
	"mocktail/internal/logger"
	"mocktail/pkg/model"
	"mocktail/pkg/traffic"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/rpcc"
)

var (
	// ErrNoTarget 没有可附加的页面目标
	ErrNoTarget = errors.New("cdp: no matching target")
	// ErrClosed 管理器已关闭
	ErrClosed = errors.New("cdp: manager closed")
)

const (
	defaultProcessTimeout = 3 * time.Second
	defaultQueueFactor    = 64
)

// Interceptor 拦截管线，由 handler.Handler 实现
type Interceptor interface {
	Settings() *model.Settings
	Match(snap *model.Settings, call handler.Call) *model.Rule
	Substitute(call handler.Call, rule *model.Rule, orig *traffic.Response) *traffic.Response
}

// fetchAPI 处理暂停事件所需的 Fetch 域方法
type fetchAPI interface {
	GetResponseBody(ctx context.Context, args *fetch.GetResponseBodyArgs) (*fetch.GetResponseBodyReply, error)
	FulfillRequest(ctx context.Context, args *fetch.FulfillRequestArgs) error
	ContinueRequest(ctx context.Context, args *fetch.ContinueRequestArgs) error
}

// Options 管理器配置
type Options struct {
	DevToolsURL      string
	Concurrency      int
	ProcessTimeoutMS int
	MaxBodyBytes     int64
	Logger           logger.Logger
}

// Manager 管理已附加的浏览器页面，在响应阶段暂停请求并执行拦截管线
type Manager struct {
	devtoolsURL    string
	processTimeout time.Duration
	maxBodyBytes   int64
	log            logger.Logger
	pool           *workerPool
	closed         atomic.Bool

	targetsMu sync.Mutex
	targets   map[model.TargetID]*targetSession
}

type targetSession struct {
	id          model.TargetID
	url         string
	conn        *rpcc.Conn
	client      *cdp.Client
	fetch       fetchAPI
	interceptor Interceptor
	ctx         context.Context
	cancel      context.CancelFunc
}

// New 创建 CDP 管理器
func New(opts Options) *Manager {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	timeout := time.Duration(opts.ProcessTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultProcessTimeout
	}
	m := &Manager{
		devtoolsURL:    opts.DevToolsURL,
		processTimeout: timeout,
		maxBodyBytes:   opts.MaxBodyBytes,
		log:            l.With("component", "cdp"),
		targets:        make(map[model.TargetID]*targetSession),
	}
	if opts.Concurrency > 0 {
		m.pool = newWorkerPool(opts.Concurrency, opts.Concurrency*defaultQueueFactor)
	}
	return m
}

// ListTargets 列出浏览器中的页面目标
func (m *Manager) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()

	out := make([]model.TargetInfo, 0, len(targets))
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		id := model.TargetID(t.ID)
		_, attached := m.targets[id]
		out = append(out, model.TargetInfo{
			ID:       id,
			Type:     string(t.Type),
			URL:      t.URL,
			Title:    t.Title,
			Attached: attached,
		})
	}
	return out, nil
}

// AttachTarget 附加到指定页面并开启响应阶段拦截，id 为空时选择第一个页面
func (m *Manager) AttachTarget(ctx context.Context, id model.TargetID, ic Interceptor) (model.TargetID, error) {
	if m.closed.Load() {
		return "", ErrClosed
	}
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return "", fmt.Errorf("list targets: %w", err)
	}
	sel := selectTarget(targets, id)
	if sel == nil {
		return "", fmt.Errorf("%w: %q", ErrNoTarget, id)
	}
	tid := model.TargetID(sel.ID)

	m.targetsMu.Lock()
	if _, ok := m.targets[tid]; ok {
		m.targetsMu.Unlock()
		return tid, nil
	}
	m.targetsMu.Unlock()

	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", sel.WebSocketDebuggerURL, err)
	}
	client := cdp.NewClient(conn)

	pattern := "*"
	err = client.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: []fetch.RequestPattern{
		{URLPattern: &pattern, RequestStage: fetch.RequestStageResponse},
	}})
	if err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("enable fetch: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	ts := &targetSession{
		id:          tid,
		url:         sel.URL,
		conn:        conn,
		client:      client,
		fetch:       client.Fetch,
		interceptor: ic,
		ctx:         sctx,
		cancel:      cancel,
	}

	m.targetsMu.Lock()
	if _, ok := m.targets[tid]; ok {
		m.targetsMu.Unlock()
		m.closeTargetSession(ts)
		return tid, nil
	}
	m.targets[tid] = ts
	m.targetsMu.Unlock()

	go m.consume(ts)
	m.log.Info("已附加页面目标", "target", string(tid), "url", sel.URL)
	return tid, nil
}

// DetachTarget 关闭指定目标的拦截连接
func (m *Manager) DetachTarget(id model.TargetID) error {
	m.targetsMu.Lock()
	ts, ok := m.targets[id]
	if ok {
		delete(m.targets, id)
	}
	m.targetsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoTarget, id)
	}
	m.closeTargetSession(ts)
	m.log.Info("已分离页面目标", "target", string(id))
	return nil
}

// Done 返回目标会话结束时关闭的通道，目标未附加时返回 nil
func (m *Manager) Done(id model.TargetID) <-chan struct{} {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	if ts, ok := m.targets[id]; ok {
		return ts.ctx.Done()
	}
	return nil
}

// Close 分离所有目标并停止 worker
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.targetsMu.Lock()
	sessions := make([]*targetSession, 0, len(m.targets))
	for id, ts := range m.targets {
		sessions = append(sessions, ts)
		delete(m.targets, id)
	}
	m.targetsMu.Unlock()

	for _, ts := range sessions {
		m.closeTargetSession(ts)
	}
	if m.pool != nil {
		m.pool.stop()
	}
}

func (m *Manager) closeTargetSession(ts *targetSession) {
	ts.cancel()
	if ts.conn != nil {
		if err := ts.conn.Close(); err != nil {
			m.log.Debug("关闭目标连接失败", "target", string(ts.id), "error", err.Error())
		}
	}
}

func selectTarget(targets []*devtool.Target, id model.TargetID) *devtool.Target {
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		if id == "" || string(id) == t.ID {
			return t
		}
	}
	return nil
}
