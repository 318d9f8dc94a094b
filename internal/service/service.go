package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mocktail/internal/bridge"
	"mocktail/internal/cdp"
	"mocktail/internal/config"
	"mocktail/internal/handler"
	"mocktail/internal/logger"
	"mocktail/internal/metrics"
	"mocktail/internal/session"
	"mocktail/internal/storage"
	"mocktail/pkg/model"
)

var (
	// ErrNotStarted 服务尚未启动
	ErrNotStarted = errors.New("service: not started")
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("service: session not found")
)

// Service 组装存储、设置来源、拦截处理器与 CDP 管理器
type Service struct {
	cfg      *config.Config
	log      logger.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	sessions *session.Manager

	mu      sync.Mutex
	started bool
	store   *storage.Store
	file    *bridge.FileSource
	bridge  handler.SettingsBridge
	handler *handler.Handler
	cdp     *cdp.Manager

	// syncDone 关闭后停止数据库变更监听
	syncDone chan struct{}
	syncWG   sync.WaitGroup
}

// New 创建服务，Start 之前不打开任何资源
func New(cfg *config.Config, l logger.Logger) *Service {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if l == nil {
		l = logger.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	return &Service{
		cfg:      cfg,
		log:      l,
		registry: reg,
		metrics:  metrics.NewMetrics(reg),
		sessions: session.NewManager(l),
	}
}

// Start 打开存储、选择设置来源并启动全局拦截处理器
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	store, err := storage.Open(ctx, storage.Options{
		Dsn:           s.cfg.Sqlite.Dsn,
		Prefix:        s.cfg.Sqlite.Prefix,
		StartDisabled: !s.cfg.Intercept.Enabled,
	}, s.log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	var source handler.SettingsSource = store
	var file *bridge.FileSource
	if s.cfg.Intercept.RulesFile != "" {
		file = bridge.NewFileSource(s.cfg.Intercept.RulesFile, s.log)
		if _, err := file.Load(); err != nil {
			_ = store.Close()
			return err
		}
		source = file
	}
	br := bridge.Join(source, store)

	h := s.newHandler(br)
	if err := h.Start(ctx); err != nil {
		h.Stop()
		_ = store.Close()
		return err
	}

	s.store = store
	s.file = file
	s.bridge = br
	s.handler = h
	s.cdp = cdp.New(cdp.Options{
		DevToolsURL:      s.cfg.CDP.DevToolsURL,
		Concurrency:      s.cfg.CDP.Concurrency,
		ProcessTimeoutMS: s.cfg.CDP.ProcessTimeoutMS,
		MaxBodyBytes:     s.cfg.Intercept.MaxBodyBytes,
		Logger:           s.log,
	})
	if file == nil {
		s.watchStore(store)
	}
	s.started = true
	s.log.Info("服务已启动", "dsn", s.cfg.Sqlite.Dsn, "rulesFile", s.cfg.Intercept.RulesFile)
	return nil
}

// Stop 停止所有会话并释放资源
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	for _, sess := range s.sessions.List() {
		s.sessions.Delete(sess.ID)
		sess.Handler.Stop()
	}
	s.cdp.Close()
	if s.syncDone != nil {
		close(s.syncDone)
		s.syncWG.Wait()
		s.syncDone = nil
	}
	s.handler.Stop()
	s.started = false
	s.log.Info("服务已停止")
	return s.store.Close()
}

// watchStore 把其他进程写入数据库的设置变更推送给本进程的处理器
func (s *Service) watchStore(store *storage.Store) {
	interval := time.Duration(s.cfg.Intercept.SyncIntervalMS) * time.Millisecond
	done := make(chan struct{})
	s.syncDone = done
	s.syncWG.Add(1)
	go func() {
		defer s.syncWG.Done()
		if err := store.Watch(done, interval); err != nil {
			s.log.Err(err, "数据库设置监听退出")
		}
	}()
}

func (s *Service) newHandler(src handler.SettingsBridge) *handler.Handler {
	return handler.New(handler.Config{
		Source:       src,
		Reporter:     src,
		Metrics:      s.metrics,
		ReportQueue:  s.cfg.Intercept.ReportQueue,
		PreviewLimit: s.cfg.Intercept.PreviewLimit,
		MaxBodyBytes: s.cfg.Intercept.MaxBodyBytes,
		Logger:       s.log,
	})
}

// Store 返回设置存储
func (s *Service) Store() (*storage.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.store, nil
}

// Handler 返回全局拦截处理器
func (s *Service) Handler() (*handler.Handler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.handler, nil
}

// Transport 返回经过拦截的 RoundTripper
func (s *Service) Transport(base http.RoundTripper) (http.RoundTripper, error) {
	h, err := s.Handler()
	if err != nil {
		return nil, err
	}
	return h.Transport(base), nil
}

// ProxyHandler 创建指向 upstream 的反向代理，响应经过拦截处理器改写
func (s *Service) ProxyHandler(upstream string) (http.Handler, error) {
	h, err := s.Handler()
	if err != nil {
		return nil, err
	}
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream %q: %w", upstream, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream %q must be an absolute URL", upstream)
	}
	log := s.log.With("component", "proxy")
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.SetXForwarded()
			// 由 Transport 自行协商压缩并透明解压，JSON 响应才能被改写
			r.Out.Header.Del("Accept-Encoding")
		},
		Transport: h.Transport(nil),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn("代理请求失败", "url", r.URL.String(), "error", err.Error())
			w.WriteHeader(http.StatusBadGateway)
		},
	}, nil
}

// MetricsHandler 返回 Prometheus 指标端点
func (s *Service) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// WatchRules 监听规则文件，未配置规则文件时立即返回
func (s *Service) WatchRules(done <-chan struct{}) error {
	s.mu.Lock()
	file := s.file
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if file == nil {
		return nil
	}
	return file.Watch(done)
}

// ListTargets 列出可附加的浏览器页面
func (s *Service) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	s.mu.Lock()
	m := s.cdp
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}
	return m.ListTargets(ctx)
}

// StartSession 附加到页面并开启一个新的拦截会话，会话开始时徽标计数清零
func (s *Service) StartSession(ctx context.Context, target model.TargetID) (model.SessionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return "", ErrNotStarted
	}

	if err := s.store.ResetCount(ctx); err != nil {
		return "", err
	}
	h := s.newHandler(s.bridge)
	if err := h.Start(ctx); err != nil {
		h.Stop()
		return "", err
	}
	tid, err := s.cdp.AttachTarget(ctx, target, h)
	if err != nil {
		h.Stop()
		return "", err
	}
	sess := s.sessions.Create(tid, h)
	return sess.ID, nil
}

// StopSession 分离页面并停止会话的拦截处理器
func (s *Service) StopSession(id model.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	sess, ok := s.sessions.Delete(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	err := s.cdp.DetachTarget(sess.Target)
	sess.Handler.Stop()
	if err != nil && !errors.Is(err, cdp.ErrNoTarget) {
		return err
	}
	return nil
}

// SessionDone 返回会话目标断开时关闭的通道
func (s *Service) SessionDone(id model.SessionID) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	done := s.cdp.Done(sess.Target)
	if done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed, nil
	}
	return done, nil
}

// Stats 返回会话的拦截统计，id 为空时返回全局处理器的统计
func (s *Service) Stats(id model.SessionID) (model.EngineStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return model.EngineStats{}, ErrNotStarted
	}
	if id == "" {
		return s.handler.Stats(), nil
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		return model.EngineStats{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.Handler.Stats(), nil
}

// Events 返回最近的拦截记录，最新的在前
func (s *Service) Events(ctx context.Context, limit int) ([]model.InterceptEvent, error) {
	store, err := s.Store()
	if err != nil {
		return nil, err
	}
	return store.Events(ctx, limit)
}
