package api

import (
	"context"
	"net/http"

	"mocktail/internal/config"
	"mocktail/internal/handler"
	"mocktail/internal/logger"
	"mocktail/internal/service"
	"mocktail/pkg/model"
)

// SettingsSource 提供实时规则集与开关，并推送变更
type SettingsSource = handler.SettingsSource

// Reporter 接收拦截事件与计数
type Reporter = handler.Reporter

// SettingsBridge 拦截器与宿主设置存储之间的桥
type SettingsBridge = handler.SettingsBridge

// ErrNotStarted 服务尚未启动
var ErrNotStarted = service.ErrNotStarted

// Service 服务接口
type Service interface {
	// Start 打开存储并启动拦截处理器
	Start(ctx context.Context) error

	// Stop 停止所有会话并释放资源
	Stop() error

	// Transport 返回经过拦截的 RoundTripper
	Transport(base http.RoundTripper) (http.RoundTripper, error)

	// ProxyHandler 创建指向 upstream 的改写代理
	ProxyHandler(upstream string) (http.Handler, error)

	// MetricsHandler 返回指标端点
	MetricsHandler() http.Handler

	// WatchRules 监听规则文件直到 done 关闭
	WatchRules(done <-chan struct{}) error

	// ListTargets 列出目标
	ListTargets(ctx context.Context) ([]model.TargetInfo, error)

	// StartSession 附加目标并启动会话
	StartSession(ctx context.Context, target model.TargetID) (model.SessionID, error)

	// StopSession 停止会话
	StopSession(id model.SessionID) error

	// SessionDone 会话目标断开时关闭的通道
	SessionDone(id model.SessionID) (<-chan struct{}, error)

	// Stats 获取拦截统计信息
	Stats(id model.SessionID) (model.EngineStats, error)

	// Events 最近的拦截记录
	Events(ctx context.Context, limit int) ([]model.InterceptEvent, error)
}

// NewService 创建并返回服务接口实现
func NewService(cfg *config.Config, l logger.Logger) Service {
	return service.New(cfg, l)
}

// NewInterceptor 创建独立的拦截处理器，由调用方提供设置桥
func NewInterceptor(bridge SettingsBridge, l logger.Logger) *handler.Handler {
	return handler.New(handler.Config{Source: bridge, Reporter: bridge, Logger: l})
}
