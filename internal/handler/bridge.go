package handler

import (
	"context"

	"mocktail/pkg/model"
)

// SettingsSource 提供实时的拦截开关与规则列表
type SettingsSource interface {
	// GetSettings 读取完整设置
	GetSettings(ctx context.Context) (model.Settings, error)
	// OnChange 订阅设置变更，返回取消订阅函数
	OnChange(fn func(model.SettingsDelta)) (cancel func())
}

// Reporter 接收拦截事件与计数
type Reporter interface {
	ReportIntercept(ctx context.Context, evt model.InterceptEvent) error
	ReportCount(ctx context.Context, count int64) error
}

// SettingsBridge 设置来源与上报目标的组合
type SettingsBridge interface {
	SettingsSource
	Reporter
}
