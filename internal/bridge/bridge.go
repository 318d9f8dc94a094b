package bridge

import (
	"context"

	"mocktail/internal/handler"
	"mocktail/pkg/model"
)

// Bridge 将独立的设置来源与上报目标组合为 SettingsBridge
type Bridge struct {
	source   handler.SettingsSource
	reporter handler.Reporter
}

// Join 组合设置来源与上报目标，reporter 为空时上报被丢弃
func Join(source handler.SettingsSource, reporter handler.Reporter) *Bridge {
	return &Bridge{source: source, reporter: reporter}
}

func (b *Bridge) GetSettings(ctx context.Context) (model.Settings, error) {
	return b.source.GetSettings(ctx)
}

func (b *Bridge) OnChange(fn func(model.SettingsDelta)) (cancel func()) {
	return b.source.OnChange(fn)
}

func (b *Bridge) ReportIntercept(ctx context.Context, evt model.InterceptEvent) error {
	if b.reporter == nil {
		return nil
	}
	return b.reporter.ReportIntercept(ctx, evt)
}

func (b *Bridge) ReportCount(ctx context.Context, count int64) error {
	if b.reporter == nil {
		return nil
	}
	return b.reporter.ReportCount(ctx, count)
}
