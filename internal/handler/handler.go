package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"mocktail/internal/logger"
	"mocktail/internal/metrics"
	"mocktail/internal/rules"
	"mocktail/internal/transform"
	"mocktail/pkg/model"
	"mocktail/pkg/traffic"
)

// Handler 拦截处理器，负责协调设置快照、规则匹配、响应改写和事件上报
type Handler struct {
	source       SettingsSource
	reports      *reportQueue
	metrics      *metrics.Metrics
	previewLimit int
	maxBodyBytes int64
	log          logger.Logger

	// updateMu 串行化快照的读改写，并发变更不会互相覆盖
	updateMu sync.Mutex
	settings atomic.Pointer[model.Settings]
	count    atomic.Int64
	total    atomic.Int64
	matched  atomic.Int64

	statsMu sync.Mutex
	byRule  map[model.RuleID]int64

	cancelMu sync.Mutex
	cancel   func()
}

// Config 配置选项
type Config struct {
	Source       SettingsSource
	Reporter     Reporter
	Metrics      *metrics.Metrics
	ReportQueue  int
	PreviewLimit int
	MaxBodyBytes int64
	Logger       logger.Logger
}

// Call 一次被拦截调用的请求信息
type Call struct {
	URL       string
	Method    string
	Primitive model.Primitive
}

// New 创建拦截处理器，Start 之前拦截处于关闭状态
func New(cfg Config) *Handler {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	previewLimit := cfg.PreviewLimit
	if previewLimit <= 0 {
		previewLimit = transform.DefaultPreviewLimit
	}
	h := &Handler{
		source:       cfg.Source,
		metrics:      cfg.Metrics,
		previewLimit: previewLimit,
		maxBodyBytes: cfg.MaxBodyBytes,
		log:          l.With("component", "handler"),
		byRule:       make(map[model.RuleID]int64),
	}
	h.reports = newReportQueue(cfg.Reporter, cfg.ReportQueue, h.log, cfg.Metrics)
	h.settings.Store(&model.Settings{})
	return h
}

// Start 读取一次完整设置并订阅后续变更
func (h *Handler) Start(ctx context.Context) error {
	if h.source == nil {
		return nil
	}
	s, err := h.source.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	h.Replace(s)

	cancel := h.source.OnChange(h.Update)
	h.cancelMu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.cancel = cancel
	h.cancelMu.Unlock()

	h.log.Info("拦截处理器已启动", "enabled", s.Enabled, "rules", len(s.Rules.Rules))
	return nil
}

// Stop 取消订阅并等待已入队的上报投递完毕
func (h *Handler) Stop() {
	h.cancelMu.Lock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.cancelMu.Unlock()
	h.reports.close()
}

// Replace 以完整设置替换当前快照
func (h *Handler) Replace(s model.Settings) {
	h.updateMu.Lock()
	defer h.updateMu.Unlock()
	h.replaceLocked(s)
}

func (h *Handler) replaceLocked(s model.Settings) {
	snap := model.Settings{Enabled: s.Enabled, Rules: s.Rules.Clone()}
	h.settings.Store(&snap)
	h.metrics.SetSettings(snap.Enabled, len(snap.Rules.Rules))
}

// Update 合并变更生成新快照，未出现在变更中的字段保持不变
func (h *Handler) Update(delta model.SettingsDelta) {
	if delta.Empty() {
		return
	}
	h.updateMu.Lock()
	defer h.updateMu.Unlock()
	cur := h.Settings()
	next := model.Settings{Enabled: cur.Enabled, Rules: cur.Rules}
	if delta.Enabled != nil {
		next.Enabled = *delta.Enabled
	}
	if delta.Rules != nil {
		next.Rules = *delta.Rules
	}
	h.replaceLocked(next)
	h.log.Debug("设置已更新", "enabled", next.Enabled, "rules", len(next.Rules.Rules))
}

// Settings 返回当前快照，调用方不得修改
func (h *Handler) Settings() *model.Settings {
	return h.settings.Load()
}

// Count 返回进程内累计替换次数
func (h *Handler) Count() int64 {
	return h.count.Load()
}

// Stats 返回拦截统计
func (h *Handler) Stats() model.EngineStats {
	h.statsMu.Lock()
	byRule := make(map[model.RuleID]int64, len(h.byRule))
	for k, v := range h.byRule {
		byRule[k] = v
	}
	h.statsMu.Unlock()
	return model.EngineStats{
		Total:   h.total.Load(),
		Matched: h.matched.Load(),
		ByRule:  byRule,
	}
}

// Match 在调度时刻的快照上查找规则，关闭或无匹配时返回 nil
func (h *Handler) Match(snap *model.Settings, call Call) *model.Rule {
	h.total.Add(1)
	h.metrics.ObserveCall(string(call.Primitive))
	if snap == nil || !snap.Enabled {
		h.metrics.ObservePass("disabled")
		return nil
	}
	r := rules.FindMatch(call.URL, snap.Rules.Rules)
	if r == nil {
		h.metrics.ObservePass("no_match")
		return nil
	}
	h.matched.Add(1)
	h.log.Debug("命中规则", "url", call.URL, "rule", r.Name, "primitive", string(call.Primitive))
	return r
}

// Substitute 由原始响应与命中规则生成合成响应，需要放行时返回 nil。
// 内部任何错误或 panic 都降级为放行。
func (h *Handler) Substitute(call Call, rule *model.Rule, orig *traffic.Response) (out *traffic.Response) {
	if rule == nil || orig == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("改写响应时发生 panic，放行原始响应", "url", call.URL, "rule", rule.Name, "panic", fmt.Sprint(r))
			h.metrics.ObserveTransformError("panic")
			out = nil
		}
	}()

	var original, modified string
	var body []byte
	if traffic.IsJSONContentType(orig.ContentType()) {
		if !transform.Supported(rule.ActionType) {
			h.metrics.ObservePass("unsupported_action")
			return nil
		}
		result, err := transform.Apply(json.RawMessage(orig.Body), *rule)
		if err != nil {
			kind := transform.ErrorKind(err)
			h.log.Warn("改写响应失败，放行原始响应", "url", call.URL, "rule", rule.Name, "kind", kind, "error", err.Error())
			h.metrics.ObserveTransformError(kind)
			return nil
		}
		body = result
		original = compactPreview(orig.Body, h.previewLimit)
		modified = transform.Preview(string(result), h.previewLimit)
	} else {
		text, ok := transform.ReplaceText(*rule)
		if !ok {
			h.metrics.ObservePass("not_json")
			return nil
		}
		body = []byte(text)
		original = transform.Preview(orig.Text(), h.previewLimit)
		modified = transform.Preview(text, h.previewLimit)
	}

	out = synthesize(orig, rule, body)
	h.record(call, rule, out.StatusCode, original, modified)
	return out
}

// record 计数并异步上报一次替换
func (h *Handler) record(call Call, rule *model.Rule, status int, original, modified string) {
	n := h.count.Add(1)
	h.statsMu.Lock()
	h.byRule[rule.ID]++
	h.statsMu.Unlock()
	h.metrics.ObserveIntercept(rule.Name, string(call.Primitive))

	h.reports.enqueue(reportJob{
		event: model.InterceptEvent{
			URL:          call.URL,
			Method:       call.Method,
			RuleID:       rule.ID,
			RuleName:     rule.Name,
			Primitive:    call.Primitive,
			StatusCode:   status,
			OriginalData: original,
			ModifiedData: modified,
			Timestamp:    time.Now(),
		},
		count: n,
	})
	h.log.Info("响应已替换", "url", call.URL, "rule", rule.Name, "count", n)
}

// synthesize 构造合成响应：状态码按规则覆盖，状态描述与头部沿用原始响应
func synthesize(orig *traffic.Response, rule *model.Rule, body []byte) *traffic.Response {
	out := &traffic.Response{
		StatusCode: orig.StatusCode,
		StatusText: orig.StatusText,
		Headers:    orig.Headers.Clone(),
		Body:       body,
	}
	if code := overrideStatus(rule); code > 0 {
		out.StatusCode = code
	}
	if out.Headers.Get("content-length") != "" {
		out.Headers.Set("content-length", strconv.Itoa(len(body)))
	}
	out.Headers.Del("content-encoding")
	return out
}

func overrideStatus(rule *model.Rule) int {
	if rule.StatusCode == nil || *rule.StatusCode <= 0 {
		return 0
	}
	return *rule.StatusCode
}

func compactPreview(body []byte, n int) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return transform.Preview(string(body), n)
	}
	return transform.Preview(buf.String(), n)
}
