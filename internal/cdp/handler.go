package cdp

import (
	"context"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"

	adapter "mocktail/internal/adapter/cdp"
	"mocktail/internal/handler"
	"mocktail/pkg/model"
)

// handle 处理一次响应阶段的暂停事件：匹配规则、读取响应体、改写后回填或放行
func (m *Manager) handle(ts *targetSession, ev *fetch.RequestPausedReply) {
	ctx, cancel := context.WithTimeout(ts.ctx, m.processTimeout)
	defer cancel()
	start := time.Now()

	if ev.ResponseStatusCode == nil || ev.ResponseErrorReason != nil {
		m.continueRequest(ctx, ts, ev)
		return
	}

	call := handler.Call{URL: ev.Request.URL, Method: ev.Request.Method, Primitive: model.PrimitiveCDP}
	rule := ts.interceptor.Match(ts.interceptor.Settings(), call)
	if rule == nil {
		m.continueRequest(ctx, ts, ev)
		return
	}

	if unsafe, reason := adapter.UnsafeBody(ev, m.maxBodyBytes); unsafe {
		m.log.Debug("响应体不宜读取，直接放行", "url", call.URL, "reason", reason)
		m.continueRequest(ctx, ts, ev)
		return
	}

	reply, err := ts.fetch.GetResponseBody(ctx, &fetch.GetResponseBodyArgs{RequestID: ev.RequestID})
	if err != nil {
		m.log.Debug("获取响应体失败，直接放行", "url", call.URL, "error", err.Error())
		m.continueRequest(ctx, ts, ev)
		return
	}
	body, err := adapter.DecodeBody(reply)
	if err != nil {
		m.log.Debug("解码响应体失败，直接放行", "url", call.URL, "error", err.Error())
		m.continueRequest(ctx, ts, ev)
		return
	}

	synth := ts.interceptor.Substitute(call, rule, adapter.ToNeutralResponse(ev, body))
	if synth == nil {
		m.continueRequest(ctx, ts, ev)
		return
	}
	if err := ts.fetch.FulfillRequest(ctx, adapter.ToFulfillArgs(ev.RequestID, synth)); err != nil {
		m.log.Err(err, "回填合成响应失败", "target", string(ts.id), "url", call.URL)
		return
	}
	m.log.Debug("拦截事件处理完成", "url", call.URL, "rule", rule.Name, "duration", time.Since(start))
}

// continueRequest 放行暂停中的请求，响应阶段时沿用原始响应
func (m *Manager) continueRequest(ctx context.Context, ts *targetSession, ev *fetch.RequestPausedReply) {
	if err := ts.fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID}); err != nil {
		m.log.Debug("放行请求失败", "target", string(ts.id), "requestID", string(ev.RequestID), "error", err.Error())
	}
}

// dispatchPaused 根据并发配置调度单次拦截事件处理
func (m *Manager) dispatchPaused(ts *targetSession, ev *fetch.RequestPausedReply) {
	if m.pool == nil {
		go m.handle(ts, ev)
		return
	}
	submitted := m.pool.submit(func() {
		m.handle(ts, ev)
	})
	if !submitted {
		m.degradeAndContinue(ts, ev, "并发队列已满")
	}
}

// consume 持续接收拦截事件并按并发限制分发处理
func (m *Manager) consume(ts *targetSession) {
	rp, err := ts.client.Fetch.RequestPaused(ts.ctx)
	if err != nil {
		m.log.Err(err, "订阅拦截事件流失败", "target", string(ts.id))
		m.handleTargetStreamClosed(ts, err)
		return
	}
	defer rp.Close()

	m.log.Info("开始消费拦截事件流", "target", string(ts.id))
	for {
		ev, err := rp.Recv()
		if err != nil {
			m.handleTargetStreamClosed(ts, err)
			return
		}
		m.dispatchPaused(ts, ev)
	}
}

// handleTargetStreamClosed 处理单个目标的拦截流终止
func (m *Manager) handleTargetStreamClosed(ts *targetSession, err error) {
	if ts.ctx.Err() != nil {
		m.log.Info("目标会话已关闭，停止事件消费", "target", string(ts.id))
		return
	}

	m.log.Warn("拦截流被中断，自动移除目标", "target", string(ts.id), "error", err.Error())

	m.targetsMu.Lock()
	if cur, ok := m.targets[ts.id]; ok && cur == ts {
		delete(m.targets, ts.id)
	}
	m.targetsMu.Unlock()
	m.closeTargetSession(ts)
}

// degradeAndContinue 统一的降级处理：直接放行请求
func (m *Manager) degradeAndContinue(ts *targetSession, ev *fetch.RequestPausedReply, reason string) {
	m.log.Warn("执行降级策略：直接放行", "target", string(ts.id), "reason", reason, "requestID", string(ev.RequestID))
	ctx, cancel := context.WithTimeout(ts.ctx, time.Second)
	defer cancel()
	m.continueRequest(ctx, ts, ev)
}
