package handler

import (
	"sync"

	"mocktail/pkg/model"
	"mocktail/pkg/traffic"
)

// WrapEventRequest 包装事件式请求原语。
// URL 与方法在 Open 时记录，快照与匹配在 Send 时确定；
// 替换在 load 回调中完成，先于包装对象上注册的所有监听器执行。
func (h *Handler) WrapEventRequest(inner traffic.EventRequest) traffic.EventRequest {
	w := &eventRequest{h: h, inner: inner}
	inner.OnLoad(w.handleLoad)
	return w
}

type eventRequest struct {
	h     *Handler
	inner traffic.EventRequest

	mu     sync.Mutex
	call   Call
	rule   *model.Rule
	onLoad []func()
}

func (w *eventRequest) Open(method, url string) error {
	if err := w.inner.Open(method, url); err != nil {
		return err
	}
	w.mu.Lock()
	w.call = Call{URL: url, Method: method, Primitive: model.PrimitiveXHR}
	w.rule = nil
	w.mu.Unlock()
	return nil
}

func (w *eventRequest) Send(body []byte) error {
	w.mu.Lock()
	w.rule = w.h.Match(w.h.Settings(), w.call)
	w.mu.Unlock()

	if err := w.inner.Send(body); err != nil {
		w.mu.Lock()
		w.rule = nil
		w.mu.Unlock()
		return err
	}
	return nil
}

func (w *eventRequest) handleLoad() {
	w.mu.Lock()
	call, rule := w.call, w.rule
	listeners := append([]func(){}, w.onLoad...)
	w.mu.Unlock()

	if rule != nil {
		if resp := w.inner.Response(); resp != nil {
			if synth := w.h.Substitute(call, rule, resp); synth != nil {
				*resp = *synth
			}
		}
	}

	for _, fn := range listeners {
		fn()
	}
}

func (w *eventRequest) OnLoad(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onLoad = append(w.onLoad, fn)
}

func (w *eventRequest) OnError(fn func(error)) {
	w.inner.OnError(fn)
}

func (w *eventRequest) Response() *traffic.Response {
	return w.inner.Response()
}
