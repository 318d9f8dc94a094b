package traffic

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
)

var (
	ErrNotOpened   = errors.New("traffic: request not opened")
	ErrAlreadySent = errors.New("traffic: request already sent")
)

// EventRequest 事件式请求原语：open/send 发起请求，load 事件通知响应就绪，
// Response 返回的对象字段可被观察者原地修改
type EventRequest interface {
	Open(method, url string) error
	Send(body []byte) error
	OnLoad(fn func())
	OnError(fn func(error))
	Response() *Response
}

// HTTPEventRequest 基于 http.Client 的事件式请求实现
type HTTPEventRequest struct {
	ctx    context.Context
	client *http.Client
	header http.Header

	mu      sync.Mutex
	method  string
	url     string
	opened  bool
	sent    bool
	resp    *Response
	onLoad  []func()
	onError []func(error)
	done    chan struct{}
}

// NewHTTPEventRequest 创建事件式请求，client 为空时使用 http.DefaultClient
func NewHTTPEventRequest(ctx context.Context, client *http.Client) *HTTPEventRequest {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPEventRequest{
		ctx:    ctx,
		client: client,
		header: make(http.Header),
		done:   make(chan struct{}),
	}
}

// SetRequestHeader 设置请求头，必须在 Send 之前调用
func (r *HTTPEventRequest) SetRequestHeader(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.header.Set(key, value)
}

func (r *HTTPEventRequest) Open(method, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent {
		return ErrAlreadySent
	}
	r.method = method
	r.url = url
	r.opened = true
	return nil
}

func (r *HTTPEventRequest) Send(body []byte) error {
	r.mu.Lock()
	if !r.opened {
		r.mu.Unlock()
		return ErrNotOpened
	}
	if r.sent {
		r.mu.Unlock()
		return ErrAlreadySent
	}
	r.sent = true
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(r.ctx, r.method, r.url, reader)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	req.Header = r.header.Clone()
	r.mu.Unlock()

	go r.run(req)
	return nil
}

func (r *HTTPEventRequest) run(req *http.Request) {
	defer close(r.done)

	resp, err := r.client.Do(req)
	if err != nil {
		r.fireError(err)
		return
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		r.fireError(err)
		return
	}

	r.mu.Lock()
	r.resp = FromHTTP(resp, body)
	listeners := append([]func(){}, r.onLoad...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

func (r *HTTPEventRequest) fireError(err error) {
	r.mu.Lock()
	listeners := append([]func(error){}, r.onError...)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(err)
	}
}

// OnLoad 注册响应就绪回调，按注册顺序调用
func (r *HTTPEventRequest) OnLoad(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLoad = append(r.onLoad, fn)
}

// OnError 注册网络错误回调
func (r *HTTPEventRequest) OnError(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = append(r.onError, fn)
}

// Response 返回当前响应，响应未就绪时为 nil
func (r *HTTPEventRequest) Response() *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resp
}

// Wait 阻塞直到请求完成（包括所有回调执行完毕）
func (r *HTTPEventRequest) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
