package traffic

import (
	"net/http"
	"strings"
)

// Header 封装通用的头部操作
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Clone 复制 Header
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Response 中立的响应模型
type Response struct {
	StatusCode int    // 状态码
	StatusText string // 状态描述
	Headers    Header // 响应头
	Body       []byte // 响应体数据
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		StatusText: http.StatusText(http.StatusOK),
		Headers:    make(Header),
	}
}

// ContentType 返回响应的 Content-Type
func (r *Response) ContentType() string {
	if r == nil {
		return ""
	}
	return r.Headers.Get("content-type")
}

// Text 以字符串形式读取响应体，可重复调用
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	return string(r.Body)
}

// IsJSONContentType 判断 Content-Type 是否声明为 JSON
func IsJSONContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "application/json") {
		return true
	}
	mediaType, _, _ := strings.Cut(ct, ";")
	return strings.HasSuffix(strings.TrimSpace(mediaType), "+json")
}
