package traffic

import (
	"net/http"
	"strconv"
	"strings"
)

// StatusText 从 net/http 的 Status 字段中取出状态描述（"200 OK" -> "OK"）
func StatusText(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	if text, ok := strings.CutPrefix(resp.Status, strconv.Itoa(resp.StatusCode)); ok {
		return strings.TrimSpace(text)
	}
	if resp.Status != "" {
		return resp.Status
	}
	return http.StatusText(resp.StatusCode)
}

// FromHTTP 将 net/http 响应转换为中立 Response 模型，多值 Header 以 ", " 连接
func FromHTTP(resp *http.Response, body []byte) *Response {
	res := NewResponse()
	if resp == nil {
		return res
	}
	res.StatusCode = resp.StatusCode
	res.StatusText = StatusText(resp)
	for k, vals := range resp.Header {
		res.Headers.Set(k, strings.Join(vals, ", "))
	}
	res.Body = body
	return res
}
