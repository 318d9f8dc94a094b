package cdp

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"mocktail/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
)

// ToNeutralResponse 将响应阶段的暂停事件转换为中立 Response 模型
func ToNeutralResponse(ev *fetch.RequestPausedReply, body []byte) *traffic.Response {
	res := traffic.NewResponse()
	if ev.ResponseStatusCode != nil {
		res.StatusCode = *ev.ResponseStatusCode
		res.StatusText = http.StatusText(res.StatusCode)
	}
	if ev.ResponseStatusText != nil && *ev.ResponseStatusText != "" {
		res.StatusText = *ev.ResponseStatusText
	}
	for _, h := range ev.ResponseHeaders {
		if prev := res.Headers.Get(h.Name); prev != "" {
			res.Headers.Set(h.Name, prev+", "+h.Value)
			continue
		}
		res.Headers.Set(h.Name, h.Value)
	}
	res.Body = body
	return res
}

// DecodeBody 解码 Fetch.getResponseBody 的返回内容
func DecodeBody(reply *fetch.GetResponseBodyReply) ([]byte, error) {
	if reply == nil {
		return nil, nil
	}
	if !reply.Base64Encoded {
		return []byte(reply.Body), nil
	}
	b, err := base64.StdEncoding.DecodeString(reply.Body)
	if err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	return b, nil
}

// ToHeaderEntries 将中立 Header 转换为 CDP Header 条目，按名称排序
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for _, k := range names {
		entries = append(entries, fetch.HeaderEntry{Name: k, Value: h[k]})
	}
	return entries
}

// ToFulfillArgs 用合成响应构造 Fetch.fulfillRequest 参数
func ToFulfillArgs(id fetch.RequestID, res *traffic.Response) *fetch.FulfillRequestArgs {
	args := &fetch.FulfillRequestArgs{
		RequestID:       id,
		ResponseCode:    res.StatusCode,
		ResponseHeaders: ToHeaderEntries(res.Headers),
		Body:            res.Body,
	}
	if res.StatusText != "" {
		phrase := res.StatusText
		args.ResponsePhrase = &phrase
	}
	return args
}

// UnsafeBody 识别不宜读取响应体的暂停事件（流式内容或超过上限的长度）
func UnsafeBody(ev *fetch.RequestPausedReply, maxBytes int64) (bool, string) {
	rt := string(ev.ResourceType)
	if rt == "WebSocket" || rt == "EventSource" {
		return true, "long connection: " + rt
	}
	for _, h := range ev.ResponseHeaders {
		switch strings.ToLower(h.Name) {
		case "content-length":
			size, err := strconv.ParseInt(strings.TrimSpace(h.Value), 10, 64)
			if err == nil && maxBytes > 0 && size > maxBytes {
				return true, fmt.Sprintf("size exceeds limit (%d bytes)", size)
			}
		case "content-type":
			ct := strings.ToLower(h.Value)
			if strings.HasPrefix(ct, "video/") || strings.HasPrefix(ct, "audio/") ||
				strings.HasPrefix(ct, "text/event-stream") {
				return true, "streaming content-type: " + ct
			}
		}
	}
	return false, ""
}
