package handler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"mocktail/pkg/model"
	"mocktail/pkg/traffic"
)

// Transport 包装 http.RoundTripper：先完成真实请求，再按规则替换响应
func (h *Handler) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{h: h, base: base}
}

type transport struct {
	h    *Handler
	base http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	snap := t.h.Settings()

	resp, err := t.base.RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}

	call := Call{URL: req.URL.String(), Method: req.Method, Primitive: model.PrimitiveFetch}
	rule := t.h.Match(snap, call)
	if rule == nil {
		return resp, nil
	}
	return t.h.inspectHTTP(call, rule, resp), nil
}

// inspectHTTP 缓冲响应体并尝试替换；放行时原始响应体保持可读
func (h *Handler) inspectHTTP(call Call, rule *model.Rule, resp *http.Response) *http.Response {
	if resp.Body == nil || resp.Body == http.NoBody {
		resp.Body = http.NoBody
	}
	reader := io.Reader(resp.Body)
	if h.maxBodyBytes > 0 {
		reader = io.LimitReader(resp.Body, h.maxBodyBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		h.log.Debug("读取响应体失败，放行原始响应", "url", call.URL, "error", err.Error())
		h.metrics.ObservePass("read_error")
		resp.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(body), errReader{err}), closer: resp.Body}
		return resp
	}
	if h.maxBodyBytes > 0 && int64(len(body)) > h.maxBodyBytes {
		h.log.Debug("响应体超过上限，放行原始响应", "url", call.URL, "limit", h.maxBodyBytes)
		h.metrics.ObservePass("too_large")
		resp.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(body), resp.Body), closer: resp.Body}
		return resp
	}
	_ = resp.Body.Close()

	synth := h.Substitute(call, rule, traffic.FromHTTP(resp, body))
	if synth == nil {
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return resp
	}
	return toHTTP(resp, synth)
}

// toHTTP 基于原始响应构造合成的 http.Response，保留多值头部
func toHTTP(orig *http.Response, synth *traffic.Response) *http.Response {
	out := new(http.Response)
	*out = *orig
	out.StatusCode = synth.StatusCode
	text := synth.StatusText
	if text == "" {
		text = http.StatusText(synth.StatusCode)
	}
	out.Status = fmt.Sprintf("%d %s", synth.StatusCode, text)

	out.Header = orig.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if out.Header.Get("Content-Length") != "" {
		out.Header.Set("Content-Length", strconv.Itoa(len(synth.Body)))
	}
	out.Header.Del("Content-Encoding")
	out.ContentLength = int64(len(synth.Body))
	out.TransferEncoding = nil
	out.Uncompressed = false
	out.Body = io.NopCloser(bytes.NewReader(synth.Body))
	return out
}

// replayBody 先回放已读取的字节，再继续读取原始响应体
type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error {
	return b.closer.Close()
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) {
	if r.err == nil {
		return 0, errors.New("read error")
	}
	return 0, r.err
}
