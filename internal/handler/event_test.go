package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mocktail/pkg/model"
	"mocktail/pkg/traffic"
)

func TestWrapEventRequest_ListenersSeeSubstitutedResponse(t *testing.T) {
	srv := jsonServer(t, `{"id":1,"flag":false}`)
	b := newFakeBridge(model.Settings{Enabled: true, Rules: model.RuleSet{Rules: []model.Rule{mergeFlagRule()}}})
	h := startHandler(t, b)

	inner := traffic.NewHTTPEventRequest(context.Background(), nil)
	xhr := h.WrapEventRequest(inner)

	seen := make(chan string, 1)
	xhr.OnLoad(func() { seen <- xhr.Response().Text() })

	require.NoError(t, xhr.Open("GET", srv.URL+"/api/user"))
	require.NoError(t, xhr.Send(nil))
	require.NoError(t, inner.Wait(context.Background()))

	select {
	case body := <-seen:
		assert.Equal(t, `{"id":1,"flag":true}`, body)
	case <-time.After(time.Second):
		t.Fatal("load listener not called")
	}
	assert.Equal(t, `{"id":1,"flag":true}`, inner.Response().Text())
	assert.EqualValues(t, 1, h.Count())

	h.Stop()
	events, counts := b.reported()
	require.Len(t, events, 1)
	assert.Equal(t, model.PrimitiveXHR, events[0].Primitive)
	assert.Equal(t, "GET", events[0].Method)
	assert.Equal(t, []int64{1}, counts)
}

func TestWrapEventRequest_SnapshotFixedAtSend(t *testing.T) {
	srv := jsonServer(t, `{"id":1,"flag":false}`)
	b := newFakeBridge(model.Settings{Enabled: true, Rules: model.RuleSet{Rules: []model.Rule{mergeFlagRule()}}})
	h := startHandler(t, b)
	defer h.Stop()

	inner := traffic.NewHTTPEventRequest(context.Background(), nil)
	xhr := h.WrapEventRequest(inner)
	xhr.OnLoad(func() {})

	require.NoError(t, xhr.Open("GET", srv.URL+"/api/user"))
	require.NoError(t, xhr.Send(nil))

	// 发送后关闭拦截不影响已发出的请求
	off := false
	b.push(model.SettingsDelta{Enabled: &off})

	require.NoError(t, inner.Wait(context.Background()))
	assert.Equal(t, `{"id":1,"flag":true}`, xhr.Response().Text())
}

func TestWrapEventRequest_DisabledPassThrough(t *testing.T) {
	srv := jsonServer(t, `{"id":1,"flag":false}`)
	b := newFakeBridge(model.Settings{Enabled: false, Rules: model.RuleSet{Rules: []model.Rule{mergeFlagRule()}}})
	h := startHandler(t, b)
	defer h.Stop()

	inner := traffic.NewHTTPEventRequest(context.Background(), nil)
	xhr := h.WrapEventRequest(inner)
	require.NoError(t, xhr.Open("GET", srv.URL+"/api/user"))
	require.NoError(t, xhr.Send(nil))
	require.NoError(t, inner.Wait(context.Background()))

	assert.Equal(t, `{"id":1,"flag":false}`, xhr.Response().Text())
	assert.Zero(t, h.Count())
}

func TestWrapEventRequest_ErrorsForwarded(t *testing.T) {
	h := New(Config{})
	defer h.Stop()

	inner := traffic.NewHTTPEventRequest(context.Background(), nil)
	xhr := h.WrapEventRequest(inner)

	assert.ErrorIs(t, xhr.Send(nil), traffic.ErrNotOpened)

	got := make(chan error, 1)
	xhr.OnError(func(err error) { got <- err })
	require.NoError(t, xhr.Open("GET", "http://127.0.0.1:1/unreachable"))
	require.NoError(t, xhr.Send(nil))
	require.NoError(t, inner.Wait(context.Background()))

	select {
	case err := <-got:
		assert.Error(t, err)
		assert.False(t, errors.Is(err, traffic.ErrNotOpened))
	case <-time.After(time.Second):
		t.Fatal("error listener not called")
	}
	assert.Nil(t, xhr.Response())
}
