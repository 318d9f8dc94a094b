package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mocktail/internal/logger"
	"mocktail/internal/metrics"
	"mocktail/pkg/model"
	"mocktail/pkg/traffic"
)

type fakeBridge struct {
	mu        sync.Mutex
	settings  model.Settings
	listeners map[int]func(model.SettingsDelta)
	nextID    int
	events    []model.InterceptEvent
	counts    []int64
	getErr    error
	block     chan struct{}
}

func newFakeBridge(s model.Settings) *fakeBridge {
	return &fakeBridge{settings: s, listeners: make(map[int]func(model.SettingsDelta))}
}

func (b *fakeBridge) GetSettings(context.Context) (model.Settings, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settings, b.getErr
}

func (b *fakeBridge) OnChange(fn func(model.SettingsDelta)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

func (b *fakeBridge) push(d model.SettingsDelta) {
	b.mu.Lock()
	fns := make([]func(model.SettingsDelta), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(d)
	}
}

func (b *fakeBridge) ReportIntercept(_ context.Context, evt model.InterceptEvent) error {
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
	return nil
}

func (b *fakeBridge) ReportCount(_ context.Context, n int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts = append(b.counts, n)
	return nil
}

func (b *fakeBridge) reported() ([]model.InterceptEvent, []int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.InterceptEvent(nil), b.events...), append([]int64(nil), b.counts...)
}

func jsonServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func mergeFlagRule() model.Rule {
	return model.Rule{
		ID:         "r-merge",
		Name:       "flag on",
		URLPattern: "/api/",
		MatchType:  model.MatchContains,
		ActionType: model.ActionMerge,
		MockData:   json.RawMessage(`{"flag":true}`),
		Enabled:    true,
	}
}

func startHandler(t *testing.T, b *fakeBridge) *Handler {
	t.Helper()
	h := New(Config{Source: b, Reporter: b})
	require.NoError(t, h.Start(context.Background()))
	return h
}

func get(t *testing.T, client *http.Client, url string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestTransport_MergeEndToEnd(t *testing.T) {
	srv := jsonServer(t, `{"id":1,"flag":false}`)
	b := newFakeBridge(model.Settings{Enabled: true, Rules: model.RuleSet{Rules: []model.Rule{mergeFlagRule()}}})
	h := startHandler(t, b)
	client := &http.Client{Transport: h.Transport(nil)}

	resp, body := get(t, client, srv.URL+"/api/user")
	assert.Equal(t, `{"id":1,"flag":true}`, body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "200 OK", resp.Status)
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	assert.Equal(t, strconv.Itoa(len(body)), resp.Header.Get("Content-Length"))
	assert.EqualValues(t, len(body), resp.ContentLength)
	assert.EqualValues(t, 1, h.Count())

	h.Stop()
	events, counts := b.reported()
	require.Len(t, events, 1)
	assert.Equal(t, srv.URL+"/api/user", events[0].URL)
	assert.Equal(t, "flag on", events[0].RuleName)
	assert.Equal(t, model.RuleID("r-merge"), events[0].RuleID)
	assert.Equal(t, model.PrimitiveFetch, events[0].Primitive)
	assert.Equal(t, http.MethodGet, events[0].Method)
	assert.Equal(t, `{"id":1,"flag":false}`, events[0].OriginalData)
	assert.Equal(t, `{"id":1,"flag":true}`, events[0].ModifiedData)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, []int64{1}, counts)

	stats := h.Stats()
	assert.EqualValues(t, 1, stats.Total)
	assert.EqualValues(t, 1, stats.Matched)
	assert.EqualValues(t, 1, stats.ByRule["r-merge"])
}

func TestTransport_DisabledPassThroughIsByteIdentical(t *testing.T) {
	const raw = "{ \"id\" : 1,\n \"flag\": false }"
	srv := jsonServer(t, raw)
	b := newFakeBridge(model.Settings{Enabled: false, Rules: model.RuleSet{Rules: []model.Rule{mergeFlagRule()}}})
	h := startHandler(t, b)
	client := &http.Client{Transport: h.Transport(nil)}

	_, body := get(t, client, srv.URL+"/api/user")
	assert.Equal(t, raw, body)
	assert.Zero(t, h.Count())

	h.Stop()
	events, counts := b.reported()
	assert.Empty(t, events)
	assert.Empty(t, counts)
}

func TestTransport_NoMatchPassThrough(t *testing.T) {
	srv := jsonServer(t, `{"a": 1}`)
	b := newFakeBridge(model.Settings{Enabled: true, Rules: model.RuleSet{Rules: []model.Rule{mergeFlagRule()}}})
	h := startHandler(t, b)
	defer h.Stop()
	client := &http.Client{Transport: h.Transport(nil)}

	_, body := get(t, client, srv.URL+"/other")
	assert.Equal(t, `{"a": 1}`, body)
	assert.Zero(t, h.Count())
}

func TestTransport_MalformedMockDataPassThrough(t *testing.T) {
	srv := jsonServer(t, `{"a": 1}`)
	r := mergeFlagRule()
	r.ActionType = model.ActionReplace
	r.MockData = json.RawMessage(`"{not json"`)
	b := newFakeBridge(model.Settings{Enabled: true, Rules: model.RuleSet{Rules: []model.Rule{r}}})
	reg := prometheus.NewRegistry()
	h := New(Config{Source: b, Reporter: b, Metrics: metrics.NewMetrics(reg)})
	require.NoError(t, h.Start(context.Background()))
	client := &http.Client{Transport: h.Transport(nil)}

	_, body := get(t, client, srv.URL+"/api/x")
	assert.Equal(t, `{"a": 1}`, body)
	assert.Zero(t, h.Count())

	h.Stop()
	events, _ := b.reported()
	assert.Empty(t, events)
}

func TestTransport_InvalidOriginalJSONPassThrough(t *testing.T) {
	srv := jsonServer(t, `{"a": `)
	b := newFakeBridge(model.Settings{Enabled: true, Rules: model.RuleSet{Rules: []model.Rule{mergeFlagRule()}}})
	h := startHandler(t, b)
	defer h.Stop()
	client := &http.Client{Transport: h.Transport(nil)}

	_, body := get(t, client, srv.URL+"/api/x")
	assert.Equal(t, `{"a": `, body)
	assert.Zero(t, h.Count())
}

func TestTransport_StatusOverrideKeepsStatusText(t *testing.T) {
	srv := jsonServer(t, `{"a":1}`)
	r := mergeFlagRule()
	r.ActionType = model.ActionReplace
	r.MockData = json.RawMessage(`{"error":"boom"}`)
	code := http.StatusInternalServerError
	r.StatusCode = &code
	b := newFakeBridge(model.Settings{Enabled: true, Rules: model.RuleSet{Rules: []model.Rule{r}}})
	h := startHandler(t, b)
	defer h.Stop()
	client := &http.Client{Transport: h.Transport(nil)}

	resp, body := get(t, client, srv.URL+"/api/x")
	assert.Equal(t, `{"error":"boom"}`, body)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "500 OK", resp.Status)
}

func TestTransport_TextReplacement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "original text")
	}))
	defer srv.Close()

	r := mergeFlagRule()
	r.ActionType = model.ActionReplace
	r.MockData = json.RawMessage(`"mocked text"`)
	b := newFakeBridge(model.Settings{Enabled: true, Rules: model.RuleSet{Rules: []model.Rule{r}}})
	h := startHandler(t, b)
	client := &http.Client{Transport: h.Transport(nil)}

	_, body := get(t, client, srv.URL+"/api/page")
	assert.Equal(t, "mocked text", body)
	assert.EqualValues(t, 1, h.Count())

	h.Stop()
	events, _ := b.reported()
	require.Len(t, events, 1)
	assert.Equal(t, "original text", events[0].OriginalData)
	assert.Equal(t, "mocked text", events[0].ModifiedData)
}

func TestTransport_TextNotReplacedForMerge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<p>hi</p>")
	}))
	defer srv.Close()

	b := newFakeBridge(model.Settings{Enabled: true, Rules: model.RuleSet{Rules: []model.Rule{mergeFlagRule()}}})
	h := startHandler(t, b)
	defer h.Stop()
	client := &http.Client{Transport: h.Transport(nil)}

	_, body := get(t, client, srv.URL+"/api/page")
	assert.Equal(t, "<p>hi</p>", body)
	assert.Zero(t, h.Count())
}

func TestTransport_UnknownActionNotCounted(t *testing.T) {
	srv := jsonServer(t, `{"a":1}`)
	r := mergeFlagRule()
	r.ActionType = "delete"
	b := newFakeBridge(model.Settings{Enabled: true, Rules: model.RuleSet{Rules: []model.Rule{r}}})
	h := startHandler(t, b)
	defer h.Stop()
	client := &http.Client{Transport: h.Transport(nil)}

	_, body := get(t, client, srv.URL+"/api/x")
	assert.Equal(t, `{"a":1}`, body)
	assert.Zero(t, h.Count())
}

func TestTransport_BodyLimitPassThrough(t *testing.T) {
	srv := jsonServer(t, `{"id":1,"flag":false}`)
	b := newFakeBridge(model.Settings{Enabled: true, Rules: model.RuleSet{Rules: []model.Rule{mergeFlagRule()}}})
	h := New(Config{Source: b, Reporter: b, MaxBodyBytes: 4})
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()
	client := &http.Client{Transport: h.Transport(nil)}

	_, body := get(t, client, srv.URL+"/api/x")
	assert.Equal(t, `{"id":1,"flag":false}`, body)
	assert.Zero(t, h.Count())
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestTransport_NetworkErrorIsReturned(t *testing.T) {
	b := newFakeBridge(model.Settings{Enabled: true, Rules: model.RuleSet{Rules: []model.Rule{mergeFlagRule()}}})
	h := startHandler(t, b)
	defer h.Stop()

	boom := errors.New("connection refused")
	rt := h.Transport(roundTripFunc(func(*http.Request) (*http.Response, error) { return nil, boom }))
	req := httptest.NewRequest(http.MethodGet, "http://example.test/api/x", nil)
	_, err := rt.RoundTrip(req)
	assert.ErrorIs(t, err, boom)
}

func TestHandler_ChangeNotificationReplacesSnapshot(t *testing.T) {
	srv := jsonServer(t, `{"id":1,"flag":false}`)
	b := newFakeBridge(model.Settings{Enabled: true})
	h := startHandler(t, b)
	defer h.Stop()
	client := &http.Client{Transport: h.Transport(nil)}

	_, body := get(t, client, srv.URL+"/api/x")
	assert.Equal(t, `{"id":1,"flag":false}`, body)

	b.push(model.SettingsDelta{Rules: &model.RuleSet{Rules: []model.Rule{mergeFlagRule()}}})
	_, body = get(t, client, srv.URL+"/api/x")
	assert.Equal(t, `{"id":1,"flag":true}`, body)

	off := false
	b.push(model.SettingsDelta{Enabled: &off})
	assert.False(t, h.Settings().Enabled)
	assert.Len(t, h.Settings().Rules.Rules, 1)
	_, body = get(t, client, srv.URL+"/api/x")
	assert.Equal(t, `{"id":1,"flag":false}`, body)
}

func TestHandler_SnapshotIsolatedFromCaller(t *testing.T) {
	rs := model.RuleSet{Rules: []model.Rule{mergeFlagRule()}}
	h := New(Config{})
	defer h.Stop()
	h.Replace(model.Settings{Enabled: true, Rules: rs})

	rs.Rules[0].URLPattern = "/nothing"
	assert.Equal(t, "/api/", h.Settings().Rules.Rules[0].URLPattern)
}

func TestHandler_StartPropagatesSourceError(t *testing.T) {
	b := newFakeBridge(model.Settings{})
	b.getErr = errors.New("store unavailable")
	h := New(Config{Source: b, Reporter: b})
	defer h.Stop()
	assert.ErrorIs(t, h.Start(context.Background()), b.getErr)
}

func TestHandler_StopCancelsSubscription(t *testing.T) {
	b := newFakeBridge(model.Settings{Enabled: true})
	h := startHandler(t, b)
	h.Stop()

	off := false
	b.push(model.SettingsDelta{Enabled: &off})
	assert.True(t, h.Settings().Enabled)
}

func TestReportQueue_DropsWhenFull(t *testing.T) {
	b := newFakeBridge(model.Settings{})
	b.block = make(chan struct{})
	q := newReportQueue(b, 1, logger.NewNop(), nil)

	// 第一条被消费者取走并阻塞，第二条占满队列，第三条被丢弃
	require.True(t, q.enqueue(reportJob{event: model.InterceptEvent{URL: "1"}, count: 1}))
	require.Eventually(t, func() bool { return len(q.jobs) == 0 }, time.Second, time.Millisecond)
	require.True(t, q.enqueue(reportJob{event: model.InterceptEvent{URL: "2"}, count: 2}))

	done := make(chan bool)
	go func() { done <- q.enqueue(reportJob{event: model.InterceptEvent{URL: "3"}, count: 3}) }()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked")
	}

	close(b.block)
	q.close()
	events, counts := b.reported()
	require.Len(t, events, 2)
	assert.Equal(t, "1", events[0].URL)
	assert.Equal(t, "2", events[1].URL)
	assert.Equal(t, []int64{1, 2}, counts)

	assert.False(t, q.enqueue(reportJob{}))
}

func TestSubstitute_NilHeadersPassThrough(t *testing.T) {
	h := New(Config{})
	defer h.Stop()

	resp := traffic.NewResponse()
	resp.Headers = nil
	resp.Body = []byte(`{}`)
	r := mergeFlagRule()
	assert.NotPanics(t, func() {
		assert.Nil(t, h.Substitute(Call{URL: "u"}, &r, resp))
	})
	assert.Zero(t, h.Count())
}

func TestSynthesize_DropsContentEncoding(t *testing.T) {
	orig := traffic.NewResponse()
	orig.StatusText = "Created"
	orig.StatusCode = http.StatusCreated
	orig.Headers.Set("Content-Encoding", "gzip")
	orig.Headers.Set("Content-Type", "application/json")
	r := mergeFlagRule()

	out := synthesize(orig, &r, []byte(`{}`))
	assert.Equal(t, "", out.Headers.Get("content-encoding"))
	assert.Equal(t, "application/json", out.Headers.Get("content-type"))
	assert.Equal(t, http.StatusCreated, out.StatusCode)
	assert.Equal(t, "Created", out.StatusText)
	assert.Equal(t, "gzip", orig.Headers.Get("content-encoding"))
}

func TestTransport_KeepsWorkingAfterFailedSubstitution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/api/broken" {
			_, _ = io.WriteString(w, `{"a": `)
			return
		}
		_, _ = io.WriteString(w, `{"a":1}`)
	}))
	defer srv.Close()

	b := newFakeBridge(model.Settings{Enabled: true, Rules: model.RuleSet{Rules: []model.Rule{mergeFlagRule()}}})
	h := startHandler(t, b)
	client := &http.Client{Transport: h.Transport(nil)}

	_, body := get(t, client, srv.URL+"/api/broken")
	assert.Equal(t, `{"a": `, body)
	assert.Zero(t, h.Count())

	_, body = get(t, client, srv.URL+"/api/ok")
	assert.JSONEq(t, `{"a":1,"flag":true}`, body)
	assert.EqualValues(t, 1, h.Count())

	h.Stop()
	events, counts := b.reported()
	require.Len(t, events, 1)
	assert.Equal(t, srv.URL+"/api/ok", events[0].URL)
	assert.Equal(t, []int64{1}, counts)
}

// panicOnceLogger 第一次 Warn 时 panic，之后正常丢弃日志
type panicOnceLogger struct {
	logger.Logger
	fired atomic.Bool
}

func (l *panicOnceLogger) Warn(string, ...any) {
	if l.fired.CompareAndSwap(false, true) {
		panic("log sink exploded")
	}
}

func (l *panicOnceLogger) With(...any) logger.Logger { return l }

func TestTransport_RecoversFromPanicDuringSubstitution(t *testing.T) {
	srv := jsonServer(t, `{"a":1}`)
	broken := mergeFlagRule()
	broken.ID = "r-broken"
	broken.URLPattern = "/broken"
	broken.ActionType = model.ActionReplace
	broken.MockData = json.RawMessage(`"{not json"`)

	b := newFakeBridge(model.Settings{Enabled: true, Rules: model.RuleSet{Rules: []model.Rule{broken, mergeFlagRule()}}})
	l := &panicOnceLogger{Logger: logger.NewNop()}
	h := New(Config{Source: b, Reporter: b, Logger: l})
	require.NoError(t, h.Start(context.Background()))
	client := &http.Client{Transport: h.Transport(nil)}

	var body string
	require.NotPanics(t, func() {
		_, body = get(t, client, srv.URL+"/api/broken")
	})
	assert.True(t, l.fired.Load())
	assert.Equal(t, `{"a":1}`, body)
	assert.Zero(t, h.Count())

	_, body = get(t, client, srv.URL+"/api/users")
	assert.JSONEq(t, `{"a":1,"flag":true}`, body)
	assert.EqualValues(t, 1, h.Count())

	h.Stop()
	events, _ := b.reported()
	require.Len(t, events, 1)
	assert.Equal(t, model.RuleID("r-merge"), events[0].RuleID)
}

func TestHandler_ConcurrentDeltasDoNotLoseFields(t *testing.T) {
	h := New(Config{})
	defer h.Stop()
	rs := model.RuleSet{Rules: []model.Rule{mergeFlagRule()}}
	off := false

	for i := 0; i < 200; i++ {
		h.Replace(model.Settings{Enabled: true})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Update(model.SettingsDelta{Enabled: &off})
		}()
		go func() {
			defer wg.Done()
			h.Update(model.SettingsDelta{Rules: &rs})
		}()
		wg.Wait()

		snap := h.Settings()
		require.False(t, snap.Enabled, "iteration %d", i)
		require.Len(t, snap.Rules.Rules, 1, "iteration %d", i)
	}
}
