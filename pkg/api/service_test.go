package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mocktail/internal/config"
	"mocktail/pkg/model"
)

type staticBridge struct {
	settings model.Settings
	counts   chan int64
}

func (b *staticBridge) GetSettings(context.Context) (model.Settings, error) {
	return b.settings, nil
}

func (b *staticBridge) OnChange(func(model.SettingsDelta)) func() {
	return func() {}
}

func (b *staticBridge) ReportIntercept(context.Context, model.InterceptEvent) error {
	return nil
}

func (b *staticBridge) ReportCount(_ context.Context, n int64) error {
	b.counts <- n
	return nil
}

func TestNewInterceptor_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = io.WriteString(w, `{"user":{"name":"x"}}`)
	}))
	defer srv.Close()

	b := &staticBridge{counts: make(chan int64, 1), settings: model.Settings{Enabled: true, Rules: model.RuleSet{Rules: []model.Rule{{
		ID:            "r",
		Name:          "rename",
		URLPattern:    srv.URL,
		MatchType:     model.MatchStartsWith,
		ActionType:    model.ActionModify,
		Modifications: []model.Modification{{Path: "user.name", Value: json.RawMessage(`"y"`)}},
		Enabled:       true,
	}}}}}

	h := NewInterceptor(b, nil)
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	resp, err := (&http.Client{Transport: h.Transport(nil)}).Get(srv.URL + "/profile")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.JSONEq(t, `{"user":{"name":"y"}}`, string(body))
	assert.EqualValues(t, 1, <-b.counts)
}

func TestNewService_NotStarted(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Sqlite.Dsn = filepath.Join(t.TempDir(), "api.sqlite3")
	svc := NewService(cfg, nil)

	_, err := svc.Stats("")
	assert.ErrorIs(t, err, ErrNotStarted)
}
