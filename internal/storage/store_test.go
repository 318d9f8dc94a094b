package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mocktail/internal/ctxkeys"
	"mocktail/internal/logger"
	"mocktail/internal/rules"
	"mocktail/pkg/model"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{
		Dsn:    filepath.Join(t.TempDir(), "test.sqlite3"),
		Prefix: "mocktail_",
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRule(name, pattern string) model.Rule {
	return model.Rule{
		Name:       name,
		URLPattern: pattern,
		MatchType:  model.MatchContains,
		ActionType: model.ActionReplace,
		MockData:   json.RawMessage(`{"ok":true}`),
		Enabled:    true,
	}
}

func TestOpen_WritesDefaults(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	settings, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.True(t, settings.Enabled)
	assert.Empty(t, settings.Rules.Rules)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	events, err := s.Events(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestOpen_KeepsExistingSettings(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "keep.sqlite3")
	ctx := context.Background()

	s, err := Open(ctx, Options{Dsn: dsn}, nil)
	require.NoError(t, err)
	require.NoError(t, s.SetEnabled(ctx, false))
	require.NoError(t, s.Close())

	s, err = Open(ctx, Options{Dsn: dsn}, nil)
	require.NoError(t, err)
	defer s.Close()
	enabled, err := s.Enabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestOpen_StartDisabledOnlyAffectsFreshStore(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "fresh.sqlite3")
	ctx := context.Background()

	s, err := Open(ctx, Options{Dsn: dsn, StartDisabled: true}, nil)
	require.NoError(t, err)
	enabled, err := s.Enabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)
	require.NoError(t, s.SetEnabled(ctx, true))
	require.NoError(t, s.Close())

	s, err = Open(ctx, Options{Dsn: dsn, StartDisabled: true}, nil)
	require.NoError(t, err)
	defer s.Close()
	enabled, err = s.Enabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestRuleCRUD(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a, err := s.AddRule(ctx, newRule("a", "/a"))
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	b, err := s.AddRule(ctx, newRule("b", "/b"))
	require.NoError(t, err)

	list, err := s.Rules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
	assert.JSONEq(t, `{"ok":true}`, string(list[0].MockData))

	a.URLPattern = "/a2"
	require.NoError(t, s.UpdateRule(ctx, a))
	require.NoError(t, s.ToggleRule(ctx, b.ID, false))

	list, err = s.Rules(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/a2", list[0].URLPattern)
	assert.False(t, list[1].Enabled)

	require.NoError(t, s.DeleteRule(ctx, a.ID))
	list, err = s.Rules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)

	assert.ErrorIs(t, s.DeleteRule(ctx, "missing"), ErrRuleNotFound)
	assert.ErrorIs(t, s.ToggleRule(ctx, "missing", true), ErrRuleNotFound)
}

func TestSaveRules_Reorders(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a, err := s.AddRule(ctx, newRule("a", "/a"))
	require.NoError(t, err)
	b, err := s.AddRule(ctx, newRule("b", "/b"))
	require.NoError(t, err)

	require.NoError(t, s.SaveRules(ctx, []model.Rule{b, a}))
	list, err := s.Rules(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.RuleID{b.ID, a.ID}, []model.RuleID{list[0].ID, list[1].ID})
}

func TestAddRule_Validates(t *testing.T) {
	s := openStore(t)
	r := newRule("bad", `(?<=x)`)
	r.MatchType = model.MatchRegex

	_, err := s.AddRule(context.Background(), r)
	var reErr *rules.InvalidRegexError
	assert.ErrorAs(t, err, &reErr)

	list, err := s.Rules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestOnChange_DeliversDeltas(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	var deltas []model.SettingsDelta
	cancel := s.OnChange(func(d model.SettingsDelta) { deltas = append(deltas, d) })

	require.NoError(t, s.SetEnabled(ctx, false))
	_, err := s.AddRule(ctx, newRule("a", "/a"))
	require.NoError(t, err)

	require.Len(t, deltas, 2)
	require.NotNil(t, deltas[0].Enabled)
	assert.False(t, *deltas[0].Enabled)
	assert.Nil(t, deltas[0].Rules)
	assert.Nil(t, deltas[1].Enabled)
	require.NotNil(t, deltas[1].Rules)
	assert.Len(t, deltas[1].Rules.Rules, 1)

	cancel()
	cancel()
	require.NoError(t, s.SetEnabled(ctx, true))
	assert.Len(t, deltas, 2)
}

func TestReportIntercept_KeepsNewest(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for i := 0; i < MaxEvents+5; i++ {
		require.NoError(t, s.ReportIntercept(ctx, model.InterceptEvent{
			URL:       fmt.Sprintf("https://api.x.com/%d", i),
			RuleName:  "r",
			Timestamp: time.Now(),
		}))
	}

	events, err := s.Events(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, MaxEvents)
	assert.Equal(t, fmt.Sprintf("https://api.x.com/%d", MaxEvents+4), events[0].URL)
	assert.Equal(t, "https://api.x.com/5", events[len(events)-1].URL)

	limited, err := s.Events(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, limited, 3)

	require.NoError(t, s.ClearEvents(ctx))
	events, err = s.Events(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReportCount(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReportCount(ctx, 7))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)

	require.NoError(t, s.ResetCount(ctx))
	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGormLogger_CarriesTraceID(t *testing.T) {
	var buf bytes.Buffer
	gl := NewGormLogger(logger.NewWithWriter(&buf, "debug"))

	ctx := ctxkeys.WithTraceID(context.Background(), "trace-1")
	gl.Warn(ctx, "slow")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "trace-1", entry["traceId"])
	assert.Equal(t, "gorm", entry["component"])
}

func TestWatch_DeliversChangesFromAnotherStore(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "shared.sqlite3")
	ctx := context.Background()

	watching, err := Open(ctx, Options{Dsn: dsn, Prefix: "mocktail_"}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = watching.Close() })

	deltas := make(chan model.SettingsDelta, 16)
	cancel := watching.OnChange(func(d model.SettingsDelta) { deltas <- d })
	defer cancel()

	done := make(chan struct{})
	stopped := make(chan error, 1)
	go func() { stopped <- watching.Watch(done, 20*time.Millisecond) }()

	writer, err := Open(ctx, Options{Dsn: dsn, Prefix: "mocktail_"}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	require.NoError(t, writer.SetEnabled(ctx, false))
	select {
	case d := <-deltas:
		require.NotNil(t, d.Enabled)
		assert.False(t, *d.Enabled)
		assert.Nil(t, d.Rules, "only the changed field is delivered")
	case <-time.After(5 * time.Second):
		t.Fatal("enabled change from the other store was not delivered")
	}

	added, err := writer.AddRule(ctx, newRule("a", "/a"))
	require.NoError(t, err)
	select {
	case d := <-deltas:
		assert.Nil(t, d.Enabled)
		require.NotNil(t, d.Rules)
		require.Len(t, d.Rules.Rules, 1)
		assert.Equal(t, added.ID, d.Rules.Rules[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("rule change from the other store was not delivered")
	}

	close(done)
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after done was closed")
	}
}

func TestRefresh_LocalWritesAreNotRedelivered(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	var deltas []model.SettingsDelta
	cancel := s.OnChange(func(d model.SettingsDelta) { deltas = append(deltas, d) })
	defer cancel()

	require.NoError(t, s.SetEnabled(ctx, false))
	_, err := s.AddRule(ctx, newRule("a", "/a"))
	require.NoError(t, err)
	require.Len(t, deltas, 2)

	require.NoError(t, s.Refresh(ctx))
	assert.Len(t, deltas, 2)
}

func TestWithBusyTimeout(t *testing.T) {
	assert.Equal(t, "a.db?_pragma=busy_timeout(5000)", withBusyTimeout("a.db"))
	assert.Equal(t, "file:a.db?mode=rwc&_pragma=busy_timeout(5000)", withBusyTimeout("file:a.db?mode=rwc"))
	assert.Equal(t, "a.db?_pragma=busy_timeout(100)", withBusyTimeout("a.db?_pragma=busy_timeout(100)"))

	assert.Equal(t, filepath.Clean("/tmp/a.db"), dbFilePath("file:/tmp/a.db?mode=rwc"))
	assert.Empty(t, dbFilePath(":memory:"))
	assert.Empty(t, dbFilePath("file::memory:?cache=shared"))
}
