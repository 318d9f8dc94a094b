package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"mocktail/internal/logger"
	"mocktail/internal/rules"
	"mocktail/pkg/model"
)

// MaxEvents 保留的拦截记录条数
const MaxEvents = 100

// DefaultSyncInterval Watch 轮询数据库的默认间隔
const DefaultSyncInterval = time.Second

const (
	busyTimeoutPragma = "_pragma=busy_timeout(5000)"
	watchDebounce     = 50 * time.Millisecond
	refreshTimeout    = 5 * time.Second
)

// ErrRuleNotFound 规则不存在
var ErrRuleNotFound = errors.New("storage: rule not found")

// Options 存储配置
type Options struct {
	Dsn    string
	Prefix string
	// StartDisabled 首次创建数据库时拦截开关默认关闭
	StartDisabled bool
}

// Store 基于 sqlite 的设置与拦截记录存储，同时充当拦截器的设置来源与上报目标
type Store struct {
	db   *gorm.DB
	log  logger.Logger
	path string

	// writeMu 串行化读改写，保证规则列表更新不丢失
	writeMu sync.Mutex

	// syncMu 保护 seen，并保证本进程写入与跨进程刷新按顺序通知
	syncMu sync.Mutex
	seen   *model.Settings

	mu        sync.RWMutex
	listeners map[int]func(model.SettingsDelta)
	nextID    int
}

// Open 打开数据库、迁移表结构并写入默认设置
func Open(ctx context.Context, opts Options, l logger.Logger) (*Store, error) {
	if l == nil {
		l = logger.NewNop()
	}
	dsn := opts.Dsn
	if dsn == "" {
		dsn = "mocktail.sqlite3"
	}
	db, err := gorm.Open(sqlite.Open(withBusyTimeout(dsn)), &gorm.Config{
		Logger:         NewGormLogger(l).LogMode(gormlogger.Warn),
		NamingStrategy: schema.NamingStrategy{TablePrefix: opts.Prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.WithContext(ctx).AutoMigrate(&Setting{}, &InterceptEventRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{
		db:        db,
		log:       l.With("component", "storage"),
		path:      dbFilePath(dsn),
		listeners: make(map[int]func(model.SettingsDelta)),
	}
	if err := s.ensureDefaults(ctx, !opts.StartDisabled); err != nil {
		return nil, err
	}
	if cur, err := s.GetSettings(ctx); err == nil {
		s.seen = &cur
	} else {
		s.log.Warn("读取初始设置失败", "error", err.Error())
	}
	return s, nil
}

// withBusyTimeout 为 DSN 追加 busy_timeout，多个进程共用同一数据库文件时写入会等待而不是立即失败
func withBusyTimeout(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + busyTimeoutPragma
	}
	return dsn + "?" + busyTimeoutPragma
}

// dbFilePath 从 DSN 中取出数据库文件路径，内存数据库返回空串
func dbFilePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || strings.Contains(p, ":memory:") {
		return ""
	}
	return filepath.Clean(p)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ensureDefaults 首次启动时写入默认设置，已存在的键保持不变
func (s *Store) ensureDefaults(ctx context.Context, enabled bool) error {
	defaults := []Setting{
		{Key: SettingKeyEnabled, Value: strconv.FormatBool(enabled)},
		{Key: SettingKeyRules, Value: "[]"},
		{Key: SettingKeyBadgeCount, Value: "0"},
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&defaults).Error
	if err != nil {
		return fmt.Errorf("write default settings: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	var row Setting
	err := s.db.WithContext(ctx).Where(&Setting{Key: key}).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read setting %s: %w", key, err)
	}
	return row.Value, true, nil
}

func (s *Store) put(ctx context.Context, key, value string) error {
	row := Setting{Key: key, Value: value, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}

// GetSettings 读取完整设置
func (s *Store) GetSettings(ctx context.Context) (model.Settings, error) {
	enabled, err := s.Enabled(ctx)
	if err != nil {
		return model.Settings{}, err
	}
	list, err := s.Rules(ctx)
	if err != nil {
		return model.Settings{}, err
	}
	return model.Settings{Enabled: enabled, Rules: model.RuleSet{Rules: list}}, nil
}

// Enabled 读取拦截总开关，缺失时视为开启
func (s *Store) Enabled(ctx context.Context) (bool, error) {
	v, ok, err := s.get(ctx, SettingKeyEnabled)
	if err != nil || !ok {
		return true, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true, fmt.Errorf("parse %s: %w", SettingKeyEnabled, err)
	}
	return b, nil
}

// SetEnabled 设置拦截总开关并通知订阅者
func (s *Store) SetEnabled(ctx context.Context, enabled bool) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if err := s.put(ctx, SettingKeyEnabled, strconv.FormatBool(enabled)); err != nil {
		return err
	}
	if s.seen != nil {
		s.seen.Enabled = enabled
	}
	s.notify(model.SettingsDelta{Enabled: &enabled})
	return nil
}

// Rules 读取有序规则列表
func (s *Store) Rules(ctx context.Context) ([]model.Rule, error) {
	v, ok, err := s.get(ctx, SettingKeyRules)
	if err != nil || !ok || v == "" {
		return nil, err
	}
	var list []model.Rule
	if err := json.Unmarshal([]byte(v), &list); err != nil {
		return nil, fmt.Errorf("decode %s: %w", SettingKeyRules, err)
	}
	return list, nil
}

// SaveRules 整体保存规则列表（包括调整顺序）并通知订阅者
func (s *Store) SaveRules(ctx context.Context, list []model.Rule) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.saveRulesLocked(ctx, list)
}

func (s *Store) saveRulesLocked(ctx context.Context, list []model.Rule) error {
	if list == nil {
		list = []model.Rule{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if err := s.put(ctx, SettingKeyRules, string(data)); err != nil {
		return err
	}
	rs := model.RuleSet{Rules: list}.Clone()
	if s.seen != nil {
		s.seen.Rules = rs.Clone()
	}
	s.notify(model.SettingsDelta{Rules: &rs})
	return nil
}

// AddRule 校验并追加规则，ID 为空时生成 uuid
func (s *Store) AddRule(ctx context.Context, r model.Rule) (model.Rule, error) {
	if err := rules.Validate(r); err != nil {
		return model.Rule{}, err
	}
	if r.ID == "" {
		r.ID = model.RuleID(uuid.NewString())
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	list, err := s.Rules(ctx)
	if err != nil {
		return model.Rule{}, err
	}
	for _, existing := range list {
		if existing.ID == r.ID {
			return model.Rule{}, fmt.Errorf("rule %s already exists", r.ID)
		}
	}
	list = append(list, r)
	if err := s.saveRulesLocked(ctx, list); err != nil {
		return model.Rule{}, err
	}
	s.log.Info("规则已添加", "ruleId", string(r.ID), "name", r.Name)
	return r, nil
}

// UpdateRule 按 ID 替换规则，位置保持不变
func (s *Store) UpdateRule(ctx context.Context, r model.Rule) error {
	if err := rules.Validate(r); err != nil {
		return err
	}
	return s.mutateRule(ctx, r.ID, func(list []model.Rule, i int) []model.Rule {
		list[i] = r
		return list
	})
}

// DeleteRule 删除规则
func (s *Store) DeleteRule(ctx context.Context, id model.RuleID) error {
	return s.mutateRule(ctx, id, func(list []model.Rule, i int) []model.Rule {
		return append(list[:i], list[i+1:]...)
	})
}

// ToggleRule 启用或禁用单条规则
func (s *Store) ToggleRule(ctx context.Context, id model.RuleID, enabled bool) error {
	return s.mutateRule(ctx, id, func(list []model.Rule, i int) []model.Rule {
		list[i].Enabled = enabled
		return list
	})
}

func (s *Store) mutateRule(ctx context.Context, id model.RuleID, fn func([]model.Rule, int) []model.Rule) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	list, err := s.Rules(ctx)
	if err != nil {
		return err
	}
	for i := range list {
		if list[i].ID == id {
			return s.saveRulesLocked(ctx, fn(list, i))
		}
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
}

// ReportIntercept 写入拦截记录，只保留最新的 MaxEvents 条
func (s *Store) ReportIntercept(ctx context.Context, evt model.InterceptEvent) error {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := InterceptEventRecord{
		URL:          evt.URL,
		Method:       evt.Method,
		RuleID:       string(evt.RuleID),
		RuleName:     evt.RuleName,
		Primitive:    string(evt.Primitive),
		StatusCode:   evt.StatusCode,
		OriginalData: evt.OriginalData,
		ModifiedData: evt.ModifiedData,
		Timestamp:    ts.UnixMilli(),
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("insert intercept event: %w", err)
		}
		keep := tx.Model(&InterceptEventRecord{}).Select("id").Order("id DESC").Limit(MaxEvents)
		if err := tx.Where("id NOT IN (?)", keep).Delete(&InterceptEventRecord{}).Error; err != nil {
			return fmt.Errorf("trim intercept events: %w", err)
		}
		return nil
	})
}

// ReportCount 记录当前会话的拦截计数
func (s *Store) ReportCount(ctx context.Context, count int64) error {
	return s.put(ctx, SettingKeyBadgeCount, strconv.FormatInt(count, 10))
}

// Count 读取当前会话的拦截计数
func (s *Store) Count(ctx context.Context) (int64, error) {
	v, ok, err := s.get(ctx, SettingKeyBadgeCount)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", SettingKeyBadgeCount, err)
	}
	return n, nil
}

// ResetCount 新会话开始时清零计数
func (s *Store) ResetCount(ctx context.Context) error {
	return s.ReportCount(ctx, 0)
}

// Events 按时间倒序返回拦截记录，limit <= 0 时返回全部
func (s *Store) Events(ctx context.Context, limit int) ([]model.InterceptEvent, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []InterceptEventRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list intercept events: %w", err)
	}
	out := make([]model.InterceptEvent, 0, len(recs))
	for _, r := range recs {
		out = append(out, model.InterceptEvent{
			URL:          r.URL,
			Method:       r.Method,
			RuleID:       model.RuleID(r.RuleID),
			RuleName:     r.RuleName,
			Primitive:    model.Primitive(r.Primitive),
			StatusCode:   r.StatusCode,
			OriginalData: r.OriginalData,
			ModifiedData: r.ModifiedData,
			Timestamp:    time.UnixMilli(r.Timestamp),
		})
	}
	return out, nil
}

// ClearEvents 清空拦截记录
func (s *Store) ClearEvents(ctx context.Context) error {
	err := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&InterceptEventRecord{}).Error
	if err != nil {
		return fmt.Errorf("clear intercept events: %w", err)
	}
	return nil
}

// OnChange 订阅设置变更，通知只携带发生变化的字段
func (s *Store) OnChange(fn func(model.SettingsDelta)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) notify(delta model.SettingsDelta) {
	s.mu.RLock()
	fns := make([]func(model.SettingsDelta), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(delta)
	}
}

// Refresh 重新读取数据库中的设置，与上次已知状态比较后通知发生变化的字段。
// 其他进程（例如另一个 mocktail 命令）写入的变更由此传递给本进程的订阅者。
func (s *Store) Refresh(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	cur, err := s.GetSettings(ctx)
	if err != nil {
		return err
	}
	delta := model.DiffSettings(s.seen, cur)
	s.seen = &cur
	if delta.Empty() {
		return nil
	}
	s.log.Info("检测到外部设置变更", "enabled", cur.Enabled, "rules", len(cur.Rules.Rules))
	s.notify(delta)
	return nil
}

// Watch 监听数据库文件并按 interval 轮询，把外部写入转换为变更通知，阻塞直到 done 关闭。
// 文件监听不可用时（内存数据库或平台不支持）只依赖轮询。
func (s *Store) Watch(done <-chan struct{}, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if s.path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			s.log.Warn("创建数据库文件监听失败，仅使用轮询", "error", err.Error())
		} else {
			defer func() {
				_ = watcher.Close()
			}()
			dir := filepath.Dir(s.path)
			if err := watcher.Add(dir); err != nil {
				s.log.Warn("监听数据库目录失败，仅使用轮询", "dir", dir, "error", err.Error())
			} else {
				events, errs = watcher.Events, watcher.Errors
			}
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var debounce <-chan time.Time
	for {
		select {
		case <-done:
			return nil
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if debounce == nil && s.isDBFile(event.Name) {
				debounce = time.After(watchDebounce)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.log.Err(err, "数据库文件监听出错")
		case <-debounce:
			debounce = nil
			s.refreshLogged()
		case <-ticker.C:
			s.refreshLogged()
		}
	}
}

// isDBFile 判断事件是否来自数据库文件本身或其 -journal / -wal 文件
func (s *Store) isDBFile(name string) bool {
	return strings.HasPrefix(filepath.Clean(name), s.path)
}

func (s *Store) refreshLogged() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := s.Refresh(ctx); err != nil {
		s.log.Err(err, "同步数据库设置失败")
	}
}
