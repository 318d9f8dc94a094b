package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"sigs.k8s.io/yaml"

	"mocktail/internal/logger"
	"mocktail/internal/rules"
	"mocktail/pkg/model"
)

// RulesFile 规则文件结构，支持 YAML 与 JSON
type RulesFile struct {
	Enabled *bool        `json:"enabled,omitempty"`
	Rules   []model.Rule `json:"rules"`
}

// FileSource 从规则文件读取设置，文件变化时推送变更
type FileSource struct {
	path string
	log  logger.Logger

	mu        sync.RWMutex
	current   *model.Settings
	listeners map[int]func(model.SettingsDelta)
	nextID    int
}

// NewFileSource 创建规则文件来源
func NewFileSource(path string, l logger.Logger) *FileSource {
	if l == nil {
		l = logger.NewNop()
	}
	return &FileSource{
		path:      path,
		log:       l.With("component", "rules-file", "path", path),
		listeners: make(map[int]func(model.SettingsDelta)),
	}
}

// ParseRules 解析规则文件内容，缺少 ID 的规则按位置生成稳定 ID
func ParseRules(data []byte, origin string) (model.Settings, error) {
	var f RulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return model.Settings{}, fmt.Errorf("parse rules file: %w", err)
	}
	s := model.Settings{Enabled: true, Rules: model.RuleSet{Rules: f.Rules}}
	if f.Enabled != nil {
		s.Enabled = *f.Enabled
	}
	for i := range s.Rules.Rules {
		r := &s.Rules.Rules[i]
		if r.ID == "" {
			r.ID = model.RuleID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(origin+"#"+strconv.Itoa(i))).String())
		}
	}
	return s, nil
}

// Load 读取并解析规则文件，成功后替换缓存
func (f *FileSource) Load() (model.Settings, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return model.Settings{}, fmt.Errorf("read rules file: %w", err)
	}
	s, err := ParseRules(data, f.path)
	if err != nil {
		return model.Settings{}, err
	}
	for _, r := range s.Rules.Rules {
		if err := rules.Validate(r); err != nil {
			f.log.Warn("规则无效，将不会命中", "rule", r.Name, "error", err.Error())
		}
	}

	f.mu.Lock()
	f.current = &s
	f.mu.Unlock()
	return s, nil
}

// GetSettings 返回缓存的设置，首次调用时读取文件
func (f *FileSource) GetSettings(_ context.Context) (model.Settings, error) {
	f.mu.RLock()
	cur := f.current
	f.mu.RUnlock()
	if cur != nil {
		return *cur, nil
	}
	return f.Load()
}

// OnChange 订阅设置变更
func (f *FileSource) OnChange(fn func(model.SettingsDelta)) (cancel func()) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

// Reload 重新读取文件，并把与上次相比发生变化的字段通知订阅者
func (f *FileSource) Reload() error {
	f.mu.RLock()
	prev := f.current
	f.mu.RUnlock()

	next, err := f.Load()
	if err != nil {
		return err
	}
	delta := model.DiffSettings(prev, next)
	if delta.Empty() {
		return nil
	}
	f.log.Info("规则文件已更新", "enabled", next.Enabled, "rules", len(next.Rules.Rules))
	f.notify(delta)
	return nil
}

// Watch 监听规则文件所在目录，阻塞直到 done 关闭
func (f *FileSource) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}
	f.log.Info("开始监听规则文件")

	target := filepath.Clean(f.path)
	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if err := f.Reload(); err != nil {
					f.log.Err(err, "重新加载规则文件失败")
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.log.Err(err, "规则文件监听出错")
		}
	}
}

func (f *FileSource) notify(delta model.SettingsDelta) {
	f.mu.RLock()
	fns := make([]func(model.SettingsDelta), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.RUnlock()
	for _, fn := range fns {
		fn(delta)
	}
}
