package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mocktail/internal/handler"
	"mocktail/internal/logger"
	"mocktail/pkg/model"
)

// Session 一次页面拦截会话，每个会话拥有独立的拦截处理器与计数
type Session struct {
	ID        model.SessionID
	Target    model.TargetID
	StartedAt time.Time
	Handler   *handler.Handler
}

// Manager 全局会话管理器
type Manager struct {
	mu       sync.RWMutex
	sessions map[model.SessionID]*Session
	log      logger.Logger
}

// NewManager 创建会话管理器
func NewManager(l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		sessions: make(map[model.SessionID]*Session),
		log:      l,
	}
}

// Create 创建并注册新会话
func (m *Manager) Create(target model.TargetID, h *handler.Handler) *Session {
	s := &Session{
		ID:        model.SessionID(uuid.NewString()),
		Target:    target,
		StartedAt: time.Now(),
		Handler:   h,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.log.Info("创建拦截会话", "sessionID", string(s.ID), "target", string(target))
	return s
}

// Get 获取会话
func (m *Manager) Get(id model.SessionID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete 销毁会话并返回被移除的会话
func (m *Manager) Delete(id model.SessionID) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		m.log.Info("销毁拦截会话", "sessionID", string(id))
	}
	return s, ok
}

// List 返回所有活动会话，按创建时间排序
func (m *Manager) List() []*Session {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.Before(list[j].StartedAt) })
	return list
}
